package db

import (
	"context"
	"fmt"
)

// InsertReconciliationRun records one reconciliation pass.
func (q *Queries) InsertReconciliationRun(ctx context.Context, r ReconciliationRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (
			id, started_at, finished_at, users_checked, users_failed,
			closed_externally, opened_externally, errors
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.UsersChecked, r.UsersFailed,
		r.ClosedExternally, r.OpenedExternally, r.Errors)
	if err != nil {
		return fmt.Errorf("insert reconciliation run: %w", err)
	}
	return nil
}

// RecentReconciliationRuns returns the latest runs, newest first.
func (q *Queries) RecentReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.reader.QueryContext(ctx, `
		SELECT id, started_at, finished_at, users_checked, users_failed,
		       closed_externally, opened_externally, COALESCE(errors, '')
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []ReconciliationRun
	for rows.Next() {
		var r ReconciliationRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.UsersChecked, &r.UsersFailed,
			&r.ClosedExternally, &r.OpenedExternally, &r.Errors); err != nil {
			return nil, fmt.Errorf("scan reconciliation run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Package db provides user-isolated SQLite persistence for tracked positions,
// exchange credentials and reconciliation audit runs.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// Queries routes reads to the reader handle and writes to the writer.
type Queries struct {
	db     *sql.DB
	reader *sql.DB
}

// NewQueries creates a query set. A nil reader falls back to the writer.
func NewQueries(writer, reader *sql.DB) *Queries {
	if reader == nil {
		reader = writer
	}
	return &Queries{db: writer, reader: reader}
}

// ----------------------------------------
// Tracked position queries
// ----------------------------------------

const positionColumns = `
	id, user_id, exchange, environment, symbol, side, quantity, entry_price,
	entry_time, operation_id, status, exit_time, COALESCE(close_reason, ''),
	COALESCE(duration_minutes, 0)`

// CreateTrackedPosition inserts an OPEN position for a completed operation.
func (q *Queries) CreateTrackedPosition(ctx context.Context, p TrackedPosition) (int64, error) {
	if p.UserID == "" {
		return 0, ErrUserIDRequired
	}
	if p.OperationID == "" {
		return 0, errors.New("operation_id is required")
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = time.Now()
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO tracked_positions (
			user_id, exchange, environment, symbol, side, quantity, entry_price,
			entry_time, operation_id, status
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'OPEN')
	`, p.UserID, p.Exchange, p.Environment, p.Symbol, p.Side, p.Quantity, p.EntryPrice,
		p.EntryTime.UTC(), p.OperationID)
	if err != nil {
		return 0, fmt.Errorf("insert tracked position: %w", err)
	}
	return res.LastInsertId()
}

// OpenPositionsByUser returns the user's OPEN positions, oldest first.
func (q *Queries) OpenPositionsByUser(ctx context.Context, userID string) ([]TrackedPosition, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.reader.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM tracked_positions
		WHERE user_id = ? AND status = 'OPEN'
		ORDER BY entry_time ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	return scanPositions(rows)
}

// UsersWithOpenPositions returns every user holding at least one OPEN position.
func (q *Queries) UsersWithOpenPositions(ctx context.Context) ([]string, error) {
	rows, err := q.reader.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM tracked_positions WHERE status = 'OPEN' ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query users with open positions: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PositionsByUser returns the user's positions in the given status ("" for
// all), newest first.
func (q *Queries) PositionsByUser(ctx context.Context, userID, status string, limit int) ([]TrackedPosition, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.reader.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM tracked_positions
		WHERE user_id = ? AND (? = '' OR status = ?)
		ORDER BY entry_time DESC, id DESC
		LIMIT ?
	`, userID, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return scanPositions(rows)
}

// FindOpenPosition returns the oldest OPEN position matching the key.
func (q *Queries) FindOpenPosition(ctx context.Context, userID, exchange, environment, symbol, side string) (*TrackedPosition, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM tracked_positions
		WHERE user_id = ? AND exchange = ? AND environment = ? AND symbol = ? AND side = ?
		  AND status = 'OPEN'
		ORDER BY entry_time ASC, id ASC
		LIMIT 1
	`, userID, exchange, environment, symbol, side)
	if err != nil {
		return nil, fmt.Errorf("query open position: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[0], nil
}

// PositionByOperation returns the position created by an operation.
func (q *Queries) PositionByOperation(ctx context.Context, operationID string) (*TrackedPosition, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM tracked_positions
		WHERE operation_id = ?
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[0], nil
}

// CloseTrackedPosition moves an OPEN position to CLOSED. It reports false
// when the row was already closed, so repeated calls are harmless.
func (q *Queries) CloseTrackedPosition(ctx context.Context, req CloseRequest) (bool, error) {
	if req.OperationID == "" {
		return false, errors.New("operation_id is required")
	}
	if req.ExitTime.IsZero() {
		req.ExitTime = time.Now()
	}

	var entry time.Time
	err := q.db.QueryRowContext(ctx, `
		SELECT entry_time FROM tracked_positions WHERE operation_id = ? AND status = 'OPEN'
	`, req.OperationID).Scan(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load position entry time: %w", err)
	}
	minutes := int64(math.Max(0, math.Floor(req.ExitTime.Sub(entry).Minutes())))

	res, err := q.db.ExecContext(ctx, `
		UPDATE tracked_positions
		SET status = 'CLOSED', exit_time = ?, close_reason = ?, duration_minutes = ?
		WHERE operation_id = ? AND status = 'OPEN'
	`, req.ExitTime.UTC(), req.Reason, minutes, req.OperationID)
	if err != nil {
		return false, fmt.Errorf("close tracked position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func scanPositions(rows *sql.Rows) ([]TrackedPosition, error) {
	defer rows.Close()

	var positions []TrackedPosition
	for rows.Next() {
		var (
			p    TrackedPosition
			exit sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Exchange, &p.Environment, &p.Symbol, &p.Side,
			&p.Quantity, &p.EntryPrice, &p.EntryTime, &p.OperationID, &p.Status, &exit,
			&p.CloseReason, &p.DurationMinutes); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if exit.Valid {
			t := exit.Time
			p.ExitTime = &t
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

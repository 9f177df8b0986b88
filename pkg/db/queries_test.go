package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Queries()
}

func TestQueriesRequireUserID(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	t.Run("OpenPositionsByUser requires userID", func(t *testing.T) {
		if _, err := q.OpenPositionsByUser(ctx, ""); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("CreateTrackedPosition requires userID", func(t *testing.T) {
		if _, err := q.CreateTrackedPosition(ctx, TrackedPosition{OperationID: "op"}); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("GetCredential requires userID", func(t *testing.T) {
		if _, err := q.GetCredential(ctx, "", "binance", "mainnet"); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestTrackedPositionLifecycle(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	entry := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for _, p := range []TrackedPosition{
		{UserID: "user-a", Exchange: "binance", Environment: "mainnet", Symbol: "BTCUSDT", Side: "BUY", Quantity: 0.01, EntryPrice: 50000, EntryTime: entry, OperationID: "op-1"},
		{UserID: "user-a", Exchange: "bybit", Environment: "mainnet", Symbol: "ETHUSDT", Side: "SELL", Quantity: 1, EntryPrice: 3000, EntryTime: entry.Add(time.Minute), OperationID: "op-2"},
		{UserID: "user-b", Exchange: "binance", Environment: "testnet", Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, EntryTime: entry, OperationID: "op-3"},
	} {
		if _, err := q.CreateTrackedPosition(ctx, p); err != nil {
			t.Fatalf("CreateTrackedPosition(%s): %v", p.OperationID, err)
		}
	}

	open, err := q.OpenPositionsByUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("OpenPositionsByUser: %v", err)
	}
	if len(open) != 2 || open[0].OperationID != "op-1" {
		t.Fatalf("open positions = %+v", open)
	}
	if !open[0].EntryTime.Equal(entry) {
		t.Fatalf("entry time round trip: %v", open[0].EntryTime)
	}

	exit := entry.Add(90 * time.Minute)
	closed, err := q.CloseTrackedPosition(ctx, CloseRequest{OperationID: "op-1", ExitTime: exit, Reason: ReasonClosedExternally})
	if err != nil || !closed {
		t.Fatalf("first close = %v, %v", closed, err)
	}
	closed, err = q.CloseTrackedPosition(ctx, CloseRequest{OperationID: "op-1", ExitTime: exit.Add(time.Hour), Reason: ReasonSignalClose})
	if err != nil || closed {
		t.Fatalf("second close = %v, %v; want false, nil", closed, err)
	}

	p, err := q.PositionByOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("PositionByOperation: %v", err)
	}
	if p.Status != StatusClosed || p.CloseReason != ReasonClosedExternally || p.DurationMinutes != 90 {
		t.Fatalf("closed position = %+v", p)
	}
	if p.ExitTime == nil || !p.ExitTime.Equal(exit) {
		t.Fatalf("exit time = %v, want %v", p.ExitTime, exit)
	}

	open, _ = q.OpenPositionsByUser(ctx, "user-a")
	if len(open) != 1 || open[0].OperationID != "op-2" {
		t.Fatalf("open positions after close = %+v", open)
	}

	all, err := q.PositionsByUser(ctx, "user-a", "", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("PositionsByUser = %d, %v", len(all), err)
	}

	found, err := q.FindOpenPosition(ctx, "user-b", "binance", "testnet", "BTCUSDT", "BUY")
	if err != nil || found.OperationID != "op-3" {
		t.Fatalf("FindOpenPosition = %+v, %v", found, err)
	}
	if _, err := q.FindOpenPosition(ctx, "user-b", "binance", "mainnet", "BTCUSDT", "BUY"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateOperationRejected(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	p := TrackedPosition{UserID: "u", Exchange: "binance", Environment: "mainnet", Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, OperationID: "op-dup"}
	if _, err := q.CreateTrackedPosition(ctx, p); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := q.CreateTrackedPosition(ctx, p); err == nil {
		t.Fatalf("duplicate operation_id should fail")
	}
}

func TestCredentialUpsertAndIsolation(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	rec := CredentialRecord{
		ID: "cred-1", UserID: "user-a", Exchange: "bitget", Environment: "testnet",
		APIKeyEncrypted: "k1", APISecretEncrypted: "s1", PassphraseEncrypted: "p1",
		BaseURLs: []string{"https://a.example", "https://b.example"},
		KeyVersion: 1, AccountTier: "VIP", TestnetMode: true, TradingEnabled: true, IsActive: true,
	}
	if err := q.UpsertCredential(ctx, rec); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	rec.APIKeyEncrypted = "k2"
	rec.ID = "ignored-on-conflict"
	if err := q.UpsertCredential(ctx, rec); err != nil {
		t.Fatalf("UpsertCredential update: %v", err)
	}
	if err := q.UpsertCredential(ctx, CredentialRecord{
		ID: "cred-2", UserID: "user-b", Exchange: "binance", Environment: "mainnet",
		APIKeyEncrypted: "x", APISecretEncrypted: "y", KeyVersion: 1, IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertCredential user-b: %v", err)
	}

	got, err := q.GetCredential(ctx, "user-a", "bitget", "testnet")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.ID != "cred-1" || got.APIKeyEncrypted != "k2" || got.AccountTier != "VIP" || !got.TestnetMode {
		t.Fatalf("credential = %+v", got)
	}
	if len(got.BaseURLs) != 2 || got.BaseURLs[1] != "https://b.example" {
		t.Fatalf("base urls = %v", got.BaseURLs)
	}

	if _, err := q.GetCredential(ctx, "user-b", "bitget", "testnet"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("user-b must not see user-a credential: %v", err)
	}

	trading, err := q.TradingCredentials(ctx)
	if err != nil {
		t.Fatalf("TradingCredentials: %v", err)
	}
	if len(trading) != 1 || trading[0].UserID != "user-a" {
		t.Fatalf("trading credentials = %+v", trading)
	}

	if err := q.DeactivateCredential(ctx, "user-a", "bitget", "testnet"); err != nil {
		t.Fatalf("DeactivateCredential: %v", err)
	}
	if _, err := q.GetCredential(ctx, "user-a", "bitget", "testnet"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deactivated credential still returned: %v", err)
	}
}

func TestReconciliationRuns(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2"} {
		if err := q.InsertReconciliationRun(ctx, ReconciliationRun{
			ID: id, StartedAt: start.Add(time.Duration(i) * time.Minute), FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
			UsersChecked: 3, ClosedExternally: i,
		}); err != nil {
			t.Fatalf("InsertReconciliationRun: %v", err)
		}
	}
	runs, err := q.RecentReconciliationRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentReconciliationRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" || runs[0].ClosedExternally != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestApplyMigrationsUpgradesOlderFiles(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	_, err = database.DB.Exec(`CREATE TABLE tracked_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL DEFAULT 0,
		entry_time DATETIME NOT NULL,
		operation_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'OPEN',
		exit_time DATETIME,
		close_reason TEXT
	)`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(database); err != nil {
			t.Fatalf("ApplyMigrations run %d: %v", i+1, err)
		}
	}
	cols, err := tableColumns(database.DB, "tracked_positions")
	if err != nil {
		t.Fatalf("tableColumns: %v", err)
	}
	for _, want := range []string{"environment", "duration_minutes"} {
		if !cols[want] {
			t.Errorf("column %s was not added", want)
		}
	}
}

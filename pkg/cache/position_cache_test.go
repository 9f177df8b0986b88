package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-core/pkg/db"
)

func TestPositionCacheLoadsOnceUntilInvalidated(t *testing.T) {
	loads := 0
	c := NewPositionCache(time.Minute, func(ctx context.Context, userID string) ([]db.TrackedPosition, error) {
		loads++
		return []db.TrackedPosition{{UserID: userID, Symbol: "BTCUSDT", Status: db.StatusOpen}}, nil
	})

	for i := 0; i < 3; i++ {
		got, err := c.OpenPositions(context.Background(), "user-a")
		if err != nil || len(got) != 1 {
			t.Fatalf("OpenPositions = %v, %v", got, err)
		}
	}
	if loads != 1 {
		t.Fatalf("expected 1 load, got %d", loads)
	}

	c.Invalidate("user-a")
	if _, err := c.OpenPositions(context.Background(), "user-a"); err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if loads != 2 {
		t.Fatalf("expected reload after invalidate, got %d loads", loads)
	}
}

func TestPositionCacheExpiresAndCleansUp(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	loads := 0
	c := NewPositionCache(time.Minute, func(ctx context.Context, userID string) ([]db.TrackedPosition, error) {
		loads++
		return nil, nil
	})
	c.now = func() time.Time { return now }

	_, _ = c.OpenPositions(context.Background(), "user-a")
	_, _ = c.OpenPositions(context.Background(), "user-b")
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}

	now = now.Add(2 * time.Minute)
	if removed := c.Cleanup(); removed != 2 {
		t.Fatalf("Cleanup removed %d", removed)
	}
	_, _ = c.OpenPositions(context.Background(), "user-a")
	if loads != 3 {
		t.Fatalf("expected reload after expiry, got %d loads", loads)
	}
}

func TestPositionCacheDoesNotStoreLoadErrors(t *testing.T) {
	c := NewPositionCache(time.Minute, func(ctx context.Context, userID string) ([]db.TrackedPosition, error) {
		return nil, errors.New("db down")
	})
	if _, err := c.OpenPositions(context.Background(), "user-a"); err == nil {
		t.Fatalf("expected load error")
	}
	if c.Len() != 0 {
		t.Fatalf("failed load must not be cached")
	}
}

func TestPositionCacheReturnsCopies(t *testing.T) {
	c := NewPositionCache(time.Minute, func(ctx context.Context, userID string) ([]db.TrackedPosition, error) {
		return []db.TrackedPosition{{Symbol: "BTCUSDT"}}, nil
	})
	first, _ := c.OpenPositions(context.Background(), "user-a")
	first[0].Symbol = "MUTATED"
	second, _ := c.OpenPositions(context.Background(), "user-a")
	if second[0].Symbol != "BTCUSDT" {
		t.Fatalf("cache entry was mutated through a returned slice")
	}
}

package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func singleLane(budget int) Config {
	return Config{
		Lanes:       []LaneConfig{{Name: LaneHigh, MinScore: 0, Budget: budget}},
		AgingFactor: 0.5,
		AgingFloor:  1,
	}
}

func mustManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestDequeueOrdersByScoreThenFIFO(t *testing.T) {
	m := mustManager(t, singleLane(10))
	for i, score := range []float64{60, 100, 80, 100, 60} {
		if _, err := m.Enqueue(Entry{ID: fmt.Sprintf("op-%d", i), Score: score}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	want := []string{"op-1", "op-3", "op-2", "op-0", "op-4"}
	for _, id := range want {
		it, ok := m.DequeueNext(LaneHigh)
		if !ok {
			t.Fatalf("expected %s, queue empty", id)
		}
		if it.ID != id {
			t.Fatalf("dequeued %s, want %s", it.ID, id)
		}
	}
	if _, ok := m.DequeueNext(LaneHigh); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestLaneForDefaultBands(t *testing.T) {
	m := mustManager(t, DefaultConfig())
	tests := []struct {
		score float64
		want  Lane
	}{
		{280, LaneCritical},
		{150, LaneCritical},
		{149.9, LaneHigh},
		{50, LaneHigh},
		{10, LaneLow},
		{-5, LaneLow},
	}
	for _, tt := range tests {
		if got := m.LaneFor(tt.score); got != tt.want {
			t.Errorf("LaneFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestAgingHalvesOnceAndRespectsFloor(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := singleLane(10)
	cfg.AgingThreshold = 10 * time.Second
	cfg.AgingFloor = 40
	m := mustManager(t, cfg, WithClock(clock.Now))

	_, _ = m.Enqueue(Entry{ID: "old-high", Score: 100})
	_, _ = m.Enqueue(Entry{ID: "old-low", Score: 50})
	clock.Advance(15 * time.Second)
	_, _ = m.Enqueue(Entry{ID: "fresh", Score: 60})

	first, _ := m.DequeueNext(LaneHigh)
	if first.ID != "fresh" {
		t.Fatalf("first = %s, want fresh after aging", first.ID)
	}

	clock.Advance(time.Hour)
	second, _ := m.DequeueNext(LaneHigh)
	if second.ID != "old-high" || second.Score != 50 || !second.Aged {
		t.Fatalf("second = %+v, want old-high aged once to 50", second)
	}
	third, _ := m.DequeueNext(LaneHigh)
	if third.ID != "old-low" || third.Score != 40 {
		t.Fatalf("third = %+v, want old-low floored at 40", third)
	}
	if third.OriginalScore != 50 {
		t.Fatalf("original score changed: %v", third.OriginalScore)
	}
}

func TestLaneBudgetNeverExceeded(t *testing.T) {
	const budget = 2
	m := mustManager(t, singleLane(budget))
	const total = 50
	for i := 0; i < total; i++ {
		_, _ = m.Enqueue(Entry{ID: fmt.Sprintf("op-%d", i), Score: float64(i % 7)})
	}

	var inFlight, maxSeen, done int32
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atomic.LoadInt32(&done) < total {
				it, ok := m.DequeueNext(LaneHigh)
				if !ok {
					time.Sleep(time.Millisecond)
					continue
				}
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&inFlight, -1)
				if err := m.MarkCompleted(Handle{ID: it.ID, Lane: it.Lane, Seq: it.Seq}); err != nil {
					t.Errorf("MarkCompleted: %v", err)
				}
				atomic.AddInt32(&done, 1)
			}
		}()
	}
	wg.Wait()

	if maxSeen > budget {
		t.Fatalf("max in flight = %d, budget %d", maxSeen, budget)
	}
	st := m.Status()[LaneHigh]
	if st.Active != 0 || st.Queued != 0 || st.Budget != budget {
		t.Fatalf("final status = %+v", st)
	}
}

func TestBudgetBlocksDequeueUntilSlotFreed(t *testing.T) {
	m := mustManager(t, singleLane(1))
	h1, _ := m.Enqueue(Entry{ID: "a", Score: 1})
	_, _ = m.Enqueue(Entry{ID: "b", Score: 1})

	if _, ok := m.DequeueNext(LaneHigh); !ok {
		t.Fatalf("first dequeue should succeed")
	}
	if err := m.MarkActive(h1); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := m.MarkActive(h1); err != nil {
		t.Fatalf("MarkActive must be idempotent: %v", err)
	}
	if _, ok := m.DequeueNext(LaneHigh); ok {
		t.Fatalf("dequeue over budget")
	}
	if err := m.MarkFailed(h1); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := m.MarkFailed(h1); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("second MarkFailed = %v, want ErrUnknownHandle", err)
	}
	if it, ok := m.DequeueNext(LaneHigh); !ok || it.ID != "b" {
		t.Fatalf("expected b after slot freed")
	}
}

func TestWithdrawOnlyWhileQueued(t *testing.T) {
	m := mustManager(t, singleLane(1))
	h1, _ := m.Enqueue(Entry{ID: "a", Score: 5})
	h2, _ := m.Enqueue(Entry{ID: "b", Score: 1})

	if _, ok := m.DequeueNext(LaneHigh); !ok {
		t.Fatalf("dequeue a")
	}
	if err := m.Withdraw(h1); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("Withdraw(active) = %v, want ErrNotQueued", err)
	}
	if err := m.Withdraw(h2); err != nil {
		t.Fatalf("Withdraw(queued): %v", err)
	}
	if st := m.Status()[LaneHigh]; st.Queued != 0 || st.Active != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	m := mustManager(t, singleLane(1))
	if _, err := m.Enqueue(Entry{ID: "a", Score: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := m.Enqueue(Entry{ID: "a", Score: 1}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate enqueue = %v", err)
	}
	if _, err := m.Enqueue(Entry{Score: 1}); err == nil {
		t.Fatalf("empty id should fail")
	}
}

func TestReadySignalsOnEnqueue(t *testing.T) {
	m := mustManager(t, singleLane(1))
	ready := m.Ready()
	select {
	case <-ready:
		t.Fatalf("ready before any change")
	default:
	}
	_, _ = m.Enqueue(Entry{ID: "a", Score: 1})
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatalf("ready not signalled")
	}
}

func TestNewManagerValidation(t *testing.T) {
	cfg := singleLane(0)
	if _, err := NewManager(cfg); err == nil {
		t.Fatalf("zero budget should fail")
	}
	cfg = singleLane(1)
	cfg.AgingFactor = 2
	if _, err := NewManager(cfg); err == nil {
		t.Fatalf("aging factor > 1 should fail")
	}
}

package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"order-core/internal/events"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message)
	return nil
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMonitorAlertsOnAuthFailureAndDrift(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &Monitor{Bus: bus, Sink: sink}
	m.Start(ctx)

	bus.Publish(events.EventOperationFailed, events.OperationEvent{Exchange: "binance", UserID: "u1", ErrorKind: "TRANSPORT"})
	bus.Publish(events.EventOperationFailed, events.OperationEvent{Exchange: "binance", UserID: "u1", ErrorKind: "AUTH", ErrorCode: "-2015"})
	bus.Publish(events.EventPositionClosedExternally, events.PositionEvent{UserID: "u1", Exchange: "bybit", Symbol: "BTCUSDT", Side: "BUY", Reason: "CLOSED_EXTERNALLY"})

	deadline := time.Now().Add(time.Second)
	for len(sink.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := sink.all()
	if len(msgs) != 2 {
		t.Fatalf("alerts = %v, want 2", msgs)
	}
	if !strings.Contains(msgs[0], "credential rejected by binance") {
		t.Errorf("first alert = %q", msgs[0])
	}
	if !strings.Contains(msgs[1], "CLOSED_EXTERNALLY BTCUSDT") {
		t.Errorf("second alert = %q", msgs[1])
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 10} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Min != 1 || s.Max != 10 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDispatchMetricsSnapshot(t *testing.T) {
	m := NewDispatchMetrics()
	m.IncSubmitted()
	m.IncSubmitted()
	m.IncCompleted()
	m.IncFailed("AUTH")
	m.AddFailovers(2)
	m.RecordPass(10*time.Millisecond, 1)

	s := m.Snapshot()
	if s.Submitted != 2 || s.Completed != 1 || s.Failed != 1 || s.FailedByKind["AUTH"] != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Failovers != 2 || s.ReconcilePasses != 1 || s.Corrected != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

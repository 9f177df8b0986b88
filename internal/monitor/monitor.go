package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-core/internal/events"
)

// Monitor watches lifecycle events and raises alerts for conditions an
// operator has to act on.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

var watched = []events.Event{
	events.EventOperationFailed,
	events.EventOperationOutcomeUnknown,
	events.EventPositionClosedExternally,
	events.EventPositionOpenedExternally,
}

// Start consumes events until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.Bus == nil {
		logger.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(256, watched...)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

func (m *Monitor) handle(msg any) {
	switch ev := msg.(type) {
	case events.OperationEvent:
		if alert := operationAlert(ev); alert != "" {
			m.send(alert)
		}
	case events.PositionEvent:
		m.send(formatAlert(fmt.Sprintf("%s %s %s on %s for user %s: %s",
			ev.Reason, ev.Symbol, ev.Side, ev.Exchange, ev.UserID, formatQty(ev.Quantity))))
	}
}

// operationAlert returns a message for failures an operator must act on.
func operationAlert(ev events.OperationEvent) string {
	switch ev.ErrorKind {
	case "AUTH":
		return formatAlert(fmt.Sprintf("credential rejected by %s for user %s (%s %s)",
			ev.Exchange, ev.UserID, ev.ErrorCode, ev.ErrorMessage))
	case "OUTCOME_UNKNOWN":
		return formatAlert(fmt.Sprintf("operation %s on %s has unknown outcome; verify manually",
			ev.OperationID, ev.Exchange))
	}
	return ""
}

func (m *Monitor) send(message string) {
	if m.Sink == nil {
		return
	}
	if err := m.Sink.Send(message); err != nil && m.Logger != nil {
		m.Logger.Warn("alert delivery failed", zap.Error(err))
	}
}

func formatAlert(msg string) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + msg
}

func formatQty(q float64) string {
	return fmt.Sprintf("qty=%g", q)
}

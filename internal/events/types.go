package events

import "time"

// Event enumerates lifecycle topics published by the order core.
type Event string

const (
	EventOperationQueued          Event = "operation.queued"
	EventOperationActive          Event = "operation.active"
	EventOperationCompleted       Event = "operation.completed"
	EventOperationFailed          Event = "operation.failed"
	EventOperationWithdrawn       Event = "operation.withdrawn"
	EventOperationOutcomeUnknown  Event = "operation.outcome_unknown"
	EventPositionOpened           Event = "position.opened"
	EventPositionClosed           Event = "position.closed"
	EventPositionClosedExternally Event = "position.closed_externally"
	EventPositionOpenedExternally Event = "position.opened_externally"
	EventReconciliationPass       Event = "reconciliation.pass"
)

// OperationEvent describes a state transition of one operation.
type OperationEvent struct {
	OperationID     string    `json:"operation_id"`
	UserID          string    `json:"user_id"`
	Exchange        string    `json:"exchange"`
	Environment     string    `json:"environment"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Lane            string    `json:"lane,omitempty"`
	PriorityScore   float64   `json:"priority_score"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// PositionEvent describes a tracked or live position change.
type PositionEvent struct {
	UserID      string    `json:"user_id"`
	OperationID string    `json:"operation_id,omitempty"`
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PassEvent summarizes one reconciliation pass.
type PassEvent struct {
	RunID            string        `json:"run_id"`
	UsersChecked     int           `json:"users_checked"`
	UsersFailed      int           `json:"users_failed"`
	ClosedExternally int           `json:"closed_externally"`
	OpenedExternally int           `json:"opened_externally"`
	Duration         time.Duration `json:"duration"`
	Timestamp        time.Time     `json:"timestamp"`
}

package order

import (
	"strings"
	"time"

	"order-core/internal/queue"
	"order-core/pkg/exchanges/common"
)

// Intent says what a filled operation does to the tracked-position ledger.
type Intent string

const (
	IntentOpen  Intent = "OPEN"
	IntentClose Intent = "CLOSE"
)

// State of an operation.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateWithdrawn State = "withdrawn"
)

// Order is an already-decided order as submitted by a caller.
type Order struct {
	UserID      string  `json:"user_id"`
	Exchange    string  `json:"exchange"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price,omitempty"`
	Amount      float64 `json:"amount,omitempty"` // quote notional
	OrderType   string  `json:"order_type,omitempty"`
	Environment string  `json:"environment,omitempty"`
	AccountTier string  `json:"account_tier,omitempty"`
	Urgent      bool    `json:"urgent,omitempty"`
	Intent      Intent  `json:"intent,omitempty"`
}

// Operation is one order moving through the queue. Environment and
// PriorityScore are fixed once computed.
type Operation struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	Exchange       string             `json:"exchange"`
	ExchangeHint   string             `json:"exchange_hint,omitempty"`
	Symbol         string             `json:"symbol"`
	Side           common.Side        `json:"side"`
	Quantity       float64            `json:"quantity"`
	Price          float64            `json:"price,omitempty"`
	Amount         float64            `json:"amount,omitempty"`
	OrderType      common.OrderType   `json:"order_type"`
	Environment    common.Environment `json:"environment"`
	AccountTier    string             `json:"account_tier,omitempty"`
	Urgent         bool               `json:"urgent,omitempty"`
	Intent         Intent             `json:"intent"`
	SubmittedAt    time.Time          `json:"submitted_at"`
	PriorityScore  float64            `json:"priority_score"`
	EffectiveScore float64            `json:"effective_score"`
	Lane           queue.Lane         `json:"lane"`
	State          State              `json:"state"`
}

// PositionSide is the side of the tracked position this operation opens or closes.
func (op *Operation) PositionSide() common.Side {
	if op.Intent != IntentClose {
		return op.Side
	}
	if op.Side == common.SideBuy {
		return common.SideSell
	}
	return common.SideBuy
}

func (op *Operation) orderRequest() common.OrderRequest {
	return common.OrderRequest{
		Symbol:     op.Symbol,
		Side:       op.Side,
		Type:       op.OrderType,
		Qty:        op.Quantity,
		Price:      op.Price,
		ClientID:   op.ID,
		ReduceOnly: op.Intent == IntentClose,
	}
}

// PriorityInfo explains how an operation's score was derived.
type PriorityInfo struct {
	Score           float64            `json:"score"`
	Environment     common.Environment `json:"environment"`
	EnvironmentRule string             `json:"environment_rule"`
	Lane            queue.Lane         `json:"lane"`
	Base            float64            `json:"base"`
	TierBonus       float64            `json:"tier_bonus"`
	LargeOrderBonus float64            `json:"large_order_bonus"`
	UrgencyBonus    float64            `json:"urgency_bonus"`
	Notional        string             `json:"notional"`
}

// Result is the terminal outcome of one operation.
type Result struct {
	Success         bool          `json:"success"`
	OperationID     string        `json:"operation_id"`
	Priority        PriorityInfo  `json:"priority"`
	ExchangeOrderID string        `json:"exchange_order_id,omitempty"`
	Error           *common.Error `json:"error,omitempty"`
	Latency         time.Duration `json:"latency_ns"`
}

// Ticket is returned by Submit; Done yields exactly one Result.
type Ticket struct {
	OperationID string
	Handle      queue.Handle
	Priority    PriorityInfo
	Done        <-chan Result

	task *task
}

func normalizeTier(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

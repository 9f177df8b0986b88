package db

import "time"

// Position status values.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Close reasons.
const (
	ReasonSignalClose      = "SIGNAL_CLOSE"
	ReasonClosedExternally = "CLOSED_EXTERNALLY"
)

// TrackedPosition is the system's own record of a position it opened. Rows
// are closed, never deleted.
type TrackedPosition struct {
	ID              int64      `json:"id"`
	UserID          string     `json:"user_id"`
	Exchange        string     `json:"exchange"`
	Environment     string     `json:"environment"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Quantity        float64    `json:"quantity"`
	EntryPrice      float64    `json:"entry_price"`
	EntryTime       time.Time  `json:"entry_time"`
	OperationID     string     `json:"operation_id"`
	Status          string     `json:"status"`
	ExitTime        *time.Time `json:"exit_time,omitempty"`
	CloseReason     string     `json:"close_reason,omitempty"`
	DurationMinutes int64      `json:"duration_minutes,omitempty"`
}

// CloseRequest describes one close transition.
type CloseRequest struct {
	OperationID string
	ExitTime    time.Time
	Reason      string
}

// CredentialRecord is a stored exchange key set. Key material is encrypted.
type CredentialRecord struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Exchange            string    `json:"exchange"`
	Environment         string    `json:"environment"`
	APIKeyEncrypted     string    `json:"-"`
	APISecretEncrypted  string    `json:"-"`
	PassphraseEncrypted string    `json:"-"`
	BaseURLs            []string  `json:"base_urls,omitempty"`
	KeyVersion          int       `json:"key_version"`
	AccountTier         string    `json:"account_tier"`
	IsManagement        bool      `json:"is_management"`
	TestnetMode         bool      `json:"testnet_mode"`
	TradingEnabled      bool      `json:"trading_enabled"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ReconciliationRun is the audit row for one reconciliation pass.
type ReconciliationRun struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	UsersChecked     int       `json:"users_checked"`
	UsersFailed      int       `json:"users_failed"`
	ClosedExternally int       `json:"closed_externally"`
	OpenedExternally int       `json:"opened_externally"`
	Errors           string    `json:"errors,omitempty"`
}

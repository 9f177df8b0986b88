package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for callers and stats.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION"
	KindAuth                ErrorKind = "AUTH"
	KindTransport           ErrorKind = "TRANSPORT"
	KindRejected            ErrorKind = "REJECTED"
	KindReconciliationFetch ErrorKind = "RECONCILIATION_FETCH"
	KindPersistence         ErrorKind = "PERSISTENCE"
	KindCancelled           ErrorKind = "CANCELLED"
	KindInternal            ErrorKind = "INTERNAL"
	// KindOutcomeUnknown marks an order that may or may not have reached the
	// exchange.
	KindOutcomeUnknown      ErrorKind = "OUTCOME_UNKNOWN"
)

// Error is a classified failure. Code and Message preserve the exchange's raw
// error when one was returned.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message"`
	Exchange string    `json:"exchange,omitempty"`
	Err      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s] %s: %s", e.Kind, e.Exchange, e.Code, e.Message)
	}
	if e.Exchange != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Exchange, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf returns the kind of a classified error, or KindInternal for any
// other non-nil error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

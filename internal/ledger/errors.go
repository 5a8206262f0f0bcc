package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSpot       = errors.New("invalid spot")
	ErrInvalidHold       = errors.New("invalid hold duration")
	ErrInvalidCost       = errors.New("invalid cost")
	ErrUnknownUser       = errors.New("unknown user")
	ErrAlreadyReserved   = errors.New("spot already reserved")
	ErrNotReservedByUser = errors.New("spot not reserved by user")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPersistence       = errors.New("persistence failure")
)

// ErrorKind groups ledger failures by what the caller can do about them.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindConflict
	KindInsufficientFunds
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is returned by every failing ledger operation. Nothing was changed
// when an Error is returned.
type Error struct {
	Kind     ErrorKind
	Op       string
	SpotID   int
	Username string
	Err      error
}

func (e *Error) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("%s spot %d for %s: %v", e.Op, e.SpotID, e.Username, e.Err)
	}
	return fmt.Sprintf("%s spot %d: %v", e.Op, e.SpotID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed later unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindPersistence }

// KindOf returns the kind of a ledger error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

package core

import (
	"errors"
	"fmt"
)

// Denial and lifecycle errors. The limit denials are surfaced verbatim to
// callers, so their messages must stay user-presentable.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrConflictingSettlement = errors.New("conflicting settlement reference")
	ErrSettlementTimeout     = errors.New("settlement timed out")
	ErrNetworkMismatch       = errors.New("settlement network mismatch, verify manually")
	ErrUnknownDependent      = errors.New("unknown dependent")
	ErrUnknownTransaction    = errors.New("unknown transaction")
)

// LimitExceededError reports that a spend would overflow one of the rolling
// window caps.
type LimitExceededError struct {
	Window Window
	Cap    Money
	Spent  Money
	Amount Money
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %s already spent of %s, requested %s",
		e.Window, e.Spent, e.Cap, e.Amount)
}

// CategoryLimitExceededError reports that a spend would overflow a category
// sub-cap, independent of the aggregate window outcome.
type CategoryLimitExceededError struct {
	Category string
	Cap      Money
	Spent    Money
	Amount   Money
}

func (e *CategoryLimitExceededError) Error() string {
	return fmt.Sprintf("category %q limit exceeded: %s already spent of %s, requested %s",
		e.Category, e.Spent, e.Cap, e.Amount)
}

// InvalidTransitionError reports an attempt to move a transaction out of a
// terminal state, or into a state the machine does not permit.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// IsDenial reports whether err is one of the locally-recoverable limit
// denials: no record is created and the caller gets the reason as-is.
func IsDenial(err error) bool {
	if err == nil {
		return false
	}
	var le *LimitExceededError
	var ce *CategoryLimitExceededError
	return errors.As(err, &le) || errors.As(err, &ce) || errors.Is(err, ErrInsufficientBalance)
}

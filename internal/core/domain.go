package core

import (
	"errors"
	"strings"
	"time"
)

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type (
	// Window identifies one of the rolling limit periods.
	Window string

	// Status is the lifecycle state of a transaction record.
	Status string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// CategoryLimit is a sub-cap attached to one category inside a daily
	// limit entry. Spend against the category counts both here and against
	// the aggregate window caps.
	CategoryLimit struct {
		Name string
		Cap  Money
	}

	// DailyLimit is one calendar entry of a dependent's limit calendar.
	// Entries are never deleted, only marked inactive.
	DailyLimit struct {
		Date       Date
		Amount     Money
		Categories []CategoryLimit
		Active     bool
	}

	// WindowCounter tracks spend inside one rolling window. ResetAt marks
	// when the window elapses; counters roll lazily, not on a timer.
	WindowCounter struct {
		Cap     Money
		Spent   Money
		ResetAt time.Time
	}

	// RollingCounters holds the three aggregate windows plus per-category
	// spend. Category spend follows the daily window: it clears whenever
	// the daily counter rolls.
	RollingCounters struct {
		Daily       WindowCounter
		Weekly      WindowCounter
		Monthly     WindowCounter
		PerCategory map[string]Money
	}

	// Dependent is the spending-constrained account a guardian funds.
	Dependent struct {
		ID               string
		Name             string
		AvailableBalance Money
		Counters         RollingCounters
	}

	// Transaction is the internal record of intent for one spend. It is
	// created pending with the amount already reserved, and moves exactly
	// once to a terminal state.
	Transaction struct {
		ID             string
		DependentID    string
		CounterpartyID string
		Description    string
		Amount         Money
		Category       string
		Status         Status
		SettlementRef  string
		CancelReason   string
		NetworkID      string
		CreatedAt      time.Time
		CompletedAt    time.Time
		CancelledAt    time.Time
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyCategory    = errors.New("empty category")
	ErrEmptyDependent   = errors.New("empty dependent id")
	ErrEmptyCounterpart = errors.New("empty counterparty id")
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits s → next.
// The only legal moves are pending → confirmed|failed|cancelled.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// NewDate creates a Date at UTC midnight.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its UTC calendar date.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, int(m), d)
}

// ParseISODate parses a YYYY-MM-DD string.
func ParseISODate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t.UTC()}, nil
}

// ISO returns the date formatted as YYYY-MM-DD.
func (d Date) ISO() string {
	return d.Format("2006-01-02")
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	return nil
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Sub returns m minus other. Callers guard against going negative.
func (m Money) Sub(other Money) Money {
	return Money{Cents: m.Cents - other.Cents}
}

// Add returns m plus other.
func (m Money) Add(other Money) Money {
	return Money{Cents: m.Cents + other.Cents}
}

func (dl DailyLimit) Validate() error {
	if err := dl.Date.Validate(); err != nil {
		return err
	}
	if dl.Amount.Cents < 0 {
		return ErrInvalidAmount
	}
	for _, c := range dl.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return ErrEmptyCategory
		}
		if c.Cap.Cents < 0 {
			return ErrInvalidAmount
		}
	}
	return nil
}

// CategoryCap returns the sub-cap for the named category, if the entry
// lists one.
func (dl DailyLimit) CategoryCap(category string) (Money, bool) {
	for _, c := range dl.Categories {
		if strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(category)) {
			return c.Cap, true
		}
	}
	return Money{}, false
}

// NewTransaction builds a pending record for a spend that already passed
// the limit engine.
func NewTransaction(id, dependentID, counterpartyID, description string, amount Money, category string, now time.Time) Transaction {
	return Transaction{
		ID:             id,
		DependentID:    dependentID,
		CounterpartyID: counterpartyID,
		Description:    description,
		Amount:         amount,
		Category:       category,
		Status:         StatusPending,
		CreatedAt:      now.UTC(),
	}
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.DependentID) == "" {
		return ErrEmptyDependent
	}
	if strings.TrimSpace(t.CounterpartyID) == "" {
		return ErrEmptyCounterpart
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	return nil
}

// Clone returns a deep copy of the counters, so callers can mutate a
// snapshot without aliasing the stored map.
func (rc RollingCounters) Clone() RollingCounters {
	out := rc
	if rc.PerCategory != nil {
		out.PerCategory = make(map[string]Money, len(rc.PerCategory))
		for k, v := range rc.PerCategory {
			out.PerCategory[k] = v
		}
	}
	return out
}

// CategorySpent returns the spend recorded against a category in the
// current daily window.
func (rc RollingCounters) CategorySpent(category string) Money {
	if rc.PerCategory == nil {
		return Money{}
	}
	return rc.PerCategory[CategoryKey(category)]
}

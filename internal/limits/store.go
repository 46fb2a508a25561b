package limits

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"allowance/internal/core"
)

// Repository is the persistence port the store drives. Implemented by
// internal/storage for SQLite and by test fakes.
type Repository interface {
	GetDependent(ctx context.Context, id string) (core.Dependent, error)
	UpdateDependentState(ctx context.Context, id string, balance core.Money, counters core.RollingCounters) error
	GetLimitCalendar(ctx context.Context, id string) (core.LimitCalendar, error)
	UpsertLimitEntry(ctx context.Context, id string, entry core.DailyLimit) error
}

// Store owns every mutation of a dependent's balance and counters.
// ApplyDebit runs load, roll, evaluate and persist as one critical section
// under a per-dependent mutex, so two concurrent spends can never both pass
// a check against a stale balance. The lock is never held across external
// waits: settlement happens after the debit is already committed.
type Store struct {
	repo Repository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(repo Repository) *Store {
	return &Store{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(dependentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[dependentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[dependentID] = l
	}
	return l
}

// GetEffectiveLimit resolves the calendar entry governing a spend on the
// given date: an exact entry wins, otherwise the most recent entry on or
// before the date. Returns nil when no limit was ever configured.
func (s *Store) GetEffectiveLimit(ctx context.Context, dependentID string, date core.Date) (*core.DailyLimit, error) {
	calendar, err := s.repo.GetLimitCalendar(ctx, dependentID)
	if err != nil {
		return nil, fmt.Errorf("get limit calendar: %w", err)
	}
	entry, found := calendar.Resolve(date)
	if !found {
		return nil, nil
	}
	return &entry, nil
}

// GetLimitCalendar returns the full calendar, for the guardian views.
func (s *Store) GetLimitCalendar(ctx context.Context, dependentID string) (core.LimitCalendar, error) {
	calendar, err := s.repo.GetLimitCalendar(ctx, dependentID)
	if err != nil {
		return nil, fmt.Errorf("get limit calendar: %w", err)
	}
	return calendar, nil
}

// GetRollingCounters returns the dependent's balance and counters with all
// elapsed windows rolled. The rolled view is not persisted here; rolling is
// idempotent and the next debit or release writes it back.
func (s *Store) GetRollingCounters(ctx context.Context, dependentID string, now time.Time) (core.RollingCounters, core.Money, error) {
	dep, err := s.repo.GetDependent(ctx, dependentID)
	if err != nil {
		return core.RollingCounters{}, core.Money{}, fmt.Errorf("get dependent: %w", err)
	}
	return RollIfElapsed(dep.Counters, now), dep.AvailableBalance, nil
}

// ApplyDebit is the single point of mutation for all counters. It rolls
// elapsed windows, evaluates the spend and, on approval, debits the balance
// and every counter atomically with respect to other debits on the same
// dependent. A denied spend mutates nothing beyond the lazy roll.
func (s *Store) ApplyDebit(ctx context.Context, dependentID string, amount core.Money, category string, now time.Time) (Decision, error) {
	if err := amount.Validate(); err != nil {
		return Decision{}, err
	}
	l := s.lockFor(dependentID)
	l.Lock()
	defer l.Unlock()

	dep, err := s.repo.GetDependent(ctx, dependentID)
	if err != nil {
		return Decision{}, fmt.Errorf("get dependent: %w", err)
	}
	calendar, err := s.repo.GetLimitCalendar(ctx, dependentID)
	if err != nil {
		return Decision{}, fmt.Errorf("get limit calendar: %w", err)
	}

	dep.Counters = RollIfElapsed(dep.Counters, now)
	var entry *core.DailyLimit
	if resolved, found := calendar.Resolve(core.DateOf(now)); found {
		entry = &resolved
	}

	decision := Evaluate(dep, entry, amount, category)
	if !decision.Allowed {
		slog.InfoContext(ctx, "Spend denied",
			"dependent_id", dependentID,
			"amount_cents", amount.Cents,
			"category", category,
			"reason", decision.Reason)
		// Persist the roll so reads and audits see fresh windows.
		if err := s.repo.UpdateDependentState(ctx, dependentID, dep.AvailableBalance, dep.Counters); err != nil {
			return Decision{}, fmt.Errorf("persist rolled counters: %w", err)
		}
		return decision, nil
	}

	dep.AvailableBalance = dep.AvailableBalance.Sub(amount)
	dep.Counters.Daily.Spent = dep.Counters.Daily.Spent.Add(amount)
	dep.Counters.Weekly.Spent = dep.Counters.Weekly.Spent.Add(amount)
	dep.Counters.Monthly.Spent = dep.Counters.Monthly.Spent.Add(amount)
	if dep.Counters.PerCategory == nil {
		dep.Counters.PerCategory = make(map[string]core.Money)
	}
	key := core.CategoryKey(category)
	dep.Counters.PerCategory[key] = dep.Counters.PerCategory[key].Add(amount)

	if err := s.repo.UpdateDependentState(ctx, dependentID, dep.AvailableBalance, dep.Counters); err != nil {
		return Decision{}, fmt.Errorf("persist debit: %w", err)
	}

	slog.InfoContext(ctx, "Debit reserved",
		"dependent_id", dependentID,
		"amount_cents", amount.Cents,
		"category", category,
		"balance_cents", dep.AvailableBalance.Cents)
	return decision, nil
}

// Release restores a reserved amount to the balance and all counters,
// undoing a prior ApplyDebit. Counters are floored at zero: if a window
// rolled between debit and release there is nothing left to give back to it.
func (s *Store) Release(ctx context.Context, dependentID string, amount core.Money, category string, now time.Time) error {
	if err := amount.Validate(); err != nil {
		return err
	}
	l := s.lockFor(dependentID)
	l.Lock()
	defer l.Unlock()

	dep, err := s.repo.GetDependent(ctx, dependentID)
	if err != nil {
		return fmt.Errorf("get dependent: %w", err)
	}

	dep.Counters = RollIfElapsed(dep.Counters, now)
	dep.AvailableBalance = dep.AvailableBalance.Add(amount)
	dep.Counters.Daily.Spent = floorSub(dep.Counters.Daily.Spent, amount)
	dep.Counters.Weekly.Spent = floorSub(dep.Counters.Weekly.Spent, amount)
	dep.Counters.Monthly.Spent = floorSub(dep.Counters.Monthly.Spent, amount)
	key := core.CategoryKey(category)
	if dep.Counters.PerCategory != nil {
		dep.Counters.PerCategory[key] = floorSub(dep.Counters.PerCategory[key], amount)
	}

	if err := s.repo.UpdateDependentState(ctx, dependentID, dep.AvailableBalance, dep.Counters); err != nil {
		return fmt.Errorf("persist release: %w", err)
	}

	slog.InfoContext(ctx, "Reservation released",
		"dependent_id", dependentID,
		"amount_cents", amount.Cents,
		"category", category,
		"balance_cents", dep.AvailableBalance.Cents)
	return nil
}

// UpsertLimit writes one calendar entry. Entries for dates already behind
// us are immutable: spend may have been recorded against them and the
// calendar doubles as an audit trail.
func (s *Store) UpsertLimit(ctx context.Context, dependentID string, entry core.DailyLimit, now time.Time) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	today := core.DateOf(now)
	if entry.Date.Before(today.Time) {
		return fmt.Errorf("limit for %s is immutable: date already passed", entry.Date.ISO())
	}
	// A calendar belongs to an existing account; never leave orphan entries.
	if _, err := s.repo.GetDependent(ctx, dependentID); err != nil {
		return fmt.Errorf("get dependent: %w", err)
	}
	l := s.lockFor(dependentID)
	l.Lock()
	defer l.Unlock()
	if err := s.repo.UpsertLimitEntry(ctx, dependentID, entry); err != nil {
		return fmt.Errorf("upsert limit entry: %w", err)
	}
	slog.InfoContext(ctx, "Limit entry upserted",
		"dependent_id", dependentID,
		"date", entry.Date.ISO(),
		"limit_cents", entry.Amount.Cents,
		"categories", len(entry.Categories),
		"active", entry.Active)
	return nil
}

func floorSub(m, amount core.Money) core.Money {
	out := m.Sub(amount)
	if out.Cents < 0 {
		return core.Money{}
	}
	return out
}

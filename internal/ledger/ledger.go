// Package ledger owns the internal transaction records and their
// lifecycle: pending → confirmed | failed | cancelled, with no way out of
// a terminal state. Creation is gated by the limit engine and reserves
// funds optimistically, before the external settlement ever starts.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"allowance/internal/core"
	"allowance/internal/limits"
)

// Repository is the persistence port for transaction records. The Mark*
// methods are guarded transitions: they report false when the record was
// not pending anymore, so a confirm/cancel race resolves to whichever
// lands first without ever producing a partial update.
type Repository interface {
	InsertTransaction(ctx context.Context, tx core.Transaction) error
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	MarkConfirmed(ctx context.Context, id, settlementRef string, at time.Time) (bool, error)
	MarkReleased(ctx context.Context, id string, status core.Status, reason string, at time.Time) (bool, error)
	SetTransactionNetwork(ctx context.Context, id, networkID string) error
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]core.Transaction, error)
	ListTransactionsByDependent(ctx context.Context, dependentID string) ([]core.Transaction, error)
}

// Ledger coordinates the record lifecycle with the limit store. The
// reconciler may only request transitions through these methods, never
// mutate records directly.
type Ledger struct {
	repo  Repository
	store *limits.Store
	clock func() time.Time
}

func NewLedger(repo Repository, store *limits.Store) *Ledger {
	return &Ledger{
		repo:  repo,
		store: store,
		clock: time.Now,
	}
}

// Create evaluates the spend and, on approval, persists a pending record
// with the amount already reserved. A denied spend creates no record: the
// decision carries the verbatim reason for the caller.
func (l *Ledger) Create(ctx context.Context, dependentID, counterpartyID, description string, amount core.Money, category string) (core.Transaction, limits.Decision, error) {
	now := l.clock().UTC()
	tx := core.NewTransaction(uuid.NewString(), dependentID, counterpartyID, description, amount, category, now)
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, limits.Decision{}, err
	}

	// Optimistic reservation: counters and balance move before the
	// external settlement, so a second concurrent spend sees it.
	decision, err := l.store.ApplyDebit(ctx, dependentID, amount, category, now)
	if err != nil {
		return core.Transaction{}, limits.Decision{}, fmt.Errorf("apply debit: %w", err)
	}
	if !decision.Allowed {
		return core.Transaction{}, decision, nil
	}

	if err := l.repo.InsertTransaction(ctx, tx); err != nil {
		// The reservation must not leak if the record never existed.
		if releaseErr := l.store.Release(ctx, dependentID, amount, category, now); releaseErr != nil {
			slog.ErrorContext(ctx, "Failed to release reservation after insert failure",
				"transaction_id", tx.ID,
				"dependent_id", dependentID,
				"error", releaseErr)
		}
		return core.Transaction{}, limits.Decision{}, fmt.Errorf("insert transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction created",
		"transaction_id", tx.ID,
		"dependent_id", dependentID,
		"counterparty_id", counterpartyID,
		"amount_cents", amount.Cents,
		"category", category)
	return tx, decision, nil
}

// Get returns one record by ID.
func (l *Ledger) Get(ctx context.Context, id string) (core.Transaction, error) {
	tx, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, err
	}
	return tx, nil
}

// ListByDependent returns a dependent's records, newest first.
func (l *Ledger) ListByDependent(ctx context.Context, dependentID string) ([]core.Transaction, error) {
	return l.repo.ListTransactionsByDependent(ctx, dependentID)
}

// MarkSubmitted stamps the settlement network a record was submitted to.
// Only pending records are touched; a record that already resolved keeps
// whatever was recorded at submission time.
func (l *Ledger) MarkSubmitted(ctx context.Context, id, networkID string) error {
	if err := l.repo.SetTransactionNetwork(ctx, id, networkID); err != nil {
		return fmt.Errorf("set transaction network: %w", err)
	}
	return nil
}

// Confirm moves a pending record to confirmed, storing the settlement
// reference. Idempotent: confirming again with the same reference is a
// no-op success; a different reference is ErrConflictingSettlement. Any
// other state yields InvalidTransitionError. Confirm and cancel race via
// the guarded repository update: whichever transition lands first sticks,
// and a confirmation arriving after a cancel or fail is reported as an
// invalid transition rather than applied, since the reservation was
// already released.
func (l *Ledger) Confirm(ctx context.Context, id, settlementRef string) (core.Transaction, error) {
	if strings.TrimSpace(settlementRef) == "" {
		return core.Transaction{}, fmt.Errorf("empty settlement reference")
	}
	now := l.clock().UTC()
	ok, err := l.repo.MarkConfirmed(ctx, id, settlementRef, now)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("mark confirmed: %w", err)
	}
	if ok {
		slog.InfoContext(ctx, "Transaction confirmed",
			"transaction_id", id,
			"settlement_ref", settlementRef)
		return l.repo.GetTransaction(ctx, id)
	}

	tx, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if tx.Status == core.StatusConfirmed {
		if tx.SettlementRef == settlementRef {
			// Double delivery of the same settlement: nothing to do.
			return tx, nil
		}
		return core.Transaction{}, core.ErrConflictingSettlement
	}
	return core.Transaction{}, &core.InvalidTransitionError{From: tx.Status, To: core.StatusConfirmed}
}

// Cancel moves a pending record to cancelled and releases the reserved
// funds. Used when the caller aborts before signing or the settlement step
// is rejected before submission.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (core.Transaction, error) {
	return l.resolve(ctx, id, core.StatusCancelled, reason)
}

// Fail has the same fund-release effect as Cancel but denotes an
// externally-detected error: settlement rejected after submission, or a
// bounded wait that timed out.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (core.Transaction, error) {
	return l.resolve(ctx, id, core.StatusFailed, reason)
}

func (l *Ledger) resolve(ctx context.Context, id string, status core.Status, reason string) (core.Transaction, error) {
	now := l.clock().UTC()
	ok, err := l.repo.MarkReleased(ctx, id, status, reason, now)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("mark %s: %w", status, err)
	}
	if !ok {
		tx, err := l.repo.GetTransaction(ctx, id)
		if err != nil {
			return core.Transaction{}, err
		}
		return core.Transaction{}, &core.InvalidTransitionError{From: tx.Status, To: status}
	}

	tx, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if err := l.store.Release(ctx, tx.DependentID, tx.Amount, tx.Category, now); err != nil {
		return core.Transaction{}, fmt.Errorf("release reservation: %w", err)
	}

	slog.InfoContext(ctx, "Transaction resolved",
		"transaction_id", id,
		"status", string(status),
		"reason", reason)
	return tx, nil
}

// PendingOlderThan lists pending records created before the cutoff, for
// the timeout sweeper. Reserved funds must always be released eventually;
// silent abandonment is not an option.
func (l *Ledger) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]core.Transaction, error) {
	return l.repo.ListPendingOlderThan(ctx, cutoff)
}

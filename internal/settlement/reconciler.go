// Package settlement reconciles pending transaction records against the
// external settlement network. Submission is asynchronous: the reconciler
// publishes a submit request and later receives the outcome, which it maps
// onto the record lifecycle through the ledger.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"allowance/internal/core"
	"allowance/internal/ledger"
)

// Publisher sends a settlement submission request to the network gateway.
type Publisher interface {
	PublishSubmit(ctx context.Context, transactionID string, amountCents int64, counterpartyID, networkID string) error
}

// Reconciler drives pending records to a terminal state. It never touches
// records directly, only through ledger transitions, so the guarded
// state machine stays the single source of truth.
type Reconciler struct {
	ledger    *ledger.Ledger
	publisher Publisher
	networkID string
	timeout   time.Duration
}

func NewReconciler(l *ledger.Ledger, publisher Publisher, networkID string, timeout time.Duration) *Reconciler {
	return &Reconciler{
		ledger:    l,
		publisher: publisher,
		networkID: networkID,
		timeout:   timeout,
	}
}

// Submit publishes the settlement request for a pending record. The record
// stays pending; the outcome arrives later via OnSettled or OnRejected, or
// the timeout sweep picks it up.
func (r *Reconciler) Submit(ctx context.Context, tx core.Transaction) error {
	if tx.Status != core.StatusPending {
		return &core.InvalidTransitionError{From: tx.Status, To: core.StatusConfirmed}
	}
	if err := r.publisher.PublishSubmit(ctx, tx.ID, tx.Amount.Cents, tx.CounterpartyID, r.networkID); err != nil {
		return fmt.Errorf("publish settlement submit: %w", err)
	}
	// The request is on the wire; failing to stamp the network on the
	// record must not fail the submission.
	if err := r.ledger.MarkSubmitted(ctx, tx.ID, r.networkID); err != nil {
		slog.WarnContext(ctx, "Failed to record settlement network",
			"transaction_id", tx.ID,
			"network_id", r.networkID,
			"error", err)
	}
	slog.InfoContext(ctx, "Settlement submitted",
		"transaction_id", tx.ID,
		"network_id", r.networkID,
		"amount_cents", tx.Amount.Cents)
	return nil
}

// OnSettled handles a successful settlement notification. A notification
// from a different network than the one we submitted to is never applied:
// the record stays pending for manual verification.
func (r *Reconciler) OnSettled(ctx context.Context, transactionID, settlementRef, networkID string) error {
	if networkID != r.networkID {
		slog.WarnContext(ctx, "Settlement result from unexpected network, leaving record pending",
			"transaction_id", transactionID,
			"expected_network", r.networkID,
			"got_network", networkID,
			"settlement_ref", settlementRef)
		return core.ErrNetworkMismatch
	}

	_, err := r.ledger.Confirm(ctx, transactionID, settlementRef)
	if err != nil {
		return fmt.Errorf("confirm transaction %s: %w", transactionID, err)
	}
	return nil
}

// OnRejected handles a settlement rejected by the network. Funds go back.
func (r *Reconciler) OnRejected(ctx context.Context, transactionID, reason string) error {
	if reason == "" {
		reason = "settlement rejected"
	}
	_, err := r.ledger.Fail(ctx, transactionID, reason)
	if err != nil {
		return fmt.Errorf("fail transaction %s: %w", transactionID, err)
	}
	return nil
}

// SweepTimeouts fails every pending record whose settlement wait exceeded
// the configured bound. Returns the records it resolved so the caller can
// export them like any other terminal transition.
func (r *Reconciler) SweepTimeouts(ctx context.Context, now time.Time) ([]core.Transaction, error) {
	cutoff := now.Add(-r.timeout)
	stale, err := r.ledger.PendingOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}

	var swept []core.Transaction
	for _, tx := range stale {
		failed, err := r.ledger.Fail(ctx, tx.ID, core.ErrSettlementTimeout.Error())
		if err != nil {
			// A concurrent confirm may have landed first; that is fine.
			slog.WarnContext(ctx, "Timeout sweep skipped record",
				"transaction_id", tx.ID,
				"error", err)
			continue
		}
		swept = append(swept, failed)
		slog.InfoContext(ctx, "Transaction timed out waiting for settlement",
			"transaction_id", tx.ID,
			"pending_since", tx.CreatedAt)
	}
	return swept, nil
}

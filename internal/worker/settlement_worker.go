// Package worker runs the background side of settlement: consuming outcome
// messages from the gateway, sweeping timed-out submissions, and exporting
// resolved records to the guardian statement.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"allowance/internal/amqp"
	"allowance/internal/core"
	"allowance/internal/export"
	"allowance/internal/ledger"
	"allowance/internal/settlement"
)

// ResultConsumer delivers settlement outcome messages until the context
// ends.
type ResultConsumer interface {
	ConsumeResults(ctx context.Context, handler func(*amqp.ResultMessage) error) error
}

// SettlementWorker ties the broker consumer, the reconciler and the
// statement export together.
type SettlementWorker struct {
	reconciler    *settlement.Reconciler
	ledger        *ledger.Ledger
	exporter      export.Exporter
	sweepInterval time.Duration
}

func NewSettlementWorker(r *settlement.Reconciler, l *ledger.Ledger, exporter export.Exporter, sweepInterval time.Duration) *SettlementWorker {
	if exporter == nil {
		exporter = export.NopExporter{}
	}
	return &SettlementWorker{
		reconciler:    r,
		ledger:        l,
		exporter:      exporter,
		sweepInterval: sweepInterval,
	}
}

// Run starts the consume loop and the timeout sweeper and blocks until the
// context is cancelled or one of them fails.
func (w *SettlementWorker) Run(ctx context.Context, consumer ResultConsumer) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.ConsumeResults(ctx, func(msg *amqp.ResultMessage) error {
			return w.HandleResultMessage(ctx, msg)
		})
	})

	g.Go(func() error {
		return w.runSweeper(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// HandleResultMessage applies one gateway verdict. Returning an error
// requeues the delivery, so errors that a retry cannot fix are logged and
// swallowed instead.
func (w *SettlementWorker) HandleResultMessage(ctx context.Context, msg *amqp.ResultMessage) error {
	slog.InfoContext(ctx, "Processing settlement result",
		"transaction_id", msg.TransactionID,
		"outcome", msg.Outcome,
		"network_id", msg.NetworkID)

	var err error
	switch msg.Outcome {
	case amqp.OutcomeSettled:
		err = w.reconciler.OnSettled(ctx, msg.TransactionID, msg.SettlementRef, msg.NetworkID)
	case amqp.OutcomeRejected:
		err = w.reconciler.OnRejected(ctx, msg.TransactionID, msg.Reason)
	default:
		slog.ErrorContext(ctx, "Dropping result with unknown outcome",
			"transaction_id", msg.TransactionID,
			"outcome", msg.Outcome)
		return nil
	}

	switch {
	case err == nil:
	case errors.Is(err, core.ErrNetworkMismatch):
		// Needs a human: the record stays pending, redelivery won't help.
		slog.WarnContext(ctx, "Settlement network mismatch, record held for manual verification",
			"transaction_id", msg.TransactionID,
			"got_network", msg.NetworkID)
		return nil
	case errors.Is(err, core.ErrConflictingSettlement):
		slog.ErrorContext(ctx, "Conflicting settlement reference, keeping first confirmation",
			"transaction_id", msg.TransactionID,
			"settlement_ref", msg.SettlementRef)
		return nil
	case isInvalidTransition(err):
		// The record already reached a terminal state some other way.
		slog.WarnContext(ctx, "Result arrived after record was resolved",
			"transaction_id", msg.TransactionID,
			"outcome", msg.Outcome,
			"error", err)
		return nil
	case errors.Is(err, core.ErrUnknownTransaction):
		slog.ErrorContext(ctx, "Result for unknown transaction",
			"transaction_id", msg.TransactionID)
		return nil
	default:
		return fmt.Errorf("handle %s result for %s: %w", msg.Outcome, msg.TransactionID, err)
	}

	w.exportRecord(ctx, msg.TransactionID)
	return nil
}

func (w *SettlementWorker) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "Timeout sweeper started", "interval", w.sweepInterval)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Timeout sweeper stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			swept, err := w.SweepOnce(ctx, time.Now().UTC())
			if err != nil {
				slog.ErrorContext(ctx, "Timeout sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				slog.InfoContext(ctx, "Timeout sweep resolved records", "count", swept)
			}
		}
	}
}

// SweepOnce runs a single timeout pass. Records the sweep failed are
// exported like any other terminal transition.
func (w *SettlementWorker) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	swept, err := w.reconciler.SweepTimeouts(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, tx := range swept {
		w.exportRecord(ctx, tx.ID)
	}
	return len(swept), nil
}

// exportRecord appends the resolved record to the statement. Export is
// best effort and never fails the message handling.
func (w *SettlementWorker) exportRecord(ctx context.Context, transactionID string) {
	tx, err := w.ledger.Get(ctx, transactionID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load record for export",
			"transaction_id", transactionID,
			"error", err)
		return
	}
	if !tx.Status.Terminal() {
		return
	}
	if err := w.exporter.AppendStatementRow(ctx, tx); err != nil {
		slog.ErrorContext(ctx, "Failed to export statement row",
			"transaction_id", transactionID,
			"error", err)
	}
}

func isInvalidTransition(err error) bool {
	var ite *core.InvalidTransitionError
	return errors.As(err, &ite)
}

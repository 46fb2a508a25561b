package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"allowance/internal/amqp"
	"allowance/internal/core"
	"allowance/internal/ledger"
	"allowance/internal/limits"
	"allowance/internal/settlement"
)

type memLimitRepo struct {
	mu   sync.Mutex
	deps map[string]core.Dependent
}

func (m *memLimitRepo) GetDependent(_ context.Context, id string) (core.Dependent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deps[id]
	if !ok {
		return core.Dependent{}, core.ErrUnknownDependent
	}
	dep.Counters = dep.Counters.Clone()
	return dep, nil
}

func (m *memLimitRepo) UpdateDependentState(_ context.Context, id string, balance core.Money, counters core.RollingCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep := m.deps[id]
	dep.AvailableBalance = balance
	dep.Counters = counters.Clone()
	m.deps[id] = dep
	return nil
}

func (m *memLimitRepo) GetLimitCalendar(_ context.Context, _ string) (core.LimitCalendar, error) {
	return core.LimitCalendar{}, nil
}

func (m *memLimitRepo) UpsertLimitEntry(_ context.Context, _ string, _ core.DailyLimit) error {
	return nil
}

type memTxRepo struct {
	mu  sync.Mutex
	txs map[string]core.Transaction
}

func (m *memTxRepo) InsertTransaction(_ context.Context, tx core.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = tx
	return nil
}

func (m *memTxRepo) GetTransaction(_ context.Context, id string) (core.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return core.Transaction{}, core.ErrUnknownTransaction
	}
	return tx, nil
}

func (m *memTxRepo) MarkConfirmed(_ context.Context, id, ref string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return false, core.ErrUnknownTransaction
	}
	if tx.Status != core.StatusPending {
		return false, nil
	}
	tx.Status = core.StatusConfirmed
	tx.SettlementRef = ref
	tx.CompletedAt = at
	m.txs[id] = tx
	return true, nil
}

func (m *memTxRepo) MarkReleased(_ context.Context, id string, status core.Status, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return false, core.ErrUnknownTransaction
	}
	if tx.Status != core.StatusPending {
		return false, nil
	}
	tx.Status = status
	tx.CancelReason = reason
	tx.CancelledAt = at
	m.txs[id] = tx
	return true, nil
}

func (m *memTxRepo) SetTransactionNetwork(_ context.Context, id, networkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return core.ErrUnknownTransaction
	}
	if tx.Status == core.StatusPending {
		tx.NetworkID = networkID
		m.txs[id] = tx
	}
	return nil
}

func (m *memTxRepo) ListPendingOlderThan(_ context.Context, cutoff time.Time) ([]core.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Transaction
	for _, tx := range m.txs {
		if tx.Status == core.StatusPending && tx.CreatedAt.Before(cutoff) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memTxRepo) ListTransactionsByDependent(_ context.Context, dependentID string) ([]core.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Transaction
	for _, tx := range m.txs {
		if tx.DependentID == dependentID {
			out = append(out, tx)
		}
	}
	return out, nil
}

type recordingExporter struct {
	mu   sync.Mutex
	rows []core.Transaction
}

func (e *recordingExporter) AppendStatementRow(_ context.Context, tx core.Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = append(e.rows, tx)
	return nil
}

type nopPublisher struct{}

func (nopPublisher) PublishSubmit(context.Context, string, int64, string, string) error {
	return nil
}

func newTestWorker(t *testing.T) (*SettlementWorker, *ledger.Ledger, *recordingExporter) {
	t.Helper()
	store := limits.NewStore(&memLimitRepo{deps: map[string]core.Dependent{
		"dep-1": {ID: "dep-1", Name: "Ana", AvailableBalance: core.Money{Cents: 10000}},
	}})
	l := ledger.NewLedger(&memTxRepo{txs: make(map[string]core.Transaction)}, store)
	reconciler := settlement.NewReconciler(l, nopPublisher{}, "testnet-1", 30*time.Minute)
	exporter := &recordingExporter{}
	return NewSettlementWorker(reconciler, l, exporter, time.Minute), l, exporter
}

func createPending(t *testing.T, l *ledger.Ledger) core.Transaction {
	t.Helper()
	tx, decision, err := l.Create(context.Background(), "dep-1", "merchant-1", "book", core.Money{Cents: 500}, "books")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Fatalf("setup spend denied: %s", decision.Reason)
	}
	return tx
}

func TestHandleResultMessage_Settled(t *testing.T) {
	w, l, exporter := newTestWorker(t)
	ctx := context.Background()
	tx := createPending(t, l)

	msg := &amqp.ResultMessage{
		TransactionID: tx.ID,
		Outcome:       amqp.OutcomeSettled,
		SettlementRef: "0xfeed",
		NetworkID:     "testnet-1",
	}
	if err := w.HandleResultMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusConfirmed || got.SettlementRef != "0xfeed" {
		t.Errorf("record = %+v", got)
	}
	if len(exporter.rows) != 1 || exporter.rows[0].ID != tx.ID {
		t.Errorf("exported rows = %v, want the confirmed record", exporter.rows)
	}
}

func TestHandleResultMessage_Rejected(t *testing.T) {
	w, l, exporter := newTestWorker(t)
	ctx := context.Background()
	tx := createPending(t, l)

	msg := &amqp.ResultMessage{
		TransactionID: tx.ID,
		Outcome:       amqp.OutcomeRejected,
		NetworkID:     "testnet-1",
		Reason:        "insufficient gas",
	}
	if err := w.HandleResultMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusFailed || got.CancelReason != "insufficient gas" {
		t.Errorf("record = %+v", got)
	}
	if len(exporter.rows) != 1 {
		t.Errorf("exported %d rows, want 1", len(exporter.rows))
	}
}

func TestHandleResultMessage_NetworkMismatchIsAcked(t *testing.T) {
	w, l, exporter := newTestWorker(t)
	ctx := context.Background()
	tx := createPending(t, l)

	msg := &amqp.ResultMessage{
		TransactionID: tx.ID,
		Outcome:       amqp.OutcomeSettled,
		SettlementRef: "0xfeed",
		NetworkID:     "othernet",
	}
	// Redelivery cannot resolve a mismatch, so the handler must not ask
	// for a requeue.
	if err := w.HandleResultMessage(ctx, msg); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if len(exporter.rows) != 0 {
		t.Errorf("exported %d rows for an unresolved record", len(exporter.rows))
	}
}

func TestHandleResultMessage_LateResultAfterCancel(t *testing.T) {
	w, l, _ := newTestWorker(t)
	ctx := context.Background()
	tx := createPending(t, l)

	if _, err := l.Cancel(ctx, tx.ID, "user aborted"); err != nil {
		t.Fatal(err)
	}

	msg := &amqp.ResultMessage{
		TransactionID: tx.ID,
		Outcome:       amqp.OutcomeSettled,
		SettlementRef: "0xfeed",
		NetworkID:     "testnet-1",
	}
	if err := w.HandleResultMessage(ctx, msg); err != nil {
		t.Fatalf("late result should be dropped, got %v", err)
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusCancelled {
		t.Errorf("status = %s, want cancelled preserved", got.Status)
	}
}

func TestHandleResultMessage_UnknownOutcomeDropped(t *testing.T) {
	w, _, _ := newTestWorker(t)
	msg := &amqp.ResultMessage{TransactionID: "tx-x", Outcome: "maybe"}
	if err := w.HandleResultMessage(context.Background(), msg); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestSweepOnce_ExportsNothingWithoutStaleRecords(t *testing.T) {
	w, l, exporter := newTestWorker(t)
	ctx := context.Background()
	createPending(t, l)

	swept, err := w.SweepOnce(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0 for a fresh record", swept)
	}
	if len(exporter.rows) != 0 {
		t.Errorf("exported %d rows, nothing was resolved", len(exporter.rows))
	}
}

func TestSweepOnce_ExportsTimedOutRecords(t *testing.T) {
	w, l, exporter := newTestWorker(t)
	ctx := context.Background()
	tx := createPending(t, l)

	swept, err := w.SweepOnce(ctx, time.Now().UTC().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1 after the timeout", swept)
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	// A record failed by the sweeper lands on the statement exactly like
	// one failed by a gateway result.
	if len(exporter.rows) != 1 || exporter.rows[0].ID != tx.ID {
		t.Fatalf("exported rows = %v, want the timed-out record", exporter.rows)
	}
	if exporter.rows[0].Status != core.StatusFailed {
		t.Errorf("exported status = %s, want failed", exporter.rows[0].Status)
	}
}

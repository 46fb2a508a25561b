package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"allowance/internal/core"

	_ "modernc.org/sqlite"
)

// SQLiteRepository backs both the limit store and the transaction ledger.
// Guarded transitions use conditional UPDATEs so the pending check and the
// write are one statement.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// modernc applies DSN pragmas on every pooled connection, so the
	// REFERENCES constraints actually hold.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CreateDependent provisions a guarded account with its starting balance
// and window caps.
func (r *SQLiteRepository) CreateDependent(ctx context.Context, dep core.Dependent) error {
	categoryJSON, err := marshalCategorySpent(dep.Counters.PerCategory)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dependents (
			id, name, balance_cents,
			daily_cap_cents, daily_spent_cents, daily_reset_at,
			weekly_cap_cents, weekly_spent_cents, weekly_reset_at,
			monthly_cap_cents, monthly_spent_cents, monthly_reset_at,
			category_spent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.Name, dep.AvailableBalance.Cents,
		dep.Counters.Daily.Cap.Cents, dep.Counters.Daily.Spent.Cents, encodeTime(dep.Counters.Daily.ResetAt),
		dep.Counters.Weekly.Cap.Cents, dep.Counters.Weekly.Spent.Cents, encodeTime(dep.Counters.Weekly.ResetAt),
		dep.Counters.Monthly.Cap.Cents, dep.Counters.Monthly.Spent.Cents, encodeTime(dep.Counters.Monthly.ResetAt),
		categoryJSON, encodeTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("insert dependent: %w", err)
	}

	slog.InfoContext(ctx, "Dependent created",
		"dependent_id", dep.ID,
		"name", dep.Name,
		"balance_cents", dep.AvailableBalance.Cents)
	return nil
}

func (r *SQLiteRepository) GetDependent(ctx context.Context, id string) (core.Dependent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, balance_cents,
			daily_cap_cents, daily_spent_cents, daily_reset_at,
			weekly_cap_cents, weekly_spent_cents, weekly_reset_at,
			monthly_cap_cents, monthly_spent_cents, monthly_reset_at,
			category_spent
		FROM dependents WHERE id = ?`, id)

	var dep core.Dependent
	var dailyReset, weeklyReset, monthlyReset, categoryJSON string
	err := row.Scan(
		&dep.ID, &dep.Name, &dep.AvailableBalance.Cents,
		&dep.Counters.Daily.Cap.Cents, &dep.Counters.Daily.Spent.Cents, &dailyReset,
		&dep.Counters.Weekly.Cap.Cents, &dep.Counters.Weekly.Spent.Cents, &weeklyReset,
		&dep.Counters.Monthly.Cap.Cents, &dep.Counters.Monthly.Spent.Cents, &monthlyReset,
		&categoryJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Dependent{}, core.ErrUnknownDependent
	}
	if err != nil {
		return core.Dependent{}, fmt.Errorf("get dependent: %w", err)
	}

	if dep.Counters.Daily.ResetAt, err = decodeTime(dailyReset); err != nil {
		return core.Dependent{}, fmt.Errorf("parse daily reset: %w", err)
	}
	if dep.Counters.Weekly.ResetAt, err = decodeTime(weeklyReset); err != nil {
		return core.Dependent{}, fmt.Errorf("parse weekly reset: %w", err)
	}
	if dep.Counters.Monthly.ResetAt, err = decodeTime(monthlyReset); err != nil {
		return core.Dependent{}, fmt.Errorf("parse monthly reset: %w", err)
	}
	if dep.Counters.PerCategory, err = unmarshalCategorySpent(categoryJSON); err != nil {
		return core.Dependent{}, err
	}
	return dep, nil
}

func (r *SQLiteRepository) UpdateDependentState(ctx context.Context, id string, balance core.Money, counters core.RollingCounters) error {
	categoryJSON, err := marshalCategorySpent(counters.PerCategory)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE dependents SET
			balance_cents = ?,
			daily_cap_cents = ?, daily_spent_cents = ?, daily_reset_at = ?,
			weekly_cap_cents = ?, weekly_spent_cents = ?, weekly_reset_at = ?,
			monthly_cap_cents = ?, monthly_spent_cents = ?, monthly_reset_at = ?,
			category_spent = ?
		WHERE id = ?`,
		balance.Cents,
		counters.Daily.Cap.Cents, counters.Daily.Spent.Cents, encodeTime(counters.Daily.ResetAt),
		counters.Weekly.Cap.Cents, counters.Weekly.Spent.Cents, encodeTime(counters.Weekly.ResetAt),
		counters.Monthly.Cap.Cents, counters.Monthly.Spent.Cents, encodeTime(counters.Monthly.ResetAt),
		categoryJSON, id,
	)
	if err != nil {
		return fmt.Errorf("update dependent state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrUnknownDependent
	}
	return nil
}

// UpdateCaps changes the standing window caps without touching spent
// amounts or the balance.
func (r *SQLiteRepository) UpdateCaps(ctx context.Context, id string, daily, weekly, monthly core.Money) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dependents SET
			daily_cap_cents = ?, weekly_cap_cents = ?, monthly_cap_cents = ?
		WHERE id = ?`,
		daily.Cents, weekly.Cents, monthly.Cents, id,
	)
	if err != nil {
		return fmt.Errorf("update caps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrUnknownDependent
	}

	slog.InfoContext(ctx, "Window caps updated",
		"dependent_id", id,
		"daily_cents", daily.Cents,
		"weekly_cents", weekly.Cents,
		"monthly_cents", monthly.Cents)
	return nil
}

// CreditBalance tops up a dependent's available balance.
func (r *SQLiteRepository) CreditBalance(ctx context.Context, id string, amount core.Money) error {
	if err := amount.Validate(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE dependents SET balance_cents = balance_cents + ? WHERE id = ?`,
		amount.Cents, id,
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrUnknownDependent
	}
	return nil
}

func (r *SQLiteRepository) GetLimitCalendar(ctx context.Context, id string) (core.LimitCalendar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entry_date, amount_cents, categories, active
		FROM limit_entries WHERE dependent_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get limit calendar: %w", err)
	}
	defer rows.Close()

	calendar := make(core.LimitCalendar)
	for rows.Next() {
		var iso, categoriesJSON string
		var amountCents int64
		var active bool
		if err := rows.Scan(&iso, &amountCents, &categoriesJSON, &active); err != nil {
			return nil, fmt.Errorf("scan limit entry: %w", err)
		}

		date, err := core.ParseISODate(iso)
		if err != nil {
			return nil, fmt.Errorf("parse entry date %q: %w", iso, err)
		}
		var categories []core.CategoryLimit
		if categoriesJSON != "" {
			if err := json.Unmarshal([]byte(categoriesJSON), &categories); err != nil {
				return nil, fmt.Errorf("unmarshal categories for %s: %w", iso, err)
			}
		}
		calendar[iso] = core.DailyLimit{
			Date:       date,
			Amount:     core.Money{Cents: amountCents},
			Categories: categories,
			Active:     active,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate limit entries: %w", err)
	}
	return calendar, nil
}

func (r *SQLiteRepository) UpsertLimitEntry(ctx context.Context, id string, entry core.DailyLimit) error {
	categoriesJSON, err := json.Marshal(entry.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO limit_entries (dependent_id, entry_date, amount_cents, categories, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dependent_id, entry_date) DO UPDATE SET
			amount_cents = excluded.amount_cents,
			categories = excluded.categories,
			active = excluded.active`,
		id, entry.Date.ISO(), entry.Amount.Cents, string(categoriesJSON), entry.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert limit entry: %w", err)
	}

	slog.InfoContext(ctx, "Limit entry stored",
		"dependent_id", id,
		"date", entry.Date.ISO(),
		"amount_cents", entry.Amount.Cents,
		"active", entry.Active)
	return nil
}

func (r *SQLiteRepository) InsertTransaction(ctx context.Context, tx core.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, dependent_id, counterparty_id, description,
			amount_cents, category, status, settlement_ref,
			cancel_reason, network_id, created_at, completed_at, cancelled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.DependentID, tx.CounterpartyID, tx.Description,
		tx.Amount.Cents, tx.Category, string(tx.Status), tx.SettlementRef,
		tx.CancelReason, tx.NetworkID, encodeTime(tx.CreatedAt),
		encodeTime(tx.CompletedAt), encodeTime(tx.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const txColumns = `id, dependent_id, counterparty_id, description,
	amount_cents, category, status, settlement_ref,
	cancel_reason, network_id, created_at, completed_at, cancelled_at`

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, core.ErrUnknownTransaction
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

// SetTransactionNetwork records which settlement network a pending record
// was submitted to. Resolved records keep their submission-time value.
func (r *SQLiteRepository) SetTransactionNetwork(ctx context.Context, id, networkID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET network_id = ?
		WHERE id = ? AND status = ?`,
		networkID, id, string(core.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("set transaction network: %w", err)
	}
	return nil
}

// MarkConfirmed flips a pending record to confirmed. Reports false without
// error when the record was not pending, so the caller can inspect the
// actual state.
func (r *SQLiteRepository) MarkConfirmed(ctx context.Context, id, settlementRef string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, settlement_ref = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(core.StatusConfirmed), settlementRef, encodeTime(at),
		id, string(core.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark confirmed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) MarkReleased(ctx context.Context, id string, status core.Status, reason string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, cancel_reason = ?, cancelled_at = ?
		WHERE id = ? AND status = ?`,
		string(status), reason, encodeTime(at),
		id, string(core.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions
		WHERE status = ? AND created_at < ?
		ORDER BY created_at`,
		string(core.StatusPending), encodeTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *SQLiteRepository) ListTransactionsByDependent(ctx context.Context, dependentID string) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions
		WHERE dependent_id = ?
		ORDER BY created_at DESC`,
		dependentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var tx core.Transaction
	var status, createdAt, completedAt, cancelledAt string
	err := row.Scan(
		&tx.ID, &tx.DependentID, &tx.CounterpartyID, &tx.Description,
		&tx.Amount.Cents, &tx.Category, &status, &tx.SettlementRef,
		&tx.CancelReason, &tx.NetworkID, &createdAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.Status = core.Status(status)
	if tx.CreatedAt, err = decodeTime(createdAt); err != nil {
		return core.Transaction{}, fmt.Errorf("parse created_at: %w", err)
	}
	if tx.CompletedAt, err = decodeTime(completedAt); err != nil {
		return core.Transaction{}, fmt.Errorf("parse completed_at: %w", err)
	}
	if tx.CancelledAt, err = decodeTime(cancelledAt); err != nil {
		return core.Transaction{}, fmt.Errorf("parse cancelled_at: %w", err)
	}
	return tx, nil
}

func collectTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var out []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// Timestamps are stored as RFC 3339 text; the zero time is the empty
// string so optional columns stay readable in the shell.
func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func marshalCategorySpent(m map[string]core.Money) (string, error) {
	cents := make(map[string]int64, len(m))
	for k, v := range m {
		cents[k] = v.Cents
	}
	b, err := json.Marshal(cents)
	if err != nil {
		return "", fmt.Errorf("marshal category spend: %w", err)
	}
	return string(b), nil
}

func unmarshalCategorySpent(s string) (map[string]core.Money, error) {
	if s == "" || s == "{}" || s == "null" {
		return nil, nil
	}
	var cents map[string]int64
	if err := json.Unmarshal([]byte(s), &cents); err != nil {
		return nil, fmt.Errorf("unmarshal category spend: %w", err)
	}
	out := make(map[string]core.Money, len(cents))
	for k, v := range cents {
		out[k] = core.Money{Cents: v}
	}
	return out, nil
}

package core

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "pending to confirmed", from: StatusPending, to: StatusConfirmed, want: true},
		{name: "pending to failed", from: StatusPending, to: StatusFailed, want: true},
		{name: "pending to cancelled", from: StatusPending, to: StatusCancelled, want: true},
		{name: "pending to pending", from: StatusPending, to: StatusPending, want: false},
		{name: "confirmed is sticky", from: StatusConfirmed, to: StatusCancelled, want: false},
		{name: "cancelled is sticky", from: StatusCancelled, to: StatusConfirmed, want: false},
		{name: "failed is sticky", from: StatusFailed, to: StatusConfirmed, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransactionValidate(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	valid := NewTransaction("tx-1", "dep-1", "merchant-1", "lunch", Money{Cents: 999}, "food", now)
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid transaction rejected: %v", err)
	}
	if valid.Status != StatusPending {
		t.Errorf("new transaction status = %s, want %s", valid.Status, StatusPending)
	}
	if !valid.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", valid.CreatedAt, now)
	}

	tests := []struct {
		name   string
		mutate func(*Transaction)
	}{
		{name: "missing dependent", mutate: func(tx *Transaction) { tx.DependentID = " " }},
		{name: "missing counterparty", mutate: func(tx *Transaction) { tx.CounterpartyID = "" }},
		{name: "zero amount", mutate: func(tx *Transaction) { tx.Amount = Money{} }},
		{name: "missing category", mutate: func(tx *Transaction) { tx.Category = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid
			tt.mutate(&tx)
			if err := tx.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDailyLimitCategoryCap(t *testing.T) {
	entry := DailyLimit{
		Date:   NewDate(2024, 5, 10),
		Amount: Money{Cents: 3000},
		Categories: []CategoryLimit{
			{Name: "Food", Cap: Money{Cents: 1000}},
			{Name: "games", Cap: Money{Cents: 500}},
		},
		Active: true,
	}

	if cap, ok := entry.CategoryCap("food"); !ok || cap.Cents != 1000 {
		t.Errorf("CategoryCap(food) = %v, %v; want 1000, true", cap.Cents, ok)
	}
	if cap, ok := entry.CategoryCap(" GAMES "); !ok || cap.Cents != 500 {
		t.Errorf("CategoryCap(GAMES) = %v, %v; want 500, true", cap.Cents, ok)
	}
	if _, ok := entry.CategoryCap("books"); ok {
		t.Error("CategoryCap(books) found, want miss")
	}
}

func TestRollingCountersClone(t *testing.T) {
	rc := RollingCounters{
		Daily:       WindowCounter{Cap: Money{Cents: 2000}, Spent: Money{Cents: 500}},
		PerCategory: map[string]Money{"food": {Cents: 500}},
	}
	clone := rc.Clone()
	clone.PerCategory["food"] = Money{Cents: 999}
	if rc.PerCategory["food"].Cents != 500 {
		t.Error("Clone aliases the PerCategory map")
	}
}

func TestDateISO(t *testing.T) {
	d := NewDate(2024, 2, 3)
	if d.ISO() != "2024-02-03" {
		t.Errorf("ISO() = %q, want 2024-02-03", d.ISO())
	}
	parsed, err := ParseISODate(" 2024-02-03 ")
	if err != nil {
		t.Fatalf("ParseISODate: %v", err)
	}
	if !parsed.Equal(d.Time) {
		t.Errorf("ParseISODate = %v, want %v", parsed, d)
	}
	if _, err := ParseISODate("03/02/2024"); err == nil {
		t.Error("expected error for non-ISO date")
	}
}

package limits

import (
	"errors"
	"testing"

	"allowance/internal/core"
)

func dependent(balanceCents int64, counters core.RollingCounters) core.Dependent {
	return core.Dependent{
		ID:               "dep-1",
		Name:             "Ana",
		AvailableBalance: core.Money{Cents: balanceCents},
		Counters:         counters,
	}
}

func TestEvaluateScenarioA(t *testing.T) {
	// Balance 50, daily limit 20 with a food category listed.
	entry := &core.DailyLimit{
		Date:       core.NewDate(2024, 5, 10),
		Amount:     core.Money{Cents: 2000},
		Categories: []core.CategoryLimit{{Name: "food"}},
		Active:     true,
	}
	dep := dependent(5000, core.RollingCounters{})

	first := Evaluate(dep, entry, core.Money{Cents: 1500}, "food")
	if !first.Allowed {
		t.Fatalf("first spend denied: %s", first.Reason)
	}

	// After the first spend: dailySpent=15, balance=35.
	dep.AvailableBalance = core.Money{Cents: 3500}
	dep.Counters.Daily.Spent = core.Money{Cents: 1500}
	dep.Counters.PerCategory = map[string]core.Money{"food": {Cents: 1500}}

	second := Evaluate(dep, entry, core.Money{Cents: 1000}, "food")
	if second.Allowed {
		t.Fatal("second spend should be denied, 15+10 > 20")
	}
	var le *core.LimitExceededError
	if !errors.As(second.Denial, &le) || le.Window != core.WindowDaily {
		t.Errorf("denial = %v, want daily LimitExceededError", second.Denial)
	}
}

func TestEvaluateScenarioB(t *testing.T) {
	// Category cap food=10 inside a daily cap of 30: the category check
	// fails even though the aggregate would pass.
	entry := &core.DailyLimit{
		Date:       core.NewDate(2024, 5, 10),
		Amount:     core.Money{Cents: 3000},
		Categories: []core.CategoryLimit{{Name: "food", Cap: core.Money{Cents: 1000}}},
		Active:     true,
	}
	dep := dependent(5000, core.RollingCounters{})

	first := Evaluate(dep, entry, core.Money{Cents: 800}, "food")
	if !first.Allowed {
		t.Fatalf("first spend denied: %s", first.Reason)
	}

	dep.Counters.Daily.Spent = core.Money{Cents: 800}
	dep.Counters.PerCategory = map[string]core.Money{"food": {Cents: 800}}

	second := Evaluate(dep, entry, core.Money{Cents: 500}, "food")
	if second.Allowed {
		t.Fatal("second spend should be denied, 8+5 > category cap 10")
	}
	var ce *core.CategoryLimitExceededError
	if !errors.As(second.Denial, &ce) || ce.Category != "food" {
		t.Errorf("denial = %v, want food CategoryLimitExceededError", second.Denial)
	}
}

func TestEvaluate(t *testing.T) {
	activeEntry := &core.DailyLimit{
		Date:   core.NewDate(2024, 5, 10),
		Amount: core.Money{Cents: 2000},
		Active: true,
	}
	inactiveEntry := &core.DailyLimit{
		Date:   core.NewDate(2024, 5, 10),
		Amount: core.Money{Cents: 100},
		Active: false,
	}

	tests := []struct {
		name     string
		dep      core.Dependent
		entry    *core.DailyLimit
		amount   int64
		category string
		wantErr  error
	}{
		{
			name:     "no limits, enough balance",
			dep:      dependent(1000, core.RollingCounters{}),
			amount:   500,
			category: "toys",
		},
		{
			name:     "insufficient balance beats generous limit",
			dep:      dependent(400, core.RollingCounters{}),
			entry:    activeEntry,
			amount:   500,
			category: "toys",
			wantErr:  core.ErrInsufficientBalance,
		},
		{
			name:     "inactive entry does not cap",
			dep:      dependent(1000, core.RollingCounters{}),
			entry:    inactiveEntry,
			amount:   500,
			category: "toys",
		},
		{
			name: "weekly cap",
			dep: dependent(10000, core.RollingCounters{
				Weekly: core.WindowCounter{Cap: core.Money{Cents: 1000}, Spent: core.Money{Cents: 900}},
			}),
			amount:   200,
			category: "toys",
			wantErr:  &core.LimitExceededError{Window: core.WindowWeekly},
		},
		{
			name: "monthly cap",
			dep: dependent(10000, core.RollingCounters{
				Monthly: core.WindowCounter{Cap: core.Money{Cents: 5000}, Spent: core.Money{Cents: 4950}},
			}),
			amount:   100,
			category: "toys",
			wantErr:  &core.LimitExceededError{Window: core.WindowMonthly},
		},
		{
			name: "configured daily cap applies without calendar entry",
			dep: dependent(10000, core.RollingCounters{
				Daily: core.WindowCounter{Cap: core.Money{Cents: 1000}, Spent: core.Money{Cents: 800}},
			}),
			amount:   300,
			category: "toys",
			wantErr:  &core.LimitExceededError{Window: core.WindowDaily},
		},
		{
			name:     "unlisted category only bound by aggregates",
			dep:      dependent(10000, core.RollingCounters{}),
			entry:    &core.DailyLimit{Date: core.NewDate(2024, 5, 10), Amount: core.Money{Cents: 2000}, Categories: []core.CategoryLimit{{Name: "food", Cap: core.Money{Cents: 100}}}, Active: true},
			amount:   500,
			category: "books",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.dep, tt.entry, core.Money{Cents: tt.amount}, tt.category)
			if tt.wantErr == nil {
				if !got.Allowed {
					t.Fatalf("denied: %s", got.Reason)
				}
				return
			}
			if got.Allowed {
				t.Fatal("expected denial, got allow")
			}
			var wantLimit *core.LimitExceededError
			if errors.As(tt.wantErr, &wantLimit) {
				var gotLimit *core.LimitExceededError
				if !errors.As(got.Denial, &gotLimit) || gotLimit.Window != wantLimit.Window {
					t.Errorf("denial = %v, want %s window", got.Denial, wantLimit.Window)
				}
				return
			}
			if !errors.Is(got.Denial, tt.wantErr) {
				t.Errorf("denial = %v, want %v", got.Denial, tt.wantErr)
			}
		})
	}
}

func TestEvaluateReasonIsPresentable(t *testing.T) {
	dep := dependent(10000, core.RollingCounters{
		Daily: core.WindowCounter{Cap: core.Money{Cents: 2000}, Spent: core.Money{Cents: 1500}},
	})
	got := Evaluate(dep, nil, core.Money{Cents: 1000}, "food")
	if got.Allowed {
		t.Fatal("expected denial")
	}
	want := "daily limit exceeded: 15.00 already spent of 20.00, requested 10.00"
	if got.Reason != want {
		t.Errorf("reason = %q, want %q", got.Reason, want)
	}
}

package limits

import (
	"allowance/internal/core"
)

// Decision is the engine's verdict for one proposed spend. Reason carries
// the user-presentable denial text; Denial the typed error behind it.
type Decision struct {
	Allowed bool
	Reason  string
	Denial  error
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(err error) Decision {
	return Decision{Reason: err.Error(), Denial: err}
}

// Evaluate decides whether a spend may proceed. It is pure: the dependent
// snapshot must already have its counters rolled, and entry is the calendar
// entry resolved for the spend date (nil when none governs).
//
// Checks run in order and the first failure short-circuits, reported
// verbatim: daily cap, weekly cap, monthly cap, category sub-cap, then the
// overall balance. The balance check is independent of the limit windows —
// a generous limit does not help an empty balance.
func Evaluate(dep core.Dependent, entry *core.DailyLimit, amount core.Money, category string) Decision {
	dailyCap := dep.Counters.Daily.Cap
	if entry != nil && entry.Active && entry.Amount.Cents > 0 {
		dailyCap = entry.Amount
	}
	if dailyCap.Cents > 0 {
		if spent := dep.Counters.Daily.Spent; spent.Cents+amount.Cents > dailyCap.Cents {
			return deny(&core.LimitExceededError{Window: core.WindowDaily, Cap: dailyCap, Spent: spent, Amount: amount})
		}
	}
	if cap := dep.Counters.Weekly.Cap; cap.Cents > 0 {
		if spent := dep.Counters.Weekly.Spent; spent.Cents+amount.Cents > cap.Cents {
			return deny(&core.LimitExceededError{Window: core.WindowWeekly, Cap: cap, Spent: spent, Amount: amount})
		}
	}
	if cap := dep.Counters.Monthly.Cap; cap.Cents > 0 {
		if spent := dep.Counters.Monthly.Spent; spent.Cents+amount.Cents > cap.Cents {
			return deny(&core.LimitExceededError{Window: core.WindowMonthly, Cap: cap, Spent: spent, Amount: amount})
		}
	}
	if entry != nil && entry.Active {
		if cap, ok := entry.CategoryCap(category); ok && cap.Cents > 0 {
			if spent := dep.Counters.CategorySpent(category); spent.Cents+amount.Cents > cap.Cents {
				return deny(&core.CategoryLimitExceededError{Category: core.CategoryKey(category), Cap: cap, Spent: spent, Amount: amount})
			}
		}
	}
	if amount.Cents > dep.AvailableBalance.Cents {
		return deny(core.ErrInsufficientBalance)
	}
	return allow()
}

// Package limits implements the spending-limit side of the ledger: the
// calendar-aware decision engine, the lazy window-reset scheduler and the
// store that owns every counter mutation.
package limits

import (
	"time"

	"allowance/internal/core"
)

// RollIfElapsed returns the counters with every elapsed window rolled to
// zero and its reset timestamp advanced past now. It is pure and
// idempotent: counters are rolled lazily before every read and write so
// correctness never depends on the process having been running when a
// window elapsed. Rolling the daily window also clears per-category spend,
// which follows the daily period.
func RollIfElapsed(rc core.RollingCounters, now time.Time) core.RollingCounters {
	now = now.UTC()
	out := rc.Clone()
	if rollWindow(&out.Daily, now, NextDailyReset) {
		out.PerCategory = nil
	}
	rollWindow(&out.Weekly, now, NextWeeklyReset)
	rollWindow(&out.Monthly, now, NextMonthlyReset)
	return out
}

func rollWindow(w *core.WindowCounter, now time.Time, next func(time.Time) time.Time) bool {
	if w.ResetAt.IsZero() {
		// First use: anchor the window without clearing anything.
		w.ResetAt = next(now)
		return false
	}
	if now.Before(w.ResetAt) {
		return false
	}
	w.Spent = core.Money{}
	w.ResetAt = next(now)
	return true
}

// NextDailyReset returns the next UTC midnight after now.
func NextDailyReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// NextWeeklyReset returns the next Monday UTC midnight strictly after now.
func NextWeeklyReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Monday) - int(midnight.Weekday()) + 7) % 7
	if offset == 0 {
		offset = 7
	}
	return midnight.AddDate(0, 0, offset)
}

// NextMonthlyReset returns the first of the next month, UTC midnight.
func NextMonthlyReset(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

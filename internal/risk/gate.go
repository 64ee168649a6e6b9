package risk

import (
	"fmt"
	"time"
)

// CanEnter evaluates the entry gate for one prospective entry. The checks
// run in a fixed order and the first failing one names the denial reason.
// openProtective is the count of live stop/target orders for the position
// side. Aside from the lazy daily reset the check mutates nothing.
func (r *Runtime) CanEnter(now time.Time, symbol, positionSide string, openProtective int, hasOpenPosition func(symbol, positionSide string) bool) Decision {
	r.ResetDailyIfNeeded(now, hasOpenPosition)

	if r.DailyEntries >= MaxDailyEntries {
		return deny(fmt.Sprintf("daily entry limit reached (%d/%d)", r.DailyEntries, MaxDailyEntries))
	}
	if r.Resting.Active(now) {
		return deny(fmt.Sprintf("resting until %s", r.Resting.Until.UTC().Format(time.RFC3339)))
	}
	if count := r.SymbolSideCounts[symbolSideKey(symbol, positionSide)]; count >= MaxSymbolSideDaily {
		return deny(fmt.Sprintf("%s %s entry limit reached (%d/%d)", symbol, positionSide, count, MaxSymbolSideDaily))
	}
	if openProtective >= MaxOpenProtective {
		return deny(fmt.Sprintf("too many open protective orders for %s (%d/%d)", positionSide, openProtective, MaxOpenProtective))
	}
	if !r.LastEntryAt.IsZero() {
		gap := RequiredGap(now, r.Burst.Active())
		if since := now.Sub(r.LastEntryAt); since < gap {
			return deny(fmt.Sprintf("entry gap not elapsed, wait %s (gap %s)", (gap - since).Round(time.Second), gap))
		}
	}
	return allow()
}

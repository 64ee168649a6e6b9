// Package risk holds the per-account runtime counters and the entry gate
// that decides whether the engine may open a new position right now.
package risk

import "time"

// Policy limits. These are deliberately hard-coded: they guard capital,
// not preferences.
const (
	MaxDailyEntries     = 10
	MaxSymbolSideDaily  = 3
	MaxOpenProtective   = 8
	BurstGap            = 1 * time.Minute
	ActiveHoursGap      = 120 * time.Minute
	OffHoursGap         = 60 * time.Minute
	BurstUsesPerDay     = 2
	BurstCooldown       = 2 * time.Hour
	BurstEntriesPerUse  = 2
	MinHoldingPeriod    = 240 * time.Minute
)

// Trading-hours window in UTC. Inside it the inter-entry gap is long
// (markets are active, entries should be deliberate); outside it is short.
var (
	activeHoursStart = 4*time.Hour + 30*time.Minute
	activeHoursEnd   = 14*time.Hour + 30*time.Minute
)

// RestingDurations enumerates the accepted resting-window lengths.
var RestingDurations = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	720 * time.Minute,
	1440 * time.Minute,
	2880 * time.Minute,
}

// ValidRestingDuration reports whether d is one of the accepted lengths.
func ValidRestingDuration(d time.Duration) bool {
	for _, allowed := range RestingDurations {
		if d == allowed {
			return true
		}
	}
	return false
}

// InActiveHours reports whether t falls inside the daily trading window.
func InActiveHours(t time.Time) bool {
	utc := t.UTC()
	offset := time.Duration(utc.Hour())*time.Hour +
		time.Duration(utc.Minute())*time.Minute +
		time.Duration(utc.Second())*time.Second
	return offset >= activeHoursStart && offset < activeHoursEnd
}

// RequiredGap returns the minimum spacing before the next entry given the
// burst state and time of day.
func RequiredGap(t time.Time, burstActive bool) time.Duration {
	if burstActive {
		return BurstGap
	}
	if InActiveHours(t) {
		return ActiveHoursGap
	}
	return OffHoursGap
}

// Decision is the entry gate verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

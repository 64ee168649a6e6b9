package risk

import (
	"fmt"
	"log"
	"time"
)

// Reference timezone for the daily boundary. Counters roll at local
// midnight in this zone regardless of where the process runs.
var referenceZone = loadZoneOrUTC("Asia/Kolkata")

func loadZoneOrUTC(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("[risk] timezone %s unavailable, falling back to UTC: %v", name, err)
		return time.UTC
	}
	return loc
}

// DayOf returns the reference-zone date string for t (the daily boundary key).
func DayOf(t time.Time) string {
	return t.In(referenceZone).Format("2006-01-02")
}

// RestingState is a timed no-entry window.
type RestingState struct {
	Enabled  bool
	Until    time.Time
	Duration time.Duration
}

// Active reports whether the window blocks entries at time t. An expired
// window reads as inactive even before the owner clears the flag.
func (r RestingState) Active(t time.Time) bool {
	return r.Enabled && t.Before(r.Until)
}

// BurstState is the limited-use fast-entry window.
type BurstState struct {
	Enabled       bool
	Remaining     int
	UsesToday     int
	LastActivated time.Time
}

// Active reports whether burst entries remain.
func (b BurstState) Active() bool {
	return b.Enabled && b.Remaining > 0
}

// Runtime is the per-account mutable gating state. It is owned by the
// account's worker goroutine and must not be shared.
type Runtime struct {
	DailyEntries     int
	SymbolSideCounts map[string]int
	LastEntryAt      time.Time
	LastResetDay     string
	Resting          RestingState
	Burst            BurstState
}

// NewRuntime returns a Runtime with the reset day anchored at now so the
// first lazy reset does not fire immediately.
func NewRuntime(now time.Time) *Runtime {
	return &Runtime{
		SymbolSideCounts: make(map[string]int),
		LastResetDay:     DayOf(now),
	}
}

func symbolSideKey(symbol, positionSide string) string {
	return symbol + "/" + positionSide
}

// ResetDailyIfNeeded rolls the daily counters when the reference-zone date
// has changed since the last reset. Per-symbol/side counters survive the
// roll while that pair still has an open position; hasOpenPosition reports
// exchange exposure for a pair.
func (r *Runtime) ResetDailyIfNeeded(now time.Time, hasOpenPosition func(symbol, positionSide string) bool) {
	day := DayOf(now)
	if day == r.LastResetDay {
		return
	}
	log.Printf("[risk] daily reset %s -> %s", r.LastResetDay, day)
	r.LastResetDay = day
	r.DailyEntries = 0
	r.Burst.UsesToday = 0
	for key := range r.SymbolSideCounts {
		symbol, side := splitSymbolSideKey(key)
		if hasOpenPosition != nil && hasOpenPosition(symbol, side) {
			continue
		}
		delete(r.SymbolSideCounts, key)
	}
}

func splitSymbolSideKey(key string) (symbol, positionSide string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// RecordEntry applies the side effects of a successful entry: counters up,
// burst credit consumed, burst auto-disabled on the last credit.
func (r *Runtime) RecordEntry(now time.Time, symbol, positionSide string) {
	r.DailyEntries++
	r.SymbolSideCounts[symbolSideKey(symbol, positionSide)]++
	r.LastEntryAt = now
	if r.Burst.Active() {
		r.Burst.Remaining--
		if r.Burst.Remaining <= 0 {
			r.Burst.Enabled = false
			log.Printf("[risk] burst window exhausted")
		}
	}
}

// ActivateBurst turns on the fast-entry window, enforcing the per-day use
// limit and the cooldown between activations.
func (r *Runtime) ActivateBurst(now time.Time) error {
	if r.Burst.Active() {
		return fmt.Errorf("burst mode already active (%d entries left)", r.Burst.Remaining)
	}
	if r.Burst.UsesToday >= BurstUsesPerDay {
		return fmt.Errorf("burst mode already used %d times today", r.Burst.UsesToday)
	}
	if !r.Burst.LastActivated.IsZero() && now.Sub(r.Burst.LastActivated) < BurstCooldown {
		wait := BurstCooldown - now.Sub(r.Burst.LastActivated)
		return fmt.Errorf("burst mode cooling down, retry in %s", wait.Round(time.Second))
	}
	r.Burst = BurstState{
		Enabled:       true,
		Remaining:     BurstEntriesPerUse,
		UsesToday:     r.Burst.UsesToday + 1,
		LastActivated: now,
	}
	return nil
}

// DeactivateBurst turns the window off without refunding credits.
func (r *Runtime) DeactivateBurst() {
	r.Burst.Enabled = false
	r.Burst.Remaining = 0
}

// StartResting opens a no-entry window of the given duration.
func (r *Runtime) StartResting(now time.Time, d time.Duration) error {
	if !ValidRestingDuration(d) {
		return fmt.Errorf("resting duration %s not in the allowed set", d)
	}
	r.Resting = RestingState{Enabled: true, Until: now.Add(d), Duration: d}
	return nil
}

// StopResting clears the resting window.
func (r *Runtime) StopResting() {
	r.Resting = RestingState{}
}

// NextEntryIn returns how long until the gap allows another entry, zero if
// an entry is allowed now.
func (r *Runtime) NextEntryIn(now time.Time) time.Duration {
	if r.LastEntryAt.IsZero() {
		return 0
	}
	gap := RequiredGap(now, r.Burst.Active())
	remaining := gap - now.Sub(r.LastEntryAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

package risk

import (
	"strings"
	"testing"
	"time"
)

func utcTime(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func TestRequiredGap(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		burst bool
		want  time.Duration
	}{
		{"burst overrides hours", utcTime(10, 0), true, BurstGap},
		{"inside active hours", utcTime(10, 0), false, ActiveHoursGap},
		{"at window open", utcTime(4, 30), false, ActiveHoursGap},
		{"just before window open", utcTime(4, 29), false, OffHoursGap},
		{"at window close", utcTime(14, 30), false, OffHoursGap},
		{"just before window close", utcTime(14, 29), false, ActiveHoursGap},
		{"midnight", utcTime(0, 0), false, OffHoursGap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequiredGap(tt.now, tt.burst); got != tt.want {
				t.Fatalf("RequiredGap(%v, burst=%v) = %v, want %v", tt.now, tt.burst, got, tt.want)
			}
		})
	}
}

func TestCanEnterGapBranches(t *testing.T) {
	now := utcTime(10, 0)
	tests := []struct {
		name      string
		lastEntry time.Time
		burst     bool
		allowed   bool
	}{
		{"no previous entry", time.Time{}, false, true},
		{"inside gap active hours", now.Add(-90 * time.Minute), false, false},
		{"gap elapsed active hours", now.Add(-121 * time.Minute), false, true},
		{"burst shortens gap", now.Add(-90 * time.Second), true, true},
		{"burst gap not elapsed", now.Add(-30 * time.Second), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRuntime(now)
			r.LastEntryAt = tt.lastEntry
			if tt.burst {
				r.Burst = BurstState{Enabled: true, Remaining: 2}
			}
			d := r.CanEnter(now, "BTCUSDT", "LONG", 0, nil)
			if d.Allowed != tt.allowed {
				t.Fatalf("allowed = %v (reason %q), want %v", d.Allowed, d.Reason, tt.allowed)
			}
		})
	}
}

func TestCanEnterOffHoursGap(t *testing.T) {
	now := utcTime(16, 0)
	r := NewRuntime(now)
	r.LastEntryAt = now.Add(-61 * time.Minute)
	if d := r.CanEnter(now, "BTCUSDT", "LONG", 0, nil); !d.Allowed {
		t.Fatalf("61m off-hours should pass the 60m gap: %q", d.Reason)
	}
	r.LastEntryAt = now.Add(-59 * time.Minute)
	if d := r.CanEnter(now, "BTCUSDT", "LONG", 0, nil); d.Allowed {
		t.Fatalf("59m off-hours should fail the 60m gap")
	}
}

func TestCanEnterDenialOrder(t *testing.T) {
	now := utcTime(10, 0)

	t.Run("daily limit", func(t *testing.T) {
		r := NewRuntime(now)
		r.DailyEntries = MaxDailyEntries
		r.Resting = RestingState{Enabled: true, Until: now.Add(time.Hour)}
		d := r.CanEnter(now, "BTCUSDT", "LONG", 0, nil)
		if d.Allowed || !strings.Contains(d.Reason, "daily entry limit") {
			t.Fatalf("want daily-limit denial first, got %q", d.Reason)
		}
	})

	t.Run("resting", func(t *testing.T) {
		r := NewRuntime(now)
		r.Resting = RestingState{Enabled: true, Until: now.Add(time.Hour)}
		d := r.CanEnter(now, "BTCUSDT", "LONG", 0, nil)
		if d.Allowed || !strings.Contains(d.Reason, "resting") {
			t.Fatalf("want resting denial, got %q", d.Reason)
		}
	})

	t.Run("symbol side limit", func(t *testing.T) {
		r := NewRuntime(now)
		r.SymbolSideCounts["BTCUSDT/LONG"] = MaxSymbolSideDaily
		d := r.CanEnter(now, "BTCUSDT", "LONG", 0, nil)
		if d.Allowed || !strings.Contains(d.Reason, "BTCUSDT LONG entry limit") {
			t.Fatalf("want symbol/side denial, got %q", d.Reason)
		}
		if d2 := r.CanEnter(now, "BTCUSDT", "SHORT", 0, nil); !d2.Allowed {
			t.Fatalf("other side should still be allowed: %q", d2.Reason)
		}
	})

	t.Run("open protective orders", func(t *testing.T) {
		r := NewRuntime(now)
		d := r.CanEnter(now, "BTCUSDT", "LONG", MaxOpenProtective, nil)
		if d.Allowed || !strings.Contains(d.Reason, "protective orders") {
			t.Fatalf("want protective-order denial, got %q", d.Reason)
		}
	})

	t.Run("expired resting window", func(t *testing.T) {
		r := NewRuntime(now)
		r.Resting = RestingState{Enabled: true, Until: now.Add(-time.Minute)}
		if d := r.CanEnter(now, "BTCUSDT", "LONG", 0, nil); !d.Allowed {
			t.Fatalf("expired resting window should not block: %q", d.Reason)
		}
	})
}

func TestDailyReset(t *testing.T) {
	// 19:00 UTC is 00:30 IST next day, so the reference day rolls even
	// though UTC has not.
	before := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	after := time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC)
	if DayOf(before) == DayOf(after) {
		t.Fatalf("reference day should roll between %v and %v", before, after)
	}

	r := NewRuntime(before)
	r.DailyEntries = 7
	r.Burst.UsesToday = 2
	r.SymbolSideCounts["BTCUSDT/LONG"] = 3
	r.SymbolSideCounts["ETHUSDT/SHORT"] = 2

	open := func(symbol, side string) bool {
		return symbol == "BTCUSDT" && side == "LONG"
	}

	r.ResetDailyIfNeeded(after, open)
	if r.DailyEntries != 0 || r.Burst.UsesToday != 0 {
		t.Fatalf("daily counters not reset: entries=%d burstUses=%d", r.DailyEntries, r.Burst.UsesToday)
	}
	if r.SymbolSideCounts["BTCUSDT/LONG"] != 3 {
		t.Fatalf("pair with open position must keep its count")
	}
	if _, ok := r.SymbolSideCounts["ETHUSDT/SHORT"]; ok {
		t.Fatalf("pair without open position must be cleared")
	}

	// same day again: nothing changes
	r.DailyEntries = 4
	r.ResetDailyIfNeeded(after.Add(time.Hour), open)
	if r.DailyEntries != 4 {
		t.Fatalf("reset fired twice in the same reference day")
	}
}

func TestBurstLifecycle(t *testing.T) {
	now := utcTime(9, 0)
	r := NewRuntime(now)

	if err := r.ActivateBurst(now); err != nil {
		t.Fatalf("first activation: %v", err)
	}
	if !r.Burst.Active() || r.Burst.Remaining != BurstEntriesPerUse {
		t.Fatalf("burst not armed: %+v", r.Burst)
	}
	if err := r.ActivateBurst(now); err == nil {
		t.Fatalf("re-activation while active must fail")
	}

	r.RecordEntry(now, "BTCUSDT", "LONG")
	if !r.Burst.Active() {
		t.Fatalf("one credit left, burst should stay active")
	}
	r.RecordEntry(now.Add(time.Minute), "BTCUSDT", "LONG")
	if r.Burst.Active() || r.Burst.Enabled {
		t.Fatalf("last burst entry must auto-disable burst: %+v", r.Burst)
	}

	if err := r.ActivateBurst(now.Add(30 * time.Minute)); err == nil {
		t.Fatalf("activation inside the cooldown must fail")
	}
	second := now.Add(BurstCooldown + time.Minute)
	if err := r.ActivateBurst(second); err != nil {
		t.Fatalf("second activation after cooldown: %v", err)
	}
	r.DeactivateBurst()
	if err := r.ActivateBurst(second.Add(BurstCooldown + time.Minute)); err == nil {
		t.Fatalf("third activation in one day must fail")
	}
}

func TestRestingDurations(t *testing.T) {
	now := utcTime(9, 0)
	r := NewRuntime(now)

	if err := r.StartResting(now, 7*time.Minute); err == nil {
		t.Fatalf("7m is not an allowed resting duration")
	}
	if err := r.StartResting(now, 30*time.Minute); err != nil {
		t.Fatalf("30m should be allowed: %v", err)
	}
	if !r.Resting.Active(now.Add(29 * time.Minute)) {
		t.Fatalf("window should still be active")
	}
	if r.Resting.Active(now.Add(31 * time.Minute)) {
		t.Fatalf("window should have expired")
	}
	r.StopResting()
	if r.Resting.Enabled {
		t.Fatalf("StopResting should clear the window")
	}
}

func TestNextEntryIn(t *testing.T) {
	now := utcTime(10, 0)
	r := NewRuntime(now)
	if r.NextEntryIn(now) != 0 {
		t.Fatalf("no previous entry means no wait")
	}
	r.LastEntryAt = now.Add(-30 * time.Minute)
	if got := r.NextEntryIn(now); got != 90*time.Minute {
		t.Fatalf("want 90m wait, got %v", got)
	}
	r.Burst = BurstState{Enabled: true, Remaining: 1}
	if got := r.NextEntryIn(now); got != 0 {
		t.Fatalf("burst gap already elapsed, got %v", got)
	}
}

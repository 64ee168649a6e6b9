// Package trail implements the trailing stop/target ladder: one record per
// bot-protected position, advanced by mark-price ticks.
package trail

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-core/pkg/exchanges/common"
)

// Mode selects the trailing distances.
type Mode string

const (
	ModeScalp Mode = "scalp"
	ModeSwing Mode = "swing"
)

// Multipliers are percentage distances for one mode. Trigger percentages
// space the rungs, step percentages move the protective prices.
type Multipliers struct {
	TriggerPct    float64
	BigTriggerPct float64
	StepPct       float64
	BigStepPct    float64
}

var modeMultipliers = map[Mode]Multipliers{
	ModeScalp: {TriggerPct: 0.5, BigTriggerPct: 1.5, StepPct: 0.35, BigStepPct: 1.0},
	ModeSwing: {TriggerPct: 1.5, BigTriggerPct: 4.0, StepPct: 1.0, BigStepPct: 3.0},
}

// MultipliersFor returns the distances for mode, defaulting to swing for
// unknown values (the conservative choice).
func MultipliersFor(mode Mode) Multipliers {
	if m, ok := modeMultipliers[mode]; ok {
		return m
	}
	return modeMultipliers[ModeSwing]
}

// RoundPrice rounds p to the symbol's price precision.
func RoundPrice(p float64, precision int) float64 {
	return decimal.NewFromFloat(p).Round(int32(precision)).InexactFloat64()
}

// shift moves p by pct percent in the trade's favorable direction. The
// whole computation runs in decimal so quantization does not depend on
// float artifacts of the intermediate product.
func shift(p, pct float64, side common.PositionSide, precision int) float64 {
	delta := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))
	factor := decimal.NewFromInt(1).Add(delta)
	if side == common.PositionShort {
		factor = decimal.NewFromInt(1).Sub(delta)
	}
	return decimal.NewFromFloat(p).Mul(factor).Round(int32(precision)).InexactFloat64()
}

// Record is the trailing state for one protected position. The root and
// client ids change on every successful advance; the record is replaced,
// never partially mutated.
type Record struct {
	Symbol       string
	PositionSide common.PositionSide
	Root         string
	OriginRoot   string // root of the opening entry, stable across advances
	SLClientID   string
	TPClientID   string
	Qty          float64
	StopPrice    float64
	TargetPrice  float64
	Mode         Mode
	TrailCount   int
	NextTrigger  float64
	BigTrigger   float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewRecord seeds a record from a freshly opened trade. Triggers start at
// the mode's distances from the entry price.
func NewRecord(symbol string, side common.PositionSide, root, slID, tpID string, qty, entry, stop, target float64, mode Mode, pricePrecision int) *Record {
	m := MultipliersFor(mode)
	now := time.Now().UTC()
	return &Record{
		Symbol:       symbol,
		PositionSide: side,
		Root:         root,
		OriginRoot:   root,
		SLClientID:   slID,
		TPClientID:   tpID,
		Qty:          qty,
		StopPrice:    stop,
		TargetPrice:  target,
		Mode:         mode,
		NextTrigger:  shift(entry, m.TriggerPct, side, pricePrecision),
		BigTrigger:   shift(entry, m.BigTriggerPct, side, pricePrecision),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// RestoredRecord rebuilds a record from a live stop/target pair found on
// the exchange. The original entry price is unknown, so the rungs are
// anchored at the midpoint of the pair, which is where the entry sat when
// the legs were first placed.
func RestoredRecord(symbol string, side common.PositionSide, root, slID, tpID string, qty, stop, target float64, pricePrecision int) *Record {
	anchor := (stop + target) / 2
	return NewRecord(symbol, side, root, slID, tpID, qty, anchor, stop, target, ModeSwing, pricePrecision)
}

// Triggered reports whether price crosses the normal rung.
func (r *Record) Triggered(price float64) bool {
	if r.PositionSide == common.PositionShort {
		return price <= r.NextTrigger
	}
	return price >= r.NextTrigger
}

// BigTriggered reports whether price crosses the big-move rung.
func (r *Record) BigTriggered(price float64) bool {
	if r.PositionSide == common.PositionShort {
		return price <= r.BigTrigger
	}
	return price >= r.BigTrigger
}

// Candidates returns the prospective stop and target for an advance. big
// selects the big-move distances.
func (r *Record) Candidates(big bool, pricePrecision int) (stop, target float64) {
	m := MultipliersFor(r.Mode)
	step := m.StepPct
	if big {
		step = m.BigStepPct
	}
	return shift(r.StopPrice, step, r.PositionSide, pricePrecision),
		shift(r.TargetPrice, step, r.PositionSide, pricePrecision)
}

// StrictlyBetter reports whether the candidate pair is further in the
// trade's favor than the current pair.
func (r *Record) StrictlyBetter(candStop, candTarget float64) bool {
	if r.PositionSide == common.PositionShort {
		return candStop < r.StopPrice && candTarget < r.TargetPrice
	}
	return candStop > r.StopPrice && candTarget > r.TargetPrice
}

// AdvanceTriggers recomputes the rungs in place without touching the
// protective prices. Used when a rung fires but the candidates are not an
// improvement.
func (r *Record) AdvanceTriggers(pricePrecision int) {
	m := MultipliersFor(r.Mode)
	r.NextTrigger = shift(r.NextTrigger, m.TriggerPct, r.PositionSide, pricePrecision)
	r.BigTrigger = shift(r.BigTrigger, m.BigTriggerPct, r.PositionSide, pricePrecision)
}

// Advanced builds the successor record after both replacement legs were
// accepted under newRoot.
func (r *Record) Advanced(newRoot, slID, tpID string, newStop, newTarget float64, pricePrecision int) *Record {
	m := MultipliersFor(r.Mode)
	next := *r
	next.Root = newRoot
	next.SLClientID = slID
	next.TPClientID = tpID
	next.StopPrice = newStop
	next.TargetPrice = newTarget
	next.TrailCount = r.TrailCount + 1
	next.NextTrigger = shift(r.NextTrigger, m.TriggerPct, r.PositionSide, pricePrecision)
	next.BigTrigger = shift(r.BigTrigger, m.BigTriggerPct, r.PositionSide, pricePrecision)
	next.UpdatedAt = time.Now().UTC()
	return &next
}

// Table holds the ladder records for one account, keyed by root.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewTable returns an empty ladder table.
func NewTable() *Table {
	return &Table{records: make(map[string]*Record)}
}

// Put inserts or replaces the record under its root.
func (t *Table) Put(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.Root] = r
}

// Delete removes the record for root if present.
func (t *Table) Delete(root string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, root)
}

// Replace atomically removes oldRoot and inserts next.
func (t *Table) Replace(oldRoot string, next *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, oldRoot)
	t.records[next.Root] = next
}

// Get returns the record for root.
func (t *Table) Get(root string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[root]
	return r, ok
}

// BySymbol returns the records for symbol.
func (t *Table) BySymbol(symbol string) []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Record
	for _, r := range t.records {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out
}

// CountBySide returns how many records exist for one symbol and side.
func (t *Table) CountBySide(symbol string, side common.PositionSide) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.records {
		if r.Symbol == symbol && r.PositionSide == side {
			n++
		}
	}
	return n
}

// All returns a snapshot of every record.
func (t *Table) All() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

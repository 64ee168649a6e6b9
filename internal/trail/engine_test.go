package trail

import (
	"context"
	"errors"
	"strings"
	"testing"

	"futures-core/pkg/exchanges/binance/futures"
	"futures-core/pkg/exchanges/common"
)

type fakeExchange struct {
	precision  int
	statuses   map[string]string // clientID -> status, default NEW
	submitted  []common.OrderRequest
	cancelled  []string
	failSubmit map[common.OrderType]error
}

func newFakeExchange(precision int) *fakeExchange {
	return &fakeExchange{
		precision:  precision,
		statuses:   make(map[string]string),
		failSubmit: make(map[common.OrderType]error),
	}
}

func (f *fakeExchange) GetOrderByClientID(_ context.Context, _, clientID string) (*futures.Order, error) {
	status, ok := f.statuses[clientID]
	if !ok {
		status = "NEW"
	}
	if status == "GONE" {
		return nil, &futures.APIError{Code: futures.CodeOrderNotExist, Message: "Order does not exist."}
	}
	return &futures.Order{ClientOrderID: clientID, Status: status}, nil
}

func (f *fakeExchange) SubmitOrder(_ context.Context, req common.OrderRequest) (*futures.Order, error) {
	if err := f.failSubmit[req.Type]; err != nil {
		return nil, err
	}
	f.submitted = append(f.submitted, req)
	return &futures.Order{ClientOrderID: req.ClientID, Status: "NEW"}, nil
}

func (f *fakeExchange) CancelOrderByClientID(_ context.Context, _, clientID string) error {
	f.cancelled = append(f.cancelled, clientID)
	return nil
}

func (f *fakeExchange) SymbolFilters(symbol string) (futures.SymbolFilters, error) {
	return futures.SymbolFilters{Symbol: symbol, Status: "TRADING", PricePrecision: f.precision}, nil
}

func seedRecord(side common.PositionSide, entry, stop, target float64, prec int) *Record {
	return NewRecord("BTCUSDT", side, "root000001", "fcx-sl-root000001", "fcx-tp-root000001",
		2, entry, stop, target, ModeSwing, prec)
}

func TestAdvanceLong(t *testing.T) {
	exch := newFakeExchange(2)
	table := NewTable()
	engine := NewEngine(exch, table)

	rec := seedRecord(common.PositionLong, 100, 98, 104, 2)
	table.Put(rec)
	if rec.NextTrigger != 101.5 || rec.BigTrigger != 104 {
		t.Fatalf("seed triggers wrong: next=%v big=%v", rec.NextTrigger, rec.BigTrigger)
	}

	var advancedOld, advancedNew *Record
	engine.OnAdvance = func(old, next *Record) { advancedOld, advancedNew = old, next }

	// below the rung: nothing happens
	engine.OnMarkPrice(context.Background(), "BTCUSDT", 101.0)
	if len(exch.submitted) != 0 {
		t.Fatalf("tick below trigger must not submit orders")
	}

	engine.OnMarkPrice(context.Background(), "BTCUSDT", 101.6)
	if advancedNew == nil {
		t.Fatalf("normal rung should have advanced the ladder")
	}
	if advancedOld.Root != "root000001" {
		t.Fatalf("old record mismatch: %+v", advancedOld)
	}
	// swing normal step is 1%
	if advancedNew.StopPrice != 98.98 || advancedNew.TargetPrice != 105.04 {
		t.Fatalf("candidates wrong: stop=%v target=%v", advancedNew.StopPrice, advancedNew.TargetPrice)
	}
	if !(advancedNew.StopPrice > advancedOld.StopPrice && advancedNew.TargetPrice > advancedOld.TargetPrice) {
		t.Fatalf("long advance must raise both legs")
	}
	if advancedNew.TrailCount != 1 {
		t.Fatalf("trail count = %d, want 1", advancedNew.TrailCount)
	}
	if _, ok := table.Get("root000001"); ok {
		t.Fatalf("old root must be gone from the table")
	}
	if _, ok := table.Get(advancedNew.Root); !ok {
		t.Fatalf("new root missing from the table")
	}
	if len(exch.submitted) != 2 {
		t.Fatalf("want 2 replacement legs, got %d", len(exch.submitted))
	}
	for _, req := range exch.submitted {
		if req.Side != common.SideSell {
			t.Fatalf("long replacement legs must sell: %+v", req)
		}
		if req.WorkingType != "MARK_PRICE" || !req.PriceProtect {
			t.Fatalf("legs must be mark-price protected: %+v", req)
		}
	}
	if len(exch.cancelled) != 2 {
		t.Fatalf("old pair must be cancelled, got %v", exch.cancelled)
	}
}

func TestAdvanceShort(t *testing.T) {
	exch := newFakeExchange(2)
	table := NewTable()
	engine := NewEngine(exch, table)

	rec := seedRecord(common.PositionShort, 100, 102, 96, 2)
	table.Put(rec)
	if rec.NextTrigger != 98.5 || rec.BigTrigger != 96 {
		t.Fatalf("seed triggers wrong: next=%v big=%v", rec.NextTrigger, rec.BigTrigger)
	}

	var next *Record
	engine.OnAdvance = func(_, n *Record) { next = n }
	engine.OnMarkPrice(context.Background(), "BTCUSDT", 98.4)
	if next == nil {
		t.Fatalf("short rung should have advanced")
	}
	if !(next.StopPrice < 102 && next.TargetPrice < 96) {
		t.Fatalf("short advance must lower both legs: stop=%v target=%v", next.StopPrice, next.TargetPrice)
	}
	for _, req := range exch.submitted {
		if req.Side != common.SideBuy {
			t.Fatalf("short replacement legs must buy: %+v", req)
		}
	}
}

func TestBigMoveWins(t *testing.T) {
	exch := newFakeExchange(2)
	table := NewTable()
	engine := NewEngine(exch, table)

	rec := seedRecord(common.PositionLong, 100, 98, 104, 2)
	table.Put(rec)

	var next *Record
	engine.OnAdvance = func(_, n *Record) { next = n }
	// crosses both rungs; the big branch must take the 3% step
	engine.OnMarkPrice(context.Background(), "BTCUSDT", 104.5)
	if next == nil {
		t.Fatalf("big rung should have advanced")
	}
	if next.StopPrice != 100.94 || next.TargetPrice != 107.12 {
		t.Fatalf("big-step candidates wrong: stop=%v target=%v", next.StopPrice, next.TargetPrice)
	}
}

func TestBothLegsGoneDeletesRecord(t *testing.T) {
	exch := newFakeExchange(2)
	table := NewTable()
	engine := NewEngine(exch, table)

	rec := seedRecord(common.PositionLong, 100, 98, 104, 2)
	table.Put(rec)
	exch.statuses[rec.SLClientID] = "GONE"
	exch.statuses[rec.TPClientID] = "FILLED"

	var deleted *Record
	engine.OnDelete = func(r *Record) { deleted = r }
	engine.OnMarkPrice(context.Background(), "BTCUSDT", 102)
	if table.Len() != 0 {
		t.Fatalf("record with both legs dead must be deleted")
	}
	if deleted == nil || deleted.Root != rec.Root {
		t.Fatalf("OnDelete not fired for %s", rec.Root)
	}
	if len(exch.submitted) != 0 {
		t.Fatalf("no replacements may be submitted for a dead record")
	}
}

func TestLegFailureLeavesRecordUntouched(t *testing.T) {
	exch := newFakeExchange(2)
	table := NewTable()
	engine := NewEngine(exch, table)

	rec := seedRecord(common.PositionLong, 100, 98, 104, 2)
	table.Put(rec)
	before := *rec
	exch.failSubmit[common.OrderTypeTakeProfitMarket] = errors.New("rejected")

	engine.OnMarkPrice(context.Background(), "BTCUSDT", 102)

	got, ok := table.Get(rec.Root)
	if !ok {
		t.Fatalf("record must survive a failed advance")
	}
	if *got != before {
		t.Fatalf("record mutated on failed advance:\nbefore %+v\nafter  %+v", before, *got)
	}
	// the stop that did go out must be rolled back
	rolledBack := false
	for _, id := range exch.cancelled {
		if strings.HasPrefix(id, "fcx-sl-") && id != rec.SLClientID {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Fatalf("orphaned replacement stop not cancelled: %v", exch.cancelled)
	}
}

func TestNotBetterRecomputesTriggers(t *testing.T) {
	// precision 0 collapses a 1% step on a small price to no movement
	exch := newFakeExchange(0)
	table := NewTable()
	engine := NewEngine(exch, table)

	rec := seedRecord(common.PositionLong, 40, 39, 44, 0)
	table.Put(rec)
	oldNext, oldBig := rec.NextTrigger, rec.BigTrigger

	engine.OnMarkPrice(context.Background(), "BTCUSDT", oldNext)
	if len(exch.submitted) != 0 {
		t.Fatalf("non-improving candidates must not submit orders")
	}
	got, _ := table.Get(rec.Root)
	if got.StopPrice != 39 || got.TargetPrice != 44 {
		t.Fatalf("protective prices must be unchanged: %+v", got)
	}
	if got.NextTrigger == oldNext || got.BigTrigger == oldBig {
		t.Fatalf("triggers must be recomputed in place: next %v->%v big %v->%v", oldNext, got.NextTrigger, oldBig, got.BigTrigger)
	}
}

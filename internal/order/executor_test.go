package order

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"futures-core/internal/ident"
	"futures-core/internal/risk"
	"futures-core/internal/trail"
	"futures-core/pkg/exchanges/binance/futures"
	"futures-core/pkg/exchanges/common"
)

type fakeExchange struct {
	mark       float64
	balance    float64
	filters    futures.SymbolFilters
	submitted  []common.OrderRequest
	cancelled  []string
	failSubmit map[common.OrderType]error
	entryState string // status reported for the entry order
	margins    []float64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		mark:    100,
		balance: 1000,
		filters: futures.SymbolFilters{
			Symbol: "BTCUSDT", Status: "TRADING",
			PricePrecision: 2, QuantityPrecision: 3, MinNotional: 5,
		},
		failSubmit: make(map[common.OrderType]error),
		entryState: "FILLED",
	}
}

func (f *fakeExchange) GetMarkPrice(context.Context, string) (float64, error) { return f.mark, nil }
func (f *fakeExchange) GetAvailableBalance(context.Context) (float64, error)  { return f.balance, nil }

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

func (f *fakeExchange) GetOrderByClientID(_ context.Context, _, clientID string) (*futures.Order, error) {
	return &futures.Order{
		ClientOrderID: clientID,
		Status:        f.entryState,
		ExecutedQty:   "2",
		AvgPrice:      "100.01",
	}, nil
}

func (f *fakeExchange) SetLeverage(context.Context, string, int) error      { return nil }
func (f *fakeExchange) SetMarginType(context.Context, string, string) error { return nil }
func (f *fakeExchange) SetPositionMode(context.Context, bool) error         { return nil }

func (f *fakeExchange) AddPositionMargin(_ context.Context, _ string, _ common.PositionSide, amount float64) error {
	f.margins = append(f.margins, amount)
	return nil
}

func (f *fakeExchange) SymbolFilters(string) (futures.SymbolFilters, error) { return f.filters, nil }

func newTestExecutor(exch Exchange) *Executor {
	policy := AccountPolicy{
		RiskPercent: 0.4,
		Leverage:    10,
		MarginType:  "ISOLATED",
		HedgeMode:   true,
		TrailMode:   trail.ModeSwing,
		Live:        true,
	}
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	e := NewExecutor("acct-1", policy, exch, risk.NewRuntime(now), trail.NewTable())
	e.now = func() time.Time { return now }
	return e
}

func longRequest() Request {
	return Request{Symbol: "BTCUSDT", Side: common.PositionLong, StopLoss: 98, TakeProfit: 104}
}

func TestSizingDeterministic(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)

	s, err := e.Preflight(context.Background(), longRequest())
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	// (0.4/100 * 1000) / |100 - 98| = 2
	if s.Qty != 2 {
		t.Fatalf("qty = %v, want 2", s.Qty)
	}
	if s.MaxLoss != 4 || s.MaxProfit != 8 || s.RiskReward != 2 {
		t.Fatalf("economics wrong: %+v", s)
	}
	if len(exch.submitted) != 0 {
		t.Fatalf("preflight must not submit orders")
	}

	res, err := e.PlaceFullOrder(context.Background(), longRequest())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.Qty != 2 {
		t.Fatalf("full order qty = %v, preflight said 2", res.Qty)
	}
}

func TestPlaceFullOrderSuccess(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)

	res, err := e.PlaceFullOrder(context.Background(), longRequest())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(exch.submitted) != 3 {
		t.Fatalf("want entry + 2 legs, got %d submissions", len(exch.submitted))
	}
	entry, stop, target := exch.submitted[0], exch.submitted[1], exch.submitted[2]
	if entry.Type != common.OrderTypeMarket || entry.Side != common.SideBuy {
		t.Fatalf("bad entry: %+v", entry)
	}
	if stop.Type != common.OrderTypeStopMarket || stop.StopPrice != 98 || stop.Side != common.SideSell {
		t.Fatalf("bad stop leg: %+v", stop)
	}
	if target.Type != common.OrderTypeTakeProfitMarket || target.StopPrice != 104 {
		t.Fatalf("bad target leg: %+v", target)
	}
	for _, leg := range []common.OrderRequest{stop, target} {
		if leg.WorkingType != "MARK_PRICE" || !leg.PriceProtect || leg.TimeInForce != common.TIFGTC {
			t.Fatalf("leg not mark-price protected GTC: %+v", leg)
		}
		p, ok := ident.ParseClientID(leg.ClientID)
		if !ok || p.Root != res.Root {
			t.Fatalf("leg id %s does not share root %s", leg.ClientID, res.Root)
		}
	}

	if e.runtime.DailyEntries != 1 || e.runtime.SymbolSideCounts["BTCUSDT/LONG"] != 1 {
		t.Fatalf("counters not incremented: %+v", e.runtime)
	}
	rec, ok := e.ladder.Get(res.Root)
	if !ok {
		t.Fatalf("ladder record not seeded")
	}
	if rec.Qty != 2 || rec.StopPrice != 98 || rec.TargetPrice != 104 || rec.Mode != trail.ModeSwing {
		t.Fatalf("ladder record wrong: %+v", rec)
	}
	// triggers anchor on the average fill price (100.01), swing 1.5% / 4%
	if rec.NextTrigger != 101.51 || rec.BigTrigger != 104.01 {
		t.Fatalf("trigger anchor wrong: next=%v big=%v", rec.NextTrigger, rec.BigTrigger)
	}
}

func TestLegFailureClosesPosition(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)
	exch.failSubmit[common.OrderTypeStopMarket] = errors.New("rejected")

	_, err := e.PlaceFullOrder(context.Background(), longRequest())
	if err == nil {
		t.Fatalf("place must fail when the stop leg fails")
	}
	if !strings.Contains(err.Error(), "position closed") {
		t.Fatalf("error should report the rollback: %v", err)
	}

	// last submission must be the reduce market close for the filled qty
	last := exch.submitted[len(exch.submitted)-1]
	if last.Type != common.OrderTypeMarket || last.Side != common.SideSell || last.Qty != 2 {
		t.Fatalf("missing emergency close: %+v", last)
	}
	p, ok := ident.ParseClientID(last.ClientID)
	if !ok || p.Role != ident.RoleClose {
		t.Fatalf("emergency close must carry the close role: %s", last.ClientID)
	}
	if e.ladder.Len() != 0 {
		t.Fatalf("no ladder record may exist after a rollback")
	}
	if e.runtime.DailyEntries != 0 {
		t.Fatalf("failed entry must not consume the daily budget")
	}
}

func TestTargetLegFailureRollsBackStop(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)
	exch.failSubmit[common.OrderTypeTakeProfitMarket] = errors.New("rejected")

	_, err := e.PlaceFullOrder(context.Background(), longRequest())
	if err == nil {
		t.Fatalf("place must fail when the target leg fails")
	}
	foundStopCancel := false
	for _, id := range exch.cancelled {
		if strings.HasPrefix(id, "fcx-sl-") {
			foundStopCancel = true
		}
	}
	if !foundStopCancel {
		t.Fatalf("orphaned stop leg not cancelled: %v", exch.cancelled)
	}
}

func TestUnauthorizedAccount(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)
	e.policy.Live = false

	if _, err := e.PlaceFullOrder(context.Background(), longRequest()); err == nil {
		t.Fatalf("non-live account must fail closed")
	}
	if len(exch.submitted) != 0 {
		t.Fatalf("no exchange mutation for unauthorized account")
	}
}

func TestGeometryValidation(t *testing.T) {
	tests := []struct {
		name   string
		side   common.PositionSide
		stop   float64
		target float64
		ok     bool
	}{
		{"long valid", common.PositionLong, 98, 104, true},
		{"long stop above mark", common.PositionLong, 101, 104, false},
		{"long target below mark", common.PositionLong, 98, 99, false},
		{"long stop equals target", common.PositionLong, 98, 98, false},
		{"short valid", common.PositionShort, 102, 96, true},
		{"short stop below mark", common.PositionShort, 99, 96, false},
		{"short target above mark", common.PositionShort, 102, 101, false},
		{"zero stop", common.PositionLong, 0, 104, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateGeometry(tt.side, 100, tt.stop, tt.target)
			if (err == nil) != tt.ok {
				t.Fatalf("validateGeometry(%s, stop=%v, target=%v) err=%v, want ok=%v",
					tt.side, tt.stop, tt.target, err, tt.ok)
			}
		})
	}
}

func TestMinNotionalRejection(t *testing.T) {
	exch := newFakeExchange()
	exch.balance = 10 // 0.4% of 10 over a 2-point stop -> qty 0.02, notional 2
	e := newTestExecutor(exch)

	_, err := e.Preflight(context.Background(), longRequest())
	if err == nil || !strings.Contains(err.Error(), "notional") {
		t.Fatalf("want notional rejection, got %v", err)
	}
}

func TestGateDenialBlocksPipeline(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)
	e.runtime.DailyEntries = risk.MaxDailyEntries

	var rejectedReason string
	e.OnRejected = func(_ Request, reason string) { rejectedReason = reason }

	_, err := e.PlaceFullOrder(context.Background(), longRequest())
	if err == nil || !strings.Contains(err.Error(), "entry denied") {
		t.Fatalf("want gate denial, got %v", err)
	}
	if len(exch.submitted) != 0 {
		t.Fatalf("denied entry must not touch the exchange")
	}
	if rejectedReason == "" {
		t.Fatal("denial must be reported through OnRejected")
	}
}

func TestManualCloseCarriesOpeningRoot(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)

	rec := trail.NewRecord("BTCUSDT", common.PositionLong,
		"aaaa000000", "fcx-sl-aaaa000000", "fcx-tp-aaaa000000",
		2, 100, 98, 104, trail.ModeSwing, 2)
	// one advance rotates the root; the close id must still use the origin
	next := rec.Advanced("bbbb000000", "fcx-sl-bbbb000000", "fcx-tp-bbbb000000", 98.98, 105.04, 2)
	e.ladder.Put(next)

	if err := e.ClosePosition(context.Background(), "BTCUSDT", common.PositionLong); err == nil {
		t.Fatal("close must be denied inside the holding period")
	}

	next.UpdatedAt = e.now().Add(-risk.MinHoldingPeriod - time.Minute)
	if err := e.ClosePosition(context.Background(), "BTCUSDT", common.PositionLong); err != nil {
		t.Fatalf("close: %v", err)
	}

	closeReq := exch.submitted[0]
	if closeReq.Type != common.OrderTypeMarket || closeReq.Side != common.SideSell || closeReq.Qty != 2 {
		t.Fatalf("bad close order: %+v", closeReq)
	}
	p, ok := ident.ParseClientID(closeReq.ClientID)
	if !ok || p.Role != ident.RoleClose || p.Root != "aaaa000000" {
		t.Fatalf("close id %s must carry the opening root", closeReq.ClientID)
	}
	if len(exch.cancelled) != 2 {
		t.Fatalf("both legs must be cancelled, got %v", exch.cancelled)
	}
	if e.ladder.Len() != 0 {
		t.Fatal("ladder record must be dropped after close")
	}
}

func TestAddManualMargin(t *testing.T) {
	exch := newFakeExchange()
	e := newTestExecutor(exch)

	if err := e.AddManualMargin(context.Background(), "BTCUSDT", common.PositionLong, 0.5); err == nil {
		t.Fatalf("sub-minimum margin must be rejected")
	}
	if err := e.AddManualMargin(context.Background(), "BTCUSDT", common.PositionLong, 25); err != nil {
		t.Fatalf("add margin: %v", err)
	}
	if len(exch.margins) != 1 || exch.margins[0] != 25 {
		t.Fatalf("margin not forwarded: %v", exch.margins)
	}
}

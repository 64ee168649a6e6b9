// Package order implements the entry pipeline: gate check, sizing, and
// market entry with protective stop/target legs paired through the
// client-order-id contract in package ident.
package order

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"futures-core/internal/ident"
	"futures-core/internal/risk"
	"futures-core/internal/trail"
	"futures-core/pkg/exchanges/binance/futures"
	"futures-core/pkg/exchanges/common"
)

// Entry fill polling: a bounded retry loop, never a global stall.
const (
	fillPollAttempts = 30
	fillPollInterval = 700 * time.Millisecond
)

// MinMarginTopUp is the smallest isolated-margin correction worth sending.
const MinMarginTopUp = 1.0

// Exchange is the slice of the futures client the executor needs.
type Exchange interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetAvailableBalance(ctx context.Context) (float64, error)
	SubmitOrder(ctx context.Context, req common.OrderRequest) (*futures.Order, error)
	CancelOrderByClientID(ctx context.Context, symbol, clientID string) error
	GetOrderByClientID(ctx context.Context, symbol, clientID string) (*futures.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	SetPositionMode(ctx context.Context, hedge bool) error
	AddPositionMargin(ctx context.Context, symbol string, positionSide common.PositionSide, amount float64) error
	SymbolFilters(symbol string) (futures.SymbolFilters, error)
}

// AccountPolicy is the trading configuration the executor enforces on the
// exchange before every first entry on a symbol.
type AccountPolicy struct {
	RiskPercent float64
	Leverage    int
	MarginType  string
	HedgeMode   bool
	TrailMode   trail.Mode
	Live        bool
}

// Request describes one prospective entry.
type Request struct {
	Symbol      string
	Side        common.PositionSide
	StopLoss    float64
	TakeProfit  float64
	RiskPercent float64 // 0 means the account default
	Mode        trail.Mode
}

// Sizing is the preflight computation shared by both paths.
type Sizing struct {
	Qty        float64 `json:"qty"`
	EntryPrice float64 `json:"entryPrice"`
	Notional   float64 `json:"notional"`
	MaxLoss    float64 `json:"maxLoss"`
	MaxProfit  float64 `json:"maxProfit"`
	RiskReward float64 `json:"riskReward"`
}

// Result reports a successfully placed entry with both legs live.
type Result struct {
	Root        string  `json:"root"`
	EntryID     string  `json:"entryClientId"`
	StopID      string  `json:"stopClientId"`
	TargetID    string  `json:"targetClientId"`
	Qty         float64 `json:"qty"`
	EntryPrice  float64 `json:"entryPrice"`
	StopPrice   float64 `json:"stopPrice"`
	TargetPrice float64 `json:"targetPrice"`
}

// Executor runs the entry pipeline for one account. It is driven from the
// account's worker, so pipeline runs are serialized per account.
type Executor struct {
	accountID string
	policy    AccountPolicy
	exchange  Exchange
	runtime   *risk.Runtime
	ladder    *trail.Table

	hedgeSet   bool
	configured map[string]bool // symbols with leverage/margin applied

	// HasOpenPosition reports live exchange exposure for a pair; wired by
	// the account to its position cache. OnPlaced fires after a fully
	// protected entry. Both optional.
	HasOpenPosition func(symbol, positionSide string) bool
	OnPlaced        func(res Result, rec *trail.Record)
	OnRejected      func(req Request, reason string)

	now func() time.Time
}

// NewExecutor builds the pipeline for one account.
func NewExecutor(accountID string, policy AccountPolicy, exchange Exchange, runtime *risk.Runtime, ladder *trail.Table) *Executor {
	return &Executor{
		accountID:  accountID,
		policy:     policy,
		exchange:   exchange,
		runtime:    runtime,
		ladder:     ladder,
		configured: make(map[string]bool),
		now:        time.Now,
	}
}

// Runtime exposes the account's gating state.
func (e *Executor) Runtime() *risk.Runtime { return e.runtime }

// Ladder exposes the account's trailing table.
func (e *Executor) Ladder() *trail.Table { return e.ladder }

func (e *Executor) riskPercent(req Request) float64 {
	if req.RiskPercent > 0 {
		return req.RiskPercent
	}
	return e.policy.RiskPercent
}

func (e *Executor) mode(req Request) trail.Mode {
	if req.Mode != "" {
		return req.Mode
	}
	return e.policy.TrailMode
}

// Preflight computes sizing and projected economics without touching
// exchange state or counters.
func (e *Executor) Preflight(ctx context.Context, req Request) (*Sizing, error) {
	mark, balance, err := e.fetchMarket(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := validateGeometry(req.Side, mark, req.StopLoss, req.TakeProfit); err != nil {
		return nil, err
	}
	return e.size(req, mark, balance)
}

// reject reports a pre-trade denial to the optional observer.
func (e *Executor) reject(req Request, reason string) {
	if e.OnRejected != nil {
		e.OnRejected(req, reason)
	}
}

// PlaceFullOrder runs the full pipeline: authorization, gate, exchange
// config, sizing, entry, protective legs, ladder seeding. Any leg failure
// after the entry fills is rolled back with a market close so no position
// is ever left unprotected.
func (e *Executor) PlaceFullOrder(ctx context.Context, req Request) (*Result, error) {
	if !e.policy.Live {
		return nil, fmt.Errorf("account %s is not authorized for live entries", e.accountID)
	}

	openProtective := e.ladder.CountBySide(req.Symbol, req.Side) * 2
	decision := e.runtime.CanEnter(e.now(), req.Symbol, string(req.Side), openProtective, e.HasOpenPosition)
	if !decision.Allowed {
		e.reject(req, decision.Reason)
		return nil, fmt.Errorf("entry denied: %s", decision.Reason)
	}

	if err := e.ensureSymbolConfig(ctx, req.Symbol); err != nil {
		return nil, err
	}

	mark, balance, err := e.fetchMarket(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := validateGeometry(req.Side, mark, req.StopLoss, req.TakeProfit); err != nil {
		e.reject(req, err.Error())
		return nil, err
	}
	sizing, err := e.size(req, mark, balance)
	if err != nil {
		e.reject(req, err.Error())
		return nil, err
	}

	entryID, stopID, targetID, root := ident.LegIDs()
	entrySide := common.SideBuy
	if req.Side == common.PositionShort {
		entrySide = common.SideSell
	}

	entry, err := e.exchange.SubmitOrder(ctx, common.OrderRequest{
		Symbol:       req.Symbol,
		Side:         entrySide,
		PositionSide: req.Side,
		Type:         common.OrderTypeMarket,
		Qty:          sizing.Qty,
		ClientID:     entryID,
	})
	if err != nil {
		return nil, fmt.Errorf("entry order: %w", err)
	}

	filledQty, avgPrice, err := e.awaitFill(ctx, req.Symbol, entry.ClientOrderID)
	if err != nil {
		return nil, err
	}
	log.Printf("[order] %s: entry %s filled qty=%v avg=%v", e.accountID, entryID, filledQty, avgPrice)

	filters, err := e.exchange.SymbolFilters(req.Symbol)
	if err != nil {
		// position is open and unprotected: close it
		e.emergencyClose(ctx, req.Symbol, req.Side, filledQty)
		return nil, err
	}
	stopPrice := trail.RoundPrice(req.StopLoss, filters.PricePrecision)
	targetPrice := trail.RoundPrice(req.TakeProfit, filters.PricePrecision)

	if err := e.placeProtectiveLegs(ctx, req, filledQty, stopID, targetID, stopPrice, targetPrice); err != nil {
		e.emergencyClose(ctx, req.Symbol, req.Side, filledQty)
		return nil, fmt.Errorf("protective legs: %w (position closed)", err)
	}

	e.runtime.RecordEntry(e.now(), req.Symbol, string(req.Side))

	entryPrice := avgPrice
	if entryPrice <= 0 {
		entryPrice = mark
	}
	rec := trail.NewRecord(req.Symbol, req.Side, root, stopID, targetID,
		filledQty, entryPrice, stopPrice, targetPrice, e.mode(req), filters.PricePrecision)
	e.ladder.Put(rec)

	res := Result{
		Root:        root,
		EntryID:     entryID,
		StopID:      stopID,
		TargetID:    targetID,
		Qty:         filledQty,
		EntryPrice:  entryPrice,
		StopPrice:   stopPrice,
		TargetPrice: targetPrice,
	}
	log.Printf("[order] ✅ %s: %s %s qty=%v entry=%v stop=%v target=%v root=%s",
		e.accountID, req.Symbol, req.Side, filledQty, entryPrice, stopPrice, targetPrice, root)
	if e.OnPlaced != nil {
		e.OnPlaced(res, rec)
	}
	return &res, nil
}

// ensureSymbolConfig applies position mode once per account and margin
// type plus leverage once per symbol. A leverage mismatch on read-back is
// a hard failure inside SetLeverage.
func (e *Executor) ensureSymbolConfig(ctx context.Context, symbol string) error {
	if !e.hedgeSet {
		if err := e.exchange.SetPositionMode(ctx, e.policy.HedgeMode); err != nil {
			return fmt.Errorf("set position mode: %w", err)
		}
		e.hedgeSet = true
	}
	if e.configured[symbol] {
		return nil
	}
	if err := e.exchange.SetMarginType(ctx, symbol, e.policy.MarginType); err != nil {
		return fmt.Errorf("set margin type: %w", err)
	}
	if err := e.exchange.SetLeverage(ctx, symbol, e.policy.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	e.configured[symbol] = true
	return nil
}

func (e *Executor) fetchMarket(ctx context.Context, symbol string) (mark, balance float64, err error) {
	mark, err = e.exchange.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("mark price: %w", err)
	}
	balance, err = e.exchange.GetAvailableBalance(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("balance: %w", err)
	}
	if balance <= 0 {
		return 0, 0, fmt.Errorf("available balance is %v, nothing to risk", balance)
	}
	return mark, balance, nil
}

// validateGeometry rejects stop/target placements that would fill an
// adverse leg instantly or invert the trade.
func validateGeometry(side common.PositionSide, mark, stop, target float64) error {
	if stop <= 0 || target <= 0 {
		return fmt.Errorf("stop and target must be positive")
	}
	if stop == target {
		return fmt.Errorf("stop and target must differ")
	}
	switch side {
	case common.PositionLong:
		if stop >= mark {
			return fmt.Errorf("long stop %v must be below mark price %v", stop, mark)
		}
		if target <= mark {
			return fmt.Errorf("long target %v must be above mark price %v", target, mark)
		}
	case common.PositionShort:
		if stop <= mark {
			return fmt.Errorf("short stop %v must be above mark price %v", stop, mark)
		}
		if target >= mark {
			return fmt.Errorf("short target %v must be below mark price %v", target, mark)
		}
	default:
		return fmt.Errorf("unknown position side %q", side)
	}
	return nil
}

// size converts the risk percentage into a quantity and validates the
// exchange notional floor at every price the trade can touch.
func (e *Executor) size(req Request, mark, balance float64) (*Sizing, error) {
	filters, err := e.exchange.SymbolFilters(req.Symbol)
	if err != nil {
		return nil, err
	}
	if !filters.Tradable() {
		return nil, fmt.Errorf("%s is not tradable (status %s)", req.Symbol, filters.Status)
	}

	riskAmount := e.riskPercent(req) / 100 * balance
	perUnit := math.Abs(mark - req.StopLoss)
	if perUnit == 0 {
		return nil, fmt.Errorf("stop equals entry price")
	}
	qty := decimal.NewFromFloat(riskAmount / perUnit).
		Round(int32(filters.QuantityPrecision)).InexactFloat64()
	if qty <= 0 {
		return nil, fmt.Errorf("computed quantity rounds to zero")
	}
	for _, price := range []float64{mark, req.StopLoss, req.TakeProfit} {
		if qty*price < filters.MinNotional {
			return nil, fmt.Errorf("notional %.4f at price %v below exchange minimum %v",
				qty*price, price, filters.MinNotional)
		}
	}

	maxLoss := qty * math.Abs(mark-req.StopLoss)
	maxProfit := qty * math.Abs(req.TakeProfit-mark)
	rr := 0.0
	if maxLoss > 0 {
		rr = maxProfit / maxLoss
	}
	return &Sizing{
		Qty:        qty,
		EntryPrice: mark,
		Notional:   qty * mark,
		MaxLoss:    maxLoss,
		MaxProfit:  maxProfit,
		RiskReward: rr,
	}, nil
}

// awaitFill polls the entry until it fills or the attempt budget runs
// out. Transient lookup errors consume an attempt and continue.
func (e *Executor) awaitFill(ctx context.Context, symbol, clientID string) (qty, avgPrice float64, err error) {
	for attempt := 0; attempt < fillPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-time.After(fillPollInterval):
			}
		}
		o, err := e.exchange.GetOrderByClientID(ctx, symbol, clientID)
		if err != nil {
			log.Printf("[order] %s: poll %s: %v", e.accountID, clientID, err)
			continue
		}
		switch common.OrderStatus(o.Status) {
		case common.StatusFilled:
			return o.FilledQty(), o.Avg(), nil
		case common.StatusCanceled, common.StatusExpired, common.StatusRejected:
			return 0, 0, fmt.Errorf("entry %s ended %s", clientID, o.Status)
		}
	}
	// give the resting order no further chance to fill behind our back
	if cerr := e.exchange.CancelOrderByClientID(ctx, symbol, clientID); cerr != nil {
		log.Printf("[order] %s: cancel stale entry %s: %v", e.accountID, clientID, cerr)
	}
	return 0, 0, fmt.Errorf("entry %s not filled after %d attempts", clientID, fillPollAttempts)
}

func (e *Executor) placeProtectiveLegs(ctx context.Context, req Request, qty float64, stopID, targetID string, stopPrice, targetPrice float64) error {
	closeSide := common.SideSell
	if req.Side == common.PositionShort {
		closeSide = common.SideBuy
	}
	stopReq := common.OrderRequest{
		Symbol:       req.Symbol,
		Side:         closeSide,
		PositionSide: req.Side,
		Type:         common.OrderTypeStopMarket,
		Qty:          qty,
		StopPrice:    stopPrice,
		TimeInForce:  common.TIFGTC,
		ClientID:     stopID,
		WorkingType:  "MARK_PRICE",
		PriceProtect: true,
	}
	if _, err := e.exchange.SubmitOrder(ctx, stopReq); err != nil {
		return fmt.Errorf("stop leg: %w", err)
	}
	targetReq := stopReq
	targetReq.Type = common.OrderTypeTakeProfitMarket
	targetReq.StopPrice = targetPrice
	targetReq.ClientID = targetID
	if _, err := e.exchange.SubmitOrder(ctx, targetReq); err != nil {
		if cerr := e.exchange.CancelOrderByClientID(ctx, req.Symbol, stopID); cerr != nil {
			log.Printf("[order] %s: rollback stop %s: %v", e.accountID, stopID, cerr)
		}
		return fmt.Errorf("target leg: %w", err)
	}
	return nil
}

// emergencyClose market-closes a just-opened position that could not be
// protected. Failure here is logged for the next reconciliation pass.
func (e *Executor) emergencyClose(ctx context.Context, symbol string, side common.PositionSide, qty float64) {
	if qty <= 0 {
		return
	}
	closeSide := common.SideSell
	if side == common.PositionShort {
		closeSide = common.SideBuy
	}
	log.Printf("[order] ⚠️ %s: emergency close %v %s %s", e.accountID, qty, side, symbol)
	_, err := e.exchange.SubmitOrder(ctx, common.OrderRequest{
		Symbol:       symbol,
		Side:         closeSide,
		PositionSide: side,
		Type:         common.OrderTypeMarket,
		Qty:          qty,
		ClientID:     ident.ClientID(ident.RoleClose, ident.NewRoot()),
	})
	if err != nil {
		log.Printf("[order] %s: emergency close failed, left for cleanup: %v", e.accountID, err)
	}
}

package trail

import (
	"context"
	"fmt"
	"log"

	"futures-core/internal/ident"
	"futures-core/pkg/exchanges/binance/futures"
	"futures-core/pkg/exchanges/common"
)

// Exchange is the slice of the futures client the engine needs.
type Exchange interface {
	GetOrderByClientID(ctx context.Context, symbol, clientID string) (*futures.Order, error)
	SubmitOrder(ctx context.Context, req common.OrderRequest) (*futures.Order, error)
	CancelOrderByClientID(ctx context.Context, symbol, clientID string) error
	SymbolFilters(symbol string) (futures.SymbolFilters, error)
}

// Engine advances ladder records on mark-price ticks. It is driven from
// the owning account's worker, so one advance runs at a time per account.
type Engine struct {
	exchange Exchange
	table    *Table

	// OnAdvance fires after a successful replacement, with the old and
	// new records. OnDelete fires when a record is dropped because its
	// legs are gone. Both optional.
	OnAdvance func(old, next *Record)
	OnDelete  func(r *Record)
}

// NewEngine builds an engine over one account's ladder table.
func NewEngine(exchange Exchange, table *Table) *Engine {
	return &Engine{exchange: exchange, table: table}
}

// Table exposes the underlying ladder table.
func (e *Engine) Table() *Table { return e.table }

// OnMarkPrice processes one tick for symbol, checking every record. The
// big-move rung is checked first and wins when both fire.
func (e *Engine) OnMarkPrice(ctx context.Context, symbol string, price float64) {
	for _, rec := range e.table.BySymbol(symbol) {
		switch {
		case rec.BigTriggered(price):
			e.advance(ctx, rec, price, true)
		case rec.Triggered(price):
			e.advance(ctx, rec, price, false)
		}
	}
}

func (e *Engine) advance(ctx context.Context, rec *Record, price float64, big bool) {
	filters, err := e.exchange.SymbolFilters(rec.Symbol)
	if err != nil {
		log.Printf("[trail] %s: %v", rec.Symbol, err)
		return
	}
	prec := filters.PricePrecision

	slLive, tpLive := e.legsLive(ctx, rec)
	if !slLive && !tpLive {
		log.Printf("[trail] %s root %s: both legs gone, dropping record", rec.Symbol, rec.Root)
		e.table.Delete(rec.Root)
		if e.OnDelete != nil {
			e.OnDelete(rec)
		}
		return
	}

	candStop, candTarget := rec.Candidates(big, prec)
	if !rec.StrictlyBetter(candStop, candTarget) {
		rec.AdvanceTriggers(prec)
		return
	}

	next, err := e.replaceLegs(ctx, rec, candStop, candTarget, prec)
	if err != nil {
		log.Printf("[trail] %s root %s: advance failed, record kept: %v", rec.Symbol, rec.Root, err)
		return
	}

	// old legs are now redundant; cancellation is best effort
	for _, id := range []string{rec.SLClientID, rec.TPClientID} {
		if err := e.exchange.CancelOrderByClientID(ctx, rec.Symbol, id); err != nil {
			log.Printf("[trail] %s: cancel %s: %v", rec.Symbol, id, err)
		}
	}

	e.table.Replace(rec.Root, next)
	log.Printf("[trail] 📈 %s %s advanced #%d (big=%v): stop %v -> %v, target %v -> %v, tick %v",
		rec.Symbol, rec.PositionSide, next.TrailCount, big, rec.StopPrice, next.StopPrice, rec.TargetPrice, next.TargetPrice, price)
	if e.OnAdvance != nil {
		e.OnAdvance(rec, next)
	}
}

// legsLive checks exchange truth for both protective legs. Transient
// lookup errors count the leg as live so a network blip cannot delete a
// record that still protects a position.
func (e *Engine) legsLive(ctx context.Context, rec *Record) (slLive, tpLive bool) {
	sl, err := e.exchange.GetOrderByClientID(ctx, rec.Symbol, rec.SLClientID)
	if err != nil {
		slLive = !futures.IsAPIError(err, futures.CodeOrderNotExist)
	} else {
		slLive = common.OrderStatus(sl.Status).IsLive()
	}
	tp, err := e.exchange.GetOrderByClientID(ctx, rec.Symbol, rec.TPClientID)
	if err != nil {
		tpLive = !futures.IsAPIError(err, futures.CodeOrderNotExist)
	} else {
		tpLive = common.OrderStatus(tp.Status).IsLive()
	}
	return slLive, tpLive
}

// replaceLegs submits the new stop/target pair under a fresh root. On a
// second-leg failure the first replacement is rolled back so the old
// record remains the single source of truth.
func (e *Engine) replaceLegs(ctx context.Context, rec *Record, newStop, newTarget float64, prec int) (*Record, error) {
	newRoot := ident.NewRoot()
	slID := ident.ClientID(ident.RoleStop, newRoot)
	tpID := ident.ClientID(ident.RoleTarget, newRoot)

	closeSide := common.SideSell
	if rec.PositionSide == common.PositionShort {
		closeSide = common.SideBuy
	}

	slReq := common.OrderRequest{
		Symbol:       rec.Symbol,
		Side:         closeSide,
		PositionSide: rec.PositionSide,
		Type:         common.OrderTypeStopMarket,
		Qty:          rec.Qty,
		StopPrice:    newStop,
		TimeInForce:  common.TIFGTC,
		ClientID:     slID,
		WorkingType:  "MARK_PRICE",
		PriceProtect: true,
	}
	if _, err := e.exchange.SubmitOrder(ctx, slReq); err != nil {
		return nil, fmt.Errorf("replacement stop: %w", err)
	}

	tpReq := slReq
	tpReq.Type = common.OrderTypeTakeProfitMarket
	tpReq.StopPrice = newTarget
	tpReq.ClientID = tpID
	if _, err := e.exchange.SubmitOrder(ctx, tpReq); err != nil {
		if cerr := e.exchange.CancelOrderByClientID(ctx, rec.Symbol, slID); cerr != nil {
			log.Printf("[trail] %s: rollback cancel %s: %v", rec.Symbol, slID, cerr)
		}
		return nil, fmt.Errorf("replacement target: %w", err)
	}

	return rec.Advanced(newRoot, slID, tpID, newStop, newTarget, prec), nil
}

package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"futures-core/internal/ident"
	"futures-core/internal/risk"
	"futures-core/internal/trail"
	"futures-core/pkg/exchanges/common"
)

// Status is the bot-status snapshot pushed to the gateway.
type Status struct {
	AccountID     string         `json:"accountId"`
	DailyEntries  int            `json:"dailyEntries"`
	MaxDaily      int            `json:"maxDaily"`
	SymbolEntries map[string]int `json:"symbolEntries"`
	BurstActive   bool           `json:"burstActive"`
	BurstLeft     int            `json:"burstLeft"`
	BurstUses     int            `json:"burstUses"`
	Resting       bool           `json:"resting"`
	RestingUntil  *time.Time     `json:"restingUntil,omitempty"`
	NextEntrySecs int            `json:"nextEntrySecs"`
	ActiveHours   bool           `json:"activeHours"`
	LadderRecords int            `json:"ladderRecords"`
}

// Snapshot assembles the status view from the account's runtime state.
func (e *Executor) Snapshot() Status {
	now := e.now()
	s := Status{
		AccountID:     e.accountID,
		DailyEntries:  e.runtime.DailyEntries,
		MaxDaily:      risk.MaxDailyEntries,
		SymbolEntries: make(map[string]int, len(e.runtime.SymbolSideCounts)),
		BurstActive:   e.runtime.Burst.Active(),
		BurstLeft:     e.runtime.Burst.Remaining,
		BurstUses:     e.runtime.Burst.UsesToday,
		Resting:       e.runtime.Resting.Active(now),
		NextEntrySecs: int(e.runtime.NextEntryIn(now).Seconds()),
		ActiveHours:   risk.InActiveHours(now),
		LadderRecords: e.ladder.Len(),
	}
	for k, v := range e.runtime.SymbolSideCounts {
		s.SymbolEntries[k] = v
	}
	if s.Resting {
		until := e.runtime.Resting.Until
		s.RestingUntil = &until
	}
	return s
}

func (e *Executor) recordFor(symbol string, side common.PositionSide) (*trail.Record, error) {
	for _, rec := range e.ladder.BySymbol(symbol) {
		if rec.PositionSide == side {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no managed position for %s %s", symbol, side)
}

func (e *Executor) checkHolding(rec *trail.Record) error {
	held := e.now().Sub(rec.UpdatedAt)
	if held < risk.MinHoldingPeriod {
		return fmt.Errorf("minimum holding period not met, %s remaining",
			(risk.MinHoldingPeriod - held).Round(time.Second))
	}
	return nil
}

// ClosePosition market-closes a managed position and retires its ladder
// record. Rejected before the minimum holding period has elapsed.
func (e *Executor) ClosePosition(ctx context.Context, symbol string, side common.PositionSide) error {
	rec, err := e.recordFor(symbol, side)
	if err != nil {
		return err
	}
	if err := e.checkHolding(rec); err != nil {
		return err
	}

	closeSide := common.SideSell
	if side == common.PositionShort {
		closeSide = common.SideBuy
	}
	if _, err := e.exchange.SubmitOrder(ctx, common.OrderRequest{
		Symbol:       symbol,
		Side:         closeSide,
		PositionSide: side,
		Type:         common.OrderTypeMarket,
		Qty:          rec.Qty,
		ClientID:     ident.ClientID(ident.RoleClose, rec.OriginRoot),
	}); err != nil {
		return fmt.Errorf("close %s %s: %w", symbol, side, err)
	}
	for _, id := range []string{rec.SLClientID, rec.TPClientID} {
		if err := e.exchange.CancelOrderByClientID(ctx, symbol, id); err != nil {
			log.Printf("[order] %s: cancel %s after close: %v", e.accountID, id, err)
		}
	}
	e.ladder.Delete(rec.Root)
	log.Printf("[order] %s: closed %s %s qty=%v root=%s", e.accountID, symbol, side, rec.Qty, rec.Root)
	return nil
}

// ModifyProtection replaces the stop and/or target of a managed position.
// Zero keeps the current price. The new stop may never widen the risk and
// both prices must stay on the correct side of the current mark price.
func (e *Executor) ModifyProtection(ctx context.Context, symbol string, side common.PositionSide, newStop, newTarget float64) error {
	rec, err := e.recordFor(symbol, side)
	if err != nil {
		return err
	}
	if err := e.checkHolding(rec); err != nil {
		return err
	}
	if newStop == 0 {
		newStop = rec.StopPrice
	}
	if newTarget == 0 {
		newTarget = rec.TargetPrice
	}
	if newStop == rec.StopPrice && newTarget == rec.TargetPrice {
		return fmt.Errorf("nothing to modify")
	}

	mark, err := e.exchange.GetMarkPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}
	if err := validateGeometry(side, mark, newStop, newTarget); err != nil {
		return err
	}
	if side == common.PositionLong && newStop < rec.StopPrice {
		return fmt.Errorf("new stop %v increases risk (current %v)", newStop, rec.StopPrice)
	}
	if side == common.PositionShort && newStop > rec.StopPrice {
		return fmt.Errorf("new stop %v increases risk (current %v)", newStop, rec.StopPrice)
	}

	filters, err := e.exchange.SymbolFilters(symbol)
	if err != nil {
		return err
	}
	newStop = trail.RoundPrice(newStop, filters.PricePrecision)
	newTarget = trail.RoundPrice(newTarget, filters.PricePrecision)

	// the stop/target pair shares a root, so both legs move together
	newRoot := ident.NewRoot()
	slID := ident.ClientID(ident.RoleStop, newRoot)
	tpID := ident.ClientID(ident.RoleTarget, newRoot)
	req := Request{Symbol: symbol, Side: side}
	if err := e.placeProtectiveLegs(ctx, req, rec.Qty, slID, tpID, newStop, newTarget); err != nil {
		return fmt.Errorf("modify protection: %w", err)
	}
	for _, id := range []string{rec.SLClientID, rec.TPClientID} {
		if err := e.exchange.CancelOrderByClientID(ctx, symbol, id); err != nil {
			log.Printf("[order] %s: cancel %s after modify: %v", e.accountID, id, err)
		}
	}

	next := rec.Advanced(newRoot, slID, tpID, newStop, newTarget, filters.PricePrecision)
	next.TrailCount = rec.TrailCount // manual move, not a trail advance
	e.ladder.Replace(rec.Root, next)
	log.Printf("[order] %s: protection moved %s %s stop=%v target=%v root=%s",
		e.accountID, symbol, side, newStop, newTarget, newRoot)
	return nil
}

// AddManualMargin adds isolated margin to a managed position.
func (e *Executor) AddManualMargin(ctx context.Context, symbol string, side common.PositionSide, amount float64) error {
	if amount < MinMarginTopUp {
		return fmt.Errorf("margin amount %v below minimum %v", amount, MinMarginTopUp)
	}
	if err := e.exchange.AddPositionMargin(ctx, symbol, side, amount); err != nil {
		return fmt.Errorf("add margin: %w", err)
	}
	log.Printf("[order] %s: added %v margin to %s %s", e.accountID, amount, symbol, side)
	return nil
}

package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"futures-core/internal/events"
	"futures-core/internal/ident"
	"futures-core/internal/order"
	"futures-core/pkg/db"
	"futures-core/pkg/exchanges/common"
)

// processOrderUpdate routes one user-stream event. Runs on the worker.
//
// Fills that the entry pipeline did not initiate — foreign orders, bot
// stop/target fills, conditional-strategy fills — mean the exchange view
// has diverged from the ladder, so they retire the matching record and
// schedule a deduplicated cleanup pass. Conditional fills additionally
// get an isolated-margin correction sized from their realized economics.
func (a *Account) processOrderUpdate(ctx context.Context, u events.OrderUpdate) {
	a.bus.Publish(events.EventOrderUpdate, u)
	if u.ExecutionType != "TRADE" {
		return
	}

	parsed, isBot := ident.ParseClientID(u.ClientID)
	protectiveFill := isBot && (parsed.Role == ident.RoleStop || parsed.Role == ident.RoleTarget)
	disruptive := !isBot || protectiveFill || u.IsConditional()

	if protectiveFill && u.Status == "FILLED" {
		a.retireLadder(parsed, u)
	}

	if isBot && parsed.Role == ident.RoleClose && u.Status == "FILLED" {
		a.closeTradeRow(parsed, u)
	}

	if disruptive {
		a.scheduleCleanup(ctx, u)
	}

	if u.IsConditional() && u.Status == "FILLED" {
		a.marginCorrection(ctx, u)
	}

	// the fill may have opened or closed exposure; refresh off-worker
	go func() {
		if err := a.RefreshPositions(ctx); err != nil {
			log.Printf("[account] %s: %v", a.ID, err)
		}
	}()
}

// retireLadder deletes the record owning the filled protective leg and
// closes out its trade-history row.
func (a *Account) retireLadder(parsed ident.ParsedID, u events.OrderUpdate) {
	rec, ok := a.Ladder.Get(parsed.Root)
	if !ok {
		return
	}
	a.Ladder.Delete(parsed.Root)
	a.bus.Publish(events.EventLadderClosed, rec)

	reason := "stop_loss"
	if parsed.Role == ident.RoleTarget {
		reason = "take_profit"
	}
	err := a.store.CloseTrade(context.Background(), rec.OriginRoot, u.AvgPrice, u.RealizedPnL, u.Commission, reason)
	if err != nil {
		log.Printf("[account] %s: close trade %s: %v", a.ID, rec.OriginRoot, err)
	}
	log.Printf("[account] %s: %s %s closed by %s pnl=%v", a.ID, rec.Symbol, rec.PositionSide, reason, u.RealizedPnL)
}

// closeTradeRow completes the trade-history row after a manual close
// fill. Close orders carry the opening root, so the row can be resolved
// even though the ladder record was already dropped on the command path.
// Emergency and excess closes carry fresh roots with no row; their
// lookups miss and are ignored.
func (a *Account) closeTradeRow(parsed ident.ParsedID, u events.OrderUpdate) {
	err := a.store.CloseTrade(context.Background(), parsed.Root, u.AvgPrice, u.RealizedPnL, u.Commission, "manual_close")
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("[account] %s: close trade %s: %v", a.ID, parsed.Root, err)
		}
		return
	}
	log.Printf("[account] %s: %s closed manually pnl=%v", a.ID, u.Symbol, u.RealizedPnL)
}

// scheduleCleanup arms a delayed unwanted-position cleanup for the
// event's symbol, deduplicated through the close ledger.
func (a *Account) scheduleCleanup(ctx context.Context, u events.OrderUpdate) {
	key := fmt.Sprintf("%s/%s/%v/%d", u.Symbol, u.ClientID, u.OrigQty, u.OrderID)
	if !a.closeLedger.Insert(key) {
		return
	}
	symbol := u.Symbol
	time.AfterFunc(cleanupDelay, func() {
		a.Enqueue(func() {
			if err := a.Recon.CloseUnwantedPosition(ctx, symbol); err != nil {
				log.Printf("[account] %s: scheduled cleanup %s: %v", a.ID, symbol, err)
				a.metrics.IncrementRemediationFailures()
				// re-arm so the next trigger can retry
				a.closeLedger.Remove(key)
				return
			}
			a.metrics.IncrementCleanups()
			a.bus.Publish(events.EventCleanupRan, symbol)
		})
	})
}

// marginCorrection tops up isolated margin after a conditional fill,
// sized from the fill's realized loss and commission. Partial fills
// arrive as separate events, each carrying its own share. Deduplicated
// per exchange order id; amounts below the minimum are skipped.
func (a *Account) marginCorrection(ctx context.Context, u events.OrderUpdate) {
	amount := math.Abs(u.RealizedPnL) + u.Commission
	if amount < order.MinMarginTopUp {
		return
	}
	key := fmt.Sprintf("margin/%d", u.OrderID)
	if !a.marginLedger.Insert(key) {
		return
	}
	side := common.PositionLong
	if u.PositionSide == string(common.PositionShort) {
		side = common.PositionShort
	}
	if err := a.Client.AddPositionMargin(ctx, u.Symbol, side, amount); err != nil {
		log.Printf("[account] %s: margin correction %s %v: %v", a.ID, u.Symbol, amount, err)
		a.metrics.IncrementRemediationFailures()
		return
	}
	log.Printf("[account] %s: margin correction %v on %s %s", a.ID, amount, u.Symbol, side)
}

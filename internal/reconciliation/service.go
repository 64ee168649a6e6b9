// Package reconciliation rebuilds ladder state from exchange truth at
// startup and removes unprotected exposure when local and exchange views
// disagree.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/shopspring/decimal"

	"futures-core/internal/ident"
	"futures-core/internal/trail"
	"futures-core/pkg/exchanges/binance/futures"
	"futures-core/pkg/exchanges/common"
)

// QtyTolerance is the position-size slack below which a mismatch is
// treated as rounding noise rather than real exposure.
const QtyTolerance = 1e-4

// Exchange is the slice of the futures client reconciliation needs.
type Exchange interface {
	GetPositions(ctx context.Context, symbol string) ([]futures.PositionRisk, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]futures.Order, error)
	SubmitOrder(ctx context.Context, req common.OrderRequest) (*futures.Order, error)
	CancelOrderByClientID(ctx context.Context, symbol, clientID string) error
	SymbolFilters(symbol string) (futures.SymbolFilters, error)
}

// Service reconciles one account's ladder table against the exchange.
type Service struct {
	accountID string
	exchange  Exchange
	table     *trail.Table
}

// NewService builds a reconciliation service for one account.
func NewService(accountID string, exchange Exchange, table *trail.Table) *Service {
	return &Service{accountID: accountID, exchange: exchange, table: table}
}

// pair is a bot stop order matched with its target sibling.
type pair struct {
	root   string
	stop   futures.Order
	target futures.Order
	qty    float64
}

// matchPairs groups bot-tagged conditional orders for one position side by
// root and returns the roots where a stop and a target agree on quantity.
func matchPairs(orders []futures.Order, positionSide string) []pair {
	stops := make(map[string]futures.Order)
	targets := make(map[string]futures.Order)
	for _, o := range orders {
		if o.PositionSide != positionSide || !o.IsConditional() {
			continue
		}
		parsed, ok := ident.ParseClientID(o.ClientOrderID)
		if !ok {
			continue
		}
		switch parsed.Role {
		case ident.RoleStop:
			stops[parsed.Root] = o
		case ident.RoleTarget:
			targets[parsed.Root] = o
		}
	}
	var pairs []pair
	for root, stop := range stops {
		target, ok := targets[root]
		if !ok {
			continue
		}
		if math.Abs(stop.Qty()-target.Qty()) > QtyTolerance {
			continue
		}
		pairs = append(pairs, pair{root: root, stop: stop, target: target, qty: stop.Qty()})
	}
	return pairs
}

// RestoreOnStartup rebuilds ladder records for every open position that
// has a validly paired bot stop/target set, then runs a cleanup pass per
// symbol. Restored records use the conservative swing distances.
func (s *Service) RestoreOnStartup(ctx context.Context) error {
	positions, err := s.exchange.GetPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("restore %s: positions: %w", s.accountID, err)
	}
	openOrders, err := s.exchange.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("restore %s: open orders: %w", s.accountID, err)
	}

	bySymbol := make(map[string][]futures.Order)
	for _, o := range openOrders {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}

	symbols := make(map[string]bool)
	restored := 0
	for _, pos := range positions {
		if math.Abs(pos.Amt()) <= QtyTolerance {
			continue
		}
		symbols[pos.Symbol] = true
		filters, err := s.exchange.SymbolFilters(pos.Symbol)
		if err != nil {
			log.Printf("[reconcile] %s: %v", s.accountID, err)
			continue
		}
		side := common.PositionLong
		if pos.PositionSide == string(common.PositionShort) {
			side = common.PositionShort
		}
		for _, p := range matchPairs(bySymbol[pos.Symbol], pos.PositionSide) {
			rec := trail.RestoredRecord(pos.Symbol, side, p.root,
				p.stop.ClientOrderID, p.target.ClientOrderID,
				p.qty, p.stop.Stop(), p.target.Stop(), filters.PricePrecision)
			s.table.Put(rec)
			restored++
			log.Printf("[reconcile] %s: restored %s %s root=%s qty=%v stop=%v target=%v",
				s.accountID, pos.Symbol, side, p.root, p.qty, rec.StopPrice, rec.TargetPrice)
		}
	}
	log.Printf("[reconcile] %s: %d ladder record(s) restored", s.accountID, restored)

	for symbol := range symbols {
		if err := s.CloseUnwantedPosition(ctx, symbol); err != nil {
			log.Printf("[reconcile] %s: cleanup %s: %v", s.accountID, symbol, err)
		}
	}
	return nil
}

// CloseUnwantedPosition reconciles one symbol: cancels ghost orders and
// market-closes any position size not covered by a valid stop/target
// pair. Safe to call repeatedly; a clean symbol is a no-op.
func (s *Service) CloseUnwantedPosition(ctx context.Context, symbol string) error {
	positions, err := s.exchange.GetPositions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("cleanup %s: positions: %w", symbol, err)
	}
	openOrders, err := s.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("cleanup %s: open orders: %w", symbol, err)
	}

	for _, pos := range positions {
		posQty := math.Abs(pos.Amt())
		if posQty <= QtyTolerance {
			continue
		}
		pairs := matchPairs(openOrders, pos.PositionSide)

		pairedQty := 0.0
		paired := make(map[string]bool)
		for _, p := range pairs {
			pairedQty += p.qty
			paired[p.stop.ClientOrderID] = true
			paired[p.target.ClientOrderID] = true
		}

		// ghost orders: conditional orders on this side that are either
		// foreign or bot-tagged without a matching sibling
		for _, o := range openOrders {
			if o.PositionSide != pos.PositionSide || !o.IsConditional() || paired[o.ClientOrderID] {
				continue
			}
			log.Printf("[reconcile] %s: cancelling ghost order %s (%s)", s.accountID, o.ClientOrderID, symbol)
			if err := s.exchange.CancelOrderByClientID(ctx, symbol, o.ClientOrderID); err != nil {
				log.Printf("[reconcile] %s: cancel ghost %s: %v", s.accountID, o.ClientOrderID, err)
			}
		}

		excess := posQty - pairedQty
		if excess <= QtyTolerance {
			continue
		}
		if err := s.closeExcess(ctx, symbol, pos, excess); err != nil {
			return err
		}
	}
	return nil
}

// closeExcess submits a reduce-only market order for exactly the
// unprotected size.
func (s *Service) closeExcess(ctx context.Context, symbol string, pos futures.PositionRisk, excess float64) error {
	filters, err := s.exchange.SymbolFilters(symbol)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", symbol, err)
	}
	qty := decimal.NewFromFloat(excess).Round(int32(filters.QuantityPrecision)).InexactFloat64()
	if qty <= 0 {
		return nil
	}
	side := common.SideSell
	posSide := common.PositionLong
	if pos.PositionSide == string(common.PositionShort) {
		side = common.SideBuy
		posSide = common.PositionShort
	}
	req := common.OrderRequest{
		Symbol:       symbol,
		Side:         side,
		PositionSide: posSide,
		Type:         common.OrderTypeMarket,
		Qty:          qty,
		ClientID:     ident.ClientID(ident.RoleClose, ident.NewRoot()),
	}
	log.Printf("[reconcile] ⚠️ %s: closing %v %s excess on %s", s.accountID, qty, pos.PositionSide, symbol)
	if _, err := s.exchange.SubmitOrder(ctx, req); err != nil {
		return fmt.Errorf("cleanup %s: close excess: %w", symbol, err)
	}
	return nil
}

// Package account ties one trading account together: its exchange
// client, gating runtime, ladder table, idempotency ledgers, and the
// single worker goroutine that serializes all mutation.
package account

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"futures-core/internal/events"
	"futures-core/internal/monitor"
	"futures-core/internal/order"
	"futures-core/internal/pattern"
	"futures-core/internal/reconciliation"
	"futures-core/internal/risk"
	"futures-core/internal/trail"
	"futures-core/pkg/config"
	"futures-core/pkg/db"
	"futures-core/pkg/exchanges/binance/futures"
)

const (
	taskQueueSize = 256
	cleanupDelay  = 5 * time.Second
	ledgerSize    = 512
)

// Account owns all mutable state for one trading account. Ladder records,
// counters, and ledgers are touched only from the worker goroutine;
// Enqueue and Call are the only entry points for other goroutines.
type Account struct {
	ID  string
	cfg config.AccountConfig

	Client   *futures.Client
	Runtime  *risk.Runtime
	Ladder   *trail.Table
	Executor *order.Executor
	Trail    *trail.Engine
	Recon    *reconciliation.Service

	closeLedger  *Ledger
	marginLedger *Ledger

	bus     *events.Bus
	store   *db.Store
	metrics *monitor.SystemMetrics

	posMu     sync.RWMutex
	positions map[string]float64 // "SYMBOL/SIDE" -> abs qty

	tasks chan func()
}

// New wires one account. live marks the single account authorized to
// submit real entries.
func New(cfg config.AccountConfig, client *futures.Client, bus *events.Bus, store *db.Store, metrics *monitor.SystemMetrics, live bool) *Account {
	runtime := risk.NewRuntime(time.Now())
	ladder := trail.NewTable()

	a := &Account{
		ID:           cfg.ID,
		cfg:          cfg,
		Client:       client,
		Runtime:      runtime,
		Ladder:       ladder,
		closeLedger:  NewLedger(ledgerSize),
		marginLedger: NewLedger(ledgerSize),
		bus:          bus,
		store:        store,
		metrics:      metrics,
		positions:    make(map[string]float64),
		tasks:        make(chan func(), taskQueueSize),
	}

	policy := order.AccountPolicy{
		RiskPercent: cfg.RiskPercent,
		Leverage:    cfg.Leverage,
		MarginType:  cfg.MarginType,
		HedgeMode:   cfg.HedgeMode,
		TrailMode:   trail.Mode(cfg.TrailMode),
		Live:        live,
	}
	a.Executor = order.NewExecutor(cfg.ID, policy, client, runtime, ladder)
	a.Executor.HasOpenPosition = a.hasOpenPosition
	a.Executor.OnPlaced = a.onEntryPlaced
	a.Executor.OnRejected = a.onEntryRejected

	a.Trail = trail.NewEngine(client, ladder)
	a.Trail.OnAdvance = a.onTrailAdvance
	a.Trail.OnDelete = a.onLadderDelete

	a.Recon = reconciliation.NewService(cfg.ID, client, ladder)
	return a
}

// Start launches the worker and the account's user data stream. The
// worker drains remaining tasks when ctx ends.
func (a *Account) Start(ctx context.Context) {
	go a.worker(ctx)

	stream := order.NewUserStream(a.ID, a.Client, func(u events.OrderUpdate) {
		a.Enqueue(func() { a.processOrderUpdate(ctx, u) })
	})
	go stream.Run(ctx)
}

func (a *Account) worker(ctx context.Context) {
	log.Printf("[account] %s: worker started", a.ID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[account] %s: worker stopped", a.ID)
			return
		case task := <-a.tasks:
			task()
		}
	}
}

// Enqueue hands a task to the worker without waiting. Full queues drop
// the task with a log line rather than blocking the caller.
func (a *Account) Enqueue(task func()) {
	select {
	case a.tasks <- task:
	default:
		log.Printf("[account] %s: task queue full, dropping task", a.ID)
		if a.metrics != nil {
			a.metrics.IncrementErrors()
		}
	}
}

// Call runs a task on the worker and waits for its result.
func Call[T any](a *Account, ctx context.Context, task func() (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	a.Enqueue(func() {
		v, err := task()
		done <- outcome{v, err}
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case out := <-done:
		return out.val, out.err
	}
}

// HandleMarkPrice feeds one tick into the worker.
func (a *Account) HandleMarkPrice(ctx context.Context, tick futures.MarkTick) {
	a.Enqueue(func() {
		timer := monitor.NewTimer(a.metrics.TickLatency)
		a.Trail.OnMarkPrice(ctx, tick.Symbol, tick.Price)
		timer.Stop()
		a.metrics.IncrementTicks()
	})
}

// PushStatus snapshots the runtime on the worker and publishes it.
func (a *Account) PushStatus() {
	a.Enqueue(func() {
		if a.bus != nil {
			a.bus.Publish(events.EventStatusSnapshot, a.Executor.Snapshot())
		}
	})
}

// RefreshPositions replaces the position cache from exchange truth.
func (a *Account) RefreshPositions(ctx context.Context) error {
	rows, err := a.Client.GetPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("refresh positions %s: %w", a.ID, err)
	}
	fresh := make(map[string]float64)
	for _, p := range rows {
		if qty := math.Abs(p.Amt()); qty > reconciliation.QtyTolerance {
			fresh[p.Symbol+"/"+p.PositionSide] = qty
		}
	}
	a.posMu.Lock()
	a.positions = fresh
	a.posMu.Unlock()
	return nil
}

func (a *Account) hasOpenPosition(symbol, positionSide string) bool {
	a.posMu.RLock()
	defer a.posMu.RUnlock()
	return a.positions[symbol+"/"+positionSide] > 0
}

// Positions returns a copy of the cached exposure map.
func (a *Account) Positions() map[string]float64 {
	a.posMu.RLock()
	defer a.posMu.RUnlock()
	out := make(map[string]float64, len(a.positions))
	for k, v := range a.positions {
		out[k] = v
	}
	return out
}

func (a *Account) onEntryPlaced(res order.Result, rec *trail.Record) {
	a.metrics.IncrementEntries()
	a.bus.Publish(events.EventEntryPlaced, res)

	// candlestick context is informational; a fetch failure costs only
	// the tag
	tag := pattern.None
	kctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if klines, err := a.Client.GetKlines(kctx, rec.Symbol, "15m", 3); err == nil {
		tag = pattern.Detect(klines)
	} else {
		log.Printf("[account] %s: pattern klines: %v", a.ID, err)
	}
	cancel()

	timer := monitor.NewTimer(a.metrics.DBLatency)
	err := a.store.InsertTrade(context.Background(), db.Trade{
		ID:            res.Root,
		AccountID:     a.ID,
		Symbol:        rec.Symbol,
		PositionSide:  string(rec.PositionSide),
		RootID:        res.Root,
		EntryClientID: res.EntryID,
		EntryPrice:    res.EntryPrice,
		Qty:           res.Qty,
		StopPrice:     res.StopPrice,
		TargetPrice:   res.TargetPrice,
		Pattern:       string(tag),
		OpenedAt:      time.Now().UTC(),
	})
	timer.Stop()
	if err != nil {
		log.Printf("[account] %s: record trade: %v", a.ID, err)
	}
}

func (a *Account) onEntryRejected(req order.Request, reason string) {
	a.metrics.IncrementRejections()
	a.bus.Publish(events.EventEntryRejected, events.EntryRejected{
		AccountID: a.ID,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Reason:    reason,
	})
}

func (a *Account) onTrailAdvance(old, next *trail.Record) {
	a.metrics.IncrementTrailAdvances()
	a.bus.Publish(events.EventTrailAdvanced, next)
	// history rows stay keyed by the opening root
	if err := a.store.UpdateTradeProtection(context.Background(), next.OriginRoot, next.StopPrice, next.TargetPrice); err != nil {
		log.Printf("[account] %s: persist trail advance (origin %s): %v", a.ID, next.OriginRoot, err)
	}
	if err := a.store.LogEvent(context.Background(), a.ID, next.Symbol, "trail_advanced",
		fmt.Sprintf("stop=%v target=%v count=%d", next.StopPrice, next.TargetPrice, next.TrailCount)); err != nil {
		log.Printf("[account] %s: audit trail advance: %v", a.ID, err)
	}
}

func (a *Account) onLadderDelete(rec *trail.Record) {
	a.bus.Publish(events.EventLadderClosed, rec)
}

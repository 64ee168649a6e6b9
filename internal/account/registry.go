package account

import (
	"context"
	"fmt"
	"log"
	"time"

	"futures-core/internal/events"
	"futures-core/internal/monitor"
	"futures-core/pkg/config"
	"futures-core/pkg/db"
	"futures-core/pkg/exchanges/binance/futures"
)

// Registry owns every configured account. Accounts never coordinate with
// each other; the registry only routes requests and broadcast ticks.
type Registry struct {
	accounts map[string]*Account
	ordered  []*Account
	liveID   string
}

// NewRegistry builds one Account per configuration entry. Exactly the
// account matching liveID is authorized for live entries.
func NewRegistry(cfgs []config.AccountConfig, testnet bool, liveID string, bus *events.Bus, store *db.Store, metrics *monitor.SystemMetrics) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	r := &Registry{accounts: make(map[string]*Account, len(cfgs)), liveID: liveID}
	for _, cfg := range cfgs {
		client := futures.NewClient(futures.Config{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Testnet:   testnet,
		})
		acct := New(cfg, client, bus, store, metrics, cfg.ID == liveID)
		r.accounts[cfg.ID] = acct
		r.ordered = append(r.ordered, acct)
	}
	if liveID != "" {
		if _, ok := r.accounts[liveID]; !ok {
			return nil, fmt.Errorf("live account %q is not configured", liveID)
		}
	}
	return r, nil
}

// Get returns the account for id.
func (r *Registry) Get(id string) (*Account, error) {
	acct, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", id)
	}
	return acct, nil
}

// Live returns the single account authorized for live entries, or nil
// when none is designated.
func (r *Registry) Live() *Account {
	if r.liveID == "" {
		return nil
	}
	return r.accounts[r.liveID]
}

// All returns the accounts in configuration order.
func (r *Registry) All() []*Account {
	return r.ordered
}

// Start boots every account: clock sync, exchange trading rules, position
// cache, startup reconciliation, worker and user stream.
func (r *Registry) Start(ctx context.Context, symbols []string) error {
	for _, acct := range r.ordered {
		acct.Client.StartTimeSync(ctx)
		if err := acct.Client.LoadExchangeInfo(ctx, symbols); err != nil {
			return fmt.Errorf("account %s: %w", acct.ID, err)
		}
		if err := acct.RefreshPositions(ctx); err != nil {
			log.Printf("[registry] %s: initial position load: %v", acct.ID, err)
		}
		if err := acct.Recon.RestoreOnStartup(ctx); err != nil {
			log.Printf("[registry] %s: startup reconciliation: %v", acct.ID, err)
		}
		acct.Start(ctx)
	}
	return nil
}

// BroadcastMarkPrice fans one tick out to every account worker.
func (r *Registry) BroadcastMarkPrice(ctx context.Context, tick futures.MarkTick) {
	for _, acct := range r.ordered {
		acct.HandleMarkPrice(ctx, tick)
	}
}

// StartStatusPush publishes a status snapshot per account on a fixed
// interval until ctx ends.
func (r *Registry) StartStatusPush(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, acct := range r.ordered {
					acct.PushStatus()
				}
			}
		}
	}()
}

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"futures-core/internal/account"
	"futures-core/internal/api"
	"futures-core/internal/events"
	"futures-core/internal/monitor"
	"futures-core/pkg/cache"
	"futures-core/pkg/config"
	"futures-core/pkg/db"
	"futures-core/pkg/exchanges/binance/futures"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config load failed: %v", err)
	}
	log.Printf("🚀 futures-core %s starting on port %s (testnet=%v)", buildVersion, cfg.Port, cfg.BinanceTestnet)
	log.Printf("📊 watchlist: %v", cfg.Symbols)

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		log.Fatalf("❌ accounts load failed: %v", err)
	}
	if cfg.LiveAccountID == "" {
		log.Println("⚠️ LIVE_ACCOUNT_ID not set, all accounts run in observe mode")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ database init failed: %v", err)
	}
	defer database.Close()
	if err := db.Migrate(database.DB); err != nil {
		log.Fatalf("❌ database migrations failed: %v", err)
	}
	store := db.NewStore(database.DB)
	log.Printf("💾 database ready at %s", cfg.DBPath)

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	registry, err := account.NewRegistry(accounts, cfg.BinanceTestnet, cfg.LiveAccountID, bus, store, metrics)
	if err != nil {
		log.Fatalf("❌ account setup failed: %v", err)
	}
	log.Printf("👥 %d account(s) configured", len(registry.All()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.Start(ctx, cfg.Symbols); err != nil {
		log.Fatalf("❌ account startup failed: %v", err)
	}
	log.Println("✅ accounts synchronized and reconciled")

	// One shared mark stream feeds the price cache and every account worker.
	marks := cache.NewMarkCache()
	wsBase := registry.All()[0].Client.WSBaseURL()
	stream := futures.NewMarkStream(wsBase, cfg.Symbols, func(tick futures.MarkTick) {
		marks.Update(tick.Symbol, tick.Price, tick.Time)
		bus.Publish(events.EventMarkPrice, events.MarkPrice{
			Symbol: tick.Symbol,
			Price:  tick.Price,
			Time:   tick.Time.UnixMilli(),
		})
		registry.BroadcastMarkPrice(ctx, tick)
	})
	go stream.Run(ctx)
	log.Println("📡 mark price stream started")

	registry.StartStatusPush(ctx, time.Duration(cfg.StatusPushSeconds)*time.Second)

	server := api.NewServer(
		registry,
		bus,
		store,
		metrics,
		marks,
		api.SystemMeta{
			Testnet: cfg.BinanceTestnet,
			Symbols: cfg.Symbols,
			Version: buildVersion,
		},
		cfg.JWTSecret,
		cfg.OperatorPassword,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ API server error: %v", err)
		}
	}()
	log.Printf("🌐 API listening on :%s", cfg.Port)

	<-ctx.Done()
	log.Println("🛑 shutting down")
	// Give the workers a moment to drain queued tasks.
	time.Sleep(500 * time.Millisecond)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"omnex-core/internal/api"
	"omnex-core/internal/compliance"
	"omnex-core/internal/events"
	"omnex-core/internal/ledger"
	"omnex-core/internal/monitor"
	"omnex-core/internal/persistence"
	"omnex-core/internal/reconciliation"
	"omnex-core/internal/registry"
	"omnex-core/internal/router"
	"omnex-core/pkg/config"
	"omnex-core/pkg/db"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting omnex-core %s on port %s", buildVersion, cfg.Port)
	log.Printf("using database at %s", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations failed: %v", err)
	}

	queue := persistence.NewQueue(cfg.QueueCapacity)
	queue.Start(ctx)

	// Ledger seeded from the durable store
	fundLedger := ledger.New(database, queue)
	if err := fundLedger.Load(ctx); err != nil {
		log.Fatalf("ledger load failed: %v", err)
	}

	// Exchange registry + health probes
	exchangeConfigs, err := registry.LoadConfigs(cfg.ExchangesPath)
	if err != nil {
		log.Fatalf("exchange config load failed: %v", err)
	}
	exchangeRegistry, err := registry.New(exchangeConfigs, registry.DefaultFactory, bus)
	if err != nil {
		log.Fatalf("registry init failed: %v", err)
	}
	exchangeRegistry.Start(ctx)

	var generator *compliance.Generator
	if cfg.EnableCompliance {
		generator = compliance.NewGenerator(cfg.PlatformName, database, queue)
	}

	orderRouter := router.New(fundLedger, exchangeRegistry, database, queue, bus, generator)
	if err := orderRouter.Load(ctx); err != nil {
		log.Fatalf("router load failed: %v", err)
	}

	if cfg.EnableReconciliation {
		recon := reconciliation.NewService(exchangeRegistry, fundLedger, orderRouter,
			database, queue, bus, cfg.TrackedAssets)
		recon.SetIntervals(cfg.SnapshotInterval, cfg.OrderPollInterval)
		recon.Start(ctx)
	}

	metrics := monitor.NewSystemMetrics(queue)
	alertMonitor := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}
	alertMonitor.Start(ctx)

	var exchangeIDs []string
	for _, c := range exchangeRegistry.EnabledConfigs() {
		exchangeIDs = append(exchangeIDs, c.ID)
	}

	server := api.NewServer(bus, database, fundLedger, orderRouter, exchangeRegistry, metrics,
		api.SystemMeta{
			PlatformName: cfg.PlatformName,
			Exchanges:    exchangeIDs,
			Version:      buildVersion,
		},
		cfg.JWTSecret,
		api.Options{
			RateLimitRPS:   cfg.RateLimitRPS,
			RequestTimeout: cfg.RequestTimeout,
		},
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	cancel()
	queue.Wait()
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/account"
	"order-core/internal/api"
	"order-core/internal/balance"
	"order-core/internal/compliance"
	"order-core/internal/engine"
	"order-core/internal/events"
	"order-core/internal/market"
	"order-core/internal/monitor"
	"order-core/internal/order"
	"order-core/internal/persistence"
	"order-core/internal/position"
	"order-core/internal/risk"
	"order-core/internal/rpc"
	"order-core/internal/supervisor"
	"order-core/pkg/cache"
	"order-core/pkg/config"
	"order-core/pkg/db"
	"order-core/pkg/logger"
	"order-core/pkg/node"
	"order-core/pkg/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	nodeID := node.ID()
	lg.Info("starting order engine",
		zap.String("version", version),
		zap.String("node", nodeID),
		zap.String("port", cfg.Port),
		zap.String("db", cfg.DBPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	alerts := monitor.LogAlertSink{Logger: lg.Named("alerts")}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		lg.Fatal("open database", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		lg.Fatal("apply migrations", zap.Error(err))
	}

	// Compliance trail: SQLite first so the review queue never misses an
	// event, then the bus, Kafka and operator alerts.
	complianceStore := &compliance.Store{DB: database}
	emitter := compliance.NewEmitter(lg.Named("compliance"), nodeID,
		complianceStore,
		compliance.BusSink{Bus: bus},
		compliance.AlertSink{Alerts: alerts, MinSeverity: compliance.SeverityCritical},
	)
	var fillsPub *stream.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		auditPub, err := stream.NewPublisher(cfg.KafkaBrokers, cfg.KafkaComplianceTopic, lg)
		if err != nil {
			lg.Fatal("kafka compliance publisher", zap.Error(err))
		}
		defer auditPub.Close()
		emitter.AddSink(compliance.KafkaSink{Publisher: auditPub})

		fillsPub, err = stream.NewPublisher(cfg.KafkaBrokers, cfg.KafkaFillsTopic, lg)
		if err != nil {
			lg.Fatal("kafka fills publisher", zap.Error(err))
		}
		defer fillsPub.Close()
	}

	var orderCache *cache.OrderCache
	if cfg.RedisAddr != "" {
		orderCache, err = cache.NewOrderCache(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			lg.Warn("redis unavailable, order cache disabled", zap.Error(err))
			orderCache = nil
		} else {
			defer orderCache.Close()
		}
	}

	// Balance ledger, rebuilt from its journal.
	journal, err := balance.OpenFileJournal(cfg.LedgerJournalPath, lg.Named("journal"))
	if err != nil {
		lg.Fatal("open ledger journal", zap.Error(err))
	}
	defer journal.Close()
	ledger := balance.NewLedger(balance.Options{
		Journal:  journal,
		Reporter: emitter,
		Alerts:   alerts,
		Metrics:  metrics,
		Logger:   lg.Named("ledger"),
	})
	if err := ledger.Replay(ctx); err != nil {
		lg.Fatal("replay ledger", zap.Error(err))
	}
	if err := ledger.Compact(ctx); err != nil {
		lg.Warn("compact ledger journal", zap.Error(err))
	}

	limits := cfg.Limits
	accounts := account.NewDirectory(database, limits.DefaultTier, lg.Named("accounts"))
	if n, err := accounts.Seed(ctx, limits.Accounts, ledger); err != nil {
		lg.Fatal("seed accounts", zap.Error(err))
	} else if n > 0 {
		lg.Info("seeded accounts", zap.Int("count", n))
	}

	registry := market.RegistryFromConfig(limits)
	prices := cache.NewPriceCache()

	gate := risk.NewGate(risk.GateOptions{
		Config:   risk.ConfigFromLimits(limits),
		Accounts: accounts,
		Balances: ledger,
		Reporter: emitter,
		Metrics:  metrics,
		Logger:   lg.Named("risk"),
	})

	store, err := order.OpenPebbleStore(cfg.OrderStorePath)
	if err != nil {
		lg.Fatal("open order store", zap.Error(err))
	}
	defer store.Close()

	pool, err := ants.NewPool(cfg.WorkerPoolSize, ants.WithPreAlloc(false))
	if err != nil {
		lg.Fatal("create worker pool", zap.Error(err))
	}
	defer pool.Release()

	marketBuffer, err := decimal.NewFromString(cfg.MarketBuffer)
	if err != nil {
		lg.Fatal("invalid MARKET_BUFFER", zap.String("value", cfg.MarketBuffer), zap.Error(err))
	}

	book := order.NewBook(order.Options{
		Instruments:  registry,
		Fees:         market.FeeScheduleFromConfig(limits.Fees),
		Ledger:       ledger,
		Gate:         gate,
		Prices:       prices,
		Store:        store,
		Pool:         pool,
		MarketBuffer: marketBuffer,
		Reporter:     emitter,
		Metrics:      metrics,
		Logger:       lg.Named("book"),
	})

	positions := position.NewManager(database, lg.Named("positions"))
	if err := positions.Load(ctx); err != nil {
		lg.Fatal("load positions", zap.Error(err))
	}
	gate.SetExposure(positions)

	supervisors := supervisor.NewManager(supervisor.Options{
		Orders:      book,
		Store:       store,
		Prices:      prices,
		Instruments: registry,
		Reporter:    emitter,
		Metrics:     metrics,
		Logger:      lg.Named("supervisor"),
		OnChange: func(s supervisor.Snapshot) {
			bus.Publish(events.EventSupervisor, s)
		},
	})

	history := persistence.NewHistoryWriter(database, 200, 500*time.Millisecond, lg.Named("history"))
	defer history.Close()

	eng := engine.NewImpl(engine.Config{
		Book:          book,
		Supervisors:   supervisors,
		Positions:     positions,
		Ledger:        ledger,
		Prices:        prices,
		Compliance:    complianceStore,
		Bus:           bus,
		Fills:         fillsPub,
		OrderCache:    orderCache,
		Metrics:       metrics,
		Logger:        lg.Named("engine"),
		SweepInterval: cfg.ExpirySweepInterval,
		Meta: engine.SystemStatus{
			Node:        nodeID,
			Symbols:     registry.Symbols(),
			UseMockFeed: cfg.UseMockFeed,
			Version:     version,
		},
	})
	book.AddListener(history)

	// Supervisors are registered before the book replays so that child
	// orders cancelled during recovery reach their parents. Listeners must be
	// attached first for the same reason.
	if n, err := supervisors.Recover(); err != nil {
		lg.Fatal("recover supervisors", zap.Error(err))
	} else if n > 0 {
		lg.Info("recovered supervisors", zap.Int("active", n))
	}
	if _, err := book.Recover(ctx); err != nil {
		lg.Fatal("recover open orders", zap.Error(err))
	}
	supervisors.Resume()

	eng.Start(ctx)

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = registry.Symbols()
	}
	if cfg.UseMockFeed || cfg.FeedURL == "" {
		mock := &market.MockFeed{
			Bus:        bus,
			Symbols:    symbols,
			StartPrice: decimal.NewFromInt(50000),
			Step:       decimal.NewFromInt(25),
			Interval:   time.Second,
			Logger:     lg.Named("feed"),
		}
		mock.Start(ctx)
	} else {
		feed := &market.WSFeed{
			URL:      cfg.FeedURL,
			Bus:      bus,
			Symbols:  symbols,
			Logger:   lg.Named("feed"),
			MaxRetry: 30 * time.Second,
		}
		feed.Start(ctx)
	}
	feedMon := &monitor.FeedMonitor{
		Prices:  prices,
		Symbols: symbols,
		Alerts:  alerts,
		Metrics: metrics,
	}
	feedMon.Start(ctx)

	server := api.NewServer(api.Options{
		Engine:    eng,
		Accounts:  accounts,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: cfg.JWTSecret,
		Logger:    lg.Named("api"),
	})
	httpSrv := server.HTTPServer(":" + cfg.Port)
	go func() {
		lg.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server", zap.Error(err))
		}
	}()

	health := rpc.NewHealthServer(lg.Named("grpc"))
	go func() {
		if err := health.ListenAndServe(":" + cfg.GRPCPort); err != nil {
			lg.Error("grpc health server", zap.Error(err))
		}
	}()
	health.SetServing(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	lg.Info("shutting down")

	health.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	eng.Stop()
	if err := history.Flush(shutdownCtx); err != nil {
		lg.Warn("final history flush", zap.Error(err))
	}
	emitted, failed := emitter.Stats()
	lg.Info("stopped", zap.Uint64("compliance_emitted", emitted), zap.Uint64("compliance_failed", failed))
}

package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/food-dispatch/internal/config"
	"github.com/example/food-dispatch/internal/dispatch"
	"github.com/example/food-dispatch/internal/events"
	"github.com/example/food-dispatch/internal/geo"
	httpapi "github.com/example/food-dispatch/internal/http"
	"github.com/example/food-dispatch/internal/ingest"
	"github.com/example/food-dispatch/internal/lifecycle"
	"github.com/example/food-dispatch/internal/logging"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/payments"
	"github.com/example/food-dispatch/internal/registry"
	"github.com/example/food-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// optional migration: run migrations/001_create_orders.sql if requested
	if cfg.PGDSN != "" && cfg.RunMigrations {
		if db, err := sql.Open("postgres", cfg.PGDSN); err == nil {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_orders.sql")); err == nil {
				if _, err := db.Exec(string(b)); err != nil {
					logger.Error("migration exec error", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_orders.sql")
				}
			}
			_ = db.Close()
		} else {
			logger.Error("migration db open error", "error", err)
		}
	}

	var orderStore storage.OrderStore
	var riderStore storage.RiderProfileStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		orderStore = ps
		riderStore = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		orderStore = storage.NewMemoryOrderStore()
		riderStore = storage.NewMemoryRiderStore()
	}

	hub := events.NewHub(logger)
	if cfg.PushEndpoint != "" {
		hub.Tap(events.NewPushSink(cfg.PushEndpoint, cfg.PushKey))
	}

	var mirror *geo.RiderGeoMirror
	if cfg.RedisAddr != "" {
		mirror = geo.NewRiderGeoMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	var publisher registry.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	orders := registry.NewOrderRegistry()
	riders := registry.NewRiderRegistry(riderStore, orderStore, orders, hub, publisher, logger)

	var verifier payments.Verifier = payments.NewStripeVerifier()

	// single engine lock shared by the lifecycle machine and the
	// matcher's claim path
	var engineMu sync.Mutex
	machine := lifecycle.NewMachine(&engineMu, orders, riders, orderStore, riderStore, verifier, hub, logger, cfg.RequirePin)
	matcher := dispatch.NewMatcher(&engineMu, riders, orders, orderStore, hub, logger,
		cfg.DispatchRadiusKm, cfg.RatePerKm, cfg.DefaultSpeedMps, cfg.PendingTTL)
	machine.OnAwaitingRider = func(p models.OrderProjection) { matcher.OnOrderReady(context.Background(), p) }

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := machine.Rebuild(ctx); err != nil {
		logger.Error("registry rebuild failed", "error", err)
	} else {
		logger.Info("registry rebuilt", "live_orders", n)
	}

	sweeper := dispatch.NewSweeper(orders, machine, matcher, logger, cfg.SweepInterval, cfg.PendingTTL)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(logger, riders, orders, machine, matcher, hub, mirror),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

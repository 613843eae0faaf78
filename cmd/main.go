package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpulse/pulse/internal/config"
	"github.com/openpulse/pulse/internal/data/db"
	"github.com/openpulse/pulse/internal/http/handlers"
	"github.com/openpulse/pulse/internal/observability"
	"github.com/openpulse/pulse/internal/platform/logger"
	"github.com/openpulse/pulse/internal/ratelimit"
	"github.com/openpulse/pulse/internal/server"
	"github.com/openpulse/pulse/internal/services/eventstore"
	"github.com/openpulse/pulse/internal/services/ipgeolocator"
	"github.com/openpulse/pulse/internal/services/originregistry"
	"github.com/openpulse/pulse/internal/services/saltmanager"
	"github.com/openpulse/pulse/internal/services/sessions"
	"github.com/openpulse/pulse/internal/services/uaparser"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	log.Info("loading configuration")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	// Metrics
	metrics := observability.NewMetrics()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("postgres auto migration failed", "error", err)
	}

	// Services
	log.Info("setting up services")
	saltManager, err := saltmanager.NewService(log)
	if err != nil {
		log.Fatal("salt manager init failed", "error", err)
	}
	uaParser := uaparser.NewService(log)
	ipGeolocator, err := ipgeolocator.NewService(log, nil)
	if err != nil {
		log.Fatal("ip geolocator init failed", "error", err)
	}
	originRegistry := originregistry.NewService(log, cfg.Origins.Registered)
	sessionStore := sessions.NewService(log, sessions.Config{
		InactiveTTL:           cfg.Sessions.InactiveTTL,
		GCInterval:            cfg.Sessions.GCInterval,
		MaxSessionsPerVisitor: cfg.Sessions.MaxSessionsPerVisitor,
	}, metrics)
	store := eventstore.NewService(log, postgresService.DB(), eventstore.Config{
		MaxBatchSize:    cfg.Store.MaxBatchSize,
		MaxBatchTimeout: cfg.Store.MaxBatchTimeout,
		BufferSize:      cfg.Store.BufferSize,
	}, metrics)
	limiter, err := ratelimit.New(log, ratelimit.Config{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	}, cfg.Redis.URL)
	if err != nil {
		log.Fatal("rate limiter init failed", "error", err)
	}

	// Handlers and router
	log.Info("setting up router")
	eventsHandler := handlers.NewEventsHandler(log, uaParser, ipGeolocator, saltManager, sessionStore, store, 0)
	router := server.NewRouter(server.RouterConfig{
		Log:            log,
		Proxy:          cfg.Proxy,
		Metrics:        metrics,
		Limiter:        limiter,
		OriginRegistry: originRegistry,
		Events:         eventsHandler,
		Debug:          cfg.Server.Debug,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Serve(ctx, fmt.Sprintf(":%d", cfg.Server.AdminPort), log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown failed", "error", err)
		}
		sessionStore.Stop()
		// Drain the buffer so enqueued events reach storage before exit.
		if err := store.Close(shutdownCtx); err != nil {
			log.Warn("event store drain failed", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatal("server failed", "error", err)
	}
	log.Info("server stopped")
}

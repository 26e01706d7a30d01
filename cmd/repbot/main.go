package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"repbot/internal/api"
	"repbot/internal/config"
	"repbot/internal/db"
	"repbot/internal/docstore"
	"repbot/internal/docstore/memory"
	"repbot/internal/docstore/postgres"
	"repbot/internal/docstore/sqlite"
	"repbot/internal/game"
	"repbot/internal/jobs"
	"repbot/internal/ledger"
	"repbot/internal/locks"
	"repbot/internal/metrics"
	"repbot/internal/recovery"
)

func main() {
	runOnceFlag := flag.Bool("run-once", false, "recover orphans, run due jobs once and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	m := metrics.NewCollector()
	led := ledger.New(store, ledger.TenureCredit{}, logger)
	scheduler := jobs.New(store, logger, jobs.Options{
		MaxAttempts: cfg.JobMaxAttempts,
		RetryBase:   cfg.JobRetryBase,
		Metrics:     m,
	})
	svc := game.NewService(game.Config{
		RouletteDuration:       cfg.RouletteDuration,
		GameExpiry:             cfg.GameExpiry,
		MinPlayersBeforeRejoin: cfg.MinPlayersBeforeRejoin,
		BaseSeed:               cfg.RandomSeed,
		Location:               cfg.Location(),
	}, game.Deps{
		Store:     store,
		Ledger:    led,
		Locks:     locks.NewRegistry(),
		Scheduler: scheduler,
		Metrics:   m,
	}, logger)
	scheduler.Register(svc)

	report, err := recovery.New(scheduler, svc, logger, m).Recover(ctx)
	if err != nil {
		logger.Error("recovery failed", "err", err)
		os.Exit(1)
	}
	if report.Failed > 0 {
		logger.Warn("some orphan games were not resolved", "failed", report.Failed)
	}

	runOnce := *runOnceFlag || strings.EqualFold(strings.TrimSpace(os.Getenv("REPBOT_RUN_ONCE")), "true")
	if runOnce {
		n, err := scheduler.PollOnce(ctx)
		if err != nil {
			logger.Error("poll failed", "err", err)
			os.Exit(1)
		}
		logger.Info("run-once completed", "jobs_run", n, "orphans_resolved", report.Resolved)
		return
	}

	server := api.New(logger, svc, scheduler, m)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := scheduler.Start(gctx, cfg.PollInterval); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		scheduler.Wait()
		return nil
	})
	g.Go(func() error {
		logger.Info("repbot listening", "addr", cfg.Addr, "store", cfg.StoreDriver, "stage", cfg.Stage)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("repbot stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("repbot shutdown")
}

func openStore(ctx context.Context, cfg config.Config) (docstore.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store := sqlite.New(sqlDB)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.DriverMemory:
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

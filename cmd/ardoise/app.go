package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"ardoise/internal/cache"
	"ardoise/internal/config"
	"ardoise/internal/gate"
	"ardoise/internal/logger"
	"ardoise/internal/metrics"
	"ardoise/internal/report"
	"ardoise/internal/service"
	"ardoise/internal/store"
	"ardoise/internal/store/boltdb"
	"ardoise/internal/store/memory"
	"ardoise/internal/store/sqldb"
)

// app is everything a command needs, opened from configuration.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	repo     store.Repository
	svc      *service.Service
	registry *prometheus.Registry
	loc      *time.Location
	closers  []func() error
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Options{
		ServiceName: "ardoise",
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
	})
	a := &app{cfg: cfg, log: log, loc: loc, registry: prometheus.NewRegistry()}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, err := openRepository(openCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, repo.Close)
	log.Info(ctx, "repository opened", "driver", cfg.StoreDriver)

	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(openCtx); err != nil {
			log.Warn(ctx, "redis unavailable, using noop report cache", err)
			_ = redisCache.Close()
		} else {
			reportCache = redisCache
			a.closers = append(a.closers, redisCache.Close)
		}
	}

	var unlockGate *gate.Gate
	if cfg.GateEnabled() {
		unlockGate, err = gate.New(cfg.CatalogPasscode, cfg.GateSecret, cfg.GateTTL)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("catalog gate: %w", err)
		}
	}

	engineMetrics := metrics.NewEngine(a.registry)
	a.svc = service.New(repo, service.Options{
		EmptySettlement: service.EmptySettlement(cfg.EmptySettlement),
		Location:        loc,
		Gate:            unlockGate,
		Metrics:         engineMetrics,
		Logger:          log,
		Reports: report.NewEngine(report.Options{
			Cache:    reportCache,
			CacheTTL: cfg.ReportCacheTTL,
			Location: loc,
			Metrics:  engineMetrics,
			Logger:   log,
		}),
	})
	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.NewSeeded(), nil
	case config.DriverBolt:
		s, err := boltdb.Open(cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open bolt store %s: %w", cfg.StoreDSN, err)
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqldb.OpenSQLite(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.StoreDSN, err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := sqldb.OpenPostgres(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Close releases every resource in reverse opening order and reports all failures.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// writeMetrics dumps the run's counters in the node_exporter textfile format.
func (a *app) writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, a.registry)
}

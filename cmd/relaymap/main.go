package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/relay-map-etl/internal/adapter/http"
	"github.com/couchcryptid/relay-map-etl/internal/archive"
	"github.com/couchcryptid/relay-map-etl/internal/bwindex"
	"github.com/couchcryptid/relay-map-etl/internal/config"
	"github.com/couchcryptid/relay-map-etl/internal/countries"
	"github.com/couchcryptid/relay-map-etl/internal/flight"
	"github.com/couchcryptid/relay-map-etl/internal/geo"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
	"github.com/couchcryptid/relay-map-etl/internal/onionoo"
	"github.com/couchcryptid/relay-map-etl/internal/pipeline"
	"github.com/couchcryptid/relay-map-etl/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 2
	}

	logger := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	locks := flight.New()

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Error("output dir unavailable", "error", err)
		return 1
	}

	archives, err := archive.New(&archive.Config{
		Logger:  logger,
		Metrics: metrics,
		Flight:  locks,
		Dir:     cfg.CacheDir,
		BaseURL: cfg.CollectorURL,
		Threads: cfg.Threads,
	})
	if err != nil {
		logger.Error("archive cache unavailable", "error", err)
		return 1
	}

	index, err := bwindex.New(&bwindex.Config{
		Logger:   logger,
		Metrics:  metrics,
		Flight:   locks,
		Archives: archives,
		Dir:      filepath.Join(cfg.CacheDir, "bwindex"),
	})
	if err != nil {
		logger.Error("bandwidth index unavailable", "error", err)
		return 1
	}

	fetcher, err := countries.NewFetcher(countries.Config{
		Logger:  logger,
		Metrics: metrics,
		Flight:  locks,
		BaseURL: cfg.UserstatsURL,
		Timeout: cfg.HTTPTimeout,
	})
	if err != nil {
		logger.Error("country fetcher unavailable", "error", err)
		return 1
	}

	resolver := geo.NewResolver(logger, metrics, cfg.GeoIPPath,
		rand.New(rand.NewSource(time.Now().UnixNano())))
	defer resolver.Close()

	live := onionoo.NewClient(cfg.OnionooURL, cfg.HTTPTimeout, logger)
	collector := pipeline.NewCollectorSource(logger, archives, index)

	p := pipeline.New(logger, metrics, st, live, collector, fetcher, resolver, cfg.Parallel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *httpadapter.Server
	if cfg.MetricsAddr != "" {
		srv = httpadapter.NewServer(cfg.MetricsAddr, p, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	code := 0
	if cfg.HasRange() {
		sum, err := p.Run(ctx, cfg.FirstDate, cfg.LastDate)
		if err != nil {
			logger.Error("run aborted", "error", err)
			code = 1
		} else if sum.Failed > 0 && sum.Processed == 0 && sum.Skipped == 0 {
			// Every requested date failed; surface that to the caller.
			code = 1
		}
	}

	if code == 0 && cfg.BackfillCountries {
		if err := p.Backfill(ctx); err != nil {
			logger.Error("country backfill aborted", "error", err)
			code = 1
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}
	return code
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/cache/warming"
	"github.com/sawpanic/chronoretrace/internal/config"
	"github.com/sawpanic/chronoretrace/internal/data"
	httpserver "github.com/sawpanic/chronoretrace/internal/interfaces/http"
	"github.com/sawpanic/chronoretrace/internal/interfaces/http/handlers"
	"github.com/sawpanic/chronoretrace/internal/monitor"
	"github.com/sawpanic/chronoretrace/internal/persistence/postgres"
	"github.com/sawpanic/chronoretrace/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// quoteStreamInterval paces the quote fan-out to websocket topics.
const quoteStreamInterval = 5 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cache, stream and backtest service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg)
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	sampler := monitor.NewSampler(cfg.Monitor.GetSampleInterval(), cfg.Monitor.RingSize)
	sampler.Start()
	mon := monitor.New(sampler)

	local, err := cache.NewMemoryCache(cfg.Cache.LocalCapacity, cfg.Cache.GetDefaultTTL(), cfg.Cache.GetSweepInterval())
	if err != nil {
		sampler.Close()
		return fmt.Errorf("local cache: %w", err)
	}

	// A missing Redis tier degrades the cache to memory-only instead of
	// refusing to start.
	var remote cache.RemoteCache
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).
				Msg("redis unavailable, serving from the memory tier only")
		} else {
			remote = redisCache
		}
	}
	tiered := cache.NewTieredCache(local, remote, cfg.Cache, mon)

	svc := data.NewService(tiered, data.NewReplay("replay"))

	warmer := warming.New(cfg.Warming, cfg.Cache.Namespaces, tiered, svc, mon)
	warmer.Start()

	hub := stream.NewHub(cfg.Stream, mon)
	hub.Start()

	publisher := stream.NewPublisher(hub, cfg.Stream.SendQueueSize)
	publisher.Start()
	go streamQuotes(ctx, svc, publisher, cfg.Warming.Symbols)

	deps := handlers.Deps{
		Cache:   tiered,
		Warmer:  warmer,
		Hub:     hub,
		Data:    svc,
		Monitor: mon,
		Version: version,
	}

	// Persistence is optional; without it ingest endpoints run
	// cache-only and /health reports the database as disabled.
	var db *sqlx.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Connect(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, persistence disabled")
			db = nil
		} else {
			deps.DB = postgres.NewHealthChecker(db, 5*time.Second)
		}
	}

	server, err := httpserver.NewServer(cfg.Server, deps)
	if err != nil {
		teardown(nil, publisher, hub, warmer, sampler, tiered, db)
		return err
	}

	// First warm pass runs in the background so the listener comes up
	// immediately; handlers answer 503 readiness checks meanwhile.
	go warmer.WarmAll(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().
		Str("addr", cfg.Server.Address()).
		Bool("redis", remote != nil).
		Bool("database", db != nil).
		Msg("chronoretrace serving")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("http server failed")
	}

	teardown(server, publisher, hub, warmer, sampler, tiered, db)
	return runErr
}

// streamQuotes periodically re-reads the warm symbol set through the
// cached service and hands the quotes to the publisher, so
// stock.<SYMBOL>.1d subscribers receive updates without polling.
func streamQuotes(ctx context.Context, svc *data.Service, pub *stream.Publisher, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	ticker := time.NewTicker(quoteStreamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, code := range symbols {
				q, err := svc.Quote(ctx, code)
				if err != nil {
					log.Debug().Err(err).Str("code", code).Msg("quote stream fetch failed")
					continue
				}
				pub.Publish(stream.QuoteEvent{Code: code, Interval: "1d", Quote: *q})
			}
		case <-ctx.Done():
			return
		}
	}
}

// teardown stops everything in dependency order: listener first so no
// new work arrives, then the quote publisher and stream hub, warming
// loops, sampler, cache tiers (the tiered close also closes the Redis
// client), and last the database pool.
func teardown(server *httpserver.Server, publisher *stream.Publisher, hub *stream.Hub, warmer *warming.Warmer, sampler *monitor.Sampler, tiered *cache.TieredCache, db *sqlx.DB) {
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		cancel()
	}
	publisher.Close()
	hub.Close()
	warmer.Close()
	sampler.Close()
	if err := tiered.Close(); err != nil {
		log.Error().Err(err).Msg("cache close")
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close")
		}
	}
}

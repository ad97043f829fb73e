// Command authsvc runs the backend core as a standalone service: token
// issuance and verification over HTTP, the stream consumer with retry
// and dead letter parking, and the operator surface.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ordermesh/backend-core/internal/authn"
	"github.com/ordermesh/backend-core/internal/breaker"
	"github.com/ordermesh/backend-core/internal/cache"
	"github.com/ordermesh/backend-core/internal/config"
	"github.com/ordermesh/backend-core/internal/credstore"
	"github.com/ordermesh/backend-core/internal/db"
	"github.com/ordermesh/backend-core/internal/dlq"
	"github.com/ordermesh/backend-core/internal/eventbus"
	"github.com/ordermesh/backend-core/internal/httpapi"
	"github.com/ordermesh/backend-core/internal/metrics"
	"github.com/ordermesh/backend-core/internal/retry"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	configPath := flag.String("config", env("CONFIG_PATH", ""), "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = log.With().Str("service", cfg.Service).Logger()

	// Pretty logging for local dev
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Redis backs the cache remote tier, the event bus and the refresh
	// token revocation list.
	rdb, err := db.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	// Postgres is optional: without it the user and dead letter stores
	// fall back to their in-memory forms.
	var users credstore.Store
	var deadLetters dlq.Store
	if cfg.Postgres.DSN != "" {
		pool, err := db.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		userStore := credstore.NewPostgresStore(pool)
		if err := userStore.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare user schema")
		}
		dlqStore := dlq.NewPostgresStore(pool)
		if err := dlqStore.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare dead letter schema")
		}
		users, deadLetters = userStore, dlqStore
	} else {
		log.Warn().Msg("postgres not configured, user and dead letter stores are in-memory")
		users, deadLetters = credstore.NewMemoryStore(), dlq.NewMemoryStore()
	}

	// Metrics, breakers and the alert sweep.
	registry := prometheus.NewRegistry()
	m := metrics.New(cfg.Observability.MetricsPrefix, cfg.Service, registry)

	breakers := breaker.NewRegistry(cfg.Breaker, nil)
	sweeper := metrics.NewSweeper(cfg.Service, cfg.Observability.AlertSweepInterval.Std(), nil, metrics.LogNotifier{}, m.Alerts)
	breakers.OnTransition(m.Breaker.RecordTransition)
	breakers.OnTransition(sweeper.Record)
	breakers.OnExecute(m.Breaker.RecordExecution)

	var tiers *cache.Cache
	if cfg.Cache.Enabled {
		tiers = cache.New(rdb, cfg.Cache, cache.Options{
			Breaker: breakers.Get("redis-cache"),
			Metrics: m.Cache,
		})
	}

	// Token issuance and verification.
	var issuer *authn.Issuer
	var rotator *authn.Rotator
	if cfg.Auth.LocalIssuerEnabled {
		issuer, err = authn.NewIssuer(cfg.Auth, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build local issuer")
		}
		rotator = authn.NewRotator(issuer, authn.NewRedisRevocationList(rdb),
			credstore.CachedAuthorities(tiers, users.Authorities), nil)
	}
	var keys *authn.RemoteKeySet
	if cfg.Auth.OIDCEnabled {
		keys = authn.NewRemoteKeySet(cfg.Auth.OIDCJWKSetURI, cfg.Auth.JWKCacheTTL.Std(), nil, nil)
		warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := keys.WarmUp(warmCtx); err != nil {
			log.Warn().Err(err).Msg("JWK warm-up failed, keys will be fetched on first verification")
		}
		cancel()
	}
	pipeline, err := authn.NewPipeline(cfg.Auth, issuer, keys, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build authentication pipeline")
	}
	log.Info().Str("mode", string(cfg.Auth.Mode())).Msg("authentication pipeline ready")

	// Event bus, retry executor and dead letter sink.
	bus := eventbus.NewBus(rdb, eventbus.BusOptions{
		Source:     cfg.Service,
		Partitions: cfg.EventBus.Partitions,
		Breaker:    breakers.Get("redis-bus"),
		Metrics:    m.Bus,
	})
	executor := retry.NewExecutor(retry.PolicyFromConfig(cfg.Retry), nil, nil)
	sink := dlq.NewSink(deadLetters, bus, dlq.SinkOptions{
		TopicSuffix: cfg.Retry.DLQTopicSuffix,
		Metrics:     m.DLQ,
	})

	groupOpts := eventbus.GroupOptions{
		Group:        cfg.EventBus.Group,
		Partitions:   cfg.EventBus.Partitions,
		ReadBlock:    cfg.EventBus.ReadBlock.Std(),
		ClaimMinIdle: cfg.EventBus.ClaimMinIdle.Std(),
		Executor:     executor,
		Metrics:      m.Bus,
	}
	if cfg.Retry.EnableDLQ {
		groupOpts.DeadLetter = sink
	}
	consumers := eventbus.NewConsumerGroup(rdb, groupOpts)

	// User mutations elsewhere in the fleet invalidate the local user
	// projections.
	hasConsumers := false
	if tiers != nil {
		consumers.Handle(credstore.TopicUserUpdated, credstore.CacheInvalidator(tiers))
		hasConsumers = true
	}

	srv := &httpapi.Server{
		Credentials:    users,
		Issuer:         issuer,
		Rotator:        rotator,
		Pipeline:       pipeline,
		DeadLetters:    sink,
		Cache:          tiers,
		Breakers:       breakers,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
		IdleTimeout:  cfg.HTTP.IdleTimeout.Std(),
	}

	// Background workers: stream consumers and the alert sweep.
	runCtx, stopWorkers := context.WithCancel(ctx)
	workers, workerCtx := errgroup.WithContext(runCtx)
	if hasConsumers {
		workers.Go(func() error {
			return consumers.Run(workerCtx)
		})
	}
	workers.Go(func() error {
		sweeper.Run(workerCtx)
		return nil
	})

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	stopWorkers()
	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("background workers stopped with error")
	}

	log.Info().Msg("server stopped")
}

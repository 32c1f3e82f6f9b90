package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glmrelay/proxy/adminapi"
	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/cache"
	"github.com/glmrelay/proxy/config"
	"github.com/glmrelay/proxy/connpool"
	"github.com/glmrelay/proxy/logger"
	"github.com/glmrelay/proxy/observability"
	"github.com/glmrelay/proxy/pipeline"
	"github.com/glmrelay/proxy/proxyengine"
	"github.com/glmrelay/proxy/ratelimit"
	"github.com/glmrelay/proxy/redisclient"
	"github.com/glmrelay/proxy/router"
	"github.com/glmrelay/proxy/tenant"
	"github.com/glmrelay/proxy/upstream"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("proxy starting")

	store, err := buildTenantStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("tenant store init failed")
	}

	var pool *connpool.Pool
	if !cfg.DisableConnectionPool {
		pool = connpool.New(connpool.Config{
			MinConnections:      cfg.PoolMinConnections,
			MaxConnections:      cfg.PoolMaxConnections,
			AcquireTimeout:      cfg.PoolAcquireTimeout,
			IdleTimeout:         cfg.PoolIdleTimeout,
			HealthCheckInterval: cfg.PoolHealthCheckInterval,
			WarmPool:            cfg.PoolWarm,
			EnableHTTP2:         true,
			EnableMetrics:       true,
		})
	}

	limiter := buildLimiter(cfg, log)

	var respCache *cache.ResponseCache
	if cfg.CacheEnabled {
		respCache, err = cache.New(cfg.CacheMaxSize, cfg.CacheDefaultTTL)
		if err != nil {
			log.Warn().Err(err).Msg("response cache init failed — continuing without it")
			respCache = nil
		}
	}

	bc := broadcaster.New(cfg.BroadcasterMaxSubscriberBuffer, log)

	engine := proxyengine.New(proxyengine.EngineConfig{
		Tenants:     store,
		Limiter:     limiter,
		Pool:        pool,
		Cache:       respCache,
		Broadcaster: bc,
		OpenAI: upstream.Target{
			Kind:    upstream.OpenAI,
			BaseURL: cfg.UpstreamOpenAIBaseURL,
			APIKey:  cfg.UpstreamAPIKey,
		},
		Anthropic: upstream.Target{
			Kind:             upstream.Anthropic,
			BaseURL:          cfg.UpstreamAnthropicBaseURL,
			APIKey:           cfg.UpstreamAPIKey,
			AnthropicVersion: cfg.UpstreamAnthropicVersion,
		},
		Logger:         log,
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     &http.Client{Timeout: cfg.RequestTimeout},
		PipelineConfig: buildPipelineConfig(cfg),
	})

	admin := adminapi.New(store, bc, cfg.AllowedModels, log)
	metrics := observability.NewMetrics(log)

	r := router.New(cfg, log, router.Deps{
		Engine:       engine,
		Broadcaster:  bc,
		Metrics:      metrics,
		Admin:        admin,
		EnableTiming: cfg.IsDevelopment(),
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var healthPoller *connpool.HealthPoller
	if pool != nil {
		healthPoller = connpool.NewHealthPoller(pool, log, cfg.PoolHealthCheckInterval)
		healthPoller.OnStatusChange(func(baseURL string, healthy bool, status connpool.HealthStatus) {
			metrics.TrackUpstreamHealth(baseURL, healthy)
			if !healthy {
				log.Warn().Str("upstream", baseURL).Str("error", status.Error).Msg("upstream degraded")
			}
		})
		healthPoller.Start()
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("proxy listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	if healthPoller != nil {
		healthPoller.Stop()
	}
	if pool != nil {
		pool.Close()
	}
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("tenant store close failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("proxy stopped gracefully")
	}
}

// buildTenantStore selects the configured backend and wraps it in
// EncryptingBackend when an at-rest key is configured.
func buildTenantStore(cfg *config.Config, log zerolog.Logger) (*tenant.Store, error) {
	var backend tenant.Backend
	switch cfg.TenantStoreBackend {
	case "bolt":
		b, err := tenant.NewBoltStore(cfg.BoltDBPath)
		if err != nil {
			return nil, err
		}
		backend = b
	case "sql":
		b, err := tenant.NewSQLStore(cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = tenant.NewFileStore(cfg.DataFile)
	}

	if cfg.TenantEncryptionKey != "" {
		backend = tenant.NewEncryptingBackend(backend, tenant.NewEncryptor(cfg.TenantEncryptionKey))
		log.Info().Msg("tenant records encrypted at rest")
	}

	log.Info().Str("backend", cfg.TenantStoreBackend).Msg("tenant store backend selected")
	return tenant.NewStore(context.Background(), backend)
}

// buildLimiter wires an optional Redis-backed decision cache behind the
// rate limiter when REDIS_URL is configured.
func buildLimiter(cfg *config.Config, log zerolog.Logger) *ratelimit.Limiter {
	if cfg.RedisURL == "" {
		return ratelimit.New(nil)
	}

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — rate limiter running without a decision cache")
		return ratelimit.New(nil)
	}
	if err := rc.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — rate limiter running without a decision cache")
		return ratelimit.New(nil)
	}
	log.Info().Msg("redis connected — rate limiter decision cache enabled")
	return ratelimit.New(ratelimit.NewDecisionCache(time.Second, rc))
}

func buildPipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MaxConcurrentPerConnection: cfg.PipelineMaxConcurrentPerConn,
		MaxQueueSize:               cfg.PipelineMaxQueueSize,
		QueueTimeout:               cfg.PipelineQueueTimeout,
		EnablePrioritization:       true,
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rpcgate/rpcgate/internal/gateway"
	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/providers"
	"github.com/rpcgate/rpcgate/internal/ratelimit"
	"github.com/rpcgate/rpcgate/pkg/config"
	"github.com/rpcgate/rpcgate/pkg/health"
	"github.com/rpcgate/rpcgate/pkg/logging"
	"github.com/rpcgate/rpcgate/pkg/metrics"
	"github.com/rpcgate/rpcgate/pkg/resilience"
	"github.com/rpcgate/rpcgate/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "rpcgate",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.NewMetrics(metrics.DefaultConfig())

	var tracer *tracing.TracingService
	if cfg.Tracing.Enabled {
		tracer, err = tracing.NewTracingService(&tracing.Config{
			ServiceName:    "rpcgate",
			ServiceVersion: version,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Enabled:        true,
		})
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outbound connection pool; all upstream traffic flows through it.
	upstreamPool := pool.New(pool.Config{
		Name:                     "upstream",
		MinConnections:           cfg.Pool.MinConnections,
		MaxConnections:           cfg.Pool.MaxConnections,
		MaxRequestsPerConnection: uint64(cfg.Pool.MaxRequestsPerConnection),
		ConnectionTTL:            cfg.Pool.ConnectionTTL,
		QueueTimeout:             cfg.Pool.QueueTimeout,
		QueueSize:                cfg.Pool.QueueSize,
		RequestTimeout:           cfg.Pool.ConnectionTimeout,
		HealthCheckInterval:      cfg.Pool.HealthCheckInterval,
	}, m)
	upstreamPool.Start(ctx)

	executor := providers.NewPooledExecutor(upstreamPool)
	breakers := resilience.NewBreakerRegistry()

	registry := providers.NewRegistry(providers.RegistryConfig{
		Strategy:            providers.Strategy(cfg.Providers.Strategy),
		HealthCheckInterval: cfg.Providers.HealthCheckInterval,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold:         cfg.Breaker.FailureThreshold,
			RecoveryTimeout:          cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls:         cfg.Breaker.HalfOpenMaxCalls,
			HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
			CallTimeout:              cfg.Breaker.CallTimeout,
		},
		Retry: resilience.RetryConfig{
			MaxRetries:   cfg.Providers.MaxRetries,
			BaseDelay:    cfg.Providers.BaseRetryDelay,
			MaxDelay:     cfg.Providers.MaxRetryDelay,
			JitterFactor: cfg.Providers.JitterFactor,
		},
	}, executor, breakers, m)

	for _, spec := range cfg.Providers.Endpoints {
		err := registry.AddProvider(providers.ProviderSpec{
			Name:          spec.Name,
			URL:           spec.URL,
			Priority:      spec.Priority,
			Weight:        spec.Weight,
			Capacity:      spec.Capacity,
			RequestBudget: cfg.Providers.RequestsPerMinute,
		})
		if err != nil {
			log.Fatalf("Failed to register provider %s: %v", spec.Name, err)
		}
	}
	registry.Start(ctx)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		DefaultRule: ratelimit.Rule{
			Limit:  cfg.RateLimit.DefaultLimit,
			Burst:  cfg.RateLimit.Burst,
			Window: cfg.RateLimit.Window,
		},
		GlobalLimit:     cfg.RateLimit.GlobalLimit,
		TierMultipliers: tierMultipliers(cfg.RateLimit.TierMultipliers),
		TrustedAPIKeys:  cfg.RateLimit.TrustedAPIKeys,
		Governance: ratelimit.GovernanceConfig{
			// Trusted IPs bypass the limiter the same way whitelisted ones do.
			Whitelist:       append(cfg.RateLimit.IPWhitelist, cfg.RateLimit.TrustedIPs...),
			Blacklist:       cfg.RateLimit.IPBlacklist,
			GeoRestrictions: cfg.RateLimit.GeoRestrictions,
		},
	}, m)

	tuner := ratelimit.NewTuner(ratelimit.TunerConfig{
		Interval: cfg.RateLimit.AdaptiveInterval,
	}, limiter, m)
	tuner.Start(ctx)

	healthSvc := health.NewService(version)
	healthSvc.Register(providerChecker(registry))
	healthSvc.Register(poolChecker(upstreamPool))

	router := gateway.NewRouter(gateway.Deps{
		Config:   cfg,
		Registry: registry,
		Limiter:  limiter,
		Pool:     upstreamPool,
		Metrics:  m,
		Tracing:  tracer,
		Health:   healthSvc,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting gateway", "addr", server.Addr, "providers", len(cfg.Providers.Endpoints))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	tuner.Stop()
	registry.Stop()
	upstreamPool.Stop()
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}

	logger.Info("gateway exited")
}

func tierMultipliers(raw map[string]float64) map[ratelimit.Tier]float64 {
	out := make(map[ratelimit.Tier]float64, len(raw))
	for tier, mult := range raw {
		out[ratelimit.Tier(tier)] = mult
	}
	return out
}

// providerChecker reports healthy while at least one provider is usable,
// degraded while only degraded providers remain.
func providerChecker(registry *providers.Registry) health.Checker {
	return health.CheckerFunc{
		CheckerName: "providers",
		Fn: func(context.Context) health.Status {
			stats := registry.Stats()
			degraded := false
			for _, p := range stats.Providers {
				switch p.Health {
				case "healthy":
					return health.StatusHealthy
				case "degraded", "unknown":
					degraded = true
				}
			}
			if degraded {
				return health.StatusDegraded
			}
			return health.StatusUnhealthy
		},
	}
}

// poolChecker reports degraded when the pool has no connections to serve with.
func poolChecker(p *pool.Pool) health.Checker {
	return health.CheckerFunc{
		CheckerName: "pool",
		Fn: func(context.Context) health.Status {
			if p.Stats().TotalConns == 0 {
				return health.StatusDegraded
			}
			return health.StatusHealthy
		},
	}
}

package gateway

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/providers"
	"github.com/rpcgate/rpcgate/internal/ratelimit"
	"github.com/rpcgate/rpcgate/pkg/config"
	"github.com/rpcgate/rpcgate/pkg/health"
	"github.com/rpcgate/rpcgate/pkg/logging"
	"github.com/rpcgate/rpcgate/pkg/metrics"
	"github.com/rpcgate/rpcgate/pkg/tracing"
)

// Deps are the wired subsystems the router serves.
type Deps struct {
	Config   *config.Config
	Registry *providers.Registry
	Limiter  *ratelimit.Limiter
	Pool     *pool.Pool
	Metrics  *metrics.Metrics
	Tracing  *tracing.TracingService
	Health   *health.Service
	Logger   *logging.Logger
}

// NewRouter creates and configures the gateway router.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(SecurityHeadersMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}))
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
		router.GET("/metrics", deps.Metrics.Handler())
	}

	// Health endpoints stay outside the rate limiter so orchestrators can
	// always probe them.
	router.GET("/health", deps.Health.Handler())
	router.GET("/health/live", deps.Health.LivenessHandler())
	router.GET("/health/ready", deps.Health.ReadinessHandler())

	handler := NewHandler(deps.Registry, deps.Limiter, deps.Pool)

	v1 := router.Group("/api/v1")
	v1.Use(ratelimit.Middleware(deps.Limiter, deps.Config.Auth.JWTSecret))
	{
		v1.POST("/rpc", handler.RPC)

		providerRoutes := v1.Group("/providers")
		{
			providerRoutes.GET("", handler.ListProviders)
			providerRoutes.POST("", handler.AddProvider)
			providerRoutes.GET("/:name", handler.GetProvider)
			providerRoutes.PUT("/:name", handler.UpdateProvider)
			providerRoutes.DELETE("/:name", handler.RemoveProvider)
		}

		v1.GET("/stats", handler.Stats)

		admin := v1.Group("/admin")
		{
			admin.PUT("/users/:id/tier", handler.SetUserTier)
		}
	}

	return router
}

package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	ProviderHealthStatus    *prometheus.GaugeVec
	ProviderCurrentLoad     *prometheus.GaugeVec
	ProviderFailovers       *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitDecisions    *prometheus.CounterVec
	RateLimitTokens       *prometheus.GaugeVec
	AdaptiveAdjustments   *prometheus.CounterVec
	ReputationEscalations *prometheus.CounterVec

	// Connection pool metrics
	PoolConnections   *prometheus.GaugeVec
	PoolQueueDepth    *prometheus.GaugeVec
	PoolQueueTime     *prometheus.HistogramVec
	PoolRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "rpcgate",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Metrics{}
	}

	ns := config.Namespace

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),

		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "provider_requests_total",
				Help:      "Total number of upstream RPC requests",
			},
			[]string{"provider", "method", "outcome"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "provider_request_duration_seconds",
				Help:      "Upstream RPC request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "method"},
		),
		ProviderHealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "provider_health_status",
				Help:      "Provider health (0=unknown 1=healthy 2=degraded 3=unhealthy)",
			},
			[]string{"provider"},
		),
		ProviderCurrentLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "provider_current_load",
				Help:      "In-flight requests per provider",
			},
			[]string{"provider"},
		),
		ProviderFailovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "provider_failovers_total",
				Help:      "Total number of failovers to an alternate provider",
			},
			[]string{"from", "to"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed 1=open 2=half_open)",
			},
			[]string{"breaker"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "breaker_rejections_total",
				Help:      "Calls rejected while open or half-open saturated",
			},
			[]string{"breaker"},
		),

		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limiter admission decisions",
			},
			[]string{"decision", "dimension"},
		),
		RateLimitTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "ratelimit_global_tokens",
				Help:      "Tokens remaining in the global bucket",
			},
			[]string{"bucket"},
		),
		AdaptiveAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "ratelimit_adaptive_adjustments_total",
				Help:      "Adaptive capacity adjustments",
			},
			[]string{"direction"},
		),
		ReputationEscalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "ratelimit_reputation_escalations_total",
				Help:      "IP reputation status escalations",
			},
			[]string{"status"},
		),

		PoolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_connections",
				Help:      "Connection counts per pool",
			},
			[]string{"pool", "state"},
		),
		PoolQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_queue_depth",
				Help:      "Requests waiting in the pool queue",
			},
			[]string{"pool"},
		),
		PoolQueueTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "pool_queue_time_seconds",
				Help:      "Time spent waiting for a pooled connection",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"pool"},
		),
		PoolRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "pool_requests_total",
				Help:      "Requests served through the pool",
			},
			[]string{"pool", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.ProviderHealthStatus,
		m.ProviderCurrentLoad,
		m.ProviderFailovers,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.RateLimitDecisions,
		m.RateLimitTokens,
		m.AdaptiveAdjustments,
		m.ReputationEscalations,
		m.PoolConnections,
		m.PoolQueueDepth,
		m.PoolQueueTime,
		m.PoolRequestsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape handler for the gin router.
func (m *Metrics) Handler() gin.HandlerFunc {
	if m.registry == nil {
		return func(c *gin.Context) { c.Status(404) }
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// GinMiddleware records HTTP request metrics.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
	}
}

// ObserveProviderRequest records the outcome of one upstream call.
func (m *Metrics) ObserveProviderRequest(provider, method, outcome string, duration time.Duration) {
	if m.ProviderRequestsTotal == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, method, outcome).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, method).Observe(duration.Seconds())
}

package pool

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnState is the lifecycle state of one pooled connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateBusy
	StateUnhealthy
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one reusable transport. The http.Client carries its own
// dedicated Transport so closing the connection releases its keep-alives.
type Connection struct {
	id        string
	client    *http.Client
	transport *http.Transport
	createdAt time.Time

	mu            sync.Mutex
	state         ConnState
	lastUsedAt    time.Time
	totalRequests uint64
	successCount  uint64
	failureCount  uint64
	totalRespTime time.Duration
}

func newConnection(timeout time.Duration) *Connection {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	now := time.Now()
	return &Connection{
		id:         uuid.NewString(),
		client:     &http.Client{Transport: transport, Timeout: timeout},
		transport:  transport,
		createdAt:  now,
		state:      StateIdle,
		lastUsedAt: now,
	}
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

func (c *Connection) markBusy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateBusy
	c.lastUsedAt = time.Now()
}

func (c *Connection) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateBusy {
		c.state = StateIdle
	}
}

func (c *Connection) recordResult(success bool, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.totalRespTime += elapsed
	c.lastUsedAt = time.Now()
	if success {
		c.successCount++
	} else {
		c.failureCount++
	}
}

func (c *Connection) requestCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRequests
}

// errorRate returns the failure fraction, or zero before any request.
func (c *Connection) errorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalRequests == 0 {
		return 0
	}
	return float64(c.failureCount) / float64(c.totalRequests)
}

// close tears down the connection's transport. Idempotent.
func (c *Connection) close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.transport.CloseIdleConnections()
}

// recycleReason reports why the connection should be retired, or "" to keep
// it. Thresholds come from the pool config.
func (c *Connection) recycleReason(maxRequests uint64, ttl time.Duration, errorRateLimit float64, minSamples uint64, now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxRequests > 0 && c.totalRequests >= maxRequests {
		return "max_requests"
	}
	if ttl > 0 && now.Sub(c.createdAt) >= ttl {
		return "ttl_expired"
	}
	if c.totalRequests >= minSamples {
		rate := float64(c.failureCount) / float64(c.totalRequests)
		if rate > errorRateLimit {
			return "error_rate"
		}
	}
	return ""
}

// ConnectionStats is a snapshot of one connection.
type ConnectionStats struct {
	ID            string  `json:"id"`
	State         string  `json:"state"`
	AgeSeconds    float64 `json:"age_seconds"`
	IdleSeconds   float64 `json:"idle_seconds"`
	TotalRequests uint64  `json:"total_requests"`
	SuccessCount  uint64  `json:"success_count"`
	FailureCount  uint64  `json:"failure_count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMS float64 `json:"avg_response_ms"`
}

// Stats returns a snapshot of the connection's counters.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	s := ConnectionStats{
		ID:            c.id,
		State:         c.state.String(),
		AgeSeconds:    now.Sub(c.createdAt).Seconds(),
		IdleSeconds:   now.Sub(c.lastUsedAt).Seconds(),
		TotalRequests: c.totalRequests,
		SuccessCount:  c.successCount,
		FailureCount:  c.failureCount,
	}
	if c.totalRequests > 0 {
		s.SuccessRate = float64(c.successCount) / float64(c.totalRequests)
		s.AvgResponseMS = float64(c.totalRespTime.Milliseconds()) / float64(c.totalRequests)
	}
	return s
}

package pool

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpcgate/rpcgate/pkg/errors"
	"github.com/rpcgate/rpcgate/pkg/logging"
	"github.com/rpcgate/rpcgate/pkg/metrics"
)

// Config sizes and tunes one connection pool.
type Config struct {
	Name string
	// MinConnections is kept alive by the health sweep; MaxConnections caps
	// growth under load.
	MinConnections int
	MaxConnections int
	// MaxRequestsPerConnection retires a connection after this many requests.
	MaxRequestsPerConnection uint64
	// ConnectionTTL retires a connection by age.
	ConnectionTTL time.Duration
	// ErrorRateThreshold retires a connection whose failure fraction exceeds
	// it, once ErrorRateMinSamples requests have been observed.
	ErrorRateThreshold  float64
	ErrorRateMinSamples uint64
	// QueueTimeout bounds the wait for a free connection. QueueSize bounds
	// the admission queue; both are the pool's backpressure controls.
	QueueTimeout time.Duration
	QueueSize    int
	// RequestTimeout bounds one request on a connection.
	RequestTimeout time.Duration
	// HealthCheckInterval is the period of the sweep loop.
	HealthCheckInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Name == "" {
		out.Name = "default"
	}
	if out.MinConnections <= 0 {
		out.MinConnections = 2
	}
	if out.MaxConnections < out.MinConnections {
		out.MaxConnections = out.MinConnections * 5
	}
	if out.MaxRequestsPerConnection == 0 {
		out.MaxRequestsPerConnection = 1000
	}
	if out.ConnectionTTL <= 0 {
		out.ConnectionTTL = time.Hour
	}
	if out.ErrorRateThreshold <= 0 {
		out.ErrorRateThreshold = 0.3
	}
	if out.ErrorRateMinSamples == 0 {
		out.ErrorRateMinSamples = 10
	}
	if out.QueueTimeout <= 0 {
		out.QueueTimeout = 5 * time.Minute
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = 30 * time.Second
	}
	return out
}

// Response is the pool's view of an upstream HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

type pendingRequest struct {
	ctx      context.Context
	method   string
	url      string
	headers  map[string]string
	body     []byte
	enqueued time.Time
	result   chan outcome
}

type outcome struct {
	resp *Response
	err  error
}

// Pool serves HTTP requests through a bounded set of reusable connections.
// Admission is FIFO through a bounded queue; completion order depends on how
// quickly each request's connection frees up.
type Pool struct {
	config  Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	queue  chan *pendingRequest
	idle   chan *Connection
	stopCh chan struct{}

	mu        sync.Mutex
	conns     map[string]*Connection
	total     int
	requests  uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	recycled  uint64
	queueTime time.Duration

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a pool. Start must be called before Do.
func New(config Config, m *metrics.Metrics) *Pool {
	cfg := config.withDefaults()
	return &Pool{
		config:  cfg,
		logger:  logging.GetLogger(),
		metrics: m,
		queue:   make(chan *pendingRequest, cfg.QueueSize),
		idle:    make(chan *Connection, cfg.MaxConnections),
		stopCh:  make(chan struct{}),
		conns:   make(map[string]*Connection),
	}
}

// Start creates the minimum connections and launches the dispatcher and the
// health sweep.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.MinConnections; i++ {
		if conn := p.tryCreate(); conn != nil {
			p.idle <- conn
		}
	}

	p.wg.Add(2)
	go p.dispatch(ctx)
	go p.sweepLoop(ctx)

	p.logger.Info("Connection pool started",
		"pool", p.config.Name,
		"min", p.config.MinConnections,
		"max", p.config.MaxConnections,
	)
}

// Stop drains the pool: the dispatcher fails any queued requests, in-flight
// requests finish, and every connection is closed.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	for {
		select {
		case conn := <-p.idle:
			conn.close()
		default:
			p.mu.Lock()
			for _, conn := range p.conns {
				conn.close()
			}
			p.mu.Unlock()
			return
		}
	}
}

// Do queues one request and waits for its result. The request fails with a
// timeout error if no connection becomes free within QueueTimeout; a full
// queue is subject to the same bound.
func (p *Pool) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	pr := &pendingRequest{
		ctx:      ctx,
		method:   method,
		url:      url,
		headers:  headers,
		body:     body,
		enqueued: time.Now(),
		result:   make(chan outcome, 1),
	}

	p.mu.Lock()
	p.requests++
	p.mu.Unlock()

	enqueueTimer := time.NewTimer(p.config.QueueTimeout)
	defer enqueueTimer.Stop()
	select {
	case p.queue <- pr:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-enqueueTimer.C:
		p.noteTimeout()
		return nil, errors.NewTimeoutError("connection pool queue full")
	case <-p.stopCh:
		return nil, errors.NewInternalError("connection pool stopped")
	}

	if p.metrics != nil && p.metrics.PoolQueueDepth != nil {
		p.metrics.PoolQueueDepth.WithLabelValues(p.config.Name).Set(float64(len(p.queue)))
	}

	select {
	case out := <-pr.result:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		// An already-dispatched request may still deliver its result.
		select {
		case out := <-pr.result:
			return out.resp, out.err
		default:
			return nil, errors.NewInternalError("connection pool stopped")
		}
	}
}

// dispatch pulls queued requests in FIFO order and hands each a connection.
// Execution happens on its own goroutine so a slow request never blocks
// admission of the next one.
func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drainQueue()
			return
		case <-p.stopCh:
			p.drainQueue()
			return
		case pr := <-p.queue:
			waited := time.Since(pr.enqueued)
			p.noteQueueTime(waited)

			conn, err := p.acquire(pr)
			if err != nil {
				pr.result <- outcome{err: err}
				continue
			}
			p.wg.Add(1)
			go p.serve(pr, conn)
		}
	}
}

func (p *Pool) drainQueue() {
	for {
		select {
		case pr := <-p.queue:
			pr.result <- outcome{err: errors.NewInternalError("connection pool stopped")}
		default:
			return
		}
	}
}

// acquire finds an idle connection, creates one if the pool has room, or
// waits until the request's queue budget runs out.
func (p *Pool) acquire(pr *pendingRequest) (*Connection, error) {
	for {
		select {
		case conn := <-p.idle:
			if p.usable(conn) {
				return conn, nil
			}
			continue
		default:
		}

		if conn := p.tryCreate(); conn != nil {
			return conn, nil
		}

		deadline := pr.enqueued.Add(p.config.QueueTimeout)
		wait := time.Until(deadline)
		if wait <= 0 {
			p.noteTimeout()
			return nil, errors.NewTimeoutError("connection pool queue wait")
		}
		timer := time.NewTimer(wait)
		select {
		case conn := <-p.idle:
			timer.Stop()
			if p.usable(conn) {
				return conn, nil
			}
		case <-pr.ctx.Done():
			timer.Stop()
			return nil, pr.ctx.Err()
		case <-p.stopCh:
			timer.Stop()
			return nil, errors.NewInternalError("connection pool stopped")
		case <-timer.C:
			p.noteTimeout()
			return nil, errors.NewTimeoutError("connection pool queue wait")
		}
	}
}

// usable filters out connections the sweep closed while they sat idle.
func (p *Pool) usable(conn *Connection) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state == StateIdle
}

func (p *Pool) tryCreate() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total >= p.config.MaxConnections {
		return nil
	}
	conn := newConnection(p.config.RequestTimeout)
	p.conns[conn.id] = conn
	p.total++
	p.logger.LogPoolEvent(context.Background(), "connection_created", p.config.Name, conn.id, logrus.Fields{
		"total": p.total,
	})
	return conn
}

// serve runs one request on a connection, then recycles or returns it.
func (p *Pool) serve(pr *pendingRequest, conn *Connection) {
	defer p.wg.Done()
	conn.markBusy()

	start := time.Now()
	resp, err := p.execute(pr, conn)
	elapsed := time.Since(start)

	success := err == nil && resp.StatusCode < http.StatusInternalServerError
	conn.recordResult(success, elapsed)

	p.mu.Lock()
	if err != nil || !success {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()

	if p.metrics != nil && p.metrics.PoolRequestsTotal != nil {
		result := "success"
		if err != nil || !success {
			result = "failure"
		}
		p.metrics.PoolRequestsTotal.WithLabelValues(p.config.Name, result).Inc()
	}

	p.releaseConn(conn)
	pr.result <- outcome{resp: resp, err: err}
}

func (p *Pool) execute(pr *pendingRequest, conn *Connection) (*Response, error) {
	req, err := http.NewRequestWithContext(pr.ctx, pr.method, pr.url, bytes.NewReader(pr.body))
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	for k, v := range pr.headers {
		req.Header.Set(k, v)
	}

	httpResp, err := conn.client.Do(req)
	if err != nil {
		if pr.ctx.Err() != nil {
			return nil, pr.ctx.Err()
		}
		return nil, errors.NewTransportError(pr.url, err.Error())
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, errors.NewTransportError(pr.url, err.Error())
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
	}, nil
}

// releaseConn returns a connection to the idle set, or retires it when a
// recycle threshold has been crossed.
func (p *Pool) releaseConn(conn *Connection) {
	reason := conn.recycleReason(
		p.config.MaxRequestsPerConnection,
		p.config.ConnectionTTL,
		p.config.ErrorRateThreshold,
		p.config.ErrorRateMinSamples,
		time.Now(),
	)
	if reason != "" {
		p.retire(conn, reason)
		return
	}
	conn.markIdle()
	p.idle <- conn
}

func (p *Pool) retire(conn *Connection, reason string) {
	conn.close()
	p.mu.Lock()
	delete(p.conns, conn.id)
	p.total--
	p.recycled++
	total := p.total
	p.mu.Unlock()

	p.logger.LogPoolEvent(context.Background(), "connection_recycled", p.config.Name, conn.id, logrus.Fields{
		"reason": reason,
		"total":  total,
	})
}

// sweepLoop periodically retires stale idle connections and replenishes the
// pool back up to its minimum size.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()

	// Inspect whatever is idle right now; busy connections are checked when
	// they are released.
	var keep []*Connection
	for {
		select {
		case conn := <-p.idle:
			reason := conn.recycleReason(
				p.config.MaxRequestsPerConnection,
				p.config.ConnectionTTL,
				p.config.ErrorRateThreshold,
				p.config.ErrorRateMinSamples,
				now,
			)
			if reason != "" {
				p.retire(conn, reason)
				continue
			}
			keep = append(keep, conn)
		default:
			for _, conn := range keep {
				p.idle <- conn
			}
			p.replenish()
			p.publishGauges()
			return
		}
	}
}

func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		need := p.total < p.config.MinConnections
		p.mu.Unlock()
		if !need {
			return
		}
		conn := p.tryCreate()
		if conn == nil {
			return
		}
		p.idle <- conn
	}
}

func (p *Pool) publishGauges() {
	if p.metrics == nil || p.metrics.PoolConnections == nil {
		return
	}
	stats := p.Stats()
	p.metrics.PoolConnections.WithLabelValues(p.config.Name, "idle").Set(float64(stats.IdleConnections))
	p.metrics.PoolConnections.WithLabelValues(p.config.Name, "busy").Set(float64(stats.BusyConnections))
	p.metrics.PoolQueueDepth.WithLabelValues(p.config.Name).Set(float64(stats.QueueDepth))
}

func (p *Pool) noteTimeout() {
	p.mu.Lock()
	p.timedOut++
	p.mu.Unlock()
}

func (p *Pool) noteQueueTime(d time.Duration) {
	p.mu.Lock()
	p.queueTime += d
	p.mu.Unlock()
	if p.metrics != nil && p.metrics.PoolQueueTime != nil {
		p.metrics.PoolQueueTime.WithLabelValues(p.config.Name).Observe(d.Seconds())
	}
}

// PoolStats is a snapshot of the pool and its connections.
type PoolStats struct {
	Name            string            `json:"name"`
	TotalConns      int               `json:"total_connections"`
	IdleConnections int               `json:"idle_connections"`
	BusyConnections int               `json:"busy_connections"`
	QueueDepth      int               `json:"queue_depth"`
	TotalRequests   uint64            `json:"total_requests"`
	Completed       uint64            `json:"completed"`
	Failed          uint64            `json:"failed"`
	TimedOut        uint64            `json:"timed_out"`
	Recycled        uint64            `json:"recycled"`
	AvgQueueTimeMS  float64           `json:"avg_queue_time_ms"`
	Connections     []ConnectionStats `json:"connections"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	s := PoolStats{
		Name:          p.config.Name,
		TotalConns:    p.total,
		QueueDepth:    len(p.queue),
		TotalRequests: p.requests,
		Completed:     p.completed,
		Failed:        p.failed,
		TimedOut:      p.timedOut,
		Recycled:      p.recycled,
	}
	served := p.completed + p.failed
	if served > 0 {
		s.AvgQueueTimeMS = float64(p.queueTime.Milliseconds()) / float64(served)
	}
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		cs := c.Stats()
		switch cs.State {
		case "idle":
			s.IdleConnections++
		case "busy":
			s.BusyConnections++
		}
		s.Connections = append(s.Connections, cs)
	}
	return s
}

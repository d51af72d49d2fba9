package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpcgate/rpcgate/pkg/logging"
	"github.com/rpcgate/rpcgate/pkg/metrics"
)

// Request is the metadata the limiter needs about one inbound request.
type Request struct {
	IP       string
	UserID   string
	APIKey   string
	Endpoint string
	Country  string
	// Tier overrides the stored tier when set.
	Tier Tier
	// Cost overrides the rule's cost function when positive.
	Cost float64
}

// Info carries the admission decision detail. Headers holds the
// X-RateLimit-* response headers for the HTTP layer.
type Info struct {
	Allowed    bool              `json:"allowed"`
	Reason     string            `json:"reason,omitempty"`
	Dimension  Dimension         `json:"dimension,omitempty"`
	Limit      int               `json:"limit"`
	Remaining  int               `json:"remaining"`
	Reset      time.Time         `json:"reset"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Headers    map[string]string `json:"-"`
}

// bucket is one token bucket. Tokens refill continuously in proportion to
// elapsed time, so the bucket never under- or over-refills regardless of how
// often it is checked.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	limit      float64
	window     time.Duration
	lastRefill time.Time
	requests   uint64
	blocked    uint64
}

func newBucket(limit float64, window time.Duration, now time.Time) *bucket {
	return &bucket{
		tokens:     limit,
		limit:      limit,
		window:     window,
		lastRefill: now,
	}
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.limit, b.tokens+elapsed.Seconds()/b.window.Seconds()*b.limit)
	b.lastRefill = now
}

// resetAtLocked returns when the bucket will have refilled enough tokens to
// afford cost.
func (b *bucket) resetAtLocked(cost float64, now time.Time) time.Time {
	deficit := cost - b.tokens
	if deficit <= 0 {
		return now
	}
	rate := b.limit / b.window.Seconds()
	return now.Add(time.Duration(deficit / rate * float64(time.Second)))
}

// setLimitLocked rescales the bucket, clamping tokens into the new range.
func (b *bucket) setLimitLocked(limit float64) {
	b.limit = limit
	if b.tokens > limit {
		b.tokens = limit
	}
}

// Config configures the limiter.
type Config struct {
	// DefaultRule governs endpoints no explicit rule matches.
	DefaultRule Rule
	// GlobalLimit is the process-wide bucket capacity per default window.
	GlobalLimit int
	// TierMultipliers scales per-tier effective limits.
	TierMultipliers map[Tier]float64
	// TrustedAPIKeys bypass all checks.
	TrustedAPIKeys []string
	// Governance configures the pre-bucket admission layer.
	Governance GovernanceConfig
}

// Limiter is the multi-dimensional token-bucket rate limiter. Admission is
// all-or-nothing: every dimension the matching rule declares must afford the
// request's cost, or no tokens are deducted anywhere.
type Limiter struct {
	rules *RuleSet
	gov   *Governance

	mu          sync.Mutex
	buckets     map[Dimension]map[string]*bucket
	userTiers   map[string]Tier
	trustedKeys map[string]bool
	globalBase  float64
	globalScale float64

	totalChecks   uint64
	allowedCount  uint64
	blockedCount  uint64
	windowChecks  uint64
	windowBlocked uint64

	metrics *metrics.Metrics
	logger  *logging.Logger
}

// dimensionOrder is the canonical lock acquisition order across buckets.
var dimensionOrder = []Dimension{DimensionGlobal, DimensionEndpoint, DimensionIP, DimensionUser}

// NewLimiter builds a limiter from config. Additional rules are registered
// through Rules().AddRule.
func NewLimiter(config Config, m *metrics.Metrics) *Limiter {
	if config.DefaultRule.Limit <= 0 {
		config.DefaultRule.Limit = 60
	}
	if config.GlobalLimit <= 0 {
		config.GlobalLimit = 10000
	}

	trusted := make(map[string]bool, len(config.TrustedAPIKeys))
	for _, key := range config.TrustedAPIKeys {
		trusted[key] = true
	}

	buckets := make(map[Dimension]map[string]*bucket)
	for _, dim := range dimensionOrder {
		buckets[dim] = make(map[string]*bucket)
	}

	return &Limiter{
		rules:       NewRuleSet(config.DefaultRule, config.TierMultipliers),
		gov:         NewGovernance(config.Governance, m),
		buckets:     buckets,
		userTiers:   make(map[string]Tier),
		trustedKeys: trusted,
		globalBase:  float64(config.GlobalLimit),
		globalScale: 1.0,
		metrics:     m,
		logger:      logging.GetLogger(),
	}
}

// Rules exposes the rule set for registration of endpoint rules.
func (l *Limiter) Rules() *RuleSet { return l.rules }

// Governance exposes the reputation/governance layer.
func (l *Limiter) Governance() *Governance { return l.gov }

// SetUserTier stores a user's tier for requests that do not carry one.
func (l *Limiter) SetUserTier(userID string, tier Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userTiers[userID] = tier
}

// GetUserTier returns the stored tier for a user, defaulting to basic.
func (l *Limiter) GetUserTier(userID string) Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tier, ok := l.userTiers[userID]; ok {
		return tier
	}
	return TierBasic
}

func (l *Limiter) resolveTier(req *Request) Tier {
	if req.APIKey != "" {
		l.mu.Lock()
		trusted := l.trustedKeys[req.APIKey]
		l.mu.Unlock()
		if trusted {
			return TierTrusted
		}
	}
	if req.Tier != "" {
		return req.Tier
	}
	if req.UserID != "" {
		return l.GetUserTier(req.UserID)
	}
	return TierBasic
}

// Check decides whether one request is admitted. The returned Info always
// carries rate-limit headers suitable for the HTTP response.
func (l *Limiter) Check(ctx context.Context, req Request) (bool, Info) {
	l.mu.Lock()
	l.totalChecks++
	l.windowChecks++
	l.mu.Unlock()

	decision := l.gov.Evaluate(req.IP, req.Country)
	if !decision.Allowed {
		return false, l.deny(ctx, req, "", decision.Reason, Info{Reason: decision.Reason})
	}
	if decision.Bypass {
		return true, l.allow(ctx, req, Info{Allowed: true, Reason: "whitelisted"})
	}

	tier := l.resolveTier(&req)
	switch tier {
	case TierTrusted:
		return true, l.allow(ctx, req, Info{Allowed: true, Reason: "trusted"})
	case TierBlocked:
		return false, l.deny(ctx, req, "", "tier blocked", Info{Reason: "tier blocked"})
	}

	rule := l.rules.Resolve(req.Endpoint)
	cost := req.Cost
	if cost <= 0 && rule.Cost != nil {
		cost = rule.Cost(&req)
	}
	if cost <= 0 {
		cost = 1
	}

	mult := l.rules.Multiplier(tier)
	now := time.Now()
	checks := l.collectBuckets(rule, &req, mult, now)
	if len(checks) == 0 {
		return true, l.allow(ctx, req, Info{Allowed: true})
	}

	// Lock every applicable bucket in canonical dimension order, refill, and
	// deduct only if all of them can afford the cost. The bucket locks are
	// released before any limiter-level accounting: allow and deny take l.mu,
	// and holding a bucket lock across that acquisition would invert the
	// l.mu -> bucket order used by collectBuckets and setGlobalScale.
	for _, c := range checks {
		c.b.mu.Lock()
		c.b.refillLocked(now)
	}

	var info Info
	denied := false
	for _, c := range checks {
		if c.b.tokens < cost {
			c.b.blocked++
			info = Info{
				Reason:     "rate limit exceeded",
				Dimension:  c.dim,
				Limit:      int(c.b.limit),
				Remaining:  int(c.b.tokens),
				Reset:      c.b.resetAtLocked(cost, now),
				RetryAfter: c.b.resetAtLocked(cost, now).Sub(now),
			}
			denied = true
			break
		}
	}

	if !denied {
		var tightest *bucketCheck
		for i := range checks {
			c := &checks[i]
			c.b.tokens -= cost
			c.b.requests++
			if tightest == nil || c.b.tokens/c.b.limit < tightest.b.tokens/tightest.b.limit {
				tightest = c
			}
		}
		info = Info{
			Allowed:   true,
			Dimension: tightest.dim,
			Limit:     int(tightest.b.limit),
			Remaining: int(tightest.b.tokens),
			Reset:     tightest.b.resetAtLocked(tightest.b.limit, now),
		}
	}

	for _, c := range checks {
		c.b.mu.Unlock()
	}

	if denied {
		return false, l.deny(ctx, req, info.Dimension, info.Reason, info)
	}
	return true, l.allow(ctx, req, info)
}

type bucketCheck struct {
	dim Dimension
	b   *bucket
}

// collectBuckets resolves the rule's dimensions to concrete buckets, creating
// them lazily. Dimensions without a usable key (no user id, no ip) are
// skipped.
func (l *Limiter) collectBuckets(rule *Rule, req *Request, mult float64, now time.Time) []bucketCheck {
	limit := float64(rule.Limit+rule.Burst) * mult

	l.mu.Lock()
	defer l.mu.Unlock()

	var checks []bucketCheck
	for _, dim := range dimensionOrder {
		if !ruleHasDimension(rule, dim) {
			continue
		}
		var key string
		var capacity float64
		window := rule.Window
		switch dim {
		case DimensionGlobal:
			key = "global"
			capacity = l.globalBase * l.globalScale
		case DimensionEndpoint:
			key = rule.Pattern
			capacity = limit
		case DimensionIP:
			key = req.IP
			capacity = limit
		case DimensionUser:
			key = req.UserID
			capacity = limit
		}
		if key == "" {
			continue
		}

		b, ok := l.buckets[dim][key]
		if !ok {
			b = newBucket(capacity, window, now)
			l.buckets[dim][key] = b
		} else {
			b.mu.Lock()
			if b.limit != capacity {
				b.setLimitLocked(capacity)
			}
			b.mu.Unlock()
		}
		checks = append(checks, bucketCheck{dim: dim, b: b})
	}
	return checks
}

func ruleHasDimension(rule *Rule, dim Dimension) bool {
	for _, d := range rule.Dimensions {
		if d == dim {
			return true
		}
	}
	return false
}

func (l *Limiter) allow(ctx context.Context, req Request, info Info) Info {
	l.mu.Lock()
	l.allowedCount++
	l.mu.Unlock()

	info.Headers = buildHeaders(info)
	if req.IP != "" {
		l.gov.RecordClean(req.IP)
	}
	if l.metrics != nil && l.metrics.RateLimitDecisions != nil {
		l.metrics.RateLimitDecisions.WithLabelValues("allowed", string(info.Dimension)).Inc()
	}
	return info
}

func (l *Limiter) deny(ctx context.Context, req Request, dim Dimension, reason string, info Info) Info {
	l.mu.Lock()
	l.blockedCount++
	l.windowBlocked++
	l.mu.Unlock()

	info.Headers = buildHeaders(info)
	if req.IP != "" && reason == "rate limit exceeded" {
		l.gov.MarkSuspicious(req.IP, reason)
	}
	if l.metrics != nil && l.metrics.RateLimitDecisions != nil {
		l.metrics.RateLimitDecisions.WithLabelValues("blocked", string(dim)).Inc()
	}
	l.logger.LogRateLimitEvent(ctx, reason, req.IP, false, logrus.Fields{
		"endpoint":  req.Endpoint,
		"dimension": string(dim),
		"user_id":   req.UserID,
	})
	return info
}

func buildHeaders(info Info) map[string]string {
	headers := make(map[string]string, 4)
	headers["X-RateLimit-Limit"] = fmt.Sprintf("%d", info.Limit)
	headers["X-RateLimit-Remaining"] = fmt.Sprintf("%d", info.Remaining)
	if !info.Reset.IsZero() {
		headers["X-RateLimit-Reset"] = fmt.Sprintf("%d", info.Reset.Unix())
	}
	if info.Dimension != "" {
		headers["X-RateLimit-Resource"] = string(info.Dimension)
	}
	return headers
}

// takeWindowSample returns and resets the trailing check/block counters used
// by the adaptive tuner.
func (l *Limiter) takeWindowSample() (checks, blocked uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	checks, blocked = l.windowChecks, l.windowBlocked
	l.windowChecks, l.windowBlocked = 0, 0
	return checks, blocked
}

// GlobalScale returns the adaptive multiplier on the global bucket capacity.
func (l *Limiter) GlobalScale() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalScale
}

// setGlobalScale applies a new adaptive multiplier and rescales the live
// global bucket.
func (l *Limiter) setGlobalScale(scale float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalScale = scale
	if b, ok := l.buckets[DimensionGlobal]["global"]; ok {
		b.mu.Lock()
		b.setLimitLocked(l.globalBase * scale)
		b.mu.Unlock()
	}
	if l.metrics != nil && l.metrics.RateLimitTokens != nil {
		l.metrics.RateLimitTokens.WithLabelValues("global").Set(l.globalBase * scale)
	}
}

// LimiterStats is a snapshot of the limiter's counters.
type LimiterStats struct {
	TotalChecks  uint64          `json:"total_checks"`
	Allowed      uint64          `json:"allowed"`
	Blocked      uint64          `json:"blocked"`
	BlockRatio   float64         `json:"block_ratio"`
	GlobalScale  float64         `json:"global_scale"`
	BucketCounts map[string]int  `json:"bucket_counts"`
	Reputation   ReputationStats `json:"reputation"`
}

// Stats returns a snapshot of the limiter.
func (l *Limiter) Stats() LimiterStats {
	rep := l.gov.Stats()

	l.mu.Lock()
	defer l.mu.Unlock()
	s := LimiterStats{
		TotalChecks:  l.totalChecks,
		Allowed:      l.allowedCount,
		Blocked:      l.blockedCount,
		GlobalScale:  l.globalScale,
		BucketCounts: make(map[string]int, len(l.buckets)),
		Reputation:   rep,
	}
	if l.totalChecks > 0 {
		s.BlockRatio = float64(l.blockedCount) / float64(l.totalChecks)
	}
	for dim, m := range l.buckets {
		s.BucketCounts[string(dim)] = len(m)
	}
	return s
}

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(config Config) *Limiter {
	return NewLimiter(config, nil)
}

func TestBucket_ContinuousRefill(t *testing.T) {
	now := time.Now()
	b := newBucket(60, time.Minute, now)
	b.tokens = 0

	// Half the window refills half the limit.
	b.mu.Lock()
	b.lastRefill = now.Add(-30 * time.Second)
	b.refillLocked(now)
	assert.InDelta(t, 30, b.tokens, 0.01)

	// A full window from empty refills to the cap, never beyond.
	b.tokens = 0
	b.lastRefill = now.Add(-10 * time.Minute)
	b.refillLocked(now)
	assert.Equal(t, 60.0, b.tokens)
	b.mu.Unlock()
}

func TestBucket_TokensStayInRange(t *testing.T) {
	now := time.Now()
	b := newBucket(100, time.Second, now)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.mu.Lock()
				b.refillLocked(time.Now())
				if b.tokens >= 1 {
					b.tokens--
				}
				assert.GreaterOrEqual(t, b.tokens, 0.0)
				assert.LessOrEqual(t, b.tokens, b.limit)
				b.mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestLimiter_BasicAdmission(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 3, Window: time.Minute, Dimensions: []Dimension{DimensionIP}},
	})

	req := Request{IP: "10.0.0.1", Endpoint: "/rpc"}
	for i := 0; i < 3; i++ {
		allowed, info := l.Check(context.Background(), req)
		require.True(t, allowed, "request %d should pass", i+1)
		assert.Equal(t, 3, info.Limit)
	}

	allowed, info := l.Check(context.Background(), req)
	require.False(t, allowed)
	assert.Equal(t, "rate limit exceeded", info.Reason)
	assert.Equal(t, DimensionIP, info.Dimension)
	assert.NotEmpty(t, info.Headers["X-RateLimit-Limit"])
	assert.NotEmpty(t, info.Headers["X-RateLimit-Reset"])

	// Reset is within one window.
	assert.True(t, info.Reset.Before(time.Now().Add(time.Minute+time.Second)))
}

func TestLimiter_IPsDoNotContend(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 1, Window: time.Minute, Dimensions: []Dimension{DimensionIP}},
	})

	allowed, _ := l.Check(context.Background(), Request{IP: "10.0.0.1"})
	require.True(t, allowed)
	allowed, _ = l.Check(context.Background(), Request{IP: "10.0.0.1"})
	require.False(t, allowed)

	// A different IP has its own bucket.
	allowed, _ = l.Check(context.Background(), Request{IP: "10.0.0.2"})
	assert.True(t, allowed)
}

func TestLimiter_AllOrNothingDeduction(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{
			Limit:      10,
			Window:     time.Minute,
			Dimensions: []Dimension{DimensionIP, DimensionUser},
		},
	})

	// Drain the user bucket through a first IP.
	for i := 0; i < 10; i++ {
		allowed, _ := l.Check(context.Background(), Request{IP: "10.0.0.1", UserID: "u1"})
		require.True(t, allowed)
	}

	// Same user from a fresh IP: user bucket is empty, so the request is
	// denied and the fresh IP bucket must not lose a token.
	allowed, info := l.Check(context.Background(), Request{IP: "10.0.0.2", UserID: "u1"})
	require.False(t, allowed)
	assert.Equal(t, DimensionUser, info.Dimension)

	// The same fresh IP with a different user still has all its tokens.
	for i := 0; i < 10; i++ {
		allowed, _ := l.Check(context.Background(), Request{IP: "10.0.0.2", UserID: "u2"})
		require.True(t, allowed, "ip bucket lost tokens on the denied request")
	}
}

func TestLimiter_PremiumTierMultiplier(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 60, Window: time.Minute, Dimensions: []Dimension{DimensionUser}},
		TierMultipliers: map[Tier]float64{
			TierBasic:   1.0,
			TierPremium: 3.0,
		},
	})

	// Effective limit 180 for a premium user.
	req := Request{IP: "10.0.0.1", UserID: "premium-user", Tier: TierPremium}
	for i := 0; i < 180; i++ {
		allowed, _ := l.Check(context.Background(), req)
		require.True(t, allowed, "request %d within the premium budget was denied", i+1)
	}

	allowed, info := l.Check(context.Background(), req)
	require.False(t, allowed)
	assert.Equal(t, "rate limit exceeded", info.Reason)
	assert.True(t, info.Reset.Before(time.Now().Add(time.Minute+time.Second)),
		"reset should be within one window")
}

func TestLimiter_TrustedBypassesEverything(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule:    Rule{Limit: 1, Window: time.Minute, Dimensions: []Dimension{DimensionIP}},
		TrustedAPIKeys: []string{"svc-key-1"},
	})

	for i := 0; i < 50; i++ {
		allowed, info := l.Check(context.Background(), Request{IP: "10.0.0.1", APIKey: "svc-key-1"})
		require.True(t, allowed)
		assert.Equal(t, "trusted", info.Reason)
	}
}

func TestLimiter_BlockedTierDeniedOutright(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 100, Window: time.Minute},
	})
	l.SetUserTier("banned-user", TierBlocked)

	allowed, info := l.Check(context.Background(), Request{IP: "10.0.0.1", UserID: "banned-user"})
	require.False(t, allowed)
	assert.Equal(t, "tier blocked", info.Reason)
}

func TestLimiter_UserTierStore(t *testing.T) {
	l := testLimiter(Config{DefaultRule: Rule{Limit: 10}})

	assert.Equal(t, TierBasic, l.GetUserTier("nobody"))
	l.SetUserTier("u1", TierEnterprise)
	assert.Equal(t, TierEnterprise, l.GetUserTier("u1"))
}

func TestLimiter_GlobalDimension(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 100, Window: time.Minute, Dimensions: []Dimension{DimensionGlobal}},
		GlobalLimit: 2,
	})

	allowed, _ := l.Check(context.Background(), Request{IP: "10.0.0.1"})
	require.True(t, allowed)
	allowed, _ = l.Check(context.Background(), Request{IP: "10.0.0.2"})
	require.True(t, allowed)

	// The global budget is shared across callers.
	allowed, info := l.Check(context.Background(), Request{IP: "10.0.0.3"})
	require.False(t, allowed)
	assert.Equal(t, DimensionGlobal, info.Dimension)
}

func TestLimiter_EndpointRuleOverridesDefault(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 100, Window: time.Minute, Dimensions: []Dimension{DimensionIP}},
	})
	require.NoError(t, l.Rules().AddRule(Rule{
		Pattern:    "/rpc/expensive",
		Limit:      1,
		Window:     time.Minute,
		Dimensions: []Dimension{DimensionEndpoint},
	}))

	allowed, _ := l.Check(context.Background(), Request{IP: "10.0.0.1", Endpoint: "/rpc/expensive"})
	require.True(t, allowed)

	// Endpoint bucket is shared across IPs.
	allowed, info := l.Check(context.Background(), Request{IP: "10.0.0.2", Endpoint: "/rpc/expensive"})
	require.False(t, allowed)
	assert.Equal(t, DimensionEndpoint, info.Dimension)

	// Other endpoints still use the generous default rule.
	allowed, _ = l.Check(context.Background(), Request{IP: "10.0.0.2", Endpoint: "/rpc/cheap"})
	assert.True(t, allowed)
}

func TestLimiter_CostFunction(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{
			Limit:      10,
			Window:     time.Minute,
			Dimensions: []Dimension{DimensionIP},
			Cost: func(req *Request) float64 {
				return 5
			},
		},
	})

	req := Request{IP: "10.0.0.1"}
	allowed, _ := l.Check(context.Background(), req)
	require.True(t, allowed)
	allowed, _ = l.Check(context.Background(), req)
	require.True(t, allowed)

	// Third request of cost 5 exceeds the budget of 10.
	allowed, _ = l.Check(context.Background(), req)
	assert.False(t, allowed)
}

func TestLimiter_Stats(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 1, Window: time.Minute, Dimensions: []Dimension{DimensionIP}},
	})

	l.Check(context.Background(), Request{IP: "10.0.0.1"})
	l.Check(context.Background(), Request{IP: "10.0.0.1"})

	s := l.Stats()
	assert.Equal(t, uint64(2), s.TotalChecks)
	assert.Equal(t, uint64(1), s.Allowed)
	assert.Equal(t, uint64(1), s.Blocked)
	assert.InDelta(t, 0.5, s.BlockRatio, 0.001)
	assert.Equal(t, 1.0, s.GlobalScale)
	assert.Equal(t, 1, s.BucketCounts["ip"])
}

// Concurrent checks on identical keys must make progress: every call touches
// the same global/IP/user buckets while the adaptive rescale path walks them
// under the limiter lock at the same time.
func TestLimiter_ConcurrentChecksSameKeys(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 50, Window: time.Minute},
		GlobalLimit: 1000,
	})

	const workers = 8
	const perWorker = 2000

	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				l.Check(context.Background(), Request{
					IP:       "10.0.0.1",
					UserID:   "u-1",
					Endpoint: "/api/v1/rpc",
				})
			}
		}()
	}

	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		scale := 1.0
		for {
			select {
			case <-stop:
				return
			default:
			}
			scale = 3.0 - scale // alternate 1.0 and 2.0
			l.setGlobalScale(scale)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	go func() {
		// release the rescaler once the checkers are through
		for {
			if l.Stats().TotalChecks >= workers*perWorker {
				close(stop)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("concurrent checks did not finish: limiter deadlocked")
	}

	stats := l.Stats()
	assert.Equal(t, uint64(workers*perWorker), stats.TotalChecks)
	assert.Equal(t, stats.TotalChecks, stats.Allowed+stats.Blocked)
}

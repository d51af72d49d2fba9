package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernance_Whitelist(t *testing.T) {
	g := NewGovernance(GovernanceConfig{
		Whitelist: []string{"10.0.0.1", "192.168.0.0/16"},
	}, nil)

	d := g.Evaluate("10.0.0.1", "")
	assert.True(t, d.Allowed)
	assert.True(t, d.Bypass)

	d = g.Evaluate("192.168.44.7", "")
	assert.True(t, d.Allowed)
	assert.True(t, d.Bypass)

	d = g.Evaluate("172.16.0.1", "")
	assert.True(t, d.Allowed)
	assert.False(t, d.Bypass)
}

func TestGovernance_BlacklistAndCIDR(t *testing.T) {
	g := NewGovernance(GovernanceConfig{
		Blacklist: []string{"203.0.113.9", "198.51.100.0/24"},
	}, nil)

	d := g.Evaluate("203.0.113.9", "")
	require.False(t, d.Allowed)
	assert.Equal(t, "ip blacklisted", d.Reason)

	d = g.Evaluate("198.51.100.200", "")
	require.False(t, d.Allowed)

	// Blacklist hits count as suspicious events.
	assert.NotEqual(t, ReputationUnknown, g.Status("203.0.113.9"))
}

func TestGovernance_WhitelistBeatsBlacklist(t *testing.T) {
	g := NewGovernance(GovernanceConfig{
		Whitelist: []string{"203.0.113.9"},
		Blacklist: []string{"203.0.113.0/24"},
	}, nil)

	d := g.Evaluate("203.0.113.9", "")
	assert.True(t, d.Allowed)
}

func TestGovernance_GeoRestrictions(t *testing.T) {
	g := NewGovernance(GovernanceConfig{
		GeoRestrictions: map[string]bool{"KP": false, "US": true},
	}, nil)

	d := g.Evaluate("10.0.0.1", "KP")
	require.False(t, d.Allowed)
	assert.Equal(t, "geo restricted", d.Reason)

	assert.True(t, g.Evaluate("10.0.0.1", "US").Allowed)
	// Countries absent from the map are allowed.
	assert.True(t, g.Evaluate("10.0.0.1", "DE").Allowed)
	// Unknown origin is allowed.
	assert.True(t, g.Evaluate("10.0.0.1", "").Allowed)
}

func TestGovernance_ReputationEscalation(t *testing.T) {
	g := NewGovernance(GovernanceConfig{}, nil)
	ip := "10.9.9.9"

	assert.Equal(t, ReputationUnknown, g.Status(ip))

	for i := 0; i < suspiciousThreshold; i++ {
		g.MarkSuspicious(ip, "test")
	}
	assert.Equal(t, ReputationSuspicious, g.Status(ip))
	// Suspicious IPs are still admitted; only bad IPs are cut off.
	assert.True(t, g.Evaluate(ip, "").Allowed)

	for i := suspiciousThreshold; i < badThreshold; i++ {
		g.MarkSuspicious(ip, "test")
	}
	assert.Equal(t, ReputationBad, g.Status(ip))

	d := g.Evaluate(ip, "")
	require.False(t, d.Allowed)
	assert.Equal(t, "bad ip reputation", d.Reason)
}

func TestGovernance_CleanTrafficRecovers(t *testing.T) {
	g := NewGovernance(GovernanceConfig{}, nil)
	ip := "10.8.8.8"

	for i := 0; i < suspiciousThreshold; i++ {
		g.MarkSuspicious(ip, "test")
	}
	require.Equal(t, ReputationSuspicious, g.Status(ip))

	// Score climbs back slowly; enough clean traffic restores good standing.
	for i := 0; i < 5000; i++ {
		g.RecordClean(ip)
	}
	assert.Equal(t, ReputationGood, g.Status(ip))
}

func TestGovernance_Stats(t *testing.T) {
	g := NewGovernance(GovernanceConfig{}, nil)
	g.RecordClean("10.0.0.1")
	for i := 0; i < badThreshold; i++ {
		g.MarkSuspicious("10.0.0.2", "test")
	}

	s := g.Stats()
	assert.Equal(t, 2, s.Tracked)
	assert.Equal(t, 1, s.Good)
	assert.Equal(t, 1, s.Bad)
}

func TestLimiter_RepeatedRejectionsEscalateReputation(t *testing.T) {
	l := testLimiter(Config{
		DefaultRule: Rule{Limit: 1, Window: time.Minute, Dimensions: []Dimension{DimensionIP}},
	})
	ip := "10.7.7.7"

	l.Check(context.Background(), Request{IP: ip})
	for i := 0; i < suspiciousThreshold; i++ {
		allowed, _ := l.Check(context.Background(), Request{IP: ip})
		require.False(t, allowed)
	}
	assert.Equal(t, ReputationSuspicious, l.Governance().Status(ip))
}

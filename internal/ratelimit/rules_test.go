package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleSet_Resolution(t *testing.T) {
	rs := NewRuleSet(Rule{Limit: 60, Window: time.Minute}, nil)

	require.NoError(t, rs.AddRule(Rule{Pattern: "/api/v1/rpc", Limit: 100}))
	require.NoError(t, rs.AddRule(Rule{Pattern: "/api/v1/*", Limit: 50}))
	require.NoError(t, rs.AddRule(Rule{Pattern: "/api/*", Limit: 30}))

	// Exact match wins.
	assert.Equal(t, 100, rs.Resolve("/api/v1/rpc").Limit)

	// Longest wildcard prefix wins over a shorter one.
	assert.Equal(t, 50, rs.Resolve("/api/v1/stats").Limit)
	assert.Equal(t, 30, rs.Resolve("/api/v2/rpc").Limit)

	// Nothing matches: default rule.
	assert.Equal(t, 60, rs.Resolve("/healthz").Limit)
}

func TestRuleSet_AddRuleValidation(t *testing.T) {
	rs := NewRuleSet(Rule{Limit: 60}, nil)
	assert.Error(t, rs.AddRule(Rule{Pattern: "", Limit: 10}))
	assert.Error(t, rs.AddRule(Rule{Pattern: "/x", Limit: 0}))
}

func TestRuleSet_Normalize(t *testing.T) {
	rs := NewRuleSet(Rule{Limit: 60}, nil)
	require.NoError(t, rs.AddRule(Rule{Pattern: "/x", Limit: 10}))

	rule := rs.Resolve("/x")
	assert.Equal(t, time.Minute, rule.Window)
	assert.NotEmpty(t, rule.Dimensions)
}

func TestRuleSet_Multipliers(t *testing.T) {
	rs := NewRuleSet(Rule{Limit: 60}, map[Tier]float64{
		TierBasic:      1.0,
		TierPremium:    3.0,
		TierEnterprise: 10.0,
	})

	assert.Equal(t, 1.0, rs.Multiplier(TierBasic))
	assert.Equal(t, 3.0, rs.Multiplier(TierPremium))
	assert.Equal(t, 10.0, rs.Multiplier(TierEnterprise))
	// Unknown tiers get basic treatment.
	assert.Equal(t, 1.0, rs.Multiplier(Tier("gold")))
}

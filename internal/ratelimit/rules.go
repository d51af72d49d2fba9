package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rpcgate/rpcgate/pkg/errors"
)

// Dimension names one axis a rule can limit on.
type Dimension string

const (
	DimensionIP       Dimension = "ip"
	DimensionUser     Dimension = "user"
	DimensionEndpoint Dimension = "endpoint"
	DimensionGlobal   Dimension = "global"
)

// Tier is a caller's service tier. Trusted bypasses all bucket checks;
// blocked has an effective limit of zero.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
	TierTrusted    Tier = "trusted"
	TierBlocked    Tier = "blocked"
)

// CostFunc computes the token cost of a request. The default cost is 1.
type CostFunc func(req *Request) float64

// Rule limits requests matching an endpoint pattern. A pattern ending in "*"
// matches by prefix; anything else matches exactly.
type Rule struct {
	Pattern    string
	Limit      int
	Window     time.Duration
	Burst      int
	Dimensions []Dimension
	Cost       CostFunc
}

func (r *Rule) normalize() {
	if r.Window <= 0 {
		r.Window = time.Minute
	}
	if len(r.Dimensions) == 0 {
		r.Dimensions = []Dimension{DimensionGlobal, DimensionIP}
	}
}

// RuleSet resolves an endpoint to its governing rule: exact match first, then
// the longest matching wildcard prefix, then the default rule. Rules are
// written at configuration time and read on every request.
type RuleSet struct {
	mu          sync.RWMutex
	exact       map[string]*Rule
	wildcards   []*Rule
	defaultRule *Rule
	multipliers map[Tier]float64
}

// NewRuleSet builds a rule set around a default rule and tier multipliers.
func NewRuleSet(defaultRule Rule, multipliers map[Tier]float64) *RuleSet {
	defaultRule.normalize()
	if defaultRule.Pattern == "" {
		defaultRule.Pattern = "*"
	}

	m := make(map[Tier]float64, len(multipliers))
	for tier, mult := range multipliers {
		m[tier] = mult
	}
	if _, ok := m[TierBasic]; !ok {
		m[TierBasic] = 1.0
	}

	return &RuleSet{
		exact:       make(map[string]*Rule),
		defaultRule: &defaultRule,
		multipliers: m,
	}
}

// AddRule registers a rule. Patterns ending in "*" become wildcard rules.
func (rs *RuleSet) AddRule(rule Rule) error {
	if rule.Pattern == "" {
		return errors.NewValidationError("rate limit rule needs a pattern")
	}
	if rule.Limit <= 0 {
		return errors.NewValidationError("rate limit rule needs a positive limit")
	}
	rule.normalize()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if strings.HasSuffix(rule.Pattern, "*") {
		rs.wildcards = append(rs.wildcards, &rule)
		// Longest prefix wins, so keep wildcards sorted longest first.
		sort.SliceStable(rs.wildcards, func(i, j int) bool {
			return len(rs.wildcards[i].Pattern) > len(rs.wildcards[j].Pattern)
		})
	} else {
		rs.exact[rule.Pattern] = &rule
	}
	return nil
}

// Resolve returns the rule governing an endpoint.
func (rs *RuleSet) Resolve(endpoint string) *Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rule, ok := rs.exact[endpoint]; ok {
		return rule
	}
	for _, rule := range rs.wildcards {
		prefix := strings.TrimSuffix(rule.Pattern, "*")
		if strings.HasPrefix(endpoint, prefix) {
			return rule
		}
	}
	return rs.defaultRule
}

// Multiplier returns the limit multiplier for a tier. Unknown tiers get the
// basic multiplier.
func (rs *RuleSet) Multiplier(tier Tier) float64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if mult, ok := rs.multipliers[tier]; ok {
		return mult
	}
	return rs.multipliers[TierBasic]
}

package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/rpcgate/rpcgate/pkg/logging"
	"github.com/rpcgate/rpcgate/pkg/metrics"
)

// ReputationStatus classifies an IP's behavior over time.
type ReputationStatus string

const (
	ReputationUnknown    ReputationStatus = "unknown"
	ReputationGood       ReputationStatus = "good"
	ReputationSuspicious ReputationStatus = "suspicious"
	ReputationBad        ReputationStatus = "bad"
)

const (
	// suspiciousThreshold escalates unknown/good to suspicious.
	suspiciousThreshold = 3
	// badThreshold escalates to bad and blocks the IP outright.
	badThreshold = 10

	reputationMaxScore   = 100.0
	reputationCleanBonus = 0.1
	reputationHitPenalty = 15.0
	// recoveredScore is where a suspicious IP earns its way back to good.
	recoveredScore = 90.0
)

type reputationRecord struct {
	status          ReputationStatus
	score           float64
	suspiciousCount int
	lastCheck       time.Time
}

// GovernanceConfig configures the pre-bucket admission layer.
type GovernanceConfig struct {
	// Whitelist entries are plain IPs or CIDR blocks that always pass.
	Whitelist []string
	// Blacklist entries are plain IPs or CIDR blocks that always fail and
	// mark the IP suspicious.
	Blacklist []string
	// GeoRestrictions maps ISO country codes to allowed (true) or denied
	// (false). Countries absent from the map are allowed.
	GeoRestrictions map[string]bool
}

// Governance runs before any token bucket: whitelist, blacklist + CIDR, geo
// restriction, then IP reputation. It also owns the per-IP reputation records.
type Governance struct {
	whitelistIPs  map[string]bool
	whitelistNets []*net.IPNet
	blacklistIPs  map[string]bool
	blacklistNets []*net.IPNet
	geo           map[string]bool

	mu         sync.Mutex
	reputation map[string]*reputationRecord

	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewGovernance parses the configured lists. Malformed CIDR entries are
// treated as plain IPs.
func NewGovernance(config GovernanceConfig, m *metrics.Metrics) *Governance {
	g := &Governance{
		whitelistIPs: make(map[string]bool),
		blacklistIPs: make(map[string]bool),
		geo:          make(map[string]bool, len(config.GeoRestrictions)),
		reputation:   make(map[string]*reputationRecord),
		metrics:      m,
		logger:       logging.GetLogger(),
	}
	for country, allowed := range config.GeoRestrictions {
		g.geo[country] = allowed
	}
	g.whitelistIPs, g.whitelistNets = parseIPList(config.Whitelist)
	g.blacklistIPs, g.blacklistNets = parseIPList(config.Blacklist)
	return g
}

func parseIPList(entries []string) (map[string]bool, []*net.IPNet) {
	ips := make(map[string]bool)
	var nets []*net.IPNet
	for _, entry := range entries {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		ips[entry] = true
	}
	return ips, nets
}

func matchIP(ip string, exact map[string]bool, nets []*net.IPNet) bool {
	if exact[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Decision is the outcome of the governance layer.
type Decision struct {
	Allowed bool
	// Bypass means skip the token buckets entirely (whitelisted).
	Bypass bool
	Reason string
}

// Evaluate applies whitelist, blacklist, geo restrictions, and reputation in
// that order.
func (g *Governance) Evaluate(ip, country string) Decision {
	if matchIP(ip, g.whitelistIPs, g.whitelistNets) {
		return Decision{Allowed: true, Bypass: true}
	}
	if matchIP(ip, g.blacklistIPs, g.blacklistNets) {
		g.MarkSuspicious(ip, "blacklist_hit")
		return Decision{Reason: "ip blacklisted"}
	}
	if country != "" {
		if allowed, restricted := g.geo[country]; restricted && !allowed {
			return Decision{Reason: "geo restricted"}
		}
	}
	if g.Status(ip) == ReputationBad {
		return Decision{Reason: "bad ip reputation"}
	}
	return Decision{Allowed: true}
}

// Status returns the current reputation status for an IP.
func (g *Governance) Status(ip string) ReputationStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.reputation[ip]
	if !ok {
		return ReputationUnknown
	}
	return rec.status
}

// MarkSuspicious records one suspicious event (blacklist hit, repeated
// rejection) and escalates the status at the configured thresholds.
func (g *Governance) MarkSuspicious(ip, cause string) {
	g.mu.Lock()
	rec := g.recordLocked(ip)
	rec.suspiciousCount++
	rec.score -= reputationHitPenalty
	if rec.score < 0 {
		rec.score = 0
	}

	prev := rec.status
	switch {
	case rec.suspiciousCount >= badThreshold:
		rec.status = ReputationBad
	case rec.suspiciousCount >= suspiciousThreshold:
		rec.status = ReputationSuspicious
	}
	escalated := rec.status != prev
	status := rec.status
	g.mu.Unlock()

	if escalated {
		if g.metrics != nil && g.metrics.ReputationEscalations != nil {
			g.metrics.ReputationEscalations.WithLabelValues(string(status)).Inc()
		}
		g.logger.Warn("IP reputation escalated",
			"ip", ip,
			"status", string(status),
			"cause", cause,
		)
	}
}

// RecordClean nudges an IP's score back toward good on allowed traffic. A
// suspicious IP that climbs back above the recovery score is forgiven.
func (g *Governance) RecordClean(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.recordLocked(ip)
	rec.score += reputationCleanBonus
	if rec.score > reputationMaxScore {
		rec.score = reputationMaxScore
	}
	if rec.status == ReputationSuspicious && rec.score >= recoveredScore {
		rec.status = ReputationGood
		rec.suspiciousCount = 0
	} else if rec.status == ReputationUnknown {
		rec.status = ReputationGood
	}
}

func (g *Governance) recordLocked(ip string) *reputationRecord {
	rec, ok := g.reputation[ip]
	if !ok {
		rec = &reputationRecord{status: ReputationUnknown, score: reputationMaxScore}
		g.reputation[ip] = rec
	}
	rec.lastCheck = time.Now()
	return rec
}

// ReputationStats summarizes tracked IPs by status.
type ReputationStats struct {
	Tracked    int `json:"tracked"`
	Good       int `json:"good"`
	Suspicious int `json:"suspicious"`
	Bad        int `json:"bad"`
}

// Stats returns a snapshot of the reputation table.
func (g *Governance) Stats() ReputationStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := ReputationStats{Tracked: len(g.reputation)}
	for _, rec := range g.reputation {
		switch rec.status {
		case ReputationGood:
			s.Good++
		case ReputationSuspicious:
			s.Suspicious++
		case ReputationBad:
			s.Bad++
		}
	}
	return s
}

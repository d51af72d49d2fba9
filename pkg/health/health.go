package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status of one component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Checker reports the health of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) Status
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) Status
}

func (c CheckerFunc) Name() string                     { return c.CheckerName }
func (c CheckerFunc) Check(ctx context.Context) Status { return c.Fn(ctx) }

// Service aggregates component checkers into the health endpoints.
type Service struct {
	version   string
	startedAt time.Time

	mu       sync.RWMutex
	checkers []Checker
}

// NewService creates a health service.
func NewService(version string) *Service {
	return &Service{
		version:   version,
		startedAt: time.Now(),
	}
}

// Register adds a component checker.
func (s *Service) Register(c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, c)
}

// Report is the aggregated health snapshot.
type Report struct {
	Status        Status            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Components    map[string]Status `json:"components"`
}

// Check runs every registered checker. The overall status is the worst
// component status: any unhealthy component makes the service unhealthy, any
// degraded one makes it degraded.
func (s *Service) Check(ctx context.Context) Report {
	s.mu.RLock()
	checkers := make([]Checker, len(s.checkers))
	copy(checkers, s.checkers)
	s.mu.RUnlock()

	report := Report{
		Status:        StatusHealthy,
		Version:       s.version,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Components:    make(map[string]Status, len(checkers)),
	}
	for _, c := range checkers {
		status := c.Check(ctx)
		report.Components[c.Name()] = status
		switch status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// Handler serves the full health report. Degraded still returns 200 so load
// balancers keep routing while operators investigate.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.Check(c.Request.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}

// LivenessHandler reports only that the process is up.
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	}
}

// ReadinessHandler mirrors Handler but also fails on degraded, for use as a
// stricter routing gate.
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.Check(c.Request.Context())
		if report.Status != StatusHealthy {
			c.JSON(http.StatusServiceUnavailable, report)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

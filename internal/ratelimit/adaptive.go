package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rpcgate/rpcgate/pkg/logging"
	"github.com/rpcgate/rpcgate/pkg/metrics"
)

// TunerConfig configures the adaptive capacity tuner.
type TunerConfig struct {
	// Interval between tuning passes.
	Interval time.Duration
	// HighBlockRatio triggers a capacity increase.
	HighBlockRatio float64
	// LowBlockRatio triggers a capacity decrease.
	LowBlockRatio float64
	// IncreaseFactor scales capacity up, bounded by MaxScale.
	IncreaseFactor float64
	// DecreaseFactor scales capacity down, never below MinScale.
	DecreaseFactor float64
	// MaxScale bounds growth; MinScale is the configured floor.
	MaxScale float64
	MinScale float64
	// MinSample is the smallest trailing sample worth acting on.
	MinSample uint64
}

// Tuner periodically adjusts the limiter's global capacity based on the
// trailing block ratio: sustained blocking grows capacity within bounds, and
// sustained headroom shrinks it back toward the configured floor.
type Tuner struct {
	config  TunerConfig
	limiter *Limiter
	metrics *metrics.Metrics
	logger  *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTuner builds a tuner over a limiter.
func NewTuner(config TunerConfig, limiter *Limiter, m *metrics.Metrics) *Tuner {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.HighBlockRatio <= 0 {
		config.HighBlockRatio = 0.2
	}
	if config.LowBlockRatio <= 0 {
		config.LowBlockRatio = 0.05
	}
	if config.IncreaseFactor <= 1 {
		config.IncreaseFactor = 1.1
	}
	if config.DecreaseFactor <= 0 || config.DecreaseFactor >= 1 {
		config.DecreaseFactor = 0.95
	}
	if config.MaxScale <= 1 {
		config.MaxScale = 2.0
	}
	if config.MinScale <= 0 {
		config.MinScale = 1.0
	}
	if config.MinSample == 0 {
		config.MinSample = 10
	}
	return &Tuner{
		config:  config,
		limiter: limiter,
		metrics: m,
		logger:  logging.GetLogger(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the tuning loop.
func (t *Tuner) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.tune()
			}
		}
	}()
}

// Stop halts the tuning loop and waits for it to exit.
func (t *Tuner) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// tune applies one adjustment based on the trailing sample.
func (t *Tuner) tune() {
	checks, blocked := t.limiter.takeWindowSample()
	if checks < t.config.MinSample {
		return
	}
	ratio := float64(blocked) / float64(checks)
	scale := t.limiter.GlobalScale()

	var direction string
	switch {
	case ratio > t.config.HighBlockRatio:
		next := scale * t.config.IncreaseFactor
		if next > t.config.MaxScale {
			next = t.config.MaxScale
		}
		if next == scale {
			return
		}
		t.limiter.setGlobalScale(next)
		direction = "up"
		scale = next
	case ratio < t.config.LowBlockRatio:
		next := scale * t.config.DecreaseFactor
		if next < t.config.MinScale {
			next = t.config.MinScale
		}
		if next == scale {
			return
		}
		t.limiter.setGlobalScale(next)
		direction = "down"
		scale = next
	default:
		return
	}

	if t.metrics != nil && t.metrics.AdaptiveAdjustments != nil {
		t.metrics.AdaptiveAdjustments.WithLabelValues(direction).Inc()
	}
	t.logger.Info("Adaptive rate limit adjustment",
		"direction", direction,
		"block_ratio", ratio,
		"scale", scale,
		"sample", checks,
	)
}

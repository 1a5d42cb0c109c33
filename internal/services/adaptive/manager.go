package adaptive

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

const (
	smallDelayStep = 250 * time.Millisecond
	largeDelayStep = 1 * time.Second
)

// Manager tunes the two batch knobs, concurrency and inter-batch delay, from
// a rolling window of observed batch outcomes. The orchestrator reads the
// current config before each dispatch and feeds every outcome back in;
// mutation happens strictly between batches.
type Manager struct {
	config common.ScraperConfig
	logger arbor.ILogger

	mu      sync.Mutex
	current models.PerformanceConfig
	window  []models.BatchOutcome

	// snapshot of the window success rate taken at the last optimization,
	// used by the circuit breaker to detect self-inflicted regressions
	preOptimizeRate float64
	haveSnapshot    bool

	recovering     bool
	recoveryStreak int

	best      models.PerformanceConfig
	bestScore float64
}

// NewManager creates an adaptive manager seeded with the configured starting
// point.
func NewManager(config common.ScraperConfig, logger arbor.ILogger) *Manager {
	initial := models.PerformanceConfig{
		Delay:       config.InitialDelay,
		Concurrency: config.InitialWorkers,
	}
	return &Manager{
		config:  config,
		logger:  logger,
		current: initial,
		best:    initial,
		window:  make([]models.BatchOutcome, 0, config.WindowSize),
	}
}

// Current returns the config the next batch should run with.
func (m *Manager) Current() models.PerformanceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Recovering reports whether the circuit breaker is holding the pipeline in
// conservative mode.
func (m *Manager) Recovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering
}

// BestConfig returns the best-scoring config observed so far, by success
// rate times throughput.
func (m *Manager) BestConfig() models.PerformanceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.best
}

// RecordBatchResult appends one batch outcome to the rolling window, evicting
// the oldest entry beyond the window size, then runs the circuit-breaker and
// recovery checks.
func (m *Manager) RecordBatchResult(outcome models.BatchOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, outcome)
	if len(m.window) > m.config.WindowSize {
		m.window = m.window[1:]
	}

	if len(m.window) < m.config.WindowSize {
		return
	}

	rate := m.windowRate()

	if m.recovering {
		if rate >= m.config.RecoveryRate {
			m.recoveryStreak++
			if m.recoveryStreak >= m.config.RecoveryMinBatches {
				m.recovering = false
				m.recoveryStreak = 0
				m.logger.Info().
					Str("rate", formatRate(rate)).
					Msg("Success rate recovered, resuming adaptive tuning")
			}
		} else {
			m.recoveryStreak = 0
		}
		return
	}

	droppedHard := m.haveSnapshot && m.preOptimizeRate-rate > m.config.BreakerDropFraction
	belowFloor := rate < m.config.BreakerSevereFloor
	if droppedHard || belowFloor {
		m.tripBreaker(rate)
	}
}

// ShouldOptimize reports whether the manager has enough fresh samples to
// retune. Only every OptimizeInterval batches and only once the window is
// full, so noisy early samples cannot cause thrashing.
func (m *Manager) ShouldOptimize(batchIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recovering {
		return false
	}
	if len(m.window) < m.config.WindowSize {
		return false
	}
	return batchIndex > 0 && batchIndex%m.config.OptimizeInterval == 0
}

// OptimizeSettings retunes concurrency and delay from the current window.
// The poor branch reacts in a single call: sustained failure at speed wastes
// upstream trust faster than any gradual backoff can recover it.
func (m *Manager) OptimizeSettings(batchIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := m.windowRate()
	avgDuration := m.windowAvgDuration()
	m.trackBest(rate)

	m.preOptimizeRate = rate
	m.haveSnapshot = true

	before := m.current

	switch {
	case rate >= m.config.ExcellentRate:
		if m.current.Concurrency < m.config.MaxWorkers {
			m.current.Concurrency++
		} else {
			m.current.Delay = clampDelay(m.current.Delay-smallDelayStep, m.config)
		}

	case rate >= m.config.GoodRate:
		if avgDuration <= 4*m.current.Delay && m.current.Concurrency < m.config.MaxWorkers {
			m.current.Concurrency++
		} else {
			m.current.Delay = clampDelay(m.current.Delay-smallDelayStep/2, m.config)
		}

	case rate < m.config.PoorRate:
		m.current.Concurrency = clampConcurrency(m.current.Concurrency/2, m.config)
		m.current.Delay = clampDelay(m.current.Delay+largeDelayStep, m.config)

	default:
		// fair: hold, unless batches are dragging
		if avgDuration > 4*m.current.Delay {
			m.current.Delay = clampDelay(m.current.Delay-smallDelayStep/2, m.config)
		}
	}

	if m.current != before {
		m.logger.Info().
			Int("batch", batchIndex).
			Str("rate", formatRate(rate)).
			Str("avg_batch", avgDuration.String()).
			Int("concurrency", m.current.Concurrency).
			Str("delay", m.current.Delay.String()).
			Msg("Adaptive settings retuned")
	}
}

// ForceConservative drops straight into recovering mode. Called by the
// orchestrator on run-level rate-limit or block signals, without waiting for
// the window to fill.
func (m *Manager) ForceConservative() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tripBreaker(m.windowRate())
}

// tripBreaker forces conservative settings and raises the recovering flag.
// Caller holds the lock.
func (m *Manager) tripBreaker(rate float64) {
	m.current.Delay = clampDelay(m.current.Delay*2, m.config)
	m.current.Concurrency = clampConcurrency(m.current.Concurrency/2, m.config)
	m.recovering = true
	m.recoveryStreak = 0
	m.haveSnapshot = false

	m.logger.Warn().
		Str("rate", formatRate(rate)).
		Int("concurrency", m.current.Concurrency).
		Str("delay", m.current.Delay.String()).
		Msg("Circuit breaker tripped, forcing conservative settings")
}

// trackBest records the current config when the window scored better than
// anything seen before. Caller holds the lock.
func (m *Manager) trackBest(rate float64) {
	var totalItems int
	var totalDuration time.Duration
	for _, outcome := range m.window {
		totalItems += outcome.TotalCount
		totalDuration += outcome.BatchDuration
	}
	if totalDuration <= 0 {
		return
	}

	throughput := float64(totalItems) / totalDuration.Seconds()
	score := rate * throughput
	if score > m.bestScore {
		m.bestScore = score
		m.best = m.current
	}
}

// windowRate returns the item-weighted success rate over the window. Caller
// holds the lock.
func (m *Manager) windowRate() float64 {
	var success, total int
	for _, outcome := range m.window {
		success += outcome.SuccessCount
		total += outcome.TotalCount
	}
	if total == 0 {
		return 1.0
	}
	return float64(success) / float64(total)
}

// windowAvgDuration returns the mean batch duration over the window. Caller
// holds the lock.
func (m *Manager) windowAvgDuration() time.Duration {
	if len(m.window) == 0 {
		return 0
	}
	var total time.Duration
	for _, outcome := range m.window {
		total += outcome.BatchDuration
	}
	return total / time.Duration(len(m.window))
}

func clampDelay(d time.Duration, config common.ScraperConfig) time.Duration {
	if d < config.MinDelay {
		return config.MinDelay
	}
	if d > config.MaxDelay {
		return config.MaxDelay
	}
	return d
}

func clampConcurrency(c int, config common.ScraperConfig) int {
	if c < config.MinWorkers {
		return config.MinWorkers
	}
	if c > config.MaxWorkers {
		return config.MaxWorkers
	}
	return c
}

func formatRate(rate float64) string {
	return fmt.Sprintf("%.2f", rate)
}

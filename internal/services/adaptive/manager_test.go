package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

func testScraperConfig() common.ScraperConfig {
	return common.ScraperConfig{
		InitialDelay:   2 * time.Second,
		MinDelay:       500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		InitialWorkers: 3,
		MinWorkers:     1,
		MaxWorkers:     8,

		WindowSize:       5,
		OptimizeInterval: 3,

		ExcellentRate: 0.98,
		GoodRate:      0.92,
		PoorRate:      0.75,

		BreakerDropFraction: 0.20,
		BreakerSevereFloor:  0.50,
		RecoveryRate:        0.80,
		RecoveryMinBatches:  3,
	}
}

func outcome(index, success, total int, duration time.Duration) models.BatchOutcome {
	return models.BatchOutcome{
		BatchIndex:    index,
		SuccessCount:  success,
		TotalCount:    total,
		BatchDuration: duration,
		Timestamp:     time.Now(),
	}
}

func TestMonotonicUnderAllSuccess(t *testing.T) {
	m := NewManager(testScraperConfig(), common.GetLogger())

	prev := m.Current()
	for i := 1; i <= 30; i++ {
		m.RecordBatchResult(outcome(i, 5, 5, time.Second))
		if m.ShouldOptimize(i) {
			m.OptimizeSettings(i)
		}

		current := m.Current()
		assert.GreaterOrEqual(t, current.Concurrency, prev.Concurrency,
			"concurrency decreased at batch %d", i)
		assert.LessOrEqual(t, current.Delay, prev.Delay,
			"delay increased at batch %d", i)
		prev = current
	}

	assert.False(t, m.Recovering())
	assert.Greater(t, prev.Concurrency, testScraperConfig().InitialWorkers)
}

func TestCircuitBreakerTripsOnSustainedLowRate(t *testing.T) {
	config := testScraperConfig()
	m := NewManager(config, common.GetLogger())

	// 40% success rate, well past three optimization windows
	for i := 1; i <= 15 && !m.Recovering(); i++ {
		m.RecordBatchResult(outcome(i, 2, 5, time.Second))
		if m.ShouldOptimize(i) {
			m.OptimizeSettings(i)
		}
	}

	require.True(t, m.Recovering())
	current := m.Current()
	assert.Greater(t, current.Delay, config.InitialDelay)
	assert.Less(t, current.Concurrency, config.InitialWorkers)
}

func TestRecoveryRequiresSustainedGoodRate(t *testing.T) {
	config := testScraperConfig()
	m := NewManager(config, common.GetLogger())

	for i := 1; i <= config.WindowSize; i++ {
		m.RecordBatchResult(outcome(i, 2, 5, time.Second))
	}
	require.True(t, m.Recovering())

	// one good batch is not enough to exit recovering
	m.RecordBatchResult(outcome(6, 5, 5, time.Second))
	assert.True(t, m.Recovering())

	recoveredAt := 0
	for i := 7; i <= 20; i++ {
		m.RecordBatchResult(outcome(i, 5, 5, time.Second))
		if !m.Recovering() {
			recoveredAt = i
			break
		}
	}

	require.NotZero(t, recoveredAt, "manager never exited recovering")
	assert.GreaterOrEqual(t, recoveredAt, 6+config.RecoveryMinBatches)
}

func TestPoorRateCutsConcurrencyInOneCall(t *testing.T) {
	config := testScraperConfig()
	m := NewManager(config, common.GetLogger())

	// 70% success: below the poor threshold, above the severe floor
	for i := 1; i <= config.WindowSize; i++ {
		m.RecordBatchResult(outcome(i, 7, 10, time.Second))
	}
	require.False(t, m.Recovering())

	before := m.Current()
	m.OptimizeSettings(config.WindowSize)
	after := m.Current()

	assert.LessOrEqual(t, after.Concurrency, before.Concurrency/2)
	assert.Equal(t, before.Delay+largeDelayStep, after.Delay)
}

func TestGoodRateAddsOneWorkerWhenBatchesAreFast(t *testing.T) {
	config := testScraperConfig()
	m := NewManager(config, common.GetLogger())

	// 94% success with quick batches
	for i := 1; i <= config.WindowSize; i++ {
		m.RecordBatchResult(outcome(i, 47, 50, time.Second))
	}

	before := m.Current()
	m.OptimizeSettings(config.WindowSize)
	after := m.Current()

	assert.Equal(t, before.Concurrency+1, after.Concurrency)
	assert.Equal(t, before.Delay, after.Delay)
}

func TestShouldOptimizeNeedsFullWindowAndInterval(t *testing.T) {
	config := testScraperConfig()
	m := NewManager(config, common.GetLogger())

	m.RecordBatchResult(outcome(1, 5, 5, time.Second))
	m.RecordBatchResult(outcome(2, 5, 5, time.Second))
	m.RecordBatchResult(outcome(3, 5, 5, time.Second))
	assert.False(t, m.ShouldOptimize(3), "window not yet full")

	m.RecordBatchResult(outcome(4, 5, 5, time.Second))
	m.RecordBatchResult(outcome(5, 5, 5, time.Second))
	assert.False(t, m.ShouldOptimize(5), "not on the optimization interval")
	assert.True(t, m.ShouldOptimize(6))
}

func TestForceConservative(t *testing.T) {
	config := testScraperConfig()
	m := NewManager(config, common.GetLogger())

	m.ForceConservative()

	assert.True(t, m.Recovering())
	current := m.Current()
	assert.Equal(t, 2*config.InitialDelay, current.Delay)
	assert.Equal(t, config.InitialWorkers/2, current.Concurrency)
}

func TestBestConfigTracksHighestScore(t *testing.T) {
	config := testScraperConfig()
	m := NewManager(config, common.GetLogger())

	for i := 1; i <= config.WindowSize; i++ {
		m.RecordBatchResult(outcome(i, 5, 5, time.Second))
	}
	m.OptimizeSettings(config.WindowSize)

	best := m.BestConfig()
	assert.Equal(t, config.InitialWorkers, best.Concurrency)
	assert.Equal(t, config.InitialDelay, best.Delay)
}

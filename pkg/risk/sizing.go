package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/pkg/predictor"
)

// CorrelationSource answers pairwise correlation lookups from the current
// snapshot. ok=false means the pair is unknown (treated as uncorrelated).
type CorrelationSource interface {
	Correlation(a, b string) (float64, bool)
}

// SizingEngine computes position sizes by blending volatility, Kelly and
// risk-parity candidates under portfolio constraints.
type SizingEngine struct {
	cfg         *Config
	portfolio   PortfolioSource
	market      MarketStats
	performance StrategyPerformance
	correlation CorrelationSource
	predictor   predictor.PricePredictor
	now         func() time.Time
}

// NewSizingEngine wires the engine. predictor may be nil.
func NewSizingEngine(cfg *Config, portfolio PortfolioSource, market MarketStats, performance StrategyPerformance, correlation CorrelationSource, pred predictor.PricePredictor) *SizingEngine {
	return &SizingEngine{
		cfg:         cfg,
		portfolio:   portfolio,
		market:      market,
		performance: performance,
		correlation: correlation,
		predictor:   pred,
		now:         time.Now,
	}
}

// CalculateSize runs the full sizing algorithm. Rejections are result values;
// errors indicate the engine could not evaluate at all.
func (e *SizingEngine) CalculateSize(ctx context.Context, req *PositionSizeRequest) (*PositionSizeResult, error) {
	if req == nil {
		return nil, fmt.Errorf("risk: nil size request")
	}
	res := &PositionSizeResult{Symbol: req.Symbol}

	balance, err := e.portfolio.AvailableBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load balance: %w", err)
	}
	if balance < e.cfg.MinAccountBalance {
		res.Rejections = append(res.Rejections, fmt.Sprintf("account balance %.2f below minimum %.2f", balance, e.cfg.MinAccountBalance))
		return res, nil
	}

	sigma := e.volatility(ctx, req)
	liquidity, err := e.market.AvgVolumeUSD(ctx, req.Symbol)
	if err != nil {
		logx.Slowf("risk: liquidity lookup failed symbol=%s: %v", req.Symbol, err)
		liquidity = 0
	}

	targetRisk := e.cfg.TargetRiskPct
	if req.RiskPerTradePercent != nil && *req.RiskPerTradePercent > 0 {
		targetRisk = *req.RiskPerTradePercent / 100
	}

	// Candidate sizes.
	volSize := e.volatilityBasedSize(balance, targetRisk, sigma)
	kellySize := e.kellySize(ctx, balance, req)
	paritySize := e.riskParitySize(ctx, balance, targetRisk, sigma)
	blended := 0.40*volSize + 0.35*kellySize + 0.25*paritySize

	// Signal-strength step function.
	signalMult := signalStep(req.SignalStrength)
	hoursMult := e.marketHoursMultiplier()
	regimeMult := e.regimeMultiplier(ctx, req.Symbol)
	size := blended * signalMult * hoursMult * regimeMult

	res.Components = SizeComponents{
		VolatilityBased: volSize,
		Kelly:           kellySize,
		RiskParity:      paritySize,
		SignalMult:      signalMult,
		HoursMult:       hoursMult,
		RegimeMult:      regimeMult,
	}

	// Portfolio constraints.
	positions, err := e.portfolio.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load positions: %w", err)
	}
	pv, err := e.portfolio.PortfolioValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load portfolio value: %w", err)
	}
	size = e.applyPortfolioConstraints(req.Symbol, size, pv, positions, res)

	// Lot-size rounding via fixed precision decimals.
	price := req.CurrentPrice
	if price <= 0 {
		res.Rejections = append(res.Rejections, "current price must be positive")
		return res, nil
	}
	qty := roundLot(req.Symbol, size/price)
	size = qty * price

	// Stop loss.
	slp := e.stopLossPercent(req, sigma)
	stopPrice := price * (1 - slp/100)
	if req.OrderSide == SideSell {
		stopPrice = price * (1 + slp/100)
	}

	// Risk factors.
	factors := RiskFactors{
		Volatility:          clamp(sigma/e.cfg.HighVolThreshold*5, 0, 10),
		Liquidity:           liquidityRisk(liquidity),
		AssetClass:          assetClassRisk(assetClass(req.Symbol)),
		Signal:              5 * (1 - req.SignalStrength),
		Time:                e.timeRisk(),
		Concentration:       concentrationRisk(size, pv),
		PredictionAlignment: 5,
	}
	confidence := 1 - factors.Average()/10

	// Prediction alignment reshapes size confidence, never vetoes.
	e.applyPrediction(ctx, req, &factors, &confidence, res)

	// Warnings.
	if size > 0.10*balance {
		res.Warnings = append(res.Warnings, "position exceeds 10% of balance")
	}
	if sigma > e.cfg.HighVolThreshold {
		res.Warnings = append(res.Warnings, fmt.Sprintf("high volatility %.4f", sigma))
	}
	if liquidity > 0 && liquidity < 1_000_000 {
		res.Warnings = append(res.Warnings, "low liquidity")
	}
	if hoursMult < 1 {
		res.Warnings = append(res.Warnings, "off-hours trading")
	}

	maxLoss := size * slp / 100

	res.SizeUSD = size
	res.Quantity = qty
	res.StopLossPercent = slp
	res.StopLossPrice = stopPrice
	res.MaxLossUSD = maxLoss
	res.RiskFactors = factors
	res.Confidence = clamp(confidence, 0, 1)

	// Approval gates.
	switch {
	case size < e.cfg.MinPositionSizeUSD:
		res.Rejections = append(res.Rejections, fmt.Sprintf("size %.2f below minimum %.2f", size, e.cfg.MinPositionSizeUSD))
	case size > e.cfg.MaxPositionSizeUSD:
		res.Rejections = append(res.Rejections, fmt.Sprintf("size %.2f above maximum %.2f", size, e.cfg.MaxPositionSizeUSD))
	}
	if maxLoss > balance*e.cfg.MaxPortfolioRisk/100 {
		res.Rejections = append(res.Rejections, fmt.Sprintf("max loss %.2f exceeds portfolio risk budget", maxLoss))
	}
	if avg := factors.Average(); avg > e.cfg.RiskScoreThreshold {
		res.Rejections = append(res.Rejections, fmt.Sprintf("risk score %.2f above threshold %.2f", avg, e.cfg.RiskScoreThreshold))
	}
	res.Approved = len(res.Rejections) == 0
	return res, nil
}

func (e *SizingEngine) volatility(ctx context.Context, req *PositionSizeRequest) float64 {
	if req.Volatility != nil && *req.Volatility > 0 {
		return *req.Volatility
	}
	sigma, err := e.market.Volatility(ctx, req.Symbol)
	if err != nil || sigma <= 0 {
		logx.Slowf("risk: volatility lookup failed symbol=%s, using default: %v", req.Symbol, err)
		return 0.02
	}
	return sigma
}

// volatilityBasedSize targets a fixed risk fraction, scaled inversely with
// sigma, throttled in high-vol regimes and capped at a fifth of the balance.
func (e *SizingEngine) volatilityBasedSize(balance, targetRisk, sigma float64) float64 {
	if sigma <= 0 {
		sigma = 0.02
	}
	size := balance * targetRisk * clamp(0.02/sigma, 0.1, 2.0)
	if sigma > e.cfg.HighVolThreshold {
		size *= 0.6
	}
	return math.Min(size, 0.20*balance)
}

// kellySize applies quarter-Kelly scaled by signal strength.
func (e *SizingEngine) kellySize(ctx context.Context, balance float64, req *PositionSizeRequest) float64 {
	p, avgWin, avgLoss, err := e.performance.WinStats(ctx, req.StrategyID)
	if err != nil || avgLoss <= 0 || p <= 0 {
		return 0
	}
	b := avgWin / avgLoss
	if b <= 0 {
		return 0
	}
	f := (p*b - (1 - p)) / b
	frac := clamp(0.25*f*req.SignalStrength, 0, 0.25)
	return balance * frac
}

// riskParitySize spreads the target volatility budget evenly across active
// strategies, scaling by how the symbol's sigma compares to the portfolio's.
func (e *SizingEngine) riskParitySize(ctx context.Context, balance, targetRisk, sigma float64) float64 {
	n, err := e.performance.ActiveStrategyCount(ctx)
	if err != nil || n <= 0 {
		n = 1
	}
	sigmaRef := e.portfolioSigma(ctx)
	if sigmaRef <= 0 {
		sigmaRef = sigma
	}
	if sigmaRef <= 0 {
		sigmaRef = 0.02
	}
	// Equal vol budget per strategy: size*sigma consumes 1/n of the target.
	size := balance * targetRisk / (float64(n) * sigmaRef)
	return math.Min(size, 0.20*balance)
}

func (e *SizingEngine) portfolioSigma(ctx context.Context) float64 {
	positions, err := e.portfolio.OpenPositions(ctx)
	if err != nil || len(positions) == 0 {
		return 0
	}
	var total, weighted float64
	for _, p := range positions {
		total += p.ValueUSD
		weighted += p.ValueUSD * p.Volatility
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func signalStep(s float64) float64 {
	switch {
	case s >= 0.8:
		return 1.0
	case s >= 0.6:
		return 0.8
	case s >= 0.4:
		return 0.6
	case s >= 0.2:
		return 0.4
	default:
		return 0.2
	}
}

// marketHoursMultiplier reduces sizes in the overnight UTC window when books
// thin out.
func (e *SizingEngine) marketHoursMultiplier() float64 {
	hour := e.now().UTC().Hour()
	if hour >= 0 && hour < 6 {
		return 0.9
	}
	return 1.0
}

// regimeMultiplier nudges size with the 30-day return trend.
func (e *SizingEngine) regimeMultiplier(ctx context.Context, symbol string) float64 {
	rets, err := e.market.RecentReturns(ctx, symbol, 30)
	if err != nil || len(rets) == 0 {
		return 1.0
	}
	var mean, varSum float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	for _, r := range rets {
		varSum += (r - mean) * (r - mean)
	}
	sigma := math.Sqrt(varSum / float64(len(rets)))
	switch {
	case sigma > e.cfg.HighVolThreshold:
		return 0.7
	case mean > 0.002:
		return 1.1
	case mean < -0.002:
		return 0.8
	default:
		return 1.0
	}
}

// applyPortfolioConstraints enforces single-position, correlated-exposure and
// asset-class caps, reducing (or zeroing) the candidate size.
func (e *SizingEngine) applyPortfolioConstraints(symbol string, size, pv float64, positions []Position, res *PositionSizeResult) float64 {
	if pv <= 0 {
		return size
	}
	// Single position cap.
	maxSingle := pv * e.cfg.MaxSinglePositionPct / 100
	var existing float64
	for _, p := range positions {
		if p.Symbol == symbol {
			existing += p.ValueUSD
		}
	}
	if existing+size > maxSingle {
		size = math.Max(0, maxSingle-existing)
		res.Warnings = append(res.Warnings, "reduced by single-position cap")
	}

	// Correlation-weighted exposure cap.
	if e.correlation != nil {
		var correlated float64
		for _, p := range positions {
			if p.Symbol == symbol {
				correlated += p.ValueUSD
				continue
			}
			if rho, ok := e.correlation.Correlation(symbol, p.Symbol); ok {
				correlated += math.Abs(rho) * p.ValueUSD
			}
		}
		maxCorrelated := pv * e.cfg.MaxCorrelatedExposurePct / 100
		if correlated+size > maxCorrelated {
			size = math.Max(0, maxCorrelated-correlated)
			res.Warnings = append(res.Warnings, "reduced by correlated-exposure cap")
		}
	}

	// Asset class caps.
	class := assetClass(symbol)
	capPct := e.cfg.CryptoMaxPct
	switch class {
	case "stablecoin":
		capPct = e.cfg.StablecoinMaxPct
	case "defi":
		capPct = e.cfg.DefiMaxPct
	}
	var classValue float64
	for _, p := range positions {
		if assetClass(p.Symbol) == class {
			classValue += p.ValueUSD
		}
	}
	maxClass := pv * capPct / 100
	if classValue+size > maxClass {
		size = math.Max(0, maxClass-classValue)
		res.Warnings = append(res.Warnings, fmt.Sprintf("reduced by %s class cap", class))
	}
	return size
}

func (e *SizingEngine) stopLossPercent(req *PositionSizeRequest, sigma float64) float64 {
	if req.StopLossPercent != nil && *req.StopLossPercent > 0 {
		return clamp(*req.StopLossPercent, e.cfg.MinStopLossPct, e.cfg.MaxStopLossPct)
	}
	return clamp(2*sigma*100*symbolRiskMultiplier(req.Symbol), e.cfg.MinStopLossPct, e.cfg.MaxStopLossPct)
}

func (e *SizingEngine) timeRisk() float64 {
	if e.marketHoursMultiplier() < 1 {
		return 6
	}
	return 2
}

// applyPrediction reshapes prediction alignment risk and confidence when a
// forecast is available. The forecast never vetoes a trade by itself.
func (e *SizingEngine) applyPrediction(ctx context.Context, req *PositionSizeRequest, factors *RiskFactors, confidence *float64, res *PositionSizeResult) {
	if e.predictor == nil {
		return
	}
	pred, err := e.predictor.Predict(ctx, req.Symbol)
	if err != nil {
		logx.Slowf("risk: prediction failed symbol=%s: %v", req.Symbol, err)
		return
	}
	if pred == nil {
		return
	}
	impact := math.Min(5, math.Abs(pred.PredictedChangePct)/2)
	aligned := (pred.PredictedChangePct > 0 && req.OrderSide == SideBuy) ||
		(pred.PredictedChangePct < 0 && req.OrderSide == SideSell)
	if aligned {
		factors.PredictionAlignment = clamp(factors.PredictionAlignment-impact, 0, 10)
		*confidence = clamp(*confidence+impact/20, 0, 1)
	} else {
		factors.PredictionAlignment = clamp(factors.PredictionAlignment+impact, 0, 10)
		res.Warnings = append(res.Warnings, fmt.Sprintf("prediction opposes %s signal (%.2f%%)", req.OrderSide, pred.PredictedChangePct))
	}
}

// roundLot rounds a quantity to per-symbol lot precision: 6 decimals for
// BTC/ETH, 4 for stable pairs, 2 otherwise.
func roundLot(symbol string, qty float64) float64 {
	places := int32(2)
	switch {
	case isMajor(symbol):
		places = 6
	case assetClass(symbol) == "stablecoin":
		places = 4
	}
	d := decimal.NewFromFloat(qty).RoundDown(places)
	f, _ := d.Float64()
	return f
}

func isMajor(symbol string) bool {
	base := baseAsset(symbol)
	return base == "BTC" || base == "ETH"
}

var defiAssets = map[string]struct{}{
	"UNI": {}, "AAVE": {}, "SUSHI": {}, "COMP": {}, "CRV": {}, "MKR": {}, "SNX": {}, "LDO": {},
}

var stableAssets = map[string]struct{}{
	"USDT": {}, "USDC": {}, "DAI": {}, "BUSD": {}, "TUSD": {},
}

func assetClass(symbol string) string {
	base := baseAsset(symbol)
	if _, ok := stableAssets[base]; ok {
		return "stablecoin"
	}
	if _, ok := defiAssets[base]; ok {
		return "defi"
	}
	return "crypto"
}

func baseAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "/-"); i > 0 {
		return strings.ToUpper(symbol[:i])
	}
	return strings.ToUpper(symbol)
}

func assetClassRisk(class string) float64 {
	switch class {
	case "stablecoin":
		return 2
	case "defi":
		return 7
	default:
		return 5
	}
}

func liquidityRisk(avgVolumeUSD float64) float64 {
	switch {
	case avgVolumeUSD <= 0:
		return 8
	case avgVolumeUSD < 100_000:
		return 9
	case avgVolumeUSD < 1_000_000:
		return 7
	case avgVolumeUSD < 10_000_000:
		return 4
	default:
		return 1
	}
}

func concentrationRisk(size, pv float64) float64 {
	if pv <= 0 {
		return 5
	}
	pct := size / pv * 100
	return clamp(pct/2, 0, 10)
}

func symbolRiskMultiplier(symbol string) float64 {
	if isMajor(symbol) {
		return 1.0
	}
	return 1.2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

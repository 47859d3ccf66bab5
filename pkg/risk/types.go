package risk

import (
	"context"
	"time"
)

// OrderSide of a signal.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Position is the risk-facing view of an open position.
type Position struct {
	ID           string
	StrategyID   string
	Symbol       string
	Side         string // long | short
	Quantity     float64
	EntryPrice   float64
	CurrentPrice float64
	ValueUSD     float64
	Volatility   float64 // daily sigma
	AvgVolumeUSD float64
	AssetClass   string // crypto | stablecoin | defi
	OpenedAt     time.Time
}

// PortfolioSource provides the account view the risk core re-reads before
// every approval. Implementations read through the durable store.
type PortfolioSource interface {
	AvailableBalance(ctx context.Context) (float64, error)
	PortfolioValue(ctx context.Context) (float64, error)
	OpenPositions(ctx context.Context) ([]Position, error)
	// PeakValue returns the historical portfolio peak.
	PeakValue(ctx context.Context) (float64, error)
	// RecordPeak applies peak = max(peak, pv) compare-and-set semantics.
	RecordPeak(ctx context.Context, pv float64) error
}

// MarketStats supplies per-symbol statistics.
type MarketStats interface {
	// Volatility is the daily return sigma over the default lookback.
	Volatility(ctx context.Context, symbol string) (float64, error)
	// AvgVolumeUSD is the average daily traded value.
	AvgVolumeUSD(ctx context.Context, symbol string) (float64, error)
	// RecentReturns yields daily returns, oldest first.
	RecentReturns(ctx context.Context, symbol string, days int) ([]float64, error)
}

// StrategyPerformance supplies strategy-historical win statistics for Kelly.
type StrategyPerformance interface {
	WinStats(ctx context.Context, strategyID string) (winRate, avgWin, avgLoss float64, err error)
	ActiveStrategyCount(ctx context.Context) (int, error)
}

// SentimentIndex supplies the fear/greed style market index (0..100).
// Implementations may return a cached value; errors fall back to neutral.
type SentimentIndex interface {
	FearGreed(ctx context.Context) (float64, error)
}

// PositionSizeRequest is the sizing input.
type PositionSizeRequest struct {
	Symbol              string    `json:"symbol"`
	StrategyID          string    `json:"strategy_id"`
	SignalStrength      float64   `json:"signal_strength"` // 0..1
	CurrentPrice        float64   `json:"current_price"`
	Volatility          *float64  `json:"volatility,omitempty"`
	StopLossPercent     *float64  `json:"stop_loss_percent,omitempty"`
	RiskPerTradePercent *float64  `json:"risk_per_trade_percent,omitempty"`
	OrderSide           OrderSide `json:"order_side"`
}

// RiskFactors are 0..10 per dimension; lower is safer.
type RiskFactors struct {
	Volatility          float64 `json:"volatility_risk"`
	Liquidity           float64 `json:"liquidity_risk"`
	AssetClass          float64 `json:"asset_class_risk"`
	Signal              float64 `json:"signal_risk"`
	Time                float64 `json:"time_risk"`
	Concentration       float64 `json:"concentration_risk"`
	PredictionAlignment float64 `json:"prediction_alignment"`
}

// Average of all seven factors.
func (f RiskFactors) Average() float64 {
	return (f.Volatility + f.Liquidity + f.AssetClass + f.Signal + f.Time + f.Concentration + f.PredictionAlignment) / 7
}

// PositionSizeResult is the sizing output.
type PositionSizeResult struct {
	Approved        bool        `json:"approved"`
	Symbol          string      `json:"symbol"`
	SizeUSD         float64     `json:"size_usd"`
	Quantity        float64     `json:"quantity"`
	StopLossPercent float64     `json:"stop_loss_percent"`
	StopLossPrice   float64     `json:"stop_loss_price"`
	MaxLossUSD      float64     `json:"max_loss_usd"`
	Confidence      float64     `json:"confidence"` // 0..1
	RiskFactors     RiskFactors `json:"risk_factors"`
	Warnings        []string    `json:"warnings,omitempty"`
	Rejections      []string    `json:"rejections,omitempty"`
	Components      SizeComponents `json:"components"`
}

// SizeComponents exposes the blended candidates for observability.
type SizeComponents struct {
	VolatilityBased float64 `json:"volatility_based"`
	Kelly           float64 `json:"kelly"`
	RiskParity      float64 `json:"risk_parity"`
	SignalMult      float64 `json:"signal_mult"`
	HoursMult       float64 `json:"hours_mult"`
	RegimeMult      float64 `json:"regime_mult"`
}

// CircuitBreakerLevel escalates with portfolio drawdown.
type CircuitBreakerLevel int

const (
	BreakerNone CircuitBreakerLevel = iota
	BreakerWarning
	BreakerLevel1
	BreakerLevel2
	BreakerLevel3
)

// String names the level for alerts and rejections.
func (l CircuitBreakerLevel) String() string {
	switch l {
	case BreakerWarning:
		return "warning"
	case BreakerLevel1:
		return "level_1"
	case BreakerLevel2:
		return "level_2"
	case BreakerLevel3:
		return "level_3"
	default:
		return "none"
	}
}

// SizeFactor is the position-size multiplier the breaker level imposes.
func (l CircuitBreakerLevel) SizeFactor() float64 {
	switch l {
	case BreakerWarning:
		return 0.75
	case BreakerLevel1:
		return 0.5
	case BreakerLevel2, BreakerLevel3:
		return 0
	default:
		return 1
	}
}

// DrawdownControl is the single-writer breaker state; readers snapshot it.
type DrawdownControl struct {
	PeakValue          float64             `json:"peak_value"`
	CurrentValue       float64             `json:"current_value"`
	CurrentDrawdownPct float64             `json:"current_drawdown_pct"`
	Level              CircuitBreakerLevel `json:"level"`
	PositionsAllowed   bool                `json:"positions_allowed"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// RiskRegime classifies the market environment.
type RiskRegime string

const (
	RegimeLowVolBullish  RiskRegime = "low_vol_bullish"
	RegimeLowVolBearish  RiskRegime = "low_vol_bearish"
	RegimeHighVolBullish RiskRegime = "high_vol_bullish"
	RegimeHighVolBearish RiskRegime = "high_vol_bearish"
	RegimeExtreme        RiskRegime = "extreme"
	RegimeCrisis         RiskRegime = "crisis"
)

// DynamicStopLossParams are attached to every approval, rejected or not.
type DynamicStopLossParams struct {
	InitialStopPct   float64 `json:"initial_stop_pct"`
	TrailingDistPct  float64 `json:"trailing_dist_pct"`
	UseTrailing      bool    `json:"use_trailing"`
	VolatilityScaled bool    `json:"volatility_scaled"`
}

// CorrelationRiskMetrics summarise the current correlation snapshot.
type CorrelationRiskMetrics struct {
	AvgCorrelation       float64    `json:"avg_correlation"`
	DiversificationRatio float64    `json:"diversification_ratio"`
	EffectiveAssets      float64    `json:"effective_assets"`
	RiskScore            float64    `json:"risk_score"` // 0..100
	Clusters             [][]string `json:"clusters,omitempty"`
	Stale                bool       `json:"stale"`
}

// RiskApprovalResult is the gate outcome; a plain value, never a panic.
type RiskApprovalResult struct {
	Approved               bool                  `json:"approved"`
	PositionSizeAdjustment float64               `json:"position_size_adjustment"` // multiplier 0..1
	AdjustedSizeUSD        float64               `json:"adjusted_size_usd"`
	StopLossParams         DynamicStopLossParams `json:"stop_loss_params"`
	RiskScore              float64               `json:"risk_score"`
	RiskFactors            map[string]float64    `json:"risk_factors,omitempty"`
	Warnings               []string              `json:"warnings,omitempty"`
	Rejections             []string              `json:"rejections,omitempty"`
	Recommendations        []string              `json:"recommendations,omitempty"`
	Metadata               map[string]any        `json:"metadata,omitempty"`
}

// Snapshot is the portfolio risk metrics record (spec RiskMetrics).
type Snapshot struct {
	Ts             time.Time          `json:"ts"`
	PortfolioValue float64            `json:"pv"`
	Exposure       float64            `json:"exposure"`
	Cash           float64            `json:"cash"`
	Leverage       float64            `json:"leverage"`
	Var1d          float64            `json:"var_1d"`
	Var5d          float64            `json:"var_5d"`
	ExpectedShortfall float64         `json:"es"`
	MaxDrawdown    float64            `json:"max_dd"`
	CurrentDrawdown float64           `json:"cur_dd"`
	HHI            float64            `json:"hhi"`
	CorrelationRisk float64           `json:"corr_risk"`
	Sector         map[string]float64 `json:"sector,omitempty"`
	LargestPct     float64            `json:"largest_pct"`
	NOver5Pct      int                `json:"n_over_5pct"`
	NOver10Pct     int                `json:"n_over_10pct"`
	AvgLiquidity   float64            `json:"avg_liq"`
	IlliquidPct    float64            `json:"illiq_pct"`
	Level          string             `json:"level"` // low | medium | high | critical
	Score          float64            `json:"score"` // 0..100
}

// Alert is a persisted risk alert.
type Alert struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Symbol         string     `json:"symbol,omitempty"`
	CurrentValue   float64    `json:"current"`
	ThresholdValue float64    `json:"threshold"`
	Recommendation string     `json:"recommendation"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// CheckRequest is the on-wire risk-check RPC request (§risk.check.request).
type CheckRequest struct {
	RequestID      string         `json:"request_id"`
	Symbol         string         `json:"symbol"`
	StrategyID     string         `json:"strategy_id"`
	OrderType      string         `json:"order_type"`
	OrderSide      OrderSide      `json:"order_side"`
	Quantity       float64        `json:"quantity"`
	Price          float64        `json:"price"`
	SignalStrength float64        `json:"signal_strength"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CheckResponse is the on-wire risk-check RPC response.
type CheckResponse struct {
	RequestID           string             `json:"request_id"`
	Approved            bool               `json:"approved"`
	RecommendedQuantity float64            `json:"recommended_quantity"`
	MaxLossUSD          float64            `json:"max_loss_usd"`
	ConfidenceScore     float64            `json:"confidence_score"`
	RiskFactors         map[string]float64 `json:"risk_factors,omitempty"`
	Warnings            []string           `json:"warnings,omitempty"`
	StopLossPrice       *float64           `json:"stop_loss_price,omitempty"`
	Reason              string             `json:"reason,omitempty"`
	Timestamp           time.Time          `json:"timestamp"`
	PricePrediction     any                `json:"price_prediction,omitempty"`
}

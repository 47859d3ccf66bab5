package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"gonum.org/v1/gonum/stat"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/marketdata"
)

// Data types served on the strategy request exchange.
const (
	DataTechnicalIndicators = "technical_indicators"
	DataVolumeProfile       = "volume_profile"
	DataOrderFlow           = "order_flow"
	DataLiquidityZones      = "liquidity_zones"
	DataSentiment           = "sentiment_data"
	DataCorrelationMatrix   = "correlation_matrix"
	DataMacroIndicators     = "macro_indicators"
	DataAlternative         = "alternative_data"
	DataCustomComposite     = "custom_composite"
)

// StrategyDataRequest is the envelope received on
// strategy.request.<data_type>.<priority>.
type StrategyDataRequest struct {
	RequestID  string         `json:"request_id"`
	StrategyID string         `json:"strategy_id"`
	DataType   string         `json:"data_type"`
	Symbol     string         `json:"symbol"`
	Interval   string         `json:"interval,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Deadline   *time.Time     `json:"deadline,omitempty"`
}

// DataPayload is the tagged-variant payload carried in responses. Exactly one
// concrete type applies per data_type, replacing the keyword-access blobs of
// the dynamic era.
type DataPayload interface {
	dataType() string
}

// TechnicalIndicatorsData carries computed indicator series.
type TechnicalIndicatorsData struct {
	Symbol     string               `json:"symbol"`
	Interval   string               `json:"interval"`
	Indicators map[string][]float64 `json:"indicators"`
	Latest     map[string]float64   `json:"latest"`
}

func (TechnicalIndicatorsData) dataType() string { return DataTechnicalIndicators }

// VolumeProfileData is a volume-by-price histogram.
type VolumeProfileData struct {
	Symbol     string    `json:"symbol"`
	Resolution int       `json:"resolution"`
	Prices     []float64 `json:"prices"`
	Volumes    []float64 `json:"volumes"`
	PocPrice   float64   `json:"poc_price"` // point of control
}

func (VolumeProfileData) dataType() string { return DataVolumeProfile }

// LiquidityZonesData lists high-volume price nodes.
type LiquidityZonesData struct {
	Symbol string    `json:"symbol"`
	Zones  []float64 `json:"zones"`
}

func (LiquidityZonesData) dataType() string { return DataLiquidityZones }

// SentimentData aggregates sentiment windows.
type SentimentData struct {
	Symbol         string  `json:"symbol"`
	SymbolPolarity float64 `json:"symbol_polarity"`
	GlobalPolarity float64 `json:"global_polarity"`
	SampleCount    int     `json:"sample_count"`
}

func (SentimentData) dataType() string { return DataSentiment }

// CorrelationData is a symmetric correlation matrix.
type CorrelationData struct {
	Symbols []string    `json:"symbols"`
	Matrix  [][]float64 `json:"matrix"`
}

func (CorrelationData) dataType() string { return DataCorrelationMatrix }

// OrderFlowData summarises on-chain flows for an asset.
type OrderFlowData struct {
	Asset           string  `json:"asset"`
	NetExchangeFlow float64 `json:"net_exchange_flow"`
	WindowHours     int     `json:"window_hours"`
}

func (OrderFlowData) dataType() string { return DataOrderFlow }

// StrategyDataResponse is published on market.response.<data_type>.
type StrategyDataResponse struct {
	RequestID  string          `json:"request_id"`
	StrategyID string          `json:"strategy_id"`
	DataType   string          `json:"data_type"`
	Status     string          `json:"status"` // success | error | cancelled
	Data       json.RawMessage `json:"data,omitempty"`
	Quality    float64         `json:"quality"` // 0..1 data completeness score
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RequestHandler serves strategy data requests. Unsupported data types get an
// error response rather than silence, so strategies never hang on a missing
// capability.
type RequestHandler struct {
	calc      Calculator
	candles   marketdata.CandleSource
	sentiment marketdata.SentimentSource
	flows     model.FlowDataModel
	bus       fabric.Bus

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	served   int64
	failed   int64

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRequestHandler wires the handler. Nil sources disable their data types.
func NewRequestHandler(calc Calculator, candles marketdata.CandleSource, sentiment marketdata.SentimentSource, flows model.FlowDataModel, bus fabric.Bus) *RequestHandler {
	return &RequestHandler{
		calc:      calc,
		candles:   candles,
		sentiment: sentiment,
		flows:     flows,
		bus:       bus,
		inflight:  make(map[string]context.CancelFunc),
		stopChan:  make(chan struct{}),
	}
}

// Start subscribes and launches the stats loop. Implements service.Service.
func (h *RequestHandler) Start() {
	if h.bus != nil {
		err := h.bus.Subscribe("strategy_data_requests", []fabric.Binding{
			{Exchange: fabric.ExchangeStrategyRequests, RoutingKey: "strategy.request.#"},
		}, h.Handle)
		if err != nil {
			logx.Errorf("indicator: request handler subscribe failed: %v", err)
		}
	}
	threading.GoSafe(h.statsLoop)
}

// Stop terminates background loops and cancels in-flight requests.
func (h *RequestHandler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.mu.Lock()
		for _, cancel := range h.inflight {
			cancel()
		}
		h.mu.Unlock()
	})
}

func (h *RequestHandler) statsLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.mu.Lock()
			served, failed, pending := h.served, h.failed, len(h.inflight)
			h.mu.Unlock()
			logx.Infof("indicator: request handler stats served=%d failed=%d in_flight=%d", served, failed, pending)
		}
	}
}

// Handle is the fabric handler for strategy.request.# routing keys.
func (h *RequestHandler) Handle(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	if strings.HasSuffix(d.RoutingKey, ".cancel") {
		return h.handleCancel(d)
	}
	var req StrategyDataRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	if req.DataType == "" {
		req.DataType = dataTypeFromKey(d.RoutingKey)
	}
	if req.RequestID == "" || req.Symbol == "" {
		h.respondError(ctx, &req, "request_id and symbol are required")
		return fabric.Ack
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if req.Deadline != nil {
		reqCtx, cancel = context.WithDeadline(ctx, *req.Deadline)
	}
	h.mu.Lock()
	h.inflight[req.RequestID] = cancel
	h.mu.Unlock()
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.inflight, req.RequestID)
		h.mu.Unlock()
	}()

	payload, quality, err := h.process(reqCtx, &req)
	if err != nil {
		h.respondError(ctx, &req, err.Error())
		return fabric.Ack
	}
	h.respond(ctx, &req, payload, quality)
	return fabric.Ack
}

func dataTypeFromKey(key string) string {
	// strategy.request.<data_type>.<priority>
	parts := strings.Split(key, ".")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}

func (h *RequestHandler) handleCancel(d fabric.Delivery) fabric.Outcome {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	h.mu.Lock()
	cancel, ok := h.inflight[req.RequestID]
	h.mu.Unlock()
	if ok {
		cancel()
		logx.Infof("indicator: request cancelled request_id=%s", req.RequestID)
	}
	return fabric.Ack
}

func (h *RequestHandler) process(ctx context.Context, req *StrategyDataRequest) (DataPayload, float64, error) {
	switch req.DataType {
	case DataTechnicalIndicators:
		return h.technicalIndicators(ctx, req)
	case DataVolumeProfile:
		return h.volumeProfile(ctx, req)
	case DataLiquidityZones:
		return h.liquidityZones(ctx, req)
	case DataSentiment:
		return h.sentimentData(ctx, req)
	case DataCorrelationMatrix:
		return h.correlationMatrix(ctx, req)
	case DataOrderFlow, DataAlternative:
		return h.orderFlow(ctx, req)
	default:
		return nil, 0, fmt.Errorf("unsupported data type %q", req.DataType)
	}
}

func (h *RequestHandler) technicalIndicators(ctx context.Context, req *StrategyDataRequest) (DataPayload, float64, error) {
	if h.calc == nil {
		return nil, 0, fmt.Errorf("technical indicators unavailable")
	}
	indicatorType, _ := req.Params["indicator_type"].(string)
	if indicatorType == "" {
		indicatorType = "rsi"
	}
	cfg := &Configuration{
		ID:            req.RequestID,
		StrategyID:    req.StrategyID,
		IndicatorType: indicatorType,
		Symbol:        req.Symbol,
		Interval:      orDefault(req.Interval, "1h"),
		Parameters:    req.Params,
	}
	res, err := h.calc.Calculate(ctx, cfg)
	if err != nil {
		return nil, 0, err
	}
	return TechnicalIndicatorsData{
		Symbol:     req.Symbol,
		Interval:   cfg.Interval,
		Indicators: res.Values,
		Latest:     res.Latest,
	}, seriesQuality(res.Values), nil
}

func (h *RequestHandler) volumeProfile(ctx context.Context, req *StrategyDataRequest) (DataPayload, float64, error) {
	candles, err := h.fetchCandles(ctx, req, 200)
	if err != nil {
		return nil, 0, err
	}
	resolution := intParam(req.Params, "resolution", 24)
	prices, volumes, poc := volumeByPrice(candles, resolution)
	return VolumeProfileData{
		Symbol:     req.Symbol,
		Resolution: resolution,
		Prices:     prices,
		Volumes:    volumes,
		PocPrice:   poc,
	}, candleQuality(candles, 200), nil
}

func (h *RequestHandler) liquidityZones(ctx context.Context, req *StrategyDataRequest) (DataPayload, float64, error) {
	candles, err := h.fetchCandles(ctx, req, 200)
	if err != nil {
		return nil, 0, err
	}
	prices, volumes, _ := volumeByPrice(candles, 48)
	// Zones are buckets holding more than twice the mean volume.
	mean := stat.Mean(volumes, nil)
	var zones []float64
	for i, v := range volumes {
		if v > 2*mean {
			zones = append(zones, prices[i])
		}
	}
	return LiquidityZonesData{Symbol: req.Symbol, Zones: zones}, candleQuality(candles, 200), nil
}

func (h *RequestHandler) sentimentData(ctx context.Context, req *StrategyDataRequest) (DataPayload, float64, error) {
	if h.sentiment == nil {
		return nil, 0, fmt.Errorf("sentiment source unavailable")
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	symPoints, err := h.sentiment.Sentiment(ctx, req.Symbol, from, to)
	if err != nil {
		return nil, 0, err
	}
	globalPoints, err := h.sentiment.Sentiment(ctx, "", from, to)
	if err != nil {
		return nil, 0, err
	}
	return SentimentData{
		Symbol:         req.Symbol,
		SymbolPolarity: weightedPolarity(symPoints),
		GlobalPolarity: weightedPolarity(globalPoints),
		SampleCount:    len(symPoints) + len(globalPoints),
	}, math.Min(1, float64(len(symPoints))/10), nil
}

func (h *RequestHandler) correlationMatrix(ctx context.Context, req *StrategyDataRequest) (DataPayload, float64, error) {
	if h.candles == nil {
		return nil, 0, fmt.Errorf("candle source unavailable")
	}
	symbols := stringsParam(req.Params, "symbols")
	if len(symbols) < 2 {
		return nil, 0, fmt.Errorf("correlation_matrix requires at least two symbols")
	}
	series := make([][]float64, 0, len(symbols))
	minLen := math.MaxInt32
	for _, sym := range symbols {
		candles, err := h.candles.Candles(ctx, sym, orDefault(req.Interval, "1d"), 90)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch candles for %s: %w", sym, err)
		}
		rets := marketdata.Returns(candles)
		if len(rets) < 2 {
			return nil, 0, fmt.Errorf("insufficient history for %s", sym)
		}
		if len(rets) < minLen {
			minLen = len(rets)
		}
		series = append(series, rets)
	}
	matrix := make([][]float64, len(symbols))
	for i := range matrix {
		matrix[i] = make([]float64, len(symbols))
		for j := range matrix[i] {
			if i == j {
				matrix[i][j] = 1
				continue
			}
			a := series[i][len(series[i])-minLen:]
			b := series[j][len(series[j])-minLen:]
			matrix[i][j] = stat.Correlation(a, b, nil)
		}
	}
	return CorrelationData{Symbols: symbols, Matrix: matrix}, 1, nil
}

func (h *RequestHandler) orderFlow(ctx context.Context, req *StrategyDataRequest) (DataPayload, float64, error) {
	if h.flows == nil {
		return nil, 0, fmt.Errorf("flow data unavailable")
	}
	hours := intParam(req.Params, "window_hours", 24)
	net, err := h.flows.NetExchangeFlow(ctx, req.Symbol, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, 0, err
	}
	return OrderFlowData{Asset: req.Symbol, NetExchangeFlow: net, WindowHours: hours}, 1, nil
}

func (h *RequestHandler) fetchCandles(ctx context.Context, req *StrategyDataRequest, limit int) ([]marketdata.Candle, error) {
	if h.candles == nil {
		return nil, fmt.Errorf("candle source unavailable")
	}
	candles, err := h.candles.Candles(ctx, req.Symbol, orDefault(req.Interval, "1h"), limit)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no market data for %s", req.Symbol)
	}
	return candles, nil
}

func (h *RequestHandler) respond(ctx context.Context, req *StrategyDataRequest, payload DataPayload, quality float64) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.respondError(ctx, req, "encode payload failed")
		return
	}
	h.publish(ctx, req, StrategyDataResponse{
		RequestID:  req.RequestID,
		StrategyID: req.StrategyID,
		DataType:   req.DataType,
		Status:     "success",
		Data:       body,
		Quality:    quality,
		Timestamp:  time.Now().UTC(),
	})
	h.mu.Lock()
	h.served++
	h.mu.Unlock()
}

func (h *RequestHandler) respondError(ctx context.Context, req *StrategyDataRequest, msg string) {
	h.publish(ctx, req, StrategyDataResponse{
		RequestID:  req.RequestID,
		StrategyID: req.StrategyID,
		DataType:   req.DataType,
		Status:     "error",
		Error:      msg,
		Timestamp:  time.Now().UTC(),
	})
	h.mu.Lock()
	h.failed++
	h.mu.Unlock()
}

func (h *RequestHandler) publish(ctx context.Context, req *StrategyDataRequest, resp StrategyDataResponse) {
	if h.bus == nil {
		return
	}
	key := fmt.Sprintf("market.response.%s", req.DataType)
	if err := h.bus.Publish(ctx, fabric.ExchangeMarketResponses, key, resp); err != nil {
		logx.Errorf("indicator: publish response request_id=%s: %v", req.RequestID, err)
	}
}

// volumeByPrice buckets volume across the candle price range.
func volumeByPrice(candles []marketdata.Candle, resolution int) (prices, volumes []float64, poc float64) {
	if resolution <= 0 {
		resolution = 24
	}
	lo, hi := math.MaxFloat64, -math.MaxFloat64
	for _, c := range candles {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	if hi <= lo {
		return nil, nil, 0
	}
	step := (hi - lo) / float64(resolution)
	volumes = make([]float64, resolution)
	prices = make([]float64, resolution)
	for i := range prices {
		prices[i] = lo + step*(float64(i)+0.5)
	}
	for _, c := range candles {
		mid := (c.High + c.Low) / 2
		idx := int((mid - lo) / step)
		if idx >= resolution {
			idx = resolution - 1
		}
		if idx < 0 {
			idx = 0
		}
		volumes[idx] += c.Volume
	}
	best := 0
	for i, v := range volumes {
		if v > volumes[best] {
			best = i
		}
	}
	poc = prices[best]
	return prices, volumes, poc
}

func weightedPolarity(points []marketdata.SentimentPoint) float64 {
	var num, den float64
	for _, p := range points {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		num += p.Polarity * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func seriesQuality(values map[string][]float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total, valid float64
	for _, series := range values {
		for _, v := range series {
			total++
			if !math.IsNaN(v) && v != 0 {
				valid++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return valid / total
}

func candleQuality(candles []marketdata.Candle, want int) float64 {
	if want <= 0 {
		return 1
	}
	q := float64(len(candles)) / float64(want)
	return math.Min(1, q)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intParam(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	if f, ok := params[key].(float64); ok && f > 0 {
		return int(f)
	}
	return def
}

func stringsParam(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/journal"
)

var checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "risk_checks_total",
	Help: "Risk check RPC outcomes.",
}, []string{"outcome"})

// RPCServer consumes risk.check.request and publishes exactly one response
// per request_id. Duplicate request ids are deduplicated within the TTL.
type RPCServer struct {
	cfg        *Config
	sizing     *SizingEngine
	controller *Controller
	portfolio  PortfolioSource
	bus        fabric.Bus
	journal    *journal.Writer

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

// NewRPCServer wires the server. journal may be nil.
func NewRPCServer(cfg *Config, sizing *SizingEngine, controller *Controller, portfolio PortfolioSource, bus fabric.Bus, jw *journal.Writer) *RPCServer {
	return &RPCServer{
		cfg:        cfg,
		sizing:     sizing,
		controller: controller,
		portfolio:  portfolio,
		bus:        bus,
		journal:    jw,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// Start subscribes the request queue. Implements service.Service.
func (s *RPCServer) Start() {
	if s.bus == nil {
		return
	}
	err := s.bus.Subscribe(s.cfg.RPCQueue, []fabric.Binding{
		{Exchange: fabric.ExchangeRiskCheck, RoutingKey: fabric.KeyRiskCheckRequest},
	}, s.Handle)
	if err != nil {
		logx.Errorf("risk: rpc subscribe failed: %v", err)
	}
}

// Stop implements service.Service.
func (s *RPCServer) Stop() {}

// Handle processes one risk check delivery.
func (s *RPCServer) Handle(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	var req CheckRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	if req.RequestID == "" {
		return fabric.NackDiscard
	}
	if s.isDuplicate(req.RequestID) {
		logx.Infof("risk: duplicate check request_id=%s dropped", req.RequestID)
		checksTotal.WithLabelValues("duplicate").Inc()
		return fabric.Ack
	}

	resp := s.evaluate(ctx, &req)
	s.respond(ctx, d, resp)
	s.record(&req, resp)
	if resp.Approved {
		checksTotal.WithLabelValues("approved").Inc()
	} else {
		checksTotal.WithLabelValues("rejected").Inc()
	}
	return fabric.Ack
}

// isDuplicate marks a request id as seen and prunes expired entries.
func (s *RPCServer) isDuplicate(requestID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.seen {
		if now.Sub(at) > s.cfg.RequestTTL {
			delete(s.seen, id)
		}
	}
	if _, ok := s.seen[requestID]; ok {
		return true
	}
	s.seen[requestID] = now
	return false
}

// evaluate runs the full gate. Internal errors fold into a rejection with
// confidence 0 and risk factor 10; the caller path never sees a panic.
func (s *RPCServer) evaluate(ctx context.Context, req *CheckRequest) (resp *CheckResponse) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("risk: rpc panic request_id=%s: %v", req.RequestID, r)
			resp = s.errorResponse(req, fmt.Sprintf("Risk check error: %v", r))
		}
	}()
	resp = &CheckResponse{
		RequestID: req.RequestID,
		Timestamp: s.now().UTC(),
	}

	if req.OrderSide == SideSell {
		return s.evaluateSell(ctx, req, resp)
	}

	sizeReq := &PositionSizeRequest{
		Symbol:         req.Symbol,
		StrategyID:     req.StrategyID,
		SignalStrength: req.SignalStrength,
		CurrentPrice:   req.Price,
		OrderSide:      req.OrderSide,
	}
	sized, err := s.sizing.CalculateSize(ctx, sizeReq)
	if err != nil {
		return s.errorResponse(req, fmt.Sprintf("Risk check error: %v", err))
	}

	requested := req.Quantity * req.Price
	approval := s.controller.ApproveNewPosition(ctx, req.Symbol, req.StrategyID, req.SignalStrength, requested, req.Price, nil)

	resp.Approved = sized.Approved && approval.Approved
	resp.ConfidenceScore = sized.Confidence
	resp.MaxLossUSD = sized.MaxLossUSD
	resp.RiskFactors = map[string]float64{
		"volatility_risk":      sized.RiskFactors.Volatility,
		"liquidity_risk":       sized.RiskFactors.Liquidity,
		"asset_class_risk":     sized.RiskFactors.AssetClass,
		"signal_risk":          sized.RiskFactors.Signal,
		"time_risk":            sized.RiskFactors.Time,
		"concentration_risk":   sized.RiskFactors.Concentration,
		"prediction_alignment": sized.RiskFactors.PredictionAlignment,
	}
	resp.Warnings = append(append([]string{}, sized.Warnings...), approval.Warnings...)

	if resp.Approved {
		// Recommend the smaller of the sized quantity and the adjusted request.
		qty := sized.Quantity
		if adjusted := req.Quantity * approval.PositionSizeAdjustment; adjusted < qty {
			qty = adjusted
		}
		resp.RecommendedQuantity = qty
		if sized.StopLossPrice > 0 {
			sp := sized.StopLossPrice
			resp.StopLossPrice = &sp
		}
	} else {
		reasons := append(append([]string{}, sized.Rejections...), approval.Rejections...)
		if len(reasons) > 0 {
			resp.Reason = reasons[0]
		}
	}
	return resp
}

// evaluateSell verifies the strategy actually holds enough of the symbol.
func (s *RPCServer) evaluateSell(ctx context.Context, req *CheckRequest, resp *CheckResponse) *CheckResponse {
	positions, err := s.portfolio.OpenPositions(ctx)
	if err != nil {
		return s.errorResponse(req, fmt.Sprintf("Risk check error: %v", err))
	}
	var held float64
	for _, p := range positions {
		if p.Symbol == req.Symbol && (req.StrategyID == "" || p.StrategyID == req.StrategyID) {
			held += p.Quantity
		}
	}
	if held < req.Quantity {
		resp.Approved = false
		resp.Reason = fmt.Sprintf("insufficient position: holding %.8f, requested %.8f", held, req.Quantity)
		return resp
	}
	resp.Approved = true
	resp.RecommendedQuantity = req.Quantity
	resp.ConfidenceScore = 1
	return resp
}

func (s *RPCServer) errorResponse(req *CheckRequest, reason string) *CheckResponse {
	return &CheckResponse{
		RequestID:       req.RequestID,
		Approved:        false,
		ConfidenceScore: 0,
		RiskFactors:     map[string]float64{"error": 10},
		Reason:          reason,
		Timestamp:       s.now().UTC(),
	}
}

// respond publishes exactly one response for the request, preferring the
// delivery's reply-to when the caller used the RPC helper.
func (s *RPCServer) respond(ctx context.Context, d fabric.Delivery, resp *CheckResponse) {
	if s.bus == nil {
		return
	}
	opts := []fabric.PublishOption{fabric.WithTTL(s.cfg.RequestTTL)}
	key := fabric.KeyRiskCheckResponse
	exchange := fabric.ExchangeRiskCheck
	if d.ReplyTo != "" {
		exchange, key = "", d.ReplyTo
		opts = append(opts, fabric.WithCorrelation(d.CorrelationID, ""))
	}
	if err := s.bus.Publish(ctx, exchange, key, resp, opts...); err != nil {
		logx.Errorf("risk: publish response request_id=%s: %v", resp.RequestID, err)
	}
}

func (s *RPCServer) record(req *CheckRequest, resp *CheckResponse) {
	if s.journal == nil {
		return
	}
	rec := &journal.DecisionRecord{
		RequestID:  req.RequestID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       string(req.OrderSide),
		Approved:   resp.Approved,
		SizeUSD:    resp.RecommendedQuantity * req.Price,
		Quantity:   resp.RecommendedQuantity,
		RiskScore:  10 - resp.ConfidenceScore*10,
		Warnings:   resp.Warnings,
	}
	if resp.Reason != "" {
		rec.Rejections = []string{resp.Reason}
	}
	if _, err := s.journal.WriteDecision(rec); err != nil {
		logx.Errorf("risk: journal write request_id=%s: %v", req.RequestID, err)
	}
}

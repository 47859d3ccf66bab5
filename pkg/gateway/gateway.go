// Package gateway turns approved signals into venue orders, tracks them to a
// terminal state and keeps positions in sync.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/venue"
)

// Signal is one approved trading instruction.
type Signal struct {
	SignalID   string  `json:"signal_id"`
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // BUY | SELL
	OrderType  string  `json:"order_type"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	Venue      string  `json:"venue,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
}

// Config tunes the gateway.
type Config struct {
	DefaultVenue string        `json:",default=sim"`
	OrderTimeout time.Duration `json:",default=60s"`
	PollInterval time.Duration `json:",default=5s"`
	Queue        string        `json:",default=order_gateway"`
}

// Validate applies defaults.
func (c *Config) Validate() error {
	if c.DefaultVenue == "" {
		c.DefaultVenue = "sim"
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Queue == "" {
		c.Queue = "order_gateway"
	}
	return nil
}

// activeOrder is the in-memory tracking entry until a terminal state.
type activeOrder struct {
	orderID      string
	venueName    string
	venueOrderID string
	symbol       string
	strategyID   string
	positionID   string
	side         string
	quantity     decimal.Decimal
	submittedAt  time.Time
}

// Gateway is the order execution service.
type Gateway struct {
	cfg       *Config
	registry  *venue.Registry
	orders    model.OrdersModel
	positions model.PositionsModel
	bus       fabric.Bus

	mu     sync.Mutex
	active map[string]*activeOrder // keyed by our order id

	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewGateway wires the gateway.
func NewGateway(cfg *Config, registry *venue.Registry, orders model.OrdersModel, positions model.PositionsModel, bus fabric.Bus) *Gateway {
	if cfg == nil {
		cfg = &Config{}
	}
	_ = cfg.Validate()
	return &Gateway{
		cfg:       cfg,
		registry:  registry,
		orders:    orders,
		positions: positions,
		bus:       bus,
		active:    make(map[string]*activeOrder),
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start subscribes to stop-loss triggers and launches the reconciliation
// loop. Implements service.Service.
func (g *Gateway) Start() {
	if g.bus != nil {
		err := g.bus.Subscribe(g.cfg.Queue, []fabric.Binding{
			{Exchange: fabric.ExchangeOrderExecution, RoutingKey: fabric.KeyStopLossTrigger},
		}, g.HandleStopTrigger)
		if err != nil {
			logx.Errorf("gateway: subscribe failed: %v", err)
		}
	}
	threading.GoSafe(g.monitorLoop)
	logx.Infof("gateway: started default_venue=%s poll_interval=%s", g.cfg.DefaultVenue, g.cfg.PollInterval)
}

// Stop terminates the loops.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

// Submit places one signal. Submissions are idempotent on
// (strategy_id, symbol, signal_id): duplicates return the existing record.
func (g *Gateway) Submit(ctx context.Context, sig *Signal) (*model.Orders, error) {
	if sig == nil || sig.SignalID == "" || sig.Symbol == "" {
		return nil, fmt.Errorf("gateway: signal_id and symbol are required")
	}
	if sig.Quantity <= 0 {
		return nil, fmt.Errorf("gateway: quantity must be positive")
	}
	if existing, err := g.orders.FindBySignal(ctx, sig.StrategyID, sig.Symbol, sig.SignalID); err == nil {
		logx.Infof("gateway: duplicate signal strategy=%s symbol=%s signal=%s returning existing order=%s", sig.StrategyID, sig.Symbol, sig.SignalID, existing.Id)
		return existing, nil
	} else if err != model.ErrNotFound {
		return nil, err
	}

	venueName := sig.Venue
	if venueName == "" {
		venueName = g.cfg.DefaultVenue
	}
	client, err := g.registry.Client(venueName)
	if err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(sig.Quantity)
	orderType := venue.Market
	if strings.EqualFold(sig.OrderType, "limit") {
		orderType = venue.Limit
	}
	side := venue.Buy
	if strings.EqualFold(sig.Side, "SELL") {
		side = venue.Sell
	}

	row := &model.Orders{
		Id:         uuid.NewString(),
		StrategyId: sig.StrategyID,
		Symbol:     sig.Symbol,
		SignalId:   sig.SignalID,
		Venue:      venueName,
		Side:       strings.ToUpper(sig.Side),
		OrderType:  string(orderType),
		Quantity:   qty.String(),
		Status:     model.OrderStatusNew,
		FilledQty:  "0",
		CreatedAt:  g.now().UTC(),
		UpdatedAt:  g.now().UTC(),
	}
	if sig.Price > 0 {
		row.Price = sql.NullString{Valid: true, String: decimal.NewFromFloat(sig.Price).String()}
	}
	if err := g.orders.Insert(ctx, row); err != nil {
		return nil, err
	}

	status, err := client.CreateOrder(ctx, venue.Order{
		ClientID: row.Id,
		Symbol:   sig.Symbol,
		Side:     side,
		Type:     orderType,
		Quantity: qty,
		Price:    decimal.NewFromFloat(sig.Price),
	})
	if err != nil {
		if uerr := g.orders.UpdateFill(ctx, row.Id, model.OrderStatusFailed, "0", 0, ""); uerr != nil {
			logx.Errorf("gateway: mark failed order=%s: %v", row.Id, uerr)
		}
		return nil, fmt.Errorf("gateway: create order on %s: %w", venueName, err)
	}

	g.applyStatus(ctx, row, &activeOrder{
		orderID:      row.Id,
		venueName:    venueName,
		venueOrderID: status.VenueOrderID,
		symbol:       sig.Symbol,
		strategyID:   sig.StrategyID,
		positionID:   sig.PositionID,
		side:         row.Side,
		quantity:     qty,
		submittedAt:  g.now().UTC(),
	}, status)
	logx.Infof("gateway: submitted order=%s venue=%s symbol=%s side=%s qty=%s status=%s", row.Id, venueName, sig.Symbol, row.Side, qty, status.Status)
	return row, nil
}

// applyStatus reconciles a venue status into our records and tracking map.
func (g *Gateway) applyStatus(ctx context.Context, row *model.Orders, ao *activeOrder, status *venue.OrderStatus) {
	terminal := isTerminal(status.Status)
	filled := status.FilledQty.String()
	avg, _ := status.AvgFillPrice.Float64()
	if err := g.orders.UpdateFill(ctx, row.Id, mapStatus(status.Status), filled, avg, status.VenueOrderID); err != nil {
		logx.Errorf("gateway: update fill order=%s: %v", row.Id, err)
	}

	g.mu.Lock()
	if terminal {
		delete(g.active, row.Id)
	} else {
		g.active[row.Id] = ao
	}
	g.mu.Unlock()

	if status.Status == "filled" {
		g.emitPositionEvent(ctx, ao, status)
	}
}

// HandleStopTrigger consumes order.stop_loss.trigger messages and issues the
// covering market order. Idempotent on the stop order id.
func (g *Gateway) HandleStopTrigger(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	var trigger struct {
		OrderID    string  `json:"order_id"`
		PositionID string  `json:"position_id"`
		Symbol     string  `json:"symbol"`
		OrderType  string  `json:"order_type"`
		Quantity   float64 `json:"quantity"`
	}
	if err := json.Unmarshal(d.Body, &trigger); err != nil {
		return fabric.NackDiscard
	}
	if trigger.OrderID == "" || trigger.Symbol == "" || trigger.Quantity <= 0 {
		return fabric.NackDiscard
	}
	side := "SELL"
	if trigger.OrderType == "market_buy" {
		side = "BUY"
	}
	_, err := g.Submit(ctx, &Signal{
		SignalID:   "stop:" + trigger.OrderID,
		StrategyID: "risk",
		Symbol:     trigger.Symbol,
		Side:       side,
		OrderType:  "market",
		Quantity:   trigger.Quantity,
		PositionID: trigger.PositionID,
	})
	if err != nil {
		logx.Errorf("gateway: stop trigger submit order_id=%s: %v", trigger.OrderID, err)
		return fabric.Requeue
	}
	return fabric.Ack
}

// monitorLoop reconciles active orders against their venues and times out
// stragglers.
func (g *Gateway) monitorLoop() {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			g.ReconcileOnce(context.Background())
		}
	}
}

// ReconcileOnce polls every active order once.
func (g *Gateway) ReconcileOnce(ctx context.Context) {
	g.mu.Lock()
	snapshot := make([]*activeOrder, 0, len(g.active))
	for _, ao := range g.active {
		snapshot = append(snapshot, ao)
	}
	g.mu.Unlock()

	for _, ao := range snapshot {
		client, err := g.registry.Client(ao.venueName)
		if err != nil {
			continue
		}
		status, err := client.FetchOrder(ctx, ao.symbol, ao.venueOrderID)
		if err != nil {
			logx.Slowf("gateway: fetch order=%s venue=%s: %v", ao.orderID, ao.venueName, err)
			continue
		}
		if isTerminal(status.Status) {
			row := &model.Orders{Id: ao.orderID}
			g.applyStatus(ctx, row, ao, status)
			continue
		}
		// Time out orders resting past the configured deadline.
		if g.now().Sub(ao.submittedAt) > g.cfg.OrderTimeout {
			if err := client.CancelOrder(ctx, ao.symbol, ao.venueOrderID); err != nil {
				logx.Errorf("gateway: cancel stale order=%s: %v", ao.orderID, err)
			}
			if err := g.orders.UpdateFill(ctx, ao.orderID, model.OrderStatusFailed, "0", 0, ao.venueOrderID); err != nil {
				logx.Errorf("gateway: mark timed-out order=%s: %v", ao.orderID, err)
			}
			g.mu.Lock()
			delete(g.active, ao.orderID)
			g.mu.Unlock()
			logx.Slowf("gateway: order timed out order=%s venue=%s", ao.orderID, ao.venueName)
		}
	}
}

// emitPositionEvent publishes portfolio.position.* on fills.
func (g *Gateway) emitPositionEvent(ctx context.Context, ao *activeOrder, status *venue.OrderStatus) {
	if g.bus == nil {
		return
	}
	avg, _ := status.AvgFillPrice.Float64()
	qty, _ := status.FilledQty.Float64()
	event := map[string]any{
		"order_id":    ao.orderID,
		"position_id": ao.positionID,
		"strategy_id": ao.strategyID,
		"symbol":      ao.symbol,
		"side":        ao.side,
		"quantity":    qty,
		"fill_price":  avg,
		"timestamp":   g.now().UTC().Format(time.RFC3339),
	}
	key := "portfolio.position.opened"
	if ao.side == "SELL" {
		key = "portfolio.position.reduced"
	}
	if err := g.bus.Publish(ctx, fabric.ExchangePortfolioUpdates, key, event); err != nil {
		logx.Errorf("gateway: publish position event order=%s: %v", ao.orderID, err)
	}
}

// ActiveCount reports tracked non-terminal orders.
func (g *Gateway) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// ClosePosition implements risk.PositionAdjuster.
func (g *Gateway) ClosePosition(ctx context.Context, positionID string) error {
	return g.adjustPosition(ctx, positionID, 1.0)
}

// ReducePosition implements risk.PositionAdjuster.
func (g *Gateway) ReducePosition(ctx context.Context, positionID string, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("gateway: fraction must be in (0, 1]")
	}
	return g.adjustPosition(ctx, positionID, fraction)
}

func (g *Gateway) adjustPosition(ctx context.Context, positionID string, fraction float64) error {
	if g.positions == nil {
		return fmt.Errorf("gateway: positions model not wired")
	}
	pos, err := g.positions.FindOne(ctx, positionID)
	if err != nil {
		return err
	}
	qty := pos.Quantity * fraction
	side := "SELL"
	if pos.Side == "short" {
		side = "BUY"
	}
	_, err = g.Submit(ctx, &Signal{
		SignalID:   fmt.Sprintf("adjust:%s:%.4f", positionID, fraction),
		StrategyID: pos.StrategyId,
		Symbol:     pos.Symbol,
		Side:       side,
		OrderType:  "market",
		Quantity:   qty,
		PositionID: positionID,
	})
	if err != nil {
		return err
	}
	if fraction >= 1 {
		if _, err := g.positions.Close(ctx, positionID, g.now().UTC()); err != nil {
			return err
		}
	} else {
		if err := g.positions.UpdateQuantity(ctx, positionID, pos.Quantity-qty); err != nil {
			return err
		}
	}
	return nil
}

func isTerminal(status string) bool {
	switch status {
	case "filled", "canceled", "rejected", "expired", "failed":
		return true
	default:
		return false
	}
}

func mapStatus(venueStatus string) string {
	switch venueStatus {
	case "filled":
		return model.OrderStatusFilled
	case "canceled":
		return model.OrderStatusCanceled
	case "rejected":
		return model.OrderStatusRejected
	case "expired":
		return model.OrderStatusExpired
	case "partial":
		return "partial"
	default:
		return model.OrderStatusNew
	}
}

package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/fabric"
)

// StopType selects the stop computation.
type StopType string

const (
	StopFixed      StopType = "fixed"
	StopTrailing   StopType = "trailing"
	StopVolatility StopType = "volatility"
	StopATR        StopType = "atr"
	StopSR         StopType = "sr"
)

// StopConfig tunes one stop order.
type StopConfig struct {
	InitialStopPct       float64   `json:"initial_stop_pct"`
	TrailingDistPct      float64   `json:"trailing_dist_pct"`
	MinProfitBeforeTrail float64   `json:"min_profit_before_trail"` // percent
	VolMultiplier        float64   `json:"vol_multiplier"`
	ATRMultiplier        float64   `json:"atr_multiplier"`
	ATR                  float64   `json:"atr,omitempty"`
	SupportLevels        []float64 `json:"support_levels,omitempty"`
	SupportBufferPct     float64   `json:"support_buffer_pct"`
	TimeDecayEnabled     bool      `json:"time_decay_enabled"`
}

// StopOrder is the in-memory stop state. Updates for one position are
// serialised by its own mutex; stop_price is monotone non-decreasing for
// longs and non-increasing for shorts while active.
type StopOrder struct {
	mu sync.Mutex

	ID               string
	PositionID       string
	Symbol           string
	Side             string // long | short
	Type             StopType
	Status           string
	EntryPrice       float64
	CurrentPrice     float64
	StopPrice        float64
	InitialStopPrice float64
	HighestPrice     float64
	LowestPrice      float64
	Quantity         float64
	Config           StopConfig
	Volatility       float64
	CreatedAt        time.Time
	LastUpdated      time.Time
}

// StopLossManager owns the active stop set and drives it from price ticks.
type StopLossManager struct {
	cfg    *Config
	orders model.StopLossOrdersModel
	bus    fabric.Bus

	mu    sync.RWMutex
	stops map[string]*StopOrder // keyed by order id

	now func() time.Time
}

// NewStopLossManager wires the manager.
func NewStopLossManager(cfg *Config, orders model.StopLossOrdersModel, bus fabric.Bus) *StopLossManager {
	return &StopLossManager{
		cfg:    cfg,
		orders: orders,
		bus:    bus,
		stops:  make(map[string]*StopOrder),
		now:    time.Now,
	}
}

// Start reloads persisted active stops. Implements service.Service; tick
// driving comes from the price feeds and the risk controller.
func (m *StopLossManager) Start() {
	if err := m.Restore(context.Background()); err != nil {
		logx.Errorf("risk: restore stops: %v", err)
	}
}

// Stop implements service.Service.
func (m *StopLossManager) Stop() {}

// CreateStop registers a stop for a position and persists it.
func (m *StopLossManager) CreateStop(ctx context.Context, positionID, symbol, side string, stopType StopType, entryPrice, quantity, volatility float64, cfg StopConfig) (*StopOrder, error) {
	if entryPrice <= 0 || quantity <= 0 {
		return nil, fmt.Errorf("risk: stop requires positive entry price and quantity")
	}
	if side != "long" && side != "short" {
		return nil, fmt.Errorf("risk: unknown side %q", side)
	}
	pct := m.initialStopPct(stopType, entryPrice, volatility, cfg)
	stopPrice := entryPrice * (1 - pct/100)
	if side == "short" {
		stopPrice = entryPrice * (1 + pct/100)
	}

	o := &StopOrder{
		ID:               uuid.NewString(),
		PositionID:       positionID,
		Symbol:           symbol,
		Side:             side,
		Type:             stopType,
		Status:           model.StopStatusActive,
		EntryPrice:       entryPrice,
		CurrentPrice:     entryPrice,
		StopPrice:        stopPrice,
		InitialStopPrice: stopPrice,
		HighestPrice:     entryPrice,
		LowestPrice:      entryPrice,
		Quantity:         quantity,
		Config:           cfg,
		Volatility:       volatility,
		CreatedAt:        m.now().UTC(),
		LastUpdated:      m.now().UTC(),
	}

	if m.orders != nil {
		if err := m.orders.Insert(ctx, toStopRow(o)); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.stops[o.ID] = o
	m.mu.Unlock()
	logx.Infof("risk: stop created id=%s position=%s symbol=%s type=%s stop=%.4f entry=%.4f", o.ID, positionID, symbol, stopType, stopPrice, entryPrice)
	return o, nil
}

func (m *StopLossManager) initialStopPct(stopType StopType, price, volatility float64, cfg StopConfig) float64 {
	pct := cfg.InitialStopPct
	switch stopType {
	case StopVolatility:
		mult := cfg.VolMultiplier
		if mult <= 0 {
			mult = 2.0
		}
		pct = volatility * mult * 100
	case StopATR:
		mult := cfg.ATRMultiplier
		if mult <= 0 {
			mult = 1.5
		}
		if cfg.ATR > 0 && price > 0 {
			pct = cfg.ATR / price * mult * 100
		}
	case StopSR:
		if support, ok := nearestSupportBelow(cfg.SupportLevels, price); ok {
			buffer := cfg.SupportBufferPct
			if buffer <= 0 {
				buffer = 0.5
			}
			pct = (1-(support*(1-buffer/100))/price)*100
		}
	}
	if pct <= 0 {
		pct = 3
	}
	return clamp(pct, m.cfg.MinStopLossPct, m.cfg.MaxStopLossPct)
}

func nearestSupportBelow(levels []float64, price float64) (float64, bool) {
	candidates := make([]float64, 0, len(levels))
	for _, l := range levels {
		if l > 0 && l < price {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Float64s(candidates)
	return candidates[len(candidates)-1], true
}

// OnPriceTick updates every active stop on the symbol and returns the orders
// that triggered.
func (m *StopLossManager) OnPriceTick(ctx context.Context, symbol string, price, volatility float64) []*StopOrder {
	if price <= 0 {
		return nil
	}
	m.mu.RLock()
	var affected []*StopOrder
	for _, o := range m.stops {
		if o.Symbol == symbol {
			affected = append(affected, o)
		}
	}
	m.mu.RUnlock()

	var triggered []*StopOrder
	for _, o := range affected {
		if m.updateOne(ctx, o, price, volatility) {
			triggered = append(triggered, o)
		}
	}
	return triggered
}

// updateOne applies the per-tick update under the position's lock. Returns
// true when the stop fired.
func (m *StopLossManager) updateOne(ctx context.Context, o *StopOrder, price, volatility float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Status != model.StopStatusActive {
		return false
	}
	o.CurrentPrice = price
	o.HighestPrice = math.Max(o.HighestPrice, price)
	o.LowestPrice = math.Min(o.LowestPrice, price)
	if volatility > 0 {
		o.Volatility = volatility
	}

	candidate := m.candidateStop(o)
	oldStop := o.StopPrice
	var newStop float64
	if o.Side == "long" {
		// Never widen a long stop.
		newStop = math.Max(oldStop, candidate)
	} else {
		newStop = math.Min(oldStop, candidate)
	}

	// Suppress noise updates below a tenth of a percent.
	if math.Abs(newStop-oldStop) > 0.001*oldStop {
		o.StopPrice = newStop
		o.LastUpdated = m.now().UTC()
		m.persist(ctx, o)
	}

	if m.shouldTrigger(o, price) {
		o.Status = model.StopStatusTriggered
		o.LastUpdated = m.now().UTC()
		m.persist(ctx, o)
		m.publishTrigger(ctx, o, price)
		m.mu.Lock()
		delete(m.stops, o.ID)
		m.mu.Unlock()
		logx.Infof("risk: stop triggered id=%s symbol=%s price=%.4f stop=%.4f", o.ID, o.Symbol, price, o.StopPrice)
		return true
	}
	return false
}

// candidateStop recomputes the stop for the current tick (long side math;
// shorts mirror it).
func (m *StopLossManager) candidateStop(o *StopOrder) float64 {
	candidate := o.StopPrice
	profitPct := profitPercent(o)

	switch o.Type {
	case StopTrailing:
		minProfit := o.Config.MinProfitBeforeTrail
		if minProfit <= 0 {
			minProfit = 1
		}
		dist := o.Config.TrailingDistPct
		if dist <= 0 {
			dist = 2
		}
		if profitPct >= minProfit {
			if o.Side == "long" {
				candidate = o.HighestPrice * (1 - dist/100)
			} else {
				candidate = o.LowestPrice * (1 + dist/100)
			}
		}
	case StopVolatility:
		mult := o.Config.VolMultiplier
		if mult <= 0 {
			mult = 2.0
		}
		pct := clamp(o.Volatility*mult*100, m.cfg.MinStopLossPct, m.cfg.MaxStopLossPct)
		if o.Side == "long" {
			candidate = o.CurrentPrice * (1 - pct/100)
		} else {
			candidate = o.CurrentPrice * (1 + pct/100)
		}
	}

	// Breakeven protection once 2% in profit.
	if profitPct > 2 {
		if o.Side == "long" {
			candidate = math.Max(candidate, o.EntryPrice*1.001)
		} else {
			candidate = math.Min(candidate, o.EntryPrice*0.999)
		}
	}

	// Time decay tightens stale unprofitable positions.
	if o.Config.TimeDecayEnabled && profitPct < 0 {
		age := m.now().Sub(o.CreatedAt)
		if age > 24*time.Hour {
			days := age.Hours() / 24
			tighten := 0.001 * days
			if o.Side == "long" {
				candidate = math.Max(candidate, o.StopPrice*(1+tighten))
			} else {
				candidate = math.Min(candidate, o.StopPrice*(1-tighten))
			}
		}
	}
	return candidate
}

func profitPercent(o *StopOrder) float64 {
	if o.EntryPrice == 0 {
		return 0
	}
	if o.Side == "long" {
		return (o.CurrentPrice - o.EntryPrice) / o.EntryPrice * 100
	}
	return (o.EntryPrice - o.CurrentPrice) / o.EntryPrice * 100
}

// shouldTrigger checks the stop line, applying a 0.5% buffer during
// volatility spikes to avoid wick-outs.
func (m *StopLossManager) shouldTrigger(o *StopOrder, price float64) bool {
	stop := o.StopPrice
	if o.Volatility > 1.5*m.cfg.HighVolThreshold {
		if o.Side == "long" {
			stop *= 1 - 0.005
		} else {
			stop *= 1 + 0.005
		}
	}
	if o.Side == "long" {
		return price <= stop
	}
	return price >= stop
}

func (m *StopLossManager) publishTrigger(ctx context.Context, o *StopOrder, price float64) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{
		"order_id":      o.ID,
		"position_id":   o.PositionID,
		"symbol":        o.Symbol,
		"order_type":    "market_sell",
		"quantity":      o.Quantity,
		"trigger_price": price,
		"stop_price":    o.StopPrice,
		"reason":        "stop_loss_triggered",
		"timestamp":     m.now().UTC().Format(time.RFC3339),
	}
	if o.Side == "short" {
		payload["order_type"] = "market_buy"
	}
	err := m.bus.Publish(ctx, fabric.ExchangeOrderExecution, fabric.KeyStopLossTrigger, payload,
		fabric.WithPersistent(), fabric.WithPriority(9))
	if err != nil {
		logx.Errorf("risk: publish stop trigger id=%s: %v", o.ID, err)
	}
}

// Modify adjusts the stop configuration; the stop line itself still only
// moves through tick updates, so monotonicity holds.
func (m *StopLossManager) Modify(ctx context.Context, id string, cfg StopConfig) error {
	m.mu.RLock()
	o := m.stops[id]
	m.mu.RUnlock()
	if o == nil {
		return fmt.Errorf("risk: stop %s not found", id)
	}
	o.mu.Lock()
	o.Config = cfg
	o.Status = model.StopStatusModified
	o.LastUpdated = m.now().UTC()
	m.persist(ctx, o)
	o.Status = model.StopStatusActive
	o.mu.Unlock()
	logx.Infof("risk: stop modified id=%s", id)
	return nil
}

// Cancel removes a stop from the active set and persists the transition.
func (m *StopLossManager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	o := m.stops[id]
	delete(m.stops, id)
	m.mu.Unlock()
	if o == nil {
		return fmt.Errorf("risk: stop %s not found", id)
	}
	o.mu.Lock()
	o.Status = model.StopStatusCancelled
	o.LastUpdated = m.now().UTC()
	m.persist(ctx, o)
	o.mu.Unlock()
	logx.Infof("risk: stop cancelled id=%s", id)
	return nil
}

// ActiveCount reports stops currently tracked.
func (m *StopLossManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stops)
}

// Restore loads persisted active stops into memory after a restart.
func (m *StopLossManager) Restore(ctx context.Context) error {
	if m.orders == nil {
		return nil
	}
	rows, err := m.orders.ActiveOrders(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range rows {
		o, err := fromStopRow(&rows[i])
		if err != nil {
			logx.Slowf("risk: skipping undecodable stop id=%s: %v", rows[i].Id, err)
			continue
		}
		m.stops[o.ID] = o
	}
	logx.Infof("risk: restored stops count=%d", len(m.stops))
	return nil
}

func (m *StopLossManager) persist(ctx context.Context, o *StopOrder) {
	if m.orders == nil {
		return
	}
	if err := m.orders.Update(ctx, toStopRow(o)); err != nil {
		logx.Errorf("risk: persist stop id=%s: %v", o.ID, err)
	}
}

func toStopRow(o *StopOrder) *model.StopLossOrders {
	cfg, _ := json.Marshal(o.Config)
	return &model.StopLossOrders{
		Id:               o.ID,
		PositionId:       o.PositionID,
		Symbol:           o.Symbol,
		Side:             o.Side,
		StopType:         string(o.Type),
		Status:           o.Status,
		EntryPrice:       o.EntryPrice,
		CurrentPrice:     o.CurrentPrice,
		StopPrice:        o.StopPrice,
		InitialStopPrice: o.InitialStopPrice,
		HighestPrice:     o.HighestPrice,
		LowestPrice:      o.LowestPrice,
		Quantity:         o.Quantity,
		Config:           cfg,
		CreatedAt:        o.CreatedAt,
		LastUpdated:      o.LastUpdated,
	}
}

func fromStopRow(row *model.StopLossOrders) (*StopOrder, error) {
	var cfg StopConfig
	if len(row.Config) > 0 {
		if err := json.Unmarshal(row.Config, &cfg); err != nil {
			return nil, err
		}
	}
	return &StopOrder{
		ID:               row.Id,
		PositionID:       row.PositionId,
		Symbol:           row.Symbol,
		Side:             row.Side,
		Type:             StopType(row.StopType),
		Status:           row.Status,
		EntryPrice:       row.EntryPrice,
		CurrentPrice:     row.CurrentPrice,
		StopPrice:        row.StopPrice,
		InitialStopPrice: row.InitialStopPrice,
		HighestPrice:     row.HighestPrice,
		LowestPrice:      row.LowestPrice,
		Quantity:         row.Quantity,
		Config:           cfg,
		CreatedAt:        row.CreatedAt,
		LastUpdated:      row.LastUpdated,
	}, nil
}

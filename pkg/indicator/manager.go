package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/fabric"
)

// Manager owns indicator configurations: it serves config requests from the
// fabric, refreshes its in-process cache from the database and runs the
// continuous calculation loop.
type Manager struct {
	cfg     *Config
	configs model.IndicatorConfigsModel
	calc    Calculator
	bus     fabric.Bus

	mu            sync.RWMutex
	cache         map[string]*Configuration
	subscriptions map[string][]string // name -> configuration ids
	consecErrs    map[string]int
	paused        map[string]struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewManager wires the manager; call Start to begin the loops.
func NewManager(cfg *Config, configs model.IndicatorConfigsModel, calc Calculator, bus fabric.Bus) *Manager {
	if cfg == nil {
		cfg = &Config{}
		_ = cfg.Validate()
	}
	return &Manager{
		cfg:           cfg,
		configs:       configs,
		calc:          calc,
		bus:           bus,
		cache:         make(map[string]*Configuration),
		subscriptions: make(map[string][]string),
		consecErrs:    make(map[string]int),
		paused:        make(map[string]struct{}),
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start subscribes to the config exchange and launches the refresh and
// calculation loops. Implements service.Service.
func (m *Manager) Start() {
	if m.bus != nil {
		err := m.bus.Subscribe(m.cfg.Queue, []fabric.Binding{
			{Exchange: fabric.ExchangeIndicatorConfig, RoutingKey: "config.request.*"},
		}, m.HandleRequest)
		if err != nil {
			logx.Errorf("indicator: subscribe failed: %v", err)
		}
	}
	if err := m.refresh(context.Background()); err != nil {
		logx.Errorf("indicator: initial refresh failed: %v", err)
	}
	threading.GoSafe(m.refreshLoop)
	threading.GoSafe(m.calcLoop)
	logx.Infof("indicator: manager started queue=%s update_interval=%s refresh_interval=%s", m.cfg.Queue, m.cfg.UpdateInterval, m.cfg.DBRefreshInterval)
}

// Stop terminates the loops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Manager) refreshLoop() {
	ticker := time.NewTicker(m.cfg.DBRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if err := m.refresh(context.Background()); err != nil {
				logx.Errorf("indicator: refresh failed: %v", err)
			}
		}
	}
}

// refresh rehydrates the cache and lifts error pauses for the new cycle.
func (m *Manager) refresh(ctx context.Context) error {
	rows, err := m.configs.AllActive(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]*Configuration, len(rows))
	for i := range rows {
		c, err := fromModel(&rows[i])
		if err != nil {
			logx.Slowf("indicator: skipping undecodable config id=%s: %v", rows[i].Id, err)
			continue
		}
		fresh[c.ID] = c
	}
	m.mu.Lock()
	m.cache = fresh
	m.paused = make(map[string]struct{})
	m.mu.Unlock()
	logx.Infof("indicator: cache refreshed configs=%d", len(fresh))
	return nil
}

func (m *Manager) calcLoop() {
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.calculateDue(context.Background())
		}
	}
}

func (m *Manager) calculateDue(ctx context.Context) {
	olderThan := m.now().Add(-m.cfg.UpdateInterval)
	rows, err := m.configs.DueForCalculation(ctx, olderThan)
	if err != nil {
		logx.Errorf("indicator: due query failed: %v", err)
		return
	}
	for i := range rows {
		select {
		case <-m.stopChan:
			return
		default:
		}
		cfg, err := fromModel(&rows[i])
		if err != nil {
			continue
		}
		if m.isPaused(cfg.ID) {
			continue
		}
		m.calculateOne(ctx, cfg)
	}
}

// calculateOne runs one calculation, records timing/errors and publishes the
// result when the configuration asks for it.
func (m *Manager) calculateOne(ctx context.Context, cfg *Configuration) {
	start := m.now()
	res, err := m.calc.Calculate(ctx, cfg)
	if err != nil {
		m.recordFailure(ctx, cfg, err)
		return
	}
	elapsed := m.now().Sub(start)
	res.CalculatedAt = m.now().UTC()
	res.DurationMs = float64(elapsed.Microseconds()) / 1000

	m.mu.Lock()
	m.consecErrs[cfg.ID] = 0
	m.mu.Unlock()
	if err := m.configs.RecordCalculation(ctx, cfg.ID, res.CalculatedAt, res.DurationMs); err != nil {
		logx.Errorf("indicator: record calculation id=%s: %v", cfg.ID, err)
	}

	if cfg.Publish && m.bus != nil {
		key := fmt.Sprintf("result.%s.%s", cfg.Symbol, cfg.Interval)
		if err := m.bus.Publish(ctx, fabric.ExchangeIndicatorResults, key, res); err != nil {
			logx.Errorf("indicator: publish result id=%s key=%s: %v", cfg.ID, key, err)
		}
	}
	m.publishToSubscriptions(ctx, cfg.ID, res)
}

func (m *Manager) recordFailure(ctx context.Context, cfg *Configuration, calcErr error) {
	if err := m.configs.RecordError(ctx, cfg.ID); err != nil {
		logx.Errorf("indicator: record error id=%s: %v", cfg.ID, err)
	}
	m.mu.Lock()
	m.consecErrs[cfg.ID]++
	n := m.consecErrs[cfg.ID]
	if n >= m.cfg.PauseAfterErrors {
		m.paused[cfg.ID] = struct{}{}
	}
	m.mu.Unlock()
	if n >= m.cfg.PauseAfterErrors {
		logx.Slowf("indicator: config paused for cycle id=%s consecutive_errors=%d: %v", cfg.ID, n, calcErr)
	} else {
		logx.Errorf("indicator: calculation failed id=%s type=%s: %v", cfg.ID, cfg.IndicatorType, calcErr)
	}
}

func (m *Manager) isPaused(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.paused[id]
	return ok
}

func (m *Manager) publishToSubscriptions(ctx context.Context, configID string, res *Result) {
	if m.bus == nil {
		return
	}
	m.mu.RLock()
	var names []string
	for name, ids := range m.subscriptions {
		for _, id := range ids {
			if id == configID {
				names = append(names, name)
				break
			}
		}
	}
	m.mu.RUnlock()
	for _, name := range names {
		key := fmt.Sprintf("result.subscription.%s", name)
		if err := m.bus.Publish(ctx, fabric.ExchangeIndicatorResults, key, res); err != nil {
			logx.Errorf("indicator: publish to subscription %s: %v", name, err)
		}
	}
}

// HandleRequest is the fabric handler for config.request.* routing keys.
func (m *Manager) HandleRequest(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	action := actionFromKey(d.RoutingKey)
	switch action {
	case "add":
		return m.handleAdd(ctx, d)
	case "update":
		return m.handleUpdate(ctx, d)
	case "remove":
		return m.handleRemove(ctx, d)
	case "bulk":
		return m.handleBulk(ctx, d)
	case "subscribe":
		return m.handleSubscribe(ctx, d)
	default:
		logx.Slowf("indicator: unknown config action key=%s", d.RoutingKey)
		return fabric.NackDiscard
	}
}

func actionFromKey(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func (m *Manager) handleAdd(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	var req addRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	cfg := req.Configuration
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Symbol == "" || cfg.IndicatorType == "" || cfg.Interval == "" {
		m.reply(ctx, req.ReplyTo, d, errorResponse("add", cfg.ID, cfg.StrategyID, "symbol, indicator_type and interval are required"))
		return fabric.Ack
	}
	row, err := toModel(&cfg)
	if err != nil {
		m.reply(ctx, req.ReplyTo, d, errorResponse("add", cfg.ID, cfg.StrategyID, err.Error()))
		return fabric.Ack
	}
	if err := m.configs.Upsert(ctx, row); err != nil {
		logx.Errorf("indicator: add failed id=%s: %v", cfg.ID, err)
		m.reply(ctx, req.ReplyTo, d, errorResponse("add", cfg.ID, cfg.StrategyID, "persist failed"))
		return fabric.Ack
	}
	m.mu.Lock()
	m.cache[cfg.ID] = &cfg
	m.mu.Unlock()
	if req.CalculateImmediately {
		m.calculateOne(ctx, &cfg)
	}
	m.reply(ctx, req.ReplyTo, d, successResponse("add", cfg.ID, cfg.StrategyID))
	logx.Infof("indicator: config added id=%s type=%s symbol=%s interval=%s", cfg.ID, cfg.IndicatorType, cfg.Symbol, cfg.Interval)
	return fabric.Ack
}

func (m *Manager) handleUpdate(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	var req updateRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	if req.ConfigurationID == "" {
		m.reply(ctx, req.ReplyTo, d, errorResponse("update", "", req.StrategyID, "configuration_id is required"))
		return fabric.Ack
	}
	row, err := m.configs.FindOne(ctx, req.ConfigurationID)
	if err == model.ErrNotFound {
		m.reply(ctx, req.ReplyTo, d, errorResponse("update", req.ConfigurationID, req.StrategyID, "configuration not found"))
		return fabric.Ack
	}
	if err != nil {
		logx.Errorf("indicator: update lookup id=%s: %v", req.ConfigurationID, err)
		return fabric.Requeue
	}
	cfg, err := fromModel(row)
	if err != nil {
		m.reply(ctx, req.ReplyTo, d, errorResponse("update", req.ConfigurationID, req.StrategyID, "stored configuration undecodable"))
		return fabric.Ack
	}
	applyUpdates(cfg, req.Updates)
	updated, err := toModel(cfg)
	if err != nil {
		m.reply(ctx, req.ReplyTo, d, errorResponse("update", req.ConfigurationID, req.StrategyID, err.Error()))
		return fabric.Ack
	}
	if err := m.configs.Upsert(ctx, updated); err != nil {
		logx.Errorf("indicator: update failed id=%s: %v", cfg.ID, err)
		m.reply(ctx, req.ReplyTo, d, errorResponse("update", cfg.ID, req.StrategyID, "persist failed"))
		return fabric.Ack
	}
	m.mu.Lock()
	m.cache[cfg.ID] = cfg
	m.mu.Unlock()
	if req.RecalculateImmediately {
		m.calculateOne(ctx, cfg)
	}
	m.reply(ctx, req.ReplyTo, d, successResponse("update", cfg.ID, cfg.StrategyID))
	return fabric.Ack
}

func (m *Manager) handleRemove(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	var req removeRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	ok, err := m.configs.Delete(ctx, req.ConfigurationID, req.StrategyID)
	if err != nil {
		logx.Errorf("indicator: remove failed id=%s: %v", req.ConfigurationID, err)
		return fabric.Requeue
	}
	if !ok {
		m.reply(ctx, req.ReplyTo, d, errorResponse("remove", req.ConfigurationID, req.StrategyID, "configuration not found"))
		return fabric.Ack
	}
	m.mu.Lock()
	delete(m.cache, req.ConfigurationID)
	delete(m.consecErrs, req.ConfigurationID)
	delete(m.paused, req.ConfigurationID)
	m.mu.Unlock()
	m.reply(ctx, req.ReplyTo, d, successResponse("remove", req.ConfigurationID, req.StrategyID))
	logx.Infof("indicator: config removed id=%s", req.ConfigurationID)
	return fabric.Ack
}

func (m *Manager) handleBulk(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	var req bulkRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	ids := req.ConfigurationIDs
	if len(ids) > m.cfg.BatchSize {
		ids = ids[:m.cfg.BatchSize]
		logx.Slowf("indicator: bulk request truncated requested=%d batch_size=%d", len(req.ConfigurationIDs), m.cfg.BatchSize)
	}
	computed := 0
	for _, id := range ids {
		m.mu.RLock()
		cfg := m.cache[id]
		m.mu.RUnlock()
		if cfg == nil {
			continue
		}
		m.calculateOne(ctx, cfg)
		computed++
	}
	m.reply(ctx, req.ReplyTo, d, successResponse("bulk", "", ""))
	logx.Infof("indicator: bulk computed=%d requested=%d", computed, len(req.ConfigurationIDs))
	return fabric.Ack
}

func (m *Manager) handleSubscribe(ctx context.Context, d fabric.Delivery) fabric.Outcome {
	var req subscribeRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fabric.NackDiscard
	}
	if req.SubscriptionName == "" || len(req.ConfigurationIDs) == 0 {
		m.reply(ctx, req.ReplyTo, d, errorResponse("subscribe", "", "", "subscription_name and configuration_ids are required"))
		return fabric.Ack
	}
	m.mu.Lock()
	m.subscriptions[req.SubscriptionName] = append([]string(nil), req.ConfigurationIDs...)
	m.mu.Unlock()
	m.reply(ctx, req.ReplyTo, d, successResponse("subscribe", "", ""))
	logx.Infof("indicator: subscription registered name=%s configs=%d", req.SubscriptionName, len(req.ConfigurationIDs))
	return fabric.Ack
}

// reply publishes the response envelope to the requested reply key, falling
// back to the delivery's reply-to.
func (m *Manager) reply(ctx context.Context, replyTo string, d fabric.Delivery, resp response) {
	if m.bus == nil {
		return
	}
	target := replyTo
	if target == "" {
		target = d.ReplyTo
	}
	if target == "" {
		return
	}
	if err := m.bus.Publish(ctx, fabric.ExchangeIndicatorResults, target, resp); err != nil {
		logx.Errorf("indicator: reply failed key=%s: %v", target, err)
	}
}

func successResponse(action, configID, strategyID string) response {
	return response{
		Status:          "success",
		Action:          action,
		ConfigurationID: configID,
		StrategyID:      strategyID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}

func errorResponse(action, configID, strategyID, msg string) response {
	return response{
		Status:          "error",
		Action:          action,
		ConfigurationID: configID,
		StrategyID:      strategyID,
		Error:           msg,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}

// applyUpdates overlays the allowed mutable fields from a sparse update map.
func applyUpdates(cfg *Configuration, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "parameters":
			if mp, ok := v.(map[string]any); ok {
				if cfg.Parameters == nil {
					cfg.Parameters = make(map[string]any, len(mp))
				}
				for pk, pv := range mp {
					cfg.Parameters[pk] = pv
				}
			}
		case "active":
			if b, ok := v.(bool); ok {
				cfg.Active = b
			}
		case "continuous":
			if b, ok := v.(bool); ok {
				cfg.Continuous = b
			}
		case "publish":
			if b, ok := v.(bool); ok {
				cfg.Publish = b
			}
		case "priority":
			if f, ok := v.(float64); ok {
				cfg.Priority = int(f)
			}
		case "interval":
			if s, ok := v.(string); ok && s != "" {
				cfg.Interval = s
			}
		case "periods_required":
			if f, ok := v.(float64); ok && f > 0 {
				cfg.PeriodsRequired = int(f)
			}
		case "cache_duration_min":
			if f, ok := v.(float64); ok && f >= 0 {
				cfg.CacheDurationMin = int(f)
			}
		}
	}
}

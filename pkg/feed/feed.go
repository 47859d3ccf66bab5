// Package feed streams venue prices into the hot cache, pacing every poll
// through the adaptive rate limiter and fanning ticks out to the stop-loss
// manager and the portfolio.updates exchange.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/marketcache"
	"mastertrade-core/pkg/ratelimit"
)

// PriceSource yields one quote per symbol; implementations wrap venue HTTP
// or websocket clients. Response headers should be fed back to the limiter
// by the implementation.
type PriceSource interface {
	Quote(ctx context.Context, symbol string) (*marketcache.PricePoint, error)
}

// TickSink receives each fresh price (the stop-loss manager implements the
// same shape via a small adapter).
type TickSink func(ctx context.Context, symbol string, price float64)

// Service polls the source per symbol and keeps the cache hot.
type Service struct {
	name    string
	symbols []string
	source  PriceSource
	limiter *ratelimit.Limiter
	cache   *marketcache.Cache
	bus     fabric.Bus
	sinks   []TickSink

	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// New constructs a feed service. limiter and bus may be nil.
func New(name string, symbols []string, source PriceSource, limiter *ratelimit.Limiter, cache *marketcache.Cache, bus fabric.Bus, interval time.Duration, sinks ...TickSink) *Service {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Service{
		name:     name,
		symbols:  append([]string(nil), symbols...),
		source:   source,
		limiter:  limiter,
		cache:    cache,
		bus:      bus,
		sinks:    sinks,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the polling loop. Implements service.Service.
func (s *Service) Start() {
	threading.GoSafe(s.loop)
	logx.Infof("feed: %s started symbols=%d interval=%s", s.name, len(s.symbols), s.interval)
}

// Stop terminates the loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Service) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.PollOnce(context.Background())
		}
	}
}

// PollOnce fetches every symbol once, paced by the limiter.
func (s *Service) PollOnce(ctx context.Context) {
	for _, symbol := range s.symbols {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, "/ticker/"+symbol); err != nil {
				return
			}
		}
		point, err := s.source.Quote(ctx, symbol)
		if err != nil {
			logx.Slowf("feed: %s quote failed symbol=%s: %v", s.name, symbol, err)
			continue
		}
		if point == nil || point.Price <= 0 {
			continue
		}
		s.cache.Put(*point)
		for _, sink := range s.sinks {
			sink(ctx, symbol, point.Price)
		}
		if s.bus != nil {
			key := "market.price." + symbol
			if err := s.bus.Publish(ctx, fabric.ExchangePortfolioUpdates, key, point); err != nil {
				logx.Errorf("feed: %s publish price symbol=%s: %v", s.name, symbol, err)
			}
		}
	}
}

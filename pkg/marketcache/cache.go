package marketcache

import (
	"sync"
	"time"
)

// Kind distinguishes centralized and decentralized venues.
type Kind string

const (
	KindCEX Kind = "cex"
	KindDEX Kind = "dex"
)

// PricePoint is one venue quote for a trading pair. DEX entries carry chain
// and dex identifiers; CEX entries carry bid/ask when the feed provides them.
type PricePoint struct {
	Kind      Kind      `json:"kind" msgpack:"kind"`
	Venue     string    `json:"venue" msgpack:"venue"`
	Chain     string    `json:"chain,omitempty" msgpack:"chain,omitempty"`
	Dex       string    `json:"dex,omitempty" msgpack:"dex,omitempty"`
	Symbol    string    `json:"symbol" msgpack:"symbol"`
	Price     float64   `json:"price" msgpack:"price"`
	Bid       float64   `json:"bid,omitempty" msgpack:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty" msgpack:"ask,omitempty"`
	Liquidity float64   `json:"liquidity,omitempty" msgpack:"liquidity,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

type key struct {
	kind   Kind
	venue  string
	symbol string
}

type entry struct {
	point   PricePoint
	updated time.Time
}

// Cache is the process-wide hot price map. Writers are feed goroutines;
// readers are arbitrage detectors and strategy consumers. Entries past their
// staleness threshold are excluded from snapshots. Nothing is evicted: a
// stale entry stays in the map (and in Len) until the next Put overwrites it.
type Cache struct {
	mu       sync.RWMutex
	entries  map[key]entry
	cexStale time.Duration
	dexStale time.Duration
	now      func() time.Time
}

// Option customises a Cache.
type Option func(*Cache)

// WithStaleness overrides the per-kind staleness thresholds.
func WithStaleness(cex, dex time.Duration) Option {
	return func(c *Cache) {
		if cex > 0 {
			c.cexStale = cex
		}
		if dex > 0 {
			c.dexStale = dex
		}
	}
}

// New constructs a Cache with default staleness (60s CEX, 30s DEX).
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[key]entry),
		cexStale: 60 * time.Second,
		dexStale: 30 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores a price point. The whole PricePoint is swapped atomically under
// the lock so readers never observe torn values.
func (c *Cache) Put(p PricePoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = c.now()
	}
	c.mu.Lock()
	c.entries[key{p.Kind, p.Venue, p.Symbol}] = entry{point: p, updated: c.now()}
	c.mu.Unlock()
}

// Get returns the cached point, fresh or not. ok is false when absent.
func (c *Cache) Get(kind Kind, venue, symbol string) (PricePoint, bool) {
	c.mu.RLock()
	e, ok := c.entries[key{kind, venue, symbol}]
	c.mu.RUnlock()
	if !ok {
		return PricePoint{}, false
	}
	return e.point, true
}

// GetFresh returns the cached point only when it is within the staleness
// threshold for its kind.
func (c *Cache) GetFresh(kind Kind, venue, symbol string) (PricePoint, bool) {
	c.mu.RLock()
	e, ok := c.entries[key{kind, venue, symbol}]
	now := c.now()
	c.mu.RUnlock()
	if !ok || now.Sub(e.updated) > c.staleFor(kind) {
		return PricePoint{}, false
	}
	return e.point, true
}

// Snapshot returns every fresh entry for symbol across venues, optionally
// filtered by kind (empty kind means both).
func (c *Cache) Snapshot(symbol string, kind Kind) []PricePoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]PricePoint, 0, 8)
	for k, e := range c.entries {
		if k.symbol != symbol {
			continue
		}
		if kind != "" && k.kind != kind {
			continue
		}
		if now.Sub(e.updated) > c.staleFor(k.kind) {
			continue
		}
		out = append(out, e.point)
	}
	return out
}

// Symbols lists the distinct symbols with at least one fresh entry.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	seen := make(map[string]struct{})
	for k, e := range c.entries {
		if now.Sub(e.updated) > c.staleFor(k.kind) {
			continue
		}
		seen[k.symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// Len reports total entries, stale included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) staleFor(k Kind) time.Duration {
	if k == KindDEX {
		return c.dexStale
	}
	return c.cexStale
}

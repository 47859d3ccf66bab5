// Package venue abstracts the exchange surfaces the core trades through.
// Native CEX SDKs, chain RPC clients and DEX routers live behind these
// interfaces; the registry pattern lets configuration select implementations
// by name.
package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide of a venue order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType supported by the gateway.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Order is one venue order request. Quantities and prices are fixed-precision
// decimals; venues format them to their native tick/lot sizes.
type Order struct {
	ClientID string
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // zero for market orders
}

// OrderStatus is the venue view of a submitted order.
type OrderStatus struct {
	VenueOrderID string
	ClientID     string
	Symbol       string
	Status       string // new | filled | partial | canceled | rejected | expired
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	UpdatedAt    time.Time
}

// Client is the centralized-exchange surface consumed by the order gateway
// and the arbitrage executor.
type Client interface {
	Name() string
	CreateOrder(ctx context.Context, order Order) (*OrderStatus, error)
	FetchOrder(ctx context.Context, symbol, venueOrderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
}

// SwapLeg is one hop of a DEX route.
type SwapLeg struct {
	Chain    string
	Dex      string
	TokenIn  string
	TokenOut string
	AmountIn decimal.Decimal
}

// SwapResult reports an executed DEX swap.
type SwapResult struct {
	TxHash    string
	AmountOut decimal.Decimal
	GasUsed   decimal.Decimal // USD
}

// DexRouter executes routed swap sequences on one chain.
type DexRouter interface {
	Chain() string
	Swap(ctx context.Context, legs []SwapLeg) (*SwapResult, error)
}

// Bridge moves assets across chains for cross-chain arbitrage.
type Bridge interface {
	Transfer(ctx context.Context, fromChain, toChain, token string, amount decimal.Decimal) (txHash string, err error)
	EstimateFeeUSD(ctx context.Context, fromChain, toChain string) (decimal.Decimal, error)
}

// Registry resolves clients and routers by name, mirroring the provider
// registry pattern used for market data.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	routers map[string]DexRouter
	bridges map[string]Bridge
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		routers: make(map[string]DexRouter),
		bridges: make(map[string]Bridge),
	}
}

// RegisterClient adds a CEX client under its name.
func (r *Registry) RegisterClient(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Client resolves a CEX client.
func (r *Registry) Client(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("venue: unknown client %q", name)
	}
	return c, nil
}

// RegisterRouter adds a DEX router keyed by chain.
func (r *Registry) RegisterRouter(d DexRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routers[d.Chain()] = d
}

// Router resolves a chain's DEX router.
func (r *Registry) Router(chain string) (DexRouter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.routers[chain]
	if !ok {
		return nil, fmt.Errorf("venue: no router for chain %q", chain)
	}
	return d, nil
}

// RegisterBridge adds a bridge under a name.
func (r *Registry) RegisterBridge(name string, b Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[name] = b
}

// Bridge resolves a named bridge.
func (r *Registry) Bridge(name string) (Bridge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[name]
	if !ok {
		return nil, fmt.Errorf("venue: unknown bridge %q", name)
	}
	return b, nil
}

// ClientNames lists registered CEX clients, sorted.
func (r *Registry) ClientNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

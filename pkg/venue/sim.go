package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimClient is a paper-trading venue that fills market orders immediately at
// the configured mark price. Used by the sim wiring and tests.
type SimClient struct {
	mu     sync.Mutex
	name   string
	nextID int
	marks  map[string]decimal.Decimal
	orders map[string]OrderStatus
	// FailNext forces the next CreateOrder to be rejected (tests).
	FailNext bool
}

// NewSimClient constructs a simulator venue.
func NewSimClient(name string) *SimClient {
	return &SimClient{
		name:   name,
		nextID: 1,
		marks:  make(map[string]decimal.Decimal),
		orders: make(map[string]OrderStatus),
	}
}

// Name implements Client.
func (s *SimClient) Name() string { return s.name }

// SetMark sets the fill price for a symbol.
func (s *SimClient) SetMark(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.marks[canonical(symbol)] = price
	s.mu.Unlock()
}

// CreateOrder implements Client: market orders fill at the mark, limit orders
// rest as new.
func (s *SimClient) CreateOrder(_ context.Context, order Order) (*OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("venue: %s: quantity must be positive", s.name)
	}
	id := fmt.Sprintf("%s-%d", s.name, s.nextID)
	s.nextID++

	status := OrderStatus{
		VenueOrderID: id,
		ClientID:     order.ClientID,
		Symbol:       order.Symbol,
		Status:       "new",
		UpdatedAt:    time.Now().UTC(),
	}
	if s.FailNext {
		s.FailNext = false
		status.Status = "rejected"
		s.orders[id] = status
		return &status, nil
	}
	if order.Type == Market {
		mark, ok := s.marks[canonical(order.Symbol)]
		if !ok {
			mark = order.Price
		}
		if mark.Sign() <= 0 {
			return nil, fmt.Errorf("venue: %s: no mark price for %s", s.name, order.Symbol)
		}
		status.Status = "filled"
		status.FilledQty = order.Quantity
		status.AvgFillPrice = mark
	}
	s.orders[id] = status
	return &status, nil
}

// FetchOrder implements Client.
func (s *SimClient) FetchOrder(_ context.Context, _ string, venueOrderID string) (*OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[venueOrderID]
	if !ok {
		return nil, fmt.Errorf("venue: %s: unknown order %s", s.name, venueOrderID)
	}
	cp := st
	return &cp, nil
}

// CancelOrder implements Client.
func (s *SimClient) CancelOrder(_ context.Context, _ string, venueOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("venue: %s: unknown order %s", s.name, venueOrderID)
	}
	if st.Status == "new" || st.Status == "partial" {
		st.Status = "canceled"
		st.UpdatedAt = time.Now().UTC()
		s.orders[venueOrderID] = st
	}
	return nil
}

// FillResting marks a resting order as filled with the given quantity and
// price (tests drive partial lifecycles with this).
func (s *SimClient) FillResting(venueOrderID string, qty, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[venueOrderID]
	if !ok {
		return
	}
	st.Status = "filled"
	st.FilledQty = qty
	st.AvgFillPrice = price
	st.UpdatedAt = time.Now().UTC()
	s.orders[venueOrderID] = st
}

// SimRouter is an in-memory DexRouter with fixed rates per (dex, pair).
type SimRouter struct {
	mu    sync.Mutex
	chain string
	rates map[string]decimal.Decimal // "dex|in|out" -> rate
	gas   decimal.Decimal
	seq   int
}

// NewSimRouter constructs a router for a chain with a flat gas cost.
func NewSimRouter(chain string, gasUSD decimal.Decimal) *SimRouter {
	return &SimRouter{chain: chain, rates: make(map[string]decimal.Decimal), gas: gasUSD}
}

// Chain implements DexRouter.
func (s *SimRouter) Chain() string { return s.chain }

// SetRate fixes the conversion rate for one hop.
func (s *SimRouter) SetRate(dex, tokenIn, tokenOut string, rate decimal.Decimal) {
	s.mu.Lock()
	s.rates[routeKey(dex, tokenIn, tokenOut)] = rate
	s.mu.Unlock()
}

// Swap implements DexRouter by chaining the configured rates.
func (s *SimRouter) Swap(_ context.Context, legs []SwapLeg) (*SwapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(legs) == 0 {
		return nil, fmt.Errorf("venue: empty swap route")
	}
	amount := legs[0].AmountIn
	for _, leg := range legs {
		rate, ok := s.rates[routeKey(leg.Dex, leg.TokenIn, leg.TokenOut)]
		if !ok {
			return nil, fmt.Errorf("venue: no rate for %s %s->%s", leg.Dex, leg.TokenIn, leg.TokenOut)
		}
		amount = amount.Mul(rate)
	}
	s.seq++
	return &SwapResult{
		TxHash:    fmt.Sprintf("0xsim%s%06d", s.chain, s.seq),
		AmountOut: amount,
		GasUsed:   s.gas,
	}, nil
}

func routeKey(dex, in, out string) string {
	return strings.ToLower(dex) + "|" + canonical(in) + "|" + canonical(out)
}

func canonical(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

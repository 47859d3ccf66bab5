package risk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/pkg/fabric"
)

func newRPCServer(portfolio *fakePortfolio, market *fakeMarket) (*RPCServer, *recordingBus) {
	cfg := testRiskConfig()
	bus := &recordingBus{}
	sizing := NewSizingEngine(cfg, portfolio, market, &fakePerformance{}, fakeCorrelation{}, nil)
	sizing.now = middayUTC
	controller := NewController(cfg, portfolio, market, NewCorrelationTracker(market, 30), nil, nil, nil)
	controller.now = middayUTC
	s := NewRPCServer(cfg, sizing, controller, portfolio, bus, nil)
	s.now = middayUTC
	return s, bus
}

func checkDelivery(t *testing.T, req CheckRequest) fabric.Delivery {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return fabric.Delivery{
		Exchange:   fabric.ExchangeRiskCheck,
		RoutingKey: fabric.KeyRiskCheckRequest,
		Body:       body,
	}
}

func TestRPCExactlyOneResponse(t *testing.T) {
	portfolio := &fakePortfolio{balance: 100000, value: 100000, peak: 100000}
	s, bus := newRPCServer(portfolio, &fakeMarket{})

	req := CheckRequest{
		RequestID: "req-1", Symbol: "BTC/USDT", StrategyID: "s1",
		OrderSide: SideBuy, Quantity: 0.1, Price: 30000, SignalStrength: 0.9,
	}
	out := s.Handle(context.Background(), checkDelivery(t, req))
	assert.Equal(t, fabric.Ack, out)

	// Duplicate request_id: acked but no second response published.
	out = s.Handle(context.Background(), checkDelivery(t, req))
	assert.Equal(t, fabric.Ack, out)

	responses := bus.byKey(fabric.KeyRiskCheckResponse)
	require.Len(t, responses, 1)
	var resp CheckResponse
	require.NoError(t, json.Unmarshal(responses[0].Body, &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.True(t, resp.Approved, "reason: %s", resp.Reason)
	assert.Greater(t, resp.RecommendedQuantity, 0.0)
	assert.NotNil(t, resp.StopLossPrice)
}

func TestRPCSellRequiresPosition(t *testing.T) {
	portfolio := &fakePortfolio{
		balance: 100000, value: 100000, peak: 100000,
		positions: []Position{{StrategyID: "s1", Symbol: "BTC/USDT", Quantity: 0.05, ValueUSD: 1500}},
	}
	s, bus := newRPCServer(portfolio, &fakeMarket{})

	s.Handle(context.Background(), checkDelivery(t, CheckRequest{
		RequestID: "sell-1", Symbol: "BTC/USDT", StrategyID: "s1",
		OrderSide: SideSell, Quantity: 0.1, Price: 30000,
	}))
	responses := bus.byKey(fabric.KeyRiskCheckResponse)
	require.Len(t, responses, 1)
	var resp CheckResponse
	require.NoError(t, json.Unmarshal(responses[0].Body, &resp))
	assert.False(t, resp.Approved)
	assert.Contains(t, resp.Reason, "insufficient position")

	// Enough inventory approves.
	s.Handle(context.Background(), checkDelivery(t, CheckRequest{
		RequestID: "sell-2", Symbol: "BTC/USDT", StrategyID: "s1",
		OrderSide: SideSell, Quantity: 0.04, Price: 30000,
	}))
	responses = bus.byKey(fabric.KeyRiskCheckResponse)
	require.Len(t, responses, 2)
	require.NoError(t, json.Unmarshal(responses[1].Body, &resp))
	assert.True(t, resp.Approved)
	assert.Equal(t, 0.04, resp.RecommendedQuantity)
}

func TestRPCRepliesToReplyQueue(t *testing.T) {
	portfolio := &fakePortfolio{balance: 100000, value: 100000, peak: 100000}
	s, bus := newRPCServer(portfolio, &fakeMarket{})

	body, _ := json.Marshal(CheckRequest{
		RequestID: "req-rt", Symbol: "BTC/USDT", StrategyID: "s1",
		OrderSide: SideBuy, Quantity: 0.1, Price: 30000, SignalStrength: 0.9,
	})
	s.Handle(context.Background(), fabric.Delivery{
		RoutingKey:    fabric.KeyRiskCheckRequest,
		Body:          body,
		ReplyTo:       "amq.reply.abc",
		CorrelationID: "corr-1",
	})
	assert.Len(t, bus.byKey("amq.reply.abc"), 1)
	assert.Empty(t, bus.byKey(fabric.KeyRiskCheckResponse))
}

func TestRPCMalformedNacked(t *testing.T) {
	s, _ := newRPCServer(&fakePortfolio{balance: 100000, value: 100000}, &fakeMarket{})
	out := s.Handle(context.Background(), fabric.Delivery{Body: []byte("nope")})
	assert.Equal(t, fabric.NackDiscard, out)

	out = s.Handle(context.Background(), checkDelivery(t, CheckRequest{Symbol: "BTC/USDT"}))
	assert.Equal(t, fabric.NackDiscard, out, "missing request_id")
}

func TestRPCBreakerRejectionSurfacesReason(t *testing.T) {
	portfolio := &fakePortfolio{balance: 170000, value: 170000, peak: 200000}
	s, bus := newRPCServer(portfolio, &fakeMarket{})
	s.Handle(context.Background(), checkDelivery(t, CheckRequest{
		RequestID: "req-cb", Symbol: "BTC/USDT", StrategyID: "s1",
		OrderSide: SideBuy, Quantity: 0.1, Price: 30000, SignalStrength: 0.9,
	}))
	responses := bus.byKey(fabric.KeyRiskCheckResponse)
	require.Len(t, responses, 1)
	var resp CheckResponse
	require.NoError(t, json.Unmarshal(responses[0].Body, &resp))
	assert.False(t, resp.Approved)
	assert.NotEmpty(t, resp.Reason)
}

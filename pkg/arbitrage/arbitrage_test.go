package arbitrage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastertrade-core/pkg/marketcache"
	"mastertrade-core/pkg/store"
	"mastertrade-core/pkg/venue"
)

type flatGas struct{ usd float64 }

func (f flatGas) SwapGasUSD(string) float64 { return f.usd }

func testConfig() *Config {
	cfg := &Config{
		MinProfitPercent:        0.5,
		MinProfitUSD:            50,
		AutoExecuteMinProfitUSD: 100,
		AutoExecuteMinPercent:   1.0,
		AutoExecute:             true,
		MaxTradeAmountUSD:       15000,
		DepthFraction:           0.1,
		ExecutionTimeout:        2 * time.Minute,
		ScanInterval:            time.Second,
		Pairs:                   []string{"BTC/USDT"},
		Chains:                  []string{"ethereum"},
		TriangularFeePct:        0.1,
		DefaultGasUSD:           map[string]float64{"ethereum": 20},
	}
	return cfg
}

func TestCexDexScenario(t *testing.T) {
	// Spec scenario: buy 30000, sell 30300, trade 0.5 BTC, gas $20 -> net 130.
	cache := marketcache.New()
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindCEX, Venue: "binance", Symbol: "BTC/USDT", Price: 30000, Liquidity: 150000})
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindDEX, Venue: "uniswap", Chain: "ethereum", Dex: "uniswap_v3", Symbol: "BTC/USDT", Price: 30300, Liquidity: 150000})

	d := NewDetector(testConfig(), cache, flatGas{usd: 20})
	opps := d.DetectCexDex("BTC/USDT")
	require.Len(t, opps, 1)
	opp := opps[0]

	assert.Equal(t, "binance", opp.BuyVenue)
	assert.Equal(t, "ethereum:uniswap_v3", opp.SellVenue)
	assert.Equal(t, 30000.0, opp.BuyPrice)
	assert.Equal(t, 30300.0, opp.SellPrice)
	assert.InDelta(t, 1.0, opp.ProfitPct, 1e-9)
	// Depth 150000*0.1 = 15000 notional -> 0.5 BTC.
	assert.InDelta(t, 0.5, opp.TradeAmount, 1e-9)
	assert.InDelta(t, 130.0, opp.EstProfitUSD, 1e-9)
	assert.GreaterOrEqual(t, opp.SellPrice, opp.BuyPrice)
}

func TestDetectorSkipsThinProfit(t *testing.T) {
	cache := marketcache.New()
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindCEX, Venue: "binance", Symbol: "BTC/USDT", Price: 30000, Liquidity: 150000})
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindDEX, Venue: "uni", Chain: "ethereum", Dex: "uni", Symbol: "BTC/USDT", Price: 30100, Liquidity: 150000})
	d := NewDetector(testConfig(), cache, flatGas{usd: 20})
	// 0.33% < 0.5% minimum.
	assert.Empty(t, d.DetectCexDex("BTC/USDT"))
}

func TestDetectorSkipsWhenGasEatsProfit(t *testing.T) {
	cfg := testConfig()
	cache := marketcache.New()
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindCEX, Venue: "binance", Symbol: "BTC/USDT", Price: 30000, Liquidity: 3000})
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindDEX, Venue: "uni", Chain: "ethereum", Dex: "uni", Symbol: "BTC/USDT", Price: 30300, Liquidity: 3000})
	d := NewDetector(cfg, cache, flatGas{usd: 20})
	// Depth limits notional to 300 -> 0.01 BTC -> gross $3 - gas $20 < $50 min.
	assert.Empty(t, d.DetectCexDex("BTC/USDT"))
}

func TestIntraChainPairsBothDexes(t *testing.T) {
	cache := marketcache.New()
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindDEX, Venue: "uniswap", Chain: "ethereum", Dex: "uniswap_v3", Symbol: "ETH/USDC", Price: 2000, Liquidity: 500000})
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindDEX, Venue: "sushiswap", Chain: "ethereum", Dex: "sushiswap", Symbol: "ETH/USDC", Price: 2040, Liquidity: 500000})
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindDEX, Venue: "quickswap", Chain: "polygon", Dex: "quickswap", Symbol: "ETH/USDC", Price: 2100, Liquidity: 500000})

	d := NewDetector(testConfig(), cache, flatGas{usd: 15})
	opps := d.DetectIntraChain("ethereum", "ETH/USDC")
	require.Len(t, opps, 1)
	assert.Equal(t, "ethereum", opps[0].Chain)
	assert.Equal(t, "ethereum:uniswap_v3", opps[0].BuyVenue)
	assert.Equal(t, "ethereum:sushiswap", opps[0].SellVenue)
}

func TestTriangularDetectsProfitableCycle(t *testing.T) {
	det := NewTriangularDetector(testConfig())
	// BTC->ETH->USDT->BTC with a 2% excess after the implied loop.
	rates := []Rate{
		{From: "BTC", To: "ETH", Rate: 15},
		{From: "ETH", To: "USDT", Rate: 2040},
		{From: "USDT", To: "BTC", Rate: 1.0 / 30000},
		// Reverse edges well below profitability.
		{From: "ETH", To: "BTC", Rate: 1.0 / 15.2},
		{From: "USDT", To: "ETH", Rate: 1.0 / 2060},
		{From: "BTC", To: "USDT", Rate: 29800},
	}
	opps := det.Detect("binance", rates)
	require.NotEmpty(t, opps)
	opp := opps[0]
	assert.Equal(t, TypeTriangular, opp.Type)
	assert.Greater(t, opp.ProfitPct, 0.5)
	assert.GreaterOrEqual(t, len(opp.Path), 4)
	assert.Equal(t, opp.Path[0], opp.Path[len(opp.Path)-1])
}

func TestTriangularNoCycleOnFairRates(t *testing.T) {
	det := NewTriangularDetector(testConfig())
	rates := []Rate{
		{From: "BTC", To: "ETH", Rate: 15},
		{From: "ETH", To: "USDT", Rate: 2000},
		{From: "USDT", To: "BTC", Rate: 1.0 / 30000},
	}
	assert.Empty(t, det.Detect("binance", rates))
}

type fixedFlashHandler struct{ candidates []FlashLoanCandidate }

func (h fixedFlashHandler) Protocol() string { return "aave" }
func (h fixedFlashHandler) Candidates(context.Context, string) ([]FlashLoanCandidate, error) {
	return h.candidates, nil
}

func TestFlashLoanEvaluation(t *testing.T) {
	det := NewFlashLoanDetector(testConfig(), fixedFlashHandler{candidates: []FlashLoanCandidate{
		{Protocol: "aave", Token: "USDC", Path: []string{"USDC", "WETH", "USDC"}, AmountUSD: 100000, GrossReturn: 1.02, FeePercent: 0.09, GasEstimate: 60, Chain: "ethereum"},
		{Protocol: "aave", Token: "USDC", Path: []string{"USDC", "DAI", "USDC"}, AmountUSD: 100000, GrossReturn: 1.001, FeePercent: 0.09, GasEstimate: 60, Chain: "ethereum"},
	}})
	opps := det.Detect(context.Background(), []string{"USDC"})
	require.Len(t, opps, 1)
	// 2000 gross - 90 fee - 60 gas = 1850.
	assert.InDelta(t, 1850, opps[0].EstProfitUSD, 1e-6)
	assert.Equal(t, TypeFlashLoan, opps[0].Type)
}

func TestExecutorCexDexRoundTrip(t *testing.T) {
	cfg := testConfig()
	docs := store.NewMemStore()
	registry := venue.NewRegistry()

	cex := venue.NewSimClient("binance")
	cex.SetMark("BTC/USDT", decimal.NewFromInt(30000))
	registry.RegisterClient(cex)
	router := venue.NewSimRouter("ethereum", decimal.NewFromInt(20))
	router.SetRate("uniswap_v3", "BTC", "USDT", decimal.NewFromInt(30300))
	registry.RegisterRouter(router)

	exec := NewExecutor(cfg, registry, docs)
	opp := &Opportunity{
		ID: "opp-1", Pair: "BTC/USDT", Type: TypeCexDex,
		BuyVenue: "binance", SellVenue: "ethereum:uniswap_v3",
		BuyPrice: 30000, SellPrice: 30300,
		TradeAmount: 0.5, GasCostUSD: 20, EstProfitUSD: 130,
		Timestamp: time.Now().UTC(),
	}
	result, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, ExecFilled, result.Status)
	assert.True(t, opp.Executed)
	assert.Equal(t, result.ID, opp.ExecutionID)

	// Invariant: the executed opportunity references exactly one stored
	// execution with a terminal status.
	doc, err := docs.Get(context.Background(), store.ContainerArbExecutions, result.ID, opp.ID)
	require.NoError(t, err)
	var stored Execution
	require.NoError(t, store.Decode(doc, &stored))
	assert.Equal(t, ExecFilled, stored.Status)
	assert.NotNil(t, stored.EndTs)
}

func TestExecutorIntraChain(t *testing.T) {
	cfg := testConfig()
	registry := venue.NewRegistry()
	router := venue.NewSimRouter("ethereum", decimal.NewFromInt(15))
	// 10000 USDC -> 5 ETH -> 10200 USDC.
	router.SetRate("uniswap_v3", "USDC", "ETH", decimal.NewFromFloat(0.0005))
	router.SetRate("sushiswap", "ETH", "USDC", decimal.NewFromInt(2040))
	registry.RegisterRouter(router)

	exec := NewExecutor(cfg, registry, store.NewMemStore())
	opp := &Opportunity{
		ID: "opp-2", Pair: "ETH/USDC", Type: TypeIntraChain, Chain: "ethereum",
		BuyVenue: "ethereum:uniswap_v3", SellVenue: "ethereum:sushiswap",
		BuyPrice: 2000, SellPrice: 2040, TradeAmount: 5,
	}
	result, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, ExecFilled, result.Status)
	require.NotNil(t, result.ActualProfitUSD)
	// 10200 out - 10000 in - 15 gas = 185.
	assert.InDelta(t, 185, *result.ActualProfitUSD, 1e-6)
	assert.Len(t, result.TxHashes, 1)
}

func TestReapStaleTimesOut(t *testing.T) {
	cfg := testConfig()
	docs := store.NewMemStore()
	exec := NewExecutor(cfg, venue.NewRegistry(), docs)
	old := time.Now().UTC().Add(-10 * time.Minute)
	pending := []Execution{{ID: "e1", OpportunityID: "o1", Status: ExecPending, StartTs: old}}
	reaped := exec.ReapStale(context.Background(), pending)
	require.Len(t, reaped, 1)
	assert.Equal(t, ExecFailed, reaped[0].Status)
	assert.Equal(t, "timeout", reaped[0].Error)
	assert.NotNil(t, reaped[0].EndTs)
}

func TestMonitorAutoExecuteGates(t *testing.T) {
	cfg := testConfig()
	m := NewMonitor(cfg, nil, nil, nil, nil, nil, nil)
	assert.False(t, m.shouldAutoExecute(&Opportunity{EstProfitUSD: 500, ProfitPct: 2}), "no executor wired")

	cfg2 := testConfig()
	m2 := NewMonitor(cfg2, nil, nil, nil, NewExecutor(cfg2, venue.NewRegistry(), nil), nil, nil)
	assert.True(t, m2.shouldAutoExecute(&Opportunity{EstProfitUSD: 130, ProfitPct: 1.0}))
	assert.False(t, m2.shouldAutoExecute(&Opportunity{EstProfitUSD: 90, ProfitPct: 2.0}), "profit below USD gate")
	assert.False(t, m2.shouldAutoExecute(&Opportunity{EstProfitUSD: 500, ProfitPct: 0.8}), "percent below gate")
}

func TestMonitorScanPersistsAndPublishes(t *testing.T) {
	cfg := testConfig()
	cfg.AutoExecute = false
	cache := marketcache.New()
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindCEX, Venue: "binance", Symbol: "BTC/USDT", Price: 30000, Liquidity: 150000})
	cache.Put(marketcache.PricePoint{Kind: marketcache.KindDEX, Venue: "uni", Chain: "ethereum", Dex: "uniswap_v3", Symbol: "BTC/USDT", Price: 30300, Liquidity: 150000})

	docs := store.NewMemStore()
	m := NewMonitor(cfg, NewDetector(cfg, cache, flatGas{usd: 20}), nil, nil, nil, docs, nil)
	found := m.ScanOnce(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, 1, docs.Count(store.ContainerArbOpportunities))
}

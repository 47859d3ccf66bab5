package arbitrage

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/pkg/store"
)

// gasSnapshot is the persisted per-chain gas view.
type gasSnapshot struct {
	Chain     string    `json:"chain"`
	GasGwei   float64   `json:"gas_gwei"`
	SwapUSD   float64   `json:"swap_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GasTracker polls chain RPC endpoints for gas prices and serves SwapGasUSD
// estimates. Stale or missing data falls back to configured defaults.
type GasTracker struct {
	cfg      *Config
	docs     store.DocumentStore
	clients  map[string]*ethclient.Client
	ethPrice func() float64 // USD per ETH for cost conversion

	mu        sync.RWMutex
	snapshots map[string]gasSnapshot

	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// swapGasUnits approximates a routed DEX swap's gas usage.
const swapGasUnits = 180_000

// NewGasTracker wires the tracker. clients maps chain name to a dialed RPC
// client; entries may be absent, in which case defaults serve that chain.
func NewGasTracker(cfg *Config, docs store.DocumentStore, clients map[string]*ethclient.Client, ethPrice func() float64) *GasTracker {
	if ethPrice == nil {
		ethPrice = func() float64 { return 3000 }
	}
	return &GasTracker{
		cfg:       cfg,
		docs:      docs,
		clients:   clients,
		ethPrice:  ethPrice,
		snapshots: make(map[string]gasSnapshot),
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the polling loop. Implements service.Service.
func (g *GasTracker) Start() {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopChan:
				return
			case <-ticker.C:
				g.Refresh(context.Background())
			}
		}
	}()
}

// Stop terminates the loop.
func (g *GasTracker) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

// Refresh polls every configured chain once.
func (g *GasTracker) Refresh(ctx context.Context) {
	for chain, client := range g.clients {
		if client == nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		price, err := client.SuggestGasPrice(callCtx)
		cancel()
		if err != nil {
			logx.Slowf("arb: gas poll failed chain=%s: %v", chain, err)
			continue
		}
		g.record(ctx, chain, price)
	}
}

func (g *GasTracker) record(ctx context.Context, chain string, wei *big.Int) {
	gwei := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9))
	gweiF, _ := gwei.Float64()
	// cost = gasUnits * gwei * 1e-9 ETH * price
	swapUSD := swapGasUnits * gweiF * 1e-9 * g.ethPrice()
	snap := gasSnapshot{Chain: chain, GasGwei: gweiF, SwapUSD: swapUSD, UpdatedAt: g.now().UTC()}

	g.mu.Lock()
	g.snapshots[chain] = snap
	g.mu.Unlock()

	if g.docs != nil {
		if err := g.docs.Upsert(ctx, store.ContainerGasPrices, chain, chain, snap); err != nil {
			logx.Errorf("arb: persist gas chain=%s: %v", chain, err)
		}
	}
}

// SwapGasUSD implements GasEstimator. Snapshots older than five minutes fall
// back to configured defaults.
func (g *GasTracker) SwapGasUSD(chain string) float64 {
	g.mu.RLock()
	snap, ok := g.snapshots[chain]
	g.mu.RUnlock()
	if ok && g.now().Sub(snap.UpdatedAt) < 5*time.Minute {
		return snap.SwapUSD
	}
	if v, ok := g.cfg.DefaultGasUSD[chain]; ok {
		return v
	}
	return 10
}

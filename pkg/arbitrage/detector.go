package arbitrage

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mastertrade-core/pkg/marketcache"
)

// GasEstimator supplies per-chain swap gas costs in USD.
type GasEstimator interface {
	SwapGasUSD(chain string) float64
}

// Detector scans price-cache snapshots for executable discrepancies.
type Detector struct {
	cfg   *Config
	cache *marketcache.Cache
	gas   GasEstimator
	now   func() time.Time
}

// NewDetector wires a detector over the shared price cache.
func NewDetector(cfg *Config, cache *marketcache.Cache, gas GasEstimator) *Detector {
	return &Detector{cfg: cfg, cache: cache, gas: gas, now: time.Now}
}

// DetectCexDex pairs every fresh CEX quote with every fresh DEX quote for the
// pair and evaluates each combination both ways.
func (d *Detector) DetectCexDex(pair string) []Opportunity {
	cex := d.cache.Snapshot(pair, marketcache.KindCEX)
	dex := d.cache.Snapshot(pair, marketcache.KindDEX)
	var out []Opportunity
	for _, c := range cex {
		for _, x := range dex {
			if opp := d.evaluate(pair, TypeCexDex, c, x); opp != nil {
				out = append(out, *opp)
			}
		}
	}
	return out
}

// DetectIntraChain pairs every DEX quote couple on one chain per pair.
func (d *Detector) DetectIntraChain(chain, pair string) []Opportunity {
	points := d.cache.Snapshot(pair, marketcache.KindDEX)
	onChain := points[:0:0]
	for _, p := range points {
		if p.Chain == chain {
			onChain = append(onChain, p)
		}
	}
	var out []Opportunity
	for i := 0; i < len(onChain); i++ {
		for j := i + 1; j < len(onChain); j++ {
			if opp := d.evaluate(pair, TypeIntraChain, onChain[i], onChain[j]); opp != nil {
				opp.Chain = chain
				out = append(out, *opp)
			}
		}
	}
	return out
}

// evaluate runs the gate sequence from the opportunity playbook: price
// difference, ordering, depth-limited sizing, gas, and net profit. Money math
// uses fixed-precision decimals.
func (d *Detector) evaluate(pair string, oppType OppType, a, b marketcache.PricePoint) *Opportunity {
	if a.Price <= 0 || b.Price <= 0 {
		return nil
	}
	src := decimal.NewFromFloat(a.Price)
	tgt := decimal.NewFromFloat(b.Price)

	// 1. Difference relative to the cheaper venue.
	low, high := src, tgt
	buy, sell := a, b
	if tgt.LessThan(src) {
		low, high = tgt, src
		buy, sell = b, a
	}
	diffPct, _ := high.Sub(low).Div(low).Mul(decimal.NewFromInt(100)).Float64()
	if diffPct < d.cfg.MinProfitPercent {
		return nil
	}

	// 2. Venue ordering done above: buy at the low venue, sell at the high.
	buyPrice, _ := low.Float64()
	sellPrice, _ := high.Float64()
	profitPct := diffPct

	// 3. Trade amount limited by the thinner venue's depth.
	amount := d.tradeAmount(buy, sell, buyPrice)
	if amount <= 0 {
		return nil
	}
	gasCost := d.gasCost(buy, sell)

	// 4. Net profit gate.
	amountDec := decimal.NewFromFloat(amount)
	net, _ := high.Sub(low).Mul(amountDec).Sub(decimal.NewFromFloat(gasCost)).Float64()
	if net < d.cfg.MinProfitUSD {
		return nil
	}

	return &Opportunity{
		ID:           uuid.NewString(),
		Pair:         pair,
		BuyVenue:     venueLabel(buy),
		SellVenue:    venueLabel(sell),
		BuyPrice:     buyPrice,
		SellPrice:    sellPrice,
		ProfitPct:    profitPct,
		EstProfitUSD: net,
		TradeAmount:  amount,
		GasCostUSD:   gasCost,
		Type:         oppType,
		Timestamp:    d.now().UTC(),
	}
}

// tradeAmount sizes the trade off the thinner side's liquidity, bounded by
// the configured notional cap.
func (d *Detector) tradeAmount(buy, sell marketcache.PricePoint, buyPrice float64) float64 {
	depth := math.Min(liquidityOf(buy), liquidityOf(sell))
	notional := d.cfg.MaxTradeAmountUSD
	if depth > 0 {
		notional = math.Min(notional, depth*d.cfg.DepthFraction)
	}
	if buyPrice <= 0 {
		return 0
	}
	return notional / buyPrice
}

func liquidityOf(p marketcache.PricePoint) float64 {
	if p.Liquidity > 0 {
		return p.Liquidity
	}
	return 0
}

func (d *Detector) gasCost(points ...marketcache.PricePoint) float64 {
	var total float64
	for _, p := range points {
		if p.Kind != marketcache.KindDEX {
			continue
		}
		if d.gas != nil {
			total += d.gas.SwapGasUSD(p.Chain)
			continue
		}
		if v, ok := d.cfg.DefaultGasUSD[p.Chain]; ok {
			total += v
		} else {
			total += 10
		}
	}
	return total
}

func venueLabel(p marketcache.PricePoint) string {
	if p.Kind == marketcache.KindDEX && p.Dex != "" {
		return p.Chain + ":" + p.Dex
	}
	return p.Venue
}

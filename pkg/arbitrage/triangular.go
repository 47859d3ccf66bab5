package arbitrage

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Rate is one directed quote on a single venue: 1 unit of From buys Rate
// units of To.
type Rate struct {
	From string
	To   string
	Rate float64
}

// TriangularDetector finds negative cycles in the -log(rate) graph of one
// venue via Bellman-Ford; a negative cycle is a sequence of conversions whose
// product exceeds 1 after fees.
type TriangularDetector struct {
	cfg *Config
	now func() time.Time
}

// NewTriangularDetector constructs the detector.
func NewTriangularDetector(cfg *Config) *TriangularDetector {
	return &TriangularDetector{cfg: cfg, now: time.Now}
}

type edge struct {
	from, to int
	weight   float64
	rate     float64
}

// Detect returns profitable cycles on the venue. Each edge weight is
// -log(rate * (1-fee)); Bellman-Ford surfaces cycles with negative total
// weight, i.e. product of net rates > 1.
func (t *TriangularDetector) Detect(venue string, rates []Rate) []Opportunity {
	if len(rates) == 0 {
		return nil
	}
	fee := 1 - t.cfg.TriangularFeePct/100

	index := make(map[string]int)
	var assets []string
	idx := func(a string) int {
		a = strings.ToUpper(a)
		if i, ok := index[a]; ok {
			return i
		}
		index[a] = len(assets)
		assets = append(assets, a)
		return len(assets) - 1
	}
	var edges []edge
	for _, r := range rates {
		if r.Rate <= 0 {
			continue
		}
		net := r.Rate * fee
		edges = append(edges, edge{
			from:   idx(r.From),
			to:     idx(r.To),
			weight: -math.Log(net),
			rate:   r.Rate,
		})
	}
	n := len(assets)
	if n < 3 {
		return nil
	}

	dist := make([]float64, n)
	pred := make([]int, n)
	for i := range pred {
		pred[i] = -1
	}
	// Virtual source: all distances start at zero.
	for i := 0; i < n-1; i++ {
		improved := false
		for _, e := range edges {
			if dist[e.from]+e.weight < dist[e.to]-1e-12 {
				dist[e.to] = dist[e.from] + e.weight
				pred[e.to] = e.from
				improved = true
			}
		}
		if !improved {
			break
		}
	}

	seen := make(map[string]struct{})
	var out []Opportunity
	for _, e := range edges {
		if dist[e.from]+e.weight >= dist[e.to]-1e-12 {
			continue
		}
		cycle := extractCycle(pred, e.to, n)
		if len(cycle) < 3 {
			continue
		}
		path := make([]string, 0, len(cycle)+1)
		for _, c := range cycle {
			path = append(path, assets[c])
		}
		path = append(path, assets[cycle[0]])
		key := strings.Join(canonicalCycle(path[:len(path)-1]), ">")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		product, ok := cycleProduct(path, rates, fee)
		if !ok || product <= 1 {
			continue
		}
		profitPct := (product - 1) * 100
		if profitPct < t.cfg.MinProfitPercent {
			continue
		}
		amount := t.cfg.MaxTradeAmountUSD
		net := amount * (product - 1)
		if net < t.cfg.MinProfitUSD {
			continue
		}
		out = append(out, Opportunity{
			ID:           uuid.NewString(),
			Pair:         path[0] + "/" + path[0],
			BuyVenue:     venue,
			SellVenue:    venue,
			BuyPrice:     1,
			SellPrice:    product,
			ProfitPct:    profitPct,
			EstProfitUSD: net,
			TradeAmount:  amount,
			Type:         TypeTriangular,
			Path:         path,
			Timestamp:    t.now().UTC(),
		})
	}
	return out
}

// extractCycle walks predecessors from a vertex known to be reachable from a
// negative cycle until it loops.
func extractCycle(pred []int, start, n int) []int {
	// Step back n times to guarantee we are inside the cycle.
	v := start
	for i := 0; i < n; i++ {
		if pred[v] == -1 {
			return nil
		}
		v = pred[v]
	}
	var cycle []int
	for u := v; ; u = pred[u] {
		cycle = append(cycle, u)
		if u == v && len(cycle) > 1 {
			break
		}
	}
	cycle = cycle[:len(cycle)-1]
	// Reverse into conversion order.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}

// canonicalCycle rotates the cycle so the lexicographically smallest asset
// leads, deduplicating rotations of the same loop.
func canonicalCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	best := 0
	for i := range cycle {
		if cycle[i] < cycle[best] {
			best = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[best:]...)
	out = append(out, cycle[:best]...)
	return out
}

// cycleProduct recomputes the net conversion product along the path.
func cycleProduct(path []string, rates []Rate, fee float64) (float64, bool) {
	lookup := make(map[string]float64, len(rates))
	for _, r := range rates {
		lookup[strings.ToUpper(r.From)+">"+strings.ToUpper(r.To)] = r.Rate
	}
	product := 1.0
	for i := 0; i+1 < len(path); i++ {
		rate, ok := lookup[path[i]+">"+path[i+1]]
		if !ok {
			return 0, false
		}
		product *= rate * fee
	}
	return product, true
}

package backtest

import "time"

// portfolio tracks cash and a single long position with fee and slippage
// accounting.
type portfolio struct {
	cash        float64
	pos         float64
	entryPrice  float64
	entryTime   time.Time
	feeBps      float64
	slippageBps float64
}

func (p *portfolio) open(qty, price float64, at time.Time) {
	if qty <= 0 || price <= 0 {
		return
	}
	execPx := price * (1 + p.slippageBps/10000)
	cost := qty * execPx
	fee := cost * p.feeBps / 10000
	if cost+fee > p.cash {
		qty = p.cash / (execPx * (1 + p.feeBps/10000))
		cost = qty * execPx
		fee = cost * p.feeBps / 10000
	}
	if qty <= 0 {
		return
	}
	p.cash -= cost + fee
	p.pos = qty
	p.entryPrice = execPx
	p.entryTime = at
}

func (p *portfolio) close(price float64, at time.Time) *Trade {
	if p.pos <= 0 || price <= 0 {
		return nil
	}
	execPx := price * (1 - p.slippageBps/10000)
	proceeds := p.pos * execPx
	fee := proceeds * p.feeBps / 10000
	p.cash += proceeds - fee
	trade := &Trade{
		Side:       "long",
		Quantity:   p.pos,
		EntryPrice: p.entryPrice,
		ExitPrice:  execPx,
		EntryTime:  p.entryTime,
		ExitTime:   at,
		Pnl:        (execPx-p.entryPrice)*p.pos - fee,
	}
	p.pos = 0
	p.entryPrice = 0
	return trade
}

func (p *portfolio) equity(markPrice float64) float64 {
	return p.cash + p.pos*markPrice
}

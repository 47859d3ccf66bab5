package arbitrage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
)

// FlashLoanHandler proposes candidate paths per protocol and token, including
// gas and fee estimates. Implementations wrap protocol-specific ABI encoders.
type FlashLoanHandler interface {
	Protocol() string
	Candidates(ctx context.Context, token string) ([]FlashLoanCandidate, error)
}

// FlashLoanDetector evaluates handler-provided candidates against the profit
// gates.
type FlashLoanDetector struct {
	cfg      *Config
	handlers []FlashLoanHandler
	now      func() time.Time
}

// NewFlashLoanDetector wires the detector.
func NewFlashLoanDetector(cfg *Config, handlers ...FlashLoanHandler) *FlashLoanDetector {
	return &FlashLoanDetector{cfg: cfg, handlers: handlers, now: time.Now}
}

// Detect evaluates every handler's candidates for the given tokens.
func (d *FlashLoanDetector) Detect(ctx context.Context, tokens []string) []Opportunity {
	var out []Opportunity
	for _, h := range d.handlers {
		for _, token := range tokens {
			candidates, err := h.Candidates(ctx, token)
			if err != nil {
				logx.Slowf("arb: flash loan candidates protocol=%s token=%s: %v", h.Protocol(), token, err)
				continue
			}
			for _, c := range candidates {
				if opp := d.evaluate(h.Protocol(), c); opp != nil {
					out = append(out, *opp)
				}
			}
		}
	}
	return out
}

func (d *FlashLoanDetector) evaluate(protocol string, c FlashLoanCandidate) *Opportunity {
	if c.AmountUSD <= 0 || c.GrossReturn <= 0 {
		return nil
	}
	grossProfit := c.AmountUSD * (c.GrossReturn - 1)
	loanFee := c.AmountUSD * c.FeePercent / 100
	net := grossProfit - loanFee - c.GasEstimate
	profitPct := net / c.AmountUSD * 100
	if profitPct < d.cfg.MinProfitPercent || net < d.cfg.MinProfitUSD {
		return nil
	}
	return &Opportunity{
		ID:           uuid.NewString(),
		Pair:         c.Token,
		BuyVenue:     protocol,
		SellVenue:    protocol,
		BuyPrice:     1,
		SellPrice:    c.GrossReturn,
		ProfitPct:    profitPct,
		EstProfitUSD: net,
		TradeAmount:  c.AmountUSD,
		GasCostUSD:   c.GasEstimate,
		Type:         TypeFlashLoan,
		Chain:        c.Chain,
		Path:         c.Path,
		Timestamp:    d.now().UTC(),
	}
}

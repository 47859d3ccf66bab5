package arbitrage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"mastertrade-core/pkg/store"
	"mastertrade-core/pkg/venue"
)

// Executor turns opportunities into venue legs and keeps the execution
// bookkeeping invariant: every execution leaves pending within the timeout or
// is failed with error="timeout".
type Executor struct {
	cfg      *Config
	registry *venue.Registry
	docs     store.DocumentStore
	now      func() time.Time
}

// NewExecutor wires the executor.
func NewExecutor(cfg *Config, registry *venue.Registry, docs store.DocumentStore) *Executor {
	return &Executor{cfg: cfg, registry: registry, docs: docs, now: time.Now}
}

// Execute runs one opportunity end to end. The execution row is created
// pending before any leg is dispatched; the opportunity row is linked in the
// same transactional batch.
func (e *Executor) Execute(ctx context.Context, opp *Opportunity) (*Execution, error) {
	if opp == nil {
		return nil, fmt.Errorf("arb: nil opportunity")
	}
	exec := &Execution{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		Type:          opp.Type,
		StartTs:       e.now().UTC(),
		Status:        ExecPending,
	}
	opp.Executed = true
	opp.ExecutionID = exec.ID
	if e.docs != nil {
		err := e.docs.Transactional(ctx, func(ctx context.Context, tx store.DocumentStore) error {
			if err := tx.Upsert(ctx, store.ContainerArbExecutions, exec.ID, exec.OpportunityID, exec); err != nil {
				return err
			}
			return tx.Upsert(ctx, store.ContainerArbOpportunities, opp.ID, opp.Pair, opp)
		})
		if err != nil {
			return nil, fmt.Errorf("arb: create execution: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	var runErr error
	switch opp.Type {
	case TypeCexDex:
		runErr = e.executeCexDex(runCtx, opp, exec)
	case TypeIntraChain:
		runErr = e.executeIntraChain(runCtx, opp, exec)
	case TypeCrossChain:
		runErr = e.executeCrossChain(runCtx, opp, exec)
	default:
		runErr = fmt.Errorf("arb: unsupported execution type %s", opp.Type)
	}

	end := e.now().UTC()
	exec.EndTs = &end
	if runErr != nil {
		exec.Status = ExecFailed
		if runCtx.Err() == context.DeadlineExceeded {
			exec.Error = "timeout"
		} else {
			exec.Error = runErr.Error()
		}
		logx.Errorf("arb: execution failed id=%s opportunity=%s: %v", exec.ID, opp.ID, runErr)
	} else if exec.Status == ExecPending {
		exec.Status = ExecFilled
	}
	e.persistExecution(ctx, exec)
	logx.Infof("arb: execution finished id=%s status=%s profit=%v", exec.ID, exec.Status, exec.ActualProfitUSD)
	return exec, runErr
}

// executeCexDex issues the two market legs simultaneously: buy at the cheap
// venue, sell at the rich one.
func (e *Executor) executeCexDex(ctx context.Context, opp *Opportunity, exec *Execution) error {
	qty := decimal.NewFromFloat(opp.TradeAmount)

	type legResult struct {
		status *venue.OrderStatus
		swap   *venue.SwapResult
		err    error
	}
	results := make(chan legResult, 2)

	dispatch := func(venueName string, side venue.OrderSide) {
		if chain, dex, ok := splitDexVenue(venueName); ok {
			router, err := e.registry.Router(chain)
			if err != nil {
				results <- legResult{err: err}
				return
			}
			base, quote := splitPair(opp.Pair)
			leg := venue.SwapLeg{Chain: chain, Dex: dex, TokenIn: quote, TokenOut: base, AmountIn: qty}
			if side == venue.Sell {
				leg.TokenIn, leg.TokenOut = base, quote
			}
			swap, err := router.Swap(ctx, []venue.SwapLeg{leg})
			results <- legResult{swap: swap, err: err}
			return
		}
		client, err := e.registry.Client(venueName)
		if err != nil {
			results <- legResult{err: err}
			return
		}
		status, err := client.CreateOrder(ctx, venue.Order{
			ClientID: exec.ID + ":" + string(side),
			Symbol:   opp.Pair,
			Side:     side,
			Type:     venue.Market,
			Quantity: qty,
		})
		results <- legResult{status: status, err: err}
	}

	go dispatch(opp.BuyVenue, venue.Buy)
	go dispatch(opp.SellVenue, venue.Sell)

	var buyCost, sellProceeds, gasUsed decimal.Decimal
	filled := 0
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			if r.err != nil {
				exec.Status = ExecPartial
				return r.err
			}
			switch {
			case r.status != nil:
				if r.status.Status != "filled" {
					exec.Status = ExecPartial
					return fmt.Errorf("arb: leg not filled: %s", r.status.Status)
				}
				notional := r.status.FilledQty.Mul(r.status.AvgFillPrice)
				if strings.HasSuffix(r.status.ClientID, string(venue.Buy)) {
					buyCost = notional
				} else {
					sellProceeds = notional
				}
				filled++
			case r.swap != nil:
				exec.TxHashes = append(exec.TxHashes, r.swap.TxHash)
				gasUsed = gasUsed.Add(r.swap.GasUsed)
				// DEX legs settle in the output token; approximate notional
				// with the opportunity prices.
				filled++
			}
		}
	}
	if filled == 2 {
		profit := e.settledProfit(opp, buyCost, sellProceeds, gasUsed)
		exec.ActualProfitUSD = &profit
		g, _ := gasUsed.Float64()
		exec.GasUsedUSD = &g
	}
	return nil
}

// settledProfit prefers actual leg notionals; falls back to the estimate when
// one side settled on-chain.
func (e *Executor) settledProfit(opp *Opportunity, buyCost, sellProceeds, gasUsed decimal.Decimal) float64 {
	if buyCost.Sign() > 0 && sellProceeds.Sign() > 0 {
		p, _ := sellProceeds.Sub(buyCost).Sub(gasUsed).Float64()
		return p
	}
	g, _ := gasUsed.Float64()
	return opp.EstProfitUSD - g + opp.GasCostUSD
}

// executeIntraChain routes the full swap sequence through the chain's router.
func (e *Executor) executeIntraChain(ctx context.Context, opp *Opportunity, exec *Execution) error {
	chain := opp.Chain
	if chain == "" {
		if c, _, ok := splitDexVenue(opp.BuyVenue); ok {
			chain = c
		}
	}
	router, err := e.registry.Router(chain)
	if err != nil {
		return err
	}
	base, quote := splitPair(opp.Pair)
	_, buyDex, _ := splitDexVenue(opp.BuyVenue)
	_, sellDex, _ := splitDexVenue(opp.SellVenue)
	amountIn := decimal.NewFromFloat(opp.TradeAmount * opp.BuyPrice)
	legs := []venue.SwapLeg{
		{Chain: chain, Dex: buyDex, TokenIn: quote, TokenOut: base, AmountIn: amountIn},
		{Chain: chain, Dex: sellDex, TokenIn: base, TokenOut: quote},
	}
	swap, err := router.Swap(ctx, legs)
	if err != nil {
		return err
	}
	exec.TxHashes = append(exec.TxHashes, swap.TxHash)
	out, _ := swap.AmountOut.Float64()
	in, _ := amountIn.Float64()
	gas, _ := swap.GasUsed.Float64()
	profit := out - in - gas
	exec.ActualProfitUSD = &profit
	exec.GasUsedUSD = &gas
	return nil
}

// executeCrossChain bridges then sells on the destination chain.
func (e *Executor) executeCrossChain(ctx context.Context, opp *Opportunity, exec *Execution) error {
	buyChain, buyDex, okB := splitDexVenue(opp.BuyVenue)
	sellChain, sellDex, okS := splitDexVenue(opp.SellVenue)
	if !okB || !okS {
		return fmt.Errorf("arb: cross-chain venues must be chain:dex, got %s and %s", opp.BuyVenue, opp.SellVenue)
	}
	bridge, err := e.registry.Bridge("default")
	if err != nil {
		return err
	}
	base, quote := splitPair(opp.Pair)

	buyRouter, err := e.registry.Router(buyChain)
	if err != nil {
		return err
	}
	amountIn := decimal.NewFromFloat(opp.TradeAmount * opp.BuyPrice)
	bought, err := buyRouter.Swap(ctx, []venue.SwapLeg{{Chain: buyChain, Dex: buyDex, TokenIn: quote, TokenOut: base, AmountIn: amountIn}})
	if err != nil {
		return err
	}
	exec.TxHashes = append(exec.TxHashes, bought.TxHash)

	bridgeTx, err := bridge.Transfer(ctx, buyChain, sellChain, base, bought.AmountOut)
	if err != nil {
		exec.Status = ExecPartial
		return err
	}
	exec.TxHashes = append(exec.TxHashes, bridgeTx)

	sellRouter, err := e.registry.Router(sellChain)
	if err != nil {
		exec.Status = ExecPartial
		return err
	}
	sold, err := sellRouter.Swap(ctx, []venue.SwapLeg{{Chain: sellChain, Dex: sellDex, TokenIn: base, TokenOut: quote, AmountIn: bought.AmountOut}})
	if err != nil {
		exec.Status = ExecPartial
		return err
	}
	exec.TxHashes = append(exec.TxHashes, sold.TxHash)

	out, _ := sold.AmountOut.Float64()
	in, _ := amountIn.Float64()
	gas, _ := bought.GasUsed.Add(sold.GasUsed).Float64()
	if fee, err := bridge.EstimateFeeUSD(ctx, buyChain, sellChain); err == nil {
		f, _ := fee.Float64()
		gas += f
	}
	profit := out - in - gas
	exec.ActualProfitUSD = &profit
	exec.GasUsedUSD = &gas
	return nil
}

func (e *Executor) persistExecution(ctx context.Context, exec *Execution) {
	if e.docs == nil {
		return
	}
	if err := e.docs.Upsert(ctx, store.ContainerArbExecutions, exec.ID, exec.OpportunityID, exec); err != nil {
		logx.Errorf("arb: persist execution id=%s: %v", exec.ID, err)
	}
}

// ReapStale fails executions stuck pending past the timeout; invoked by the
// monitor's cleanup loop.
func (e *Executor) ReapStale(ctx context.Context, pending []Execution) []Execution {
	var reaped []Execution
	cutoff := e.now().UTC().Add(-e.cfg.ExecutionTimeout)
	for i := range pending {
		ex := pending[i]
		if ex.Status != ExecPending || ex.StartTs.After(cutoff) {
			continue
		}
		end := e.now().UTC()
		ex.Status = ExecFailed
		ex.Error = "timeout"
		ex.EndTs = &end
		e.persistExecution(ctx, &ex)
		reaped = append(reaped, ex)
		logx.Slowf("arb: execution timed out id=%s opportunity=%s", ex.ID, ex.OpportunityID)
	}
	return reaped
}

func splitDexVenue(v string) (chain, dex string, ok bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func splitPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return pair, "USD"
}

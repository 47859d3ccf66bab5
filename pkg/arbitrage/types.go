package arbitrage

import "time"

// OppType classifies an opportunity.
type OppType string

const (
	TypeCexDex     OppType = "cex_dex"
	TypeIntraChain OppType = "intra_chain"
	TypeCrossChain OppType = "cross_chain"
	TypeTriangular OppType = "triangular"
	TypeFlashLoan  OppType = "flash_loan"
)

// Opportunity is one detected price discrepancy. Invariant: SellPrice >=
// BuyPrice and ProfitPct = (sell-buy)/buy*100.
type Opportunity struct {
	ID           string    `json:"id"`
	Pair         string    `json:"pair"`
	BuyVenue     string    `json:"buy_venue"`
	SellVenue    string    `json:"sell_venue"`
	BuyPrice     float64   `json:"buy_price"`
	SellPrice    float64   `json:"sell_price"`
	ProfitPct    float64   `json:"profit_pct"`
	EstProfitUSD float64   `json:"est_profit_usd"`
	TradeAmount  float64   `json:"trade_amount"` // base units
	GasCostUSD   float64   `json:"gas_cost"`
	Type         OppType   `json:"type"`
	Chain        string    `json:"chain,omitempty"`
	Path         []string  `json:"path,omitempty"` // triangular/flash-loan route
	Timestamp    time.Time `json:"ts"`
	Executed     bool      `json:"executed"`
	ExecutionID  string    `json:"execution_id,omitempty"`
}

// Execution statuses.
const (
	ExecPending = "pending"
	ExecFilled  = "filled"
	ExecPartial = "partial"
	ExecFailed  = "failed"
)

// Execution is the bookkeeping record for one attempted opportunity.
// Invariant: every executed opportunity references exactly one execution,
// which leaves pending within ExecutionTimeout or is failed with
// error="timeout".
type Execution struct {
	ID              string     `json:"id"`
	OpportunityID   string     `json:"opportunity_id"`
	Type            OppType    `json:"type"`
	StartTs         time.Time  `json:"start_ts"`
	EndTs           *time.Time `json:"end_ts,omitempty"`
	Status          string     `json:"status"`
	TxHashes        []string   `json:"tx_hashes,omitempty"`
	ActualProfitUSD *float64   `json:"actual_profit_usd,omitempty"`
	GasUsedUSD      *float64   `json:"gas_used,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// FlashLoanCandidate is one path proposed by a protocol handler.
type FlashLoanCandidate struct {
	Protocol    string   `json:"protocol"`
	Token       string   `json:"token"`
	Path        []string `json:"path"`
	AmountUSD   float64  `json:"amount_usd"`
	GrossReturn float64  `json:"gross_return"` // multiple of amount, pre-fee
	FeePercent  float64  `json:"fee_percent"`
	GasEstimate float64  `json:"gas_estimate"` // USD
	Chain       string   `json:"chain"`
}

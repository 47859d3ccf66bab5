package fabric

// Exchange names used across the platform. Routing-key shapes are documented
// next to each constant; producers and consumers share these definitions.
const (
	// ExchangeRiskCheck carries the risk-gate RPC.
	// Keys: risk.check.request, risk.check.response.
	ExchangeRiskCheck = "risk.check"
	// ExchangeRiskAlerts fans out RiskAlert events to every listener.
	ExchangeRiskAlerts = "risk.alerts"
	// ExchangePortfolioUpdates publishes portfolio.risk.update,
	// market.price.*, portfolio.position.*.
	ExchangePortfolioUpdates = "portfolio.updates"
	// ExchangeOrderExecution carries order.stop_loss.trigger.
	ExchangeOrderExecution = "order.execution"
	// ExchangeIndicatorConfig receives config.request.{add,update,remove,bulk,subscribe}.
	ExchangeIndicatorConfig = "indicator_config"
	// ExchangeIndicatorResults publishes result.<symbol>.<interval>.
	ExchangeIndicatorResults = "indicator_results"
	// ExchangeStrategyRequests receives strategy.request.<data_type>.<priority>
	// and strategy.request.cancel.
	ExchangeStrategyRequests = "mastertrade.strategy.requests"
	// ExchangeMarketResponses publishes market.response.<data_type>.
	ExchangeMarketResponses = "mastertrade.market.responses"
	// ExchangeArbitrage publishes opportunity and execution events.
	ExchangeArbitrage = "mastertrade.arbitrage"
)

// Routing keys with fixed shapes.
const (
	KeyRiskCheckRequest  = "risk.check.request"
	KeyRiskCheckResponse = "risk.check.response"
	KeyPortfolioRisk     = "portfolio.risk.update"
	KeyStopLossTrigger   = "order.stop_loss.trigger"
)

// ExchangeKind is the AMQP exchange type.
type ExchangeKind string

const (
	KindDirect ExchangeKind = "direct"
	KindFanout ExchangeKind = "fanout"
	KindTopic  ExchangeKind = "topic"
)

// ExchangeSpec declares one exchange of the platform topology.
type ExchangeSpec struct {
	Name    string
	Kind    ExchangeKind
	Durable bool
}

// Topology lists every exchange the fabric declares on connect. Re-declared
// after each reconnect; declaration is idempotent broker-side.
func Topology() []ExchangeSpec {
	return []ExchangeSpec{
		{Name: ExchangeRiskCheck, Kind: KindDirect, Durable: true},
		{Name: ExchangeRiskAlerts, Kind: KindFanout, Durable: true},
		{Name: ExchangePortfolioUpdates, Kind: KindTopic, Durable: true},
		{Name: ExchangeOrderExecution, Kind: KindDirect, Durable: true},
		{Name: ExchangeIndicatorConfig, Kind: KindTopic, Durable: true},
		{Name: ExchangeIndicatorResults, Kind: KindTopic, Durable: true},
		{Name: ExchangeStrategyRequests, Kind: KindTopic, Durable: true},
		{Name: ExchangeMarketResponses, Kind: KindTopic, Durable: true},
		{Name: ExchangeArbitrage, Kind: KindTopic, Durable: true},
	}
}

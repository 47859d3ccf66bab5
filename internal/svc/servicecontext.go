package svc

import (
	"context"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/service"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"mastertrade-core/internal/config"
	"mastertrade-core/internal/model"
	"mastertrade-core/pkg/arbitrage"
	"mastertrade-core/pkg/fabric"
	"mastertrade-core/pkg/feed"
	"mastertrade-core/pkg/gateway"
	"mastertrade-core/pkg/generator"
	"mastertrade-core/pkg/indicator"
	"mastertrade-core/pkg/journal"
	"mastertrade-core/pkg/marketcache"
	"mastertrade-core/pkg/marketdata"
	"mastertrade-core/pkg/ratelimit"
	"mastertrade-core/pkg/risk"
	"mastertrade-core/pkg/store"
	"mastertrade-core/pkg/strategy"
	"mastertrade-core/pkg/venue"
)

// ServiceContext wires every component of the trading core.
type ServiceContext struct {
	Config *config.Config

	// Infrastructure.
	DBConn    sqlx.SqlConn
	Redis     *redis.Client
	Bus       fabric.Bus
	Fabric    *fabric.Fabric
	Documents store.DocumentStore
	Cache     *marketcache.Cache
	Limiter   *ratelimit.Limiter
	Venues    *venue.Registry

	// Models.
	Strategies       model.StrategiesModel
	StrategyReviews  model.StrategyReviewsModel
	BacktestResults  model.BacktestResultsModel
	GenerationJobs   model.GenerationJobsModel
	IndicatorConfigs model.IndicatorConfigsModel
	StopLossOrders   model.StopLossOrdersModel
	RiskMetrics      model.RiskMetricsModel
	RiskAlerts       model.RiskAlertsModel
	Positions        model.PositionsModel
	Trades           model.TradesModel
	Orders           model.OrdersModel
	Settings         model.SettingsModel
	FlowData         model.FlowDataModel

	// Data sources and adapters.
	MarketData  *marketdata.SimSource
	MarketStats *MarketStatsAdapter
	Portfolio   *PortfolioAdapter

	// Services (long-running; composed into the service group by main).
	PriceFeed        *feed.Service
	Gateway          *gateway.Gateway
	StopLossManager  *risk.StopLossManager
	RiskController   *risk.Controller
	RiskRPC          *risk.RPCServer
	PortfolioRisk    *risk.PortfolioRiskController
	IndicatorManager *indicator.Manager
	RequestHandler   *indicator.RequestHandler
	ArbMonitor       *arbitrage.Monitor
	GasTracker       *arbitrage.GasTracker
	Generation       *strategy.GenerationManager
	Reviewer         *strategy.Reviewer
	Activation       *strategy.ActivationManager
}

// NewServiceContext builds the full dependency graph. Outside the test
// environment a missing postgres or fabric is fatal; in the test environment
// postgres falls back to an in-memory store and messaging is disabled. Redis
// is optional in every environment.
func NewServiceContext(c *config.Config) *ServiceContext {
	svc := &ServiceContext{Config: c}

	// Database.
	if c.Postgres.DataSource != "" {
		svc.DBConn = sqlx.NewSqlConn("pgx", c.Postgres.DataSource)
	} else if !c.IsTestEnv() {
		log.Fatal("postgres datasource is required outside test env")
	}
	if svc.DBConn != nil {
		svc.Strategies = model.NewStrategiesModel(svc.DBConn)
		svc.StrategyReviews = model.NewStrategyReviewsModel(svc.DBConn)
		svc.BacktestResults = model.NewBacktestResultsModel(svc.DBConn)
		svc.GenerationJobs = model.NewGenerationJobsModel(svc.DBConn)
		svc.IndicatorConfigs = model.NewIndicatorConfigsModel(svc.DBConn)
		svc.StopLossOrders = model.NewStopLossOrdersModel(svc.DBConn)
		svc.RiskMetrics = model.NewRiskMetricsModel(svc.DBConn)
		svc.RiskAlerts = model.NewRiskAlertsModel(svc.DBConn)
		svc.Positions = model.NewPositionsModel(svc.DBConn)
		svc.Trades = model.NewTradesModel(svc.DBConn)
		svc.Orders = model.NewOrdersModel(svc.DBConn)
		svc.Settings = model.NewSettingsModel(svc.DBConn)
		svc.FlowData = model.NewFlowDataModel(svc.DBConn)
		svc.Documents = store.NewSQLStore(svc.DBConn)
	} else {
		svc.Documents = store.NewMemStore()
	}

	// Redis mirror for the rate limiter.
	if c.Redis.Addr != "" {
		svc.Redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
	}

	// Messaging fabric.
	if c.Fabric.Value != nil {
		f, err := fabric.Dial(c.Fabric.Value)
		if err != nil {
			if !c.IsTestEnv() {
				log.Fatalf("failed to connect fabric: %v", err)
			}
			logx.Errorf("svc: fabric unavailable, messaging disabled: %v", err)
		} else {
			svc.Fabric = f
			svc.Bus = f
		}
	}

	// Market data, cache, limiter, venues.
	svc.MarketData = marketdata.NewSimSource()
	svc.Cache = marketcache.New()
	if c.RateLimit.Value != nil {
		svc.Limiter = ratelimit.NewLimiter(c.RateLimit.Value)
	} else {
		svc.Limiter = ratelimit.NewLimiter(nil)
	}
	svc.Venues = venue.NewRegistry()
	if c.IsTestEnv() {
		sim := venue.NewSimClient("sim")
		sim.SetMark("BTC/USDT", decimal.NewFromInt(30000))
		sim.SetMark("ETH/USDT", decimal.NewFromInt(2000))
		svc.Venues.RegisterClient(sim)
	}

	riskCfg := c.Risk.Value
	if riskCfg == nil {
		riskCfg = risk.DefaultConfig()
	}

	// Adapters.
	svc.MarketStats = NewMarketStatsAdapter(svc.MarketData, riskCfg.DefaultVolLookbackDays)
	if svc.Positions != nil && svc.Settings != nil {
		svc.Portfolio = NewPortfolioAdapter(svc.Positions, svc.Settings, svc.MarketStats)
	}

	// Gateway first: it is the risk controller's position adjuster.
	if svc.Orders != nil {
		gwCfg := &gateway.Config{}
		_ = gwCfg.Validate()
		svc.Gateway = gateway.NewGateway(gwCfg, svc.Venues, svc.Orders, svc.Positions, svc.Bus)
	}

	// Risk decision core.
	if svc.Portfolio != nil {
		var adjuster risk.PositionAdjuster
		if svc.Gateway != nil {
			adjuster = svc.Gateway
		}
		tracker := risk.NewCorrelationTracker(svc.MarketStats, 30)
		svc.StopLossManager = risk.NewStopLossManager(riskCfg, svc.StopLossOrders, svc.Bus)
		svc.RiskController = risk.NewController(riskCfg, svc.Portfolio, svc.MarketStats, tracker, svc.StopLossManager, nil, adjuster)
		perf := NewStrategyStatsAdapter(svc.Trades, svc.Strategies, 90)
		sizing := risk.NewSizingEngine(riskCfg, svc.Portfolio, svc.MarketStats, perf, tracker, nil)
		svc.RiskRPC = risk.NewRPCServer(riskCfg, sizing, svc.RiskController, svc.Portfolio, svc.Bus, journal.NewWriter(c.JournalDir))
		svc.PortfolioRisk = risk.NewPortfolioRiskController(riskCfg, svc.Portfolio, tracker, svc.RiskMetrics, svc.RiskAlerts, svc.Bus)
	}

	// Indicators.
	if c.Indicator.Value != nil && svc.IndicatorConfigs != nil {
		calc := indicator.NewTalibCalculator(svc.MarketData)
		svc.IndicatorManager = indicator.NewManager(c.Indicator.Value, svc.IndicatorConfigs, calc, svc.Bus)
		svc.RequestHandler = indicator.NewRequestHandler(calc, svc.MarketData, svc.MarketData, svc.FlowData, svc.Bus)
	}

	// Arbitrage.
	if c.Arbitrage.Value != nil {
		chainClients := make(map[string]*ethclient.Client)
		for _, chain := range c.Chains {
			client, err := ethclient.Dial(chain.URL)
			if err != nil {
				logx.Errorf("svc: dial chain rpc chain=%s: %v", chain.Chain, err)
				continue
			}
			chainClients[chain.Chain] = client
		}
		svc.GasTracker = arbitrage.NewGasTracker(c.Arbitrage.Value, svc.Documents, chainClients, nil)
		detector := arbitrage.NewDetector(c.Arbitrage.Value, svc.Cache, svc.GasTracker)
		triangular := arbitrage.NewTriangularDetector(c.Arbitrage.Value)
		flashLoan := arbitrage.NewFlashLoanDetector(c.Arbitrage.Value)
		executor := arbitrage.NewExecutor(c.Arbitrage.Value, svc.Venues, svc.Documents)
		svc.ArbMonitor = arbitrage.NewMonitor(c.Arbitrage.Value, detector, triangular, flashLoan, executor, svc.Documents, svc.Bus)
	}

	// Price feed: source -> limiter -> cache, ticking the stop manager.
	if c.IsTestEnv() {
		symbols := []string{"BTC/USDT", "ETH/USDT"}
		if c.Arbitrage.Value != nil && len(c.Arbitrage.Value.Pairs) > 0 {
			symbols = c.Arbitrage.Value.Pairs
		}
		var sinks []feed.TickSink
		if svc.StopLossManager != nil {
			stops := svc.StopLossManager
			stats := svc.MarketStats
			sinks = append(sinks, func(ctx context.Context, symbol string, price float64) {
				sigma, _ := stats.Volatility(ctx, symbol)
				stops.OnPriceTick(ctx, symbol, price, sigma)
			})
		}
		source := &SimQuoteSource{Source: svc.MarketData, Venue: "sim"}
		svc.PriceFeed = feed.New("sim", symbols, source, svc.Limiter, svc.Cache, svc.Bus, 2*time.Second, sinks...)
	}

	// Strategy lifecycle.
	if c.Strategy.Value != nil && svc.Strategies != nil {
		var gen generator.Generator
		if c.Generator.Value != nil && c.Generator.Value.APIKey != "" {
			llmGen, err := generator.NewLLMGenerator(c.Generator.Value)
			if err != nil {
				logx.Errorf("svc: llm generator unavailable, using templates: %v", err)
			} else {
				gen = llmGen
			}
		}
		var broadcast strategy.ProgressFunc
		if svc.Bus != nil {
			bus := svc.Bus
			broadcast = func(topic string, snap strategy.JobProgress) {
				if err := bus.Publish(context.Background(), fabric.ExchangeStrategyRequests, topic, snap); err != nil {
					logx.Errorf("svc: broadcast progress: %v", err)
				}
			}
		}
		svc.Generation = strategy.NewGenerationManager(c.Strategy.Value, svc.Strategies, svc.GenerationJobs, svc.BacktestResults, svc.MarketData, svc.MarketData, gen, broadcast)
		svc.Reviewer = strategy.NewReviewer(c.Strategy.Value, svc.Strategies, svc.StrategyReviews, svc.Trades, svc.BacktestResults)
		svc.Activation = strategy.NewActivationManager(c.Strategy.Value, svc.Strategies, svc.Trades, svc.BacktestResults, svc.Settings, svc.MarketData)
	}

	return svc
}

// Services lists every long-running service to compose into the group,
// skipping components that were not wired in this environment.
func (s *ServiceContext) Services() []service.Service {
	var out []service.Service
	if s.PriceFeed != nil {
		out = append(out, s.PriceFeed)
	}
	if s.Gateway != nil {
		out = append(out, s.Gateway)
	}
	if s.StopLossManager != nil {
		out = append(out, s.StopLossManager)
	}
	if s.RiskController != nil {
		out = append(out, s.RiskController)
	}
	if s.RiskRPC != nil {
		out = append(out, s.RiskRPC)
	}
	if s.PortfolioRisk != nil {
		out = append(out, s.PortfolioRisk)
	}
	if s.IndicatorManager != nil {
		out = append(out, s.IndicatorManager)
	}
	if s.RequestHandler != nil {
		out = append(out, s.RequestHandler)
	}
	if s.GasTracker != nil {
		out = append(out, s.GasTracker)
	}
	if s.ArbMonitor != nil {
		out = append(out, s.ArbMonitor)
	}
	if s.Reviewer != nil {
		out = append(out, s.Reviewer)
	}
	if s.Activation != nil {
		out = append(out, s.Activation)
	}
	return out
}

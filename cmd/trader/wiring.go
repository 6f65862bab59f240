package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/broker"
	"github.com/coachpo/autotrader/internal/config"
	"github.com/coachpo/autotrader/internal/engine"
	"github.com/coachpo/autotrader/internal/feed"
	"github.com/coachpo/autotrader/internal/risk"
	"github.com/coachpo/autotrader/internal/strategy"
	"github.com/coachpo/autotrader/internal/telemetry"
)

func buildEngine(cfg config.AppConfig, provider *telemetry.Provider, logger logrus.FieldLogger) (*engine.Engine, error) {
	f, err := buildFeed(cfg.Feed, logger)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.NewRegistry().New(cfg.Strategy.Name)
	if err != nil {
		return nil, err
	}
	rm, err := buildRisk(cfg.Risk, cfg.Broker, logger)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewEngineMetrics(provider.Meter("autotrader/engine"), cfg.Engine.Mode)
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}
	return engine.New(engine.Config{
		Mode:           engine.Mode(cfg.Engine.Mode),
		Symbols:        cfg.Engine.Symbols,
		Timeframe:      cfg.Engine.Timeframe,
		Iterations:     cfg.Engine.Iterations,
		StrategyParams: strategy.Params(cfg.Strategy.Params),
		BacktestStart:  cfg.Engine.BacktestStart,
		BacktestEnd:    cfg.Engine.BacktestEnd,
	}, f, buildBroker(cfg.Broker, logger), strat, rm,
		engine.WithLogger(logger.WithField("component", "engine")),
		engine.WithMetrics(metrics),
		engine.WithMaxConsecutiveErrors(cfg.Engine.MaxConsecutiveErrors),
		engine.WithMaxRetries(cfg.Engine.MaxRetries),
		engine.WithHistoryLength(cfg.Engine.HistoryLength),
		engine.WithLookback(cfg.Engine.Lookback),
	)
}

func buildFeed(cfg config.FeedConfig, logger logrus.FieldLogger) (feed.Feed, error) {
	switch cfg.Name {
	case "mock":
		return feed.NewMock(
			feed.WithSeed(cfg.Seed),
			feed.WithBasePrice(cfg.BasePrice),
			feed.WithInterval(cfg.Interval),
		), nil
	case "csv":
		return feed.NewCSV(cfg.Path), nil
	case "websocket":
		return feed.NewWebsocket(cfg.URL,
			feed.WithMaxReconnects(cfg.MaxReconnects),
			feed.WithWebsocketLogger(logger.WithField("component", "feed")),
		), nil
	default:
		return nil, fmt.Errorf("unknown feed %q", cfg.Name)
	}
}

func buildBroker(cfg config.BrokerConfig, logger logrus.FieldLogger) *broker.PaperBroker {
	opts := []broker.PaperOption{
		broker.WithStartingCash(cfg.StartingCash),
		broker.WithCommission(broker.CommissionSchedule{PerShare: cfg.CommissionPerShare, Rate: cfg.CommissionRate}),
		broker.WithSlippage(broker.PercentSlippage{Rate: cfg.SlippageRate}),
		broker.WithFillLatency(cfg.FillLatency),
		broker.WithOrderRate(cfg.OrdersPerSecond, cfg.OrderBurst),
		broker.WithLogger(logger.WithField("component", "paper_broker")),
	}
	if cfg.PartialFills {
		opts = append(opts, broker.WithPartialFills(cfg.PartialFillThreshold))
	}
	return broker.NewPaperBroker(opts...)
}

func buildRisk(cfg config.RiskConfig, brokerCfg config.BrokerConfig, logger logrus.FieldLogger) (risk.Manager, error) {
	switch cfg.Manager {
	case "basic":
		return risk.NewBasic(risk.BasicLimits{
			MaxPositionSize: cfg.MaxPositionSize,
			MaxDailyLoss:    cfg.MaxDailyLoss,
			StartingCash:    brokerCfg.StartingCash,
		}, risk.WithLogger(logger.WithField("component", "risk_basic"))), nil
	case "enhanced":
		return risk.NewEnhanced(risk.Limits{
			MaxPositionSize:             cfg.MaxPositionSize,
			MaxTotalExposure:            cfg.MaxTotalExposure,
			MaxOpenPositions:            cfg.MaxOpenPositions,
			MaxDailyLoss:                cfg.MaxDailyLoss,
			MaxDrawdownPercent:          cfg.MaxDrawdownPercent,
			StartingCash:                brokerCfg.StartingCash,
			EnforcePDT:                  cfg.EnforcePDT,
			PDTMinEquity:                cfg.PDTMinEquity,
			MaxDayTrades:                cfg.MaxDayTrades,
			MaxOrdersPerMinute:          cfg.MaxOrdersPerMinute,
			MaxOrdersPerSymbolPerMinute: cfg.MaxOrdersPerSymbolPerMinute,
			CircuitBreaker:              cfg.CircuitBreaker,
			CircuitBreakerLossPercent:   cfg.CircuitBreakerLossPercent,
			CircuitBreakerReset:         cfg.CircuitBreakerReset,
		}, risk.WithLogger(logger.WithField("component", "risk_enhanced"))), nil
	default:
		return nil, fmt.Errorf("unknown risk manager %q", cfg.Manager)
	}
}

func telemetryConfig(cfg config.TelemetryConfig) telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = cfg.Enabled
	out.OTLPInsecure = cfg.OTLPInsecure
	if cfg.OTLPEndpoint != "" {
		out.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		out.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		out.MetricInterval = cfg.MetricInterval
	}
	return out
}

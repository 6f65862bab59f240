// Package config loads the trader configuration with precedence:
// defaults, then the YAML file, then TRADING_BOT__ environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EngineConfig configures the session.
type EngineConfig struct {
	Mode                 string        `yaml:"mode"`
	Symbols              []string      `yaml:"symbols"`
	Timeframe            string        `yaml:"timeframe"`
	Iterations           int           `yaml:"iterations"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	MaxRetries           int           `yaml:"max_retries"`
	HistoryLength        int           `yaml:"history_length"`
	Lookback             time.Duration `yaml:"lookback"`
	BacktestStart        time.Time     `yaml:"backtest_start"`
	BacktestEnd          time.Time     `yaml:"backtest_end"`
}

// FeedConfig selects and tunes the market data source.
type FeedConfig struct {
	Name          string        `yaml:"name"`
	Path          string        `yaml:"path"`
	URL           string        `yaml:"url"`
	Seed          uint64        `yaml:"seed"`
	BasePrice     float64       `yaml:"base_price"`
	Interval      time.Duration `yaml:"interval"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// BrokerConfig tunes the paper venue.
type BrokerConfig struct {
	Name                 string          `yaml:"name"`
	StartingCash         decimal.Decimal `yaml:"starting_cash"`
	CommissionPerShare   decimal.Decimal `yaml:"commission_per_share"`
	CommissionRate       decimal.Decimal `yaml:"commission_rate"`
	SlippageRate         decimal.Decimal `yaml:"slippage_rate"`
	PartialFills         bool            `yaml:"partial_fills"`
	PartialFillThreshold decimal.Decimal `yaml:"partial_fill_threshold"`
	FillLatency          time.Duration   `yaml:"fill_latency"`
	OrdersPerSecond      float64         `yaml:"orders_per_second"`
	OrderBurst           int             `yaml:"order_burst"`
}

// RiskConfig selects the risk manager and its limits. Basic only reads the
// position size, daily loss and starting cash.
type RiskConfig struct {
	Manager                     string          `yaml:"manager"`
	MaxPositionSize             decimal.Decimal `yaml:"max_position_size"`
	MaxDailyLoss                decimal.Decimal `yaml:"max_daily_loss"`
	MaxTotalExposure            decimal.Decimal `yaml:"max_total_exposure"`
	MaxOpenPositions            int             `yaml:"max_open_positions"`
	MaxDrawdownPercent          decimal.Decimal `yaml:"max_drawdown_percent"`
	EnforcePDT                  bool            `yaml:"enforce_pdt"`
	PDTMinEquity                decimal.Decimal `yaml:"pdt_min_equity"`
	MaxDayTrades                int             `yaml:"max_day_trades"`
	MaxOrdersPerMinute          int             `yaml:"max_orders_per_minute"`
	MaxOrdersPerSymbolPerMinute int             `yaml:"max_orders_per_symbol_per_minute"`
	CircuitBreaker              bool            `yaml:"circuit_breaker"`
	CircuitBreakerLossPercent   decimal.Decimal `yaml:"circuit_breaker_loss_percent"`
	CircuitBreakerReset         time.Duration   `yaml:"circuit_breaker_reset"`
}

// StrategyConfig names a registered strategy or a script path.
type StrategyConfig struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// WebhookConfig configures the alert receiver.
type WebhookConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Secret      string        `yaml:"secret"`
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	OTLPInsecure   bool          `yaml:"otlp_insecure"`
	ServiceName    string        `yaml:"service_name"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the full configuration tree.
type AppConfig struct {
	Engine    EngineConfig    `yaml:"engine"`
	Feed      FeedConfig      `yaml:"feed"`
	Broker    BrokerConfig    `yaml:"broker"`
	Risk      RiskConfig      `yaml:"risk"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration: a mock-fed SMA backtest against
// the paper broker behind the basic risk manager.
func Default() AppConfig {
	return AppConfig{
		Engine: EngineConfig{
			Mode:                 "backtest",
			Timeframe:            "1m",
			MaxConsecutiveErrors: 5,
			MaxRetries:           3,
			HistoryLength:        500,
			Lookback:             200 * time.Minute,
		},
		Feed: FeedConfig{
			Name:          "mock",
			Seed:          42,
			BasePrice:     100,
			Interval:      500 * time.Millisecond,
			MaxReconnects: 5,
		},
		Broker: BrokerConfig{
			Name:         "paper",
			StartingCash: decimal.NewFromInt(100_000),
			OrderBurst:   1,
		},
		Risk: RiskConfig{
			Manager:                     "basic",
			MaxPositionSize:             decimal.NewFromInt(1000),
			MaxDailyLoss:                decimal.NewFromInt(5000),
			MaxTotalExposure:            decimal.NewFromInt(50_000),
			MaxOpenPositions:            5,
			MaxDrawdownPercent:          decimal.NewFromInt(20),
			EnforcePDT:                  true,
			PDTMinEquity:                decimal.NewFromInt(25_000),
			MaxDayTrades:                3,
			MaxOrdersPerMinute:          10,
			MaxOrdersPerSymbolPerMinute: 3,
			CircuitBreaker:              true,
			CircuitBreakerLossPercent:   decimal.NewFromInt(10),
			CircuitBreakerReset:         24 * time.Hour,
		},
		Strategy: StrategyConfig{Name: "sma"},
		Webhook: WebhookConfig{
			Addr:        ":8080",
			DedupWindow: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "localhost:4318",
			ServiceName:    "autotrader",
			MetricInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func (c *AppConfig) normalise() {
	c.Engine.Mode = strings.ToLower(strings.TrimSpace(c.Engine.Mode))
	c.Engine.Timeframe = strings.TrimSpace(c.Engine.Timeframe)
	symbols := make([]string, 0, len(c.Engine.Symbols))
	for _, symbol := range c.Engine.Symbols {
		if trimmed := strings.ToUpper(strings.TrimSpace(symbol)); trimmed != "" {
			symbols = append(symbols, trimmed)
		}
	}
	if len(symbols) == 0 {
		symbols = []string{"AAPL"}
	}
	c.Engine.Symbols = symbols

	c.Feed.Name = strings.ToLower(strings.TrimSpace(c.Feed.Name))
	c.Feed.Path = strings.TrimSpace(c.Feed.Path)
	c.Feed.URL = strings.TrimSpace(c.Feed.URL)
	c.Broker.Name = strings.ToLower(strings.TrimSpace(c.Broker.Name))
	if c.Broker.OrderBurst <= 0 {
		c.Broker.OrderBurst = 1
	}
	c.Risk.Manager = strings.ToLower(strings.TrimSpace(c.Risk.Manager))
	c.Strategy.Name = strings.TrimSpace(c.Strategy.Name)
	c.Webhook.Addr = strings.TrimSpace(c.Webhook.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Engine.Mode {
	case "backtest", "paper", "live":
	default:
		return fmt.Errorf("engine mode must be one of backtest, paper, live")
	}
	if c.Engine.Iterations < 0 {
		return fmt.Errorf("engine iterations must be >= 0")
	}
	if !c.Engine.BacktestStart.IsZero() && !c.Engine.BacktestEnd.IsZero() && c.Engine.BacktestEnd.Before(c.Engine.BacktestStart) {
		return fmt.Errorf("engine backtest_end must not precede backtest_start")
	}

	switch c.Feed.Name {
	case "mock":
	case "csv":
		if c.Feed.Path == "" {
			return fmt.Errorf("feed path required for csv feed")
		}
	case "websocket":
		if c.Feed.URL == "" {
			return fmt.Errorf("feed url required for websocket feed")
		}
		if c.Engine.Mode == "backtest" {
			return fmt.Errorf("websocket feed cannot serve a backtest")
		}
	default:
		return fmt.Errorf("feed name must be one of mock, csv, websocket")
	}

	if c.Broker.Name != "paper" {
		return fmt.Errorf("broker name must be paper")
	}
	if !c.Broker.StartingCash.IsPositive() {
		return fmt.Errorf("broker starting_cash must be > 0")
	}
	if c.Broker.CommissionPerShare.IsNegative() || c.Broker.CommissionRate.IsNegative() || c.Broker.SlippageRate.IsNegative() {
		return fmt.Errorf("broker commission and slippage must be >= 0")
	}

	switch c.Risk.Manager {
	case "basic", "enhanced":
	default:
		return fmt.Errorf("risk manager must be one of basic, enhanced")
	}
	if c.Risk.EnforcePDT && c.Risk.MaxDayTrades < 0 {
		return fmt.Errorf("risk max_day_trades must be >= 0")
	}

	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy name required")
	}
	if c.Webhook.Enabled && c.Webhook.Addr == "" {
		return fmt.Errorf("webhook addr required when enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry service_name required when enabled")
	}
	return nil
}

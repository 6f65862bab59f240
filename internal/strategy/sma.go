package strategy

import (
	"errors"
	"sort"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// SMAConfig parameterises the moving average crossover.
type SMAConfig struct {
	ShortWindow   int             `mapstructure:"short_window"`
	LongWindow    int             `mapstructure:"long_window"`
	TradeQuantity decimal.Decimal `mapstructure:"trade_quantity"`
}

// DefaultSMAConfig returns 5/20 windows trading 10 units.
func DefaultSMAConfig() SMAConfig {
	return SMAConfig{ShortWindow: 5, LongWindow: 20, TradeQuantity: decimal.NewFromInt(10)}
}

type trend int

const (
	trendFlat trend = iota
	trendLong
)

// SMA goes long when the short moving average crosses above the long one and
// exits when it crosses back below.
type SMA struct {
	cfg    SMAConfig
	trend  map[string]trend
	logger logrus.FieldLogger
}

// NewSMA builds the crossover strategy with default parameters.
func NewSMA() *SMA {
	return &SMA{
		cfg:    DefaultSMAConfig(),
		trend:  make(map[string]trend),
		logger: defaultLogger("sma"),
	}
}

// Config returns the active parameters.
func (s *SMA) Config() SMAConfig { return s.cfg }

// OnStart applies params over the defaults.
func (s *SMA) OnStart(params Params, logger logrus.FieldLogger) error {
	if logger != nil {
		s.logger = logger
	}
	cfg := s.cfg
	if err := params.Decode(&cfg); err != nil {
		return err
	}
	if cfg.ShortWindow <= 0 {
		return errors.New("sma: short_window must be positive")
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return errors.New("sma: short_window must be strictly smaller than long_window")
	}
	if !cfg.TradeQuantity.IsPositive() {
		return errors.New("sma: trade_quantity must be positive")
	}
	s.cfg = cfg
	s.logger.WithFields(logrus.Fields{
		"short_window":   cfg.ShortWindow,
		"long_window":    cfg.LongWindow,
		"trade_quantity": cfg.TradeQuantity.String(),
	}).Info("starting sma strategy")
	return nil
}

// OnBar emits at most one signal per symbol with enough history.
func (s *SMA) OnBar(market schema.MarketState, portfolio schema.PortfolioState) ([]schema.Signal, error) {
	symbols := make([]string, 0, len(market.Candles))
	for symbol := range market.Candles {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var signals []schema.Signal
	for _, symbol := range symbols {
		series := market.Candles[symbol]
		if len(series) < s.cfg.LongWindow {
			continue
		}
		window := series[len(series)-s.cfg.LongWindow:]
		closes := make([]float64, len(window))
		for i, candle := range window {
			closes[i] = candle.Close.InexactFloat64()
		}
		shortAvg := last(talib.Sma(closes, s.cfg.ShortWindow))
		longAvg := last(talib.Sma(closes, s.cfg.LongWindow))
		meta := map[string]any{"short_avg": shortAvg, "long_avg": longAvg}
		ts := window[len(window)-1].Timestamp

		current := s.trend[symbol]
		position, held := portfolio.Position(symbol)
		switch {
		case shortAvg > longAvg && current != trendLong:
			signals = append(signals, schema.Signal{
				Symbol: symbol, Action: schema.ActionOpenLong, Quantity: s.cfg.TradeQuantity,
				Confidence: 1, Meta: meta, Timestamp: ts,
			})
			s.trend[symbol] = trendLong
		case shortAvg < longAvg && (current == trendLong || (held && position.IsLong())):
			signals = append(signals, schema.Signal{
				Symbol: symbol, Action: schema.ActionCloseLong, Quantity: s.cfg.TradeQuantity,
				Confidence: 1, Meta: meta, Timestamp: ts,
			})
			s.trend[symbol] = trendFlat
		}
	}
	return signals, nil
}

// OnEnd implements Strategy.
func (s *SMA) OnEnd() {
	s.logger.Info("sma strategy finished")
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

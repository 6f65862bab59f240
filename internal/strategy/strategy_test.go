package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var epoch = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func candles(symbol string, closes ...string) []schema.Candle {
	out := make([]schema.Candle, len(closes))
	for i, c := range closes {
		out[i] = schema.CandleFromTick(symbol, d(c), epoch.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func market(series ...[]schema.Candle) schema.MarketState {
	m := schema.MarketState{Candles: map[string][]schema.Candle{}, Ticks: map[string]schema.Tick{}}
	for _, s := range series {
		m.Candles[s[0].Symbol] = s
	}
	return m
}

func startedSMA(t *testing.T, params Params) *SMA {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := NewSMA()
	if err := s.OnStart(params, logger); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	return s
}

func TestSMAParams(t *testing.T) {
	s := startedSMA(t, Params{"short_window": "2", "long_window": 3.0, "trade_quantity": "2.5"})
	cfg := s.Config()
	if cfg.ShortWindow != 2 || cfg.LongWindow != 3 || !cfg.TradeQuantity.Equal(d("2.5")) {
		t.Fatalf("unexpected config %+v", cfg)
	}

	fractional := startedSMA(t, Params{"trade_quantity": 0.1}).Config()
	if fractional.TradeQuantity.String() != "0.1" {
		t.Fatalf("expected float quantity to decode exactly, got %s", fractional.TradeQuantity)
	}

	defaults := startedSMA(t, nil).Config()
	if defaults.ShortWindow != 5 || defaults.LongWindow != 20 || !defaults.TradeQuantity.Equal(d("10")) {
		t.Fatalf("expected defaults, got %+v", defaults)
	}

	logger, _ := test.NewNullLogger()
	invalid := []Params{
		{"short_window": 20, "long_window": 20},
		{"short_window": 0},
		{"trade_quantity": "-1"},
		{"trade_quantity": "lots"},
		{"trade_quantity": true},
	}
	for _, params := range invalid {
		if err := NewSMA().OnStart(params, logger); err == nil {
			t.Fatalf("expected params %v to be rejected", params)
		}
	}
}

func TestSMACrossover(t *testing.T) {
	s := startedSMA(t, Params{"short_window": 2, "long_window": 3, "trade_quantity": 10})
	portfolio := schema.NewPortfolioState(d("100000"))

	steps := []struct {
		closes []string
		want   schema.SignalAction
	}{
		{[]string{"10", "10"}, ""},
		{[]string{"10", "10", "10"}, ""},
		{[]string{"10", "10", "10", "13"}, schema.ActionOpenLong},
		{[]string{"10", "10", "10", "13", "14"}, ""},
		{[]string{"10", "10", "10", "13", "14", "5"}, schema.ActionCloseLong},
		{[]string{"10", "10", "10", "13", "14", "5", "4"}, ""},
	}
	for i, step := range steps {
		signals, err := s.OnBar(market(candles("AAPL", step.closes...)), portfolio)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if step.want == "" {
			if len(signals) != 0 {
				t.Fatalf("step %d: expected no signal, got %+v", i, signals)
			}
			continue
		}
		if len(signals) != 1 || signals[0].Action != step.want {
			t.Fatalf("step %d: expected %s, got %+v", i, step.want, signals)
		}
		if !signals[0].Quantity.Equal(d("10")) || signals[0].Symbol != "AAPL" {
			t.Fatalf("step %d: unexpected signal %+v", i, signals[0])
		}
		if _, ok := signals[0].Meta["short_avg"]; !ok {
			t.Fatalf("step %d: expected averages in meta", i)
		}
	}
}

func TestSMAClosesHeldPositionWithoutTrend(t *testing.T) {
	s := startedSMA(t, Params{"short_window": 2, "long_window": 3})
	portfolio := schema.NewPortfolioState(d("100000"))
	portfolio.Positions["AAPL"] = schema.Position{Symbol: "AAPL", Quantity: d("10"), AvgPrice: d("12")}

	signals, err := s.OnBar(market(candles("AAPL", "12", "11", "10"), candles("MSFT", "12", "11", "10")), portfolio)
	if err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	if len(signals) != 1 || signals[0].Symbol != "AAPL" || signals[0].Action != schema.ActionCloseLong {
		t.Fatalf("expected a single AAPL close, got %+v", signals)
	}
}

const thresholdScript = `
var threshold = 0;
module.exports.onStart = function(params) {
  threshold = params.threshold;
  console.log("started", threshold);
};
module.exports.onBar = function(market, portfolio) {
  var out = [];
  for (var i = 0; i < market.symbols.length; i++) {
    var sym = market.symbols[i];
    var tick = market.ticks[sym];
    if (tick && tick.price > threshold && !portfolio.positions[sym]) {
      out.push({symbol: sym, action: "open_long", quantity: 5, confidence: 0.8, meta: {price: tick.price}});
    }
  }
  return out;
};
module.exports.onEnd = function() { console.warn("done"); };
`

func tickMarket(prices map[string]string) schema.MarketState {
	m := schema.MarketState{Candles: map[string][]schema.Candle{}, Ticks: map[string]schema.Tick{}}
	for symbol, price := range prices {
		m.Ticks[symbol] = schema.Tick{Symbol: symbol, Timestamp: epoch, Price: d(price)}
	}
	return m
}

func TestScriptLifecycle(t *testing.T) {
	s, err := CompileScript("threshold", thresholdScript)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := s.OnBar(tickMarket(nil), schema.NewPortfolioState(d("1000"))); !errors.Is(err, ErrScriptNotStarted) {
		t.Fatalf("expected not started, got %v", err)
	}
	logger, hook := test.NewNullLogger()
	if err := s.OnStart(Params{"threshold": 100}, logger); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "started 100" {
		t.Fatalf("expected console.log routed to the logger, got %+v", entry)
	}

	portfolio := schema.NewPortfolioState(d("1000"))
	portfolio.Positions["NVDA"] = schema.Position{Symbol: "NVDA", Quantity: d("1"), AvgPrice: d("500")}
	signals, err := s.OnBar(tickMarket(map[string]string{"AAPL": "150", "MSFT": "90", "NVDA": "600"}), portfolio)
	if err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %+v", signals)
	}
	sig := signals[0]
	if sig.Symbol != "AAPL" || sig.Action != schema.ActionOpenLong || !sig.Quantity.Equal(d("5")) || sig.Confidence != 0.8 {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if fmt.Sprint(sig.Meta["price"]) != "150" {
		t.Fatalf("expected meta price 150, got %v", sig.Meta["price"])
	}

	s.OnEnd()
	if entry := hook.LastEntry(); entry == nil || entry.Message != "done" {
		t.Fatalf("expected onEnd to run, got %+v", entry)
	}
	if _, err := s.OnBar(tickMarket(nil), portfolio); !errors.Is(err, ErrScriptNotStarted) {
		t.Fatalf("expected runtime released after OnEnd, got %v", err)
	}
}

func TestScriptFailures(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tests := []struct {
		name    string
		source  string
		onStart bool
	}{
		{"missing onBar", `module.exports.onStart = function() {};`, true},
		{"onStart throws", `module.exports.onStart = function() { throw new Error("bad config"); }; module.exports.onBar = function() {};`, true},
		{"onBar throws", `module.exports.onBar = function() { throw new Error("boom"); };`, false},
		{"unknown action", `module.exports.onBar = function() { return [{symbol: "AAPL", action: "hodl", quantity: 1}]; };`, false},
		{"runaway loop", `module.exports.onBar = function() { while (true) {} };`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := CompileScript(tt.name, tt.source, WithScriptTimeout(50*time.Millisecond))
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			err = s.OnStart(nil, logger)
			if tt.onStart {
				if err == nil {
					t.Fatal("expected OnStart to fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("OnStart: %v", err)
			}
			if _, err := s.OnBar(tickMarket(nil), schema.NewPortfolioState(d("1000"))); err == nil {
				t.Fatal("expected OnBar to fail")
			}
		})
	}
}

func TestScriptCompileError(t *testing.T) {
	if _, err := CompileScript("broken", "module.exports = {"); err == nil {
		t.Fatal("expected a syntax error")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s, err := r.New(" SMA ")
	if err != nil {
		t.Fatalf("New sma: %v", err)
	}
	if _, ok := s.(*SMA); !ok {
		t.Fatalf("expected *SMA, got %T", s)
	}
	if _, err := r.New("martingale"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected unknown strategy, got %v", err)
	}
	if err := r.Register("sma", func() (Strategy, error) { return NewSMA(), nil }); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	path := filepath.Join(t.TempDir(), "threshold.js")
	if err := os.WriteFile(path, []byte(thresholdScript), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	loaded, err := r.New(path)
	if err != nil {
		t.Fatalf("New script: %v", err)
	}
	script, ok := loaded.(*Script)
	if !ok || script.Name() != "threshold" {
		t.Fatalf("expected script named threshold, got %T", loaded)
	}
	if strings.Join(r.Names(), ",") != "sma" {
		t.Fatalf("unexpected names %v", r.Names())
	}
}

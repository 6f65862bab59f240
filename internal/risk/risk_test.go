package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

var day1 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func openLong(symbol, qty string) schema.Signal {
	return schema.Signal{Symbol: symbol, Action: schema.ActionOpenLong, Quantity: d(qty), Timestamp: day1}
}

func closeLong(symbol, qty string) schema.Signal {
	return schema.Signal{Symbol: symbol, Action: schema.ActionCloseLong, Quantity: d(qty), Timestamp: day1}
}

func market(prices map[string]string) schema.MarketState {
	ticks := make(map[string]schema.Tick, len(prices))
	for symbol, price := range prices {
		ticks[symbol] = schema.Tick{Symbol: symbol, Price: d(price), Timestamp: day1}
	}
	return schema.MarketState{Ticks: ticks}
}

func portfolio(cash string, positions ...schema.Position) schema.PortfolioState {
	p := schema.NewPortfolioState(d(cash))
	for _, pos := range positions {
		p.Positions[pos.Symbol] = pos
	}
	return p
}

func newEnhanced(t *testing.T, limits Limits, start time.Time) (*Enhanced, *clock.Virtual) {
	t.Helper()
	clk := clock.NewVirtual(start)
	logger, _ := test.NewNullLogger()
	return NewEnhanced(limits, WithClock(clk), WithLogger(logger)), clk
}

// openLimits disables every cap so tests can enable only the policy under test.
func openLimits(startingCash string) Limits {
	return Limits{StartingCash: d(startingCash)}
}

func TestBasic_ValidateSignal_CapsPositionSize(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewBasic(BasicLimits{
		MaxPositionSize: d("100"),
		MaxDailyLoss:    d("1000"),
		StartingCash:    d("10000"),
	}, WithLogger(logger))

	in := openLong("SYM", "150")
	out, ok := m.ValidateSignal(in, portfolio("10000"), market(map[string]string{"SYM": "10"}))
	if !ok {
		t.Fatal("expected signal to be approved")
	}
	if !out.Quantity.Equal(d("100")) {
		t.Fatalf("expected capped quantity 100, got %s", out.Quantity)
	}
	if !out.Adjusted() {
		t.Fatalf("expected adjusted marker, got %v", out.Meta)
	}
	if !in.Quantity.Equal(d("150")) || in.Adjusted() {
		t.Fatal("expected input signal to be unchanged")
	}

	held := schema.Position{Symbol: "SYM", Quantity: d("100"), AvgPrice: d("10")}
	if _, ok := m.ValidateSignal(openLong("SYM", "1"), portfolio("9000", held), schema.MarketState{}); ok {
		t.Fatal("expected signal at cap to be rejected")
	}
}

func TestBasic_ValidateSignal_DailyLoss(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewBasic(BasicLimits{
		MaxPositionSize: d("1000"),
		MaxDailyLoss:    d("1000"),
		StartingCash:    d("100000"),
	}, WithLogger(logger))

	if _, ok := m.ValidateSignal(openLong("SYM", "1"), portfolio("98500"), schema.MarketState{}); ok {
		t.Fatal("expected open to be rejected after daily loss")
	}
	if _, ok := m.ValidateSignal(closeLong("SYM", "1"), portfolio("98500"), schema.MarketState{}); !ok {
		t.Fatal("expected close to be approved after daily loss")
	}
}

func TestEnhanced_ValidateSignal_Scenarios(t *testing.T) {
	t.Run("position size cap", func(t *testing.T) {
		limits := DefaultLimits()
		limits.StartingCash = d("10000")
		limits.MaxPositionSize = d("100")
		m, _ := newEnhanced(t, limits, day1)

		d := m.Evaluate(openLong("SYM", "150"), portfolio("10000"), market(map[string]string{"SYM": "10"}))
		if !d.Approved || !d.Signal.Quantity.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("expected approved quantity 100, got %+v", d)
		}
		if !d.Signal.Adjusted() || d.Signal.Meta[MetaResizeReason] != string(ReasonPositionSize) {
			t.Fatalf("expected position size resize marker, got %v", d.Signal.Meta)
		}
	})

	t.Run("daily loss", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxDailyLoss = d("1000")
		m, _ := newEnhanced(t, limits, day1)

		d := m.Evaluate(openLong("SYM", "1"), portfolio("98500"), market(map[string]string{"SYM": "10"}))
		if d.Approved || d.Reason != ReasonDailyLoss {
			t.Fatalf("expected daily loss rejection, got %+v", d)
		}
	})
}

func TestEnhanced_CircuitBreakerLatches(t *testing.T) {
	limits := openLimits("100000")
	limits.CircuitBreaker = true
	limits.CircuitBreakerLossPercent = d("10")
	limits.CircuitBreakerReset = 24 * time.Hour
	m, clk := newEnhanced(t, limits, day1)

	held := schema.Position{Symbol: "AAA", Quantity: d("100"), AvgPrice: d("100")}
	p := portfolio("89000", held)

	if d := m.Evaluate(openLong("BBB", "1"), p, market(map[string]string{"AAA": "110", "BBB": "10"})); !d.Approved {
		t.Fatalf("expected approval at peak, got %+v", d)
	}

	d1 := m.Evaluate(openLong("BBB", "1"), p, market(map[string]string{"AAA": "10", "BBB": "10"}))
	if d1.Approved || d1.Reason != ReasonCircuitBreaker {
		t.Fatalf("expected breaker to trip, got %+v", d1)
	}
	if !m.Snapshot().BreakerTripped {
		t.Fatal("expected snapshot to report tripped breaker")
	}

	// Latched even after equity recovers.
	clk.Advance(time.Hour)
	if d := m.Evaluate(openLong("BBB", "1"), p, market(map[string]string{"AAA": "110", "BBB": "10"})); d.Approved {
		t.Fatalf("expected breaker to stay latched, got %+v", d)
	}
	if d := m.Evaluate(closeLong("AAA", "100"), p, market(map[string]string{"AAA": "10"})); !d.Approved {
		t.Fatalf("expected close to pass while tripped, got %+v", d)
	}

	clk.Advance(23 * time.Hour)
	if d := m.Evaluate(openLong("BBB", "1"), p, market(map[string]string{"AAA": "110", "BBB": "10"})); !d.Approved {
		t.Fatalf("expected approval after reset window, got %+v", d)
	}
	if m.Snapshot().BreakerTripped {
		t.Fatal("expected breaker to be reset")
	}
}

func TestEnhanced_MaxDrawdownFromStartingCash(t *testing.T) {
	limits := openLimits("100000")
	limits.MaxDrawdownPercent = d("20")
	m, _ := newEnhanced(t, limits, day1)

	if d := m.Evaluate(openLong("SYM", "1"), portfolio("80000"), market(map[string]string{"SYM": "1"})); d.Reason != ReasonMaxDrawdown {
		t.Fatalf("expected drawdown rejection, got %+v", d)
	}
	if d := m.Evaluate(openLong("SYM", "1"), portfolio("80001"), market(map[string]string{"SYM": "1"})); !d.Approved {
		t.Fatalf("expected approval under drawdown limit, got %+v", d)
	}
}

func TestEnhanced_DailyLossResetsAtUTCMidnight(t *testing.T) {
	limits := openLimits("100000")
	limits.MaxDailyLoss = d("1000")
	m, clk := newEnhanced(t, limits, time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC))

	p := portfolio("98000")
	if d := m.Evaluate(openLong("SYM", "1"), p, market(map[string]string{"SYM": "1"})); d.Reason != ReasonDailyLoss {
		t.Fatalf("expected daily loss rejection, got %+v", d)
	}

	clk.Advance(2 * time.Minute)
	if d := m.Evaluate(openLong("SYM", "1"), p, market(map[string]string{"SYM": "1"})); !d.Approved {
		t.Fatalf("expected approval after midnight reset, got %+v", d)
	}
	if got := m.Snapshot().StartOfDayEquity; !got.Equal(d("98000")) {
		t.Fatalf("expected start of day equity 98000, got %s", got)
	}
}

func TestEnhanced_RateLimits(t *testing.T) {
	limits := openLimits("100000")
	limits.MaxOrdersPerSymbolPerMinute = 3
	limits.MaxOrdersPerMinute = 4
	m, clk := newEnhanced(t, limits, day1)
	p := portfolio("100000")
	mkt := market(map[string]string{"AAA": "1", "BBB": "1"})

	for i := 0; i < 3; i++ {
		if d := m.Evaluate(openLong("AAA", "1"), p, mkt); !d.Approved {
			t.Fatalf("order %d should have passed, got %+v", i+1, d)
		}
		clk.Advance(time.Second)
	}
	if d := m.Evaluate(openLong("AAA", "1"), p, mkt); d.Reason != ReasonRateLimit {
		t.Fatalf("expected per-symbol rate limit, got %+v", d)
	}
	if d := m.Evaluate(openLong("BBB", "1"), p, mkt); !d.Approved {
		t.Fatalf("expected other symbol to pass, got %+v", d)
	}
	if d := m.Evaluate(openLong("BBB", "1"), p, mkt); d.Reason != ReasonRateLimit {
		t.Fatalf("expected aggregate rate limit, got %+v", d)
	}

	clk.Advance(time.Minute)
	if d := m.Evaluate(openLong("AAA", "1"), p, mkt); !d.Approved {
		t.Fatalf("expected approval after window slides, got %+v", d)
	}
}

func TestEnhanced_PatternDayTrader(t *testing.T) {
	limits := openLimits("10000")
	limits.EnforcePDT = true
	limits.PDTMinEquity = d("25000")
	limits.MaxDayTrades = 1
	m, clk := newEnhanced(t, limits, day1)
	p := portfolio("10000")
	mkt := market(map[string]string{"AAA": "10"})

	if d := m.Evaluate(openLong("AAA", "1"), p, mkt); !d.Approved {
		t.Fatalf("expected entry to pass, got %+v", d)
	}
	if d := m.Evaluate(closeLong("AAA", "1"), p, mkt); !d.Approved {
		t.Fatalf("expected first day trade to pass, got %+v", d)
	}
	if got := m.Snapshot().DayTrades; got != 1 {
		t.Fatalf("expected 1 recorded day trade, got %d", got)
	}
	if d := m.Evaluate(closeLong("AAA", "1"), p, mkt); d.Reason != ReasonPatternDayTrader {
		t.Fatalf("expected close to be blocked, got %+v", d)
	}
	if d := m.Evaluate(openLong("AAA", "1"), p, mkt); d.Reason != ReasonPatternDayTrader {
		t.Fatalf("expected same-day re-entry to be blocked, got %+v", d)
	}

	// Above the equity threshold day trading is unrestricted.
	if d := m.Evaluate(closeLong("AAA", "1"), portfolio("30000"), mkt); !d.Approved {
		t.Fatalf("expected close to pass above threshold, got %+v", d)
	}

	clk.Advance(5*24*time.Hour + time.Minute)
	if d := m.Evaluate(openLong("AAA", "1"), p, mkt); !d.Approved {
		t.Fatalf("expected entry on a later day to pass, got %+v", d)
	}
	if got := m.Snapshot().DayTrades; got != 0 {
		t.Fatalf("expected day trades to age out, got %d", got)
	}
}

func TestEnhanced_MaxOpenPositions(t *testing.T) {
	limits := openLimits("100000")
	limits.MaxOpenPositions = 2
	m, _ := newEnhanced(t, limits, day1)
	p := portfolio("100000",
		schema.Position{Symbol: "AAA", Quantity: d("1"), AvgPrice: d("1")},
		schema.Position{Symbol: "BBB", Quantity: d("-1"), AvgPrice: d("1")},
		schema.Position{Symbol: "FLAT"},
	)
	mkt := market(map[string]string{"AAA": "1", "BBB": "1", "CCC": "1"})

	if d := m.Evaluate(openLong("CCC", "1"), p, mkt); d.Reason != ReasonOpenPositions {
		t.Fatalf("expected open position cap, got %+v", d)
	}
	if d := m.Evaluate(openLong("AAA", "1"), p, mkt); !d.Approved {
		t.Fatalf("expected add to existing position to pass, got %+v", d)
	}
}

func TestEnhanced_TotalExposureResize(t *testing.T) {
	limits := openLimits("100000")
	limits.MaxTotalExposure = d("1000")
	m, _ := newEnhanced(t, limits, day1)
	p := portfolio("100000", schema.Position{Symbol: "AAA", Quantity: d("50"), AvgPrice: d("8")})

	d1 := m.Evaluate(openLong("BBB", "100"), p, market(map[string]string{"AAA": "10", "BBB": "20"}))
	if !d1.Approved || !d1.Signal.Quantity.Equal(d("25")) {
		t.Fatalf("expected resize to 25, got %+v", d1)
	}
	if d1.Signal.Meta[MetaResizeReason] != string(ReasonTotalExposure) || !d1.Signal.Adjusted() {
		t.Fatalf("expected exposure marker, got %v", d1.Signal.Meta)
	}

	d2 := m.Evaluate(openLong("BBB", "1"), p, market(map[string]string{"AAA": "10", "BBB": "600"}))
	if d2.Approved || d2.Reason != ReasonTotalExposure {
		t.Fatalf("expected rejection below one unit of headroom, got %+v", d2)
	}
}

func TestEnhanced_ClosingBypassesCaps(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositionSize = d("1")
	limits.MaxTotalExposure = d("1")
	limits.MaxOpenPositions = 1
	limits.MaxDailyLoss = d("1")
	m, _ := newEnhanced(t, limits, day1)

	p := portfolio("1000",
		schema.Position{Symbol: "AAA", Quantity: d("500"), AvgPrice: d("100")},
		schema.Position{Symbol: "BBB", Quantity: d("-500"), AvgPrice: d("100")},
	)
	mkt := market(map[string]string{"AAA": "1", "BBB": "500"})

	for _, sig := range []schema.Signal{
		closeLong("AAA", "500"),
		{Symbol: "BBB", Action: schema.ActionCloseShort, Quantity: d("500")},
	} {
		d := m.Evaluate(sig, p, mkt)
		if !d.Approved || !d.Signal.Quantity.Equal(sig.Quantity) || d.Signal.Adjusted() {
			t.Fatalf("expected %s to pass unchanged, got %+v", sig.Action, d)
		}
	}
}

func TestEnhanced_NeverIncreasesQuantity(t *testing.T) {
	limits := openLimits("100000")
	limits.MaxPositionSize = d("40")
	limits.MaxTotalExposure = d("500")
	p := portfolio("100000", schema.Position{Symbol: "AAA", Quantity: d("10"), AvgPrice: d("10")})
	mkt := market(map[string]string{"AAA": "10", "BBB": "7"})

	for _, req := range []string{"1", "5", "29", "30", "31", "45", "1000", "0.5"} {
		for _, symbol := range []string{"AAA", "BBB"} {
			m, _ := newEnhanced(t, limits, day1)
			in := openLong(symbol, req)
			dec := m.Evaluate(in, p, mkt)
			if !dec.Approved {
				continue
			}
			if dec.Signal.Quantity.GreaterThan(in.Quantity) {
				t.Fatalf("%s %s: approved %s exceeds request", symbol, req, dec.Signal.Quantity)
			}
			current := p.Positions[symbol].Quantity.Abs()
			if current.Add(dec.Signal.Quantity).GreaterThan(limits.MaxPositionSize) {
				t.Fatalf("%s %s: approved %s exceeds position capacity", symbol, req, dec.Signal.Quantity)
			}
		}
	}
}

func TestTradeActivityPrunesWindows(t *testing.T) {
	var act TradeActivity
	act.AddOrder(day1)
	act.AddOrder(day1.Add(30 * time.Second))
	act.AddOrder(day1.Add(50 * time.Second))

	if got := act.OrdersInLastMinute(day1.Add(70 * time.Second)); got != 2 {
		t.Fatalf("expected 2 orders in last minute, got %d", got)
	}
	if got := act.OrdersInLastMinute(day1.Add(2 * time.Hour)); got != 0 {
		t.Fatalf("expected 0 orders, got %d", got)
	}
	if len(act.orders) != 0 {
		t.Fatalf("expected read to prune stale timestamps, got %d", len(act.orders))
	}
	if !act.EnteredOn(day1.Add(time.Hour)) || act.EnteredOn(day1.Add(24*time.Hour)) {
		t.Fatal("unexpected same-day entry evaluation")
	}

	act.AddDayTrade(day1)
	act.AddDayTrade(day1.Add(24 * time.Hour))
	if got := act.DayTrades(day1.Add(5*24*time.Hour + time.Second)); got != 1 {
		t.Fatalf("expected 1 day trade within five days, got %d", got)
	}
}

package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Limits configures the Enhanced manager. Non-positive caps are disabled.
type Limits struct {
	MaxPositionSize  decimal.Decimal
	MaxTotalExposure decimal.Decimal
	MaxOpenPositions int

	MaxDailyLoss       decimal.Decimal
	MaxDrawdownPercent decimal.Decimal
	StartingCash       decimal.Decimal

	// EnforcePDT limits day trades while cash is below PDTMinEquity to
	// MaxDayTrades per rolling five days.
	EnforcePDT   bool
	PDTMinEquity decimal.Decimal
	MaxDayTrades int

	MaxOrdersPerMinute          int
	MaxOrdersPerSymbolPerMinute int

	CircuitBreaker            bool
	CircuitBreakerLossPercent decimal.Decimal
	CircuitBreakerReset       time.Duration
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:             decimal.NewFromInt(1000),
		MaxTotalExposure:            decimal.NewFromInt(50_000),
		MaxOpenPositions:            5,
		MaxDailyLoss:                decimal.NewFromInt(5000),
		MaxDrawdownPercent:          decimal.NewFromInt(20),
		StartingCash:                decimal.NewFromInt(100_000),
		EnforcePDT:                  true,
		PDTMinEquity:                decimal.NewFromInt(25_000),
		MaxDayTrades:                3,
		MaxOrdersPerMinute:          10,
		MaxOrdersPerSymbolPerMinute: 3,
		CircuitBreaker:              true,
		CircuitBreakerLossPercent:   decimal.NewFromInt(10),
		CircuitBreakerReset:         24 * time.Hour,
	}
}

var hundred = decimal.NewFromInt(100)

// Snapshot exposes the manager's internal state for observability.
type Snapshot struct {
	BreakerTripped   bool
	BreakerTrippedAt time.Time
	PeakEquity       decimal.Decimal
	StartOfDayEquity decimal.Decimal
	DayTrades        int
}

// Enhanced applies the full policy chain: day-trade compliance, circuit
// breaker, drawdown, daily loss, rate limits, position count, exposure and
// position size. Closing signals only face the day-trade check.
type Enhanced struct {
	mu     sync.Mutex
	limits Limits
	clock  clock.Clock
	logger logrus.FieldLogger

	activity map[string]*TradeActivity

	breakerTripped   bool
	breakerTrippedAt time.Time
	peakEquity       decimal.Decimal

	startOfDayEquity decimal.Decimal
	dailyResetAt     time.Time
}

// NewEnhanced creates an Enhanced manager.
func NewEnhanced(limits Limits, opts ...Option) *Enhanced {
	o := buildOptions("risk_enhanced", opts)
	return &Enhanced{
		limits:           limits,
		clock:            o.clock,
		logger:           o.logger,
		activity:         make(map[string]*TradeActivity),
		peakEquity:       limits.StartingCash,
		startOfDayEquity: limits.StartingCash,
		dailyResetAt:     utcMidnight(o.clock.Now()),
	}
}

// ValidateSignal implements Manager.
func (m *Enhanced) ValidateSignal(sig schema.Signal, portfolio schema.PortfolioState, market schema.MarketState) (schema.Signal, bool) {
	d := m.Evaluate(sig, portfolio, market)
	return d.Signal, d.Approved
}

// Evaluate runs the policy chain in order and reports which policy decided.
func (m *Enhanced) Evaluate(sig schema.Signal, portfolio schema.PortfolioState, market schema.MarketState) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	d := m.evaluateLocked(sig, portfolio, market, now)
	entry := m.logger.WithFields(logrus.Fields{
		"symbol": sig.Symbol,
		"action": sig.Action,
		"reason": d.Reason,
	})
	switch {
	case !d.Approved:
		entry.Warn("signal rejected")
	case d.Signal.Adjusted():
		entry.WithField("quantity", d.Signal.Quantity.String()).Info("signal resized")
	}
	return d
}

func (m *Enhanced) evaluateLocked(sig schema.Signal, portfolio schema.PortfolioState, market schema.MarketState, now time.Time) Decision {
	if sig.IsClosing() {
		if m.wouldDayTrade(sig.Symbol, now) {
			if !m.pdtCompliant(portfolio, now) {
				return reject(sig, ReasonPatternDayTrader)
			}
			m.activityFor(sig.Symbol).AddDayTrade(now)
		}
		return approve(sig)
	}

	if !sig.Quantity.IsPositive() {
		return reject(sig, ReasonInvalidQuantity)
	}

	equity := portfolio.Equity(heldPrices(portfolio, market))

	if !m.checkBreaker(equity, now) {
		return reject(sig, ReasonCircuitBreaker)
	}
	if !m.checkDrawdown(equity) {
		return reject(sig, ReasonMaxDrawdown)
	}
	if m.dailyLossExceeded(portfolio.Cash, now) {
		return reject(sig, ReasonDailyLoss)
	}
	if !m.checkRate(sig.Symbol, now) {
		return reject(sig, ReasonRateLimit)
	}
	if m.wouldDayTrade(sig.Symbol, now) && !m.pdtCompliant(portfolio, now) {
		return reject(sig, ReasonPatternDayTrader)
	}
	if !m.checkOpenPositions(sig.Symbol, portfolio) {
		return reject(sig, ReasonOpenPositions)
	}

	d := m.capExposure(sig, portfolio, market)
	if !d.Approved {
		return d
	}
	d = capPositionSize(d.Signal, portfolio, m.limits.MaxPositionSize)
	if !d.Approved {
		return d
	}

	m.activityFor(sig.Symbol).AddOrder(now)
	return d
}

// checkBreaker tracks peak equity and latches once drawdown from the peak
// reaches the configured percent. The latch clears after CircuitBreakerReset.
func (m *Enhanced) checkBreaker(equity decimal.Decimal, now time.Time) bool {
	if !m.limits.CircuitBreaker {
		return true
	}
	if m.breakerTripped {
		if m.limits.CircuitBreakerReset > 0 && now.Sub(m.breakerTrippedAt) >= m.limits.CircuitBreakerReset {
			m.logger.WithField("tripped_at", m.breakerTrippedAt).Info("risk circuit breaker reset")
			m.breakerTripped = false
			m.breakerTrippedAt = time.Time{}
			return true
		}
		return false
	}
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}
	if !m.peakEquity.IsPositive() {
		return true
	}
	drawdown := m.peakEquity.Sub(equity).Div(m.peakEquity).Mul(hundred)
	if drawdown.GreaterThanOrEqual(m.limits.CircuitBreakerLossPercent) {
		m.breakerTripped = true
		m.breakerTrippedAt = now
		m.logger.WithFields(logrus.Fields{
			"drawdown_percent": drawdown.StringFixed(2),
			"peak_equity":      m.peakEquity.StringFixed(2),
			"equity":           equity.StringFixed(2),
		}).Error("risk circuit breaker tripped")
		return false
	}
	return true
}

func (m *Enhanced) checkDrawdown(equity decimal.Decimal) bool {
	start := m.limits.StartingCash
	if !start.IsPositive() || !m.limits.MaxDrawdownPercent.IsPositive() {
		return true
	}
	drawdown := start.Sub(equity).Div(start).Mul(hundred)
	return drawdown.LessThan(m.limits.MaxDrawdownPercent)
}

// dailyLossExceeded rolls start-of-day equity to the current cash at each UTC
// midnight and compares the loss since then against MaxDailyLoss.
func (m *Enhanced) dailyLossExceeded(cash decimal.Decimal, now time.Time) bool {
	if today := utcMidnight(now); today.After(m.dailyResetAt) {
		m.dailyResetAt = today
		m.startOfDayEquity = cash
	}
	if !m.limits.MaxDailyLoss.IsPositive() {
		return false
	}
	return m.startOfDayEquity.Sub(cash).GreaterThanOrEqual(m.limits.MaxDailyLoss)
}

func (m *Enhanced) checkRate(symbol string, now time.Time) bool {
	act := m.activityFor(symbol)
	if limit := m.limits.MaxOrdersPerSymbolPerMinute; limit > 0 && act.OrdersInLastMinute(now) >= limit {
		return false
	}
	if limit := m.limits.MaxOrdersPerMinute; limit > 0 {
		total := 0
		for _, a := range m.activity {
			total += a.OrdersInLastMinute(now)
		}
		if total >= limit {
			return false
		}
	}
	return true
}

func (m *Enhanced) wouldDayTrade(symbol string, now time.Time) bool {
	act, ok := m.activity[symbol]
	return ok && act.EnteredOn(now)
}

// pdtCompliant allows day trades freely at or above PDTMinEquity and caps
// them at MaxDayTrades per rolling five days below it.
func (m *Enhanced) pdtCompliant(portfolio schema.PortfolioState, now time.Time) bool {
	if !m.limits.EnforcePDT {
		return true
	}
	if portfolio.Cash.GreaterThanOrEqual(m.limits.PDTMinEquity) {
		return true
	}
	return m.dayTradesLocked(now) < m.limits.MaxDayTrades
}

func (m *Enhanced) checkOpenPositions(symbol string, portfolio schema.PortfolioState) bool {
	if m.limits.MaxOpenPositions <= 0 {
		return true
	}
	if _, open := portfolio.Position(symbol); open {
		return true
	}
	return portfolio.OpenPositionCount() < m.limits.MaxOpenPositions
}

// capExposure shrinks sig to the remaining exposure headroom in whole units.
func (m *Enhanced) capExposure(sig schema.Signal, portfolio schema.PortfolioState, market schema.MarketState) Decision {
	limit := m.limits.MaxTotalExposure
	if !limit.IsPositive() {
		return approve(sig)
	}
	price, ok := market.LatestPrice(sig.Symbol)
	if !ok || !price.IsPositive() {
		return approve(sig)
	}
	current := portfolio.NetExposure(heldPrices(portfolio, market))
	if current.Add(sig.Quantity.Mul(price)).LessThanOrEqual(limit) {
		return approve(sig)
	}
	headroom := limit.Sub(current)
	if !headroom.IsPositive() {
		return reject(sig, ReasonTotalExposure)
	}
	qty := headroom.Div(price).Floor()
	if qty.LessThan(decimal.NewFromInt(1)) {
		return reject(sig, ReasonTotalExposure)
	}
	return approve(sig.Resized(qty, map[string]any{MetaResizeReason: string(ReasonTotalExposure)}))
}

func (m *Enhanced) activityFor(symbol string) *TradeActivity {
	act, ok := m.activity[symbol]
	if !ok {
		act = &TradeActivity{}
		m.activity[symbol] = act
	}
	return act
}

func (m *Enhanced) dayTradesLocked(now time.Time) int {
	total := 0
	for _, act := range m.activity {
		total += act.DayTrades(now)
	}
	return total
}

// Activity returns a copy of the tracked activity for symbol.
func (m *Enhanced) Activity(symbol string) (TradeActivity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.activity[symbol]
	if !ok {
		return TradeActivity{}, false
	}
	return TradeActivity{
		orders:    append([]time.Time(nil), act.orders...),
		dayTrades: append([]time.Time(nil), act.dayTrades...),
		lastEntry: act.lastEntry,
	}, true
}

// Snapshot reports breaker and equity tracking state.
func (m *Enhanced) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		BreakerTripped:   m.breakerTripped,
		BreakerTrippedAt: m.breakerTrippedAt,
		PeakEquity:       m.peakEquity,
		StartOfDayEquity: m.startOfDayEquity,
		DayTrades:        m.dayTradesLocked(m.clock.Now()),
	}
}

// heldPrices marks every held symbol at its latest market price.
func heldPrices(portfolio schema.PortfolioState, market schema.MarketState) map[string]decimal.Decimal {
	held := make([]string, 0, len(portfolio.Positions))
	for symbol := range portfolio.Positions {
		held = append(held, symbol)
	}
	return market.Prices(held)
}

func utcMidnight(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

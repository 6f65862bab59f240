package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioState is the view of cash and holdings handed to strategies and the risk manager.
// Exposure and equity are derived on demand and never stored.
type PortfolioState struct {
	Cash          decimal.Decimal     `json:"cash"`
	Positions     map[string]Position `json:"positions"`
	PendingOrders map[string]Order    `json:"pending_orders"`
}

// NewPortfolioState creates an empty portfolio with the given cash.
func NewPortfolioState(cash decimal.Decimal) PortfolioState {
	return PortfolioState{
		Cash:          cash,
		Positions:     make(map[string]Position),
		PendingOrders: make(map[string]Order),
	}
}

// Position returns the non-flat position for symbol.
func (p PortfolioState) Position(symbol string) (Position, bool) {
	pos, ok := p.Positions[symbol]
	if !ok || pos.IsFlat() {
		return Position{Symbol: symbol}, false
	}
	return pos, true
}

// OpenPositionCount counts non-flat positions.
func (p PortfolioState) OpenPositionCount() int {
	n := 0
	for _, pos := range p.Positions {
		if !pos.IsFlat() {
			n++
		}
	}
	return n
}

// NetExposure is the aggregate absolute notional of open positions. Symbols
// missing from prices are marked at their average price.
func (p PortfolioState) NetExposure(prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for symbol, pos := range p.Positions {
		if pos.IsFlat() {
			continue
		}
		price, ok := prices[symbol]
		if !ok || !price.IsPositive() {
			price = pos.AvgPrice
		}
		total = total.Add(pos.Quantity.Abs().Mul(price))
	}
	return total
}

// Equity is cash plus the mark-to-market value of positions. Symbols without
// a price contribute nothing.
func (p PortfolioState) Equity(prices map[string]decimal.Decimal) decimal.Decimal {
	equity := p.Cash
	for symbol, pos := range p.Positions {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		equity = equity.Add(pos.MarketValue(price))
	}
	return equity
}

// Clone returns a deep copy.
func (p PortfolioState) Clone() PortfolioState {
	cp := PortfolioState{
		Cash:          p.Cash,
		Positions:     make(map[string]Position, len(p.Positions)),
		PendingOrders: make(map[string]Order, len(p.PendingOrders)),
	}
	for k, v := range p.Positions {
		cp.Positions[k] = v
	}
	for k, v := range p.PendingOrders {
		cp.PendingOrders[k] = v.Clone()
	}
	return cp
}

// Account is a point-in-time snapshot of the trading account.
type Account struct {
	AccountID   string          `json:"account_id"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	Equity      decimal.Decimal `json:"equity"`
	MarginUsed  decimal.Decimal `json:"margin_used"`
	// DayTradesRemaining is -1 when the venue does not track it.
	DayTradesRemaining int       `json:"day_trades_remaining"`
	Timestamp          time.Time `json:"timestamp"`
}

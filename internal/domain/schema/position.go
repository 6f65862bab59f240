package schema

import "github.com/shopspring/decimal"

// FlatEpsilon is the absolute size below which a position is considered flat.
var FlatEpsilon = decimal.New(1, -6)

// Position is the net signed holding in a symbol with a weighted-average cost basis.
// AvgPrice is meaningful only while Quantity is non-zero.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// IsFlat reports whether the position size is below FlatEpsilon.
func (p Position) IsFlat() bool {
	return p.Quantity.Abs().LessThan(FlatEpsilon)
}

// IsLong reports a positive, non-flat position.
func (p Position) IsLong() bool {
	return !p.IsFlat() && p.Quantity.IsPositive()
}

// IsShort reports a negative, non-flat position.
func (p Position) IsShort() bool {
	return !p.IsFlat() && p.Quantity.IsNegative()
}

// Apply folds a signed fill into the position.
//
// Same-direction fills move AvgPrice to the weighted average. Opposite fills
// smaller than the position leave AvgPrice untouched, an exact offset flattens
// the position, and a larger offset reverses it at the fill price.
func (p *Position) Apply(signedQty, price decimal.Decimal) {
	if signedQty.IsZero() {
		return
	}
	switch {
	case p.IsFlat():
		p.Quantity = signedQty
		p.AvgPrice = price
	case p.Quantity.Sign() == signedQty.Sign():
		total := p.Quantity.Add(signedQty)
		cost := p.AvgPrice.Mul(p.Quantity.Abs()).Add(price.Mul(signedQty.Abs()))
		p.AvgPrice = cost.Div(total.Abs())
		p.Quantity = total
	default:
		remaining := p.Quantity.Add(signedQty)
		switch {
		case signedQty.Abs().LessThan(p.Quantity.Abs()):
			p.Quantity = remaining
		case signedQty.Abs().Equal(p.Quantity.Abs()):
			p.Quantity = decimal.Zero
			p.AvgPrice = decimal.Zero
		default:
			p.Quantity = remaining
			p.AvgPrice = price
		}
	}
	if p.IsFlat() {
		p.Quantity = decimal.Zero
		p.AvgPrice = decimal.Zero
	}
}

// MarketValue is the signed notional at the given price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// UnrealizedPnL is the mark-to-market profit at price.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.IsFlat() {
		return decimal.Zero
	}
	return price.Sub(p.AvgPrice).Mul(p.Quantity)
}

// UnrealizedPnLPercent expresses UnrealizedPnL relative to the cost basis.
func (p Position) UnrealizedPnLPercent(price decimal.Decimal) decimal.Decimal {
	basis := p.AvgPrice.Mul(p.Quantity.Abs())
	if basis.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL(price).Div(basis).Mul(decimal.NewFromInt(100))
}

package broker

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// MinFillPrice is the floor applied to sell-side prices after slippage.
var MinFillPrice = decimal.New(1, -2)

// SlippageModel adjusts a reference price to the simulated execution price.
type SlippageModel interface {
	Adjust(side schema.OrderSide, reference decimal.Decimal) decimal.Decimal
}

// PercentSlippage moves the price against the order by Rate (a fraction of price).
type PercentSlippage struct {
	Rate decimal.Decimal
}

// Adjust implements SlippageModel.
func (p PercentSlippage) Adjust(side schema.OrderSide, reference decimal.Decimal) decimal.Decimal {
	slip := reference.Mul(p.Rate)
	if side.IsBuy() {
		return reference.Add(slip)
	}
	return decimal.Max(MinFillPrice, reference.Sub(slip))
}

// CommissionModel evaluates the commission charged for a fill.
type CommissionModel interface {
	Commission(quantity, price decimal.Decimal) decimal.Decimal
}

// CommissionSchedule charges PerShare per unit plus Rate of notional.
type CommissionSchedule struct {
	PerShare decimal.Decimal
	Rate     decimal.Decimal
}

// Commission implements CommissionModel.
func (c CommissionSchedule) Commission(quantity, price decimal.Decimal) decimal.Decimal {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return c.PerShare.Mul(quantity).Add(quantity.Mul(price).Mul(c.Rate))
}

// orderCost is the cash an order needs up front: notional plus commission
// for buy-side orders, commission only for sell-side orders.
func orderCost(side schema.OrderSide, quantity, price decimal.Decimal, commission CommissionModel) decimal.Decimal {
	fee := commission.Commission(quantity, price)
	if side.IsBuy() {
		return quantity.Mul(price).Add(fee)
	}
	return fee
}

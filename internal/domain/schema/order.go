// Package schema defines the ledger entities shared by the engine, risk manager and brokers.
package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide captures the direction of an order.
type OrderSide string

const (
	// OrderSideBuy opens or adds to a long position.
	OrderSideBuy OrderSide = "buy"
	// OrderSideSell reduces or closes a long position.
	OrderSideSell OrderSide = "sell"
	// OrderSideBuyToCover reduces or closes a short position.
	OrderSideBuyToCover OrderSide = "buy_to_cover"
	// OrderSideSellShort opens or adds to a short position.
	OrderSideSellShort OrderSide = "sell_short"
)

// IsBuy reports whether the side consumes cash.
func (s OrderSide) IsBuy() bool {
	return s == OrderSideBuy || s == OrderSideBuyToCover
}

// Sign returns +1 for buy-side orders and -1 otherwise.
func (s OrderSide) Sign() decimal.Decimal {
	if s.IsBuy() {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusFailed          OrderStatus = "failed"
)

// IsTerminal reports whether no further transition is permitted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// OrderDuration captures the time-in-force of an order.
type OrderDuration string

const (
	DurationDay OrderDuration = "day"
	DurationGTC OrderDuration = "gtc"
	DurationIOC OrderDuration = "ioc"
	DurationFOK OrderDuration = "fok"
)

// StrategyType groups orders that are linked to each other.
type StrategyType string

const (
	StrategySingle  StrategyType = "single"
	StrategyOCO     StrategyType = "oco"
	StrategyBracket StrategyType = "bracket"
	StrategyTrigger StrategyType = "trigger"
)

var (
	// ErrTerminalOrder is returned when mutating an order that already reached a terminal state.
	ErrTerminalOrder = errors.New("order is in a terminal state")
	// ErrOverfill is returned when a fill would exceed the order quantity.
	ErrOverfill = errors.New("fill exceeds remaining order quantity")
	// ErrInvalidFill is returned for non-positive fill quantities or prices.
	ErrInvalidFill = errors.New("fill quantity and price must be positive")
)

// OrderFill is a discrete execution against an order.
type OrderFill struct {
	FillID     string          `json:"fill_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Fees       decimal.Decimal `json:"fees"`
}

// Order is a sized, priced instruction with a tracked fill lifecycle.
// Price and StopPrice are zero when unset.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	Status       OrderStatus     `json:"status"`
	Fills        []OrderFill     `json:"fills"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	Duration     OrderDuration   `json:"duration"`
	StrategyType StrategyType    `json:"strategy_type"`
	ParentID     string          `json:"parent_id,omitempty"`
	ChildIDs     []string        `json:"child_ids,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewMarketOrder builds a pending single-leg market order.
func NewMarketOrder(id, symbol string, side OrderSide, quantity, reference decimal.Decimal, now time.Time) Order {
	return Order{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		Type:         OrderTypeMarket,
		Price:        reference,
		Status:       OrderStatusPending,
		Duration:     DurationDay,
		StrategyType: StrategySingle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// FilledQuantity sums the quantity of every fill.
func (o *Order) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// RemainingQuantity returns the unfilled quantity, never negative.
func (o *Order) RemainingQuantity() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity())
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// AverageFillPrice is the quantity weighted mean fill price, zero without fills.
func (o *Order) AverageFillPrice() decimal.Decimal {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, f := range o.Fills {
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Quantity.Mul(f.Price))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// TotalCommission sums commission and fees over all fills.
func (o *Order) TotalCommission() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Commission).Add(f.Fees)
	}
	return total
}

// IsComplete reports whether the order reached a terminal state.
func (o *Order) IsComplete() bool {
	return o.Status.IsTerminal()
}

// AddFill appends a fill and derives the status from filled vs ordered quantity.
func (o *Order) AddFill(fill OrderFill) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s: %w", o.ID, ErrTerminalOrder)
	}
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return fmt.Errorf("order %s: %w", o.ID, ErrInvalidFill)
	}
	filled := o.FilledQuantity().Add(fill.Quantity)
	if filled.GreaterThan(o.Quantity) {
		return fmt.Errorf("order %s: %w (filled %s + %s > %s)", o.ID, ErrOverfill, o.FilledQuantity(), fill.Quantity, o.Quantity)
	}
	o.Fills = append(o.Fills, fill)
	if filled.GreaterThanOrEqual(o.Quantity) {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	if !fill.Timestamp.IsZero() {
		o.UpdatedAt = fill.Timestamp
	}
	return nil
}

// Transition moves the order to the given status. Terminal states are absorbing.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if o.Status == to {
		return nil
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s: %s -> %s: %w", o.ID, o.Status, to, ErrTerminalOrder)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Reject moves the order to rejected with the given reason.
func (o *Order) Reject(reason string, now time.Time) error {
	if err := o.Transition(OrderStatusRejected, now); err != nil {
		return err
	}
	o.ErrorMessage = reason
	return nil
}

// Clone returns a deep copy safe to hand to other owners.
func (o Order) Clone() Order {
	cp := o
	if o.Fills != nil {
		cp.Fills = append([]OrderFill(nil), o.Fills...)
	}
	if o.ChildIDs != nil {
		cp.ChildIDs = append([]string(nil), o.ChildIDs...)
	}
	return cp
}

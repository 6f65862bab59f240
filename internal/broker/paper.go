package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// PaperVenue names the paper broker in errors and logs.
const PaperVenue = "paper"

const (
	defaultPartialFillThreshold = 100
	maxPartialFills             = 3
	partialFillLot              = 50
)

var partialFillDispersion = decimal.RequireFromString("0.0005")

// PaperBroker simulates execution against the last known market prices.
// A single mutex serialises ledger, cash and position mutations so every fill
// is applied atomically.
type PaperBroker struct {
	mu sync.Mutex

	accountID    string
	startingCash decimal.Decimal
	cash         decimal.Decimal
	positions    map[string]schema.Position
	lastPrices   map[string]decimal.Decimal
	connected    bool
	ledger       *Ledger

	slippage         SlippageModel
	commission       CommissionModel
	partialFills     bool
	partialThreshold decimal.Decimal
	fillLatency      time.Duration
	limiter          *rate.Limiter
	clock            clock.Clock
	logger           logrus.FieldLogger
}

// PaperOption customises a PaperBroker.
type PaperOption func(*PaperBroker)

// WithStartingCash sets the initial cash balance.
func WithStartingCash(cash decimal.Decimal) PaperOption {
	return func(b *PaperBroker) { b.startingCash = cash }
}

// WithCommission overrides the commission model.
func WithCommission(model CommissionModel) PaperOption {
	return func(b *PaperBroker) {
		if model != nil {
			b.commission = model
		}
	}
}

// WithSlippage overrides the slippage model.
func WithSlippage(model SlippageModel) PaperOption {
	return func(b *PaperBroker) {
		if model != nil {
			b.slippage = model
		}
	}
}

// WithPartialFills splits orders larger than threshold into several fills.
// A non-positive threshold keeps the default of 100 units.
func WithPartialFills(threshold decimal.Decimal) PaperOption {
	return func(b *PaperBroker) {
		b.partialFills = true
		if threshold.IsPositive() {
			b.partialThreshold = threshold
		}
	}
}

// WithFillLatency delays each fill to model venue processing time.
func WithFillLatency(d time.Duration) PaperOption {
	return func(b *PaperBroker) {
		if d > 0 {
			b.fillLatency = d
		}
	}
}

// WithOrderRate caps order submissions. Orders over the cap fail with a
// rate limit error carrying the wait until the next slot.
func WithOrderRate(perSecond float64, burst int) PaperOption {
	return func(b *PaperBroker) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock sets the time source used for fills and order timestamps.
func WithClock(c clock.Clock) PaperOption {
	return func(b *PaperBroker) { b.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) PaperOption {
	return func(b *PaperBroker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewPaperBroker creates a disconnected paper broker. Defaults to 100,000 cash,
// no commission and no slippage.
func NewPaperBroker(opts ...PaperOption) *PaperBroker {
	b := &PaperBroker{
		accountID:        "paper_" + shortID(8),
		startingCash:     decimal.NewFromInt(100_000),
		positions:        make(map[string]schema.Position),
		lastPrices:       make(map[string]decimal.Decimal),
		ledger:           NewLedger(),
		slippage:         PercentSlippage{},
		commission:       CommissionSchedule{},
		partialThreshold: decimal.NewFromInt(defaultPartialFillThreshold),
		clock:            clock.Real{},
		logger:           logrus.StandardLogger().WithField("component", "paper_broker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.cash = b.startingCash
	return b
}

// Connect implements Broker.
func (b *PaperBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.logger.WithField("account_id", b.accountID).Info("paper broker connected")
	return nil
}

// Close implements Broker.
func (b *PaperBroker) Close(context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.logger.Info("paper broker disconnected")
	return nil
}

// Account implements Broker. Day trades are not tracked by the paper venue.
func (b *PaperBroker) Account(context.Context) (schema.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return schema.Account{}, notConnected()
	}
	equity := b.cash
	for symbol, pos := range b.positions {
		if price, ok := b.lastPrices[symbol]; ok {
			equity = equity.Add(pos.MarketValue(price))
		}
	}
	return schema.Account{
		AccountID:          b.accountID,
		Cash:               b.cash,
		BuyingPower:        b.cash,
		Equity:             equity,
		MarginUsed:         decimal.Zero,
		DayTradesRemaining: -1,
		Timestamp:          b.clock.Now(),
	}, nil
}

// Balance implements Broker.
func (b *PaperBroker) Balance(context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash, nil
}

// Positions implements Broker and returns only non-flat positions.
func (b *PaperBroker) Positions(context.Context) (map[string]schema.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openPositionsLocked(), nil
}

// Position implements Broker.
func (b *PaperBroker) Position(_ context.Context, symbol string) (schema.Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok || pos.IsFlat() {
		return schema.Position{Symbol: symbol}, false, nil
	}
	return pos, true, nil
}

// SubmitOrder implements Broker. The order is filled immediately, optionally
// across several partial fills.
func (b *PaperBroker) SubmitOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return order, notConnected()
	}
	now := b.clock.Now()
	if b.limiter != nil {
		r := b.limiter.ReserveN(now, 1)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			return order, errs.RateLimited(PaperVenue, delay, errs.WithField("symbol", order.Symbol))
		}
	}
	if !order.Quantity.IsPositive() {
		return order, errs.New(PaperVenue, errs.CodeInvalid, errs.WithMessage("order quantity must be positive"))
	}

	order.VenueOrderID = "PAPER_" + shortID(12)
	if err := order.Transition(schema.OrderStatusSubmitted, now); err != nil {
		return order, errs.New(PaperVenue, errs.CodeInvalid, errs.WithMessage("order is not submittable"), errs.WithCause(err))
	}
	if err := b.ledger.Add(order); err != nil {
		return order, errs.New(PaperVenue, errs.CodeInvalid, errs.WithMessage("duplicate order id"), errs.WithCause(err))
	}

	fillPrice, ok := b.fillPriceLocked(order)
	if !ok {
		msg := fmt.Sprintf("no market price available for %s", order.Symbol)
		return b.rejectLocked(order, msg, now, errs.Rejected(PaperVenue, msg, errs.WithCanonicalCode(errs.CanonicalNoPrice)))
	}

	cost := orderCost(order.Side, order.Quantity, fillPrice, b.commission)
	if b.cash.LessThan(cost) {
		msg := fmt.Sprintf("insufficient funds: need %s, have %s", cost.StringFixed(2), b.cash.StringFixed(2))
		return b.rejectLocked(order, msg, now, errs.InsufficientFunds(PaperVenue, msg))
	}

	_ = order.Transition(schema.OrderStatusAccepted, now)
	b.ledger.Update(order)

	if err := b.waitLatency(ctx); err != nil {
		return order, errs.Network(PaperVenue, "order submission interrupted", errs.WithCause(err))
	}

	var err error
	if b.partialFills && order.Quantity.GreaterThan(b.partialThreshold) {
		err = b.executePartialFillsLocked(ctx, &order, fillPrice)
	} else {
		err = b.applyFillLocked(&order, order.Quantity, fillPrice)
	}
	b.ledger.Update(order)
	if err != nil {
		return order, err
	}

	b.logger.WithFields(logrus.Fields{
		"venue_order_id": order.VenueOrderID,
		"side":           order.Side,
		"symbol":         order.Symbol,
		"quantity":       order.Quantity.String(),
		"price":          fillPrice.StringFixed(2),
	}).Info("order filled")
	return order, nil
}

// CancelOrder implements Broker. Unknown and completed orders report false.
func (b *PaperBroker) CancelOrder(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.ledger.Get(id)
	if !ok || order.IsComplete() {
		return false, nil
	}
	if err := order.Transition(schema.OrderStatusCancelled, b.clock.Now()); err != nil {
		return false, nil
	}
	b.ledger.Update(order)
	b.logger.WithField("order_id", order.ID).Info("order cancelled")
	return true, nil
}

// ModifyOrder implements Broker. The paper venue fills immediately so there is
// never a working order to amend.
func (b *PaperBroker) ModifyOrder(context.Context, string, ModifyRequest) (bool, error) {
	return false, nil
}

// OrderStatus implements Broker.
func (b *PaperBroker) OrderStatus(_ context.Context, id string) (schema.Order, error) {
	order, ok := b.ledger.Get(id)
	if !ok {
		return schema.Order{}, errs.New(PaperVenue, errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("order %s not found", id)),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}
	return order, nil
}

// OpenOrders implements Broker.
func (b *PaperBroker) OpenOrders(context.Context) ([]schema.Order, error) {
	return b.ledger.OpenOrders(), nil
}

// ReconcilePositions implements Broker. The paper venue is its own source of
// truth so this returns the current open positions.
func (b *PaperBroker) ReconcilePositions(ctx context.Context, _ []string) (map[string]schema.Position, error) {
	return b.Positions(ctx)
}

// UpdateMarketPrices implements Broker.
func (b *PaperBroker) UpdateMarketPrices(prices map[string]decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for symbol, price := range prices {
		if price.IsPositive() {
			b.lastPrices[symbol] = price
		}
	}
}

// HealthCheck implements Broker. The venue is healthy when the account is readable.
func (b *PaperBroker) HealthCheck(ctx context.Context) error {
	_, err := b.Account(ctx)
	return err
}

// LiquidateAll submits market orders flattening every open position. Failures
// are logged and joined; the remaining positions are still attempted.
func (b *PaperBroker) LiquidateAll(ctx context.Context) ([]schema.Order, error) {
	positions, _ := b.Positions(ctx)
	orders := make([]schema.Order, 0, len(positions))
	var failures []error
	for symbol, pos := range positions {
		side := schema.OrderSideSell
		if pos.IsShort() {
			side = schema.OrderSideBuyToCover
		}
		order := schema.NewMarketOrder(uuid.NewString(), symbol, side, pos.Quantity.Abs(), decimal.Zero, b.clock.Now())
		filled, err := b.SubmitOrder(ctx, order)
		if err != nil {
			b.logger.WithError(err).WithField("symbol", symbol).Error("liquidation failed")
			failures = append(failures, err)
			continue
		}
		orders = append(orders, filled)
	}
	return orders, errors.Join(failures...)
}

// TradeHistory lists every filled order in submission order.
func (b *PaperBroker) TradeHistory() []schema.Order {
	return b.ledger.Filled()
}

func (b *PaperBroker) fillPriceLocked(order schema.Order) (decimal.Decimal, bool) {
	reference := decimal.Zero
	if order.Type == schema.OrderTypeLimit && order.Price.IsPositive() {
		reference = order.Price
	} else if price, ok := b.lastPrices[order.Symbol]; ok {
		reference = price
	}
	if !reference.IsPositive() {
		return decimal.Zero, false
	}
	return b.slippage.Adjust(order.Side, reference), true
}

func (b *PaperBroker) rejectLocked(order schema.Order, reason string, now time.Time, cause error) (schema.Order, error) {
	_ = order.Reject(reason, now)
	b.ledger.Update(order)
	b.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"symbol":   order.Symbol,
	}).Warnf("order rejected: %s", reason)
	return order, cause
}

// executePartialFillsLocked splits the order into up to three fills with a
// small price dispersion around fillPrice. The last fill takes the exact remainder.
func (b *PaperBroker) executePartialFillsLocked(ctx context.Context, order *schema.Order, fillPrice decimal.Decimal) error {
	n := order.Quantity.Div(decimal.NewFromInt(partialFillLot)).IntPart() + 1
	if n > maxPartialFills {
		n = maxPartialFills
	}
	half := decimal.NewFromInt(n).Div(decimal.NewFromInt(2))
	remaining := order.Quantity
	for i := int64(0); i < n; i++ {
		qty := remaining
		if i < n-1 {
			qty = remaining.Div(decimal.NewFromInt(n - i))
		}
		offset := decimal.NewFromInt(i).Sub(half)
		price := decimal.Max(MinFillPrice, fillPrice.Add(fillPrice.Mul(partialFillDispersion).Mul(offset)))
		if err := b.applyFillLocked(order, qty, price); err != nil {
			return err
		}
		remaining = remaining.Sub(qty)
		if i < n-1 {
			if err := b.waitLatency(ctx); err != nil {
				return errs.Network(PaperVenue, "partial fill interrupted", errs.WithCause(err))
			}
		}
	}
	return nil
}

// applyFillLocked records a fill on the order and settles it against the
// position and cash in one step.
func (b *PaperBroker) applyFillLocked(order *schema.Order, qty, price decimal.Decimal) error {
	fill := schema.OrderFill{
		FillID:     "FILL_" + shortID(8),
		Timestamp:  b.clock.Now(),
		Quantity:   qty,
		Price:      price,
		Commission: b.commission.Commission(qty, price),
		Fees:       decimal.Zero,
	}
	if err := order.AddFill(fill); err != nil {
		return errs.New(PaperVenue, errs.CodeInternal, errs.WithMessage("apply fill"), errs.WithCause(err))
	}

	signed := qty.Mul(order.Side.Sign())
	pos, ok := b.positions[order.Symbol]
	if !ok {
		pos = schema.Position{Symbol: order.Symbol}
	}
	pos.Apply(signed, price)
	if pos.IsFlat() {
		delete(b.positions, order.Symbol)
	} else {
		b.positions[order.Symbol] = pos
	}
	b.cash = b.cash.Sub(signed.Mul(price).Add(fill.Commission))
	return nil
}

func (b *PaperBroker) waitLatency(ctx context.Context) error {
	if b.fillLatency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.fillLatency):
		return nil
	}
}

func (b *PaperBroker) openPositionsLocked() map[string]schema.Position {
	out := make(map[string]schema.Position, len(b.positions))
	for symbol, pos := range b.positions {
		if !pos.IsFlat() {
			out[symbol] = pos
		}
	}
	return out
}

func notConnected() error {
	return errs.Network(PaperVenue, "broker not connected", errs.WithCanonicalCode(errs.CanonicalNotConnected))
}

func shortID(n int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:n])
}

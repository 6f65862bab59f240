package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/broker"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/strategy"
)

type fakeFeed struct {
	candles   map[string][]schema.Candle
	batches   []map[string]schema.Tick
	streamErr error

	connects atomic.Int32
	closes   atomic.Int32
}

func (f *fakeFeed) Connect(context.Context) error {
	f.connects.Add(1)
	return nil
}

func (f *fakeFeed) Close(context.Context) error {
	f.closes.Add(1)
	return nil
}

func (f *fakeFeed) Historical(_ context.Context, symbol string, _, _ time.Time, _ string) ([]schema.Candle, error) {
	return f.candles[symbol], nil
}

func (f *fakeFeed) Stream(ctx context.Context, _ []string) iter.Seq2[map[string]schema.Tick, error] {
	return func(yield func(map[string]schema.Tick, error) bool) {
		for _, batch := range f.batches {
			if ctx.Err() != nil || !yield(batch, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(nil, f.streamErr)
		}
	}
}

// fakeBroker fills every order at its reference price unless submit says otherwise.
type fakeBroker struct {
	mu          sync.Mutex
	cash        decimal.Decimal
	positions   map[string]schema.Position
	submit      func(attempt int, order schema.Order) (schema.Order, error)
	submissions []schema.Order
	connectErr  error

	closes atomic.Int32
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{cash: d("100000"), positions: map[string]schema.Position{}}
}

func (b *fakeBroker) Connect(context.Context) error { return b.connectErr }

func (b *fakeBroker) Close(context.Context) error {
	b.closes.Add(1)
	return nil
}

func (b *fakeBroker) Account(ctx context.Context) (schema.Account, error) {
	cash, _ := b.Balance(ctx)
	return schema.Account{AccountID: "fake", Cash: cash, BuyingPower: cash, Equity: cash, DayTradesRemaining: -1}, nil
}

func (b *fakeBroker) Balance(context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash, nil
}

func (b *fakeBroker) Positions(context.Context) (map[string]schema.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]schema.Position, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBroker) Position(_ context.Context, symbol string) (schema.Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	return pos, ok, nil
}

func (b *fakeBroker) SubmitOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	b.mu.Lock()
	b.submissions = append(b.submissions, order)
	attempt := len(b.submissions)
	b.mu.Unlock()
	if b.submit != nil {
		return b.submit(attempt, order)
	}
	order.Status = schema.OrderStatusFilled
	return order, nil
}

func (b *fakeBroker) CancelOrder(context.Context, string) (bool, error) { return false, nil }

func (b *fakeBroker) ModifyOrder(context.Context, string, broker.ModifyRequest) (bool, error) {
	return false, nil
}

func (b *fakeBroker) OrderStatus(context.Context, string) (schema.Order, error) {
	return schema.Order{}, errors.New("unknown order")
}

func (b *fakeBroker) OpenOrders(context.Context) ([]schema.Order, error) { return nil, nil }

func (b *fakeBroker) ReconcilePositions(ctx context.Context, _ []string) (map[string]schema.Position, error) {
	return b.Positions(ctx)
}

func (b *fakeBroker) UpdateMarketPrices(map[string]decimal.Decimal) {}

func (b *fakeBroker) HealthCheck(context.Context) error { return nil }

func (b *fakeBroker) submitted() []schema.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schema.Order(nil), b.submissions...)
}

type riskFunc func(sig schema.Signal) (schema.Signal, bool)

func (f riskFunc) ValidateSignal(sig schema.Signal, _ schema.PortfolioState, _ schema.MarketState) (schema.Signal, bool) {
	return f(sig)
}

var approveAll = riskFunc(func(sig schema.Signal) (schema.Signal, bool) { return sig, true })

// scriptedStrategy delegates OnBar to bar, which receives the 1-based call number.
type scriptedStrategy struct {
	bar      func(call int, market schema.MarketState) ([]schema.Signal, error)
	startErr error

	starts int
	bars   int
	ends   int
	params strategy.Params
	seen   []schema.MarketState
}

func (s *scriptedStrategy) OnStart(params strategy.Params, _ logrus.FieldLogger) error {
	s.starts++
	s.params = params
	return s.startErr
}

func (s *scriptedStrategy) OnBar(market schema.MarketState, _ schema.PortfolioState) ([]schema.Signal, error) {
	s.bars++
	s.seen = append(s.seen, market)
	if s.bar == nil {
		return nil, nil
	}
	return s.bar(s.bars, market)
}

func (s *scriptedStrategy) OnEnd() { s.ends++ }

func buy(symbol, qty string) schema.Signal {
	return schema.Signal{Symbol: symbol, Action: schema.ActionOpenLong, Quantity: d(qty), Confidence: 1}
}

// everyBar emits sig on each call.
func everyBar(sig schema.Signal) func(int, schema.MarketState) ([]schema.Signal, error) {
	return func(int, schema.MarketState) ([]schema.Signal, error) { return []schema.Signal{sig}, nil }
}

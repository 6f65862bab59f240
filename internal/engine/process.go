package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/telemetry"
)

const (
	tripConsecutiveErrors = "consecutive_errors"
	tripInsufficientFunds = "insufficient_funds"
)

// processIteration runs one bar. Any error aborts the bar and counts toward the breaker.
func (e *Engine) processIteration(ctx context.Context, history map[string][]schema.Candle, prices map[string]decimal.Decimal, ticks map[string]schema.Tick) {
	started := time.Now()
	err := e.iterate(ctx, history, prices, ticks)
	e.metrics.RecordIteration(ctx, time.Since(started), err)
	if err == nil || ctx.Err() != nil {
		return
	}
	e.logger.WithError(err).Error("error in engine iteration")
	e.recordFailure(ctx)
}

func (e *Engine) iterate(ctx context.Context, history map[string][]schema.Candle, prices map[string]decimal.Decimal, ticks map[string]schema.Tick) error {
	e.broker.UpdateMarketPrices(prices)

	market := schema.MarketState{
		Candles: make(map[string][]schema.Candle, len(history)),
		Ticks:   make(map[string]schema.Tick, len(ticks)),
	}
	for symbol, series := range history {
		market.Candles[symbol] = append([]schema.Candle(nil), series...)
	}
	for symbol, tick := range ticks {
		market.Ticks[symbol] = tick
	}

	signals := e.drainInbox()
	var (
		produced []schema.Signal
		barErr   error
	)
	if recovered := panics.Try(func() {
		produced, barErr = e.strategy.OnBar(market, e.Portfolio())
	}); recovered != nil {
		return fmt.Errorf("strategy panic: %w", recovered.AsError())
	}
	if barErr != nil {
		return fmt.Errorf("strategy: %w", barErr)
	}
	signals = append(signals, produced...)

	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.processSignal(ctx, sig, market, prices)
	}
	if err := e.refreshPortfolio(ctx); err != nil {
		return err
	}
	e.tally.mark(e.Portfolio().Equity(prices))
	return nil
}

func (e *Engine) drainInbox() []schema.Signal {
	var out []schema.Signal
	for {
		select {
		case sig := <-e.inbox:
			out = append(out, sig)
		default:
			return out
		}
	}
}

// processSignal gates, converts and submits one signal, mapping failures onto
// their disposition.
func (e *Engine) processSignal(ctx context.Context, sig schema.Signal, market schema.MarketState, prices map[string]decimal.Decimal) {
	log := e.logger.WithFields(logrus.Fields{"symbol": sig.Symbol, "action": string(sig.Action)})

	approved, ok := e.risk.ValidateSignal(sig, e.Portfolio(), market)
	if !ok {
		e.metrics.RecordSignal(ctx, telemetry.ResultRejected)
		log.Debug("signal rejected by risk manager")
		return
	}
	order, ok := e.signalToOrder(approved, prices, log)
	if !ok {
		e.metrics.RecordSignal(ctx, telemetry.ResultDropped)
		return
	}
	e.metrics.RecordSignal(ctx, telemetry.ResultApproved)

	result, err := e.submitWithRetry(ctx, order, log)
	if err == nil {
		e.consecutiveErrors.Store(0)
		e.tally.recordOrder(result)
		e.metrics.RecordOrder(ctx, string(order.Side), string(result.Status))
		log.WithFields(logrus.Fields{
			"order_id": result.ID,
			"status":   string(result.Status),
			"quantity": result.Quantity.String(),
		}).Info("submitted order")
		return
	}
	e.tally.recordFailedOrder()
	e.metrics.RecordOrder(ctx, string(order.Side), telemetry.ResultFailed)
	if ctx.Err() != nil {
		return
	}

	switch errs.Classify(err) {
	case errs.DispositionDrop:
		log.WithError(err).Warn("order rejected")
	case errs.DispositionHalt:
		log.WithError(err).Error("insufficient funds")
		e.trip(ctx, tripInsufficientFunds)
	case errs.DispositionThrottle:
		wait, _ := errs.RetryAfter(err)
		log.WithField("retry_after", wait.String()).Warn("rate limited")
		if wait > 0 {
			_ = e.sleep(ctx, wait)
		}
	default:
		log.WithError(err).Error("error processing signal")
		e.recordFailure(ctx)
	}
}

func (e *Engine) signalToOrder(sig schema.Signal, prices map[string]decimal.Decimal, log logrus.FieldLogger) (schema.Order, bool) {
	price, ok := prices[sig.Symbol]
	if !ok {
		log.Warn("no price available for symbol")
		return schema.Order{}, false
	}
	side, ok := sig.Action.OrderSide()
	if !ok {
		log.Warn("unsupported signal action")
		return schema.Order{}, false
	}
	return schema.NewMarketOrder(uuid.NewString(), sig.Symbol, side, sig.Quantity, price, e.clock.Now()), true
}

// submitWithRetry resubmits only on connectivity failures, waiting out the
// back-off policy between attempts.
func (e *Engine) submitWithRetry(ctx context.Context, order schema.Order, log logrus.FieldLogger) (schema.Order, error) {
	policy := e.newBackOff()
	policy.Reset()
	for attempt := 1; ; attempt++ {
		result, err := e.broker.SubmitOrder(ctx, order)
		if err == nil {
			return result, nil
		}
		if errs.Classify(err) != errs.DispositionRetry || attempt >= e.maxRetries {
			return result, err
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return result, err
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("connection error, retrying order")
		e.metrics.RecordRetry(ctx)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return result, sleepErr
		}
	}
}

func (e *Engine) refreshPortfolio(ctx context.Context) error {
	cash, err := e.broker.Balance(ctx)
	if err != nil {
		return fmt.Errorf("refresh balance: %w", err)
	}
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}
	open, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("refresh open orders: %w", err)
	}
	snapshot := schema.NewPortfolioState(cash)
	for symbol, pos := range positions {
		snapshot.Positions[symbol] = pos
	}
	for _, order := range open {
		snapshot.PendingOrders[order.ID] = order
	}
	e.publish(snapshot)
	return nil
}

func (e *Engine) recordFailure(ctx context.Context) {
	if n := int(e.consecutiveErrors.Add(1)); n >= e.maxConsecutiveErrors {
		e.trip(ctx, tripConsecutiveErrors)
	}
}

func (e *Engine) trip(ctx context.Context, reason string) {
	if !e.tripped.CompareAndSwap(false, true) {
		return
	}
	e.metrics.RecordBreakerTrip(ctx, reason)
	e.logger.WithFields(logrus.Fields{
		"reason":             reason,
		"consecutive_errors": e.consecutiveErrors.Load(),
	}).Error("engine circuit breaker tripped")
}

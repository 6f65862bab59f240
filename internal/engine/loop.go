package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Run executes one session: connect, reconcile, start the strategy, then drive
// the backtest or streaming loop. The feed and broker are closed and the
// strategy's OnEnd is called on every exit path. Startup failures are
// returned after cleanup; a cancelled ctx is a normal stop.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.New("engine: already started")
	}
	e.logger.WithField("symbols", e.cfg.Symbols).Info("starting trading engine")
	defer func() {
		e.shutdown(ctx)
		e.state.Store(int32(StateStopped))
		if err != nil {
			e.logger.WithError(err).Error("fatal error in trading engine")
		}
		e.logger.Info("engine finished execution")
	}()

	if err := e.start(ctx); err != nil {
		return err
	}
	if e.cfg.Mode == ModeBacktest {
		err = e.runBacktest(ctx)
	} else {
		err = e.runStreaming(ctx)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.feed.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	positions, err := e.broker.ReconcilePositions(ctx, e.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}
	e.logger.WithField("positions", len(positions)).Info("positions reconciled")
	if err := e.refreshPortfolio(ctx); err != nil {
		return fmt.Errorf("initial portfolio: %w", err)
	}
	var startErr error
	if recovered := panics.Try(func() {
		startErr = e.strategy.OnStart(e.cfg.StrategyParams.Clone(), e.logger.WithField("component", "strategy"))
	}); recovered != nil {
		startErr = recovered.AsError()
	}
	if startErr != nil {
		return fmt.Errorf("start strategy: %w", startErr)
	}
	return nil
}

func (e *Engine) shutdown(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.closeTimeout)
	defer cancel()

	p := pool.New().WithErrors()
	p.Go(func() error {
		if err := e.feed.Close(closeCtx); err != nil {
			return fmt.Errorf("close feed: %w", err)
		}
		return nil
	})
	p.Go(func() error {
		if err := e.broker.Close(closeCtx); err != nil {
			return fmt.Errorf("close broker: %w", err)
		}
		return nil
	})
	if err := p.Wait(); err != nil {
		e.logger.WithError(err).Error("engine shutdown")
	}
	if recovered := panics.Try(e.strategy.OnEnd); recovered != nil {
		e.logger.WithError(recovered.AsError()).Error("strategy OnEnd panicked")
	}
}

// proceed is the loop-boundary check for the breaker, Stop and ctx.
func (e *Engine) proceed(ctx context.Context) bool {
	switch {
	case e.tripped.Load():
		e.logger.Warn("circuit breaker tripped, stopping trading")
		return false
	case e.stopRequested.Load():
		e.logger.Info("stop requested")
		return false
	case ctx.Err() != nil:
		return false
	default:
		return true
	}
}

func (e *Engine) runBacktest(ctx context.Context) error {
	end := e.cfg.BacktestEnd
	if end.IsZero() {
		end = e.clock.Now()
	}
	start := e.cfg.BacktestStart
	if start.IsZero() {
		start = end.Add(-e.lookback)
	}

	series := make(map[string][]schema.Candle, len(e.cfg.Symbols))
	longest := 0
	for _, symbol := range e.cfg.Symbols {
		candles, err := e.feed.Historical(ctx, symbol, start, end, e.cfg.Timeframe)
		if err != nil {
			return fmt.Errorf("historical %s: %w", symbol, err)
		}
		series[symbol] = candles
		longest = max(longest, len(candles))
	}
	e.logger.WithFields(logrus.Fields{"bars": longest, "start": start, "end": end}).Info("backtest loaded")

	history := make(map[string][]schema.Candle, len(series))
	processed := 0
	for index := 0; index < longest; index++ {
		if !e.proceed(ctx) {
			break
		}
		prices := make(map[string]decimal.Decimal, len(series))
		for symbol, candles := range series {
			if index >= len(candles) {
				continue
			}
			history[symbol] = candles[:index+1]
			prices[symbol] = candles[index].Close
		}
		if len(prices) == 0 {
			continue
		}
		e.processIteration(ctx, history, prices, nil)
		processed++
		if e.cfg.Iterations > 0 && processed >= e.cfg.Iterations {
			break
		}
	}
	return ctx.Err()
}

func (e *Engine) runStreaming(ctx context.Context) error {
	history := make(map[string][]schema.Candle, len(e.cfg.Symbols))
	processed := 0
	for ticks, err := range e.feed.Stream(ctx, e.cfg.Symbols) {
		if err != nil {
			return fmt.Errorf("market stream: %w", err)
		}
		if !e.proceed(ctx) {
			break
		}
		now := e.clock.Now()
		prices := make(map[string]decimal.Decimal, len(ticks))
		for symbol, tick := range ticks {
			ts := tick.Timestamp
			if ts.IsZero() {
				ts = now
			}
			history[symbol] = e.appendBounded(history[symbol], schema.CandleFromTick(symbol, tick.Price, ts))
			prices[symbol] = tick.Price
		}
		e.processIteration(ctx, history, prices, ticks)
		processed++
		if e.cfg.Iterations > 0 && processed >= e.cfg.Iterations {
			break
		}
	}
	return ctx.Err()
}

func (e *Engine) appendBounded(series []schema.Candle, candle schema.Candle) []schema.Candle {
	series = append(series, candle)
	if over := len(series) - e.historyLength; over > 0 {
		series = append(series[:0:0], series[over:]...)
	}
	return series
}

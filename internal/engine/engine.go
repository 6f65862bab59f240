// Package engine runs the trading loop: market data in, strategy signals through
// the risk gate, orders out to the broker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/broker"
	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/feed"
	"github.com/coachpo/autotrader/internal/risk"
	"github.com/coachpo/autotrader/internal/strategy"
	"github.com/coachpo/autotrader/internal/telemetry"
)

// Venue labels errors raised by the engine itself.
const Venue = "engine"

// Mode selects how the engine is driven.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBacktest, ModePaper, ModeLive:
		return true
	default:
		return false
	}
}

// State is the engine lifecycle stage.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config describes one engine session.
type Config struct {
	Mode      Mode
	Symbols   []string
	Timeframe string
	// Iterations caps processed iterations. Zero runs until the data ends.
	Iterations     int
	StrategyParams strategy.Params
	// BacktestStart and BacktestEnd bound the historical window. Zero values
	// default to a lookback window ending now.
	BacktestStart time.Time
	BacktestEnd   time.Time
}

// Defaults.
const (
	DefaultMaxConsecutiveErrors = 5
	DefaultMaxRetries           = 3
	DefaultHistoryLength        = 500
	DefaultLookback             = 200 * time.Minute
	DefaultInboxSize            = 256
	DefaultCloseTimeout         = 10 * time.Second
)

// Option customises an engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records loop telemetry.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the clock used for order timestamps and the backtest window.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrReal(c) }
}

// WithBackOff sets the policy between order submission retries.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(e *Engine) {
		if factory != nil {
			e.newBackOff = factory
		}
	}
}

// WithSleep replaces the context-aware sleep used for retry and throttle waits.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithMaxConsecutiveErrors sets the engine breaker threshold.
func WithMaxConsecutiveErrors(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConsecutiveErrors = n
		}
	}
}

// WithMaxRetries sets the number of submission attempts per order.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithHistoryLength bounds the rolling candle history per symbol in the
// streaming modes. Backtest history grows with the replay.
func WithHistoryLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLength = n
		}
	}
}

// WithLookback sets the default backtest window.
func WithLookback(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lookback = d
		}
	}
}

// WithInboxSize sets the capacity of the external signal inbox.
func WithInboxSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.inboxSize = n
		}
	}
}

// WithCloseTimeout bounds feed and broker shutdown.
func WithCloseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.closeTimeout = d
		}
	}
}

// Engine coordinates data ingestion, strategy execution and order routing.
// Run drives everything from one goroutine; the exported accessors are safe
// to call concurrently with it.
type Engine struct {
	cfg      Config
	feed     feed.Feed
	broker   broker.Broker
	strategy strategy.Strategy
	risk     risk.Manager

	logger     logrus.FieldLogger
	metrics    *telemetry.EngineMetrics
	clock      clock.Clock
	newBackOff func() backoff.BackOff
	sleep      func(context.Context, time.Duration) error

	maxConsecutiveErrors int
	maxRetries           int
	historyLength        int
	lookback             time.Duration
	inboxSize            int
	closeTimeout         time.Duration

	inbox             chan schema.Signal
	state             atomic.Int32
	tripped           atomic.Bool
	stopRequested     atomic.Bool
	consecutiveErrors atomic.Int32

	mu        sync.RWMutex
	portfolio schema.PortfolioState
	tally     *tally
}

// New validates the session configuration and wires the collaborators.
func New(cfg Config, f feed.Feed, b broker.Broker, s strategy.Strategy, rm risk.Manager, opts ...Option) (*Engine, error) {
	if f == nil || b == nil || s == nil || rm == nil {
		return nil, errors.New("engine: feed, broker, strategy and risk manager are required")
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("engine: unknown mode %q", cfg.Mode)
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		if trimmed := strings.ToUpper(strings.TrimSpace(symbol)); trimmed != "" {
			symbols = append(symbols, trimmed)
		}
	}
	if len(symbols) == 0 {
		return nil, errors.New("engine: at least one symbol is required")
	}
	if cfg.Iterations < 0 {
		return nil, errors.New("engine: iterations must not be negative")
	}
	cfg.Symbols = symbols
	if cfg.Timeframe == "" {
		cfg.Timeframe = feed.DefaultTimeframe
	}

	e := &Engine{
		cfg:                  cfg,
		feed:                 f,
		broker:               b,
		strategy:             s,
		risk:                 rm,
		clock:                clock.Real{},
		newBackOff:           defaultBackOff,
		sleep:                sleepContext,
		maxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		maxRetries:           DefaultMaxRetries,
		historyLength:        DefaultHistoryLength,
		lookback:             DefaultLookback,
		inboxSize:            DefaultInboxSize,
		closeTimeout:         DefaultCloseTimeout,
		portfolio:            schema.NewPortfolioState(decimal.Zero),
		tally:                newTally(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger().WithField("component", "engine")
	}
	e.logger = e.logger.WithField("mode", string(cfg.Mode))
	e.inbox = make(chan schema.Signal, e.inboxSize)
	return e, nil
}

// State reports the lifecycle stage.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Tripped reports whether the engine circuit breaker is set.
func (e *Engine) Tripped() bool {
	return e.tripped.Load()
}

// ConsecutiveErrors reports the current failure streak.
func (e *Engine) ConsecutiveErrors() int {
	return int(e.consecutiveErrors.Load())
}

// ResetBreaker clears the engine breaker and the failure streak. It is the
// external intervention the breaker waits for; a stopped loop is not restarted.
func (e *Engine) ResetBreaker() {
	e.consecutiveErrors.Store(0)
	if e.tripped.CompareAndSwap(true, false) {
		e.logger.Warn("engine circuit breaker reset")
	}
}

// Stop asks the loop to exit at the next iteration boundary.
func (e *Engine) Stop() {
	e.stopRequested.Store(true)
}

// Portfolio returns a copy of the latest snapshot refreshed from the broker.
func (e *Engine) Portfolio() schema.PortfolioState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.portfolio.Clone()
}

// Report returns the session tally so far. Iterations counts the
// iterations that completed and were marked to market.
func (e *Engine) Report() Report {
	return e.tally.snapshot()
}

// Submit queues an externally produced signal for the next iteration. Queued
// signals run ahead of the strategy's own, in arrival order.
func (e *Engine) Submit(sig schema.Signal) error {
	if e.State() == StateStopped {
		return errs.New(Venue, errs.CodeUnavailable, errs.WithMessage("engine stopped"))
	}
	select {
	case e.inbox <- sig:
		return nil
	default:
		return errs.New(Venue, errs.CodeUnavailable, errs.WithMessage("signal inbox full"))
	}
}

func (e *Engine) publish(p schema.PortfolioState) {
	e.mu.Lock()
	e.portfolio = p
	e.mu.Unlock()
}

func defaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 4 * time.Second
	policy.Reset()
	return policy
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package risk gates strategy signals before they become orders.
package risk

import (
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Manager approves, resizes or rejects strategy signals.
//
// ValidateSignal returns the signal to execute, which may be a resized copy of
// the input, and false when the signal must be dropped. A rejection is a
// business outcome and never an error.
type Manager interface {
	ValidateSignal(signal schema.Signal, portfolio schema.PortfolioState, market schema.MarketState) (schema.Signal, bool)
}

// Reason names the policy that decided a signal.
type Reason string

const (
	ReasonApproved         Reason = "approved"
	ReasonInvalidQuantity  Reason = "invalid_quantity"
	ReasonPatternDayTrader Reason = "pattern_day_trader"
	ReasonCircuitBreaker   Reason = "circuit_breaker"
	ReasonMaxDrawdown      Reason = "max_drawdown"
	ReasonDailyLoss        Reason = "daily_loss"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonOpenPositions    Reason = "max_open_positions"
	ReasonTotalExposure    Reason = "total_exposure"
	ReasonPositionSize     Reason = "position_size"
)

// MetaResizeReason is the metadata key naming the policy that resized a signal.
const MetaResizeReason = "resize_reason"

// Decision is the outcome of evaluating one signal.
type Decision struct {
	Signal   schema.Signal
	Approved bool
	Reason   Reason
}

func approve(sig schema.Signal) Decision {
	return Decision{Signal: sig, Approved: true, Reason: ReasonApproved}
}

func reject(sig schema.Signal, reason Reason) Decision {
	return Decision{Signal: sig, Approved: false, Reason: reason}
}

type options struct {
	clock  clock.Clock
	logger logrus.FieldLogger
}

// Option customises a risk manager.
type Option func(*options)

// WithClock sets the time source for windows and resets.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		clock:  clock.Real{},
		logger: logrus.StandardLogger().WithField("component", component),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

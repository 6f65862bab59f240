package risk

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// BasicLimits configures the Basic manager. Non-positive limits are disabled.
type BasicLimits struct {
	MaxPositionSize decimal.Decimal
	MaxDailyLoss    decimal.Decimal
	StartingCash    decimal.Decimal
}

// Basic enforces a per-symbol position cap and a loss limit measured from starting cash.
type Basic struct {
	limits BasicLimits
	logger logrus.FieldLogger
}

// NewBasic creates a Basic manager.
func NewBasic(limits BasicLimits, opts ...Option) *Basic {
	o := buildOptions("risk_basic", opts)
	return &Basic{limits: limits, logger: o.logger}
}

// ValidateSignal implements Manager.
func (b *Basic) ValidateSignal(sig schema.Signal, portfolio schema.PortfolioState, _ schema.MarketState) (schema.Signal, bool) {
	d := b.Evaluate(sig, portfolio)
	if !d.Approved {
		b.logger.WithFields(logrus.Fields{"symbol": sig.Symbol, "reason": d.Reason}).Warn("signal rejected")
	}
	return d.Signal, d.Approved
}

// Evaluate runs the basic policies and reports the outcome.
func (b *Basic) Evaluate(sig schema.Signal, portfolio schema.PortfolioState) Decision {
	if sig.IsClosing() {
		return approve(sig)
	}
	if b.limits.MaxDailyLoss.IsPositive() {
		loss := b.limits.StartingCash.Sub(portfolio.Cash)
		if loss.GreaterThanOrEqual(b.limits.MaxDailyLoss) {
			return reject(sig, ReasonDailyLoss)
		}
	}
	return capPositionSize(sig, portfolio, b.limits.MaxPositionSize)
}

// capPositionSize resizes sig so the symbol's absolute position stays within limit.
func capPositionSize(sig schema.Signal, portfolio schema.PortfolioState, limit decimal.Decimal) Decision {
	if !limit.IsPositive() {
		return approve(sig)
	}
	desired := sig.Quantity.Abs()
	if !desired.IsPositive() {
		return approve(sig)
	}
	current := portfolio.Positions[sig.Symbol].Quantity.Abs()
	if current.GreaterThanOrEqual(limit) {
		return reject(sig, ReasonPositionSize)
	}
	remaining := limit.Sub(current)
	if desired.LessThanOrEqual(remaining) {
		return approve(sig)
	}
	return approve(sig.Resized(remaining, map[string]any{MetaResizeReason: string(ReasonPositionSize)}))
}

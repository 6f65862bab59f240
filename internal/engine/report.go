package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Report summarises a session's order flow and marked equity.
// It is an end-of-session tally, not a performance series.
type Report struct {
	Iterations     int
	TotalOrders    int
	FilledOrders   int
	FailedOrders   int
	TotalVolume    decimal.Decimal
	Fees           decimal.Decimal
	StartingEquity decimal.Decimal
	Equity         decimal.Decimal
}

// NetPnL is the change in marked equity since the first mark. Fees are
// already reflected in the broker's cash.
func (r Report) NetPnL() decimal.Decimal {
	return r.Equity.Sub(r.StartingEquity)
}

type tally struct {
	mu     sync.Mutex
	report Report
	marked bool
}

func newTally() *tally {
	return &tally{report: Report{
		TotalVolume:    decimal.Zero,
		Fees:           decimal.Zero,
		StartingEquity: decimal.Zero,
		Equity:         decimal.Zero,
	}}
}

func (t *tally) snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

func (t *tally) recordOrder(order schema.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.TotalOrders++
	filled := order.FilledQuantity()
	if !filled.IsPositive() {
		return
	}
	t.report.FilledOrders++
	t.report.TotalVolume = t.report.TotalVolume.Add(filled)
	t.report.Fees = t.report.Fees.Add(order.TotalCommission())
}

func (t *tally) recordFailedOrder() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.TotalOrders++
	t.report.FailedOrders++
}

// mark closes an iteration at equity. The first mark fixes StartingEquity.
func (t *tally) mark(equity decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Iterations++
	if !t.marked {
		t.marked = true
		t.report.StartingEquity = equity
	}
	t.report.Equity = equity
}

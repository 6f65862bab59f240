package risk

import "time"

const (
	orderRetention    = time.Hour
	rateWindow        = time.Minute
	dayTradeRetention = 5 * 24 * time.Hour
)

// TradeActivity tracks the order flow of one symbol for rate limiting and
// day-trade accounting. Timestamps are pruned to their window on every write and read.
type TradeActivity struct {
	orders    []time.Time
	dayTrades []time.Time
	lastEntry time.Time
}

// AddOrder records an approved order and marks it as the latest entry.
func (a *TradeActivity) AddOrder(ts time.Time) {
	a.orders = append(a.orders, ts)
	a.orders = pruneBefore(a.orders, ts.Add(-orderRetention))
	a.lastEntry = ts
}

// AddDayTrade records a same-day round trip.
func (a *TradeActivity) AddDayTrade(ts time.Time) {
	a.dayTrades = append(a.dayTrades, ts)
	a.dayTrades = pruneBefore(a.dayTrades, ts.Add(-dayTradeRetention))
}

// OrdersInLastMinute counts orders recorded within a minute of now.
func (a *TradeActivity) OrdersInLastMinute(now time.Time) int {
	a.orders = pruneBefore(a.orders, now.Add(-orderRetention))
	cutoff := now.Add(-rateWindow)
	n := 0
	for _, ts := range a.orders {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// DayTrades counts day trades within the rolling five-day window ending at now.
func (a *TradeActivity) DayTrades(now time.Time) int {
	a.dayTrades = pruneBefore(a.dayTrades, now.Add(-dayTradeRetention))
	return len(a.dayTrades)
}

// LastEntry returns the time of the latest recorded entry.
func (a *TradeActivity) LastEntry() time.Time {
	return a.lastEntry
}

// EnteredOn reports whether the latest entry falls on the same UTC date as day.
func (a *TradeActivity) EnteredOn(day time.Time) bool {
	if a.lastEntry.IsZero() {
		return false
	}
	y1, m1, d1 := a.lastEntry.UTC().Date()
	y2, m2, d2 := day.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// pruneBefore keeps timestamps strictly after cutoff, reusing the backing array.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

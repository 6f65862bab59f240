// Package feed provides market data sources for the trading engine.
package feed

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Feed supplies historical candles and live tick batches.
type Feed interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	// Historical returns candles for symbol within [start, end], oldest first.
	Historical(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]schema.Candle, error)
	// Stream yields one map of ticks per update. A non-nil error ends the stream.
	Stream(ctx context.Context, symbols []string) iter.Seq2[map[string]schema.Tick, error]
}

// DefaultTimeframe is used when a caller passes an empty timeframe.
const DefaultTimeframe = "1m"

// ParseTimeframe converts bar sizes such as "1m", "15m", "1h" or "1d" into a duration.
func ParseTimeframe(timeframe string) (time.Duration, error) {
	tf := strings.ToLower(strings.TrimSpace(timeframe))
	if tf == "" {
		tf = DefaultTimeframe
	}
	unit := tf[len(tf)-1]
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}
}

func notConnected(venue string) error {
	return errs.New(venue, errs.CodeUnavailable,
		errs.WithMessage("feed is not connected, call Connect first"),
		errs.WithCanonicalCode(errs.CanonicalNotConnected))
}

func failed(err error) iter.Seq2[map[string]schema.Tick, error] {
	return func(yield func(map[string]schema.Tick, error) bool) {
		yield(nil, err)
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

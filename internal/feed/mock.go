package feed

import (
	"context"
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// MockVenue labels errors raised by the mock feed.
const MockVenue = "mock"

// Mock is a deterministic random-walk feed for tests, examples and paper sessions.
type Mock struct {
	mu        sync.Mutex
	rng       *rand.Rand
	basePrice float64
	interval  time.Duration
	clock     clock.Clock
	connected atomic.Bool
}

// MockOption configures the mock feed.
type MockOption func(*Mock)

// WithSeed fixes the random sequence.
func WithSeed(seed uint64) MockOption {
	return func(m *Mock) {
		m.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// WithBasePrice sets the starting price of every walk.
func WithBasePrice(price float64) MockOption {
	return func(m *Mock) {
		if price > 0 {
			m.basePrice = price
		}
	}
}

// WithInterval sets the pause between streamed batches. Zero streams without pausing.
func WithInterval(d time.Duration) MockOption {
	return func(m *Mock) {
		if d >= 0 {
			m.interval = d
		}
	}
}

// WithMockClock sets the clock used to timestamp ticks.
func WithMockClock(c clock.Clock) MockOption {
	return func(m *Mock) {
		m.clock = clock.OrReal(c)
	}
}

// NewMock builds a mock feed seeded with 42 and priced from 100.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{
		rng:       rand.New(rand.NewPCG(42, 42)),
		basePrice: 100,
		interval:  500 * time.Millisecond,
		clock:     clock.Real{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Connect implements Feed.
func (m *Mock) Connect(context.Context) error {
	m.connected.Store(true)
	return nil
}

// Close implements Feed and ends any running stream.
func (m *Mock) Close(context.Context) error {
	m.connected.Store(false)
	return nil
}

// Historical walks one candle per timeframe step from start through end.
func (m *Mock) Historical(_ context.Context, symbol string, start, end time.Time, timeframe string) ([]schema.Candle, error) {
	step, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candles []schema.Candle
	price := m.basePrice
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		change := m.uniform(-1, 1)
		open := price
		closePrice := max(1.0, open+change)
		high := max(open, closePrice) + m.rng.Float64()
		low := min(open, closePrice) - m.rng.Float64()
		volume := abs(change)*100 + m.uniform(10, 50)
		candles = append(candles, schema.Candle{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      round(open),
			High:      round(high),
			Low:       round(low),
			Close:     round(closePrice),
			Volume:    round(volume),
		})
		price = closePrice
	}
	return candles, nil
}

// Stream yields one tick per symbol per batch until the feed is closed or ctx ends.
func (m *Mock) Stream(ctx context.Context, symbols []string) iter.Seq2[map[string]schema.Tick, error] {
	if !m.connected.Load() {
		return failed(notConnected(MockVenue))
	}
	return func(yield func(map[string]schema.Tick, error) bool) {
		prices := make(map[string]float64, len(symbols))
		for _, symbol := range symbols {
			prices[symbol] = m.basePrice
		}
		for m.connected.Load() && ctx.Err() == nil {
			now := m.clock.Now()
			batch := make(map[string]schema.Tick, len(symbols))
			m.mu.Lock()
			for _, symbol := range symbols {
				price := max(1.0, prices[symbol]+m.uniform(-0.5, 0.5))
				prices[symbol] = price
				batch[symbol] = schema.Tick{Symbol: symbol, Timestamp: now, Price: round(price), Volume: decimal.Zero}
			}
			m.mu.Unlock()
			if !yield(batch, nil) {
				return
			}
			if !wait(ctx, m.interval) {
				return
			}
		}
	}
}

func (m *Mock) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*m.rng.Float64()
}

func round(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(4)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

package feed

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// CSVVenue labels errors raised by the CSV feed.
const CSVVenue = "csv"

type candleRow struct {
	Timestamp string `csv:"timestamp"`
	Symbol    string `csv:"symbol"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Volume    string `csv:"volume"`
}

// CSV replays candles from a file with a timestamp,symbol,open,high,low,close,volume header.
// Timestamps are RFC 3339 or Unix nanoseconds.
type CSV struct {
	path   string
	source io.Reader

	mu      sync.RWMutex
	candles map[string][]schema.Candle
	loaded  bool
}

// NewCSV builds a feed that loads path on Connect.
func NewCSV(path string) *CSV {
	return &CSV{path: strings.TrimSpace(path)}
}

// NewCSVFromReader builds a feed that loads r on Connect.
func NewCSVFromReader(r io.Reader) *CSV {
	return &CSV{source: r}
}

// Connect loads and indexes the candle file.
func (f *CSV) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return nil
	}
	r := f.source
	if r == nil {
		// #nosec G304 -- file path is operator provided via configuration.
		file, err := os.Open(f.path)
		if err != nil {
			return fmt.Errorf("open csv file: %w", err)
		}
		defer file.Close()
		r = file
	}
	var rows []candleRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return fmt.Errorf("read csv candles: %w", err)
	}
	candles := make(map[string][]schema.Candle)
	for i, row := range rows {
		candle, err := row.candle()
		if err != nil {
			return fmt.Errorf("csv row %d: %w", i+1, err)
		}
		candles[candle.Symbol] = append(candles[candle.Symbol], candle)
	}
	for _, series := range candles {
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Timestamp.Before(series[j].Timestamp)
		})
	}
	f.candles = candles
	f.loaded = true
	return nil
}

// Close implements Feed. Loaded candles stay available for a later Connect.
func (f *CSV) Close(context.Context) error {
	return nil
}

// Historical returns the loaded candles for symbol within [start, end].
// A zero start or end leaves that side of the window open.
func (f *CSV) Historical(_ context.Context, symbol string, start, end time.Time, _ string) ([]schema.Candle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.loaded {
		return nil, notConnected(CSVVenue)
	}
	var out []schema.Candle
	for _, candle := range f.candles[symbol] {
		if !start.IsZero() && candle.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && candle.Timestamp.After(end) {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

// Stream replays candle closes as ticks, one batch per distinct timestamp.
func (f *CSV) Stream(ctx context.Context, symbols []string) iter.Seq2[map[string]schema.Tick, error] {
	f.mu.RLock()
	loaded := f.loaded
	byTime := make(map[time.Time]map[string]schema.Tick)
	for _, symbol := range symbols {
		for _, candle := range f.candles[symbol] {
			batch, ok := byTime[candle.Timestamp]
			if !ok {
				batch = make(map[string]schema.Tick)
				byTime[candle.Timestamp] = batch
			}
			batch[symbol] = schema.Tick{Symbol: symbol, Timestamp: candle.Timestamp, Price: candle.Close, Volume: candle.Volume}
		}
	}
	f.mu.RUnlock()
	if !loaded {
		return failed(notConnected(CSVVenue))
	}

	times := make([]time.Time, 0, len(byTime))
	for ts := range byTime {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	return func(yield func(map[string]schema.Tick, error) bool) {
		for _, ts := range times {
			if ctx.Err() != nil {
				return
			}
			if !yield(byTime[ts], nil) {
				return
			}
		}
	}
}

func (r candleRow) candle() (schema.Candle, error) {
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return schema.Candle{}, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if symbol == "" {
		return schema.Candle{}, fmt.Errorf("symbol required")
	}
	c := schema.Candle{Symbol: symbol, Timestamp: ts}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", r.Open, &c.Open},
		{"high", r.High, &c.High},
		{"low", r.Low, &c.Low},
		{"close", r.Close, &c.Close},
		{"volume", r.Volume, &c.Volume},
	}
	for _, field := range fields {
		raw := strings.TrimSpace(field.raw)
		if raw == "" && field.name == "volume" {
			*field.dst = decimal.Zero
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return schema.Candle{}, fmt.Errorf("parse %s: %w", field.name, err)
		}
		*field.dst = v
	}
	return c, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q", raw)
	}
	return time.Unix(0, nanos).UTC(), nil
}

package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle holds OHLCV data for a fixed interval.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// CandleFromTick folds a single price into a flat candle.
func CandleFromTick(symbol string, price decimal.Decimal, ts time.Time) Candle {
	return Candle{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    decimal.Zero,
	}
}

// Tick is a real-time price update.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
}

// MarketState is the immutable market snapshot handed to strategies.
type MarketState struct {
	Candles map[string][]Candle `json:"candles"`
	Ticks   map[string]Tick     `json:"ticks"`
}

// LatestPrice returns the tick price if present, else the last candle close.
func (m MarketState) LatestPrice(symbol string) (decimal.Decimal, bool) {
	if tick, ok := m.Ticks[symbol]; ok {
		return tick.Price, true
	}
	if series := m.Candles[symbol]; len(series) > 0 {
		return series[len(series)-1].Close, true
	}
	return decimal.Zero, false
}

// Prices resolves LatestPrice for every symbol in symbols.
func (m MarketState) Prices(symbols []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		if price, ok := m.LatestPrice(symbol); ok {
			out[symbol] = price
		}
	}
	return out
}

// Symbols lists every symbol with candles or ticks.
func (m MarketState) Symbols() []string {
	seen := make(map[string]struct{}, len(m.Candles)+len(m.Ticks))
	out := make([]string, 0, len(m.Candles)+len(m.Ticks))
	for symbol := range m.Candles {
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	for symbol := range m.Ticks {
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	return out
}

// Clone copies the candle series and tick maps so the receiver can keep growing.
func (m MarketState) Clone() MarketState {
	cp := MarketState{
		Candles: make(map[string][]Candle, len(m.Candles)),
		Ticks:   make(map[string]Tick, len(m.Ticks)),
	}
	for symbol, series := range m.Candles {
		cp.Candles[symbol] = append([]Candle(nil), series...)
	}
	for symbol, tick := range m.Ticks {
		cp.Ticks[symbol] = tick
	}
	return cp
}

package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// ErrScriptNotStarted reports an OnBar call before OnStart succeeded.
var ErrScriptNotStarted = errors.New("script strategy: not started")

const defaultScriptTimeout = time.Second

// Script hosts a JavaScript strategy. The module assigns callbacks on
// module.exports: onBar(market, portfolio) is required and returns an array of
// {symbol, action, quantity, confidence, meta}; onStart(params) and onEnd() are optional.
type Script struct {
	name    string
	program *goja.Program
	timeout time.Duration

	mu      sync.Mutex
	rt      *goja.Runtime
	exports *goja.Object
	logger  logrus.FieldLogger
}

// ScriptOption configures a script strategy.
type ScriptOption func(*Script)

// WithScriptTimeout bounds a single callback. Zero disables the bound.
func WithScriptTimeout(d time.Duration) ScriptOption {
	return func(s *Script) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

// CompileScript compiles source into a strategy named name.
func CompileScript(name, source string, opts ...ScriptOption) (*Script, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("script strategy: compile %q: %w", name, err)
	}
	s := &Script{
		name:    name,
		program: program,
		timeout: defaultScriptTimeout,
		logger:  defaultLogger(name),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// LoadScript reads and compiles a .js strategy file.
func LoadScript(path string, opts ...ScriptOption) (*Script, error) {
	// #nosec G304 -- strategy path is operator provided via configuration.
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script strategy: read %q: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return CompileScript(name, string(source), opts...)
}

// Name returns the script name.
func (s *Script) Name() string { return s.name }

// OnStart evaluates the module in a fresh runtime and calls onStart(params).
func (s *Script) OnStart(params Params, logger logrus.FieldLogger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	exports, err := s.runModule(rt)
	if err != nil {
		return err
	}
	if fn, ok := goja.AssertFunction(exports.Get("onBar")); !ok || fn == nil {
		return fmt.Errorf("script strategy %s: onBar export missing", s.name)
	}
	s.rt = rt
	s.exports = exports
	if _, err := s.callLocked("onStart", map[string]any(params.Clone())); err != nil {
		s.rt, s.exports = nil, nil
		return err
	}
	return nil
}

// OnBar passes read-only views of market and portfolio to onBar.
func (s *Script) OnBar(market schema.MarketState, portfolio schema.PortfolioState) ([]schema.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return nil, ErrScriptNotStarted
	}
	result, err := s.callLocked("onBar", newMarketView(market), newPortfolioView(portfolio))
	if err != nil {
		return nil, err
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	var raw []scriptSignal
	if err := s.rt.ExportTo(result, &raw); err != nil {
		return nil, fmt.Errorf("script strategy %s: onBar result: %w", s.name, err)
	}
	signals := make([]schema.Signal, 0, len(raw))
	for i, r := range raw {
		sig, err := r.signal()
		if err != nil {
			return nil, fmt.Errorf("script strategy %s: signal %d: %w", s.name, i, err)
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// OnEnd calls onEnd and releases the runtime.
func (s *Script) OnEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return
	}
	if _, err := s.callLocked("onEnd"); err != nil {
		s.logger.WithError(err).Warn("script onEnd failed")
	}
	s.rt, s.exports = nil, nil
}

func (s *Script) runModule(rt *goja.Runtime) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("script strategy %s: module init: %w", s.name, err)
	}
	for name, value := range map[string]any{
		"exports": exports,
		"module":  module,
		"console": s.console(rt),
	} {
		if err := rt.Set(name, value); err != nil {
			return nil, fmt.Errorf("script strategy %s: module init: %w", s.name, err)
		}
	}
	if _, err := s.guard(rt, func() (goja.Value, error) { return rt.RunProgram(s.program) }); err != nil {
		return nil, fmt.Errorf("script strategy %s: module run: %w", s.name, err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("script strategy %s: module exports must be an object", s.name)
	}
	return object, nil
}

func (s *Script) callLocked(function string, args ...any) (goja.Value, error) {
	fn, ok := goja.AssertFunction(s.exports.Get(function))
	if !ok {
		return nil, nil
	}
	params := make([]goja.Value, len(args))
	for i, arg := range args {
		params[i] = s.rt.ToValue(arg)
	}
	value, err := s.guard(s.rt, func() (goja.Value, error) { return fn(goja.Undefined(), params...) })
	if err != nil {
		return nil, fmt.Errorf("script strategy %s: %s: %w", s.name, function, err)
	}
	return value, nil
}

func (s *Script) guard(rt *goja.Runtime, fn func() (goja.Value, error)) (goja.Value, error) {
	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() {
			rt.Interrupt(fmt.Sprintf("callback exceeded %s", s.timeout))
		})
		defer func() {
			timer.Stop()
			rt.ClearInterrupt()
		}()
	}
	return fn()
}

func (s *Script) console(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	bind := func(logf func(args ...any)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			logf(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", bind(func(args ...any) { s.logger.Info(args...) }))
	_ = console.Set("info", bind(func(args ...any) { s.logger.Info(args...) }))
	_ = console.Set("warn", bind(func(args ...any) { s.logger.Warn(args...) }))
	_ = console.Set("error", bind(func(args ...any) { s.logger.Error(args...) }))
	return console
}

type scriptSignal struct {
	Symbol     string         `json:"symbol"`
	Action     string         `json:"action"`
	Quantity   float64        `json:"quantity"`
	Confidence float64        `json:"confidence"`
	Meta       map[string]any `json:"meta"`
}

func (r scriptSignal) signal() (schema.Signal, error) {
	action := schema.SignalAction(strings.ToLower(strings.TrimSpace(r.Action)))
	if _, ok := action.OrderSide(); !ok {
		return schema.Signal{}, fmt.Errorf("unknown action %q", r.Action)
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if symbol == "" {
		return schema.Signal{}, errors.New("symbol required")
	}
	return schema.Signal{
		Symbol:     symbol,
		Action:     action,
		Quantity:   decimal.NewFromFloat(r.Quantity),
		Confidence: r.Confidence,
		Meta:       r.Meta,
	}, nil
}

type candleView struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type tickView struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
}

type marketView struct {
	Symbols []string                `json:"symbols"`
	Candles map[string][]candleView `json:"candles"`
	Ticks   map[string]tickView     `json:"ticks"`
}

type positionView struct {
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avgPrice"`
}

type portfolioView struct {
	Cash      float64                 `json:"cash"`
	Positions map[string]positionView `json:"positions"`
}

func newMarketView(m schema.MarketState) marketView {
	view := marketView{
		Symbols: m.Symbols(),
		Candles: make(map[string][]candleView, len(m.Candles)),
		Ticks:   make(map[string]tickView, len(m.Ticks)),
	}
	sort.Strings(view.Symbols)
	for symbol, series := range m.Candles {
		out := make([]candleView, len(series))
		for i, c := range series {
			out[i] = candleView{
				Timestamp: c.Timestamp.UnixMilli(),
				Open:      c.Open.InexactFloat64(),
				High:      c.High.InexactFloat64(),
				Low:       c.Low.InexactFloat64(),
				Close:     c.Close.InexactFloat64(),
				Volume:    c.Volume.InexactFloat64(),
			}
		}
		view.Candles[symbol] = out
	}
	for symbol, tick := range m.Ticks {
		view.Ticks[symbol] = tickView{
			Timestamp: tick.Timestamp.UnixMilli(),
			Price:     tick.Price.InexactFloat64(),
			Volume:    tick.Volume.InexactFloat64(),
		}
	}
	return view
}

func newPortfolioView(p schema.PortfolioState) portfolioView {
	view := portfolioView{
		Cash:      p.Cash.InexactFloat64(),
		Positions: make(map[string]positionView, len(p.Positions)),
	}
	for symbol, pos := range p.Positions {
		if pos.IsFlat() {
			continue
		}
		view.Positions[symbol] = positionView{
			Quantity: pos.Quantity.InexactFloat64(),
			AvgPrice: pos.AvgPrice.InexactFloat64(),
		}
	}
	return view
}

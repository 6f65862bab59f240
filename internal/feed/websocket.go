package feed

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// WebsocketVenue labels errors raised by the websocket feed.
const WebsocketVenue = "websocket"

const writeTimeout = 5 * time.Second

type subscribeRequest struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type tickMessage struct {
	Ticks []schema.Tick `json:"ticks"`
	Error string        `json:"error,omitempty"`
}

// Websocket streams JSON tick batches from a push endpoint. On connect and on every
// reconnect it sends {"type":"subscribe","symbols":[...]} and then expects frames of
// the form {"ticks":[{"symbol":"AAPL","price":"150.1","timestamp":"..."}]}.
type Websocket struct {
	url           string
	maxReconnects int
	newBackOff    func() backoff.BackOff
	clock         clock.Clock
	logger        logrus.FieldLogger

	mu   sync.Mutex
	conn *websocket.Conn
}

// WebsocketOption configures the websocket feed.
type WebsocketOption func(*Websocket)

// WithMaxReconnects bounds consecutive failed redials before the stream fails.
func WithMaxReconnects(n int) WebsocketOption {
	return func(w *Websocket) {
		if n >= 0 {
			w.maxReconnects = n
		}
	}
}

// WithReconnectBackOff sets the back-off policy used between redials.
func WithReconnectBackOff(factory func() backoff.BackOff) WebsocketOption {
	return func(w *Websocket) {
		if factory != nil {
			w.newBackOff = factory
		}
	}
}

// WithWebsocketClock sets the clock used to stamp ticks that arrive without a timestamp.
func WithWebsocketClock(c clock.Clock) WebsocketOption {
	return func(w *Websocket) {
		w.clock = clock.OrReal(c)
	}
}

// WithWebsocketLogger sets the feed logger.
func WithWebsocketLogger(logger logrus.FieldLogger) WebsocketOption {
	return func(w *Websocket) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWebsocket builds a feed for the ws:// or wss:// endpoint url.
func NewWebsocket(url string, opts ...WebsocketOption) *Websocket {
	w := &Websocket{
		url:           strings.TrimSpace(url),
		maxReconnects: 5,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		clock:  clock.Real{},
		logger: logrus.StandardLogger().WithField("component", "feed.websocket"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Connect dials the endpoint once.
func (w *Websocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

// Close terminates the connection.
func (w *Websocket) Close(context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	return nil
}

// Historical is not served by a push-only endpoint.
func (w *Websocket) Historical(context.Context, string, time.Time, time.Time, string) ([]schema.Candle, error) {
	return nil, errs.NotSupported("websocket feed does not serve historical candles")
}

// Stream subscribes to symbols and yields every tick batch received. Dropped
// connections are redialled with back-off; the stream fails once maxReconnects
// consecutive redials fail.
func (w *Websocket) Stream(ctx context.Context, symbols []string) iter.Seq2[map[string]schema.Tick, error] {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return failed(notConnected(WebsocketVenue))
	}
	return func(yield func(map[string]schema.Tick, error) bool) {
		policy := w.newBackOff()
		if err := w.subscribe(ctx, conn, symbols); err != nil {
			yield(nil, err)
			return
		}
		for {
			batch, err := w.read(ctx, conn)
			if err == nil {
				if len(batch) == 0 {
					continue
				}
				if !yield(batch, nil) {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			var remote *errs.E
			if errors.As(err, &remote) && remote.Code == errs.CodeRejected {
				yield(nil, err)
				return
			}
			w.logger.WithError(err).Warn("websocket feed disconnected, reconnecting")
			_ = conn.CloseNow()
			conn, err = w.reconnect(ctx, policy, symbols)
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			policy.Reset()
		}
	}
}

func (w *Websocket) reconnect(ctx context.Context, policy backoff.BackOff, symbols []string) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxReconnects; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if !wait(ctx, delay) {
			return nil, ctx.Err()
		}
		conn, err := w.dial(ctx)
		if err != nil {
			lastErr = err
			w.logger.WithError(err).WithField("attempt", attempt).Warn("websocket redial failed")
			continue
		}
		if err := w.subscribe(ctx, conn, symbols); err != nil {
			lastErr = err
			_ = conn.CloseNow()
			continue
		}
		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("reconnect attempts exhausted")
	}
	return nil, errs.Network(WebsocketVenue, "websocket feed lost", errs.WithCause(lastErr))
}

func (w *Websocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return nil, errs.Network(WebsocketVenue, fmt.Sprintf("dial %s", w.url), errs.WithCause(err))
	}
	return conn, nil
}

func (w *Websocket) subscribe(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	data, err := json.Marshal(subscribeRequest{Type: "subscribe", Symbols: symbols})
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.Network(WebsocketVenue, "write subscribe request", errs.WithCause(err))
	}
	return nil
}

func (w *Websocket) read(ctx context.Context, conn *websocket.Conn) (map[string]schema.Tick, error) {
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		return nil, errs.Network(WebsocketVenue, "read", errs.WithCause(err))
	}
	if msgType != websocket.MessageText {
		return nil, nil
	}
	var msg tickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		w.logger.WithError(err).Warn("websocket feed: discarding malformed frame")
		return nil, nil
	}
	if msg.Error != "" {
		return nil, errs.Rejected(WebsocketVenue, msg.Error)
	}
	now := w.clock.Now()
	batch := make(map[string]schema.Tick, len(msg.Ticks))
	for _, tick := range msg.Ticks {
		if tick.Symbol == "" || !tick.Price.IsPositive() {
			continue
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = now
		}
		batch[tick.Symbol] = tick
	}
	return batch, nil
}

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Sink accepts signals for execution. *engine.Engine satisfies it.
type Sink interface {
	Submit(sig schema.Signal) error
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithClock sets the time source for default timestamps and the dedup window.
func WithClock(c clock.Clock) Option {
	return func(a *Adapter) { a.clock = clock.OrReal(c) }
}

// WithDedupWindow overrides the 60 second duplicate window.
func WithDedupWindow(d time.Duration) Option {
	return func(a *Adapter) { a.window = d }
}

// WithLogger sets the adapter logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Adapter authenticates alert bodies and converts them into deduplicated signals.
type Adapter struct {
	secret string
	window time.Duration
	clock  clock.Clock
	dedup  *Deduplicator
	logger logrus.FieldLogger
}

// NewAdapter creates an adapter. When secret is set every body must carry it
// or be signed with it.
func NewAdapter(secret string, opts ...Option) *Adapter {
	a := &Adapter{
		secret: secret,
		window: DefaultDedupWindow,
		clock:  clock.Real{},
		logger: logrus.StandardLogger().WithField("component", "webhook"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.dedup = NewDeduplicator(a.window, a.clock)
	return a
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Handle authenticates and decodes body. The boolean is false when the signal
// duplicates one seen inside the window; such signals must not be executed.
func (a *Adapter) Handle(ctx context.Context, body []byte, signature string) (schema.Signal, bool, error) {
	if err := ctx.Err(); err != nil {
		return schema.Signal{}, false, err
	}
	payload, err := DecodePayload(body)
	if err != nil {
		return schema.Signal{}, false, err
	}
	if err := a.authenticate(payload, body, signature); err != nil {
		a.logger.WithError(err).Warn("webhook authentication failed")
		return schema.Signal{}, false, err
	}
	sig, err := payload.ToSignal(a.clock.Now())
	if err != nil {
		a.logger.WithError(err).Warn("webhook payload rejected")
		return schema.Signal{}, false, err
	}
	log := a.logger.WithFields(logrus.Fields{"symbol": sig.Symbol, "action": string(sig.Action), "quantity": sig.Quantity.String()})
	if a.dedup.Seen(sig) {
		log.Info("duplicate signal skipped")
		return sig, false, nil
	}
	log.Info("webhook signal accepted")
	return sig, true, nil
}

// Forward handles body and submits the resulting signal to sink. Duplicates
// fail with the duplicate-signal canonical code and never reach the sink. A
// signal the sink refuses is forgotten so the sender can retry it.
func (a *Adapter) Forward(ctx context.Context, body []byte, signature string, sink Sink) (schema.Signal, error) {
	sig, fresh, err := a.Handle(ctx, body, signature)
	if err != nil {
		return schema.Signal{}, err
	}
	if !fresh {
		return sig, errs.Rejected(Venue, "duplicate signal", errs.WithCanonicalCode(errs.CanonicalDuplicateSignal))
	}
	if err := sink.Submit(sig); err != nil {
		a.dedup.Forget(sig)
		a.logger.WithError(err).WithField("symbol", sig.Symbol).Warn("webhook signal refused by sink")
		return sig, err
	}
	return sig, nil
}

func (a *Adapter) authenticate(p Payload, body []byte, signature string) error {
	if a.secret == "" {
		return nil
	}
	if signature = strings.TrimSpace(signature); signature != "" {
		if hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(a.secret, body))) {
			return nil
		}
		return unauthorized("signature mismatch")
	}
	if p.Secret == "" {
		return unauthorized("missing secret")
	}
	if subtle.ConstantTimeCompare([]byte(p.Secret), []byte(a.secret)) != 1 {
		return unauthorized("secret mismatch")
	}
	return nil
}

func unauthorized(msg string) error {
	return errs.Rejected(Venue, msg, errs.WithCause(ErrUnauthorized))
}

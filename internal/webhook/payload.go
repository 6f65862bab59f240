// Package webhook turns alert webhooks into engine signals. It validates the
// payload, maps the alert vocabulary onto signal actions and suppresses
// resent alerts inside a sliding window.
package webhook

import (
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Venue labels errors raised by the adapter.
const Venue = "webhook"

// Source is recorded in the meta of every signal built from a webhook.
const Source = "tradingview"

// ErrUnauthorized reports a secret or signature mismatch.
var ErrUnauthorized = errors.New("webhook: unauthorized")

// Payload is the alert body. Ticker, Action and Quantity are required.
type Payload struct {
	Timestamp string           `json:"timestamp,omitempty"`
	Ticker    string           `json:"ticker"`
	Action    string           `json:"action"`
	Price     decimal.Decimal  `json:"price"`
	Quantity  *decimal.Decimal `json:"quantity"`
	Strategy  string           `json:"strategy,omitempty"`
	Message   string           `json:"message,omitempty"`
	Secret    string           `json:"secret,omitempty"`
}

var actions = map[string]schema.SignalAction{
	"buy":          schema.ActionOpenLong,
	"sell":         schema.ActionCloseLong,
	"short":        schema.ActionOpenShort,
	"sell_short":   schema.ActionOpenShort,
	"cover":        schema.ActionCloseShort,
	"buy_to_cover": schema.ActionCloseShort,
}

// MapAction translates the alert vocabulary, case-insensitively.
func MapAction(action string) (schema.SignalAction, bool) {
	mapped, ok := actions[strings.ToLower(strings.TrimSpace(action))]
	return mapped, ok
}

// DecodePayload parses a raw body.
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, errs.New(Venue, errs.CodeInvalid, errs.WithMessage("malformed payload"), errs.WithCause(err))
	}
	return p, nil
}

// Validate checks the required fields.
func (p Payload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Ticker) == "" {
		missing = append(missing, "ticker")
	}
	if strings.TrimSpace(p.Action) == "" {
		missing = append(missing, "action")
	}
	if p.Quantity == nil {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		return errs.New(Venue, errs.CodeInvalid, errs.WithMessage("missing required fields: "+strings.Join(missing, ", ")))
	}
	if p.Quantity.IsZero() {
		return errs.New(Venue, errs.CodeInvalid, errs.WithMessage("quantity must not be zero"))
	}
	if _, ok := MapAction(p.Action); !ok {
		return errs.Rejected(Venue, "unknown action "+p.Action)
	}
	return nil
}

// ToSignal builds the signal. The quantity is taken as an absolute value and a
// missing timestamp is stamped with now.
func (p Payload) ToSignal(now time.Time) (schema.Signal, error) {
	if err := p.Validate(); err != nil {
		return schema.Signal{}, err
	}
	action, _ := MapAction(p.Action)
	ts := now.UTC()
	if p.Timestamp != "" {
		parsed, err := parseTimestamp(p.Timestamp)
		if err != nil {
			return schema.Signal{}, errs.New(Venue, errs.CodeInvalid, errs.WithMessage("invalid timestamp "+p.Timestamp), errs.WithCause(err))
		}
		ts = parsed
	}
	return schema.Signal{
		Symbol:     strings.ToUpper(strings.TrimSpace(p.Ticker)),
		Action:     action,
		Quantity:   p.Quantity.Abs(),
		Confidence: 1,
		Meta: map[string]any{
			"source":   Source,
			"strategy": p.Strategy,
			"message":  p.Message,
			"price":    p.Price.String(),
		},
		Timestamp: ts,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601, the latter read as UTC.
func parseTimestamp(raw string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, strings.TrimSpace(raw))
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Package errs provides structured error types and helpers for the trading engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies a venue-level error category.
type Code string

const (
	// CodeNetwork indicates a transient connectivity failure.
	CodeNetwork Code = "network"
	// CodeRateLimited indicates that the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeRejected indicates the venue refused the request on business grounds.
	CodeRejected Code = "rejected"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal indicates a failure inside the engine itself.
	CodeInternal Code = "internal"
)

// CanonicalCode captures venue-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInsufficientFunds indicates the account cannot cover the order cost.
	CanonicalInsufficientFunds CanonicalCode = "insufficient_funds"
	// CanonicalNoPrice indicates no reference price was available for a fill.
	CanonicalNoPrice CanonicalCode = "no_price"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalCapabilityMissing indicates the adapter lacks the required capability.
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	// CanonicalNotConnected indicates the venue session is not established.
	CanonicalNotConnected CanonicalCode = "not_connected"
	// CanonicalDuplicateSignal indicates an inbound signal was already processed.
	CanonicalDuplicateSignal CanonicalCode = "duplicate_signal"
)

// E captures structured error information produced across the engine.
type E struct {
	Venue      string
	Code       Code
	Message    string
	Canonical  CanonicalCode
	RetryAfter time.Duration
	Metadata   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:      strings.TrimSpace(venue),
		Code:       code,
		Message:    "",
		Canonical:  CanonicalUnknown,
		RetryAfter: 0,
		Metadata:   nil,
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithRetryAfter records the venue supplied back-off hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d < 0 {
			d = 0
		}
		e.RetryAfter = d
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(msg string) *E {
	return New("", CodeInvalid, WithMessage(strings.TrimSpace(msg)), WithCanonicalCode(CanonicalCapabilityMissing))
}

// Network reports a transient connectivity failure that callers may retry.
func Network(venue, msg string, opts ...Option) *E {
	return New(venue, CodeNetwork, append([]Option{WithMessage(msg)}, opts...)...)
}

// RateLimited reports venue throttling along with the hinted wait.
func RateLimited(venue string, retryAfter time.Duration, opts ...Option) *E {
	base := []Option{WithMessage("rate limit exceeded"), WithRetryAfter(retryAfter)}
	return New(venue, CodeRateLimited, append(base, opts...)...)
}

// Rejected reports a business rejection that must not be retried.
func Rejected(venue, msg string, opts ...Option) *E {
	return New(venue, CodeRejected, append([]Option{WithMessage(msg)}, opts...)...)
}

// InsufficientFunds reports an order whose cost exceeds available cash.
func InsufficientFunds(venue, msg string, opts ...Option) *E {
	base := []Option{WithMessage(msg), WithCanonicalCode(CanonicalInsufficientFunds)}
	return New(venue, CodeRejected, append(base, opts...)...)
}

// Disposition tells the caller what to do with a failed operation.
type Disposition int

const (
	// DispositionUnknown marks unclassified failures.
	DispositionUnknown Disposition = iota
	// DispositionRetry marks transient failures worth retrying with back-off.
	DispositionRetry
	// DispositionThrottle marks venue throttling; wait for the hint and move on.
	DispositionThrottle
	// DispositionDrop marks business rejections; log and drop the request.
	DispositionDrop
	// DispositionHalt marks failures that must stop trading for the session.
	DispositionHalt
)

func (d Disposition) String() string {
	switch d {
	case DispositionRetry:
		return "retry"
	case DispositionThrottle:
		return "throttle"
	case DispositionDrop:
		return "drop"
	case DispositionHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the engine's failure dispositions.
func Classify(err error) Disposition {
	if err == nil {
		return DispositionUnknown
	}
	var e *E
	if !errors.As(err, &e) {
		return DispositionUnknown
	}
	if e.Canonical == CanonicalInsufficientFunds {
		return DispositionHalt
	}
	switch e.Code {
	case CodeNetwork, CodeUnavailable:
		return DispositionRetry
	case CodeRateLimited:
		return DispositionThrottle
	case CodeRejected, CodeInvalid, CodeNotFound:
		return DispositionDrop
	default:
		return DispositionUnknown
	}
}

// RetryAfter extracts the back-off hint carried by a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *E
	if !errors.As(err, &e) || e.Code != CodeRateLimited {
		return 0, false
	}
	return e.RetryAfter, true
}

// HasCanonical reports whether err carries the canonical code.
func HasCanonical(err error, code CanonicalCode) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Canonical == code
}

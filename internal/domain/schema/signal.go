package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction is the intent a strategy expresses for a symbol.
type SignalAction string

const (
	ActionOpenLong   SignalAction = "open_long"
	ActionCloseLong  SignalAction = "close_long"
	ActionOpenShort  SignalAction = "open_short"
	ActionCloseShort SignalAction = "close_short"
)

// IsClosing reports whether the action reduces exposure.
func (a SignalAction) IsClosing() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// OrderSide maps the action onto the order side used to express it.
func (a SignalAction) OrderSide() (OrderSide, bool) {
	switch a {
	case ActionOpenLong:
		return OrderSideBuy, true
	case ActionCloseLong:
		return OrderSideSell, true
	case ActionOpenShort:
		return OrderSideSellShort, true
	case ActionCloseShort:
		return OrderSideBuyToCover, true
	default:
		return "", false
	}
}

// Metadata keys set when a signal is resized.
const (
	MetaAdjusted       = "adjusted"
	MetaCappedQuantity = "capped_quantity"
)

// Signal is a strategy's intent prior to risk and sizing. Signals are values;
// resizing produces a new Signal and never mutates the original.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Action     SignalAction    `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Confidence float64         `json:"confidence"`
	Meta       map[string]any  `json:"meta,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsClosing reports whether the signal reduces exposure.
func (s Signal) IsClosing() bool {
	return s.Action.IsClosing()
}

// Resized returns a copy carrying the new quantity and the adjustment markers.
// extra is merged into the copied metadata before the markers are set.
func (s Signal) Resized(quantity decimal.Decimal, extra map[string]any) Signal {
	meta := make(map[string]any, len(s.Meta)+len(extra)+2)
	for k, v := range s.Meta {
		meta[k] = v
	}
	for k, v := range extra {
		meta[k] = v
	}
	meta[MetaAdjusted] = true
	meta[MetaCappedQuantity] = quantity
	out := s
	out.Quantity = quantity
	out.Meta = meta
	return out
}

// Adjusted reports whether the signal was resized by the risk manager.
func (s Signal) Adjusted() bool {
	v, ok := s.Meta[MetaAdjusted].(bool)
	return ok && v
}

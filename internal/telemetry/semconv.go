package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for engine telemetry, following namespace.attribute_name.
const (
	AttrMode      = attribute.Key("engine.mode")
	AttrSymbol    = attribute.Key("symbol")
	AttrOrderSide = attribute.Key("order.side")
	AttrResult    = attribute.Key("result")
	AttrReason    = attribute.Key("reason")
	AttrErrorType = attribute.Key("error.type")
)

// Result values.
const (
	ResultApproved = "approved"
	ResultRejected = "rejected"
	ResultDropped  = "dropped"
	ResultFilled   = "filled"
	ResultFailed   = "failed"
	ResultOK       = "ok"
	ResultError    = "error"
)

// Metric names.
const (
	MetricIterations        = "engine.iterations"
	MetricSignals           = "engine.signals"
	MetricOrders            = "engine.orders"
	MetricOrderRetries      = "engine.order.retries"
	MetricBreakerTrips      = "engine.breaker.trips"
	MetricIterationDuration = "engine.iteration.duration"
)

// OrderAttributes returns attributes for order metrics.
func OrderAttributes(side, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOrderSide.String(side),
		AttrResult.String(result),
	}
}

// SignalAttributes returns attributes for signal metrics.
func SignalAttributes(result string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrResult.String(result)}
}

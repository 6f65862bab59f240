package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics records the trading loop's counters and latencies.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	iterations   metric.Int64Counter
	signals      metric.Int64Counter
	orders       metric.Int64Counter
	retries      metric.Int64Counter
	breakerTrips metric.Int64Counter
	duration     metric.Float64Histogram
	mode         string
}

// NewEngineMetrics registers the engine instruments on meter. A nil meter
// falls back to the global meter provider.
func NewEngineMetrics(meter metric.Meter, mode string) (*EngineMetrics, error) {
	if meter == nil {
		meter = otel.Meter("autotrader.engine")
	}
	m := &EngineMetrics{mode: mode}
	var err error
	if m.iterations, err = meter.Int64Counter(MetricIterations,
		metric.WithDescription("Engine iterations processed"),
		metric.WithUnit("{iteration}")); err != nil {
		return nil, err
	}
	if m.signals, err = meter.Int64Counter(MetricSignals,
		metric.WithDescription("Strategy signals by risk outcome"),
		metric.WithUnit("{signal}")); err != nil {
		return nil, err
	}
	if m.orders, err = meter.Int64Counter(MetricOrders,
		metric.WithDescription("Orders submitted by side and result"),
		metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter(MetricOrderRetries,
		metric.WithDescription("Order submissions retried after connectivity failures"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.breakerTrips, err = meter.Int64Counter(MetricBreakerTrips,
		metric.WithDescription("Engine circuit breaker trips"),
		metric.WithUnit("{trip}")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram(MetricIterationDuration,
		metric.WithDescription("Engine iteration duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordIteration counts an iteration and its duration.
func (m *EngineMetrics) RecordIteration(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	attrs := metric.WithAttributes(AttrMode.String(m.mode), AttrResult.String(result))
	m.iterations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// RecordSignal counts a signal by its risk outcome.
func (m *EngineMetrics) RecordSignal(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.signals.Add(ctx, 1, metric.WithAttributes(SignalAttributes(result)...))
}

// RecordOrder counts an order submission outcome.
func (m *EngineMetrics) RecordOrder(ctx context.Context, side, result string) {
	if m == nil {
		return
	}
	m.orders.Add(ctx, 1, metric.WithAttributes(OrderAttributes(side, result)...))
}

// RecordRetry counts one retried submission.
func (m *EngineMetrics) RecordRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1)
}

// RecordBreakerTrip counts a breaker trip with its cause.
func (m *EngineMetrics) RecordBreakerTrip(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

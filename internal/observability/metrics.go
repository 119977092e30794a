// Package observability exposes OpenTelemetry instruments for the fleet core.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded around remote tool invocations.
type Metrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetrics creates the invocation instruments on the given meter. Passing a
// nil meter uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("fleet-mcp/backend")
	}

	invocations, err := meter.Int64Counter(
		"fleet.tool.invocations",
		metric.WithDescription("Remote tool invocations, by client, tool and outcome"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"fleet.tool.duration",
		metric.WithDescription("Remote tool invocation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{invocations: invocations, duration: duration}, nil
}

// RecordInvocation records one remote tool call. Safe on a nil receiver so
// callers may run without metrics wired.
func (m *Metrics) RecordInvocation(ctx context.Context, clientID, tool string, elapsed time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the workflow counters. They report through the global meter
// provider and are no-ops until one is installed.
type Instruments struct {
	transitions metric.Int64Counter
	conflicts   metric.Int64Counter
}

// NewInstruments creates the workflow counters.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(instrumentationName)

	transitions, err := meter.Int64Counter(
		"visit.stage.transitions",
		metric.WithDescription("Number of stage handoffs applied"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"visit.version.conflicts",
		metric.WithDescription("Number of optimistic version conflicts on visit saves"),
	)
	if err != nil {
		return nil, err
	}

	return &Instruments{transitions: transitions, conflicts: conflicts}, nil
}

// Transition counts one handoff from one stage to another.
func (i *Instruments) Transition(ctx context.Context, from, to string) {
	if i == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Conflict counts one version conflict for the named operation.
func (i *Instruments) Conflict(ctx context.Context, operation string) {
	if i == nil {
		return
	}
	i.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/yestoryd/coach-assistant/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const errLoggerKey = "err"

type instruments struct {
	events   metric.Int64Counter
	turns    metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) instruments {
	inst, err := buildInstruments(otel.Meter(instrumentationName))
	if err != nil {
		logger.Warn("Failed to create metric instruments, metrics are disabled",
			slog.String(errLoggerKey, err.Error()))
		inst, _ = buildInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return inst
}

func buildInstruments(meter metric.Meter) (instruments, error) {
	events, err := meter.Int64Counter("assistant.events",
		metric.WithDescription("Reply events applied to transcripts, by kind"))
	if err != nil {
		return instruments{}, err
	}
	turns, err := meter.Int64Counter("assistant.turns",
		metric.WithDescription("Resolved assistant turns, by outcome"))
	if err != nil {
		return instruments{}, err
	}
	duration, err := meter.Float64Histogram("assistant.turn.duration",
		metric.WithDescription("Time from submission to the terminal event"),
		metric.WithUnit("ms"))
	if err != nil {
		return instruments{}, err
	}
	return instruments{events: events, turns: turns, duration: duration}, nil
}

func (i instruments) recordEvent(ctx context.Context, kind stream.Kind) {
	i.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (i instruments) recordTurn(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	i.turns.Add(ctx, 1, attrs)
	i.duration.Record(ctx, float64(d.Milliseconds()), attrs)
}

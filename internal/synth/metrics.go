package synth

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-voice/synth"

var tracer = otel.Tracer(instrumentation)

type metrics struct {
	prepared  metric.Int64Counter
	cancelled metric.Int64Counter
	frames    metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentation)
	prepared, err := meter.Int64Counter("loqa.tts.prepare.count", metric.WithDescription("Utterances prepared"))
	if err != nil {
		return nil, err
	}
	cancelled, err := meter.Int64Counter("loqa.tts.render.cancelled", metric.WithDescription("Renders ended by stop"))
	if err != nil {
		return nil, err
	}
	frames, err := meter.Int64Counter("loqa.tts.render.frames", metric.WithDescription("Frames rendered"), metric.WithUnit("{frame}"))
	if err != nil {
		return nil, err
	}
	return &metrics{prepared: prepared, cancelled: cancelled, frames: frames}, nil
}

func (m *metrics) recordPrepare(ctx context.Context, content bool) {
	if m == nil {
		return
	}
	m.prepared.Add(ctx, 1, metric.WithAttributes(attribute.Bool("content", content)))
}

func (m *metrics) recordRender(ctx context.Context, res Result) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, int64(res.Frames))
	if res.Cancelled {
		m.cancelled.Add(ctx, 1)
	}
}

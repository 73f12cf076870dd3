// Package observability installs the process tracer provider. Spans that
// fail or run longer than the slow threshold are written to the zap log.
package observability

import (
	"context"
	"time"

	"lunchrun/app/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

type TracingOptions struct {
	SampleRatio float64
	SlowSpan    time.Duration
}

// LogProcessor is an sdktrace.SpanProcessor that logs notable spans.
type LogProcessor struct {
	slow time.Duration
	log  func() *zap.Logger
}

func NewLogProcessor(slow time.Duration) *LogProcessor {
	return &LogProcessor{slow: slow, log: logger.L}
}

func (p *LogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *LogProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s == nil {
		return
	}
	duration := s.EndTime().Sub(s.StartTime())
	failed := s.Status().Code == codes.Error
	if !failed && (p.slow <= 0 || duration < p.slow) {
		return
	}

	fields := []zap.Field{
		zap.String("span", s.Name()),
		zap.String("trace_id", s.SpanContext().TraceID().String()),
		zap.Duration("duration", duration),
	}
	for _, attr := range s.Attributes() {
		fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
	}
	if failed {
		fields = append(fields, zap.String("error", s.Status().Description))
		p.log().Warn("[Trace] span failed", fields...)
		return
	}
	p.log().Info("[Trace] slow span", fields...)
}

func (p *LogProcessor) Shutdown(context.Context) error { return nil }

func (p *LogProcessor) ForceFlush(context.Context) error { return nil }

// InitTracing installs a global tracer provider and returns it so the caller
// can shut it down on exit.
func InitTracing(opts TracingOptions) *sdktrace.TracerProvider {
	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithSpanProcessor(NewLogProcessor(opts.SlowSpan)),
	)
	otel.SetTracerProvider(tp)
	return tp
}

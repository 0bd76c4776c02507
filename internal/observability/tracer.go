package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/quasar/internal/domain"
)

// StartSpan creates an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a server span for incoming requests.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

var (
	AttrView       = attribute.Key("quasar.view")
	AttrCalcConfig = attribute.Key("quasar.calc_config")
	AttrCycle      = attribute.Key("quasar.cycle")
	AttrJobID      = attribute.Key("quasar.job_id")
	AttrItems      = attribute.Key("quasar.items")
	AttrNodeID     = attribute.Key("quasar.node_id")
	AttrFunction   = attribute.Key("quasar.function")
	AttrTarget     = attribute.Key("quasar.target")
	AttrItemStatus = attribute.Key("quasar.item_status")
)

// JobAttributes returns the span attributes identifying a job.
func JobAttributes(spec domain.JobSpecification) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrView.String(spec.ViewName),
		AttrCalcConfig.String(spec.CalcConfig),
		AttrCycle.Int64(spec.CycleID),
		AttrJobID.Int64(spec.JobID),
	}
}

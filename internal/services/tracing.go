package services

import (
	"context"

	"github.com/hospitalgate/authgate/internal/oautherr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hospitalgate/authgate/internal/services"

// startSpan starts a span on the global tracer provider. Without an
// installed provider this is a no-op.
func startSpan(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err's kind on span and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		kind := string(oautherr.KindOf(err))
		span.SetAttributes(attribute.String("oauth.error", kind))
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/academy-project/academy"

// StartActionSpan opens a span around one action dispatch. The returned
// end function records the outcome and must always be called.
func StartActionSpan(ctx context.Context, agentID, action string) (context.Context, func(err error)) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "academy.action",
		trace.WithAttributes(
			attribute.String("academy.agent_id", agentID),
			attribute.String("academy.action", action),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

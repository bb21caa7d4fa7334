package middleware

import (
	"context"
	"fmt"

	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/telemetry"
)

// NewObservability returns a Pipeline middleware that starts a span named
// "event.process.<type>" around each dispatch, attaching tenant,
// correlation, thread, and timestamp fields, and recording handler errors
// on the span before ending it.
func NewObservability(tracer telemetry.Tracer) Middleware {
	return Middleware{
		Kind:     Pipeline,
		Name:     "observability",
		Priority: 0,
		Wrap: func(next EventHandler) EventHandler {
			return func(ctx context.Context, evt event.Event) (*event.Event, error) {
				spanName := fmt.Sprintf("event.process.%s", evt.Type)
				ctx, span := tracer.Start(ctx, spanName)
				span.AddEvent("dispatch",
					"tenantId", evt.Metadata.TenantID,
					"correlationId", evt.Metadata.CorrelationID,
					"threadId", evt.ThreadID,
					"ts", evt.TS,
				)
				defer span.End()

				followUp, err := next(ctx, evt)
				if err != nil {
					span.RecordError(err)
				}
				return followUp, err
			}
		},
	}
}

package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/goa-ai/runtime/kernel/event"
)

// NewValidation returns a HandlerKind middleware that validates an event's
// Data against a compiled JSON schema before invoking the handler. A
// validation failure is returned wrapped ("middleware: schema validation
// failed: ...") and the processor NACKs the event. The failure is not
// marked non-retryable: a retry middleware retries it unless its exact
// message is listed in NonRetryableErrors, and the queue reschedules the
// NACKed event until its retry budget is spent. Grounded on registry/service.go's
// validatePayloadJSONAgainstSchema (compile-then-validate via
// github.com/santhosh-tekuri/jsonschema/v6), adapted from a one-shot
// payload check into a reusable middleware.
func NewValidation(name string, schemaJSON []byte) (Middleware, error) {
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return Middleware{}, fmt.Errorf("middleware: unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resourceID := "schema://" + name
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return Middleware{}, fmt.Errorf("middleware: add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return Middleware{}, fmt.Errorf("middleware: compile schema: %w", err)
	}

	return Middleware{
		Kind:     HandlerKind,
		Name:     "validation:" + name,
		Priority: 0,
		Wrap: func(next EventHandler) EventHandler {
			return func(ctx context.Context, evt event.Event) (*event.Event, error) {
				data, err := toValidatable(evt.Data)
				if err != nil {
					return nil, fmt.Errorf("middleware: validation payload: %w", err)
				}
				if err := schema.Validate(data); err != nil {
					return nil, fmt.Errorf("middleware: schema validation failed: %w", err)
				}
				return next(ctx, evt)
			}
		},
	}, nil
}

// toValidatable round-trips evt.Data through JSON so arbitrary Go values
// (structs, maps) become the plain any the jsonschema validator expects.
func toValidatable(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

package scan

import (
	"context"
	"time"
)

// RegisterBuiltins installs the handlers shipped with the server. Deployments
// with their own integrations register over these; registration is last-wins.
func RegisterBuiltins(registry *HandlerRegistry) {
	registry.Register(HandlerFunc{
		Type: "attendance_check",
		Fn: func(_ context.Context, event *Event) (map[string]interface{}, error) {
			return map[string]interface{}{
				"marked_at":     event.OccurredAt.Format(time.RFC3339),
				"location_code": event.LocationCode,
				"person_type":   event.PersonType,
			}, nil
		},
	})

	registry.Register(HandlerFunc{
		Type: "gate_entry",
		Fn: func(_ context.Context, event *Event) (map[string]interface{}, error) {
			return map[string]interface{}{
				"entered_at": event.OccurredAt.Format(time.RFC3339),
				"gate":       event.LocationCode,
			}, nil
		},
	})
}

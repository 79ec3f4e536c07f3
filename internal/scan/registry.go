package scan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"acolyte-presence/internal/utils"
)

// Event is what a handler receives for a validated scan.
type Event struct {
	ScanLogID     string
	TenantID      string
	PersonID      string
	PersonType    string
	DeviceID      string
	ActionType    string
	ActionPointID string
	LocationCode  string
	Latitude      *float64
	Longitude     *float64
	OccurredAt    time.Time
}

// Handler reacts to a successful scan of its action type. The returned map
// is persisted on the scan log; a returned error is captured there too and
// never fails the scan itself.
type Handler interface {
	ActionType() string
	Handle(ctx context.Context, event *Event) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, event *Event) (map[string]interface{}, error)
}

func (h HandlerFunc) ActionType() string { return h.Type }

func (h HandlerFunc) Handle(ctx context.Context, event *Event) (map[string]interface{}, error) {
	return h.Fn(ctx, event)
}

// HandlerRegistry maps action types to handlers. Registration happens at
// startup; lookups happen concurrently on the scan path.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   utils.Logger
}

func NewHandlerRegistry(logger utils.Logger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a handler to its action type. Registering twice for the
// same type replaces the earlier handler.
func (r *HandlerRegistry) Register(h Handler) {
	actionType := h.ActionType()

	r.mu.Lock()
	_, replaced := r.handlers[actionType]
	r.handlers[actionType] = h
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("Handler replaced for action type", "action_type", actionType)
	} else {
		r.logger.Info("Handler registered", "action_type", actionType)
	}
}

func (r *HandlerRegistry) Lookup(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

func (r *HandlerRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// VerifyCoverage fails when any of the given action types has no handler.
// Used at startup when scans must not proceed without one.
func (r *HandlerRegistry) VerifyCoverage(actionTypes []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, t := range actionTypes {
		if _, ok := r.handlers[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no handler registered for action types: %s", strings.Join(missing, ", "))
	}
	return nil
}

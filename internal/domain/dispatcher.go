package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"flowgate.io/flowgate/internal/pkg/logger"
)

// TransitionHandler processes a transition event.
type TransitionHandler func(ctx context.Context, event *TransitionEvent) error

// Dispatcher routes transition events to registered handlers.
//
// Whether a handler notifies external systems synchronously or hands off to
// a queue is the subscriber's decision; the engine only guarantees that
// dispatch happens after the transition is durably journaled.
type Dispatcher struct {
	handlers map[EventType][]TransitionHandler
	mu       sync.RWMutex
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType][]TransitionHandler),
	}
}

// Register registers a handler for a specific event type.
func (d *Dispatcher) Register(eventType EventType, handler TransitionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch delivers an event to all registered handlers sequentially.
// A failing handler is logged but does not stop the remaining handlers
// (best-effort delivery); the first error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event *TransitionEvent) error {
	d.mu.RLock()
	handlers := d.handlers[event.Type]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("No handlers registered for event type",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Transition event handler failed",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.EventID),
				zap.String("entity_id", event.EntityID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.Type, err)
			}
		}
	}

	return firstErr
}

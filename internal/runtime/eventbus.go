package runtime

import (
	"sync"
	"time"
)

// EventType represents the type of runtime event.
type EventType string

const (
	EventPhaseChange       EventType = "phase_change"
	EventIterationStart    EventType = "iteration_start"
	EventProviderRequest   EventType = "provider_request"
	EventProviderResponse  EventType = "provider_response"
	EventMalformedResponse EventType = "malformed_response"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallEnd       EventType = "tool_call_end"
	EventToolCallRetry     EventType = "tool_call_retry"
	EventBudgetExceeded    EventType = "budget_exceeded"
	EventConversationDone  EventType = "conversation_done"
	EventConversationError EventType = "conversation_error"
	EventScanProgress      EventType = "scan_progress"
)

// Event represents a runtime event with associated data.
type Event struct {
	Type           EventType
	Timestamp      time.Time
	ConversationID string
	Data           map[string]any
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus fans events out to subscribers synchronously, in publish order.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers. A nil bus drops it.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}

// PublishSimple publishes an event without data.
func (eb *EventBus) PublishSimple(eventType EventType, conversationID string) {
	eb.Publish(Event{Type: eventType, ConversationID: conversationID})
}

// PublishWithData publishes an event with associated data.
func (eb *EventBus) PublishWithData(eventType EventType, conversationID string, data map[string]any) {
	eb.Publish(Event{Type: eventType, ConversationID: conversationID, Data: data})
}

package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSyncStarted   = "sync_started"
	EventSyncFinished  = "sync_finished"
	EventEntryFailed   = "entry_failed"
	EventEntryRequeued = "entry_requeued"
	EventCacheActivate = "cache_activated"
)

// SyncReportPayload summarizes one drain cycle for UI consumers: a single
// banner, not one toast per entry.
type SyncReportPayload struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
	StartedAt time.Time `json:"started_at"`
	Duration  int64     `json:"duration_ms"`
}

// EntryFailedPayload surfaces a permanently failed mutation.
type EntryFailedPayload struct {
	EntryID    string `json:"entry_id"`
	ActionType string `json:"action_type"`
	LastError  string `json:"last_error"`
	Attempts   int    `json:"attempts"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

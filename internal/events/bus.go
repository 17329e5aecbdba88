// Package events provides the process-wide event bus. Producers publish
// domain events; the webhook dispatcher is the sole durable consumer.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// Event types published by the core.
const (
	UserCreated          = "user.created"
	UserUpdated          = "user.updated"
	UserDeleted          = "user.deleted"
	KnowledgeBaseCreated = "knowledge_base.created"
	KnowledgeBaseUpdated = "knowledge_base.updated"
	KnowledgeBaseDeleted = "knowledge_base.deleted"
	DocumentUploaded     = "document.uploaded"
	DocumentProcessed    = "document.processed"
	DocumentFailed       = "document.failed"
	ChatStarted          = "chat.started"
	ChatEnded            = "chat.ended"
	SystemAlert          = "system.alert"
)

// Event is one domain occurrence. Data is the event payload; Meta
// carries correlation fields (kb_id, request_id) that receivers should
// not treat as part of the payload.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// New builds an event stamped with a fresh id and the current UTC time.
func New(eventType string, data, meta map[string]any) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Meta:      meta,
	}
}

// Bus is a bounded in-process fan-in queue. Publish blocks briefly under
// backpressure, then fails with Overloaded rather than stalling the
// caller's request.
type Bus struct {
	ch          chan Event
	publishWait time.Duration
}

// NewBus creates a bus with the given queue capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		ch:          make(chan Event, capacity),
		publishWait: 100 * time.Millisecond,
	}
}

// Publish enqueues an event. Non-blocking in the common case; when the
// queue is full it waits up to the publish window and then reports
// Overloaded.
func (b *Bus) Publish(ev Event) error {
	select {
	case b.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.publishWait)
	defer timer.Stop()
	select {
	case b.ch <- ev:
		return nil
	case <-timer.C:
		return faults.Newf(faults.KindOverloaded, "event bus full, dropped %s", ev.Type)
	}
}

// Events exposes the receive side to the consumer.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close closes the queue; pending events remain readable.
func (b *Bus) Close() {
	close(b.ch)
}

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"booklib/internal/catalog"
	"booklib/internal/retry"
)

// EventType enumerates state changes published by the controllers.
type EventType string

const (
	EventCatalogChanged EventType = "catalog.changed"
	EventStatusChecked  EventType = "status.checked"
	EventIndexBuilt     EventType = "index.built"
	EventIndexFailed    EventType = "index.failed"
	EventSessionChanged EventType = "session.changed"
	EventQueryAnswered  EventType = "query.answered"
)

// Event is a state-change notification for the presented interface.
type Event struct {
	ID         uuid.UUID          `json:"id"`
	Type       EventType          `json:"type"`
	DocumentID catalog.DocumentID `json:"document_id,omitempty"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	At         time.Time          `json:"at"`
}

// New builds an event, encoding payload as JSON. A payload that cannot be
// encoded is dropped.
func New(t EventType, docID catalog.DocumentID, payload any) Event {
	ev := Event{ID: uuid.New(), Type: t, DocumentID: docID, At: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

type Handler func(context.Context, Event) error

// Publisher is the write side of the bus; controllers only need this.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus publishes events and delivers them to subscribers.
type Bus interface {
	Publisher
	// Subscribe delivers every event to handler until ctx is done.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// PublishWithRetry attempts to publish with retries and exponential backoff.
func PublishWithRetry(ctx context.Context, p Publisher, ev Event, attempts int, base time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := p.Publish(ctx, ev); err == nil {
			return nil
		} else if attempt == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.ExponentialBackoff(attempt, base, 0)):
		}
	}
	return nil
}

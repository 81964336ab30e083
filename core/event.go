package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every typed payload travels in on the bus. It
// carries the fields common to all events: a unique id, the type tag
// subscribers register against, a UTC timestamp, and an optional
// correlation id threaded end-to-end across a logical flow.
//
// Concrete payloads (SensorDataReceived, AnomalyDetected, ...) are plain
// structs carried in the Payload field; handlers type-assert the concrete
// type out of it. This is the tagged-sum pattern called for by the
// design notes: subscribers register by tag string, not by class hierarchy.
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Payload holds the concrete event struct value (e.g. AnomalyDetected).
	// Handlers registered for EventType know the concrete type to expect.
	Payload interface{} `json:"payload"`
}

// NewEvent stamps a new envelope with a generated id and the current time.
// correlationID may be empty; downstream code should propagate whatever was
// passed here onto every event derived from this one.
func NewEvent(eventType string, correlationID string, payload interface{}) Event {
	return Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// WithCorrelation returns a copy of e with CorrelationID set, used when
// deriving an event from a source event so the correlation id is preserved
// end to end even if the derived event is constructed before the
// correlation id is known.
func (e Event) WithCorrelation(id string) Event {
	e.CorrelationID = id
	return e
}

package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the persisted form of one event.
type Envelope struct {
	// ID is the unique identifier of this event envelope.
	ID string `json:"id"`
	// Bucket and StreamID address the stream the event belongs to.
	Bucket   string `json:"bucket"`
	StreamID string `json:"stream"`
	// Version is the position in the stream (1, 2, 3, ...). It is assigned
	// by the store on write.
	Version Version `json:"version"`
	// Type is the event type name used to decode Data.
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	// Headers were attached when the event was applied or raised.
	Headers Headers `json:"headers,omitempty"`
	// Commit holds the headers of the write that persisted the event.
	Commit Headers         `json:"commit,omitempty"`
	Data   json.RawMessage `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.StreamID == "" {
		return fmt.Errorf("envelope stream id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	return nil
}

type Decoder interface{ Decode(e Envelope) (any, error) }

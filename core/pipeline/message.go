package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/codewandler/aggflow/internal/codec"
)

// Intent tells how a message is addressed.
type Intent string

const (
	// IntentSend is a direct, addressed command. Only sends get a unit of
	// work cycle.
	IntentSend    Intent = "send"
	IntentPublish Intent = "publish"
	IntentReply   Intent = "reply"
)

// Well known headers.
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "correlation-id"
	HeaderCausationID   = "causation-id"
	// HeaderBulkReplay marks a message whose Delayed list is replayed through
	// the pipeline inside one unit of work cycle.
	HeaderBulkReplay = "bulk-replay"
)

// DelayedMessage is a deferred message bundled into a bulk replay. Its
// headers are the ones it originally carried.
type DelayedMessage struct {
	Headers map[string]string `json:"headers"`
	Channel string            `json:"channel"`
	Payload json.RawMessage   `json:"payload"`
}

// Message is one inbound message.
type Message struct {
	ID      string            `json:"id"`
	Intent  Intent            `json:"intent"`
	Type    string            `json:"type"`
	Channel string            `json:"channel,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	// Attempt is the delivery attempt, 0 for the first delivery.
	Attempt int              `json:"attempt"`
	Delayed []DelayedMessage `json:"delayed,omitempty"`
}

// IsBulkReplay reports whether m carries deferred messages to replay.
func (m Message) IsBulkReplay() bool {
	return m.Headers[HeaderBulkReplay] == "true" && len(m.Delayed) > 0
}

// NewID returns a time ordered message id.
func NewID() string { return uuid.Must(uuid.NewV7()).String() }

type MessageOption func(*Message)

func WithIntent(i Intent) MessageOption { return func(m *Message) { m.Intent = i } }

func WithChannel(ch string) MessageOption { return func(m *Message) { m.Channel = ch } }

func WithID(id string) MessageOption { return func(m *Message) { m.ID = id } }

func WithHeader(key, value string) MessageOption {
	return func(m *Message) { m.Headers[key] = value }
}

// WithDelayed bundles deferred messages for bulk replay.
func WithDelayed(delayed ...DelayedMessage) MessageOption {
	return func(m *Message) {
		m.Delayed = append(m.Delayed, delayed...)
		m.Headers[HeaderBulkReplay] = "true"
	}
}

// NewMessage builds a send of msgType carrying payload encoded as JSON.
func NewMessage(msgType string, payload any, opts ...MessageOption) (Message, error) {
	m := Message{
		ID:      NewID(),
		Intent:  IntentSend,
		Type:    msgType,
		Headers: map[string]string{},
	}
	if payload != nil {
		data, err := codec.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s: %w", msgType, err)
		}
		m.Payload = data
	}
	for _, opt := range opts {
		opt(&m)
	}
	if _, ok := m.Headers[HeaderMessageID]; !ok {
		m.Headers[HeaderMessageID] = m.ID
	}
	if _, ok := m.Headers[HeaderMessageType]; !ok {
		m.Headers[HeaderMessageType] = msgType
	}
	return m, nil
}

// Defer turns m into a DelayedMessage that keeps its headers.
func (m Message) Defer() DelayedMessage {
	h := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		h[k] = v
	}
	h[HeaderMessageID] = m.ID
	h[HeaderMessageType] = m.Type
	return DelayedMessage{Headers: h, Channel: m.Channel, Payload: m.Payload}
}

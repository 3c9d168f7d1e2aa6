package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/aggflow/core/outbox"
	"github.com/codewandler/aggflow/core/pipeline"
	"github.com/codewandler/aggflow/internal/codec"
)

const defaultOutboxPrefix = "aggflow.out"

type OutboxConfig struct {
	Connect       Connector
	Log           *slog.Logger
	SubjectPrefix string
	// StreamName, when set, makes sure a JetStream stream captures the
	// outbox subjects.
	StreamName string
}

// OutboxTransport publishes outbox messages to JetStream on
// <prefix>.<message type>. The message id is the JetStream deduplication
// id, so a redelivery after a partial failure is dropped by the server.
type OutboxTransport struct {
	js      jetstream.JetStream
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
}

func NewOutboxTransport(cfg OutboxConfig) (*OutboxTransport, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultOutboxPrefix
	}

	if cfg.StreamName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
		defer cancel()
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     strings.ToUpper(cfg.StreamName),
			Subjects: []string{prefix + ".>"},
		}); err != nil {
			closeNc()
			return nil, fmt.Errorf("ensure outbox stream: %w", err)
		}
	}

	return &OutboxTransport{
		js:      js,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats_outbox")),
		prefix:  prefix,
	}, nil
}

func (t *OutboxTransport) Subject(msgType string) string { return t.prefix + "." + msgType }

func (t *OutboxTransport) Deliver(ctx context.Context, msg pipeline.Message) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	m := natsgo.NewMsg(t.Subject(msg.Type))
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	m.Data = data

	ack, err := t.js.PublishMsg(ctx, m, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	if ack.Duplicate {
		t.log.Debug("duplicate suppressed", slog.String("id", msg.ID))
	}
	return nil
}

// Decode reads a message published by Deliver.
func Decode(data []byte) (pipeline.Message, error) {
	var msg pipeline.Message
	err := codec.Unmarshal(data, &msg)
	return msg, err
}

func (t *OutboxTransport) Close() {
	t.js.CleanupPublisher()
	t.closeNc()
}

var _ outbox.Transport = (*OutboxTransport)(nil)

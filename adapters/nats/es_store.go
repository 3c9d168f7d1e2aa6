package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/aggflow/core/es"
	"github.com/codewandler/aggflow/internal/codec"
)

const (
	defaultSubjectPrefix = "aggflow.es"
	defaultStreamName    = "AGGFLOW_ES"
	defaultMetaBucket    = "aggflow_es_meta"

	errCodeWrongLastSequence jetstream.ErrorCode = 10071

	headerEventType = "x-event-type"
	headerStream    = "x-stream"
	metaRetries     = 5
)

type EventStoreConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix of all event subjects
	StreamName    string
	// MetaBucket is the key/value bucket holding stream metadata.
	MetaBucket string
	Storage    jetstream.StorageType
	Metrics    es.ESMetrics
}

// EventStore keeps every es stream on its own subject of one JetStream
// stream. Optimistic writes use the expected last sequence of that subject.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	meta          jetstream.KeyValue
	log           *slog.Logger
	subjectPrefix string
	metrics       es.ESMetrics
	now           func() time.Time
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	metaBucket := cfg.MetaBucket
	if metaBucket == "" {
		metaBucket = defaultMetaBucket
	}
	m := cfg.Metrics
	if m == nil {
		m = es.NopESMetrics()
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  cfg.Storage,
		FirstSeq: 1,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	meta, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  metaBucket,
		Storage: cfg.Storage,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure metadata bucket %s: %w", metaBucket, err)
	}

	log.Debug("ensured stream")

	return &EventStore{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		meta:          meta,
		log:           log,
		subjectPrefix: subjectPrefix,
		metrics:       m,
		now:           time.Now,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

// token encodes an arbitrary name into one subject or key token.
func token(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func (e *EventStore) subject(bucket, stream string) string {
	return e.subjectPrefix + "." + token(bucket) + "." + token(stream)
}

func metaKey(bucket, stream string) string { return token(bucket) + "." + token(stream) }

// === Read ===

func (e *EventStore) GetEvents(ctx context.Context, bucket, stream string, opts ...es.ReadOption) ([]es.Envelope, error) {
	envs, err := e.read(ctx, bucket, stream)
	if err != nil {
		return nil, err
	}
	return es.SelectForward(envs, es.NewReadOptions(opts...)), nil
}

func (e *EventStore) GetEventsBackwards(ctx context.Context, bucket, stream string, opts ...es.ReadOption) ([]es.Envelope, error) {
	envs, err := e.read(ctx, bucket, stream)
	if err != nil {
		return nil, err
	}
	return es.SelectBackward(envs, es.NewReadOptions(opts...)), nil
}

func (e *EventStore) read(ctx context.Context, bucket, stream string) (envs []es.Envelope, err error) {
	defer e.metrics.StoreReadDuration(bucket).ObserveDuration()

	last, err := e.last(ctx, bucket, stream)
	if err != nil || last == nil {
		return nil, err
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{e.subject(bucket, stream)},
	})
	if err != nil {
		return nil, err
	}
	envs, err = e.consumeEvents(ctx, cc, last.seq)
	if err != nil {
		return nil, err
	}

	md, _, err := e.readMetadata(ctx, bucket, stream)
	if err != nil {
		return nil, err
	}
	return es.ApplyRetention(envs, md, e.now()), nil
}

func (e *EventStore) consumeEvents(ctx context.Context, cc jetstream.Consumer, endSeq uint64) (loaded []es.Envelope, err error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			env, seq, err := decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			loaded = append(loaded, env)
			if seq >= endSeq {
				return loaded, nil
			}
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}
		if empty {
			return loaded, nil
		}
	}
}

func decodeMsg(msg jetstream.Msg) (es.Envelope, uint64, error) {
	md, err := msg.Metadata()
	if err != nil {
		return es.Envelope{}, 0, err
	}
	var env es.Envelope
	if err := codec.Unmarshal(msg.Data(), &env); err != nil {
		return es.Envelope{}, 0, err
	}
	return env, md.Sequence.Stream, nil
}

type lastEvent struct {
	version es.Version
	seq     uint64
}

func (e *EventStore) last(ctx context.Context, bucket, stream string) (*lastEvent, error) {
	subject := e.subject(bucket, stream)
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var env es.Envelope
	if err := codec.Unmarshal(lm.Data, &env); err != nil {
		return nil, fmt.Errorf("decode last message of %s: %w", stream, err)
	}
	return &lastEvent{version: env.Version, seq: lm.Sequence}, nil
}

// === Write ===

// WriteEvents publishes events one by one, each expecting the sequence of
// the previous one on the subject. A conflicting writer therefore fails the
// first publish and nothing is written. JetStream has no multi-message
// transaction, so a connection loss mid-batch can leave a prefix written.
func (e *EventStore) WriteEvents(
	ctx context.Context,
	bucket, stream string,
	events []es.Envelope,
	commit es.Headers,
	expected es.ExpectedVersion,
) (v es.Version, err error) {
	if len(events) == 0 {
		return 0, es.ErrStoreNoEvents
	}
	defer e.metrics.StoreWriteDuration(bucket).ObserveDuration()

	md, _, err := e.readMetadata(ctx, bucket, stream)
	if err != nil {
		return 0, err
	}
	if md.IsFrozen() {
		return 0, fmt.Errorf("%w: %s", es.ErrStreamFrozen, stream)
	}

	for attempt := 0; ; attempt++ {
		v, err = e.write(ctx, bucket, stream, events, commit, expected)
		// an unconditional write only lost the race for the next sequence
		if errors.Is(err, errRaced) && expected.IsAny() && attempt < metaRetries {
			continue
		}
		if errors.Is(err, errRaced) {
			return 0, fmt.Errorf("%w: stream %s changed concurrently", es.ErrConcurrencyConflict, stream)
		}
		if err != nil {
			return 0, err
		}
		e.log.Debug("written", slog.String("stream", stream), slog.Int("count", len(events)), v.SlogAttr())
		return v, nil
	}
}

var errRaced = errors.New("raced")

func (e *EventStore) write(
	ctx context.Context,
	bucket, stream string,
	events []es.Envelope,
	commit es.Headers,
	expected es.ExpectedVersion,
) (v es.Version, err error) {
	last, err := e.last(ctx, bucket, stream)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	var (
		current es.Version
		seq     uint64
	)
	if last != nil {
		current, seq = last.version, last.seq
	}
	if !expected.Matches(current) {
		return 0, fmt.Errorf("%w: stream %s expected %s, current %d", es.ErrConcurrencyConflict, stream, expected, current)
	}

	now := e.now()
	subject := e.subject(bucket, stream)
	for i, ev := range events {
		ev.Bucket = bucket
		ev.StreamID = stream
		ev.Version = current + es.Version(i+1)
		ev.Commit = commit.Clone()
		if ev.ID == "" {
			ev.ID = gonanoid.Must()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = now
		}
		if err := ev.Validate(); err != nil {
			return 0, err
		}

		seq, err = e.publish(ctx, subject, ev, seq)
		if err != nil {
			if i == 0 && isWrongLastSequence(err) {
				return 0, errRaced
			}
			return 0, fmt.Errorf("append to %s: %w", stream, err)
		}
		v = ev.Version
	}
	return v, nil
}

func (e *EventStore) publish(ctx context.Context, subject string, ev es.Envelope, lastSeq uint64) (uint64, error) {
	data, err := codec.Marshal(ev)
	if err != nil {
		return 0, err
	}
	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerEventType, ev.Type)
	msg.Header.Set(headerStream, ev.StreamID)
	msg.Data = data

	ack, err := e.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence
}

func (e *EventStore) WriteSnapshot(ctx context.Context, bucket, stream string, snapshot es.Envelope, commit es.Headers) (es.Version, error) {
	return e.WriteEvents(ctx, bucket, es.SnapshotStream(stream), []es.Envelope{snapshot}, commit, es.AnyVersion())
}

// === Metadata ===

func (e *EventStore) readMetadata(ctx context.Context, bucket, stream string) (es.StreamMetadata, uint64, error) {
	entry, err := e.meta.Get(ctx, metaKey(bucket, stream))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return es.StreamMetadata{}, 0, nil
		}
		return es.StreamMetadata{}, 0, fmt.Errorf("read metadata of %s: %w", stream, err)
	}
	var md es.StreamMetadata
	if err := codec.Unmarshal(entry.Value(), &md); err != nil {
		return es.StreamMetadata{}, 0, err
	}
	return md, entry.Revision(), nil
}

// WriteMetadata merges md into the stored metadata with a compare-and-set on
// the key revision, retrying when another writer got there first.
func (e *EventStore) WriteMetadata(ctx context.Context, bucket, stream string, md es.StreamMetadata, opts ...es.MetadataOption) error {
	options := es.NewMetadataOptions(opts...)
	key := metaKey(bucket, stream)

	for range metaRetries {
		current, rev, err := e.readMetadata(ctx, bucket, stream)
		if err != nil {
			return err
		}
		if !es.CanWriteMetadata(current, md, options) {
			return fmt.Errorf("%w: %s is owned by %q", es.ErrStreamFrozen, stream, current.OwnerName())
		}
		data, err := codec.Marshal(current.Merge(md))
		if err != nil {
			return err
		}
		if rev == 0 {
			_, err = e.meta.Create(ctx, key, data)
		} else {
			_, err = e.meta.Update(ctx, key, data, rev)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) && !isWrongLastSequence(err) {
			return fmt.Errorf("write metadata of %s: %w", stream, err)
		}
		e.log.Debug("metadata changed concurrently, retrying", slog.String("stream", stream))
	}
	return fmt.Errorf("%w: metadata of %s", es.ErrConcurrencyConflict, stream)
}

func (e *EventStore) ReadMetadata(ctx context.Context, bucket, stream string) (es.StreamMetadata, error) {
	md, _, err := e.readMetadata(ctx, bucket, stream)
	return md, err
}

func (e *EventStore) GetMetadata(ctx context.Context, bucket, stream, key string) (string, error) {
	md, err := e.ReadMetadata(ctx, bucket, stream)
	if err != nil {
		return "", err
	}
	return md.Get(key), nil
}

func (e *EventStore) IsFrozen(ctx context.Context, bucket, stream string) (bool, error) {
	md, err := e.ReadMetadata(ctx, bucket, stream)
	if err != nil {
		return false, err
	}
	return md.IsFrozen(), nil
}

var _ es.EventStore = (*EventStore)(nil)

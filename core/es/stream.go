package es

import (
	"strconv"
	"time"
)

// Stream metadata keys as returned by StreamMetadata.Get.
const (
	MetaMaxCount       = "$maxCount"
	MetaTruncateBefore = "$tb"
	MetaMaxAge         = "$maxAge"
	MetaCacheControl   = "$cacheControl"
	MetaFrozen         = "$frozen"
	MetaOwner          = "$owner"
)

// StreamMetadata controls retention and write access of a stream. Nil
// fields are unset; Merge only overwrites fields that are set.
type StreamMetadata struct {
	MaxCount       *int              `json:"max_count,omitempty"`
	TruncateBefore *Version          `json:"truncate_before,omitempty"`
	MaxAge         *time.Duration    `json:"max_age,omitempty"`
	CacheControl   *time.Duration    `json:"cache_control,omitempty"`
	Frozen         *bool             `json:"frozen,omitempty"`
	Owner          *string           `json:"owner,omitempty"`
	Custom         map[string]string `json:"custom,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func (m StreamMetadata) IsZero() bool {
	return m.MaxCount == nil && m.TruncateBefore == nil && m.MaxAge == nil &&
		m.CacheControl == nil && m.Frozen == nil && m.Owner == nil && len(m.Custom) == 0
}

func (m StreamMetadata) IsFrozen() bool { return m.Frozen != nil && *m.Frozen }

func (m StreamMetadata) OwnerName() string {
	if m.Owner == nil {
		return ""
	}
	return *m.Owner
}

// Merge returns m with every field set in other applied on top.
func (m StreamMetadata) Merge(other StreamMetadata) StreamMetadata {
	out := m
	if other.MaxCount != nil {
		out.MaxCount = ptr(*other.MaxCount)
	}
	if other.TruncateBefore != nil {
		out.TruncateBefore = ptr(*other.TruncateBefore)
	}
	if other.MaxAge != nil {
		out.MaxAge = ptr(*other.MaxAge)
	}
	if other.CacheControl != nil {
		out.CacheControl = ptr(*other.CacheControl)
	}
	if other.Frozen != nil {
		out.Frozen = ptr(*other.Frozen)
	}
	if other.Owner != nil {
		out.Owner = ptr(*other.Owner)
	}
	if len(m.Custom)+len(other.Custom) > 0 {
		out.Custom = Headers(m.Custom).With(other.Custom)
	}
	return out
}

// Get returns the value for a well known key or a custom key, "" if unset.
func (m StreamMetadata) Get(key string) string {
	switch key {
	case MetaMaxCount:
		if m.MaxCount != nil {
			return strconv.Itoa(*m.MaxCount)
		}
	case MetaTruncateBefore:
		if m.TruncateBefore != nil {
			return strconv.FormatUint(uint64(*m.TruncateBefore), 10)
		}
	case MetaMaxAge:
		if m.MaxAge != nil {
			return m.MaxAge.String()
		}
	case MetaCacheControl:
		if m.CacheControl != nil {
			return m.CacheControl.String()
		}
	case MetaFrozen:
		if m.Frozen != nil {
			return strconv.FormatBool(*m.Frozen)
		}
	case MetaOwner:
		return m.OwnerName()
	default:
		return m.Custom[key]
	}
	return ""
}

// StagedEvent is an event held by a stream together with the headers it was
// applied or raised with.
type StagedEvent struct {
	Type       string
	Event      any
	Headers    Headers
	OccurredAt time.Time
}

// EventStream is the stream owned by one aggregate. It tracks the persisted
// history, the pending events of the current cycle, the out-of-band events
// raised during the cycle and the stream metadata.
type EventStream struct {
	bucket string
	id     string

	version   Version
	committed []StagedEvent
	pending   []StagedEvent
	outOfBand []StagedEvent

	metadata  StreamMetadata
	mdChanges StreamMetadata
}

func NewEventStream(bucket, id string) *EventStream {
	return &EventStream{bucket: bucket, id: id}
}

func (s *EventStream) Bucket() string { return s.bucket }
func (s *EventStream) ID() string     { return s.id }

// Version is the last persisted position.
func (s *EventStream) Version() Version { return s.version }

// CommitVersion is the position including pending events.
func (s *EventStream) CommitVersion() Version { return s.version + Version(len(s.pending)) }

func (s *EventStream) Committed() []StagedEvent { return append([]StagedEvent(nil), s.committed...) }
func (s *EventStream) Pending() []StagedEvent   { return append([]StagedEvent(nil), s.pending...) }
func (s *EventStream) OutOfBand() []StagedEvent { return append([]StagedEvent(nil), s.outOfBand...) }

// Metadata returns the persisted metadata with pending changes applied.
func (s *EventStream) Metadata() StreamMetadata { return s.metadata.Merge(s.mdChanges) }

// MetadataChanges returns the metadata changes not yet written.
func (s *EventStream) MetadataChanges() (StreamMetadata, bool) {
	return s.mdChanges, !s.mdChanges.IsZero()
}

// HasChanges reports whether Save has anything to write.
func (s *EventStream) HasChanges() bool {
	return len(s.pending) > 0 || len(s.outOfBand) > 0 || !s.mdChanges.IsZero()
}

func (s *EventStream) SetMaxCount(n int)               { s.mdChanges.MaxCount = ptr(n) }
func (s *EventStream) SetTruncateBefore(v Version)     { s.mdChanges.TruncateBefore = ptr(v) }
func (s *EventStream) SetMaxAge(d time.Duration)       { s.mdChanges.MaxAge = ptr(d) }
func (s *EventStream) SetCacheControl(d time.Duration) { s.mdChanges.CacheControl = ptr(d) }

func (s *EventStream) Freeze(owner string) {
	s.mdChanges.Frozen = ptr(true)
	s.mdChanges.Owner = ptr(owner)
}

func (s *EventStream) Unfreeze(owner string) {
	s.mdChanges.Frozen = ptr(false)
	s.mdChanges.Owner = ptr(owner)
}

func (s *EventStream) SetCustom(key, value string) {
	if s.mdChanges.Custom == nil {
		s.mdChanges.Custom = map[string]string{}
	}
	s.mdChanges.Custom[key] = value
}

func (s *EventStream) stage(ev StagedEvent)    { s.pending = append(s.pending, ev) }
func (s *EventStream) stageOOB(ev StagedEvent) { s.outOfBand = append(s.outOfBand, ev) }

func (s *EventStream) advance(ev StagedEvent, v Version) {
	s.committed = append(s.committed, ev)
	s.version = v
}

func (s *EventStream) setMetadata(md StreamMetadata) { s.metadata = md }

// markCommitted moves the pending events into the history at version v.
func (s *EventStream) markCommitted(v Version) {
	s.committed = append(s.committed, s.pending...)
	s.pending = nil
	s.version = v
}

func (s *EventStream) clearOutOfBand() { s.outOfBand = nil }

func (s *EventStream) commitMetadata() {
	s.metadata = s.metadata.Merge(s.mdChanges)
	s.mdChanges = StreamMetadata{}
}

// discard drops everything staged in the current cycle.
func (s *EventStream) discard() {
	s.pending = nil
	s.outOfBand = nil
	s.mdChanges = StreamMetadata{}
}

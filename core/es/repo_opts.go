package es

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultBucket is used when no bucket is configured.
const DefaultBucket = "default"

// IDGenerator is a function that generates unique IDs for events and
// aggregates.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	repoOpts struct {
		bucket          string
		idGenerator     IDGenerator
		conflictRetries int
		metrics         ESMetrics
		saveOpts        []SaveOption
		loadOpts        []LoadOption
	}

	repoSaveOptions struct {
		snapshot bool
		commit   Headers
	}

	repoLoadOptions struct {
		snapshot bool
		until    *Version
	}
)

type (
	RepositoryOption      interface{ applyToRepository(*repoOpts) }
	SaveOption            interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption            interface{ applyToLoadOptions(*repoLoadOptions) }
	RepoBucketOption      valueOption[string]
	RepoIDGeneratorOption valueOption[IDGenerator]
	ConflictRetriesOption valueOption[int]
	SnapshotOption        valueOption[bool]
	UntilOption           valueOption[Version]
	CommitHeadersOption   valueOption[Headers]
	SaveOptsOption        MultiOption[SaveOption]
	LoadOptsOption        MultiOption[LoadOption]
)

// WithBucket sets the bucket new aggregates are attached in.
func WithBucket(bucket string) RepoBucketOption { return RepoBucketOption{v: bucket} }

// WithIDGenerator sets a custom ID generator for envelope and aggregate IDs.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithConflictRetries bounds how often Save resolves a concurrency conflict
// before giving up. Zero disables conflict resolution.
func WithConflictRetries(n int) ConflictRetriesOption { return ConflictRetriesOption{v: n} }

// WithSnapshot loads from (or saves) a snapshot.
func WithSnapshot(enabled bool) SnapshotOption { return SnapshotOption{v: enabled} }

// WithUntil loads the aggregate as it was at version v. Snapshots are not
// used.
func WithUntil(v Version) UntilOption { return UntilOption{v: v} }

// WithCommitHeaders attaches headers to the write of a Save.
func WithCommitHeaders(h Headers) CommitHeadersOption { return CommitHeadersOption{v: h} }

func WithSaveOpts(opts ...SaveOption) SaveOptsOption { return SaveOptsOption{opts: opts} }
func WithLoadOpts(opts ...LoadOption) LoadOptsOption { return LoadOptsOption{opts: opts} }

// === repo ==

func (o RepoBucketOption) applyToRepository(options *repoOpts)      { options.bucket = o.v }
func (o RepoIDGeneratorOption) applyToRepository(options *repoOpts) { options.idGenerator = o.v }
func (o ConflictRetriesOption) applyToRepository(options *repoOpts) { options.conflictRetries = o.v }
func (o SaveOptsOption) applyToRepository(options *repoOpts) {
	options.saveOpts = append(options.saveOpts, o.opts...)
}
func (o LoadOptsOption) applyToRepository(options *repoOpts) {
	options.loadOpts = append(options.loadOpts, o.opts...)
}

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	var options = repoOpts{
		bucket:          DefaultBucket,
		idGenerator:     DefaultIDGenerator(),
		conflictRetries: 3,
		metrics:         NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

// === save ==

func (o SnapshotOption) applyToSaveOptions(options *repoSaveOptions) { options.snapshot = o.v }
func (o CommitHeadersOption) applyToSaveOptions(options *repoSaveOptions) {
	options.commit = options.commit.With(o.v)
}
func (o SaveOptsOption) applyToSaveOptions(options *repoSaveOptions) {
	for _, opt := range o.opts {
		opt.applyToSaveOptions(options)
	}
}

func newSaveOptions(opts ...SaveOption) repoSaveOptions {
	options := repoSaveOptions{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

// === load ==

func (o SnapshotOption) applyToLoadOptions(options *repoLoadOptions) { options.snapshot = o.v }
func (o UntilOption) applyToLoadOptions(options *repoLoadOptions)    { options.until = &o.v }
func (o LoadOptsOption) applyToLoadOptions(options *repoLoadOptions) {
	for _, opt := range o.opts {
		opt.applyToLoadOptions(options)
	}
}

func newLoadOptions(opts ...LoadOption) repoLoadOptions {
	options := repoLoadOptions{}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}

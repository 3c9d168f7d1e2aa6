// Package perkey serializes work per key while letting different keys run
// concurrently.
//
// Keys here are message ids and channel keys, an unbounded set, so a worker
// lives only while it has queued work and is dropped once its queue drains.
package perkey

import (
	"context"
	"sync"
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs functions so that for any key K they execute one at a time,
// in submission order.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	running    sync.WaitGroup
	bufferSize int
}

type worker struct {
	tasks chan *task
	// pending counts submitters that hold this worker: queued, running or
	// about to enqueue. Guarded by Scheduler.mu.
	pending int
}

type task struct {
	fn   func() error
	done chan error
}

func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

// Do runs fn for key and returns its error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but gives up waiting when ctx is done. A task that was
// already enqueued still runs.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	w := s.acquireLocked(key)
	s.mu.Unlock()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.release(key, w)
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of live workers.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting tasks and waits until queued tasks have run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.running.Wait()
}

func (s *Scheduler[K]) acquireLocked(key K) *worker {
	w, ok := s.workers[key]
	if !ok {
		w = &worker{tasks: make(chan *task, s.bufferSize)}
		s.workers[key] = w
		s.running.Add(1)
		go s.run(key, w)
	}
	w.pending++
	return w
}

func (s *Scheduler[K]) release(key K, w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.pending--
	if w.pending == 0 {
		delete(s.workers, key)
		close(w.tasks)
	}
}

func (s *Scheduler[K]) run(key K, w *worker) {
	defer s.running.Done()
	for t := range w.tasks {
		t.done <- t.fn()
		s.release(key, w)
	}
}

// ----- Errors -----

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = &SchedulerError{"scheduler is closed"}

type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string { return e.msg }

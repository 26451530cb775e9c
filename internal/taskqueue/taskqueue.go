package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	DefaultConcurrency  = 5
	DefaultPollInterval = 100 * time.Millisecond
	DefaultStopTimeout  = 30 * time.Second
)

var (
	ErrStopping      = errors.New("task queue is stopping")
	ErrStopTimeout   = errors.New("task queue: timed out waiting for in-flight tasks")
	ErrAlreadyQueued = errors.New("task queue: a task with this id is already waiting")
	ErrUnknownTask   = errors.New("task queue: unknown task id")
)

// TaskFunc is the unit of work. ctx is the context passed to Push.
type TaskFunc[T any] func(ctx context.Context) (T, error)

type Result[T any] struct {
	Value T
	Err   error
}

type task[T any] struct {
	ctx context.Context
	id  string
	fn  TaskFunc[T]
}

// TaskQueue runs keyed tasks with bounded concurrency. Tasks sharing an id
// never run at the same time; a task pushed while another with its id is in
// flight waits for it to finish.
type TaskQueue[T any] struct {
	name         string
	concurrency  int
	pollInterval time.Duration
	stopTimeout  time.Duration

	mu         sync.Mutex
	waiting    []*task[T]
	waitingIDs mapset.Set[string]
	inFlight   mapset.Set[string]
	results    map[string]Result[T]
	stopping   bool
	running    sync.WaitGroup
}

type Option func(*options)

type options struct {
	concurrency  int
	pollInterval time.Duration
	stopTimeout  time.Duration
}

func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

func New[T any](name string, opts ...Option) *TaskQueue[T] {
	o := options{
		concurrency:  DefaultConcurrency,
		pollInterval: DefaultPollInterval,
		stopTimeout:  DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &TaskQueue[T]{
		name:         name,
		concurrency:  o.concurrency,
		pollInterval: o.pollInterval,
		stopTimeout:  o.stopTimeout,
		waitingIDs:   mapset.NewThreadUnsafeSet[string](),
		inFlight:     mapset.NewThreadUnsafeSet[string](),
		results:      make(map[string]Result[T]),
	}
}

// Push schedules fn under id. Any unread result for id is discarded.
func (q *TaskQueue[T]) Push(ctx context.Context, id string, fn TaskFunc[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return ErrStopping
	}
	if q.waitingIDs.Contains(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}

	delete(q.results, id)
	q.waiting = append(q.waiting, &task[T]{ctx: ctx, id: id, fn: fn})
	q.waitingIDs.Add(id)
	q.admitLocked()
	return nil
}

// admitLocked moves waiting tasks in flight, oldest first, skipping ids that
// are already running.
func (q *TaskQueue[T]) admitLocked() {
	for i := 0; i < len(q.waiting) && q.inFlight.Cardinality() < q.concurrency; {
		t := q.waiting[i]
		if q.inFlight.Contains(t.id) {
			i++
			continue
		}
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		q.waitingIDs.Remove(t.id)
		q.inFlight.Add(t.id)
		q.running.Add(1)
		go q.run(t)
	}
}

func (q *TaskQueue[T]) run(t *task[T]) {
	defer q.running.Done()

	var res Result[T]
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = fmt.Errorf("task %s panicked: %v", t.id, r)
			}
		}()
		res.Value, res.Err = t.fn(t.ctx)
	}()

	if res.Err != nil {
		slog.Debug("task queue", "queue", q.name, "id", t.id, "error", res.Err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight.Remove(t.id)
	q.results[t.id] = res
	q.admitLocked()
}

// WaitForResult polls until the task with id has completed and returns its
// result, removing it from the queue.
func (q *TaskQueue[T]) WaitForResult(ctx context.Context, id string) (Result[T], error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		res, done := q.results[id]
		if done {
			delete(q.results, id)
		}
		known := done || q.waitingIDs.Contains(id) || q.inFlight.Contains(id)
		q.mu.Unlock()

		if done {
			return res, nil
		}
		if !known {
			return Result[T]{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}

		select {
		case <-ctx.Done():
			return Result[T]{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForAll blocks until nothing is waiting or in flight. Results stay
// available to WaitForResult.
func (q *TaskQueue[T]) WaitForAll(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if q.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop rejects further pushes, drops tasks that have not started and waits
// for in-flight tasks to finish. In-flight tasks are never interrupted.
func (q *TaskQueue[T]) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopping = true
	dropped := len(q.waiting)
	q.waiting = nil
	q.waitingIDs.Clear()
	q.mu.Unlock()

	if dropped > 0 {
		slog.Debug("task queue stopping", "queue", q.name, "dropped", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()

	timer := time.NewTimer(q.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		slog.Warn("task queue stop timed out", "queue", q.name, "inFlight", q.InFlight())
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *TaskQueue[T]) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) == 0 && q.inFlight.Cardinality() == 0
}

func (q *TaskQueue[T]) IsStopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}

// Len is the number of tasks waiting to start.
func (q *TaskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *TaskQueue[T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight.Cardinality()
}

package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
)

var (
	ErrQueueClosed = errors.New("commandqueue: closed")
	ErrLaneCleared = errors.New("commandqueue: lane cleared")
)

// Task is one unit of lane work.
type Task func(ctx context.Context) error

type taskRecord struct {
	id         string
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	done       chan error
}

type lane struct {
	queue   []*taskRecord
	running *taskRecord
}

// Queue serializes tasks per lane.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	seq    atomic.Uint64

	// slots holds one token per waiting task across all lanes; nil means unbounded.
	slots chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxQueued caps the number of tasks waiting across all lanes. Submit
// blocks while the cap is reached. Running tasks do not count.
func WithMaxQueued(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.slots = make(chan struct{}, n)
		}
	}
}

func New(logger zerolog.Logger, opts ...Option) *Queue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "commandqueue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit appends task to the lane and returns once it is queued. The returned
// channel yields the task's error (nil on success) exactly once. With
// WithMaxQueued, Submit waits for a free slot, ctx, or Close.
func (q *Queue) Submit(ctx context.Context, laneName string, task Task) (<-chan error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := q.reserve(ctx, laneName); err != nil {
		return nil, err
	}

	rec := &taskRecord{
		id:         fmt.Sprintf("%s-%d", laneName, q.seq.Add(1)),
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.release(1)
		return nil, ErrQueueClosed
	}
	l, ok := q.lanes[laneName]
	startWorker := !ok
	if startWorker {
		l = &lane{}
		q.lanes[laneName] = l
		q.wg.Add(1)
	}
	l.queue = append(l.queue, rec)
	depth := len(l.queue)
	q.mu.Unlock()

	observability.SetLaneDepth("session", q.queued())
	q.logger.Debug().
		Str("lane", laneName).
		Str("task_id", rec.id).
		Int("queue_size", depth).
		Msg("Task enqueued")

	if startWorker {
		go q.drain(laneName)
	}
	return rec.done, nil
}

func (q *Queue) reserve(ctx context.Context, laneName string) error {
	if q.slots == nil {
		return nil
	}
	select {
	case q.slots <- struct{}{}:
		return nil
	default:
	}

	q.logger.Debug().Str("lane", laneName).Int("max_queued", cap(q.slots)).Msg("Queue full, waiting for a slot")
	select {
	case q.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

func (q *Queue) release(n int) {
	if q.slots == nil {
		return
	}
	for range n {
		<-q.slots
	}
}

// Enqueue submits task and waits for it to finish or ctx to end.
func (q *Queue) Enqueue(ctx context.Context, laneName string, task Task) error {
	done, err := q.Submit(ctx, laneName, task)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the lane's single worker. It runs tasks one by one and removes
// the lane once nothing is left, all under q.mu so a concurrent Submit either
// lands in this worker's queue or creates a fresh lane.
func (q *Queue) drain(laneName string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		l := q.lanes[laneName]
		l.running = nil
		if len(l.queue) == 0 {
			delete(q.lanes, laneName)
			q.mu.Unlock()
			return
		}
		rec := l.queue[0]
		l.queue = l.queue[1:]
		l.running = rec
		q.mu.Unlock()
		q.release(1)

		rec.done <- q.execute(laneName, rec)
		close(rec.done)
	}
}

func (q *Queue) execute(laneName string, rec *taskRecord) (err error) {
	if err := rec.ctx.Err(); err != nil {
		return err
	}
	if err := q.ctx.Err(); err != nil {
		return ErrQueueClosed
	}

	ctx, span := tracing.StartSpan(rec.ctx, "switchboard.commandqueue", "commandqueue.execute",
		attribute.String("lane", laneName),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		duration := time.Since(start)
		observability.RecordLaneCompletion(duration, err == nil)
		observability.SetLaneDepth("session", q.queued())
		if err != nil {
			tracing.Fail(span, err)
			logger.Error().Err(err).Str("lane", laneName).Str("task_id", rec.id).Dur("duration", duration).Msg("Task failed")
			return
		}
		logger.Debug().Str("lane", laneName).Str("task_id", rec.id).
			Dur("wait", start.Sub(rec.enqueuedAt)).
			Dur("duration", duration).
			Msg("Task completed")
	}()

	return rec.task(runCtx)
}

func (q *Queue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.queue)
	}
	return n
}

// ClearLane rejects every task still waiting in the lane. The running task is
// left alone.
func (q *Queue) ClearLane(laneName string) int {
	q.mu.Lock()
	l, ok := q.lanes[laneName]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	dropped := l.queue
	l.queue = nil
	q.mu.Unlock()
	q.release(len(dropped))

	for _, rec := range dropped {
		rec.done <- ErrLaneCleared
		close(rec.done)
	}
	if len(dropped) > 0 {
		q.logger.Info().Str("lane", laneName).Int("cleared", len(dropped)).Msg("Lane cleared")
	}
	return len(dropped)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Lanes   int
	Queued  int
	Running int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Lanes: len(q.lanes)}
	for _, l := range q.lanes {
		s.Queued += len(l.queue)
		if l.running != nil {
			s.Running++
		}
	}
	return s
}

// WaitForActive polls until no lane has work or timeout passes.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s := q.Stats(); s.Queued == 0 && s.Running == 0 {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close refuses new work, cancels running tasks and waits for lane workers to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

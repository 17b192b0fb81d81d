package keyindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/transport"
)

type taskKind int

const (
	taskRebuild taskKind = iota
	taskAdd
	taskRemove
)

func (k taskKind) String() string {
	switch k {
	case taskAdd:
		return "add"
	case taskRemove:
		return "remove"
	default:
		return "rebuild"
	}
}

type task struct {
	kind   taskKind
	target transport.Target
	keys   []string
	done   chan error // nil for fire-and-forget tasks
}

// Reindexer runs index writes on a fixed pool of workers. Tasks for one
// target address always land on the same worker, so writes for a target
// never interleave.
type Reindexer struct {
	engine  *Engine
	queues  []chan task
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newReindexer(e *Engine, workers, queueSize int, timeout time.Duration) *Reindexer {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reindexer{
		engine:  e,
		queues:  make([]chan task, workers),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range r.queues {
		r.queues[i] = make(chan task, queueSize)
		r.wg.Add(1)
		go r.worker(r.queues[i])
	}
	return r
}

func (r *Reindexer) queueFor(target transport.Target) chan task {
	h := murmur3.Sum32([]byte(target.Address))
	return r.queues[h%uint32(len(r.queues))]
}

// submit enqueues t without blocking. It reports false when the queue is
// full or the reindexer is closed.
func (r *Reindexer) submit(t task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queueFor(t.target) <- t:
		return true
	default:
		return false
	}
}

// submitWait enqueues t, blocking until there is room or ctx ends.
func (r *Reindexer) submitWait(ctx context.Context, t task) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return domain.ErrInternal.WithDetails("reindexer closed")
	}
	select {
	case r.queueFor(t.target) <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reindexer) worker(q chan task) {
	defer r.wg.Done()
	for t := range q {
		err := r.run(t)
		if t.done != nil {
			t.done <- err
		}
	}
}

func (r *Reindexer) run(t task) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	e := r.engine
	keys := t.keys
	if t.kind != taskRebuild {
		current, err := e.readIndex(ctx, t.target)
		if err != nil {
			e.logger.Warn("index update skipped, index unreadable",
				"address", t.target.Address, "op", t.kind.String(), "error", err)
			e.metrics.RecordReindex(false, 0)
			return err
		}
		keys = apply(current, t.kind, t.keys)
	}

	keys = SortedUnique(withoutReserved(keys))
	if err := e.WriteIndexShards(ctx, t.target, keys); err != nil {
		e.logger.Warn("index write failed", "address", t.target.Address, "op", t.kind.String(), "error", err)
		e.metrics.RecordReindex(false, 0)
		return err
	}
	e.metrics.RecordReindex(true, len(keys))
	e.logger.Debug("index written", "address", t.target.Address, "op", t.kind.String(), "keys", len(keys))
	return nil
}

func apply(current []string, kind taskKind, keys []string) []string {
	switch kind {
	case taskAdd:
		return append(current, keys...)
	case taskRemove:
		drop := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			drop[k] = struct{}{}
		}
		out := current[:0]
		for _, k := range current {
			if _, ok := drop[k]; !ok {
				out = append(out, k)
			}
		}
		return out
	default:
		return keys
	}
}

// shutdown stops accepting tasks and lets the workers drain their queues
// until ctx ends, then cancels whatever is left and waits for the workers to
// exit.
func (r *Reindexer) shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, q := range r.queues {
			close(q)
		}
	}
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.cancel()
	<-drained
	return err
}

// close is shutdown without draining.
func (r *Reindexer) close() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = r.shutdown(ctx)
}

func (e *Engine) schedule(t task) {
	if !e.reindexer.submit(t) {
		e.metrics.IncReindexDropped()
		e.logger.Warn("reindex queue full, task dropped",
			"address", t.target.Address, "op", t.kind.String(), "keys", len(t.keys))
	}
}

// ScheduleReindex queues a rebuild of the index of target from keys. It
// never blocks; a full queue drops the task.
func (e *Engine) ScheduleReindex(target transport.Target, keys []string) {
	e.schedule(task{kind: taskRebuild, target: target, keys: keys})
}

// ScheduleAdd queues adding keys to the index of target.
func (e *Engine) ScheduleAdd(target transport.Target, keys ...string) {
	e.schedule(task{kind: taskAdd, target: target, keys: keys})
}

// ScheduleRemove queues removing keys from the index of target.
func (e *Engine) ScheduleRemove(target transport.Target, keys ...string) {
	e.schedule(task{kind: taskRemove, target: target, keys: keys})
}

// Reindex rebuilds the index of target from keys and waits for the result.
// It runs on the same worker as scheduled tasks for target.
func (e *Engine) Reindex(ctx context.Context, target transport.Target, keys []string) error {
	done := make(chan error, 1)
	if err := e.reindexer.submitWait(ctx, task{kind: taskRebuild, target: target, keys: keys, done: done}); err != nil {
		return fmt.Errorf("queue reindex: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package memory provides the in-process work queue implementation.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/leadsignal/harvester/internal/harvest"
)

// ProcessedFunc reports whether a target id has already been fully handled;
// such targets are silently skipped at enqueue time.
type ProcessedFunc func(ctx context.Context, targetID string) (bool, error)

// Queue is a bounded FIFO of pending targets with a separate retry lane.
// Fresh targets are always preferred over retries so a blocked target cannot
// head-of-line block the rest of the run. Each target id is accepted once
// per process lifetime; redelivery happens only through Requeue.
//
// Shutdown is signaled through a done channel rather than by closing the
// element channels; a producer blocked on a full lane unblocks with
// ErrQueueClosed instead of panicking, and consumers drain whatever was
// already queued before seeing ErrQueueClosed.
type Queue struct {
	fresh     chan harvest.Target
	retry     chan harvest.Target
	done      chan struct{}
	seen      sync.Map
	processed ProcessedFunc
	closeOnce sync.Once
}

// NewQueue constructs a queue with the provided per-lane capacity. The
// processed filter may be nil.
func NewQueue(capacity int, processed ProcessedFunc) *Queue {
	return &Queue{
		fresh:     make(chan harvest.Target, capacity),
		retry:     make(chan harvest.Target, capacity),
		done:      make(chan struct{}),
		processed: processed,
	}
}

// Enqueue pushes a target into the fresh lane. Targets already queued this
// run or already marked processed are dropped without error.
func (q *Queue) Enqueue(ctx context.Context, target harvest.Target) error {
	if target.TargetID == "" {
		return fmt.Errorf("enqueue: empty target id")
	}
	if q.processed != nil {
		done, err := q.processed(ctx, target.TargetID)
		if err != nil {
			return fmt.Errorf("enqueue processed check: %w", err)
		}
		if done {
			return nil
		}
	}
	if _, loaded := q.seen.LoadOrStore(target.TargetID, struct{}{}); loaded {
		return nil
	}
	select {
	case <-q.done:
		return harvest.ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.fresh <- target:
		return nil
	}
}

// Requeue places a target on the retry lane after a transient failure or a
// block, keeping it eligible for a later pass.
func (q *Queue) Requeue(ctx context.Context, target harvest.Target) error {
	select {
	case <-q.done:
		return harvest.ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("requeue canceled: %w", ctx.Err())
	case q.retry <- target:
		return nil
	}
}

// Dequeue pops the next target, preferring fresh work over retries, and
// blocks until one is available, the queue closes, or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Target, error) {
	select {
	case target := <-q.fresh:
		return target, nil
	default:
	}
	select {
	case <-ctx.Done():
		return harvest.Target{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case target := <-q.fresh:
		return target, nil
	case target := <-q.retry:
		return target, nil
	case <-q.done:
		// Drain whatever was queued before the close.
		select {
		case target := <-q.fresh:
			return target, nil
		default:
		}
		select {
		case target := <-q.retry:
			return target, nil
		default:
		}
		return harvest.Target{}, harvest.ErrQueueClosed
	}
}

// Size reports the number of targets currently waiting in both lanes.
func (q *Queue) Size() int {
	return len(q.fresh) + len(q.retry)
}

// Close signals shutdown to every blocked producer and consumer. Safe to
// call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

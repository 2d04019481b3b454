package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrRecorderClosed is returned by Enqueue after Close.
	ErrRecorderClosed = errors.New("audit recorder closed")
	// ErrRecorderFull is returned by Enqueue when the queue is at capacity.
	ErrRecorderFull = errors.New("audit recorder queue full")
)

// DefaultQueueSize is the Recorder queue capacity when none is given.
const DefaultQueueSize = 1024

// Recorder records events off the request path. HTTP handlers enqueue an
// Input once the response status is known and return immediately; a single
// worker goroutine appends them to the chain in enqueue order.
//
// Failures are logged, never dropped silently, and Backlog exposes how far
// the worker is behind.
type Recorder struct {
	chain *Chain

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan Input

	backlog atomic.Int64
	failed  atomic.Int64

	// ctx is cancelled when Close gives up waiting, so a stuck append
	// stops retrying.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder starts a worker appending to chain. size is the queue
// capacity; zero selects DefaultQueueSize.
func NewRecorder(chain *Chain, size int) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		chain:  chain,
		queue:  make(chan Input, size),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue schedules in for recording without blocking.
func (r *Recorder) Enqueue(in Input) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}

	r.backlog.Add(1)
	select {
	case r.queue <- in:
		return nil
	default:
		r.backlog.Add(-1)
		slog.Error("audit queue full, event rejected", "action", in.Action)
		return ErrRecorderFull
	}
}

// Backlog returns the number of enqueued events not yet appended.
func (r *Recorder) Backlog() int {
	return int(r.backlog.Load())
}

// Failed returns how many events the worker could not append.
func (r *Recorder) Failed() int {
	return int(r.failed.Load())
}

// Close stops accepting events and waits for the queue to drain. If ctx
// ends first, the remaining events are abandoned and an error reports how
// many were lost.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return fmt.Errorf("audit recorder stopped before draining: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	defer r.cancel()

	for in := range r.queue {
		if _, err := r.chain.Record(r.ctx, in); err != nil {
			r.failed.Add(1)
			slog.Error("audit record failed",
				"action", in.Action,
				"request_id", in.RequestID,
				"error", err,
			)
		}
		r.backlog.Add(-1)
	}
}

package store

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors shared by both backends.
var (
	ErrNotFound    = errors.New("store: not found")
	ErrQueueClosed = errors.New("store: queue closed")
	ErrQueueReset  = errors.New("store: queue reset")
)

const (
	maxOpRetries = 3
	retryDelay   = 100 * time.Millisecond
	drainTimeout = 5 * time.Second
)

// op is one queued write with its completion channel.
type op struct {
	name    string
	fn      func() error
	attempt int
	done    chan error
}

// opQueue serializes backend writes through a single drain goroutine.
// Transient failures (lock/IO contention) retry with exponential
// backoff; the retried op re-enters at the tail. A failed op reports
// its error to the caller and never stalls the drain loop.
type opQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	ops        []*op
	processing bool
	closed     bool
	log        *zap.Logger
}

func newOpQueue(log *zap.Logger) *opQueue {
	q := &opQueue{log: log}
	q.cond = sync.NewCond(&q.mu)
	go q.drain()
	return q
}

// Do enqueues fn and blocks until it completes or fails.
func (q *opQueue) Do(name string, fn func() error) error {
	o := &op{name: name, fn: fn, attempt: 1, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.ops = append(q.ops, o)
	q.cond.Signal()
	q.mu.Unlock()

	return <-o.done
}

// Status reports the pending length and whether an op is running.
func (q *opQueue) Status() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops), q.processing
}

func (q *opQueue) drain() {
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.ops) == 0 {
			q.mu.Unlock()
			return
		}
		o := q.ops[0]
		q.ops = q.ops[1:]
		q.processing = true
		q.mu.Unlock()

		err := o.fn()

		q.mu.Lock()
		q.processing = false
		if err != nil && isTransient(err) && o.attempt < maxOpRetries {
			delay := backoff(o.attempt)
			o.attempt++
			q.log.Warn("store: transient failure, requeueing op",
				zap.String("op", o.name),
				zap.Int("attempt", o.attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			q.mu.Unlock()
			time.Sleep(delay)
			q.mu.Lock()
			if q.closed {
				o.done <- ErrQueueClosed
			} else {
				q.ops = append(q.ops, o)
				q.cond.Signal()
			}
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		if err != nil {
			q.log.Error("store: op failed", zap.String("op", o.name), zap.Error(err))
		}
		o.done <- err
	}
}

// WaitIdle blocks until the queue is empty and idle, or the timeout
// elapses. Returns false on timeout.
func (q *opQueue) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		length, processing := q.Status()
		if length == 0 && !processing {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// ForceClear fails every pending op with ErrQueueReset.
func (q *opQueue) ForceClear() int {
	q.mu.Lock()
	pending := q.ops
	q.ops = nil
	q.mu.Unlock()

	for _, o := range pending {
		o.done <- ErrQueueReset
	}
	return len(pending)
}

// Close drains up to drainTimeout then stops the goroutine. Pending
// ops after the timeout fail with ErrQueueClosed.
func (q *opQueue) Close() {
	q.WaitIdle(drainTimeout)

	q.mu.Lock()
	q.closed = true
	pending := q.ops
	q.ops = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, o := range pending {
		o.done <- ErrQueueClosed
	}
}

// backoff returns retryDelay * 1.5^(attempt-1).
func backoff(attempt int) time.Duration {
	return time.Duration(float64(retryDelay) * math.Pow(1.5, float64(attempt-1)))
}

// isTransient reports whether the error looks like lock or IO
// contention worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"database is locked",
		"busy",
		"interrupted",
		"resource temporarily unavailable",
		"i/o error",
		"too many open files",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// wrapOp names queue failures consistently for callers.
func wrapOp(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store: %s: %w", name, err)
}

package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := newOpQueue(zap.NewNop())
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		// Ops submitted from one goroutine so enqueue order is fixed.
		go func() {
			defer wg.Done()
			_ = q.Do("op", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("op order = %v, want sequential", order)
		}
	}
}

func TestQueueRetriesTransientErrors(t *testing.T) {
	q := newOpQueue(zap.NewNop())
	defer q.Close()

	attempts := 0
	start := time.Now()
	err := q.Do("flaky", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("op should succeed after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// Two failures mean two backoff waits before the success.
	if want := backoff(1) + backoff(2); elapsed < want {
		t.Errorf("elapsed = %v, want at least %v of backoff", elapsed, want)
	}
}

func TestQueueGivesUpAfterMaxRetries(t *testing.T) {
	q := newOpQueue(zap.NewNop())
	defer q.Close()

	attempts := 0
	err := q.Do("always locked", func() error {
		attempts++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != maxOpRetries {
		t.Errorf("attempts = %d, want %d", attempts, maxOpRetries)
	}
}

func TestQueuePermanentErrorDoesNotStall(t *testing.T) {
	q := newOpQueue(zap.NewNop())
	defer q.Close()

	if err := q.Do("bad", func() error { return errors.New("constraint violation") }); err == nil {
		t.Fatal("expected permanent error to surface")
	}
	// The queue must keep draining after a failure.
	if err := q.Do("good", func() error { return nil }); err != nil {
		t.Fatalf("queue stalled after failed op: %v", err)
	}
}

func TestBackoffGrowsGeometrically(t *testing.T) {
	d1 := backoff(1)
	d2 := backoff(2)
	d3 := backoff(3)
	if d1 != retryDelay {
		t.Errorf("backoff(1) = %v, want %v", d1, retryDelay)
	}
	if d2 != time.Duration(float64(retryDelay)*1.5) {
		t.Errorf("backoff(2) = %v", d2)
	}
	if d3 <= d2 || d2 <= d1 {
		t.Errorf("backoff not increasing: %v %v %v", d1, d2, d3)
	}
}

func TestIsTransient(t *testing.T) {
	if !isTransient(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("busy error should be transient")
	}
	if isTransient(errors.New("UNIQUE constraint failed")) {
		t.Error("constraint error should not be transient")
	}
	if isTransient(nil) {
		t.Error("nil is not transient")
	}
}

// stuckStore fakes a wedged backend for the watchdog.
type stuckStore struct {
	Storer     // nil; only QueueStatus and Reset are exercised
	queueLen   int
	processing bool
	resets     int
}

func (s *stuckStore) QueueStatus() (int, bool) { return s.queueLen, s.processing }
func (s *stuckStore) Reset() error             { s.resets++; s.queueLen = 0; return nil }

func TestMonitorResetsStuckQueue(t *testing.T) {
	s := &stuckStore{queueLen: 25, processing: false}
	m := NewMonitor(s, time.Minute, 10, zap.NewNop())

	if !m.Check() {
		t.Fatal("expected watchdog to fire on stuck queue")
	}
	if s.resets != 1 {
		t.Errorf("resets = %d, want 1", s.resets)
	}
	if m.Status().ResetCount != 1 {
		t.Errorf("ResetCount = %d, want 1", m.Status().ResetCount)
	}
}

func TestMonitorLeavesBusyQueueAlone(t *testing.T) {
	// A long queue that is actively draining is progress, not a wedge.
	s := &stuckStore{queueLen: 25, processing: true}
	m := NewMonitor(s, time.Minute, 10, zap.NewNop())

	if m.Check() {
		t.Fatal("watchdog must not reset while the queue is draining")
	}

	s.processing = false
	s.queueLen = 5
	if m.Check() {
		t.Fatal("watchdog must not reset below the watermark")
	}
	if s.resets != 0 {
		t.Errorf("resets = %d, want 0", s.resets)
	}
}

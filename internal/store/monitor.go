package store

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// MonitorStatus is a snapshot of watchdog state.
type MonitorStatus struct {
	QueueLength   int
	Processing    bool
	ResetCount    int
	LastError     string
	LastErrorTime time.Time
}

// Monitor watches a store's op queue and resets the store when the
// queue backs up while the drain loop sits idle, which is the
// signature of a wedged backend.
type Monitor struct {
	store     Storer
	interval  time.Duration
	watermark int
	log       *zap.Logger

	mu         sync.Mutex
	resetCount int
	lastErr    string
	lastErrAt  time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMonitor creates a watchdog. interval <= 0 defaults to one minute;
// watermark <= 0 defaults to 10 pending ops.
func NewMonitor(s Storer, interval time.Duration, watermark int, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if watermark <= 0 {
		watermark = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		store:     s,
		interval:  interval,
		watermark: watermark,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Start launches the periodic check. Safe to call once.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the periodic check.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Check runs one watchdog pass and reports whether a reset fired.
func (m *Monitor) Check() bool {
	length, processing := m.store.QueueStatus()
	if length <= m.watermark || processing {
		return false
	}

	m.log.Warn("store monitor: queue stuck, resetting store",
		zap.Int("queueLength", length),
		zap.Int("watermark", m.watermark))

	err := m.store.Reset()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCount++
	if err != nil {
		m.lastErr = err.Error()
		m.lastErrAt = time.Now()
		m.log.Error("store monitor: reset failed", zap.Error(err))
	}
	return true
}

// Status returns the current watchdog snapshot.
func (m *Monitor) Status() MonitorStatus {
	length, processing := m.store.QueueStatus()
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		QueueLength:   length,
		Processing:    processing,
		ResetCount:    m.resetCount,
		LastError:     m.lastErr,
		LastErrorTime: m.lastErrAt,
	}
}

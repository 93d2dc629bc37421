// ABOUTME: Sliding-window persistence error-rate monitor
// ABOUTME: Trips once when failures inside the window reach the threshold, signalling a restart

package health

import (
	"log/slog"
	"sync"
	"time"
)

// ErrorRateMonitor counts failures inside a sliding window.
type ErrorRateMonitor struct {
	mu        sync.Mutex
	failures  []time.Time // oldest first
	window    time.Duration
	threshold int
	tripped   chan struct{}
	once      sync.Once
	lastErr   error
	now       func() time.Time
	logger    *slog.Logger
}

// NewErrorRateMonitor creates a monitor that trips after threshold failures
// within window.
func NewErrorRateMonitor(window time.Duration, threshold int, logger *slog.Logger) *ErrorRateMonitor {
	if threshold < 1 {
		threshold = 1
	}
	return &ErrorRateMonitor{
		window:    window,
		threshold: threshold,
		tripped:   make(chan struct{}),
		now:       time.Now,
		logger:    logger.With("component", "health"),
	}
}

// Record notes the outcome of one persistence operation. Nil errors are
// ignored; successes do not clear earlier failures.
func (m *ErrorRateMonitor) Record(err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	now := m.now()
	m.failures = append(m.failures, now)
	m.lastErr = err
	m.expire(now)
	count := len(m.failures)
	m.mu.Unlock()

	m.logger.Warn("persistence failure", "error", err, "in_window", count, "threshold", m.threshold)
	if count >= m.threshold {
		m.once.Do(func() {
			m.logger.Error("persistence error rate exceeded, requesting restart",
				"failures", count, "window", m.window, "last_error", err)
			close(m.tripped)
		})
	}
}

func (m *ErrorRateMonitor) expire(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.failures) && !m.failures[i].After(cutoff) {
		i++
	}
	m.failures = m.failures[i:]
}

// Failures returns how many failures are inside the window now.
func (m *ErrorRateMonitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(m.now())
	return len(m.failures)
}

// LastError returns the most recent failure, or nil.
func (m *ErrorRateMonitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Tripped is closed once the threshold has been reached.
func (m *ErrorRateMonitor) Tripped() <-chan struct{} {
	return m.tripped
}

// Healthy reports whether the monitor has not tripped.
func (m *ErrorRateMonitor) Healthy() bool {
	select {
	case <-m.tripped:
		return false
	default:
		return true
	}
}

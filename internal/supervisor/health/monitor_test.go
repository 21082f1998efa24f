package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type recorder struct {
	mu       sync.Mutex
	stalled  []string
	timedOut []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStalled: func(sessionID string, _ time.Duration) {
			r.mu.Lock()
			r.stalled = append(r.stalled, sessionID)
			r.mu.Unlock()
		},
		OnHardTimeout: func(sessionID string, _ time.Duration) {
			r.mu.Lock()
			r.timedOut = append(r.timedOut, sessionID)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) stalledCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.stalled {
		if id == sessionID {
			n++
		}
	}
	return n
}

func (r *recorder) timedOutCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.timedOut {
		if id == sessionID {
			n++
		}
	}
	return n
}

func TestMonitor_StallDetection(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(20*time.Millisecond, time.Hour, 10*time.Millisecond, rec.callbacks(), testLogger(t))
	defer m.Shutdown()

	m.StartMonitoring("sess-1")

	assert.Eventually(t, func() bool {
		return rec.stalledCount("sess-1") >= 1
	}, time.Second, 5*time.Millisecond)

	// Stall fires once, not on every poll.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.stalledCount("sess-1"))
}

func TestMonitor_TouchResetsStallClock(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(60*time.Millisecond, time.Hour, 10*time.Millisecond, rec.callbacks(), testLogger(t))
	defer m.Shutdown()

	m.StartMonitoring("sess-2")

	// Keep touching; the session must never stall while active.
	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		m.Touch("sess-2")
	}
	assert.Equal(t, 0, rec.stalledCount("sess-2"))
}

func TestMonitor_StallRearmsAfterActivity(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(20*time.Millisecond, time.Hour, 10*time.Millisecond, rec.callbacks(), testLogger(t))
	defer m.Shutdown()

	m.StartMonitoring("sess-3")

	assert.Eventually(t, func() bool {
		return rec.stalledCount("sess-3") == 1
	}, time.Second, 5*time.Millisecond)

	m.Touch("sess-3")

	assert.Eventually(t, func() bool {
		return rec.stalledCount("sess-3") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_HardTimeout(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(time.Hour, 30*time.Millisecond, 10*time.Millisecond, rec.callbacks(), testLogger(t))
	defer m.Shutdown()

	m.StartMonitoring("sess-4")
	// Activity does not defer the hard ceiling.
	m.Touch("sess-4")

	assert.Eventually(t, func() bool {
		return rec.timedOutCount("sess-4") >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.timedOutCount("sess-4"))
}

func TestMonitor_StopMonitoringSilences(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(20*time.Millisecond, time.Hour, 10*time.Millisecond, rec.callbacks(), testLogger(t))
	defer m.Shutdown()

	m.StartMonitoring("sess-5")
	m.StopMonitoring("sess-5")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.stalledCount("sess-5"))

	_, ok := m.LastActivity("sess-5")
	assert.False(t, ok)
}

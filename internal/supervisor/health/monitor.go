// Package health detects stalled and overrunning CLI sessions. A session is
// stalled when no output arrives within the stall threshold; it is overrunning
// when its total runtime crosses the hard ceiling.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/logger"
)

// defaultPollInterval keeps stall detection within one interval of the
// threshold crossing without busy-polling.
const defaultPollInterval = 15 * time.Second

// Callbacks receive health verdicts. OnStalled fires once per stall (it
// re-arms when output resumes); OnHardTimeout fires once per session.
type Callbacks struct {
	OnStalled     func(sessionID string, idle time.Duration)
	OnHardTimeout func(sessionID string, runtime time.Duration)
}

type watch struct {
	startedAt      time.Time
	lastActivityAt time.Time
	stalled        bool
	timedOut       bool
}

// Monitor tracks last-activity timestamps for active sessions and
// periodically evaluates them against the stall and hard-timeout thresholds.
// Unmonitored sessions never stall.
type Monitor struct {
	stallThreshold time.Duration
	hardTimeout    time.Duration
	pollInterval   time.Duration
	callbacks      Callbacks
	logger         *logger.Logger

	mu       sync.Mutex
	watches  map[string]*watch
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor and starts its evaluation loop. A non-positive
// pollInterval selects the default.
func NewMonitor(stallThreshold, hardTimeout, pollInterval time.Duration, cb Callbacks, log *logger.Logger) *Monitor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	m := &Monitor{
		stallThreshold: stallThreshold,
		hardTimeout:    hardTimeout,
		pollInterval:   pollInterval,
		callbacks:      cb,
		logger:         log.WithFields(zap.String("component", "health-monitor")),
		watches:        make(map[string]*watch),
		done:           make(chan struct{}),
	}
	go m.loop()
	return m
}

// StartMonitoring begins watching a session. The activity clock starts now.
func (m *Monitor) StartMonitoring(sessionID string) {
	now := time.Now()
	m.mu.Lock()
	m.watches[sessionID] = &watch{startedAt: now, lastActivityAt: now}
	m.mu.Unlock()
}

// StopMonitoring stops watching a session. No verdicts fire after this call.
func (m *Monitor) StopMonitoring(sessionID string) {
	m.mu.Lock()
	delete(m.watches, sessionID)
	m.mu.Unlock()
}

// Touch records output activity, resetting the stall clock. A previously
// stalled session that produces output re-arms stall detection.
func (m *Monitor) Touch(sessionID string) {
	m.mu.Lock()
	if w, ok := m.watches[sessionID]; ok {
		w.lastActivityAt = time.Now()
		w.stalled = false
	}
	m.mu.Unlock()
}

// LastActivity returns the last recorded activity time for a session.
func (m *Monitor) LastActivity(sessionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return w.lastActivityAt, true
}

// Shutdown stops the evaluation loop.
func (m *Monitor) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.evaluate(now)
		}
	}
}

func (m *Monitor) evaluate(now time.Time) {
	type verdict struct {
		sessionID string
		idle      time.Duration
		runtime   time.Duration
		timedOut  bool
	}
	var verdicts []verdict

	m.mu.Lock()
	for sessionID, w := range m.watches {
		runtime := now.Sub(w.startedAt)
		if m.hardTimeout > 0 && runtime > m.hardTimeout && !w.timedOut {
			w.timedOut = true
			verdicts = append(verdicts, verdict{sessionID: sessionID, runtime: runtime, timedOut: true})
			continue
		}

		idle := now.Sub(w.lastActivityAt)
		if m.stallThreshold > 0 && idle > m.stallThreshold && !w.stalled {
			w.stalled = true
			verdicts = append(verdicts, verdict{sessionID: sessionID, idle: idle})
		}
	}
	m.mu.Unlock()

	// Callbacks run outside the lock; they typically publish events or
	// request termination, both of which may call back into the monitor.
	for _, v := range verdicts {
		if v.timedOut {
			m.logger.Warn("session exceeded hard runtime ceiling",
				zap.String("session_id", v.sessionID),
				zap.Duration("runtime", v.runtime))
			if m.callbacks.OnHardTimeout != nil {
				m.callbacks.OnHardTimeout(v.sessionID, v.runtime)
			}
			continue
		}
		m.logger.Warn("session stalled",
			zap.String("session_id", v.sessionID),
			zap.Duration("idle", v.idle))
		if m.callbacks.OnStalled != nil {
			m.callbacks.OnStalled(v.sessionID, v.idle)
		}
	}
}

package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/ttlstore"
)

const (
	// snapshotInterval bounds how stale a persisted snapshot can be.
	snapshotInterval = time.Second

	// SnapshotTTL is how long output remains readable after completion.
	SnapshotTTL = time.Hour
)

// snapshotKey is the short-TTL store key for a session's output snapshot.
func snapshotKey(sessionID string) string {
	return "cli:output:" + sessionID
}

// Manager owns the per-session buffers and persists periodic snapshots to
// the short-TTL store so output survives orchestrator restarts and remains
// readable for an hour after completion.
type Manager struct {
	store    ttlstore.Store
	logger   *logger.Logger
	maxLines int

	mu      sync.RWMutex
	buffers map[string]*Buffer

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager and starts the snapshot loop.
func NewManager(store ttlstore.Store, log *logger.Logger, maxLines int) *Manager {
	m := &Manager{
		store:    store,
		logger:   log.WithFields(zap.String("component", "output-buffer")),
		maxLines: maxLines,
		buffers:  make(map[string]*Buffer),
		done:     make(chan struct{}),
	}
	go m.snapshotLoop()
	return m
}

// Open creates (or returns) the buffer for a session.
func (m *Manager) Open(sessionID string) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if buf, ok := m.buffers[sessionID]; ok {
		return buf
	}
	buf := NewBuffer(m.maxLines)
	m.buffers[sessionID] = buf
	return buf
}

// Append adds a line to a session's buffer. Lines for unknown sessions are
// dropped; the supervisor opens the buffer before wiring the readers.
func (m *Manager) Append(sessionID, line string) {
	m.mu.RLock()
	buf, ok := m.buffers[sessionID]
	m.mu.RUnlock()
	if ok {
		buf.Append(line)
	}
}

// Subscribe returns a live feed of lines appended after this call. The
// returned cancel function must be called to release the subscription.
func (m *Manager) Subscribe(sessionID string) (<-chan string, func(), error) {
	m.mu.RLock()
	buf, ok := m.buffers[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no active output buffer for session %s", sessionID)
	}
	ch, cancel := buf.Subscribe()
	return ch, cancel, nil
}

// GetBufferedOutput returns a session's lines in arrival order. Active
// sessions read from memory; completed sessions fall back to the persisted
// snapshot until its TTL expires.
func (m *Manager) GetBufferedOutput(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	buf, ok := m.buffers[sessionID]
	m.mu.RUnlock()
	if ok {
		return buf.Lines(), nil
	}

	data, err := m.store.Get(ctx, snapshotKey(sessionID))
	if err != nil {
		if errors.Is(err, ttlstore.ErrNotFound) {
			return nil, fmt.Errorf("no output for session %s: %w", sessionID, err)
		}
		return nil, err
	}

	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("corrupt output snapshot for session %s: %w", sessionID, err)
	}
	return lines, nil
}

// Close takes a final snapshot for a session, releases its subscribers, and
// drops the in-memory buffer. Output remains readable via the snapshot until
// the TTL expires.
func (m *Manager) Close(ctx context.Context, sessionID string) {
	m.mu.Lock()
	buf, ok := m.buffers[sessionID]
	delete(m.buffers, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	buf.close()
	m.persist(ctx, sessionID, buf.Lines())
}

// Shutdown stops the snapshot loop and final-snapshots all open buffers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	buffers := m.buffers
	m.buffers = make(map[string]*Buffer)
	m.mu.Unlock()

	for sessionID, buf := range buffers {
		buf.close()
		m.persist(ctx, sessionID, buf.Lines())
	}
}

func (m *Manager) snapshotLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.snapshotDirty()
		}
	}
}

func (m *Manager) snapshotDirty() {
	m.mu.RLock()
	type pending struct {
		sessionID string
		lines     []string
	}
	var work []pending
	for sessionID, buf := range m.buffers {
		if lines := buf.takeDirtySnapshot(); lines != nil {
			work = append(work, pending{sessionID: sessionID, lines: lines})
		}
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range work {
		m.persist(ctx, p.sessionID, p.lines)
	}
}

func (m *Manager) persist(ctx context.Context, sessionID string, lines []string) {
	data, err := json.Marshal(lines)
	if err != nil {
		m.logger.Error("failed to marshal output snapshot",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := m.store.Set(ctx, snapshotKey(sessionID), data, SnapshotTTL); err != nil {
		m.logger.Error("failed to persist output snapshot",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

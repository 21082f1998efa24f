// Package supervisor spawns, monitors, and terminates the external CLI agent
// processes. Each spawn runs inside a prepared workspace directory with Git
// credentials supplied through the process environment only; output is
// captured line by line into the output buffer and drives stall detection.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/common/tracing"
	"github.com/devos-ai/devos/internal/events"
	"github.com/devos-ai/devos/internal/events/bus"
	"github.com/devos-ai/devos/internal/supervisor/health"
	"github.com/devos-ai/devos/internal/supervisor/output"
	"github.com/devos-ai/devos/internal/ttlstore"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// sessionRecordTTL is how long a finished session record stays readable in
// the short-TTL store.
const sessionRecordTTL = time.Hour

// WorkspacePreparer ensures a workspace directory holds a clone of the
// project repository on the base branch. Implemented by the gitops package.
type WorkspacePreparer interface {
	EnsureClone(ctx context.Context, dir, repoURL, baseBranch, token string) error
}

// SpawnParams describes one CLI invocation.
type SpawnParams struct {
	WorkspaceID     string
	ProjectID       string
	AgentID         string
	AgentType       v1.AgentType
	Prompt          string
	StoryID         string
	GitRepoURL      string
	GitToken        string // defaults to the GIT_TOKEN environment variable
	PipelineContext json.RawMessage
	ExtraEnv        map[string]string
}

// session is the supervisor-private state behind a v1.CLISession.
type session struct {
	mu           sync.Mutex
	info         v1.CLISession
	cmd          *exec.Cmd
	workspaceDir string
	// terminateReason is set before signalling; the waiter uses it to pick
	// the terminated status and event reason.
	terminateReason string
	termOnce        sync.Once
	done            chan struct{}
	// readers tracks the pipe-draining goroutines. They must finish before
	// cmd.Wait reclaims the pipes, or trailing output is lost.
	readers sync.WaitGroup
	// span covers the session lifetime, from process start to exit.
	span trace.Span
}

func (s *session) snapshot() v1.CLISession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Supervisor owns all live CLI sessions. Safe for concurrent use.
type Supervisor struct {
	workspaceCfg config.WorkspaceConfig
	gitCfg       config.GitConfig
	agentCfg     config.AgentConfig

	logger   *logger.Logger
	bus      bus.EventBus
	output   *output.Manager
	health   *health.Monitor
	store    ttlstore.Store
	preparer WorkspacePreparer

	mu       sync.RWMutex
	sessions map[string]*session

	// wsLocks serialises sessions per workspace directory. Each entry is a
	// one-slot semaphore so acquisition can respect context cancellation.
	wsMu    sync.Mutex
	wsLocks map[string]chan struct{}
}

// New creates a Supervisor and wires the health monitor callbacks.
func New(cfg *config.Config, eventBus bus.EventBus, outputMgr *output.Manager, store ttlstore.Store, preparer WorkspacePreparer, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		workspaceCfg: cfg.Workspace,
		gitCfg:       cfg.Git,
		agentCfg:     cfg.Agent,
		logger:       log.WithFields(zap.String("component", "supervisor")),
		bus:          eventBus,
		output:       outputMgr,
		store:        store,
		preparer:     preparer,
		sessions:     make(map[string]*session),
		wsLocks:      make(map[string]chan struct{}),
	}

	s.health = health.NewMonitor(
		cfg.Agent.StallThreshold(),
		cfg.Agent.HardTimeout(),
		0,
		health.Callbacks{
			OnStalled:     s.onStalled,
			OnHardTimeout: s.onHardTimeout,
		},
		log,
	)

	return s
}

// Output returns the output buffer manager for this supervisor's sessions.
func (s *Supervisor) Output() *output.Manager { return s.output }

// Spawn launches the CLI binary for an agent invocation. It blocks until the
// workspace is prepared and the process has started, then returns while the
// session runs in the background. Callers await completion via Wait.
func (s *Supervisor) Spawn(ctx context.Context, params SpawnParams) (*v1.CLISession, error) {
	if err := s.validate(params); err != nil {
		return nil, err
	}
	if params.GitToken == "" {
		params.GitToken = os.Getenv("GIT_TOKEN")
	}

	workspaceDir := s.workspaceDir(params.WorkspaceID, params.ProjectID)

	// One session at a time per workspace directory.
	release, err := s.acquireWorkspace(ctx, workspaceDir)
	if err != nil {
		return nil, err
	}

	if err := s.prepareWorkspace(ctx, workspaceDir, params); err != nil {
		release()
		return nil, errs.WrapKind(err, errs.KindFatal, "workspace prep failed")
	}

	sessionID := uuid.New().String()
	now := time.Now().UTC()

	sess := &session{
		info: v1.CLISession{
			SessionID:      sessionID,
			WorkspaceID:    params.WorkspaceID,
			ProjectID:      params.ProjectID,
			AgentID:        params.AgentID,
			AgentType:      params.AgentType,
			Status:         v1.SessionSpawning,
			StartedAt:      now,
			LastActivityAt: now,
		},
		workspaceDir: workspaceDir,
		done:         make(chan struct{}),
	}

	cmd := exec.Command(s.workspaceCfg.CLIBinaryPath)
	cmd.Dir = workspaceDir
	cmd.Env = s.buildEnv(sessionID, params)
	cmd.Stdin = nil
	setProcGroup(cmd)
	sess.cmd = cmd

	stdout, stderr, startErr := s.startProcess(cmd, params.Prompt)
	if startErr != nil {
		release()
		return nil, errs.WrapKind(startErr, errs.KindCLI, "failed to launch CLI binary")
	}

	pid := cmd.Process.Pid
	sess.mu.Lock()
	sess.info.Status = v1.SessionRunning
	sess.info.PID = &pid
	sess.mu.Unlock()

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	// The span outlives Spawn's ctx; it is ended by waitForExit.
	_, span := tracing.Tracer("supervisor").Start(ctx, "cli.session",
		trace.WithNewRoot())
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("agent.type", string(params.AgentType)),
		attribute.String("workspace.id", params.WorkspaceID),
		attribute.String("project.id", params.ProjectID),
	)
	sess.span = span

	s.output.Open(sessionID)
	s.health.StartMonitoring(sessionID)

	s.logger.Info("session spawned",
		zap.String("session_id", sessionID),
		zap.String("agent_type", string(params.AgentType)),
		zap.String("workspace_id", params.WorkspaceID),
		zap.String("project_id", params.ProjectID),
		zap.Int("pid", pid),
	)
	s.publishSession(events.SubjectSessionStarted, events.TypeSessionStarted, sess, nil)

	if stdout != nil {
		sess.readers.Add(1)
		go s.readOutput(sess, stdout)
	}
	if stderr != nil {
		sess.readers.Add(1)
		go s.readOutput(sess, stderr)
	}
	go s.waitForExit(sess, release)

	info := sess.snapshot()
	return &info, nil
}

// Terminate requests graceful shutdown of a session, escalating to force-kill
// after the configured wait. The final session:failed event carries the reason.
func (s *Supervisor) Terminate(ctx context.Context, sessionID, reason string) error {
	sess, ok := s.get(sessionID)
	if !ok {
		return errs.NotFound("session", sessionID)
	}
	s.terminate(ctx, sess, reason)
	return nil
}

// Wait blocks until the session reaches a terminal status or ctx is done,
// and returns the final session snapshot.
func (s *Supervisor) Wait(ctx context.Context, sessionID string) (*v1.CLISession, error) {
	sess, ok := s.get(sessionID)
	if !ok {
		return nil, errs.NotFound("session", sessionID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sess.done:
		info := sess.snapshot()
		return &info, nil
	}
}

// Get returns the current snapshot of a session.
func (s *Supervisor) Get(sessionID string) (*v1.CLISession, bool) {
	sess, ok := s.get(sessionID)
	if !ok {
		return nil, false
	}
	info := sess.snapshot()
	return &info, true
}

// List returns snapshots of all tracked sessions.
func (s *Supervisor) List() []v1.CLISession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]v1.CLISession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// Release drops a finished session from the registry after its result has
// been collected. The session record stays in the short-TTL store.
func (s *Supervisor) Release(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		select {
		case <-sess.done:
			delete(s.sessions, sessionID)
		default:
			// Still running; refuse to drop it.
		}
	}
	s.mu.Unlock()
}

// Shutdown terminates all running sessions and stops the health monitor.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	active := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.RUnlock()

	for _, sess := range active {
		select {
		case <-sess.done:
		default:
			s.terminate(ctx, sess, "orchestrator shutdown")
		}
	}
	s.health.Shutdown()
}

func (s *Supervisor) validate(params SpawnParams) error {
	switch {
	case params.WorkspaceID == "":
		return errs.Validation("workspaceId", "must not be empty")
	case params.ProjectID == "":
		return errs.Validation("projectId", "must not be empty")
	case !v1.ValidAgentType(params.AgentType):
		return errs.Validation("agentType", fmt.Sprintf("unknown agent type %q", params.AgentType))
	case params.Prompt == "":
		return errs.Validation("prompt", "must not be empty")
	case s.workspaceCfg.CLIBinaryPath == "":
		return errs.Fatal("CLI_BINARY_PATH is not configured")
	}
	return nil
}

func (s *Supervisor) get(sessionID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// acquireWorkspace takes the per-workspace slot, waiting until the current
// session (if any) finishes or ctx is cancelled.
func (s *Supervisor) acquireWorkspace(ctx context.Context, dir string) (func(), error) {
	s.wsMu.Lock()
	slot, ok := s.wsLocks[dir]
	if !ok {
		slot = make(chan struct{}, 1)
		s.wsLocks[dir] = slot
	}
	s.wsMu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, errs.WrapKind(ctx.Err(), errs.KindTransient, "waiting for workspace lock")
	}
}

func (s *Supervisor) readOutput(sess *session, r io.Reader) {
	defer sess.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		sess.mu.Lock()
		sess.info.OutputLineCount++
		sess.info.LastActivityAt = time.Now().UTC()
		sessionID := sess.info.SessionID
		sess.mu.Unlock()

		s.output.Append(sessionID, line)
		s.health.Touch(sessionID)
		s.publishSession(events.SubjectSessionOutput, events.TypeSessionOutput, sess, map[string]interface{}{
			"line": line,
		})
	}
}

func (s *Supervisor) waitForExit(sess *session, release func()) {
	// Both pipes must be drained first: Wait invalidates them, and the final
	// snapshot, buffer close and completion event have to see every line.
	sess.readers.Wait()
	err := sess.cmd.Wait()
	exitCode := exitCodeFrom(err)

	sess.mu.Lock()
	reason := sess.terminateReason
	sess.info.ExitCode = &exitCode
	switch {
	case reason != "":
		sess.info.Status = v1.SessionTerminated
	case exitCode == 0:
		sess.info.Status = v1.SessionCompleted
	default:
		sess.info.Status = v1.SessionFailed
	}
	status := sess.info.Status
	sessionID := sess.info.SessionID
	lineCount := sess.info.OutputLineCount
	sess.mu.Unlock()

	s.health.StopMonitoring(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.output.Close(ctx, sessionID)
	s.persistSessionRecord(ctx, sess)

	metadata := map[string]interface{}{
		"exit_code":         exitCode,
		"output_line_count": lineCount,
	}
	if status == v1.SessionCompleted {
		s.publishSession(events.SubjectSessionCompleted, events.TypeSessionCompleted, sess, metadata)
	} else {
		if reason != "" {
			metadata["reason"] = reason
		}
		if err != nil {
			metadata["error"] = err.Error()
		}
		s.publishSession(events.SubjectSessionFailed, events.TypeSessionFailed, sess, metadata)
	}

	s.logger.Info("session exited",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Int("exit_code", exitCode),
		zap.Int("output_lines", lineCount),
	)

	if sess.span != nil {
		sess.span.SetAttributes(attribute.Int("session.exit_code", exitCode))
		if status != v1.SessionCompleted {
			sess.span.SetStatus(codes.Error, string(status))
		}
		sess.span.End()
	}

	close(sess.done)
	release()
}

func (s *Supervisor) terminate(ctx context.Context, sess *session, reason string) {
	sess.termOnce.Do(func() {
		sess.mu.Lock()
		sess.terminateReason = reason
		pid := 0
		if sess.info.PID != nil {
			pid = *sess.info.PID
		}
		sessionID := sess.info.SessionID
		sess.mu.Unlock()

		s.logger.Info("terminating session",
			zap.String("session_id", sessionID),
			zap.String("reason", reason),
		)

		if pid > 0 {
			_ = terminateProcessGroup(pid)
		}

		select {
		case <-sess.done:
			return
		case <-ctx.Done():
		case <-time.After(s.agentCfg.GracefulWait()):
		}

		select {
		case <-sess.done:
		default:
			if pid > 0 {
				_ = killProcessGroup(pid)
			}
		}
	})
}

func (s *Supervisor) onStalled(sessionID string, idle time.Duration) {
	sess, ok := s.get(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.info.Status == v1.SessionRunning {
		sess.info.Status = v1.SessionStalled
	}
	sess.mu.Unlock()

	s.publishSession(events.SubjectSessionStalled, events.TypeSessionStalled, sess, map[string]interface{}{
		"idle_seconds": int(idle.Seconds()),
	})
}

func (s *Supervisor) onHardTimeout(sessionID string, runtime time.Duration) {
	sess, ok := s.get(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.agentCfg.GracefulWait())
	defer cancel()
	s.terminate(ctx, sess, fmt.Sprintf("hard runtime ceiling exceeded after %s", runtime.Round(time.Second)))
}

func (s *Supervisor) publishSession(subject, eventType string, sess *session, metadata map[string]interface{}) {
	info := sess.snapshot()
	data := map[string]interface{}{
		"session_id":   info.SessionID,
		"agent_id":     info.AgentID,
		"agent_type":   string(info.AgentType),
		"workspace_id": info.WorkspaceID,
		"project_id":   info.ProjectID,
		"timestamp":    time.Now().UTC(),
	}
	if metadata != nil {
		data["metadata"] = metadata
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "supervisor", data)); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("subject", subject),
			zap.String("session_id", info.SessionID),
			zap.Error(err),
		)
	}
}

func (s *Supervisor) persistSessionRecord(ctx context.Context, sess *session) {
	info := sess.snapshot()
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	key := "cli:session:" + info.SessionID
	if err := s.store.Set(ctx, key, data, sessionRecordTTL); err != nil {
		s.logger.Warn("failed to persist session record",
			zap.String("session_id", info.SessionID),
			zap.Error(err),
		)
	}
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// Package pipeline implements the per-project workflow state machine. One
// authoritative state exists per project; transitions follow a declarative
// table and are written atomically with an audit history row.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/events"
	"github.com/devos-ai/devos/internal/events/bus"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// ResumeEnqueuer re-enqueues the job that resumes an interrupted pipeline.
// Implemented by the handoff coordinator; injected to avoid a package cycle.
type ResumeEnqueuer interface {
	EnqueueResume(ctx context.Context, pc *v1.PipelineContext, agent v1.AgentType) error
}

// TransitionOption mutates context fields alongside a state transition.
type TransitionOption func(*contextUpdate)

// WithActiveAgent records the agent now driving the pipeline.
func WithActiveAgent(agentID string, agentType v1.AgentType) TransitionOption {
	return func(u *contextUpdate) {
		u.SetActiveAgent = true
		u.ActiveAgentID = agentID
		u.ActiveAgentType = agentType
	}
}

// WithClearActiveAgent clears the active agent on phase completion.
func WithClearActiveAgent() TransitionOption {
	return func(u *contextUpdate) { u.ClearActiveAgent = true }
}

// WithStoryID records the story the pipeline is currently working.
func WithStoryID(storyID string) TransitionOption {
	return func(u *contextUpdate) {
		u.SetStoryID = true
		u.StoryID = storyID
	}
}

// WithRetryIncrement bumps the rework counter (QA sent the story back).
func WithRetryIncrement() TransitionOption {
	return func(u *contextUpdate) { u.IncrementRetry = true }
}

// WithRetryReset zeroes the rework counter.
func WithRetryReset() TransitionOption {
	return func(u *contextUpdate) { u.ResetRetry = true }
}

// Machine is the pipeline state machine over the durable store.
type Machine struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
	cfg    config.PipelineConfig
}

// NewMachine creates a state machine.
func NewMachine(store *Store, eventBus bus.EventBus, cfg config.PipelineConfig, log *logger.Logger) *Machine {
	return &Machine{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "pipeline")),
		cfg:    cfg,
	}
}

// EnsureContext returns the project's context, creating an idle one on
// first contact.
func (m *Machine) EnsureContext(ctx context.Context, projectID, workspaceID string) (*v1.PipelineContext, error) {
	if projectID == "" {
		return nil, errs.Validation("projectId", "must not be empty")
	}

	pc, err := m.store.Get(ctx, projectID)
	if err == nil {
		return pc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(err, "failed to load pipeline context")
	}

	now := time.Now().UTC()
	pc = &v1.PipelineContext{
		ProjectID:      projectID,
		WorkspaceID:    workspaceID,
		CurrentState:   v1.StateIdle,
		StateEnteredAt: now,
		MaxRetries:     m.cfg.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Create(ctx, pc); err != nil {
		// Lost a create race; the winner's row is authoritative.
		if existing, getErr := m.store.Get(ctx, projectID); getErr == nil {
			return existing, nil
		}
		return nil, errs.Wrap(err, "failed to create pipeline context")
	}
	return pc, nil
}

// Get returns the context for a project.
func (m *Machine) Get(ctx context.Context, projectID string) (*v1.PipelineContext, error) {
	pc, err := m.store.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("pipeline context", projectID)
		}
		return nil, errs.Wrap(err, "failed to load pipeline context")
	}
	return pc, nil
}

// Transition moves a project to toState. The (from, to) pair must be in the
// transition table; the state write and history row commit together. The
// pipeline:state:changed event is published only after the commit.
func (m *Machine) Transition(ctx context.Context, projectID string, to v1.PipelineState, trigger string, metadata map[string]interface{}, opts ...TransitionOption) (*v1.PipelineContext, error) {
	pc, err := m.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	from := pc.CurrentState

	if !allowed(from, to) {
		return nil, errs.Conflict(fmt.Sprintf("illegal transition %s -> %s for project %s", from, to, projectID))
	}

	update := func(u *contextUpdate) {
		for _, opt := range opts {
			opt(u)
		}
	}
	applied, err := m.store.Transition(ctx, projectID, from, to, trigger, metadata, update)
	if err != nil {
		return nil, errs.Wrap(err, "failed to persist transition")
	}
	if !applied {
		return nil, errs.Conflict(fmt.Sprintf("concurrent transition detected for project %s", projectID))
	}

	m.logger.Info("pipeline state changed",
		zap.String("project_id", projectID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", trigger))

	m.publishStateChanged(projectID, from, to, trigger)
	return m.Get(ctx, projectID)
}

// History returns a project's transition audit rows, newest first.
func (m *Machine) History(ctx context.Context, projectID string, limit, offset int) (*v1.HistoryListResponse, error) {
	history, total, err := m.store.History(ctx, projectID, limit, offset)
	if err != nil {
		return nil, errs.Wrap(err, "failed to load pipeline history")
	}
	return &v1.HistoryListResponse{History: history, Total: total, Limit: limit, Offset: offset}, nil
}

// Recover scans contexts interrupted in non-terminal states and re-enqueues
// the job that resumes each one. Contexts that cannot be resumed are marked
// failed so they do not hang forever.
func (m *Machine) Recover(ctx context.Context, enqueuer ResumeEnqueuer) error {
	contexts, err := m.store.NonTerminal(ctx)
	if err != nil {
		return errs.Wrap(err, "failed to scan pipeline contexts for recovery")
	}

	for _, pc := range contexts {
		agent, ok := resumeAgent(pc.CurrentState)
		if !ok {
			// Idle contexts wait for an external trigger.
			continue
		}

		if err := enqueuer.EnqueueResume(ctx, pc, agent); err != nil {
			m.logger.Error("failed to enqueue resume job, marking pipeline failed",
				zap.String("project_id", pc.ProjectID),
				zap.String("state", string(pc.CurrentState)),
				zap.Error(err))
			if _, failErr := m.Transition(ctx, pc.ProjectID, v1.StateFailed,
				"recovery: resume enqueue failed", map[string]interface{}{
					"error": err.Error(),
				}, WithClearActiveAgent()); failErr != nil {
				m.logger.Error("failed to mark unrecoverable pipeline failed",
					zap.String("project_id", pc.ProjectID), zap.Error(failErr))
			}
			continue
		}

		m.logger.Info("pipeline recovery job enqueued",
			zap.String("project_id", pc.ProjectID),
			zap.String("state", string(pc.CurrentState)),
			zap.String("agent", string(agent)))
	}
	return nil
}

func (m *Machine) publishStateChanged(projectID string, from, to v1.PipelineState, trigger string) {
	data := map[string]interface{}{
		"project_id": projectID,
		"from":       string(from),
		"to":         string(to),
		"trigger":    trigger,
		"timestamp":  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, events.SubjectPipelineStateChanged,
		bus.NewEvent(events.TypePipelineStateChanged, "pipeline", data)); err != nil {
		m.logger.Warn("failed to publish state change event",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devos-ai/devos/internal/db"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// Store persists pipeline contexts and their transition history. The context
// update and the history row are written in one transaction so the two can
// never disagree.
type Store struct {
	pool *db.Pool
}

type contextRecord struct {
	ProjectID       string         `db:"project_id"`
	WorkspaceID     string         `db:"workspace_id"`
	WorkflowID      sql.NullString `db:"workflow_id"`
	CurrentState    string         `db:"current_state"`
	PreviousState   sql.NullString `db:"previous_state"`
	StateEnteredAt  time.Time      `db:"state_entered_at"`
	ActiveAgentID   sql.NullString `db:"active_agent_id"`
	ActiveAgentType sql.NullString `db:"active_agent_type"`
	CurrentStoryID  sql.NullString `db:"current_story_id"`
	RetryCount      int            `db:"retry_count"`
	MaxRetries      int            `db:"max_retries"`
	Metadata        sql.NullString `db:"metadata"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *contextRecord) toAPI() (*v1.PipelineContext, error) {
	pc := &v1.PipelineContext{
		ProjectID:       r.ProjectID,
		WorkspaceID:     r.WorkspaceID,
		WorkflowID:      r.WorkflowID.String,
		CurrentState:    v1.PipelineState(r.CurrentState),
		PreviousState:   v1.PipelineState(r.PreviousState.String),
		StateEnteredAt:  r.StateEnteredAt,
		ActiveAgentID:   r.ActiveAgentID.String,
		ActiveAgentType: v1.AgentType(r.ActiveAgentType.String),
		CurrentStoryID:  r.CurrentStoryID.String,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &pc.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for project %s: %w", r.ProjectID, err)
		}
	}
	return pc, nil
}

type historyRecord struct {
	ID           int64          `db:"id"`
	ProjectID    string         `db:"project_id"`
	FromState    string         `db:"from_state"`
	ToState      string         `db:"to_state"`
	TransitionAt time.Time      `db:"transition_at"`
	TriggeredBy  string         `db:"triggered_by"`
	Metadata     sql.NullString `db:"metadata"`
}

func (r *historyRecord) toAPI() (*v1.PipelineStateHistory, error) {
	h := &v1.PipelineStateHistory{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		FromState:    v1.PipelineState(r.FromState),
		ToState:      v1.PipelineState(r.ToState),
		TransitionAt: r.TransitionAt,
		Trigger:      r.TriggeredBy,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &h.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt history metadata for project %s: %w", r.ProjectID, err)
		}
	}
	return h, nil
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_contexts (
		project_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		workflow_id TEXT,
		current_state TEXT NOT NULL,
		previous_state TEXT,
		state_entered_at TIMESTAMP NOT NULL,
		active_agent_id TEXT,
		active_agent_type TEXT,
		current_story_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS pipeline_state_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		transition_at TIMESTAMP NOT NULL,
		triggered_by TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_project ON pipeline_state_history(project_id, transition_at);
	`
	if s.pool.DriverName() == "pgx" {
		schema = `
	CREATE TABLE IF NOT EXISTS pipeline_contexts (
		project_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		workflow_id TEXT,
		current_state TEXT NOT NULL,
		previous_state TEXT,
		state_entered_at TIMESTAMP NOT NULL,
		active_agent_id TEXT,
		active_agent_type TEXT,
		current_story_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS pipeline_state_history (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		transition_at TIMESTAMP NOT NULL,
		triggered_by TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_project ON pipeline_state_history(project_id, transition_at);
	`
	}
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Create inserts a fresh context in the idle state.
func (s *Store) Create(ctx context.Context, pc *v1.PipelineContext) error {
	metadata, err := marshalMeta(pc.Metadata)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO pipeline_contexts (project_id, workspace_id, workflow_id,
			current_state, previous_state, state_entered_at, active_agent_id,
			active_agent_type, current_story_id, retry_count, max_retries,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		pc.ProjectID, pc.WorkspaceID, nullable(pc.WorkflowID),
		string(pc.CurrentState), nullable(string(pc.PreviousState)),
		pc.StateEnteredAt, nullable(pc.ActiveAgentID),
		nullable(string(pc.ActiveAgentType)), nullable(pc.CurrentStoryID),
		pc.RetryCount, pc.MaxRetries, metadata, pc.CreatedAt, pc.UpdatedAt)
	return err
}

// Get returns the context for a project.
func (s *Store) Get(ctx context.Context, projectID string) (*v1.PipelineContext, error) {
	r := s.pool.Reader()
	var rec contextRecord
	query := r.Rebind(`SELECT * FROM pipeline_contexts WHERE project_id = ?`)
	if err := r.GetContext(ctx, &rec, query, projectID); err != nil {
		return nil, err
	}
	return rec.toAPI()
}

// Transition atomically moves a context from its expected current state to
// toState and appends the history row. Returns false when the expected
// from-state no longer matches (concurrent transition).
func (s *Store) Transition(ctx context.Context, projectID string, from, to v1.PipelineState, trigger string, metadata map[string]interface{}, update func(*contextUpdate)) (bool, error) {
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	upd := &contextUpdate{}
	if update != nil {
		update(upd)
	}

	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	applied, err := s.applyTransition(ctx, tx, projectID, from, to, now, upd)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	insert := tx.Rebind(`
		INSERT INTO pipeline_state_history (project_id, from_state, to_state,
			transition_at, triggered_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		projectID, string(from), string(to), now, trigger, metaJSON); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// contextUpdate carries optional field updates applied alongside a
// transition.
type contextUpdate struct {
	SetActiveAgent   bool
	ActiveAgentID    string
	ActiveAgentType  v1.AgentType
	ClearActiveAgent bool
	SetStoryID       bool
	StoryID          string
	IncrementRetry   bool
	ResetRetry       bool
}

func (s *Store) applyTransition(ctx context.Context, tx *sqlx.Tx, projectID string, from, to v1.PipelineState, now time.Time, upd *contextUpdate) (bool, error) {
	set := `current_state = ?, previous_state = ?, state_entered_at = ?, updated_at = ?`
	args := []interface{}{string(to), string(from), now, now}

	switch {
	case upd.SetActiveAgent:
		set += `, active_agent_id = ?, active_agent_type = ?`
		args = append(args, upd.ActiveAgentID, string(upd.ActiveAgentType))
	case upd.ClearActiveAgent:
		set += `, active_agent_id = NULL, active_agent_type = NULL`
	}
	if upd.SetStoryID {
		set += `, current_story_id = ?`
		args = append(args, upd.StoryID)
	}
	if upd.IncrementRetry {
		set += `, retry_count = retry_count + 1`
	}
	if upd.ResetRetry {
		set += `, retry_count = 0`
	}

	args = append(args, projectID, string(from))
	query := tx.Rebind(`UPDATE pipeline_contexts SET ` + set + ` WHERE project_id = ? AND current_state = ?`)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// History returns transition rows for a project, newest first.
func (s *Store) History(ctx context.Context, projectID string, limit, offset int) ([]*v1.PipelineStateHistory, int, error) {
	r := s.pool.Reader()

	var total int
	count := r.Rebind(`SELECT COUNT(*) FROM pipeline_state_history WHERE project_id = ?`)
	if err := r.GetContext(ctx, &total, count, projectID); err != nil {
		return nil, 0, err
	}

	var recs []historyRecord
	query := r.Rebind(`
		SELECT * FROM pipeline_state_history
		WHERE project_id = ?
		ORDER BY transition_at DESC, id DESC
		LIMIT ? OFFSET ?`)
	if err := r.SelectContext(ctx, &recs, query, projectID, limit, offset); err != nil {
		return nil, 0, err
	}

	history := make([]*v1.PipelineStateHistory, 0, len(recs))
	for i := range recs {
		h, err := recs[i].toAPI()
		if err != nil {
			return nil, 0, err
		}
		history = append(history, h)
	}
	return history, total, nil
}

// NonTerminal returns all contexts not in a terminal state, for startup
// recovery.
func (s *Store) NonTerminal(ctx context.Context) ([]*v1.PipelineContext, error) {
	r := s.pool.Reader()
	var recs []contextRecord
	query := r.Rebind(`SELECT * FROM pipeline_contexts WHERE current_state NOT IN (?, ?)`)
	if err := r.SelectContext(ctx, &recs, query,
		string(v1.StateCompleted), string(v1.StateFailed)); err != nil {
		return nil, err
	}

	contexts := make([]*v1.PipelineContext, 0, len(recs))
	for i := range recs {
		pc, err := recs[i].toAPI()
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, pc)
	}
	return contexts, nil
}

func marshalMeta(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

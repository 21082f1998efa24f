package handoff

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/devos-ai/devos/pkg/api/v1"

	"github.com/devos-ai/devos/internal/db"
)

// Record is one handoff between two agents, with the context snapshot the
// receiving agent was given.
type Record struct {
	ID              string                 `json:"id"`
	ProjectID       string                 `json:"project_id"`
	WorkspaceID     string                 `json:"workspace_id"`
	StoryID         string                 `json:"story_id,omitempty"`
	FromAgent       v1.AgentType           `json:"from_agent"`
	ToAgent         v1.AgentType           `json:"to_agent,omitempty"`
	Status          v1.HandoffStatus       `json:"status"`
	ContextSnapshot map[string]interface{} `json:"context_snapshot,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

type record struct {
	ID              string         `db:"id"`
	ProjectID       string         `db:"project_id"`
	WorkspaceID     string         `db:"workspace_id"`
	StoryID         sql.NullString `db:"story_id"`
	FromAgent       string         `db:"from_agent"`
	ToAgent         sql.NullString `db:"to_agent"`
	Status          string         `db:"status"`
	ContextSnapshot sql.NullString `db:"context_snapshot"`
	RejectionReason sql.NullString `db:"rejection_reason"`
	CreatedAt       time.Time      `db:"created_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r *record) toAPI() (*Record, error) {
	rec := &Record{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		WorkspaceID:     r.WorkspaceID,
		StoryID:         r.StoryID.String,
		FromAgent:       v1.AgentType(r.FromAgent),
		ToAgent:         v1.AgentType(r.ToAgent.String),
		Status:          v1.HandoffStatus(r.Status),
		RejectionReason: r.RejectionReason.String,
		CreatedAt:       r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		rec.CompletedAt = &t
	}
	if r.ContextSnapshot.Valid && r.ContextSnapshot.String != "" {
		if err := json.Unmarshal([]byte(r.ContextSnapshot.String), &rec.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("corrupt handoff snapshot %s: %w", r.ID, err)
		}
	}
	return rec, nil
}

// Store persists handoff history rows.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize handoff schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS handoff_history (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		story_id TEXT,
		from_agent TEXT NOT NULL,
		to_agent TEXT,
		status TEXT NOT NULL,
		context_snapshot TEXT,
		rejection_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_handoff_project ON handoff_history(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_handoff_story ON handoff_history(project_id, story_id);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Create inserts a handoff row.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	var snapshot interface{}
	if rec.ContextSnapshot != nil {
		data, err := json.Marshal(rec.ContextSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal handoff snapshot: %w", err)
		}
		snapshot = string(data)
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO handoff_history (id, project_id, workspace_id, story_id,
			from_agent, to_agent, status, context_snapshot, rejection_reason,
			created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		rec.ID, rec.ProjectID, rec.WorkspaceID, nullable(rec.StoryID),
		string(rec.FromAgent), nullable(string(rec.ToAgent)), string(rec.Status),
		snapshot, nullable(rec.RejectionReason), rec.CreatedAt, rec.CompletedAt)
	return err
}

// UpdateStatus moves a handoff row to a new status; terminal statuses also
// stamp completed_at.
func (s *Store) UpdateStatus(ctx context.Context, id string, status v1.HandoffStatus, reason string) error {
	w := s.pool.Writer()
	var completedAt interface{}
	if status == v1.HandoffExecuted || status == v1.HandoffRejected {
		completedAt = time.Now().UTC()
	}
	query := w.Rebind(`
		UPDATE handoff_history
		SET status = ?, rejection_reason = ?, completed_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, string(status), nullable(reason), completedAt, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListByProject returns a project's handoffs, newest first.
func (s *Store) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*Record, int, error) {
	r := s.pool.Reader()

	var total int
	count := r.Rebind(`SELECT COUNT(*) FROM handoff_history WHERE project_id = ?`)
	if err := r.GetContext(ctx, &total, count, projectID); err != nil {
		return nil, 0, err
	}

	var recs []record
	query := r.Rebind(`
		SELECT * FROM handoff_history
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`)
	if err := r.SelectContext(ctx, &recs, query, projectID, limit, offset); err != nil {
		return nil, 0, err
	}

	out := make([]*Record, 0, len(recs))
	for i := range recs {
		rec, err := recs[i].toAPI()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}

// LatestExecuted returns the most recent executed handoff for a project, or
// nil when there is none. Used to rebuild the receiving agent's context when
// resuming after a crash.
func (s *Store) LatestExecuted(ctx context.Context, projectID string) (*Record, error) {
	r := s.pool.Reader()
	var rec record
	query := r.Rebind(`
		SELECT * FROM handoff_history
		WHERE project_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`)
	err := r.GetContext(ctx, &rec, query, projectID, string(v1.HandoffExecuted))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rec.toAPI()
}

// StoryCompleted reports whether a story reached the end of the pipeline:
// the devops completion marker row exists and is executed.
func (s *Store) StoryCompleted(ctx context.Context, projectID, storyID string) (bool, error) {
	r := s.pool.Reader()
	var n int
	query := r.Rebind(`
		SELECT COUNT(*) FROM handoff_history
		WHERE project_id = ? AND story_id = ? AND from_agent = ? AND status = ?`)
	if err := r.GetContext(ctx, &n, query,
		projectID, storyID, string(v1.AgentDevOps), string(v1.HandoffExecuted)); err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

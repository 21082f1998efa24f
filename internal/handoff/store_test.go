package handoff

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/db"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "handoff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func seedRecord(t *testing.T, store *Store, id, storyID string, from, to v1.AgentType, status v1.HandoffStatus, at time.Time) {
	t.Helper()
	rec := &Record{
		ID:          id,
		ProjectID:   "proj-1",
		WorkspaceID: "ws-1",
		StoryID:     storyID,
		FromAgent:   from,
		ToAgent:     to,
		Status:      status,
		CreatedAt:   at,
	}
	require.NoError(t, store.Create(context.Background(), rec))
}

func TestStore_CreateAndListByProject(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedRecord(t, store, "h-1", "1-1", v1.AgentPlanner, v1.AgentDev, v1.HandoffExecuted, base)
	seedRecord(t, store, "h-2", "1-1", v1.AgentDev, v1.AgentQA, v1.HandoffExecuted, base.Add(time.Minute))
	seedRecord(t, store, "h-3", "1-1", v1.AgentQA, v1.AgentDevOps, v1.HandoffValidated, base.Add(2*time.Minute))

	recs, total, err := store.ListByProject(ctx, "proj-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, recs, 2)
	assert.Equal(t, "h-3", recs[0].ID)
	assert.Equal(t, "h-2", recs[1].ID)

	recs, _, err = store.ListByProject(ctx, "proj-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "h-1", recs[0].ID)

	_, total, err = store.ListByProject(ctx, "other", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := &Record{
		ID:          "h-1",
		ProjectID:   "proj-1",
		WorkspaceID: "ws-1",
		StoryID:     "1-1",
		FromAgent:   v1.AgentDev,
		ToAgent:     v1.AgentQA,
		Status:      v1.HandoffExecuted,
		ContextSnapshot: map[string]interface{}{
			"branch":    "devos/dev/1-1",
			"pr_number": float64(42),
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.LatestExecuted(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "devos/dev/1-1", got.ContextSnapshot["branch"])
	assert.Equal(t, float64(42), got.ContextSnapshot["pr_number"])
}

func TestStore_UpdateStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seedRecord(t, store, "h-1", "1-1", v1.AgentPlanner, v1.AgentDev, v1.HandoffValidated, time.Now().UTC())

	require.NoError(t, store.UpdateStatus(ctx, "h-1", v1.HandoffExecuted, ""))
	recs, _, err := store.ListByProject(ctx, "proj-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, v1.HandoffExecuted, recs[0].Status)
	require.NotNil(t, recs[0].CompletedAt, "terminal status stamps completed_at")

	err = store.UpdateStatus(ctx, "missing", v1.HandoffExecuted, "")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStore_RejectionReasonPersisted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seedRecord(t, store, "h-1", "1-1", v1.AgentPlanner, v1.AgentDev, v1.HandoffPending, time.Now().UTC())
	require.NoError(t, store.UpdateStatus(ctx, "h-1", v1.HandoffRejected, "planner completed without creating stories"))

	recs, _, err := store.ListByProject(ctx, "proj-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, v1.HandoffRejected, recs[0].Status)
	assert.Equal(t, "planner completed without creating stories", recs[0].RejectionReason)
}

func TestStore_LatestExecutedIgnoresOtherStatuses(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := store.LatestExecuted(ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	seedRecord(t, store, "h-1", "1-1", v1.AgentPlanner, v1.AgentDev, v1.HandoffExecuted, base)
	seedRecord(t, store, "h-2", "1-1", v1.AgentDev, v1.AgentQA, v1.HandoffRejected, base.Add(time.Minute))

	got, err = store.LatestExecuted(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h-1", got.ID)
}

func TestStore_StoryCompleted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	done, err := store.StoryCompleted(ctx, "proj-1", "1-1")
	require.NoError(t, err)
	assert.False(t, done)

	// A planner or QA handoff for the story is not completion.
	seedRecord(t, store, "h-1", "1-1", v1.AgentPlanner, v1.AgentDev, v1.HandoffExecuted, base)
	done, err = store.StoryCompleted(ctx, "proj-1", "1-1")
	require.NoError(t, err)
	assert.False(t, done)

	// The devops completion marker is.
	seedRecord(t, store, "h-2", "1-1", v1.AgentDevOps, "", v1.HandoffExecuted, base.Add(time.Minute))
	done, err = store.StoryCompleted(ctx, "proj-1", "1-1")
	require.NoError(t, err)
	assert.True(t, done)

	// Scoped to the project.
	done, err = store.StoryCompleted(ctx, "proj-2", "1-1")
	require.NoError(t, err)
	assert.False(t, done)
}

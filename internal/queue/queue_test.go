package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/db"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	seen  []string
	fn    func(ctx context.Context, job *v1.Job) (map[string]interface{}, error)
	block chan struct{} // when set, Dispatch waits for close or ctx
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
	d.mu.Lock()
	d.seen = append(d.seen, job.ID)
	d.mu.Unlock()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fn != nil {
		return d.fn(ctx, job)
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d *fakeDispatcher) order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}

func testQueue(t *testing.T, dispatcher Dispatcher, workers int) *Queue {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	pool, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)

	cfg := config.QueueConfig{
		Workers:         workers,
		MaxAttempts:     3,
		BackoffBaseMs:   10,
		CompletedTTLHrs: 7 * 24,
		FailedTTLHrs:    30 * 24,
	}
	return New(store, dispatcher, cfg, log)
}

func waitForStatus(t *testing.T, q *Queue, id, workspaceID string, want v1.JobStatus) *v1.Job {
	t.Helper()
	var job *v1.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), id, workspaceID)
		return err == nil && job.Status == want
	}, 10*time.Second, 10*time.Millisecond, "job never reached status %s", want)
	return job
}

func TestQueue_EnqueuePersistsBeforeReturn(t *testing.T) {
	q := testQueue(t, &fakeDispatcher{}, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		JobType:     v1.JobTypeSpawnAgent,
		Payload:     map[string]interface{}{"story_id": "1-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.JobStatusPending, job.Status)
	assert.Equal(t, defaultPriority, job.Priority)

	// Visible through Get without the workers running.
	got, err := q.Get(ctx, job.ID, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, v1.JobStatusPending, got.Status)
	assert.Equal(t, "1-2", got.Payload["story_id"])
}

func TestQueue_WorkspaceScopeCheck(t *testing.T) {
	q := testQueue(t, &fakeDispatcher{}, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{
		WorkspaceID: "ws-1", ProjectID: "p", JobType: v1.JobTypeExecuteTask,
	})
	require.NoError(t, err)

	_, err = q.Get(ctx, job.ID, "ws-other")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestQueue_ValidatesEnqueue(t *testing.T) {
	q := testQueue(t, &fakeDispatcher{}, 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "", JobType: v1.JobTypeChat})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: "nonsense"})
	assert.Error(t, err)

	bad := 500
	_, err = q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat, Priority: &bad})
	assert.Error(t, err)
}

func TestQueue_PriorityOrderThenFIFO(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	low, high := 90, 1
	first, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat, Priority: &low})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat, Priority: &low})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat, Priority: &high})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	waitForStatus(t, q, first.ID, "w", v1.JobStatusCompleted)
	waitForStatus(t, q, second.ID, "w", v1.JobStatusCompleted)
	waitForStatus(t, q, urgent.ID, "w", v1.JobStatusCompleted)

	order := dispatcher.order()
	require.Len(t, order, 3)
	assert.Equal(t, urgent.ID, order[0], "priority 1 dispatches first")
	assert.Equal(t, []string{first.ID, second.ID}, order[1:], "FIFO within priority")
}

func TestQueue_RetryWithBackoffThenSuccess(t *testing.T) {
	var calls int
	var mu sync.Mutex
	dispatcher := &fakeDispatcher{
		fn: func(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errs.Transient("platform 503")
			}
			return map[string]interface{}{"attempt": calls}, nil
		},
	}
	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeExecuteTask})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	final := waitForStatus(t, q, job.ID, "w", v1.JobStatusCompleted)
	assert.Equal(t, 2, final.Attempts)
}

func TestQueue_NonRetryableFailsImmediately(t *testing.T) {
	dispatcher := &fakeDispatcher{
		fn: func(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
			return nil, errs.Fatal("invariant broken")
		},
	}
	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeExecuteTask})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	final := waitForStatus(t, q, job.ID, "w", v1.JobStatusFailed)
	assert.Equal(t, 1, final.Attempts)
	assert.Contains(t, final.ErrorMessage, "invariant broken")
}

func TestQueue_RetryBudgetExhausted(t *testing.T) {
	dispatcher := &fakeDispatcher{
		fn: func(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
			return nil, errs.CLI("agent exited with code 1")
		},
	}
	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeSpawnAgent})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	final := waitForStatus(t, q, job.ID, "w", v1.JobStatusFailed)
	assert.Equal(t, 3, final.Attempts)
}

func TestQueue_CancelPendingJob(t *testing.T) {
	q := testQueue(t, &fakeDispatcher{}, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat})
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, job.ID, "w")
	require.NoError(t, err)
	assert.Equal(t, v1.JobStatusFailed, cancelled.Status)
	assert.Equal(t, "Cancelled by user", cancelled.ErrorMessage)
}

func TestQueue_CancelProcessingJob(t *testing.T) {
	block := make(chan struct{})
	dispatcher := &fakeDispatcher{block: block}
	defer close(block)

	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeSpawnAgent})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	waitForStatus(t, q, job.ID, "w", v1.JobStatusProcessing)

	cancelled, err := q.Cancel(ctx, job.ID, "w")
	require.NoError(t, err)
	assert.Equal(t, v1.JobStatusFailed, cancelled.Status)
	assert.Equal(t, "Cancelled by user", cancelled.ErrorMessage)

	// The discarded dispatch result must not resurrect the job.
	time.Sleep(50 * time.Millisecond)
	final, err := q.Get(ctx, job.ID, "w")
	require.NoError(t, err)
	assert.Equal(t, v1.JobStatusFailed, final.Status)
}

func TestQueue_CancelTerminalConflicts(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	waitForStatus(t, q, job.ID, "w", v1.JobStatusCompleted)

	_, err = q.Cancel(ctx, job.ID, "w")
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestQueue_Stats(t *testing.T) {
	q := testQueue(t, &fakeDispatcher{}, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat})
		require.NoError(t, err)
	}

	stats, err := q.Stats(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Waiting)
	assert.Equal(t, 0, stats.Active)
}

func TestQueue_RecoversWaitingJobsOnStart(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	// A second queue over the same store simulates a restart: it must pick
	// the pending rows up without re-enqueueing.
	q2 := New(q.store, dispatcher, q.cfg, q.logger)
	require.NoError(t, q2.Start(ctx))
	defer q2.Stop()

	for _, id := range ids {
		waitForStatus(t, q2, id, "w", v1.JobStatusCompleted)
	}
}

func TestDispatchIndex_Ordering(t *testing.T) {
	idx := newDispatchIndex()
	now := time.Now()

	idx.Add("low", 90, time.Time{})
	idx.Add("high", 1, time.Time{})
	idx.Add("mid", 50, time.Time{})

	assert.Equal(t, "high", idx.PopReady(now))
	assert.Equal(t, "mid", idx.PopReady(now))
	assert.Equal(t, "low", idx.PopReady(now))
	assert.Equal(t, "", idx.PopReady(now))
}

func TestDispatchIndex_BackoffDoesNotStarve(t *testing.T) {
	idx := newDispatchIndex()
	now := time.Now()

	idx.Add("backing-off", 1, now.Add(time.Hour))
	idx.Add("ready", 50, time.Time{})

	assert.Equal(t, "ready", idx.PopReady(now))
	assert.Equal(t, "", idx.PopReady(now))

	// The deferred job dispatches once its deadline passes.
	assert.Equal(t, "backing-off", idx.PopReady(now.Add(2*time.Hour)))
}

func TestDispatchIndex_Remove(t *testing.T) {
	idx := newDispatchIndex()
	idx.Add("a", 1, time.Time{})

	assert.True(t, idx.Remove("a"))
	assert.False(t, idx.Remove("a"))
	assert.Equal(t, "", idx.PopReady(time.Now()))
}

func TestQueue_BackoffGrowth(t *testing.T) {
	q := testQueue(t, &fakeDispatcher{}, 1)

	base := q.cfg.BackoffBase()
	assert.Equal(t, base, q.backoff(1))
	assert.Equal(t, 2*base, q.backoff(2))
	assert.Equal(t, 4*base, q.backoff(3))
}

func TestQueue_ListPagination(t *testing.T) {
	q := testQueue(t, &fakeDispatcher{}, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct created_at for stable ordering
	}

	page, err := q.List(ctx, "w", "", "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Jobs, 2)

	page2, err := q.List(ctx, "w", "", "", 2, 4)
	require.NoError(t, err)
	assert.Len(t, page2.Jobs, 1)

	byType, err := q.List(ctx, "w", "", v1.JobTypeChat, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, byType.Total)

	none, err := q.List(ctx, "w", "", v1.JobTypeExecuteTask, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, none.Total)
}

var errBoom = errors.New("boom")

func TestQueue_PlainErrorsAreRetried(t *testing.T) {
	// Errors without a Kind default to transient per the failure taxonomy.
	var calls int
	var mu sync.Mutex
	dispatcher := &fakeDispatcher{
		fn: func(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 2 {
				return nil, fmt.Errorf("wrapped: %w", errBoom)
			}
			return nil, nil
		},
	}
	q := testQueue(t, dispatcher, 1)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{WorkspaceID: "w", JobType: v1.JobTypeChat})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	final := waitForStatus(t, q, job.ID, "w", v1.JobStatusCompleted)
	assert.Equal(t, 2, final.Attempts)
}

// Package queue implements the durable priority job queue. Jobs persist in
// the store before enqueue returns; an in-memory priority index decides
// dispatch order (priority ascending, FIFO within priority) and a worker
// pool executes them with per-job retry and exponential backoff.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/common/tracing"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

const (
	// dispatchTick bounds how long a ready job can wait when no enqueue
	// wake-up fires (e.g. a retry backoff elapsing).
	dispatchTick = time.Second

	// retentionSweepInterval is how often terminal jobs past retention are
	// purged.
	retentionSweepInterval = time.Hour

	defaultPriority = 50
	maxPriority     = 100
)

// Dispatcher executes one job and returns its result. Implemented by the
// agent executor registry; injected as an interface so the executors can
// enqueue follow-up jobs without an import cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *v1.Job) (map[string]interface{}, error)
}

// EnqueueParams describes a job to enqueue.
type EnqueueParams struct {
	WorkspaceID string
	ProjectID   string
	JobType     v1.JobType
	Payload     map[string]interface{}
	Priority    *int // nil selects the default
}

// Queue is the durable job queue with its worker pool.
type Queue struct {
	store      *Store
	dispatcher Dispatcher
	logger     *logger.Logger
	cfg        config.QueueConfig

	index *dispatchIndex
	wake  chan struct{}

	// running tracks in-flight jobs so cancellation can stop their work.
	runMu   sync.Mutex
	running map[string]context.CancelFunc

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a queue over the given store.
func New(store *Store, dispatcher Dispatcher, cfg config.QueueConfig, log *logger.Logger) *Queue {
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "job-queue")),
		cfg:        cfg,
		index:      newDispatchIndex(),
		wake:       make(chan struct{}, 1),
		running:    make(map[string]context.CancelFunc),
	}
}

// Start recovers the dispatch index from the store and launches the workers
// and the retention sweeper.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.started = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	// Jobs stuck in processing belong to a previous process.
	if n, err := q.store.ResetOrphans(ctx); err != nil {
		return fmt.Errorf("failed to reset orphaned jobs: %w", err)
	} else if n > 0 {
		q.logger.Info("reset orphaned processing jobs", zap.Int64("count", n))
	}

	waiting, err := q.store.Waiting(ctx)
	if err != nil {
		return fmt.Errorf("failed to load waiting jobs: %w", err)
	}
	for _, job := range waiting {
		q.index.Add(job.ID, job.Priority, time.Time{})
	}
	if len(waiting) > 0 {
		q.logger.Info("recovered waiting jobs", zap.Int("count", len(waiting)))
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.retentionLoop()

	q.logger.Info("job queue started",
		zap.Int("workers", q.cfg.Workers),
		zap.Int("waiting", len(waiting)))
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish their
// current dispatch.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("job queue stopped")
}

// Enqueue persists a new pending job and schedules it for dispatch. The job
// row is durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, params EnqueueParams) (*v1.Job, error) {
	if params.WorkspaceID == "" {
		return nil, errs.Validation("workspaceId", "must not be empty")
	}
	if !v1.ValidJobType(params.JobType) {
		return nil, errs.Validation("jobType", fmt.Sprintf("unknown job type %q", params.JobType))
	}

	priority := defaultPriority
	if params.Priority != nil {
		priority = *params.Priority
	}
	if priority < 1 || priority > maxPriority {
		return nil, errs.Validation("priority", fmt.Sprintf("must be between 1 and %d", maxPriority))
	}

	now := time.Now().UTC()
	job := &v1.Job{
		ID:          NewJobID(),
		WorkspaceID: params.WorkspaceID,
		ProjectID:   params.ProjectID,
		JobType:     params.JobType,
		Payload:     params.Payload,
		Status:      v1.JobStatusPending,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	job.ExternalQueueID = job.ID

	if err := q.store.Create(ctx, job); err != nil {
		return nil, errs.Wrap(err, "failed to persist job")
	}

	q.index.Add(job.ID, job.Priority, time.Time{})
	q.wakeWorkers()

	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("workspace_id", job.WorkspaceID),
		zap.Int("priority", job.Priority))
	return job, nil
}

// Get returns a job scoped to a workspace.
func (q *Queue) Get(ctx context.Context, id, workspaceID string) (*v1.Job, error) {
	job, err := q.store.Get(ctx, id, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("job", id)
		}
		return nil, errs.Wrap(err, "failed to load job")
	}
	return job, nil
}

// List returns jobs for a workspace, newest first, optionally filtered by
// status and job type.
func (q *Queue) List(ctx context.Context, workspaceID string, status v1.JobStatus, jobType v1.JobType, limit, offset int) (*v1.JobListResponse, error) {
	jobs, total, err := q.store.List(ctx, workspaceID, status, jobType, limit, offset)
	if err != nil {
		return nil, errs.Wrap(err, "failed to list jobs")
	}
	return &v1.JobListResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset}, nil
}

// Stats returns queue occupancy for a workspace.
func (q *Queue) Stats(ctx context.Context, workspaceID string) (*v1.QueueStats, error) {
	stats, err := q.store.Stats(ctx, workspaceID)
	if err != nil {
		return nil, errs.Wrap(err, "failed to compute queue stats")
	}
	return stats, nil
}

// Cancel cancels a pending or processing job. Processing jobs have their
// dispatch context cancelled; late results from the dispatcher are then
// discarded by the store's conditional updates.
func (q *Queue) Cancel(ctx context.Context, id, workspaceID string) (*v1.Job, error) {
	job, err := q.Get(ctx, id, workspaceID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errs.Conflict(fmt.Sprintf("job %s is already %s", id, job.Status))
	}

	// Remove the dispatch entry first so a waiting worker cannot claim it.
	q.index.Remove(id)

	if _, err := q.store.Fail(ctx, id, "Cancelled by user", true); err != nil {
		return nil, errs.Wrap(err, "failed to cancel job")
	}

	q.runMu.Lock()
	cancel, inFlight := q.running[id]
	q.runMu.Unlock()
	if inFlight {
		cancel()
	}

	q.logger.Info("job cancelled",
		zap.String("job_id", id),
		zap.Bool("was_processing", inFlight))

	return q.Get(ctx, id, workspaceID)
}

func (q *Queue) wakeWorkers() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()

	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
		}

		for {
			jobID := q.index.PopReady(time.Now())
			if jobID == "" {
				break
			}
			q.process(jobID)

			select {
			case <-q.stopCh:
				return
			default:
			}
		}
	}
}

func (q *Queue) process(jobID string) {
	claimCtx, claimCancel := context.WithTimeout(context.Background(), 10*time.Second)
	job, claimed, err := q.store.Claim(claimCtx, jobID)
	claimCancel()
	if err != nil {
		q.logger.Error("failed to claim job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !claimed {
		// Cancelled or claimed elsewhere between scheduling and now.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.runMu.Lock()
	q.running[job.ID] = cancel
	q.runMu.Unlock()

	defer func() {
		q.runMu.Lock()
		delete(q.running, job.ID)
		q.runMu.Unlock()
		cancel()
	}()

	log := q.logger.WithFields(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.Int("attempt", job.Attempts))
	log.Info("job processing started")

	dispatchCtx, span := tracing.Tracer("job-queue").Start(ctx, "queue.dispatch")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.JobType)),
		attribute.Int("job.attempt", job.Attempts),
	)
	result, dispatchErr := q.dispatcher.Dispatch(dispatchCtx, job)
	if dispatchErr != nil {
		span.SetStatus(codes.Error, dispatchErr.Error())
	}
	span.End()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer doneCancel()

	if dispatchErr == nil {
		applied, err := q.store.Complete(doneCtx, job.ID, result)
		if err != nil {
			log.Error("failed to mark job completed", zap.Error(err))
			return
		}
		if !applied {
			log.Info("job result discarded, job no longer processing")
			return
		}
		log.Info("job completed")
		return
	}

	if ctx.Err() != nil {
		// Cancellation already marked the row failed.
		log.Info("job dispatch aborted by cancellation")
		return
	}

	if errs.IsRetryable(dispatchErr) && job.Attempts < job.MaxAttempts {
		backoff := q.backoff(job.Attempts)
		readyAt := time.Now().UTC().Add(backoff)
		applied, err := q.store.ScheduleRetry(doneCtx, job.ID, dispatchErr.Error(), readyAt)
		if err != nil {
			log.Error("failed to schedule retry", zap.Error(err))
			return
		}
		if applied {
			q.index.Add(job.ID, job.Priority, readyAt)
			log.Warn("job attempt failed, retry scheduled",
				zap.Duration("backoff", backoff),
				zap.Error(dispatchErr))
		}
		return
	}

	if _, err := q.store.Fail(doneCtx, job.ID, dispatchErr.Error(), false); err != nil {
		log.Error("failed to mark job failed", zap.Error(err))
		return
	}
	log.Error("job failed permanently", zap.Error(dispatchErr))
}

// backoff returns the exponential delay before the next attempt: base * 2^(n-1).
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.BackoffBase() * time.Duration(math.Pow(2, float64(attempt-1)))
}

func (q *Queue) retentionLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := q.store.PurgeExpired(ctx, q.cfg.CompletedTTLHrs, q.cfg.FailedTTLHrs)
			cancel()
			if err != nil {
				q.logger.Error("retention sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				q.logger.Info("purged expired jobs", zap.Int64("count", n))
			}
		}
	}
}

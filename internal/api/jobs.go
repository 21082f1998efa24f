package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/queue"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// enqueueResponse is the trimmed creation acknowledgement.
type enqueueResponse struct {
	ID        string       `json:"id"`
	Status    v1.JobStatus `json:"status"`
	JobType   v1.JobType   `json:"jobType"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (s *Server) createJob(c *gin.Context) {
	var req v1.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errs.BadRequest("malformed request body: "+err.Error()))
		return
	}

	projectID, _ := req.Data["project_id"].(string)
	job, err := s.jobs.Enqueue(c.Request.Context(), queue.EnqueueParams{
		WorkspaceID: c.Param("workspaceId"),
		ProjectID:   projectID,
		JobType:     req.JobType,
		Payload:     req.Data,
		Priority:    req.Priority,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, enqueueResponse{
		ID:        job.ID,
		Status:    job.Status,
		JobType:   job.JobType,
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("jobId"), c.Param("workspaceId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listJobs(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	status := v1.JobStatus(c.Query("status"))
	if status != "" && !validJobStatus(status) {
		s.respondError(c, errs.Validation("status", fmt.Sprintf("unknown status %q", status)))
		return
	}
	jobType := v1.JobType(c.Query("jobType"))
	if jobType != "" && !v1.ValidJobType(jobType) {
		s.respondError(c, errs.Validation("jobType", fmt.Sprintf("unknown job type %q", jobType)))
		return
	}

	resp, err := s.jobs.List(c.Request.Context(), c.Param("workspaceId"), status, jobType, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelJob(c *gin.Context) {
	job, err := s.jobs.Cancel(c.Request.Context(), c.Param("jobId"), c.Param("workspaceId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.jobs.Stats(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func validJobStatus(s v1.JobStatus) bool {
	switch s {
	case v1.JobStatusPending, v1.JobStatusProcessing, v1.JobStatusCompleted,
		v1.JobStatusFailed, v1.JobStatusRetrying:
		return true
	}
	return false
}

// pagination parses limit/offset with the control-plane bounds: limit in
// [1,100] defaulting to 20, offset >= 0 defaulting to 0.
func pagination(c *gin.Context) (int, int, error) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return 0, 0, errs.Validation("limit", "must be an integer between 1 and 100")
		}
		limit = n
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, errs.Validation("offset", "must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

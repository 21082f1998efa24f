package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devos-ai/devos/internal/handoff"
)

func (s *Server) getPipeline(c *gin.Context) {
	pc, err := s.pipeline.Get(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pc)
}

func (s *Server) pipelineHistory(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	resp, err := s.pipeline.History(c.Request.Context(), c.Param("projectId"), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handoffListResponse is the paginated handoff history envelope.
type handoffListResponse struct {
	Handoffs []*handoff.Record `json:"handoffs"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (s *Server) listHandoffs(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	recs, total, err := s.handoffs.ListByProject(c.Request.Context(), c.Param("projectId"), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handoffListResponse{
		Handoffs: recs,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

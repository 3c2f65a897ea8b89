package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khryptorgraphics/gpubuild/pkg/auth"
	"github.com/khryptorgraphics/gpubuild/pkg/model"
	"github.com/khryptorgraphics/gpubuild/pkg/security"
)

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// submitBuildRequest is the wire shape accepted by POST /api/v1/builds.
type submitBuildRequest struct {
	Repository     string                      `json:"repository" binding:"required"`
	CommitSHA      string                      `json:"commit_sha" binding:"required"`
	Branch         string                      `json:"branch" binding:"required"`
	PRNumber       *int                        `json:"pr_number"`
	PRTitle        string                      `json:"pr_title"`
	PRAuthor       string                      `json:"pr_author"`
	Configurations []model.BuildConfiguration  `json:"configurations" binding:"required,min=1"`
	Metadata       map[string]interface{}      `json:"metadata"`
}

func (s *Server) submitBuildHandler(c *gin.Context) {
	var req submitBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	principal, _ := auth.Principal(c)

	buildID, err := s.coordinator.Submit(c.Request.Context(), model.BuildRequest{
		ID:             uuid.NewString(),
		Repository:     req.Repository,
		CommitSHA:      req.CommitSHA,
		Branch:         req.Branch,
		PRNumber:       req.PRNumber,
		PRTitle:        security.SanitizeInput(req.PRTitle),
		PRAuthor:       security.SanitizeInput(req.PRAuthor),
		TriggeredBy:    principal,
		Configurations: req.Configurations,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"build_id": buildID})
}

func (s *Server) getStatusHandler(c *gin.Context) {
	buildID := c.Param("id")
	summary, ok := s.coordinator.GetStatus(c.Request.Context(), buildID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "build_not_found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) cancelBuildHandler(c *gin.Context) {
	buildID := c.Param("id")
	principal, _ := auth.Principal(c)

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	ok, err := s.coordinator.Cancel(c.Request.Context(), buildID, principal, body.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed", "message": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "build_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) retryBuildHandler(c *gin.Context) {
	buildID := c.Param("id")
	newID, err := s.coordinator.Retry(c.Request.Context(), buildID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "retry_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"build_id": newID})
}

func (s *Server) queueStatusHandler(c *gin.Context) {
	status := s.coordinator.QueueStatus()
	c.JSON(http.StatusOK, gin.H{
		"queue_depth":          status.QueueDepth,
		"active_builds":        status.ActiveBuilds,
		"available_gpus":       status.AvailableGPUs,
		"available_cpu_cores":  status.AvailableCPUCores,
		"available_memory_gb":  status.AvailableMemoryGB,
		"depth_by_priority":    status.DepthByPriority,
	})
}

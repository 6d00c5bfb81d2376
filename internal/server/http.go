package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/crucible-dev/crucible/pkg/crucible"
	"github.com/gin-gonic/gin"
)

type httpServer struct {
	coordinator *crucible.Coordinator

	tokens map[string]bool
}

func (h *httpServer) Init(port int, coordinator *crucible.Coordinator, tokens []string) error {
	h.coordinator = coordinator

	h.tokens = make(map[string]bool)
	for _, token := range tokens {
		h.tokens[token] = true
	}

	router := gin.Default()
	router.Use(h.checkToken)

	router.POST("/register", h.postRegister)
	router.GET("/poll/:agentId", h.getPoll)
	router.POST("/heartbeat/:agentId", h.postHeartbeat)
	router.POST("/report/:agentId", h.postReport)

	router.POST("/experiments", h.postExperiment)
	router.GET("/experiments/:name", h.getExperiment)
	router.POST("/experiments/:name/abort", h.postAbort)
	router.DELETE("/experiments/:name", h.deleteExperiment)

	go router.Run(fmt.Sprintf("localhost:%d", port))
	return nil
}

// checkToken validates the agent token before any request reaches the
// coordinator. An empty token set disables authentication.
func (h *httpServer) checkToken(c *gin.Context) {
	if len(h.tokens) == 0 {
		return
	}
	if !h.tokens[c.GetHeader("Authorization")] {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
}

type registerRequest struct {
	AgentID  string `json:"agentId" binding:"required"`
	Capacity int    `json:"capacity" binding:"required,min=1"`
}

func (h *httpServer) postRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.coordinator.Register(req.AgentID, req.Capacity)
	c.JSON(http.StatusOK, gin.H{"agentId": req.AgentID})
}

type pollResponse struct {
	Tasks []crucible.TaskUnit `json:"tasks"`
}

func (h *httpServer) getPoll(c *gin.Context) {
	tasks, err := h.coordinator.Poll(c.Param("agentId"))
	if err != nil {
		if errors.Is(err, crucible.ErrUnknownAgent) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, pollResponse{Tasks: tasks})
}

func (h *httpServer) postHeartbeat(c *gin.Context) {
	if err := h.coordinator.Heartbeat(c.Param("agentId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

type reportRequest struct {
	TaskID    string   `json:"taskId" binding:"required"`
	Outcome   string   `json:"outcome" binding:"required"`
	Artifacts []string `json:"artifacts"`
}

func (h *httpServer) postReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.coordinator.Report(c.Param("agentId"), req.TaskID, crucible.SingleOutcome(req.Outcome), req.Artifacts)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, crucible.ErrStaleCompletion):
		// Not the agent's fault, the lease was superseded. Tell it to drop
		// the task and move on.
		c.JSON(http.StatusConflict, gin.H{"status": "stale"})
	case errors.Is(err, crucible.ErrAbortedExperiment):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// postExperiment creates and starts an experiment from a yaml config in the
// request body, the same format the serve command accepts on disk.
func (h *httpServer) postExperiment(c *gin.Context) {
	experiment, err := crucible.GetExperimentFromConfig(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coordinator.Start(experiment); err != nil {
		if errors.Is(err, crucible.ErrDuplicateExperiment) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": experiment.Name})
}

type experimentResponse struct {
	Name    string                              `json:"name"`
	Status  string                              `json:"status"`
	Done    int                                 `json:"done"`
	Total   int                                 `json:"total"`
	Results map[string]crucible.SummaryResult `json:"results"`
}

func (h *httpServer) getExperiment(c *gin.Context) {
	name := c.Param("name")

	status, err := h.coordinator.Status(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	done, total, err := h.coordinator.Progress(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, experimentResponse{
		Name:    name,
		Status:  string(status),
		Done:    done,
		Total:   total,
		Results: h.coordinator.Verdicts(name),
	})
}

func (h *httpServer) deleteExperiment(c *gin.Context) {
	err := h.coordinator.Delete(c.Param("name"))
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, crucible.ErrUnknownExperiment):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

func (h *httpServer) postAbort(c *gin.Context) {
	err := h.coordinator.Abort(c.Param("name"))
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, crucible.ErrUnknownExperiment):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

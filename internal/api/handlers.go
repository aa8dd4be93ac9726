package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sagaworks/orchestrator/internal/domain"
	"github.com/sagaworks/orchestrator/internal/engine"
	"github.com/sagaworks/orchestrator/internal/storage"
)

// Handler holds the control API's collaborators: the engine for
// intake operations and the store directly for reads that don't need
// engine orchestration (definitions, run/step lookups, metrics).
type Handler struct {
	engine *engine.Engine
	store  storage.Store
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Metrics(c *gin.Context) {
	backlog, oldestAge, err := h.store.OutboxStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outbox_backlog":              backlog,
		"outbox_oldest_pending_age_s": oldestAge,
	})
}

type putDefinitionRequest struct {
	Steps []domain.StepDefinition `json:"steps"`
}

func (h *Handler) PutDefinition(c *gin.Context) {
	var req putDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def := &domain.WorkflowDefinition{
		Name:    c.Param("name"),
		Version: c.Param("version"),
		Steps:   req.Steps,
	}
	if err := h.store.PutDefinition(c.Request.Context(), def); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) GetDefinition(c *gin.Context) {
	def, found, err := h.store.GetDefinition(c.Request.Context(), c.Param("name"), c.Param("version"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow definition not found"})
		return
	}
	c.JSON(http.StatusOK, def)
}

type startRunRequest struct {
	WorkflowVersion string          `json:"workflowVersion" binding:"required"`
	Input           json.RawMessage `json:"input"`
	Context         json.RawMessage `json:"context"`
}

func (h *Handler) StartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Input == nil {
		req.Input = json.RawMessage(`{}`)
	}
	if req.Context == nil {
		req.Context = json.RawMessage(`{}`)
	}

	run, err := h.engine.StartRun(c.Request.Context(), c.Param("name"), req.WorkflowVersion, req.Input, req.Context)
	if err != nil {
		if errors.Is(err, domain.ErrDefinitionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": run.ID, "status": run.Status})
}

type runResponse struct {
	*domain.Run
	Steps []domain.RunStep `json:"steps"`
}

func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("id")
	run, found, err := h.store.GetRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	steps, err := h.store.ListRunSteps(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runResponse{Run: run, Steps: steps})
}

type cancelRunRequest struct {
	Compensate *bool `json:"compensate"`
}

func (h *Handler) CancelRun(c *gin.Context) {
	var req cancelRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	compensate := true
	if req.Compensate != nil {
		compensate = *req.Compensate
	}

	runID := c.Param("id")
	status, err := h.engine.Cancel(c.Request.Context(), runID, compensate)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrRunTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": runID, "status": status})
}

func (h *Handler) RetryStep(c *gin.Context) {
	err := h.engine.ManualRetry(c.Request.Context(), c.Param("id"), c.Param("stepId"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrStepNotFound), errors.Is(err, domain.ErrDefinitionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrRunTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "retry scheduled"})
}

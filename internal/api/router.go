// Package api exposes the control surface over the engine: definition
// registration, run intake, run/step inspection, cancel, and manual
// retry, plus the ambient health and metrics endpoints. Routing uses
// gin, the only HTTP framework in the module.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sagaworks/orchestrator/internal/engine"
	"github.com/sagaworks/orchestrator/internal/storage"
)

// NewRouter builds a gin.Engine wired to h's handlers.
func NewRouter(e *engine.Engine, store storage.Store) *gin.Engine {
	h := &Handler{engine: e, store: store}

	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", h.Metrics)

	v1 := r.Group("/v1")
	{
		v1.PUT("/definitions/:name/:version", h.PutDefinition)
		v1.GET("/definitions/:name/:version", h.GetDefinition)

		v1.POST("/workflows/:name/start", h.StartRun)
		v1.GET("/runs/:id", h.GetRun)
		v1.POST("/runs/:id/cancel", h.CancelRun)
		v1.POST("/runs/:id/steps/:stepId/retry", h.RetryStep)
	}

	return r
}

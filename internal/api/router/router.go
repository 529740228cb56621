package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/preprocess-pipeline/internal/api/handlers/batch"
	"github.com/aliskhannn/preprocess-pipeline/internal/middleware"
)

func Setup(h *batch.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api/v1")

	api.GET("/operations", h.ListOperations) // transform catalog

	api.POST("/batches", h.CreateBatch)            // uploading image + requested operations
	api.GET("/batches/:id", h.GetBatch)            // batch snapshot, optionally blocking via ?wait=
	api.POST("/batches/:id/cancel", h.CancelBatch) // best-effort cancel of all batch jobs

	api.GET("/jobs/:id", h.GetJob)            // job snapshot
	api.GET("/jobs/:id/output", h.GetOutput)  // raw output bytes
	api.POST("/jobs/:id/cancel", h.CancelJob) // best-effort cancel

	return r
}

package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "go-accurate-puller/docs"
	"go-accurate-puller/internal/api/handler"
	"go-accurate-puller/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.GET("/api/v1/jobs", h.ListJobs)
	r.GET("/api/v1/jobs/*/errors", h.GetJobErrors)
	r.GET("/api/v1/jobs/*/report", h.GetJobReport)
	r.GET("/api/v1/jobs/*/files", h.GetJobFiles)
	r.GET("/api/v1/jobs/*", h.GetJob)
	r.GET("/api/v1/download/*/*", h.DownloadFile)
	r.GET("/metrics", h.Metrics)
	r.Handle("/swagger/*", httpSwagger.WrapHandler)
}

// Package httptransport wires the gin router for the public API. Health
// probes and metrics live on the separate internal listener, not here.
package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/crawlpool/crawlpool/internal/transport/http/handler"
	"github.com/crawlpool/crawlpool/internal/transport/http/middleware"
)

func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, scheduleHandler *handler.ScheduleHandler, hmacKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	authMW := middleware.Auth(hmacKey)

	jobs := r.Group("/jobs", authMW)
	jobs.POST("", jobHandler.Submit)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.GET("/:id/result", jobHandler.Result)
	jobs.DELETE("/:id", jobHandler.Cancel)

	schedules := r.Group("/schedules", authMW)
	schedules.POST("", scheduleHandler.Create)
	schedules.GET("", scheduleHandler.List)
	schedules.GET("/:id", scheduleHandler.GetByID)
	schedules.POST("/:id/pause", scheduleHandler.Pause)
	schedules.POST("/:id/resume", scheduleHandler.Resume)
	schedules.DELETE("/:id", scheduleHandler.Delete)

	r.GET("/stats", authMW, jobHandler.Stats)

	return r
}

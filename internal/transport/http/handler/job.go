package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/usecase"
)

type JobHandler struct {
	jobs   *usecase.JobService
	logger *slog.Logger
}

func NewJobHandler(jobs *usecase.JobService, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.With("component", "job_handler")}
}

type submitJobRequest struct {
	Kind        string            `json:"kind"         binding:"required,oneof=crawl pdf_extract search"`
	URL         string            `json:"url"          binding:"omitempty,max=2048"`
	Query       string            `json:"query"        binding:"omitempty,max=1024"`
	Params      map[string]string `json:"params"`
	Priority    string            `json:"priority"     binding:"omitempty,oneof=low normal high"`
	MaxAttempts int               `json:"max_attempts" binding:"omitempty,min=1,max=10"`
}

type jobResponse struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Status      domain.Status `json:"status"`
	Priority    string        `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	LastError   *string       `json:"last_error,omitempty"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		Kind:        string(j.Payload.Kind),
		Status:      j.Status,
		Priority:    j.Priority.String(),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
		LastError:   j.LastError,
	}
}

// Submit enqueues a job. A duplicate of an active job answers 200 with the
// existing job instead of 201, so callers can tell dedup from creation.
func (h *JobHandler) Submit(ctx *gin.Context) {
	var req submitJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority, ok := domain.ParsePriority(req.Priority)
	if !ok {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidPriority})
		return
	}

	job, deduped, err := h.jobs.Submit(ctx.Request.Context(), usecase.SubmitJobInput{
		Payload: domain.Payload{
			Kind:   domain.JobKind(req.Kind),
			URL:    req.URL,
			Query:  req.Query,
			Params: req.Params,
		},
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("submit job", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	ctx.JSON(status, toJobResponse(job))
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	jobID := ctx.Param("id")

	job, err := h.jobs.Get(ctx.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("get job by id", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toJobResponse(job))
}

// Result serves the raw cached output of a succeeded job.
func (h *JobHandler) Result(ctx *gin.Context) {
	jobID := ctx.Param("id")

	result, err := h.jobs.Result(ctx.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrResultNotReady):
			ctx.JSON(http.StatusConflict, gin.H{"error": errResultNotReady})
		case errors.Is(err, domain.ErrResultGone):
			ctx.JSON(http.StatusGone, gin.H{"error": errResultGone})
		default:
			h.logger.Error("get job result", "job_id", jobID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Data(http.StatusOK, "application/json", result)
}

func (h *JobHandler) Cancel(ctx *gin.Context) {
	jobID := ctx.Param("id")

	err := h.jobs.Cancel(ctx.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrNotCancellable):
			ctx.JSON(http.StatusConflict, gin.H{"error": errJobNotCancellable})
		default:
			h.logger.Error("cancel job", "job_id", jobID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) Stats(ctx *gin.Context) {
	stats, err := h.jobs.Stats(ctx.Request.Context())
	if err != nil {
		h.logger.Error("queue stats", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, stats)
}

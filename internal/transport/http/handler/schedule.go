package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crawlpool/crawlpool/internal/domain"
	"github.com/crawlpool/crawlpool/internal/repository"
	"github.com/crawlpool/crawlpool/internal/usecase"
)

type ScheduleHandler struct {
	schedules *usecase.ScheduleService
	logger    *slog.Logger
}

func NewScheduleHandler(schedules *usecase.ScheduleService, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, logger: logger.With("component", "schedule_handler")}
}

type createScheduleRequest struct {
	Name        string            `json:"name"         binding:"required,max=256"`
	CronExpr    string            `json:"cron_expr"    binding:"required"`
	Kind        string            `json:"kind"         binding:"required,oneof=crawl pdf_extract search"`
	URL         string            `json:"url"          binding:"omitempty,max=2048"`
	Query       string            `json:"query"        binding:"omitempty,max=1024"`
	Params      map[string]string `json:"params"`
	Priority    string            `json:"priority"     binding:"omitempty,oneof=low normal high"`
	MaxAttempts int               `json:"max_attempts" binding:"omitempty,min=1,max=10"`
}

type scheduleResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CronExpr    string     `json:"cron_expr"`
	Kind        string     `json:"kind"`
	URL         string     `json:"url,omitempty"`
	Query       string     `json:"query,omitempty"`
	Priority    string     `json:"priority"`
	MaxAttempts int        `json:"max_attempts"`
	Paused      bool       `json:"paused"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toScheduleResponse(s *domain.Schedule) scheduleResponse {
	return scheduleResponse{
		ID:          s.ID,
		Name:        s.Name,
		CronExpr:    s.CronExpr,
		Kind:        string(s.Payload.Kind),
		URL:         s.Payload.URL,
		Query:       s.Payload.Query,
		Priority:    s.Priority.String(),
		MaxAttempts: s.MaxAttempts,
		Paused:      s.Paused,
		NextRunAt:   s.NextRunAt,
		LastRunAt:   s.LastRunAt,
		CreatedAt:   s.CreatedAt,
	}
}

func (h *ScheduleHandler) Create(ctx *gin.Context) {
	var req createScheduleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority, ok := domain.ParsePriority(req.Priority)
	if !ok {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidPriority})
		return
	}

	s, err := h.schedules.Create(ctx.Request.Context(), usecase.CreateScheduleInput{
		Name:     req.Name,
		CronExpr: req.CronExpr,
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
		switch {
		case errors.Is(err, domain.ErrInvalidCronExpr):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		case errors.Is(err, domain.ErrInvalidPayload):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrScheduleNameConflict):
			ctx.JSON(http.StatusConflict, gin.H{"error": errScheduleNameConflict})
		default:
			h.logger.Error("create schedule", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, toScheduleResponse(s))
}

func (h *ScheduleHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	input := repository.ListSchedulesInput{Limit: limit}
	if cursor := ctx.Query("cursor"); cursor != "" {
		cursorTime, cursorID, err := decodeCursor(cursor)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
			return
		}
		input.CursorTime = &cursorTime
		input.CursorID = cursorID
	}

	schedules, err := h.schedules.List(ctx.Request.Context(), input)
	if err != nil {
		h.logger.Error("list schedules", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]scheduleResponse, len(schedules))
	for i, s := range schedules {
		items[i] = toScheduleResponse(s)
	}
	var nextCursor string
	if len(schedules) > 0 {
		last := schedules[len(schedules)-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"schedules":   items,
		"next_cursor": nextCursor,
	})
}

func (h *ScheduleHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	s, err := h.schedules.Get(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.Error("get schedule", "schedule_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toScheduleResponse(s))
}

func (h *ScheduleHandler) Pause(ctx *gin.Context) {
	id := ctx.Param("id")

	err := h.schedules.Pause(ctx.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrScheduleNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
		case errors.Is(err, domain.ErrScheduleAlreadyPaused):
			ctx.JSON(http.StatusConflict, gin.H{"error": errScheduleAlreadyPaused})
		default:
			h.logger.Error("pause schedule", "schedule_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *ScheduleHandler) Resume(ctx *gin.Context) {
	id := ctx.Param("id")

	err := h.schedules.Resume(ctx.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrScheduleNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
		case errors.Is(err, domain.ErrScheduleNotPaused):
			ctx.JSON(http.StatusConflict, gin.H{"error": errScheduleNotPaused})
		default:
			h.logger.Error("resume schedule", "schedule_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *ScheduleHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")

	err := h.schedules.Delete(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.Error("delete schedule", "schedule_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.Status(http.StatusNoContent)
}

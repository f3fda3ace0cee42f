package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/api/dto"
	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/events"
	"github.com/cuongbtq/dubbing-pipeline/internal/pipeline"
	"github.com/cuongbtq/dubbing-pipeline/internal/retry"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Store          storage.Store
	Orchestrator   *pipeline.Orchestrator
	Publisher      dispatch.Publisher
	Events         *events.Publisher
	Retry          *retry.Controller
	AllowedOrigins []string
	Now            func() time.Time
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	store        storage.Store
	orchestrator *pipeline.Orchestrator
	publisher    dispatch.Publisher
	events       *events.Publisher
	retry        *retry.Controller
	now          func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &JobHandler{
		logger:       deps.Logger,
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		publisher:    deps.Publisher,
		events:       deps.Events,
		retry:        deps.Retry,
		now:          now,
	}
}

// jobID reads and validates the :job_id path parameter.
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}

// writeError maps domain errors onto HTTP statuses.
func (h *JobHandler) writeError(c *gin.Context, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: validationErr.Error(), Problems: validationErr.Problems})
	case errors.Is(err, domain.ErrNotReviewable),
		errors.Is(err, domain.ErrRetryNotAllowed),
		errors.Is(err, domain.ErrNotCompleted),
		errors.Is(err, domain.ErrPrecondition),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
	}
}

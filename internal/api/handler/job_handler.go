package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/api/dto"
	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/events"
	"github.com/cuongbtq/dubbing-pipeline/internal/language"
	"github.com/cuongbtq/dubbing-pipeline/internal/pipeline"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /jobs
// Creates a queued job and dispatches its first run
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	source, err := language.NormalizeSource(req.SourceLanguage)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: "source_language: " + err.Error()})
		return
	}
	target, err := language.Normalize(req.TargetLanguage)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: "target_language: " + err.Error()})
		return
	}

	job := domain.NewJob(uuid.NewString(), req.SourceAudio, source, target, h.now())
	if err := h.store.Create(c.Request.Context(), job); err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), dispatch.StartTask(job.ID, domain.StageCleanup)); err != nil {
		// The job stays queued and becomes retryable once stale.
		h.writeError(c, err)
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("source_language", source),
		slog.String("target_language", target),
	)
	c.JSON(http.StatusAccepted, dto.AcceptedResponse{JobID: job.ID, Status: string(job.Status)})
}

// GetJob handles GET /jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	langs := job.DetectedLanguages
	if langs == nil {
		langs = []domain.DetectedLanguage{}
	}
	c.JSON(http.StatusOK, dto.JobDTO{
		JobSummaryDTO:      dto.NewJobSummaryDTO(job),
		SourceAudio:        job.SourceAudio,
		TargetLanguageName: language.Name(job.TargetLanguage),
		DetectedLanguages:  langs,
		ErrorMessage:       job.ErrorMessage,
		StageLog:           job.StageLog,
		Artifacts:          job.Artifacts,
		Reviewed:           job.Reviewed,
		AttemptCount:       job.AttemptCount,
		Stale:              h.retry.Stale(job),
		RetryAvailable:     h.retry.Available(job),
	})
}

// ListJobs handles GET /jobs
// Lists jobs newest first with optional status filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	var status domain.Status
	if req.Status != "" {
		parsed, ok := domain.ParseStatus(req.Status)
		if !ok {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid status filter"})
			return
		}
		status = parsed
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), storage.JobFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	// The store returns one extra row when another page exists.
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	summaries := make([]dto.JobSummaryDTO, len(jobs))
	for i, job := range jobs {
		summaries[i] = dto.NewJobSummaryDTO(job)
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: summaries, NextCursor: nextCursor})
}

// StreamEvents handles GET /jobs/:job_id/events
// Pushes status events until the job completes, fails or awaits review
func (h *JobHandler) StreamEvents(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	started := false
	err := h.events.Stream(c.Request.Context(), jobID, func(e events.Event) error {
		if !started {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			started = true
		}
		if err := sse.Encode(c.Writer, sse.Event{Event: e.Name, Data: e.Data}); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err == nil {
		return
	}
	if !started {
		h.writeError(c, err)
		return
	}
	h.logger.Debug("Status stream ended early",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
}

// GetEdit handles GET /jobs/:job_id/edit
// Returns the segments awaiting human review
func (h *JobHandler) GetEdit(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if job.Status != domain.StatusAwaitingReview {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: domain.ErrNotReviewable.Error() + ": job is " + string(job.Status)})
		return
	}

	c.JSON(http.StatusOK, dto.EditResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		TargetLanguage: job.TargetLanguage,
		Segments:       dto.NewSegmentDTOs(job.Segments),
	})
}

// SubmitEdit handles POST /jobs/:job_id/edit
// Saves reviewed segments and dispatches the remaining stages
func (h *JobHandler) SubmitEdit(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.orchestrator.SubmitReview(c.Request.Context(), jobID, req.ToSegments())
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), dispatch.ResumeTask(jobID)); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.AcceptedResponse{JobID: job.ID, Status: string(job.Status)})
}

// RetryJob handles POST /jobs/:job_id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.retry.Retry(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.AcceptedResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		AttemptCount: job.AttemptCount,
	})
}

// Retranslate handles POST /jobs/:job_id/retranslate
// Creates a new job for another target language, reusing the transcript
func (h *JobHandler) Retranslate(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.RetranslateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}
	target, err := language.Normalize(req.TargetLanguage)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{Error: "target_language: " + err.Error()})
		return
	}

	parent, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	job, err := pipeline.Retranslation(parent, uuid.NewString(), target, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.store.Create(c.Request.Context(), job); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.publisher.Publish(c.Request.Context(), dispatch.StartTask(job.ID, domain.StageTranslation)); err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("Retranslation submitted",
		slog.String("job_id", job.ID),
		slog.String("parent_job_id", parent.ID),
		slog.String("target_language", target),
	)
	c.JSON(http.StatusAccepted, dto.AcceptedResponse{JobID: job.ID, Status: string(job.Status), ParentJobID: parent.ID})
}

// Download handles GET /jobs/:job_id/download
func (h *JobHandler) Download(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if job.Status != domain.StatusCompleted {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: domain.ErrNotCompleted.Error() + ": job is " + string(job.Status)})
		return
	}

	c.JSON(http.StatusOK, dto.DownloadResponse{
		JobID:      job.ID,
		FinalAudio: job.Artifacts[pipeline.FinalAudioArtifact],
		Artifacts:  job.Artifacts,
	})
}

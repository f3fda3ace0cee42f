// Package events turns polled job snapshots into an ordered stream of status
// events for one observer.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/staleness"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
)

// Event names on the wire.
const (
	EventStatus = "status"
	EventStale  = "stale"
	EventError  = "error"
)

// DefaultPollInterval is how often the store is read while a stream is open.
const DefaultPollInterval = 2 * time.Second

// Event is one message pushed to an observer.
type Event struct {
	Name string
	Data any
}

// StatusPayload is the job projection carried by a status event.
type StatusPayload struct {
	Status            domain.Status             `json:"status"`
	CurrentStage      int                       `json:"current_stage"`
	StageName         string                    `json:"stage_name"`
	DetectedLanguages []domain.DetectedLanguage `json:"detected_languages"`
	ErrorMessage      string                    `json:"error_message"`
	StageLog          []domain.LogEntry         `json:"stage_log"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

// StalePayload announces that the job stopped changing while processing.
type StalePayload struct {
	JobID     string    `json:"job_id"`
	UpdatedAt time.Time `json:"updated_at"`
	StaleFor  string    `json:"stale_for"`
	RetryURL  string    `json:"retry_url"`
}

// ErrorPayload reports why a stream ended early.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewStatusPayload projects a job for a status event.
func NewStatusPayload(job *domain.Job) StatusPayload {
	langs := job.DetectedLanguages
	if langs == nil {
		langs = []domain.DetectedLanguage{}
	}
	log := job.StageLog
	if log == nil {
		log = []domain.LogEntry{}
	}
	return StatusPayload{
		Status:            job.Status,
		CurrentStage:      job.CurrentStage,
		StageName:         job.StageName,
		DetectedLanguages: langs,
		ErrorMessage:      job.ErrorMessage,
		StageLog:          log,
		UpdatedAt:         job.UpdatedAt,
	}
}

// Publisher serves status streams by polling the store.
type Publisher struct {
	store      storage.Store
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock overrides the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// NewPublisher creates a publisher. Non-positive durations fall back to the
// defaults.
func NewPublisher(store storage.Store, interval, staleAfter time.Duration, logger *slog.Logger, opts ...Option) *Publisher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if staleAfter <= 0 {
		staleAfter = staleness.DefaultThreshold
	}
	p := &Publisher{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream emits events for jobID until the job reaches a status that ends the
// stream, ctx is done, or emit fails. The first read happens before emit is
// ever called, so an unknown job returns domain.ErrJobNotFound with nothing
// written. Store failures after that are reported as an error event.
func (p *Publisher) Stream(ctx context.Context, jobID string, emit func(Event) error) error {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	logger := p.logger.With(slog.String("job_id", jobID))
	logger.Debug("Status stream opened", slog.String("status", string(job.Status)))

	monitor := staleness.NewMonitor(p.staleAfter, p.now)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *domain.Job
	for {
		if last == nil || !job.UpdatedAt.Before(last.UpdatedAt) {
			if changed(last, job) {
				if err := emit(Event{Name: EventStatus, Data: NewStatusPayload(job)}); err != nil {
					return err
				}
				last = job
			}
			if job.Status.TerminalForStream() {
				logger.Debug("Status stream closed", slog.String("status", string(job.Status)))
				return nil
			}
			if monitor.Observe(job.Status, job.UpdatedAt) {
				logger.Warn("Job looks stale",
					slog.Duration("stale_for", monitor.StaleFor()),
					slog.Int("stage", job.CurrentStage),
				)
				if err := emit(Event{Name: EventStale, Data: StalePayload{
					JobID:     jobID,
					UpdatedAt: job.UpdatedAt,
					StaleFor:  monitor.StaleFor().Round(time.Second).String(),
					RetryURL:  "/jobs/" + jobID + "/retry",
				}}); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		next, err := p.store.Get(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Status stream read failed", slog.String("error", err.Error()))
			return emit(Event{Name: EventError, Data: ErrorPayload{Message: "failed to read job status"}})
		}
		job = next
	}
}

// changed reports whether next differs observably from the last emitted snapshot.
func changed(last, next *domain.Job) bool {
	if last == nil {
		return true
	}
	return next.Status != last.Status ||
		!next.UpdatedAt.Equal(last.UpdatedAt) ||
		len(next.StageLog) != len(last.StageLog)
}

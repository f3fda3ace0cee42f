// Package retry re-queues failed or stalled jobs without repeating completed
// stages.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/pipeline"
	"github.com/cuongbtq/dubbing-pipeline/internal/staleness"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
)

// Controller handles explicit retry requests.
type Controller struct {
	store      storage.Store
	publisher  dispatch.Publisher
	policy     pipeline.Policy
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for the staleness check.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a retry controller.
func NewController(store storage.Store, publisher dispatch.Publisher, policy pipeline.Policy, staleAfter time.Duration, logger *slog.Logger, opts ...Option) *Controller {
	if staleAfter <= 0 {
		staleAfter = staleness.DefaultThreshold
	}
	c := &Controller{
		store:      store,
		publisher:  publisher,
		policy:     policy,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether Retry would accept the job right now.
func (c *Controller) Available(job *domain.Job) bool {
	return job.Status == domain.StatusFailed || staleness.IsStale(job, c.now(), c.staleAfter)
}

// Stale reports whether the job looks abandoned by its worker.
func (c *Controller) Stale(job *domain.Job) bool {
	return staleness.IsStale(job, c.now(), c.staleAfter)
}

// Retry re-queues the job at the stage after its last completed one and
// publishes a retry task. A job with a live execution is rejected with
// domain.ErrRetryNotAllowed, so repeated calls cannot start parallel runs.
func (c *Controller) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	var plan pipeline.ResumePlan

	job, err := c.store.Update(ctx, jobID, func(job *domain.Job) error {
		if !c.Available(job) {
			return fmt.Errorf("%w: job is %s and last changed at %s",
				domain.ErrRetryNotAllowed, job.Status, job.UpdatedAt.Format(time.RFC3339))
		}

		plan = pipeline.PlanResume(job, c.policy)
		now := c.now()

		job.AttemptCount++
		job.ErrorMessage = ""
		job.Status = domain.StatusQueued
		// A crashed worker never releases its lease.
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil

		if plan.Assumed != 0 {
			job.AppendLog(now, plan.Assumed.AssumedCompleteMessage())
		}
		job.AppendLog(now, Message(job.AttemptCount, plan.From))
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Job re-queued for retry",
		slog.String("job_id", jobID),
		slog.Int("attempt", job.AttemptCount),
		slog.Int("from_stage", int(plan.From)),
		slog.Int("assumed_stage", int(plan.Assumed)),
	)

	if err := c.publisher.Publish(ctx, dispatch.RetryTask(jobID, plan.From)); err != nil {
		// The job stays queued; once it goes stale the retry is available again.
		c.logger.Error("Failed to publish retry task",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to publish retry task: %w", err)
	}
	return job, nil
}

// Message is the stage_log line recorded for a retry.
func Message(attempt int, from domain.Stage) string {
	if from > domain.StageMixMaster {
		return fmt.Sprintf("Retry #%d: all stages complete, finalizing", attempt)
	}
	return fmt.Sprintf("Retry #%d: resuming at stage %d (%s)", attempt, int(from), from.Label())
}

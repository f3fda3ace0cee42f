// Package pipeline drives a job through its stages and the review gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/executor"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
)

// InterruptedReason is recorded when a stage is cut short by worker shutdown.
const InterruptedReason = "interrupted by worker shutdown"

// Orchestrator runs stages for one job at a time per call. Callers guarantee
// at most one active call per job id.
type Orchestrator struct {
	store     storage.Store
	executors *executor.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source for stage_log timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store storage.Store, executors *executor.Registry, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		executors: executors,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run identifies one claimed execution. attempt fences writes: once a retry
// bumps attempt_count, a superseded execution can no longer write.
type run struct {
	jobID   string
	attempt int
}

// Start claims a queued job and runs stages from through translation, then
// parks it for review. from is 1 for new submissions and 3 for
// retranslations.
func (o *Orchestrator) Start(ctx context.Context, jobID string, from domain.Stage) error {
	if from == 0 {
		from = domain.StageCleanup
	}
	if !from.Valid() || from > domain.ReviewGateStage {
		return fmt.Errorf("%w: cannot start at stage %d", domain.ErrPrecondition, int(from))
	}

	r, err := o.claim(ctx, jobID, "start", func(job *domain.Job) error {
		if job.Status != domain.StatusQueued {
			return fmt.Errorf("%w: start requires queued, job is %s", domain.ErrPrecondition, job.Status)
		}
		if job.AttemptCount != 0 {
			return fmt.Errorf("%w: job has been retried; use the retry entry point", domain.ErrPrecondition)
		}
		if last := domain.LastCompletedStage(job.StageLog); last != from-1 {
			return fmt.Errorf("%w: start at stage %d but last completed stage is %d", domain.ErrPrecondition, int(from), int(last))
		}
		return nil
	})
	if err != nil {
		return err
	}

	ok, err := o.runStages(ctx, r, from, domain.ReviewGateStage)
	if err != nil || !ok {
		return err
	}
	return o.awaitReview(ctx, r)
}

// SubmitReview validates edited segments and, when the job is awaiting review,
// atomically replaces its segments and marks it processing. The caller then
// dispatches a resume task. Invalid input never mutates the job.
func (o *Orchestrator) SubmitReview(ctx context.Context, jobID string, segments []domain.Segment) (*domain.Job, error) {
	if err := ValidateSegments(segments); err != nil {
		return nil, err
	}

	job, err := o.store.Update(ctx, jobID, func(job *domain.Job) error {
		if job.Status != domain.StatusAwaitingReview {
			return fmt.Errorf("%w: job is %s", domain.ErrNotReviewable, job.Status)
		}
		edited := make([]domain.Segment, len(segments))
		for i, seg := range segments {
			if i < len(job.Segments) && seg.SourceText == "" {
				seg.SourceText = job.Segments[i].SourceText
			}
			if seg.Language == "" {
				seg.Language = job.TargetLanguage
			}
			edited[i] = seg
		}
		job.Segments = edited
		job.Reviewed = true
		job.Status = domain.StatusProcessing
		job.AppendLog(o.now(), fmt.Sprintf("Review submitted (%d segments)", len(edited)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Review submitted",
		slog.String("job_id", jobID),
		slog.Int("segments", len(segments)),
	)
	return job, nil
}

// Resume runs voice cloning through mix & master for a reviewed job.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusProcessing || !job.Reviewed || job.CurrentStage != int(domain.ReviewGateStage) ||
		domain.LastCompletedStage(job.StageLog) < domain.ReviewGateStage {
		return fmt.Errorf("%w: resume requires a reviewed job paused after %s (status %s, stage %d)",
			domain.ErrPrecondition, domain.ReviewGateStage.Label(), job.Status, job.CurrentStage)
	}

	r := run{jobID: jobID, attempt: job.AttemptCount}
	o.logger.Info("Resuming job after review", slog.String("job_id", jobID))

	ok, err := o.runStages(ctx, r, domain.ReviewGateStage+1, domain.StageMixMaster)
	if err != nil || !ok {
		return err
	}
	return o.complete(ctx, r)
}

// ResumeFromRetry claims a job the retry controller re-queued and continues at
// from. Jobs that still need a review are parked in awaiting_review instead of
// running past the gate.
func (o *Orchestrator) ResumeFromRetry(ctx context.Context, jobID string, from domain.Stage) error {
	if from < domain.StageCleanup || from > domain.StageMixMaster+1 {
		return fmt.Errorf("%w: invalid resume stage %d", domain.ErrPrecondition, int(from))
	}

	r, err := o.claim(ctx, jobID, "retry", func(job *domain.Job) error {
		if job.Status != domain.StatusQueued || job.AttemptCount == 0 {
			return fmt.Errorf("%w: retry requires a re-queued job (status %s, attempts %d)",
				domain.ErrPrecondition, job.Status, job.AttemptCount)
		}
		if last := domain.LastCompletedStage(job.StageLog); from > last+1 {
			return fmt.Errorf("%w: cannot resume at stage %d after stage %d", domain.ErrPrecondition, int(from), int(last))
		}
		return nil
	})
	if err != nil {
		return err
	}

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if from <= domain.ReviewGateStage {
		ok, err := o.runStages(ctx, r, from, domain.ReviewGateStage)
		if err != nil || !ok {
			return err
		}
		return o.awaitReview(ctx, r)
	}
	if !job.Reviewed {
		return o.awaitReview(ctx, r)
	}
	if from <= domain.StageMixMaster {
		ok, err := o.runStages(ctx, r, from, domain.StageMixMaster)
		if err != nil || !ok {
			return err
		}
	}
	return o.complete(ctx, r)
}

// claim moves a queued job to processing. The check runs inside the atomic
// update so two claimers can never both succeed.
func (o *Orchestrator) claim(ctx context.Context, jobID, entry string, check func(*domain.Job) error) (run, error) {
	job, err := o.store.Update(ctx, jobID, func(job *domain.Job) error {
		if err := check(job); err != nil {
			return err
		}
		job.Status = domain.StatusProcessing
		return nil
	})
	if err != nil {
		return run{}, err
	}

	o.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("entry", entry),
		slog.Int("attempt", job.AttemptCount),
	)
	return run{jobID: jobID, attempt: job.AttemptCount}, nil
}

// runStages executes from..to in order. It reports false when a stage failed;
// the failure is already recorded on the job.
func (o *Orchestrator) runStages(ctx context.Context, r run, from, to domain.Stage) (bool, error) {
	for stage := from; stage <= to; stage++ {
		ok, err := o.runStage(ctx, r, stage)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func (o *Orchestrator) runStage(ctx context.Context, r run, stage domain.Stage) (bool, error) {
	// Store writes outlive cancellation so an interrupted stage is still recorded.
	persistCtx := context.WithoutCancel(ctx)
	logger := o.logger.With(
		slog.String("job_id", r.jobID),
		slog.Int("stage", int(stage)),
		slog.String("stage_name", stage.Label()),
	)

	job, err := o.write(persistCtx, r, func(job *domain.Job) error {
		job.CurrentStage = int(stage)
		job.StageName = stage.Label()
		job.AppendLog(o.now(), stage.StartingMessage())
		return nil
	})
	if err != nil {
		return false, err
	}

	logger.Info("Stage started", slog.String("progress", domain.Progress(int(stage))))
	started := time.Now()

	if stage == domain.StageTranslation && len(job.Segments) == 0 {
		return false, o.fail(persistCtx, r, stage, "no segments to translate", logger)
	}

	result, err := o.executors.Run(ctx, &executor.Request{
		JobID:          job.ID,
		Stage:          stage,
		SourceAudio:    job.SourceAudio,
		SourceLanguage: job.SourceLanguage,
		TargetLanguage: job.TargetLanguage,
		Segments:       job.Segments,
		Artifacts:      job.Artifacts,
	})
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = InterruptedReason
		}
		return false, o.fail(persistCtx, r, stage, reason, logger)
	}

	if err := checkResult(stage, result); err != nil {
		return false, o.fail(persistCtx, r, stage, err.Error(), logger)
	}

	_, err = o.write(persistCtx, r, func(job *domain.Job) error {
		if result.Segments != nil {
			job.Segments = result.Segments
		}
		if result.DetectedLanguages != nil {
			job.DetectedLanguages = result.DetectedLanguages
		}
		job.MergeArtifacts(result.Artifacts)
		now := o.now()
		for _, note := range result.Notes {
			job.AppendLog(now, note)
		}
		job.AppendLog(now, stage.CompleteMessage())
		return nil
	})
	if err != nil {
		return false, err
	}

	logger.Info("Stage completed", slog.Duration("duration", time.Since(started)))
	return true, nil
}

// checkResult rejects malformed executor output.
func checkResult(stage domain.Stage, result *executor.Result) error {
	switch stage {
	case domain.StageTranscription:
		if err := validateDetectedLanguages(result.DetectedLanguages); err != nil {
			return err
		}
	case domain.StageTranslation:
		if len(result.Segments) == 0 {
			return errors.New("translation returned no segments")
		}
		if err := ValidateSegments(result.Segments); err != nil {
			return fmt.Errorf("translation returned %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r run, stage domain.Stage, reason string, logger *slog.Logger) error {
	_, err := o.write(ctx, r, func(job *domain.Job) error {
		job.Status = domain.StatusFailed
		job.ErrorMessage = fmt.Sprintf("%s failed: %s", stage.Label(), reason)
		job.AppendLog(o.now(), stage.FailedMessage(reason))
		return nil
	})
	if err != nil {
		return err
	}
	logger.Error("Stage failed", slog.String("reason", reason))
	return nil
}

func (o *Orchestrator) awaitReview(ctx context.Context, r run) error {
	job, err := o.write(context.WithoutCancel(ctx), r, func(job *domain.Job) error {
		job.Status = domain.StatusAwaitingReview
		job.AppendLog(o.now(), fmt.Sprintf("Awaiting review (%d segments)", len(job.Segments)))
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Info("Job awaiting review",
		slog.String("job_id", r.jobID),
		slog.Int("segments", len(job.Segments)),
	)
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, r run) error {
	_, err := o.write(context.WithoutCancel(ctx), r, func(job *domain.Job) error {
		job.Status = domain.StatusCompleted
		job.CurrentStage = int(domain.StageMixMaster)
		job.StageName = domain.StageMixMaster.Label()
		job.AppendLog(o.now(), "Dubbing complete")
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Info("Job completed", slog.String("job_id", r.jobID))
	return nil
}

// write updates the job only while this execution still owns it.
func (o *Orchestrator) write(ctx context.Context, r run, fn storage.MutateFunc) (*domain.Job, error) {
	return o.store.Update(ctx, r.jobID, func(job *domain.Job) error {
		if job.Status != domain.StatusProcessing || job.AttemptCount != r.attempt {
			return fmt.Errorf("%w: execution superseded (status %s, attempt %d)", domain.ErrPrecondition, job.Status, job.AttemptCount)
		}
		return fn(job)
	})
}

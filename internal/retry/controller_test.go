package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/executor"
	"github.com/cuongbtq/dubbing-pipeline/internal/pipeline"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	tasks []dispatch.Task
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, task dispatch.Task) error {
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

type fixture struct {
	clock     *fakeClock
	store     storage.Store
	publisher *recordingPublisher
	calls     map[domain.Stage]int
	failAt    domain.Stage
}

func newFixture() *fixture {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &fixture{
		clock:     clock,
		store:     storage.NewMemoryStore(storage.WithClock(clock.Now)),
		publisher: &recordingPublisher{},
		calls:     map[domain.Stage]int{},
	}
}

func (f *fixture) controller(policy pipeline.Policy) *Controller {
	return NewController(f.store, f.publisher, policy, 15*time.Minute, discardLogger(), WithClock(f.clock.Now))
}

func (f *fixture) orchestrator() *pipeline.Orchestrator {
	sim := executor.NewSimulated(0, discardLogger())
	registry := executor.NewRegistry()
	registry.RegisterAll(executor.Func(func(ctx context.Context, req *executor.Request) (*executor.Result, error) {
		f.calls[req.Stage]++
		if req.Stage == f.failAt {
			return nil, errors.New("vendor timeout")
		}
		return sim.Execute(ctx, req)
	}))
	return pipeline.NewOrchestrator(f.store, registry, discardLogger(), pipeline.WithClock(f.clock.Now))
}

func (f *fixture) createJob(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), domain.NewJob(id, "uploads/show.mp3", "auto", "es", f.clock.Now())))
}

// crash leaves the job processing mid-stage, as a killed worker would.
func (f *fixture) crash(t *testing.T, id string, stage domain.Stage) {
	t.Helper()
	_, err := f.store.Update(context.Background(), id, func(job *domain.Job) error {
		job.Status = domain.StatusProcessing
		job.CurrentStage = int(stage)
		job.StageName = stage.Label()
		job.AppendLog(f.clock.Now(), stage.StartingMessage())
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.store.AcquireLease(context.Background(), id, "dead-worker", time.Hour))
}

func lastMessage(job *domain.Job) string {
	return job.StageLog[len(job.StageLog)-1].Message
}

func TestRetry_FailedJobResumesAtFailedStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.createJob(t, "job-1")
	orch := f.orchestrator()

	f.failAt = domain.StageTranscription
	require.NoError(t, orch.Start(ctx, "job-1", 0))

	failed, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)

	job, err := f.controller(pipeline.PolicyRerun).Retry(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, failed.AttemptCount+1, job.AttemptCount)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, "Retry #1: resuming at stage 2 (Transcription)", lastMessage(job))
	assert.Equal(t, []dispatch.Task{dispatch.RetryTask("job-1", domain.StageTranscription)}, f.publisher.tasks)

	f.failAt = 0
	require.NoError(t, orch.ResumeFromRetry(ctx, "job-1", domain.Stage(f.publisher.tasks[0].FromStage)))

	resumed, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingReview, resumed.Status)
	assert.Equal(t, 1, f.calls[domain.StageCleanup])
	assert.Equal(t, 2, f.calls[domain.StageTranscription])
}

func TestRetry_RejectsActiveExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.createJob(t, "job-1")
	f.crash(t, "job-1", domain.StageCleanup)
	f.clock.Advance(14 * time.Minute)

	before, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)

	_, err = f.controller(pipeline.PolicyRerun).Retry(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrRetryNotAllowed)

	after, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.AttemptCount, after.AttemptCount)
	assert.Empty(t, f.publisher.tasks)
}

func TestRetry_RejectsTerminalAndReviewStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.createJob(t, "job-1")
	require.NoError(t, f.orchestrator().Start(ctx, "job-1", 0))
	f.clock.Advance(time.Hour)

	_, err := f.controller(pipeline.PolicyRerun).Retry(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrRetryNotAllowed)

	_, err = f.controller(pipeline.PolicyRerun).Retry(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRetry_StaleJobClearsLeaseAndRerunsStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.createJob(t, "job-1")
	f.crash(t, "job-1", domain.StageCleanup)
	f.clock.Advance(15 * time.Minute)

	controller := f.controller(pipeline.PolicyRerun)
	job, err := controller.Retry(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Empty(t, job.LeaseOwner)
	assert.Equal(t, "Retry #1: resuming at stage 1 (Audio Cleanup)", lastMessage(job))

	locker := dispatch.NewStoreLocker(f.store, "worker-b", time.Minute, discardLogger())
	unlock, err := locker.Lock(ctx, "job-1")
	require.NoError(t, err)
	unlock()

	// The fresh record is no longer stale, so a second click is rejected.
	_, err = controller.Retry(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrRetryNotAllowed)
	assert.Len(t, f.publisher.tasks, 1)

	require.NoError(t, f.orchestrator().ResumeFromRetry(ctx, "job-1", domain.StageCleanup))
	resumed, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, resumed.UpdatedAt.After(job.UpdatedAt))
	assert.Equal(t, domain.StatusAwaitingReview, resumed.Status)
}

func TestRetry_AssumeCompleteSkipsInterruptedStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.createJob(t, "job-1")
	orch := f.orchestrator()
	require.NoError(t, orch.Start(ctx, "job-1", 0))
	_, err := orch.SubmitReview(ctx, "job-1", []domain.Segment{
		{Speaker: "A", StartTime: 0, EndTime: 2, Text: "Hola"},
	})
	require.NoError(t, err)
	f.crash(t, "job-1", domain.StageVoiceCloning)
	f.clock.Advance(20 * time.Minute)

	job, err := f.controller(pipeline.PolicyAssumeComplete).Retry(ctx, "job-1")
	require.NoError(t, err)

	n := len(job.StageLog)
	assert.Equal(t, "Voice Cloning assumed complete after interruption", job.StageLog[n-2].Message)
	assert.Equal(t, "Retry #1: resuming at stage 5 (Speech Generation)", job.StageLog[n-1].Message)
	assert.Equal(t, dispatch.RetryTask("job-1", domain.StageSpeechGeneration), f.publisher.tasks[0])

	require.NoError(t, orch.ResumeFromRetry(ctx, "job-1", domain.StageSpeechGeneration))
	done, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, 0, f.calls[domain.StageVoiceCloning])
}

func TestRetry_PublishFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.createJob(t, "job-1")
	f.failAt = domain.StageCleanup
	require.NoError(t, f.orchestrator().Start(ctx, "job-1", 0))

	f.publisher.err = errors.New("broker down")
	_, err := f.controller(pipeline.PolicyRerun).Retry(ctx, "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Retry #2: resuming at stage 4 (Voice Cloning)", Message(2, domain.StageVoiceCloning))
	assert.Equal(t, "Retry #1: all stages complete, finalizing", Message(1, domain.StageMixMaster+1))
}

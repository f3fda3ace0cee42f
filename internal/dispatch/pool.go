package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// Handler is the set of orchestrator entry points the pool invokes.
type Handler interface {
	Start(ctx context.Context, jobID string, from domain.Stage) error
	Resume(ctx context.Context, jobID string) error
	ResumeFromRetry(ctx context.Context, jobID string, from domain.Stage) error
}

// Config holds pool configuration
type Config struct {
	Logger          *slog.Logger
	Source          Source
	Handler         Handler
	Locker          Locker
	WorkerID        string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Pool consumes tasks and runs them on a fixed number of goroutines.
type Pool struct {
	logger          *slog.Logger
	source          Source
	handler         Handler
	locker          Locker
	workerID        string
	concurrency     int
	shutdownTimeout time.Duration

	jobsChan chan Delivery
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu     sync.Mutex
	active map[string]struct{}
}

// NewPool creates a worker pool.
func NewPool(cfg *Config) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		logger:          cfg.Logger,
		source:          cfg.Source,
		handler:         cfg.Handler,
		locker:          cfg.Locker,
		workerID:        cfg.WorkerID,
		concurrency:     concurrency,
		shutdownTimeout: cfg.ShutdownTimeout,
		jobsChan:        make(chan Delivery),
		active:          make(map[string]struct{}),
	}
}

// Start subscribes to the source and spawns the workers. It returns once
// consumption has begun.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	deliveries, err := p.source.Consume(runCtx, p.workerID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	p.cancel = cancel

	p.logger.Info("Starting worker pool",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(runCtx, i)
	}

	p.wg.Add(1)
	go p.dispatchLoop(runCtx, deliveries)
	return nil
}

// Stop cancels in-flight executions and waits up to the shutdown timeout for
// them to record their interruption.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if p.shutdownTimeout <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(p.shutdownTimeout):
			p.logger.Warn("Worker pool shutdown timed out",
				slog.Duration("timeout", p.shutdownTimeout),
			)
			return
		}
	}
	p.logger.Info("Worker pool stopped")
}

// dispatchLoop forwards deliveries to idle workers.
func (p *Pool) dispatchLoop(ctx context.Context, deliveries <-chan Delivery) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				p.logger.Warn("Delivery channel closed")
				return
			}
			select {
			case p.jobsChan <- d:
			case <-ctx.Done():
				if err := d.Nack(true); err != nil {
					p.logger.Error("Failed to NACK message on shutdown", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	workerName := fmt.Sprintf("%s-%d", p.workerID, workerNum)
	logger := p.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping")
			return
		case d := <-p.jobsChan:
			p.handle(ctx, d, logger)
		}
	}
}

// handle accepts one delivery and runs it. The message is acknowledged as
// soon as the execution is accepted: a crash afterwards leaves the job in its
// last persisted state for explicit recovery instead of a redelivery.
func (p *Pool) handle(ctx context.Context, d Delivery, logger *slog.Logger) {
	task, err := DecodeTask(d.Body())
	if err != nil {
		logger.Error("Rejecting malformed task",
			slog.String("error", err.Error()),
			slog.String("body", string(d.Body())),
		)
		p.nack(d, false, logger)
		return
	}
	logger = logger.With(slog.String("job_id", task.JobID), slog.String("entry", string(task.Entry)))

	release, err := p.accept(ctx, task.JobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateDispatch):
			logger.Warn("Dropping duplicate dispatch", slog.String("reason", err.Error()))
			p.ack(d, logger)
		case errors.Is(err, domain.ErrJobNotFound):
			logger.Warn("Dropping task for unknown job")
			p.ack(d, logger)
		default:
			requeue := shouldRequeue(err, d)
			logger.Error("Failed to accept task",
				slog.String("error", err.Error()),
				slog.Bool("requeue", requeue),
			)
			p.nack(d, requeue, logger)
		}
		return
	}
	defer release()

	p.ack(d, logger)
	logger.Info("Task accepted")

	if err := p.invoke(ctx, task); err != nil {
		if errors.Is(err, domain.ErrPrecondition) || errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn("Task dropped", slog.String("reason", err.Error()))
			return
		}
		logger.Error("Task execution failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("Task finished")
}

// accept reserves the job in this process and then across processes.
func (p *Pool) accept(ctx context.Context, jobID string) (func(), error) {
	p.mu.Lock()
	if _, busy := p.active[jobID]; busy {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: already running in this worker", domain.ErrDuplicateDispatch)
	}
	p.active[jobID] = struct{}{}
	p.mu.Unlock()

	leave := func() {
		p.mu.Lock()
		delete(p.active, jobID)
		p.mu.Unlock()
	}

	unlock := func() {}
	if p.locker != nil {
		var err error
		unlock, err = p.locker.Lock(ctx, jobID)
		if err != nil {
			leave()
			return nil, err
		}
	}

	return func() {
		unlock()
		leave()
	}, nil
}

func (p *Pool) invoke(ctx context.Context, task Task) error {
	switch task.Entry {
	case EntryStart:
		return p.handler.Start(ctx, task.JobID, domain.Stage(task.FromStage))
	case EntryResume:
		return p.handler.Resume(ctx, task.JobID)
	case EntryRetry:
		return p.handler.ResumeFromRetry(ctx, task.JobID, domain.Stage(task.FromStage))
	}
	return fmt.Errorf("%w: unknown entry %q", domain.ErrInvalidMessage, task.Entry)
}

// shouldRequeue gives transient failures a single redelivery.
func shouldRequeue(err error, d Delivery) bool {
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return !d.Redelivered()
	}
	return false
}

func (p *Pool) ack(d Delivery, logger *slog.Logger) {
	if err := d.Ack(); err != nil {
		logger.Error("Failed to ACK message", slog.String("error", err.Error()))
	}
}

func (p *Pool) nack(d Delivery, requeue bool, logger *slog.Logger) {
	if err := d.Nack(requeue); err != nil {
		logger.Error("Failed to NACK message", slog.String("error", err.Error()))
	}
}

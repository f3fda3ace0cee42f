package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Locker grants exclusive execution rights for a job across processes.
// Lock returns domain.ErrDuplicateDispatch when another execution holds the
// job; any other error is an infrastructure failure.
type Locker interface {
	Lock(ctx context.Context, jobID string) (unlock func(), err error)
}

// StoreLocker leases the job row in the shared store. The lease is not
// renewed; the retry controller clears it when it recovers a stale job.
type StoreLocker struct {
	store    storage.Store
	workerID string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewStoreLocker creates a lease-based locker.
func NewStoreLocker(store storage.Store, workerID string, ttl time.Duration, logger *slog.Logger) *StoreLocker {
	return &StoreLocker{store: store, workerID: workerID, ttl: ttl, logger: logger}
}

func (l *StoreLocker) Lock(ctx context.Context, jobID string) (func(), error) {
	// Each execution gets its own owner so a superseded run cannot release
	// the lease of the run that replaced it.
	owner := fmt.Sprintf("%s/%s", l.workerID, uuid.NewString())

	err := l.store.AcquireLease(ctx, jobID, owner, l.ttl)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLeaseHeld):
		return nil, fmt.Errorf("%w: %v", domain.ErrDuplicateDispatch, err)
	case errors.Is(err, domain.ErrJobNotFound):
		return nil, err
	default:
		return nil, domain.NewRetryableError(fmt.Errorf("failed to acquire lease: %w", err))
	}

	return func() {
		if err := l.store.ReleaseLease(context.WithoutCancel(ctx), jobID, owner); err != nil {
			l.logger.Error("Failed to release job lease",
				slog.String("job_id", jobID),
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

// FileLocker takes an advisory lock file per job. It only excludes workers
// that share dir, so it suits single-host deployments.
type FileLocker struct {
	dir string
}

// NewFileLocker creates the lock directory if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

func (l *FileLocker) Lock(_ context.Context, jobID string) (func(), error) {
	lock := flock.New(filepath.Join(l.dir, jobID+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to lock %s: %w", lock.Path(), err))
	}
	if !locked {
		return nil, fmt.Errorf("%w: lock file %s is held", domain.ErrDuplicateDispatch, lock.Path())
	}
	return func() { _ = lock.Unlock() }, nil
}

// Package storage persists job records and enforces their write invariants.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// maxUpdateAttempts bounds the optimistic read-modify-write loop in Update.
const maxUpdateAttempts = 8

// MutateFunc edits a private copy of a job. Returning an error aborts the
// update without writing.
type MutateFunc func(job *domain.Job) error

// Store is the durable job store shared by the API and worker processes.
type Store interface {
	// Create inserts a new job record.
	Create(ctx context.Context, job *domain.Job) error
	// Get returns a copy of the job or domain.ErrJobNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)
	// List returns jobs ordered by created_at descending, then id descending.
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
	// Update applies fn atomically. The result is checked against the job
	// invariants and updated_at is advanced strictly.
	Update(ctx context.Context, id string, fn MutateFunc) (*domain.Job, error)
	// AcquireLease grants owner exclusive execution rights until ttl elapses.
	// It returns domain.ErrLeaseHeld when another owner holds a live lease.
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error
	// ReleaseLease drops the lease when owner still holds it.
	ReleaseLease(ctx context.Context, id, owner string) error
	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// JobFilter narrows List results.
type JobFilter struct {
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor marks the last row of the previous page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// applyUpdate runs fn on a copy of before and validates the result.
func applyUpdate(before *domain.Job, fn MutateFunc, now time.Time) (*domain.Job, error) {
	after := before.Clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := domain.CheckInvariants(before, after); err != nil {
		return nil, err
	}
	after.UpdatedAt = nextUpdatedAt(before.UpdatedAt, now)
	after.Version = before.Version + 1
	return after, nil
}

// nextUpdatedAt returns a timestamp strictly after prev.
func nextUpdatedAt(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	if !next.After(prev) {
		next = prev.Add(time.Microsecond)
	}
	return next
}

func leaseAvailable(job *domain.Job, owner string, now time.Time) bool {
	if job.LeaseOwner == "" || job.LeaseOwner == owner {
		return true
	}
	return job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now)
}

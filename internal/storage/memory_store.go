package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// MemoryStore keeps jobs in process memory. It backs tests and the
// single-process mode.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	opts options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		opts: buildOptions(opts),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			created := job.CreatedAt.UnixNano()
			if created > c.CreatedAt.UnixNano() || (created == c.CreatedAt.UnixNano() && job.ID >= c.JobID) {
				continue
			}
		}
		out = append(out, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn MutateFunc) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	after, err := applyUpdate(before, fn, s.opts.now())
	if err != nil {
		return nil, err
	}
	s.jobs[id] = after
	return after.Clone(), nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, id, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := s.opts.now()
	if !leaseAvailable(job, owner, now) {
		return domain.ErrLeaseHeld
	}
	expires := now.Add(ttl)
	job.LeaseOwner = owner
	job.LeaseExpiresAt = &expires
	job.Version++
	return nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.LeaseOwner != owner {
		return nil
	}
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.Version++
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

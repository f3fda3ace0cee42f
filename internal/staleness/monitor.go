// Package staleness infers crashed executions from the absence of record
// changes.
package staleness

import (
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// DefaultThreshold is how long a processing job may go without an update
// before it is considered stale.
const DefaultThreshold = 15 * time.Minute

// IsStale reports whether job is processing (or queued and never picked up)
// and has not changed for at least threshold.
func IsStale(job *domain.Job, now time.Time, threshold time.Duration) bool {
	if job.Status != domain.StatusProcessing && job.Status != domain.StatusQueued {
		return false
	}
	return now.Sub(job.UpdatedAt) >= threshold
}

// Monitor tracks one job across repeated observations. It is not safe for
// concurrent use.
type Monitor struct {
	threshold time.Duration
	now       func() time.Time

	lastUpdated time.Time
	firstSeen   time.Time
	tracking    bool
	reported    bool
}

// NewMonitor creates a monitor. A nil clock uses time.Now.
func NewMonitor(threshold time.Duration, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{threshold: threshold, now: now}
}

// Observe records a snapshot and returns true exactly once per stale episode.
// An episode ends when updated_at changes or the job leaves processing.
//
// Staleness is measured both from the first local sighting of the current
// updated_at and from updated_at itself, so a freshly opened observer sees a
// long-dead job as stale immediately and clock skew cannot hide a stall.
func (m *Monitor) Observe(status domain.Status, updatedAt time.Time) bool {
	now := m.now()

	if status != domain.StatusProcessing {
		m.reset()
		return false
	}
	if !m.tracking || !updatedAt.Equal(m.lastUpdated) {
		m.tracking = true
		m.reported = false
		m.lastUpdated = updatedAt
		m.firstSeen = now
	}
	if m.reported {
		return false
	}
	if now.Sub(m.firstSeen) >= m.threshold || now.Sub(updatedAt) >= m.threshold {
		m.reported = true
		return true
	}
	return false
}

// StaleFor returns how long the current updated_at has gone unchanged.
func (m *Monitor) StaleFor() time.Duration {
	if !m.tracking {
		return 0
	}
	now := m.now()
	local := now.Sub(m.firstSeen)
	if remote := now.Sub(m.lastUpdated); remote > local {
		return remote
	}
	return local
}

func (m *Monitor) reset() {
	m.tracking = false
	m.reported = false
	m.lastUpdated = time.Time{}
	m.firstSeen = time.Time{}
}

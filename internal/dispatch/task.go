// Package dispatch queues pipeline entry points and runs them on a bounded
// worker pool with at most one active execution per job.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/google/uuid"
)

// Entry names the orchestrator entry point a task invokes.
type Entry string

const (
	EntryStart  Entry = "start"
	EntryResume Entry = "resume"
	EntryRetry  Entry = "retry"
)

// Task is the queue message body.
type Task struct {
	JobID     string `json:"job_id"`
	Entry     Entry  `json:"entry"`
	FromStage int    `json:"from_stage,omitempty"`
}

// StartTask queues a fresh run beginning at from.
func StartTask(jobID string, from domain.Stage) Task {
	return Task{JobID: jobID, Entry: EntryStart, FromStage: int(from)}
}

// ResumeTask queues the post-review stages.
func ResumeTask(jobID string) Task {
	return Task{JobID: jobID, Entry: EntryResume}
}

// RetryTask queues a retried run continuing at from.
func RetryTask(jobID string, from domain.Stage) Task {
	return Task{JobID: jobID, Entry: EntryRetry, FromStage: int(from)}
}

// Encode serializes the task for the queue.
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses and validates a queue message body.
func DecodeTask(body []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return Task{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if _, err := uuid.Parse(task.JobID); err != nil {
		return Task{}, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidMessage, task.JobID)
	}
	switch task.Entry {
	case EntryStart:
		if task.FromStage != 0 && (task.FromStage < int(domain.StageCleanup) || task.FromStage > int(domain.ReviewGateStage)) {
			return Task{}, fmt.Errorf("%w: start cannot begin at stage %d", domain.ErrInvalidMessage, task.FromStage)
		}
	case EntryResume:
	case EntryRetry:
		if task.FromStage < int(domain.StageCleanup) || task.FromStage > domain.TotalStages+1 {
			return Task{}, fmt.Errorf("%w: retry cannot resume at stage %d", domain.ErrInvalidMessage, task.FromStage)
		}
	default:
		return Task{}, fmt.Errorf("%w: unknown entry %q", domain.ErrInvalidMessage, task.Entry)
	}
	return task, nil
}

package pipeline

import (
	"fmt"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// Policy decides what a retry does with a stage that was in flight when its
// worker stopped.
type Policy string

const (
	// PolicyRerun runs the interrupted stage again.
	PolicyRerun Policy = "rerun"
	// PolicyAssumeComplete skips the interrupted stage of a crashed job when its
	// output lives with the external service. Stages whose output the job record
	// carries (transcription, translation) are always re-run.
	PolicyAssumeComplete Policy = "assume_complete"
)

// ParsePolicy converts a configuration value.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case PolicyRerun, "":
		return PolicyRerun, nil
	case PolicyAssumeComplete:
		return PolicyAssumeComplete, nil
	}
	return "", fmt.Errorf("unknown interrupted stage policy %q", value)
}

// ResumePlan is where a retry picks up.
type ResumePlan struct {
	// From is the first stage to run; TotalStages+1 means nothing is left.
	From domain.Stage
	// Assumed is the interrupted stage skipped under PolicyAssumeComplete, or 0.
	Assumed domain.Stage
}

// PlanResume computes the resumption point for a retry. A stage that has
// logged completion is never run again.
func PlanResume(job *domain.Job, policy Policy) ResumePlan {
	last := domain.LastCompletedStage(job.StageLog)
	plan := ResumePlan{From: last + 1}

	if policy != PolicyAssumeComplete || job.Status != domain.StatusProcessing {
		return plan
	}
	interrupted := domain.Stage(job.CurrentStage)
	if interrupted != last+1 || !interrupted.Valid() || carriesRecordOutput(interrupted) {
		return plan
	}
	if interrupted > domain.ReviewGateStage && !job.Reviewed {
		return plan
	}
	plan.Assumed = interrupted
	plan.From = interrupted + 1
	return plan
}

func carriesRecordOutput(stage domain.Stage) bool {
	return stage == domain.StageTranscription || stage == domain.StageTranslation
}

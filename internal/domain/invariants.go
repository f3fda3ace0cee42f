package domain

import "fmt"

// CheckInvariants verifies that after is a legal successor of before. Every
// store write goes through it.
func CheckInvariants(before, after *Job) error {
	if before.ID != after.ID {
		return fmt.Errorf("%w: id changed from %s to %s", ErrInvalidTransition, before.ID, after.ID)
	}
	if !after.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, after.Status)
	}
	if !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	if after.CurrentStage < before.CurrentStage {
		return fmt.Errorf("%w: current_stage decreased from %d to %d", ErrInvalidTransition, before.CurrentStage, after.CurrentStage)
	}
	if after.CurrentStage < 0 || after.CurrentStage > TotalStages {
		return fmt.Errorf("%w: current_stage %d out of range", ErrInvalidTransition, after.CurrentStage)
	}
	if len(after.StageLog) < len(before.StageLog) {
		return fmt.Errorf("%w: stage_log shrank from %d to %d entries", ErrInvalidTransition, len(before.StageLog), len(after.StageLog))
	}
	for i := range before.StageLog {
		if !before.StageLog[i].Timestamp.Equal(after.StageLog[i].Timestamp) || before.StageLog[i].Message != after.StageLog[i].Message {
			return fmt.Errorf("%w: stage_log entry %d rewritten", ErrInvalidTransition, i)
		}
	}
	if after.AttemptCount < before.AttemptCount {
		return fmt.Errorf("%w: attempt_count decreased", ErrInvalidTransition)
	}
	if after.Status == StatusAwaitingReview && before.Status != StatusAwaitingReview {
		if after.CurrentStage != int(ReviewGateStage) || LastCompletedStage(after.StageLog) < ReviewGateStage {
			return fmt.Errorf("%w: awaiting_review requires %s to be complete", ErrInvalidTransition, ReviewGateStage.Label())
		}
	}
	if after.Status != StatusFailed && after.ErrorMessage != "" {
		return fmt.Errorf("%w: error_message set on %s job", ErrInvalidTransition, after.Status)
	}
	return nil
}

package domain

import "fmt"

// Stage is one ordered step of the processing sequence, numbered from 1.
type Stage int

const (
	StageCleanup Stage = iota + 1
	StageTranscription
	StageTranslation
	StageVoiceCloning
	StageSpeechGeneration
	StageMixMaster
)

// TotalStages is the fixed denominator used in progress reporting.
const TotalStages = 6

// ReviewGateStage is the last stage that runs before a human review is required.
const ReviewGateStage = StageTranslation

var stageKeys = [...]string{
	StageCleanup:          "cleanup",
	StageTranscription:    "transcription",
	StageTranslation:      "translation",
	StageVoiceCloning:     "voice_cloning",
	StageSpeechGeneration: "speech_generation",
	StageMixMaster:        "mix_master",
}

var stageLabels = [...]string{
	StageCleanup:          "Audio Cleanup",
	StageTranscription:    "Transcription",
	StageTranslation:      "Translation",
	StageVoiceCloning:     "Voice Cloning",
	StageSpeechGeneration: "Speech Generation",
	StageMixMaster:        "Mix & Master",
}

// AllStages returns the stages in execution order.
func AllStages() []Stage {
	stages := make([]Stage, 0, TotalStages)
	for s := StageCleanup; s <= StageMixMaster; s++ {
		stages = append(stages, s)
	}
	return stages
}

// Valid reports whether s is between 1 and TotalStages.
func (s Stage) Valid() bool {
	return s >= StageCleanup && s <= StageMixMaster
}

// Key is the machine name used in configuration and executor routing.
func (s Stage) Key() string {
	if !s.Valid() {
		return ""
	}
	return stageKeys[s]
}

// Label is the fixed human-readable stage name surfaced to observers.
func (s Stage) Label() string {
	if !s.Valid() {
		return ""
	}
	return stageLabels[s]
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return s.Label()
}

// StageByKey resolves a configuration key to its stage.
func StageByKey(key string) (Stage, bool) {
	for _, s := range AllStages() {
		if stageKeys[s] == key {
			return s, true
		}
	}
	return 0, false
}

// StartingMessage is the stage_log line appended before an executor call.
func (s Stage) StartingMessage() string {
	return s.Label() + " starting..."
}

// CompleteMessage is the stage_log line appended after a successful executor call.
func (s Stage) CompleteMessage() string {
	return s.Label() + " complete"
}

// AssumedCompleteMessage is appended by a retry that skips an interrupted
// stage under the assume_complete policy. It counts as a completion.
func (s Stage) AssumedCompleteMessage() string {
	return s.Label() + " assumed complete after interruption"
}

// FailedMessage is the stage_log line appended after a failed executor call.
func (s Stage) FailedMessage(reason string) string {
	return s.Label() + " FAILED: " + reason
}

// Progress renders the "k/6" progress string for a stage number.
func Progress(current int) string {
	return fmt.Sprintf("%d/%d", current, TotalStages)
}

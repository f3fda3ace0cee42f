package domain

import (
	"slices"
	"time"
)

// Segment is a timed, speaker-attributed unit of transcript or translation text.
type Segment struct {
	Speaker    string  `json:"speaker"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Text       string  `json:"text"`
	SourceText string  `json:"source_text,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// DetectedLanguage is one entry of the language summary produced by transcription.
type DetectedLanguage struct {
	Name       string  `json:"name"`
	Percentage float64 `json:"percentage"`
}

// LogEntry is one line of the append-only stage log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Job is the central record tracked from submission to a terminal state.
type Job struct {
	ID                string             `json:"id"`
	Status            Status             `json:"status"`
	CurrentStage      int                `json:"current_stage"`
	StageName         string             `json:"stage_name"`
	SourceAudio       string             `json:"source_audio"`
	SourceLanguage    string             `json:"source_language"`
	TargetLanguage    string             `json:"target_language"`
	DetectedLanguages []DetectedLanguage `json:"detected_languages"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	StageLog          []LogEntry         `json:"stage_log"`
	Segments          []Segment          `json:"segments"`
	Artifacts         map[string]string  `json:"artifacts,omitempty"`
	Reviewed          bool               `json:"reviewed"`
	AttemptCount      int                `json:"attempt_count"`
	ParentJobID       string             `json:"parent_job_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`

	// Lease bookkeeping for the dispatcher. Not part of the observable record.
	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	Version        int64      `json:"-"`
}

// NewJob builds a queued job for a fresh submission.
func NewJob(id, sourceAudio, sourceLanguage, targetLanguage string, now time.Time) *Job {
	return &Job{
		ID:             id,
		Status:         StatusQueued,
		CurrentStage:   0,
		StageName:      "Queued",
		SourceAudio:    sourceAudio,
		SourceLanguage: sourceLanguage,
		TargetLanguage: targetLanguage,
		StageLog:       []LogEntry{},
		Segments:       []Segment{},
		Artifacts:      map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AppendLog adds a line to the stage log.
func (j *Job) AppendLog(now time.Time, message string) {
	j.StageLog = append(j.StageLog, LogEntry{Timestamp: now, Message: message})
}

// MergeArtifacts records named artifact references produced by a stage.
func (j *Job) MergeArtifacts(artifacts map[string]string) {
	if len(artifacts) == 0 {
		return
	}
	if j.Artifacts == nil {
		j.Artifacts = make(map[string]string, len(artifacts))
	}
	for name, ref := range artifacts {
		j.Artifacts[name] = ref
	}
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.DetectedLanguages = slices.Clone(j.DetectedLanguages)
	cp.StageLog = slices.Clone(j.StageLog)
	cp.Segments = slices.Clone(j.Segments)
	if j.Artifacts != nil {
		cp.Artifacts = make(map[string]string, len(j.Artifacts))
		for k, v := range j.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	return &cp
}

// LastCompletedStage returns the highest stage whose completion line appears in
// the stage log, or 0 when none has completed.
func LastCompletedStage(log []LogEntry) Stage {
	var last Stage
	for _, entry := range log {
		for _, s := range AllStages() {
			if (entry.Message == s.CompleteMessage() || entry.Message == s.AssumedCompleteMessage()) && s > last {
				last = s
			}
		}
	}
	return last
}

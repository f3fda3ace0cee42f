package dto

import (
	"math"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

type CreateJobRequest struct {
	SourceAudio    string `json:"source_audio" binding:"required"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language" binding:"required"`
}

type RetranslateRequest struct {
	TargetLanguage string `json:"target_language" binding:"required"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobSummaryDTO `json:"jobs"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// AcceptedResponse is returned when work has been queued.
type AcceptedResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count,omitempty"`
	ParentJobID  string `json:"parent_job_id,omitempty"`
}

type JobSummaryDTO struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	CurrentStage   int    `json:"current_stage"`
	StageName      string `json:"stage_name"`
	Progress       string `json:"progress"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	ParentJobID    string `json:"parent_job_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type JobDTO struct {
	JobSummaryDTO
	SourceAudio        string                    `json:"source_audio"`
	TargetLanguageName string                    `json:"target_language_name"`
	DetectedLanguages  []domain.DetectedLanguage `json:"detected_languages"`
	ErrorMessage       string                    `json:"error_message,omitempty"`
	StageLog           []domain.LogEntry         `json:"stage_log"`
	Artifacts          map[string]string         `json:"artifacts"`
	Reviewed           bool                      `json:"reviewed"`
	AttemptCount       int                       `json:"attempt_count"`
	Stale              bool                      `json:"stale"`
	RetryAvailable     bool                      `json:"retry_available"`
}

// SegmentDTO is one reviewable segment. Times are pointers so a missing value
// can be told apart from zero.
type SegmentDTO struct {
	Speaker        string   `json:"speaker"`
	StartTime      *float64 `json:"start_time"`
	EndTime        *float64 `json:"end_time"`
	TranslatedText string   `json:"translated_text"`
	SourceText     string   `json:"source_text,omitempty"`
}

type EditResponse struct {
	JobID          string       `json:"job_id"`
	Status         string       `json:"status"`
	TargetLanguage string       `json:"target_language"`
	Segments       []SegmentDTO `json:"segments"`
}

type EditRequest struct {
	Segments []SegmentDTO `json:"segments"`
}

type DownloadResponse struct {
	JobID      string            `json:"job_id"`
	FinalAudio string            `json:"final_audio"`
	Artifacts  map[string]string `json:"artifacts"`
}

type ErrorResponse struct {
	Error    string                  `json:"error"`
	Problems []domain.SegmentProblem `json:"problems,omitempty"`
}

func NewJobSummaryDTO(job *domain.Job) JobSummaryDTO {
	return JobSummaryDTO{
		JobID:          job.ID,
		Status:         string(job.Status),
		CurrentStage:   job.CurrentStage,
		StageName:      job.StageName,
		Progress:       domain.Progress(job.CurrentStage),
		SourceLanguage: job.SourceLanguage,
		TargetLanguage: job.TargetLanguage,
		ParentJobID:    job.ParentJobID,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func NewSegmentDTOs(segments []domain.Segment) []SegmentDTO {
	out := make([]SegmentDTO, len(segments))
	for i, seg := range segments {
		start, end := seg.StartTime, seg.EndTime
		out[i] = SegmentDTO{
			Speaker:        seg.Speaker,
			StartTime:      &start,
			EndTime:        &end,
			TranslatedText: seg.Text,
			SourceText:     seg.SourceText,
		}
	}
	return out
}

// ToSegments converts submitted segments. Missing times become NaN so
// validation reports them.
func (r *EditRequest) ToSegments() []domain.Segment {
	out := make([]domain.Segment, len(r.Segments))
	for i, seg := range r.Segments {
		out[i] = domain.Segment{
			Speaker:    seg.Speaker,
			StartTime:  valueOrNaN(seg.StartTime),
			EndTime:    valueOrNaN(seg.EndTime),
			Text:       seg.TranslatedText,
			SourceText: seg.SourceText,
		}
	}
	return out
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

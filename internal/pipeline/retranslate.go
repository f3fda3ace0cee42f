package pipeline

import (
	"fmt"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// FinalAudioArtifact names the mixed output of the last stage.
const FinalAudioArtifact = "final_audio"

// Retranslation builds a queued job that reuses the cleanup and transcription
// outputs of a completed parent and starts at translation with a new target.
func Retranslation(parent *domain.Job, id, targetLanguage string, now time.Time) (*domain.Job, error) {
	if parent.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("%w: retranslation needs a completed job, %s is %s", domain.ErrNotCompleted, parent.ID, parent.Status)
	}

	job := domain.NewJob(id, parent.SourceAudio, parent.SourceLanguage, targetLanguage, now)
	job.ParentJobID = parent.ID
	job.DetectedLanguages = append([]domain.DetectedLanguage(nil), parent.DetectedLanguages...)

	// Translation works from the transcript, so hand it the source text.
	job.Segments = make([]domain.Segment, len(parent.Segments))
	for i, seg := range parent.Segments {
		text := seg.SourceText
		if text == "" {
			text = seg.Text
		}
		job.Segments[i] = domain.Segment{
			Speaker:   seg.Speaker,
			StartTime: seg.StartTime,
			EndTime:   seg.EndTime,
			Text:      text,
		}
	}

	for name, ref := range parent.Artifacts {
		if name != FinalAudioArtifact {
			job.Artifacts[name] = ref
		}
	}

	job.AppendLog(now, fmt.Sprintf("Reusing outputs of job %s", parent.ID))
	for s := domain.StageCleanup; s < domain.ReviewGateStage; s++ {
		job.AppendLog(now, s.CompleteMessage())
	}
	job.CurrentStage = int(domain.ReviewGateStage - 1)
	job.StageName = (domain.ReviewGateStage - 1).Label()
	return job, nil
}

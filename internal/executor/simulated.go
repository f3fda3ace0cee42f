package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/language"
)

// ParamFail makes the simulated executor fail a stage with the given reason.
const ParamFail = "fail"

// Simulated produces deterministic output after a fixed delay. It stands in
// for the external stage services in local runs and tests.
type Simulated struct {
	delay  time.Duration
	logger *slog.Logger
}

// NewSimulated creates a simulated executor.
func NewSimulated(delay time.Duration, logger *slog.Logger) *Simulated {
	return &Simulated{delay: delay, logger: logger}
}

func (s *Simulated) Execute(ctx context.Context, req *Request) (*Result, error) {
	s.logger.Debug("Simulating stage",
		slog.String("job_id", req.JobID),
		slog.Int("stage", int(req.Stage)),
		slog.String("stage_name", req.Stage.Label()),
	)

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("stage canceled: %w", ctx.Err())
		}
	}

	if reason := req.Params[ParamFail]; reason != "" {
		return nil, errors.New(reason)
	}

	base := strings.TrimSuffix(path.Base(req.SourceAudio), path.Ext(req.SourceAudio))
	switch req.Stage {
	case domain.StageCleanup:
		return &Result{Artifacts: map[string]string{"cleaned_audio": req.JobID + "/" + base + ".cleaned.wav"}}, nil
	case domain.StageTranscription:
		return s.transcribe(req), nil
	case domain.StageTranslation:
		return s.translate(req), nil
	case domain.StageVoiceCloning:
		speakers := map[string]bool{}
		var names []string
		for _, seg := range req.Segments {
			if !speakers[seg.Speaker] {
				speakers[seg.Speaker] = true
				names = append(names, seg.Speaker)
			}
		}
		return &Result{
			Artifacts: map[string]string{"voice_profiles": req.JobID + "/voices.json"},
			Notes:     []string{fmt.Sprintf("Cloned %d voice(s): %s", len(names), strings.Join(names, ", "))},
		}, nil
	case domain.StageSpeechGeneration:
		return &Result{Artifacts: map[string]string{"speech_track": req.JobID + "/speech." + req.TargetLanguage + ".wav"}}, nil
	case domain.StageMixMaster:
		return &Result{Artifacts: map[string]string{"final_audio": req.JobID + "/" + base + "." + req.TargetLanguage + ".mp3"}}, nil
	}
	return nil, fmt.Errorf("unknown stage %d", int(req.Stage))
}

func (s *Simulated) transcribe(req *Request) *Result {
	primary := "en"
	if req.SourceLanguage != "" && req.SourceLanguage != language.Auto {
		primary = req.SourceLanguage
	}
	return &Result{
		Segments: []domain.Segment{
			{Speaker: "SPEAKER_00", StartTime: 0, EndTime: 4.2, SourceText: "Welcome back to the show.", Text: "Welcome back to the show.", Language: primary},
			{Speaker: "SPEAKER_01", StartTime: 4.2, EndTime: 9.8, SourceText: "Thanks for having me.", Text: "Thanks for having me.", Language: primary},
		},
		DetectedLanguages: []domain.DetectedLanguage{{Name: language.Name(primary), Percentage: 100}},
		Artifacts:         map[string]string{"transcript": req.JobID + "/transcript.json"},
	}
}

func (s *Simulated) translate(req *Request) *Result {
	out := make([]domain.Segment, len(req.Segments))
	for i, seg := range req.Segments {
		source := seg.SourceText
		if source == "" {
			source = seg.Text
		}
		out[i] = domain.Segment{
			Speaker:    seg.Speaker,
			StartTime:  seg.StartTime,
			EndTime:    seg.EndTime,
			SourceText: source,
			Text:       fmt.Sprintf("[%s] %s", req.TargetLanguage, source),
			Language:   req.TargetLanguage,
		}
	}
	return &Result{Segments: out}
}

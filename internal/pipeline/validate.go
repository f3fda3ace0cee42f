package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// percentageTolerance absorbs rounding in detected-language summaries.
const percentageTolerance = 0.01

// ValidateSegments checks edited or translated segments. It returns a
// *domain.ValidationError listing every problem, or nil.
func ValidateSegments(segments []domain.Segment) error {
	if len(segments) == 0 {
		return &domain.ValidationError{Problems: []domain.SegmentProblem{{Index: -1, Reason: "no segments submitted"}}}
	}

	var problems []domain.SegmentProblem
	add := func(i int, field, reason string) {
		problems = append(problems, domain.SegmentProblem{Index: i, Field: field, Reason: reason})
	}

	for i, seg := range segments {
		if strings.TrimSpace(seg.Speaker) == "" {
			add(i, "speaker", "is required")
		}
		startOK := validTime(seg.StartTime)
		endOK := validTime(seg.EndTime)
		if !startOK {
			add(i, "start_time", "must be a finite, non-negative number")
		}
		if !endOK {
			add(i, "end_time", "must be a finite, non-negative number")
		}
		if startOK && endOK && seg.EndTime < seg.StartTime {
			add(i, "end_time", "must not be before start_time")
		}
		if strings.TrimSpace(seg.Text) == "" {
			add(i, "text", "is required")
		}
	}

	if len(problems) > 0 {
		return &domain.ValidationError{Problems: problems}
	}
	return nil
}

func validTime(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// validateDetectedLanguages checks a transcription language summary.
func validateDetectedLanguages(langs []domain.DetectedLanguage) error {
	var total float64
	for _, lang := range langs {
		if strings.TrimSpace(lang.Name) == "" {
			return fmt.Errorf("detected language without a name")
		}
		if math.IsNaN(lang.Percentage) || lang.Percentage < 0 || lang.Percentage > 100 {
			return fmt.Errorf("detected language %s has percentage %v outside 0..100", lang.Name, lang.Percentage)
		}
		total += lang.Percentage
	}
	if total > 100+percentageTolerance {
		return fmt.Errorf("detected language percentages sum to %.2f", total)
	}
	return nil
}

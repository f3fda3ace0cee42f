package domain

// Status is the lifecycle state of a job record.
type Status string

// Job status constants
const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// allowedTransitions is the job state graph. Self-edges are always allowed and
// are not listed here.
var allowedTransitions = map[Status][]Status{
	StatusQueued:         {StatusProcessing, StatusFailed},
	StatusProcessing:     {StatusAwaitingReview, StatusCompleted, StatusFailed, StatusQueued},
	StatusAwaitingReview: {StatusProcessing},
	StatusFailed:         {StatusQueued},
	StatusCompleted:      {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the state graph allows moving from s to next.
// processing -> queued and queued -> queued are only taken by the retry
// controller when it recovers a stale execution.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// TerminalForStream reports whether a status stream closes once the job reaches s.
func (s Status) TerminalForStream() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAwaitingReview:
		return true
	}
	return false
}

// ParseStatus converts a query value into a Status.
func ParseStatus(value string) (Status, bool) {
	status := Status(value)
	return status, status.Valid()
}

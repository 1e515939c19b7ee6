package engine

import "strings"

// FailureClass buckets a completion error by how the run core reacts.
type FailureClass int

const (
	// FailureNone: the run succeeded or carried no error text.
	FailureNone FailureClass = iota
	// FailureTransient: assistant-side hiccup worth one silent retry.
	FailureTransient
	// FailureContextOverflow: the conversation outgrew the context
	// window; schedule compaction.
	FailureContextOverflow
	// FailureCancelled: terminated by user, watchdog or interrupt.
	FailureCancelled
	// FailureFatal: everything else; delivered as-is.
	FailureFatal
)

func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailureContextOverflow:
		return "context_overflow"
	case FailureCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

var contextOverflowMarkers = []string{
	"prompt is too long",
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"input is too long",
	"input length exceeds",
}

var transientMarkers = []string{
	"assistant error",
	"overloaded",
	"overloaded_error",
	"internal server error",
	"rate limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"529",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
}

var cancelledMarkers = []string{
	"cancelled",
	"canceled",
	"aborted",
	"interrupted",
	"context deadline exceeded",
}

// ClassifyFailure buckets an error string. Overflow markers are checked
// first: an overloaded-context failure must trigger compaction even when
// the same text would also read as transient.
func ClassifyFailure(errText string) FailureClass {
	if errText == "" {
		return FailureNone
	}
	lower := strings.ToLower(errText)
	for _, m := range contextOverflowMarkers {
		if strings.Contains(lower, m) {
			return FailureContextOverflow
		}
	}
	for _, m := range cancelledMarkers {
		if strings.Contains(lower, m) {
			return FailureCancelled
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return FailureTransient
		}
	}
	return FailureFatal
}

// ShouldRetry reports whether a completed run qualifies for the single
// silent resubmission: first attempt, failed, transient class, and the
// engine produced no answer text worth delivering.
func ShouldRetry(c Completed, attempt, maxAttempts int) bool {
	if c.OK || attempt >= maxAttempts {
		return false
	}
	if strings.TrimSpace(c.Answer) != "" {
		return false
	}
	return ClassifyFailure(c.ErrorText) == FailureTransient
}

package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/grovehq/grove/internal/policy"
)

// QueueMode tells the scheduler how a job interacts with the session's
// queue and any active run.
type QueueMode string

const (
	// ModeCollect appends; jobs dispatch strictly FIFO.
	ModeCollect QueueMode = "collect"
	// ModeFollowup queues as the single next follow-up, replacing any
	// previously queued follow-up that has not started.
	ModeFollowup QueueMode = "followup"
	// ModeSteer forwards the text into the active run; degrades to
	// followup when nothing is running or the engine cannot steer.
	ModeSteer QueueMode = "steer"
	// ModeSteerBacklog steers and drains queued collect items into the
	// steer payload.
	ModeSteerBacklog QueueMode = "steer_backlog"
	// ModeInterrupt cancels the active run, then queues as followup.
	ModeInterrupt QueueMode = "interrupt"
)

// ValidQueueMode reports whether s names a queue mode.
func ValidQueueMode(s string) bool {
	switch QueueMode(s) {
	case ModeCollect, ModeFollowup, ModeSteer, ModeSteerBacklog, ModeInterrupt:
		return true
	}
	return false
}

// Job is one submission to a run: everything the engine and the run core
// need to execute a single turn.
type Job struct {
	SessionKey     string
	Text           string
	UserMessageID  string
	Resume         *ResumeToken
	EngineHint     string
	Model          string
	Cwd            string
	Policy         *policy.Policy
	QueueMode      QueueMode
	Channel        string
	Attempt        int
	AutoCompaction bool
	Meta           map[string]string
}

// Clone returns a copy safe to resubmit with a bumped attempt counter.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Resume != nil {
		r := *j.Resume
		cp.Resume = &r
	}
	cp.Policy = j.Policy.Clone()
	if j.Meta != nil {
		cp.Meta = make(map[string]string, len(j.Meta))
		for k, v := range j.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

// ResumeToken lets a later submission continue an earlier engine session.
// The value's shape is private to the engine that minted it.
type ResumeToken struct {
	Engine string
	Value  string
}

// String renders the canonical `<engine>:<value>` form.
func (t ResumeToken) String() string {
	return t.Engine + ":" + t.Value
}

// ParseResumeToken splits a canonical token string.
func ParseResumeToken(s string) (ResumeToken, error) {
	engineID, value, ok := strings.Cut(s, ":")
	if !ok || engineID == "" || value == "" {
		return ResumeToken{}, fmt.Errorf("malformed resume token %q", s)
	}
	return ResumeToken{Engine: engineID, Value: value}, nil
}

var (
	tokenMu       sync.Mutex
	tokenPatterns = map[string]*regexp.Regexp{}
)

// ExtractPrefixedToken finds `<engineID>:<value>` in free text. Shared by
// engines whose FormatResume uses the canonical prefix form.
func ExtractPrefixedToken(engineID, text string) *ResumeToken {
	tokenMu.Lock()
	re, ok := tokenPatterns[engineID]
	if !ok {
		re = regexp.MustCompile(`\b` + regexp.QuoteMeta(engineID) + `:([A-Za-z0-9._/-]+)`)
		tokenPatterns[engineID] = re
	}
	tokenMu.Unlock()

	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return &ResumeToken{Engine: engineID, Value: m[1]}
}

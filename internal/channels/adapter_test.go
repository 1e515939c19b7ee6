package channels

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/engine"
)

func TestOutcomeFailureText(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    string
	}{
		{
			name:    "error text",
			outcome: Outcome{ErrorText: "engine exploded"},
			want:    "engine exploded",
		},
		{
			name:    "empty error text",
			outcome: Outcome{},
			want:    "run failed",
		},
		{
			name:    "cancelled",
			outcome: Outcome{Cancelled: true},
			want:    "run cancelled",
		},
		{
			name:    "cancelled with detail",
			outcome: Outcome{Cancelled: true, ErrorText: "user abort"},
			want:    "run cancelled: user abort",
		},
		{
			name:    "resume suffix",
			outcome: Outcome{ErrorText: "boom", ResumeSuffix: "reply with claude:abc to continue"},
			want:    "boom\nreply with claude:abc to continue",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.FailureText(200))
		})
	}
}

func TestOutcomeFailureText_Truncates(t *testing.T) {
	out := Outcome{ErrorText: strings.Repeat("x", 5000), ResumeSuffix: "reply with mock:1 to continue"}
	text := out.FailureText(100)

	lines := strings.SplitN(text, "\n", 2)
	require.Len(t, lines, 2)
	assert.LessOrEqual(t, len(lines[0]), 100)
	assert.Equal(t, "reply with mock:1 to continue", lines[1])
}

type noopAdapter struct{ channel string }

func (a *noopAdapter) Channel() string { return a.channel }

func (a *noopAdapter) Interactive() bool { return false }

func (a *noopAdapter) EmitStreamOutput(coalesce.StreamSnapshot) {}

func (a *noopAdapter) EmitToolStatus(coalesce.StatusSnapshot) {}

func (a *noopAdapter) OnStarted(sessionKey string, meta StartMeta) {}

func (a *noopAdapter) OnCompleted(sessionKey string, outcome Outcome) {}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(&noopAdapter{channel: "telegram"}))
	require.NoError(t, reg.Register(&noopAdapter{channel: "webchat"}))

	err := reg.Register(&noopAdapter{channel: "telegram"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.Error(t, reg.Register(&noopAdapter{}))

	a, err := reg.Get("webchat")
	require.NoError(t, err)
	assert.Equal(t, "webchat", a.Channel())

	_, err = reg.Get("irc")
	require.Error(t, err)

	assert.Equal(t, []string{"telegram", "webchat"}, reg.Channels())
}

type suffixEngine struct{ id string }

func (e *suffixEngine) ID() string { return e.id }

func (e *suffixEngine) SupportsSteer() bool { return false }

func (e *suffixEngine) ExtractResume(text string) *engine.ResumeToken {
	return engine.ExtractPrefixedToken(e.id, text)
}

func (e *suffixEngine) FormatResume(t engine.ResumeToken) string { return t.String() }

func (e *suffixEngine) StartRun(ctx context.Context, job *engine.Job, opts engine.StartOpts, sink engine.Sink) (engine.Handle, string, error) {
	return nil, "", engine.ErrNotSupported
}

func (e *suffixEngine) Cancel(ctx context.Context, h engine.Handle, reason string) error {
	return engine.ErrNotSupported
}

func TestResumeSuffixFor(t *testing.T) {
	eng := &suffixEngine{id: "claude"}
	tok := &engine.ResumeToken{Engine: "claude", Value: "sess-9"}

	assert.Equal(t, "reply with claude:sess-9 to continue", ResumeSuffixFor(eng, tok))
	assert.Empty(t, ResumeSuffixFor(nil, tok))
	assert.Empty(t, ResumeSuffixFor(eng, nil))
}

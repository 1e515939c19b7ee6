package lemon

import (
	"encoding/json"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/engine"
)

func mustEvent(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func TestProcessorTextAndToolUse(t *testing.T) {
	var (
		got    []engine.Event
		seq    uint64
		answer strings.Builder
		usage  engine.Usage
	)
	proc := newProcessor(func(ev engine.Event) { got = append(got, ev) }, &seq, &answer, &usage)

	raws := []string{
		`{"type":"message_start"}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"let me check"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu1","name":"web_search"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go testing\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" done"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":42,"output_tokens":17}}`,
		`{"type":"message_stop"}`,
	}
	for _, raw := range raws {
		proc.handle(mustEvent(t, raw))
	}
	proc.foldUsage()

	var deltas []engine.Delta
	var actions []engine.Action
	for _, ev := range got {
		switch v := ev.(type) {
		case engine.Delta:
			deltas = append(deltas, v)
		case engine.Action:
			actions = append(actions, v)
		}
	}

	require.Len(t, deltas, 2)
	assert.Equal(t, uint64(1), deltas[0].Seq)
	assert.Equal(t, "let me check", deltas[0].Text)
	assert.Equal(t, uint64(2), deltas[1].Seq)

	require.Len(t, actions, 2)
	assert.Equal(t, "tu1", actions[0].ID)
	assert.Equal(t, engine.ActionTool, actions[0].Kind)
	assert.Equal(t, "web_search", actions[0].Title)
	assert.Equal(t, engine.PhaseStarted, actions[0].Phase)
	assert.Equal(t, engine.PhaseCompleted, actions[1].Phase)
	assert.True(t, actions[1].OK)
	assert.Equal(t, `{"query":"go testing"}`, actions[1].Detail)

	assert.Equal(t, "let me check done", answer.String())
	assert.Equal(t, "let me check done", proc.takeLeg())
	assert.Empty(t, proc.takeLeg())

	assert.Equal(t, int64(42), usage.InputTokens)
	assert.Equal(t, int64(17), usage.OutputTokens)
	assert.Equal(t, int64(59), usage.ContextUsed)
	assert.Equal(t, "end_turn", proc.stopReason)
}

func TestProcessorSkipsEmptyTextDeltas(t *testing.T) {
	var (
		got    []engine.Event
		seq    uint64
		answer strings.Builder
		usage  engine.Usage
	)
	proc := newProcessor(func(ev engine.Event) { got = append(got, ev) }, &seq, &answer, &usage)

	proc.handle(mustEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`))
	assert.Empty(t, got)
	assert.Zero(t, seq)
}

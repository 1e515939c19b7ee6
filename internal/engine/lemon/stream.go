package lemon

import (
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/grovehq/grove/internal/engine"
)

// processor folds Anthropic stream events into engine events. One
// processor serves one streamed exchange; seq and the answer accumulator
// are shared across a run's exchanges so deltas stay strictly ordered.
type processor struct {
	sink engine.Sink
	seq  *uint64

	answer *strings.Builder
	leg    strings.Builder
	tools  map[int]*toolAcc

	usage      *engine.Usage
	legInput   int64
	legOutput  int64
	stopReason string
}

type toolAcc struct {
	id    string
	name  string
	input strings.Builder
}

func newProcessor(sink engine.Sink, seq *uint64, answer *strings.Builder, usage *engine.Usage) *processor {
	return &processor{
		sink:   sink,
		seq:    seq,
		answer: answer,
		tools:  make(map[int]*toolAcc),
		usage:  usage,
	}
}

func (p *processor) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.tools[int(ev.Index)] = &toolAcc{id: tu.ID, name: tu.Name}
			p.sink(engine.Action{
				ID:    tu.ID,
				Kind:  engine.ActionTool,
				Title: tu.Name,
				Phase: engine.PhaseStarted,
			})
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return
			}
			p.answer.WriteString(delta.Text)
			p.leg.WriteString(delta.Text)
			*p.seq++
			p.sink(engine.Delta{Seq: *p.seq, Text: delta.Text})
		case sdk.InputJSONDelta:
			if acc := p.tools[idx]; acc != nil {
				acc.input.WriteString(delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if acc := p.tools[idx]; acc != nil {
			delete(p.tools, idx)
			p.sink(engine.Action{
				ID:     acc.id,
				Kind:   engine.ActionTool,
				Title:  acc.name,
				Detail: acc.input.String(),
				Phase:  engine.PhaseCompleted,
				OK:     true,
			})
		}
	case sdk.MessageDeltaEvent:
		// Usage on message_delta is cumulative for the exchange.
		p.stopReason = string(ev.Delta.StopReason)
		if ev.Usage.InputTokens > 0 {
			p.legInput = ev.Usage.InputTokens
		}
		if ev.Usage.OutputTokens > 0 {
			p.legOutput = ev.Usage.OutputTokens
		}
	}
}

// foldUsage adds the finished exchange's tokens into the run totals. The
// last exchange's input+output is what occupies the context window.
func (p *processor) foldUsage() {
	p.usage.InputTokens += p.legInput
	p.usage.OutputTokens += p.legOutput
	if used := p.legInput + p.legOutput; used > 0 {
		p.usage.ContextUsed = used
	}
}

// takeLeg returns the exchange's text and resets the leg accumulator.
func (p *processor) takeLeg() string {
	out := p.leg.String()
	p.leg.Reset()
	return out
}

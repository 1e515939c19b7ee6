package coalesce

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grovehq/grove/internal/engine"
)

// StatusParams bound the tool-status block.
type StatusParams struct {
	MaxActions  int
	MsgTruncate int
}

// DefaultStatusParams match the platform defaults.
func DefaultStatusParams() StatusParams {
	return StatusParams{MaxActions: 40, MsgTruncate: 140}
}

// StatusSnapshot is one rendered tool-status block plus its version.
type StatusSnapshot struct {
	SessionKey string
	Channel    string
	Block      string
	Version    uint64
	Final      bool
}

// StatusSink receives rendered blocks. Called without locks held.
type StatusSink func(StatusSnapshot)

// ActionRecord is the retained state of one tool action.
type ActionRecord struct {
	ID        string
	Kind      engine.ActionKind
	Title     string
	Phase     engine.ActionPhase
	OK        bool
	Message   string
	UpdatedAt time.Time

	insertIdx   int
	completeIdx int
}

// ToolStatusCoalescer keeps the most recent actions of a run and renders
// them as a single block on every transition. Holds at most MaxActions
// records; the oldest by insertion is evicted on overflow.
type ToolStatusCoalescer struct {
	mu         sync.Mutex
	params     StatusParams
	sessionKey string
	channel    string
	sink       StatusSink
	now        func() time.Time

	records   map[string]*ActionRecord
	order     []string
	nextIns   int
	nextCmpl  int
	version   uint64
	finalized bool
}

// NewToolStatusCoalescer creates a coalescer bound to one run.
func NewToolStatusCoalescer(sessionKey, channel string, params StatusParams, sink StatusSink) *ToolStatusCoalescer {
	return &ToolStatusCoalescer{
		params:     params,
		sessionKey: sessionKey,
		channel:    channel,
		sink:       sink,
		now:        time.Now,
		records:    make(map[string]*ActionRecord),
	}
}

// Ingest upserts one action event and emits a re-rendered block.
// Returns false when the coalescer is finalized.
func (c *ToolStatusCoalescer) Ingest(a engine.Action) bool {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return false
	}

	rec, ok := c.records[a.ID]
	if !ok {
		rec = &ActionRecord{ID: a.ID, insertIdx: c.nextIns}
		c.nextIns++
		c.records[a.ID] = rec
		c.order = append(c.order, a.ID)
		c.evictLocked()
	}
	if a.Kind != "" {
		rec.Kind = a.Kind
	}
	if a.Title != "" {
		rec.Title = a.Title
	}
	rec.Phase = a.Phase
	rec.UpdatedAt = c.now()
	if a.Message != "" {
		rec.Message = Truncate(a.Message, c.params.MsgTruncate)
	}
	if a.Phase == engine.PhaseCompleted {
		rec.OK = a.OK
		rec.completeIdx = c.nextCmpl
		c.nextCmpl++
	}

	snap := c.renderLocked(false)
	c.mu.Unlock()
	c.sink(snap)
	return true
}

// Finalize emits one last render and seals the coalescer.
func (c *ToolStatusCoalescer) Finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	snap := c.renderLocked(true)
	c.mu.Unlock()
	c.sink(snap)
}

// Len returns the number of retained actions.
func (c *ToolStatusCoalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Version returns the last emitted version.
func (c *ToolStatusCoalescer) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Finalized reports whether Finalize already sealed the coalescer.
func (c *ToolStatusCoalescer) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

func (c *ToolStatusCoalescer) evictLocked() {
	for len(c.order) > c.params.MaxActions {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.records, oldest)
	}
}

// renderLocked builds the block: running actions first in insertion
// order, then completed actions in completion order.
func (c *ToolStatusCoalescer) renderLocked(final bool) StatusSnapshot {
	running := make([]*ActionRecord, 0, len(c.order))
	completed := make([]*ActionRecord, 0, len(c.order))
	for _, id := range c.order {
		rec := c.records[id]
		if rec.Phase == engine.PhaseCompleted {
			completed = append(completed, rec)
		} else {
			running = append(running, rec)
		}
	}
	sortByInsert(running)
	sortByComplete(completed)

	var b strings.Builder
	b.WriteString("Tool calls:")
	for _, rec := range running {
		b.WriteByte('\n')
		b.WriteString(renderLine(rec, "running"))
	}
	for _, rec := range completed {
		status := "ok"
		if !rec.OK {
			status = "err"
		}
		b.WriteByte('\n')
		b.WriteString(renderLine(rec, status))
	}

	c.version++
	return StatusSnapshot{
		SessionKey: c.sessionKey,
		Channel:    c.channel,
		Block:      b.String(),
		Version:    c.version,
		Final:      final,
	}
}

func renderLine(rec *ActionRecord, status string) string {
	line := string(rec.Kind) + "(" + rec.Title + ") [" + status + "]"
	if rec.Message != "" {
		line += " " + rec.Message
	}
	return line
}

func sortByInsert(recs []*ActionRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].insertIdx < recs[j].insertIdx })
}

func sortByComplete(recs []*ActionRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].completeIdx < recs[j].completeIdx })
}

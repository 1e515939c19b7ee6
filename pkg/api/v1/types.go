// Package v1 defines the public wire types of the grove control API,
// shared by the HTTP surface and the MCP control server.
package v1

import "time"

// MessageRequest submits text to an agent without addressing a session
// directly. Session selection: explicit key, forced new, or latest.
type MessageRequest struct {
	AgentID    string `json:"agent_id" binding:"required"`
	Text       string `json:"text" binding:"required"`
	SessionKey string `json:"session_key,omitempty"`
	NewSession bool   `json:"new_session,omitempty"`

	Channel   string            `json:"channel,omitempty"`
	QueueMode string            `json:"queue_mode,omitempty"`
	Model     string            `json:"model,omitempty"`
	Engine    string            `json:"engine,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// RunRequest submits one turn to an explicit session.
type RunRequest struct {
	SessionKey    string            `json:"session_key" binding:"required"`
	Text          string            `json:"text" binding:"required"`
	UserMessageID string            `json:"user_message_id,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	QueueMode     string            `json:"queue_mode,omitempty"`
	Model         string            `json:"model,omitempty"`
	Engine        string            `json:"engine,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// AbortRequest carries the optional cancellation reason.
type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Submission reports what an accepted submit resolved to.
type Submission struct {
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id"`
	Engine     string `json:"engine"`
	Model      string `json:"model"`
	Cwd        string `json:"cwd,omitempty"`
	QueueMode  string `json:"queue_mode"`
	Resumed    bool   `json:"resumed,omitempty"`
}

// RunRecord is the public view of one registered run.
type RunRecord struct {
	RunID             string    `json:"run_id"`
	SessionKey        string    `json:"session_key"`
	Channel           string    `json:"channel"`
	EngineID          string    `json:"engine_id"`
	EngineRunID       string    `json:"engine_run_id,omitempty"`
	State             string    `json:"state"`
	Attempt           int       `json:"attempt"`
	StartedAt         time.Time `json:"started_at"`
	LastActivity      time.Time `json:"last_activity"`
	ContextUsed       int64     `json:"context_used,omitempty"`
	ContextLimit      int64     `json:"context_limit,omitempty"`
	Resume            string    `json:"resume,omitempty"`
	AwaitingKeepalive bool      `json:"awaiting_keepalive,omitempty"`
	PendingCompaction bool      `json:"pending_compaction,omitempty"`
}

// SessionInfo is one session listing entry.
type SessionInfo struct {
	SessionKey   string    `json:"session_key"`
	AgentID      string    `json:"agent_id"`
	LastActivity time.Time `json:"last_activity"`
}

// EngineInfo describes one registered engine.
type EngineInfo struct {
	ID            string `json:"id"`
	SupportsSteer bool   `json:"supports_steer"`
}

// RunList is the run listing response.
type RunList struct {
	Runs  []RunRecord `json:"runs"`
	Total int         `json:"total"`
}

// SessionList is the session listing response.
type SessionList struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// EngineList is the engine listing response.
type EngineList struct {
	Engines []EngineInfo `json:"engines"`
}

// RunCounts summarizes run volume for the health endpoint.
type RunCounts struct {
	Active         int `json:"active"`
	Queued         int `json:"queued"`
	CompletedToday int `json:"completed_today"`
}

// Health is the health endpoint body.
type Health struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	RunCounts RunCounts         `json:"run_counts"`
}

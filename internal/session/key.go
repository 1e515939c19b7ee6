// Package session defines canonical session identity and per-session
// persisted metadata.
//
// Session keys follow the canonical format:
//
//	Control plane:   agent:{agent}:main
//	Channel session: agent:{agent}:{channel}:{account}:{peer-kind}:{peer-id}
//
// Threaded channels append ":thread:{tid}"; derived sub-sessions append
// ":sub:{sid}". Examples:
//
//	agent:ops:main
//	agent:ops:webchat:acc1:dm:u42
//	agent:ops:webchat:acc1:group:room9:thread:17
//	agent:ops:main:sub:8f2c
//
// Key derivation is a pure total function of its inputs; two messages with
// the same derived key always target the same session actor.
package session

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes direct-message from group conversations.
type PeerKind string

const (
	PeerDM    PeerKind = "dm"
	PeerGroup PeerKind = "group"
)

const keyPrefix = "agent"

// MainKey returns the control-plane session key for an agent.
func MainKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", sanitize(agentID))
}

// ChannelKey returns the session key for a channel conversation.
func ChannelKey(agentID, channel, account string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s",
		sanitize(agentID), sanitize(channel), sanitize(account), kind, sanitize(peerID))
}

// WithThread appends a thread scope to a session key.
func WithThread(key, threadID string) string {
	return key + ":thread:" + sanitize(threadID)
}

// WithSub appends a sub-session scope to a session key.
func WithSub(key, subID string) string {
	return key + ":sub:" + sanitize(subID)
}

// Derive computes the session key for an inbound channel message. A non-empty
// override wins unchanged. Thread ids append a thread scope.
func Derive(agentID, channel, account string, kind PeerKind, peerID, threadID, override string) string {
	if override != "" {
		return override
	}
	key := ChannelKey(agentID, channel, account, kind, peerID)
	if threadID != "" {
		key = WithThread(key, threadID)
	}
	return key
}

// Parsed holds the components of a canonical session key.
type Parsed struct {
	AgentID  string
	Main     bool // control-plane session
	Channel  string
	Account  string
	PeerKind PeerKind
	PeerID   string
	ThreadID string
	SubID    string
}

// Parse splits a canonical session key into its components.
func Parse(key string) (*Parsed, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != keyPrefix {
		return nil, fmt.Errorf("session key %q: must start with agent:<id>:", key)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("session key %q: empty segment", key)
		}
	}

	out := &Parsed{AgentID: parts[1]}
	rest := parts[2:]

	if rest[0] == "main" {
		out.Main = true
		rest = rest[1:]
	} else {
		// channel:account:kind:peer
		if len(rest) < 4 {
			return nil, fmt.Errorf("session key %q: channel session needs channel:account:kind:peer", key)
		}
		kind := PeerKind(rest[2])
		if kind != PeerDM && kind != PeerGroup {
			return nil, fmt.Errorf("session key %q: peer kind must be dm or group, got %q", key, rest[2])
		}
		out.Channel, out.Account, out.PeerKind, out.PeerID = rest[0], rest[1], kind, rest[3]
		rest = rest[4:]
	}

	// Optional scope suffixes, in order: thread then sub.
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, fmt.Errorf("session key %q: dangling scope segment %q", key, rest[0])
		}
		switch rest[0] {
		case "thread":
			if out.ThreadID != "" || out.SubID != "" || out.Main {
				return nil, fmt.Errorf("session key %q: misplaced thread scope", key)
			}
			out.ThreadID = rest[1]
		case "sub":
			if out.SubID != "" {
				return nil, fmt.Errorf("session key %q: duplicate sub scope", key)
			}
			out.SubID = rest[1]
		default:
			return nil, fmt.Errorf("session key %q: unknown scope %q", key, rest[0])
		}
		rest = rest[2:]
	}

	return out, nil
}

// IsSub reports whether the key identifies a derived sub-session.
func IsSub(key string) bool {
	parsed, err := Parse(key)
	return err == nil && parsed.SubID != ""
}

// AgentOf returns the agent id embedded in a session key, or "" when the key
// is malformed.
func AgentOf(key string) string {
	parsed, err := Parse(key)
	if err != nil {
		return ""
	}
	return parsed.AgentID
}

// sanitize keeps key segments parseable: the separator is reserved.
func sanitize(segment string) string {
	return strings.ReplaceAll(segment, ":", "_")
}

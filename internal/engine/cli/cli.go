// Package cli runs coding-agent CLIs as engine subprocesses, speaking
// their line-delimited JSON protocols over stdin and stdout.
//
// Two profiles ship: claude, which parses stream-json records and can
// steer a live run by writing another user message to stdin, and codex,
// which drives the proto submission/event protocol and resumes from a
// rollout path. Both sit on the shared proc runtime, which owns the
// pipes, a bounded stderr tail and the SIGTERM then SIGKILL escalation.
package cli

import (
	"time"
)

const (
	defaultKillTimeout  = 2 * time.Second
	defaultContextLimit = 200_000

	// maxLineBytes caps one protocol line. Tool results can embed
	// whole file contents.
	maxLineBytes = 10 * 1024 * 1024
)

// Config tunes one CLI-backed engine profile.
type Config struct {
	// Binary is the executable to spawn. Defaults to the profile's
	// conventional name ("claude", "codex").
	Binary string
	// Args are appended after the profile's own flags.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	// KillTimeout is the grace between asking a process to stop and
	// killing its process group.
	KillTimeout time.Duration
	// ContextLimit is the assumed context window when the CLI does not
	// report one.
	ContextLimit int64
}

func (c Config) withDefaults(binary string) Config {
	if c.Binary == "" {
		c.Binary = binary
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = defaultKillTimeout
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = defaultContextLimit
	}
	return c
}

// transport is the subprocess seam between a protocol session and the
// process it talks to. *proc implements it; tests substitute a fake.
type transport interface {
	// send marshals v and writes it as one newline-terminated line.
	send(v any) error
	// closeStdin closes the write side so the CLI can exit on its own.
	closeStdin()
	// stop terminates the process group, escalating after grace.
	stop(grace time.Duration)
	// done is closed once the process has exited and every line has
	// been handled.
	done() <-chan struct{}
	// waitErr reports the process exit error. Valid after done.
	waitErr() error
	// stderrTail returns the retained tail of stderr output.
	stderrTail() string
}

func cancelledText(reason string) string {
	if reason == "" {
		return "cancelled"
	}
	return "cancelled: " + reason
}

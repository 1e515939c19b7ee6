// Package policy models per-tool approval requirements and the layered
// merge that produces the effective policy for a single run.
//
// Policies exist at four levels: agent profile, channel binding, session
// override, and runtime request. Merging is per tool name with the later
// level winning; allow and deny lists accumulate across levels.
package policy

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Approval says how often a tool invocation needs explicit confirmation.
type Approval string

const (
	// ApprovalNever runs the tool without asking.
	ApprovalNever Approval = "never"
	// ApprovalOnMiss asks unless the invocation matches the allowlist.
	ApprovalOnMiss Approval = "on_miss"
	// ApprovalAlways asks on every invocation.
	ApprovalAlways Approval = "always"
)

// Tool names with platform-defined semantics. Channels may reference
// additional tool names; unknown names merge like any other key.
const (
	ToolBash    = "bash"
	ToolWrite   = "write"
	ToolProcess = "process"
	ToolWeb     = "web"
)

// groupSensitive lists the tools that default to ApprovalAlways in
// group-peer sessions when no level has set them.
var groupSensitive = []string{ToolBash, ToolWrite, ToolProcess}

// Policy is one level's contribution: approval requirements per tool,
// plus allowlist patterns consulted by on_miss and outright denials.
type Policy struct {
	Approvals map[string]Approval `json:"approvals,omitempty" yaml:"approvals,omitempty"`
	Allowlist []string            `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Deny      []string            `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Clone returns a deep copy. A nil receiver yields an empty policy.
func (p *Policy) Clone() *Policy {
	out := &Policy{}
	if p == nil {
		return out
	}
	if len(p.Approvals) > 0 {
		out.Approvals = make(map[string]Approval, len(p.Approvals))
		for k, v := range p.Approvals {
			out.Approvals[k] = v
		}
	}
	out.Allowlist = append(out.Allowlist, p.Allowlist...)
	out.Deny = append(out.Deny, p.Deny...)
	return out
}

// For returns the approval requirement for a tool. Denied tools report
// ApprovalAlways; unset tools report ApprovalNever.
func (p *Policy) For(tool string) Approval {
	if p == nil {
		return ApprovalNever
	}
	if p.Denied(tool) {
		return ApprovalAlways
	}
	if a, ok := p.Approvals[tool]; ok {
		return a
	}
	return ApprovalNever
}

// Denied reports whether the tool is on the deny list.
func (p *Policy) Denied(tool string) bool {
	if p == nil {
		return false
	}
	for _, d := range p.Deny {
		if d == tool {
			return true
		}
	}
	return false
}

// Allowed reports whether an invocation argument matches the allowlist.
// Patterns use path.Match syntax; an empty allowlist matches nothing.
func (p *Policy) Allowed(arg string) bool {
	if p == nil {
		return false
	}
	for _, pat := range p.Allowlist {
		if ok, err := path.Match(pat, arg); err == nil && ok {
			return true
		}
	}
	return false
}

// Unrestricted reports whether no tool requires confirmation and nothing
// is denied. CLI engines use this to decide on permission-skip flags.
func (p *Policy) Unrestricted() bool {
	if p == nil {
		return true
	}
	if len(p.Deny) > 0 {
		return false
	}
	for _, a := range p.Approvals {
		if a != ApprovalNever {
			return false
		}
	}
	return true
}

// Merge combines policy levels in ascending precedence: a tool set by a
// later level overrides the same tool from an earlier one. Allow and deny
// lists are concatenated with duplicates removed. Nil levels are skipped.
func Merge(levels ...*Policy) *Policy {
	out := &Policy{}
	for _, level := range levels {
		if level == nil {
			continue
		}
		for tool, a := range level.Approvals {
			if out.Approvals == nil {
				out.Approvals = make(map[string]Approval)
			}
			out.Approvals[tool] = a
		}
		out.Allowlist = appendUnique(out.Allowlist, level.Allowlist)
		out.Deny = appendUnique(out.Deny, level.Deny)
	}
	return out
}

// ApplyGroupDefaults fills in ApprovalAlways for bash, write and process
// when they are unset. Called for group-kind peers after Merge.
func ApplyGroupDefaults(p *Policy) *Policy {
	if p == nil {
		p = &Policy{}
	}
	for _, tool := range groupSensitive {
		if _, ok := p.Approvals[tool]; ok {
			continue
		}
		if p.Approvals == nil {
			p.Approvals = make(map[string]Approval)
		}
		p.Approvals[tool] = ApprovalAlways
	}
	return p
}

// ParseApproval validates a configured approval string.
func ParseApproval(s string) (Approval, error) {
	switch Approval(strings.ToLower(strings.TrimSpace(s))) {
	case ApprovalNever:
		return ApprovalNever, nil
	case ApprovalOnMiss:
		return ApprovalOnMiss, nil
	case ApprovalAlways:
		return ApprovalAlways, nil
	default:
		return "", fmt.Errorf("unknown approval level %q", s)
	}
}

// FromMap builds a policy level from a flat tool→level map, as loaded
// from YAML or carried in request meta.
func FromMap(m map[string]string) (*Policy, error) {
	if len(m) == 0 {
		return nil, nil
	}
	p := &Policy{Approvals: make(map[string]Approval, len(m))}
	for tool, raw := range m {
		a, err := ParseApproval(raw)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool, err)
		}
		p.Approvals[tool] = a
	}
	return p, nil
}

// Summary renders the policy as a stable one-line string for logs.
func (p *Policy) Summary() string {
	if p == nil || (len(p.Approvals) == 0 && len(p.Deny) == 0) {
		return "unrestricted"
	}
	tools := make([]string, 0, len(p.Approvals))
	for tool := range p.Approvals {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	parts := make([]string, 0, len(tools)+1)
	for _, tool := range tools {
		parts = append(parts, tool+"="+string(p.Approvals[tool]))
	}
	if len(p.Deny) > 0 {
		deny := append([]string(nil), p.Deny...)
		sort.Strings(deny)
		parts = append(parts, "deny="+strings.Join(deny, ","))
	}
	return strings.Join(parts, " ")
}

func appendUnique(dst []string, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}

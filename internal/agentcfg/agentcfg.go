// Package agentcfg loads and serves agent profiles from agents.yaml.
package agentcfg

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/policy"
)

// DefaultAgentID is the built-in profile used when no agents.yaml exists.
const DefaultAgentID = "main"

// ErrUnknownAgent is returned when no enabled profile has the id.
var ErrUnknownAgent = errors.New("unknown agent")

// Duration decodes YAML scalars like "30m" through time.ParseDuration.
type Duration time.Duration

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30m\"")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// profilesFile is the on-disk structure of agents.yaml.
type profilesFile struct {
	Version int        `yaml:"version"`
	Agents  []*Profile `yaml:"agents"`
}

// Profile holds one agent's static configuration.
type Profile struct {
	ID           string         `yaml:"id"`
	DisplayName  string         `yaml:"display_name,omitempty"`
	Model        string         `yaml:"model,omitempty"`
	Engine       string         `yaml:"engine,omitempty"`
	Cwd          string         `yaml:"cwd,omitempty"`
	SystemPrompt string         `yaml:"system_prompt,omitempty"`
	Policy       *policy.Policy `yaml:"policy,omitempty"`
	Fanout       []FanoutTarget `yaml:"fanout,omitempty"`

	// WatchdogIdleLimit overrides the global idle limit, e.g. "30m".
	// Zero means use the configured default.
	WatchdogIdleLimit Duration `yaml:"watchdog_idle_limit,omitempty"`

	Disabled bool `yaml:"disabled,omitempty"`
}

// FanoutTarget names a channel destination that receives a copy of the
// final answer after a run completes.
type FanoutTarget struct {
	Channel string `yaml:"channel"`
	Account string `yaml:"account,omitempty"`
	Peer    string `yaml:"peer"`
}

// Name returns the display name, falling back to the id.
func (p *Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// Validate checks structural constraints on a profile.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if strings.Contains(p.ID, ":") {
		return fmt.Errorf("agent id %q must not contain ':'", p.ID)
	}
	for i, f := range p.Fanout {
		if f.Channel == "" || f.Peer == "" {
			return fmt.Errorf("agent %q fanout[%d]: channel and peer are required", p.ID, i)
		}
	}
	if p.WatchdogIdleLimit < 0 {
		return fmt.Errorf("agent %q: watchdog_idle_limit must not be negative", p.ID)
	}
	return nil
}

// Registry serves agent profiles by id.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	logger   *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
		logger:   log,
	}
}

// Load populates the registry from the given agents.yaml path. A missing
// file is not an error: the registry falls back to one built-in profile.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		r.loadBuiltin()
		r.logger.Info("no agents file, using built-in default agent",
			zap.String("path", path),
			zap.String("agent_id", DefaultAgentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read agents file: %w", err)
	}
	return r.LoadBytes(data)
}

// LoadBytes parses YAML profile data and replaces the registry contents.
// Invalid profiles are skipped with a warning rather than failing the load.
func (r *Registry) LoadBytes(data []byte) error {
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agents file: %w", err)
	}
	if len(file.Agents) == 0 {
		return fmt.Errorf("agents file defines no agents")
	}

	loaded := make(map[string]*Profile, len(file.Agents))
	for _, p := range file.Agents {
		if err := p.Validate(); err != nil {
			r.logger.Warn("skipping invalid agent profile", zap.Error(err))
			continue
		}
		if _, dup := loaded[p.ID]; dup {
			r.logger.Warn("duplicate agent profile", zap.String("agent_id", p.ID))
			continue
		}
		loaded[p.ID] = p
	}
	if len(loaded) == 0 {
		return fmt.Errorf("agents file has no valid agents")
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()

	for id := range loaded {
		r.logger.Info("loaded agent profile", zap.String("agent_id", id))
	}
	return nil
}

func (r *Registry) loadBuiltin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = map[string]*Profile{
		DefaultAgentID: {
			ID:          DefaultAgentID,
			DisplayName: "Main",
		},
	}
}

// Get returns the profile for an agent id.
func (r *Registry) Get(id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAgent, id)
	}
	if p.Disabled {
		return nil, fmt.Errorf("agent %q is disabled", id)
	}
	return p, nil
}

// Exists reports whether an enabled profile with this id is registered.
func (r *Registry) Exists(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// Default returns the profile runs fall back to when no agent is named:
// "main" if present, otherwise the first enabled profile by id order.
func (r *Registry) Default() (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.profiles[DefaultAgentID]; ok && !p.Disabled {
		return p, nil
	}
	for _, id := range r.idsLocked() {
		if p := r.profiles[id]; !p.Disabled {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no enabled agent profiles")
}

// IDs returns all enabled agent ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range r.idsLocked() {
		if !r.profiles[id].Disabled {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

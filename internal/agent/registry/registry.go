// Package registry holds the process-wide agent factory registry and the
// capability catalog. Both are initialized at service startup from
// declarative defaults and treated as read-only afterwards.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// Factory is polymorphic over one agent family (one brand of coding CLI).
// The container manager dispatches through this interface; adding an agent
// type means registering a new factory, with no coordinator changes.
type Factory interface {
	// Type is the agent enum value in container configs.
	Type() string
	// Description is a human-readable summary for the types API.
	Description() string
	// BaseImage is the Docker image capability layers are built on.
	BaseImage() string
	// PreinstalledCapabilities lists capabilities already present in the
	// base image; they must not be re-installed.
	PreinstalledCapabilities() []string
	// RequiredEnv names the credential variables the agent needs. Values
	// flow only through container env vars and are never logged.
	RequiredEnv() []string
	// InstallCommands returns the shell commands that install the agent CLI
	// into the image.
	InstallCommands() []string
	// BuildMessageCommand produces the in-container command for one message
	// exchange, resuming the given session context when the agent supports it.
	BuildMessageCommand(text string, sess *v1.SessionContext) []string
	// ParseResponse extracts the reply and the updated session context from
	// the command's stdout.
	ParseResponse(stdout string) (string, *v1.SessionContext, error)
	// SupportsSessions reports whether the agent can resume conversations.
	SupportsSessions() bool
}

// Capability is an installable toolchain plus the skill documentation
// written into the container for it.
type Capability struct {
	Name     string
	Packages []string
	SkillDoc string
}

// AllowedTools is the closed set of orchestrator tool groups an in-container
// agent may be authorized for.
var AllowedTools = []string{"project", "deploy", "engineering", "infra", "respond", "admin"}

// Registry maps agent types to factories and capability names to catalog
// entries.
type Registry struct {
	mu           sync.RWMutex
	factories    map[string]Factory
	capabilities map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:    make(map[string]Factory),
		capabilities: make(map[string]Capability),
	}
}

// RegisterFactory adds a factory for its agent type.
func (r *Registry) RegisterFactory(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Type()] = f
}

// RegisterCapability adds a capability to the catalog.
func (r *Registry) RegisterCapability(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.Name] = c
}

// Factory returns the factory for an agent type.
func (r *Registry) Factory(agentType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[agentType]
	if !ok {
		return nil, apperrors.InvalidConfig(fmt.Sprintf("unknown agent type %q", agentType))
	}
	return f, nil
}

// Capability returns a catalog entry by name.
func (r *Registry) Capability(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	if !ok {
		return Capability{}, apperrors.InvalidConfig(fmt.Sprintf("unknown capability %q", name))
	}
	return c, nil
}

// ValidateConfig checks a declarative container config against the registry:
// the agent type and every capability must exist, and allowed_tools must be
// a subset of the closed tool-group set.
func (r *Registry) ValidateConfig(cfg *v1.ContainerConfig) error {
	if _, err := r.Factory(cfg.Agent); err != nil {
		return err
	}
	for _, cap := range cfg.Capabilities {
		if _, err := r.Capability(cap); err != nil {
			return err
		}
	}
	for _, tool := range cfg.AllowedTools {
		known := false
		for _, allowed := range AllowedTools {
			if tool == allowed {
				known = true
				break
			}
		}
		if !known {
			return apperrors.InvalidConfig(fmt.Sprintf("unknown allowed tool %q", tool))
		}
	}
	return nil
}

// List returns descriptions of all registered agent types, sorted by name.
func (r *Registry) List() []v1.AgentTypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.AgentTypeInfo, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, v1.AgentTypeInfo{
			Name:        f.Type(),
			Description: f.Description(),
			BaseImage:   f.BaseImage(),
			RequiredEnv: f.RequiredEnv(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ImageKey derives the image cache key from the agent type and the sorted
// capability set. Changing the capability set produces a distinct image.
func ImageKey(agentType string, capabilities []string) string {
	caps := append([]string{}, capabilities...)
	sort.Strings(caps)
	sum := sha256.Sum256([]byte(agentType + "|" + strings.Join(caps, ",")))
	return hex.EncodeToString(sum[:])[:12]
}

// ImageTag returns the full image tag for an agent type and capability set.
func ImageTag(agentType string, capabilities []string) string {
	return fmt.Sprintf("botforge-agent-%s-%s", agentType, ImageKey(agentType, capabilities))
}

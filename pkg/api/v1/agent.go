package v1

import (
	"encoding/json"
	"time"
)

// AgentState represents the lifecycle state of an agent container
type AgentState string

const (
	AgentStateInitializing AgentState = "initializing"
	AgentStateIdle         AgentState = "idle"
	AgentStateRunning      AgentState = "running"
	AgentStateError        AgentState = "error"
	AgentStateDeleted      AgentState = "deleted"
)

// ContainerConfig is the declarative contract accepted by the create command.
// Unknown agent types and capabilities are rejected with InvalidConfig.
type ContainerConfig struct {
	Agent          string            `json:"agent"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	AllowedTools   []string          `json:"allowed_tools,omitempty"`
	HasInternet    *bool             `json:"has_internet,omitempty"`
	TTLHours       int               `json:"ttl_hours,omitempty"`
	TimeoutMinutes int               `json:"timeout_minutes,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	WorkspaceRepo  string            `json:"workspace_repo,omitempty"`
}

// Internet reports the has_internet flag, defaulting to true when unset.
func (c *ContainerConfig) Internet() bool {
	if c.HasInternet == nil {
		return true
	}
	return *c.HasInternet
}

// AgentInfo describes a managed agent container
type AgentInfo struct {
	ID            string     `json:"id"`
	AgentType     string     `json:"agent_type"`
	ContainerID   string     `json:"container_id,omitempty"`
	ContainerName string     `json:"container_name,omitempty"`
	State         AgentState `json:"state"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	ImageName     string     `json:"image_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  time.Time  `json:"last_activity"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// AgentTypeInfo describes a registered agent factory
type AgentTypeInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	BaseImage   string   `json:"base_image"`
	RequiredEnv []string `json:"required_env,omitempty"`
}

// SessionContext is the agent-specific continuation state persisted between
// container invocations (agent_session:{agent_id}).
type SessionContext struct {
	SessionID string          `json:"session_id,omitempty"`
	Blob      json.RawMessage `json:"blob,omitempty"`
}

// MessageResult is the structured outcome of a send_message command
type MessageResult struct {
	Response string                 `json:"response"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CommandResult is the outcome of a raw send_command execution
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

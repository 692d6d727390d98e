// Package graph implements the orchestration graph runtime: a typed shared
// state, a statically declared node/edge topology, and durable checkpointing
// at node boundaries.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/botforge/botforge/internal/llm"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// State is the record shared by the runtime and all nodes. Fields mirror the
// conversation, the current project, resource allocations and the progress of
// the deploy and engineering pipelines. Secret and env values never enter
// state; only names and classifications do.
type State struct {
	Messages []llm.Message `json:"messages,omitempty"`

	ThreadID       string `json:"thread_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	TelegramUserID int64  `json:"telegram_user_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ChatID         int64  `json:"chat_id,omitempty"`

	CurrentProject string        `json:"current_project,omitempty"`
	ProjectName    string        `json:"project_name,omitempty"`
	ProjectSpec    string        `json:"project_spec,omitempty"`
	ProjectIntent  string        `json:"project_intent,omitempty"`
	Complexity     v1.Complexity `json:"complexity,omitempty"`

	ActiveCapabilities    []string `json:"active_capabilities,omitempty"`
	POIterations          int      `json:"po_iterations,omitempty"`
	AwaitingUserResponse  bool     `json:"awaiting_user_response,omitempty"`
	UserConfirmedComplete bool     `json:"user_confirmed_complete,omitempty"`

	AllocatedResources map[string]string `json:"allocated_resources,omitempty"`
	RepositoryURL      string            `json:"repository_url,omitempty"`

	EngineeringStatus     v1.EngineeringStatus `json:"engineering_status,omitempty"`
	EngineeringIterations int                  `json:"engineering_iterations,omitempty"`
	ReviewFeedback        string               `json:"review_feedback,omitempty"`
	TestResults           string               `json:"test_results,omitempty"`
	NeedsHumanApproval    bool                 `json:"needs_human_approval,omitempty"`

	LastError string `json:"last_error,omitempty"`

	EnvPlan            map[string]v1.EnvClass `json:"env_plan,omitempty"`
	MissingUserSecrets []string               `json:"missing_user_secrets,omitempty"`

	DeployStatus     v1.DeployStatus `json:"deploy_status,omitempty"`
	DeployProgress   string          `json:"deploy_progress,omitempty"`
	DeployLogs       []string        `json:"deploy_logs,omitempty"`
	DeployedURL      string          `json:"deployed_url,omitempty"`
	DeployError      string          `json:"deploy_error,omitempty"`
	DeployStartedAt  *time.Time      `json:"deploy_started_at,omitempty"`
	DeployFinishedAt *time.Time      `json:"deploy_finished_at,omitempty"`
}

// Update is a partial state change returned by a node. Keys must be one of
// the Key* constants; unknown keys are rejected at merge time.
type Update map[string]interface{}

// Recognized update keys.
const (
	KeyMessages              = "messages"
	KeyThreadID              = "thread_id"
	KeyCorrelationID         = "correlation_id"
	KeyTelegramUserID        = "telegram_user_id"
	KeyUserID                = "user_id"
	KeyChatID                = "chat_id"
	KeyCurrentProject        = "current_project"
	KeyProjectName           = "project_name"
	KeyProjectSpec           = "project_spec"
	KeyProjectIntent         = "project_intent"
	KeyComplexity            = "complexity"
	KeyActiveCapabilities    = "active_capabilities"
	KeyPOIterations          = "po_iterations"
	KeyAwaitingUserResponse  = "awaiting_user_response"
	KeyUserConfirmedComplete = "user_confirmed_complete"
	KeyAllocatedResources    = "allocated_resources"
	KeyRepositoryURL         = "repository_url"
	KeyEngineeringStatus     = "engineering_status"
	KeyEngineeringIterations = "engineering_iterations"
	KeyReviewFeedback        = "review_feedback"
	KeyTestResults           = "test_results"
	KeyNeedsHumanApproval    = "needs_human_approval"
	KeyLastError             = "last_error"
	KeyEnvPlan               = "env_plan"
	KeyMissingUserSecrets    = "missing_user_secrets"
	KeyDeployStatus          = "deploy_status"
	KeyDeployProgress        = "deploy_progress"
	KeyDeployLogs            = "deploy_logs"
	KeyDeployedURL           = "deployed_url"
	KeyDeployError           = "deploy_error"
	KeyDeployStartedAt       = "deploy_started_at"
	KeyDeployFinishedAt      = "deploy_finished_at"
)

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// Clone returns a deep copy of the state via a JSON round trip.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to clone state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone state: %w", err)
	}
	return &out, nil
}

// Apply merges a partial update into the state. Messages and deploy logs are
// appended, maps are merged key-wise (last writer wins), capability sets are
// unioned, iteration counters never decrease, and all other fields are
// overwritten. Unknown keys are rejected.
func (s *State) Apply(u Update) error {
	if len(u) == 0 {
		return nil
	}

	// Apply in sorted key order so merges are deterministic.
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := u[key]
		if err := s.applyOne(key, value); err != nil {
			return err
		}
	}

	// awaiting_user_response and user_confirmed_complete are mutually
	// exclusive; the most recent writer wins.
	if s.AwaitingUserResponse && s.UserConfirmedComplete {
		_, setAwaiting := u[KeyAwaitingUserResponse]
		_, setConfirmed := u[KeyUserConfirmedComplete]
		if setAwaiting && setConfirmed {
			return fmt.Errorf("update sets both %s and %s", KeyAwaitingUserResponse, KeyUserConfirmedComplete)
		}
		if setConfirmed {
			s.AwaitingUserResponse = false
		} else {
			s.UserConfirmedComplete = false
		}
	}

	return nil
}

func (s *State) applyOne(key string, value interface{}) error {
	switch key {
	case KeyMessages:
		var msgs []llm.Message
		if err := decodeValue(value, &msgs); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		s.Messages = append(s.Messages, msgs...)
	case KeyThreadID:
		return decodeField(key, value, &s.ThreadID)
	case KeyCorrelationID:
		return decodeField(key, value, &s.CorrelationID)
	case KeyTelegramUserID:
		return decodeField(key, value, &s.TelegramUserID)
	case KeyUserID:
		return decodeField(key, value, &s.UserID)
	case KeyChatID:
		return decodeField(key, value, &s.ChatID)
	case KeyCurrentProject:
		return decodeField(key, value, &s.CurrentProject)
	case KeyProjectName:
		return decodeField(key, value, &s.ProjectName)
	case KeyProjectSpec:
		return decodeField(key, value, &s.ProjectSpec)
	case KeyProjectIntent:
		return decodeField(key, value, &s.ProjectIntent)
	case KeyComplexity:
		return decodeField(key, value, &s.Complexity)
	case KeyActiveCapabilities:
		var caps []string
		if err := decodeValue(value, &caps); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		s.ActiveCapabilities = mergeSet(s.ActiveCapabilities, caps)
	case KeyPOIterations:
		var n int
		if err := decodeValue(value, &n); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if n > s.POIterations {
			s.POIterations = n
		}
	case KeyAwaitingUserResponse:
		return decodeField(key, value, &s.AwaitingUserResponse)
	case KeyUserConfirmedComplete:
		return decodeField(key, value, &s.UserConfirmedComplete)
	case KeyAllocatedResources:
		var m map[string]string
		if err := decodeValue(value, &m); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if s.AllocatedResources == nil {
			s.AllocatedResources = make(map[string]string, len(m))
		}
		for k, v := range m {
			s.AllocatedResources[k] = v
		}
	case KeyRepositoryURL:
		return decodeField(key, value, &s.RepositoryURL)
	case KeyEngineeringStatus:
		return decodeField(key, value, &s.EngineeringStatus)
	case KeyEngineeringIterations:
		var n int
		if err := decodeValue(value, &n); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if n > s.EngineeringIterations {
			s.EngineeringIterations = n
		}
	case KeyReviewFeedback:
		return decodeField(key, value, &s.ReviewFeedback)
	case KeyTestResults:
		return decodeField(key, value, &s.TestResults)
	case KeyNeedsHumanApproval:
		return decodeField(key, value, &s.NeedsHumanApproval)
	case KeyLastError:
		return decodeField(key, value, &s.LastError)
	case KeyEnvPlan:
		var m map[string]v1.EnvClass
		if err := decodeValue(value, &m); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if s.EnvPlan == nil {
			s.EnvPlan = make(map[string]v1.EnvClass, len(m))
		}
		for k, v := range m {
			s.EnvPlan[k] = v
		}
	case KeyMissingUserSecrets:
		return decodeField(key, value, &s.MissingUserSecrets)
	case KeyDeployStatus:
		return decodeField(key, value, &s.DeployStatus)
	case KeyDeployProgress:
		return decodeField(key, value, &s.DeployProgress)
	case KeyDeployLogs:
		var lines []string
		if err := decodeValue(value, &lines); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		s.DeployLogs = append(s.DeployLogs, lines...)
	case KeyDeployedURL:
		return decodeField(key, value, &s.DeployedURL)
	case KeyDeployError:
		return decodeField(key, value, &s.DeployError)
	case KeyDeployStartedAt:
		return decodeField(key, value, &s.DeployStartedAt)
	case KeyDeployFinishedAt:
		return decodeField(key, value, &s.DeployFinishedAt)
	default:
		return fmt.Errorf("unknown state key %q", key)
	}
	return nil
}

// HasCapability reports whether the capability is active.
func (s *State) HasCapability(name string) bool {
	for _, c := range s.ActiveCapabilities {
		if c == name {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent message, or nil when the history is empty.
func (s *State) LastMessage() *llm.Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// LastAssistantMessage returns the most recent assistant message, or nil.
func (s *State) LastAssistantMessage() *llm.Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return &s.Messages[i]
		}
	}
	return nil
}

// decodeValue converts an update value into the destination type through a
// JSON round trip. Updates may originate from in-process nodes (typed values)
// or from deserialized checkpoints (generic JSON values); the round trip
// accepts both uniformly.
func decodeValue(value interface{}, dst interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func decodeField(key string, value interface{}, dst interface{}) error {
	if err := decodeValue(value, dst); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func mergeSet(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, v := range append(append([]string{}, existing...), extra...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

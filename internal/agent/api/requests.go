// Package api provides the read-only HTTP surface of the agent manager.
// Creation and messaging happen exclusively over the control plane; HTTP is
// for inspection and manual cleanup.
package api

import (
	"time"

	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// AgentsListResponse is the response for listing agents
type AgentsListResponse struct {
	Agents []*v1.AgentInfo `json:"agents"`
	Total  int             `json:"total"`
}

// AgentTypesListResponse is the response for listing agent types
type AgentTypesListResponse struct {
	Types []v1.AgentTypeInfo `json:"types"`
	Total int                `json:"total"`
}

// LogEntry represents a single log line
type LogEntry struct {
	Message string `json:"message"`
	Stream  string `json:"stream"` // stdout or stderr
}

// LogsResponse is the response for agent logs
type LogsResponse struct {
	Logs  []LogEntry `json:"logs"`
	Total int        `json:"total"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

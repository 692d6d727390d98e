// Package events provides event types and utilities for the botforge event system.
package events

// Event types for user sessions
const (
	SessionStarted  = "session.started"
	SessionAwaiting = "session.awaiting"
	SessionReleased = "session.released"
	SessionBusy     = "session.busy_rejected"
)

// Event types for jobs
const (
	JobEnqueued    = "job.enqueued"
	JobStarted     = "job.started"
	JobCompleted   = "job.completed"
	JobFailed      = "job.failed"
	JobRedelivered = "job.redelivered"
)

// Event types for agent containers
const (
	AgentCreated = "agent.created"
	AgentIdle    = "agent.idle"
	AgentRunning = "agent.running"
	AgentError   = "agent.error"
	AgentDeleted = "agent.deleted"
)

// Event types for deploys
const (
	DeployQueued    = "deploy.queued"
	DeploySucceeded = "deploy.succeeded"
	DeployFailed    = "deploy.failed"
)

// Event types for engineering runs
const (
	EngineeringStarted = "engineering.started"
	EngineeringDone    = "engineering.done"
	EngineeringBlocked = "engineering.blocked"
)

// BuildAgentSubject creates a per-agent subject for an agent event type
func BuildAgentSubject(eventType, agentID string) string {
	return eventType + "." + agentID
}

// BuildAgentWildcardSubject creates a wildcard subscription for all agents
// of one event type
func BuildAgentWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildJobSubject creates a per-job subject for a job event type
func BuildJobSubject(eventType, jobID string) string {
	return eventType + "." + jobID
}

package v1

import "time"

// JobKind identifies the work queue a job belongs to.
type JobKind string

const (
	JobKindDeploy      JobKind = "deploy"
	JobKindEngineering JobKind = "engineering"
)

// QueueName returns the stream the kind's jobs are appended to.
func (k JobKind) QueueName() string {
	return string(k) + ":queue"
}

// JobPayload is one entry on a job queue stream. The job id doubles as the
// checkpoint thread id of the sub-graph execution.
type JobPayload struct {
	JobID           string    `json:"job_id"`
	Kind            JobKind   `json:"kind"`
	ProjectID       string    `json:"project_id"`
	ProjectName     string    `json:"project_name,omitempty"`
	UserID          int64     `json:"user_id"`
	ChatID          int64     `json:"chat_id,omitempty"`
	CorrelationID   string    `json:"correlation_id"`
	TaskDescription string    `json:"task_description,omitempty"`
	QueuedAt        time.Time `json:"queued_at"`
}

// DeployStatus tracks a deploy job through its pipeline.
type DeployStatus string

const (
	DeployStatusQueued               DeployStatus = "queued"
	DeployStatusRunning              DeployStatus = "running"
	DeployStatusSuccess              DeployStatus = "success"
	DeployStatusFailed               DeployStatus = "failed"
	DeployStatusFailedMissingSecrets DeployStatus = "failed_missing_secrets"
)

// Terminal reports whether the status is an end state.
func (s DeployStatus) Terminal() bool {
	switch s {
	case DeployStatusSuccess, DeployStatusFailed, DeployStatusFailedMissingSecrets:
		return true
	}
	return false
}

// EngineeringStatus tracks an engineering job.
type EngineeringStatus string

const (
	EngineeringStatusIdle    EngineeringStatus = "idle"
	EngineeringStatusWorking EngineeringStatus = "working"
	EngineeringStatusDone    EngineeringStatus = "done"
	EngineeringStatusBlocked EngineeringStatus = "blocked"
)

// Complexity is the intent classifier's estimate of task size.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// EnvClass is the three-way classification of a required env variable.
type EnvClass string

const (
	// EnvClassInfra variables are auto-generated: internal datastore URLs,
	// app secret keys, random tokens.
	EnvClassInfra EnvClass = "infra"
	// EnvClassComputed variables are derived from project context.
	EnvClassComputed EnvClass = "computed"
	// EnvClassUser variables must be supplied by a human.
	EnvClassUser EnvClass = "user"
)

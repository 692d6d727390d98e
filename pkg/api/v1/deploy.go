package v1

import "time"

// DeployRequest is one entry on the ansible:deploy:queue stream, consumed by
// the external playbook runner. Env values travel only on this wire; they are
// never checkpointed.
type DeployRequest struct {
	RequestID    string            `json:"request_id"`
	ProjectID    string            `json:"project_id"`
	ProjectName  string            `json:"project_name"`
	RepoURL      string            `json:"repo_url"`
	ServerHandle string            `json:"server_handle"`
	ServerIP     string            `json:"server_ip"`
	Port         int               `json:"port"`
	EnvVars      map[string]string `json:"env_vars"`
	RequestedAt  time.Time         `json:"requested_at"`
}

// DeployResult is published on deploy:result:{request_id} by the playbook
// runner when the play finishes.
type DeployResult struct {
	RequestID  string    `json:"request_id"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

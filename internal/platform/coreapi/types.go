// Package coreapi is the HTTP client for the external CRUD layer that owns
// projects, servers, allocations, users and incidents. The core treats these
// records as read-mostly caches; all mutation goes through this client.
package coreapi

import "time"

// ProjectStatus is the project lifecycle state.
type ProjectStatus string

const (
	StatusDraft        ProjectStatus = "draft"
	StatusEstimated    ProjectStatus = "estimated"
	StatusProvisioning ProjectStatus = "provisioning"
	StatusInitialized  ProjectStatus = "initialized"
	StatusDesigning    ProjectStatus = "designing"
	StatusDesigned     ProjectStatus = "designed"
	StatusImplementing ProjectStatus = "implementing"
	StatusImplemented  ProjectStatus = "implemented"
	StatusVerifying    ProjectStatus = "verifying"
	StatusVerified     ProjectStatus = "verified"
	StatusDeploying    ProjectStatus = "deploying"
	StatusActive       ProjectStatus = "active"
	StatusMaintenance  ProjectStatus = "maintenance"
	StatusError        ProjectStatus = "error"
	StatusArchived     ProjectStatus = "archived"
	StatusMissing      ProjectStatus = "missing"
)

// statusTransitions is the project lifecycle DAG. Error is reachable from
// any working state and archived from any state; both are listed explicitly
// where meaningful.
var statusTransitions = map[ProjectStatus][]ProjectStatus{
	StatusDraft:        {StatusEstimated, StatusArchived},
	StatusEstimated:    {StatusProvisioning, StatusArchived},
	StatusProvisioning: {StatusInitialized, StatusError},
	StatusInitialized:  {StatusDesigning, StatusArchived},
	StatusDesigning:    {StatusDesigned, StatusError},
	StatusDesigned:     {StatusImplementing, StatusArchived},
	StatusImplementing: {StatusImplemented, StatusError},
	StatusImplemented:  {StatusVerifying, StatusArchived},
	StatusVerifying:    {StatusVerified, StatusImplementing, StatusError},
	StatusVerified:     {StatusDeploying, StatusArchived},
	StatusDeploying:    {StatusActive, StatusError},
	StatusActive:       {StatusMaintenance, StatusDeploying, StatusArchived, StatusError},
	StatusMaintenance:  {StatusActive, StatusDeploying, StatusArchived},
	StatusError:        {StatusProvisioning, StatusImplementing, StatusDeploying, StatusArchived},
	StatusArchived:     {},
	StatusMissing:      {StatusArchived},
}

// CanTransition reports whether the lifecycle DAG allows moving from one
// status to another.
func CanTransition(from, to ProjectStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Initialized reports whether the project has passed the initialized
// waypoint (and therefore has a repository).
func (s ProjectStatus) Initialized() bool {
	switch s {
	case StatusDraft, StatusEstimated, StatusProvisioning, StatusMissing:
		return false
	}
	return true
}

// Project is an owned entity managed by the CRUD layer.
type Project struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	OwnerID       string                 `json:"owner_id"`
	RepositoryURL string                 `json:"repository_url,omitempty"`
	Status        ProjectStatus          `json:"status"`
	Config        map[string]interface{} `json:"config,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// RequiredSecrets returns the secret names declared in the project config.
func (p *Project) RequiredSecrets() []string {
	raw, ok := p.Config["required_secrets"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ServerStatus is the lifecycle state of a managed server.
type ServerStatus string

const (
	ServerDiscovered     ServerStatus = "discovered"
	ServerPendingSetup   ServerStatus = "pending_setup"
	ServerProvisioning   ServerStatus = "provisioning"
	ServerReady          ServerStatus = "ready"
	ServerInUse          ServerStatus = "in_use"
	ServerError          ServerStatus = "error"
	ServerReserved       ServerStatus = "reserved"
	ServerDecommissioned ServerStatus = "decommissioned"
	ServerForceRebuild   ServerStatus = "force_rebuild"
)

// Server is an external compute resource, read-mostly in the core.
type Server struct {
	Handle          string       `json:"handle"`
	PublicIP        string       `json:"public_ip"`
	IsManaged       bool         `json:"is_managed"`
	AvailableRAMMB  int          `json:"available_ram_mb"`
	AvailableDiskMB int          `json:"available_disk_mb"`
	Status          ServerStatus `json:"status"`
	SSHKeyRef       string       `json:"ssh_key_ref,omitempty"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
}

// Allocation is a (server, port) reservation for a project's service.
type Allocation struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	ServerHandle string    `json:"server_handle"`
	Port         int       `json:"port"`
	ServiceName  string    `json:"service_name"`
	AllocatedAt  time.Time `json:"allocated_at"`
}

// User maps a chat-transport identity to an internal user id.
type User struct {
	ID         string `json:"id"`
	TelegramID int64  `json:"telegram_id"`
	Name       string `json:"name,omitempty"`
}

// Incident is an operational incident record.
type Incident struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

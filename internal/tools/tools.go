// Package tools defines the orchestrator tool surface: the base tools every
// coordinator turn can call, capability bundles unlocked on demand, and the
// executor node that drains tool calls inside a graph run.
package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/platform/coreapi"
	"github.com/botforge/botforge/internal/platform/knowledge"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// Result is the outcome of one tool execution. Content goes back to the
// model as the tool-result message; Update is merged into graph state.
type Result struct {
	Content string
	Update  graph.Update
}

// Tool is one callable orchestrator operation.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error)
}

// Capability bundle names.
const (
	CapProjectManagement = "project_management"
	CapInfrastructure    = "infrastructure"
	CapDeploy            = "deploy"
	CapEngineering       = "engineering"
	CapDiagnose          = "diagnose"
	CapAdmin             = "admin"
)

// CoreAPI is the CRUD surface the toolsets mutate through. *coreapi.Client
// satisfies it; tests substitute fakes.
type CoreAPI interface {
	ListProjects(ctx context.Context, ownerID string) ([]coreapi.Project, error)
	GetProject(ctx context.Context, projectID string) (*coreapi.Project, error)
	CreateProject(ctx context.Context, p *coreapi.Project) (*coreapi.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status coreapi.ProjectStatus) error
	ListServers(ctx context.Context, managedOnly bool) ([]coreapi.Server, error)
	ListAllocations(ctx context.Context, projectID string) ([]coreapi.Allocation, error)
	CreateAllocation(ctx context.Context, a *coreapi.Allocation) (*coreapi.Allocation, error)
	ReleaseAllocation(ctx context.Context, serverHandle, allocationID string) error
	UpsertUser(ctx context.Context, telegramID int64, name string) (*coreapi.User, error)
	GetUserByTelegram(ctx context.Context, telegramID int64) (*coreapi.User, error)
	CreateIncident(ctx context.Context, inc *coreapi.Incident) error
	ListActiveIncidents(ctx context.Context) ([]coreapi.Incident, error)
	GetSecrets(ctx context.Context, projectID string) (map[string]string, error)
	PutSecret(ctx context.Context, projectID, name, value string) error
}

// JobService enqueues background jobs and enforces the per-user deploy cap.
type JobService interface {
	Enqueue(ctx context.Context, payload *v1.JobPayload) (string, error)
	ActiveDeploys(ctx context.Context, userID int64) (int, error)
	DeploysPerUser() int
}

// CheckpointReader backs the polling tools.
type CheckpointReader interface {
	Load(ctx context.Context, threadID string) (*graph.Checkpoint, error)
}

// ChatPublisher delivers messages to the outgoing chat stream.
type ChatPublisher interface {
	Publish(ctx context.Context, msg *v1.OutgoingMessage) error
}

// KnowledgeSearch is the RAG subsystem surface.
type KnowledgeSearch interface {
	Search(ctx context.Context, query string, scope knowledge.Scope) ([]knowledge.Result, error)
}

// AgentLogs fetches agent container logs via the control plane.
type AgentLogs interface {
	AgentLogs(ctx context.Context, agentID string) (string, error)
}

// Deps carries the external surfaces the tool implementations use.
type Deps struct {
	API         CoreAPI
	Jobs        JobService
	Checkpoints CheckpointReader
	Chat        ChatPublisher
	Knowledge   KnowledgeSearch
	Agents      AgentLogs
	Logger      *logger.Logger
}

// tool is the shared implementation: declarative metadata plus a run func.
type tool struct {
	name        string
	description string
	schema      map[string]interface{}
	run         func(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error)
}

func (t *tool) Name() string                        { return t.name }
func (t *tool) Description() string                 { return t.description }
func (t *tool) InputSchema() map[string]interface{} { return t.schema }

func (t *tool) Execute(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error) {
	return t.run(ctx, st, input)
}

// objectSchema builds the JSON-schema body for a tool's input.
func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

// Registry holds the base tools and the capability bundles. Initialized at
// startup and read-only afterwards.
type Registry struct {
	base    []Tool
	bundles map[string][]Tool
}

// NewRegistry wires all toolsets against the given dependencies.
func NewRegistry(deps *Deps) *Registry {
	r := &Registry{bundles: make(map[string][]Tool)}
	r.base = baseTools(deps, r)
	r.bundles[CapProjectManagement] = projectTools(deps)
	r.bundles[CapInfrastructure] = infraTools(deps)
	r.bundles[CapDeploy] = deployTools(deps)
	r.bundles[CapEngineering] = engineeringTools(deps)
	r.bundles[CapDiagnose] = diagnoseTools(deps)
	r.bundles[CapAdmin] = adminTools(deps)
	return r
}

// Capabilities returns the known bundle names, sorted.
func (r *Registry) Capabilities() []string {
	out := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidCapability reports whether a bundle exists.
func (r *Registry) ValidCapability(name string) bool {
	_, ok := r.bundles[name]
	return ok
}

// ToolsFor returns base tools plus the bundles for the active capability
// set, in stable order.
func (r *Registry) ToolsFor(active []string) []Tool {
	out := append([]Tool{}, r.base...)
	caps := append([]string{}, active...)
	sort.Strings(caps)
	for _, name := range caps {
		out = append(out, r.bundles[name]...)
	}
	return out
}

// Lookup finds a tool by name within the active surface.
func (r *Registry) Lookup(name string, active []string) (Tool, bool) {
	for _, t := range r.ToolsFor(active) {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Specs converts the active tool surface into model tool declarations.
func (r *Registry) Specs(active []string) []llm.ToolSpec {
	ts := r.ToolsFor(active)
	out := make([]llm.ToolSpec, 0, len(ts))
	for _, t := range ts {
		out = append(out, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return out
}

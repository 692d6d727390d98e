package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/platform/coreapi"
	"github.com/botforge/botforge/internal/platform/knowledge"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type fakeAPI struct {
	projects    map[string]*coreapi.Project
	servers     []coreapi.Server
	allocations map[string][]coreapi.Allocation
	secrets     map[string]map[string]string
	incidents   []coreapi.Incident
	users       map[int64]*coreapi.User

	allocAttempts int
	allocConflict int // first N CreateAllocation calls return Conflict
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		projects:    make(map[string]*coreapi.Project),
		allocations: make(map[string][]coreapi.Allocation),
		secrets:     make(map[string]map[string]string),
		users:       make(map[int64]*coreapi.User),
	}
}

func (f *fakeAPI) ListProjects(_ context.Context, ownerID string) ([]coreapi.Project, error) {
	var out []coreapi.Project
	for _, p := range f.projects {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeAPI) GetProject(_ context.Context, projectID string) (*coreapi.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return nil, apperrors.NotFound("project", projectID)
	}
	return p, nil
}

func (f *fakeAPI) CreateProject(_ context.Context, p *coreapi.Project) (*coreapi.Project, error) {
	created := *p
	created.ID = "proj-" + p.Name
	created.CreatedAt = time.Now()
	f.projects[created.ID] = &created
	return &created, nil
}

func (f *fakeAPI) UpdateProjectStatus(_ context.Context, projectID string, status coreapi.ProjectStatus) error {
	p, ok := f.projects[projectID]
	if !ok {
		return apperrors.NotFound("project", projectID)
	}
	if !coreapi.CanTransition(p.Status, status) {
		return apperrors.Conflict("illegal status transition")
	}
	p.Status = status
	return nil
}

func (f *fakeAPI) ListServers(_ context.Context, _ bool) ([]coreapi.Server, error) {
	return f.servers, nil
}

func (f *fakeAPI) ListAllocations(_ context.Context, projectID string) ([]coreapi.Allocation, error) {
	return f.allocations[projectID], nil
}

func (f *fakeAPI) CreateAllocation(_ context.Context, a *coreapi.Allocation) (*coreapi.Allocation, error) {
	f.allocAttempts++
	if f.allocAttempts <= f.allocConflict {
		return nil, apperrors.Conflict("port already allocated")
	}
	created := *a
	created.ID = "alloc-1"
	f.allocations[a.ProjectID] = append(f.allocations[a.ProjectID], created)
	return &created, nil
}

func (f *fakeAPI) ReleaseAllocation(_ context.Context, _, allocationID string) error {
	for projectID, allocs := range f.allocations {
		for i, a := range allocs {
			if a.ID == allocationID {
				f.allocations[projectID] = append(allocs[:i], allocs[i+1:]...)
				return nil
			}
		}
	}
	return apperrors.NotFound("allocation", allocationID)
}

func (f *fakeAPI) UpsertUser(_ context.Context, telegramID int64, name string) (*coreapi.User, error) {
	u := &coreapi.User{ID: "u-1", TelegramID: telegramID, Name: name}
	f.users[telegramID] = u
	return u, nil
}

func (f *fakeAPI) GetUserByTelegram(_ context.Context, telegramID int64) (*coreapi.User, error) {
	u, ok := f.users[telegramID]
	if !ok {
		return nil, apperrors.NotFound("user", "telegram")
	}
	return u, nil
}

func (f *fakeAPI) CreateIncident(_ context.Context, inc *coreapi.Incident) error {
	f.incidents = append(f.incidents, *inc)
	return nil
}

func (f *fakeAPI) ListActiveIncidents(_ context.Context) ([]coreapi.Incident, error) {
	return f.incidents, nil
}

func (f *fakeAPI) GetSecrets(_ context.Context, projectID string) (map[string]string, error) {
	return f.secrets[projectID], nil
}

func (f *fakeAPI) PutSecret(_ context.Context, projectID, name, value string) error {
	if f.secrets[projectID] == nil {
		f.secrets[projectID] = make(map[string]string)
	}
	f.secrets[projectID][name] = value
	return nil
}

type fakeJobs struct {
	enqueued []*v1.JobPayload
	active   int
	limit    int
}

func (f *fakeJobs) Enqueue(_ context.Context, payload *v1.JobPayload) (string, error) {
	f.enqueued = append(f.enqueued, payload)
	return "job-1", nil
}

func (f *fakeJobs) ActiveDeploys(_ context.Context, _ int64) (int, error) { return f.active, nil }
func (f *fakeJobs) DeploysPerUser() int                                   { return f.limit }

type fakeChat struct {
	sent []*v1.OutgoingMessage
}

func (f *fakeChat) Publish(_ context.Context, msg *v1.OutgoingMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakeKnowledge struct {
	results []knowledge.Result
}

func (f *fakeKnowledge) Search(_ context.Context, _ string, _ knowledge.Scope) ([]knowledge.Result, error) {
	return f.results, nil
}

type fakeAgents struct{ logs string }

func (f *fakeAgents) AgentLogs(_ context.Context, _ string) (string, error) {
	return f.logs, nil
}

type testEnv struct {
	api   *fakeAPI
	jobs  *fakeJobs
	cps   *graph.MemoryCheckpointStore
	chat  *fakeChat
	know  *fakeKnowledge
	agent *fakeAgents
	reg   *Registry
}

func newTestEnv() *testEnv {
	env := &testEnv{
		api:   newFakeAPI(),
		jobs:  &fakeJobs{limit: 2},
		cps:   graph.NewMemoryCheckpointStore(),
		chat:  &fakeChat{},
		know:  &fakeKnowledge{},
		agent: &fakeAgents{logs: "agent output"},
	}
	env.reg = NewRegistry(&Deps{
		API:         env.api,
		Jobs:        env.jobs,
		Checkpoints: env.cps,
		Chat:        env.chat,
		Knowledge:   env.know,
		Agents:      env.agent,
		Logger:      newTestLogger(),
	})
	return env
}

func call(t *testing.T, env *testEnv, st *graph.State, name string, input interface{}) (*Result, error) {
	t.Helper()
	tool, ok := env.reg.Lookup(name, env.reg.Capabilities())
	require.True(t, ok, "tool %s not registered", name)
	data, err := json.Marshal(input)
	require.NoError(t, err)
	return tool.Execute(context.Background(), st, data)
}

func TestRegistrySurface(t *testing.T) {
	env := newTestEnv()

	assert.Equal(t, []string{
		CapAdmin, CapDeploy, CapDiagnose, CapEngineering, CapInfrastructure, CapProjectManagement,
	}, env.reg.Capabilities())

	// With no capabilities only the base tools are bound.
	base := env.reg.ToolsFor(nil)
	names := make(map[string]bool)
	for _, tl := range base {
		names[tl.Name()] = true
	}
	assert.True(t, names["respond_to_user"])
	assert.True(t, names["request_capabilities"])
	assert.False(t, names["trigger_deploy"])

	// The deploy bundle adds its tools without removing the base.
	withDeploy := env.reg.ToolsFor([]string{CapDeploy})
	assert.Len(t, withDeploy, len(base)+4)
	_, ok := env.reg.Lookup("trigger_deploy", []string{CapDeploy})
	assert.True(t, ok)
	_, ok = env.reg.Lookup("trigger_deploy", nil)
	assert.False(t, ok)
}

func TestSpecsCarrySchemas(t *testing.T) {
	env := newTestEnv()
	specs := env.reg.Specs([]string{CapProjectManagement})
	for _, s := range specs {
		assert.NotEmpty(t, s.Name)
		assert.NotEmpty(t, s.Description)
		require.NotNil(t, s.InputSchema, "schema missing for %s", s.Name)
		assert.Equal(t, "object", s.InputSchema["type"])
	}
}

func TestRequestCapabilitiesRejectsUnknown(t *testing.T) {
	env := newTestEnv()
	st := graph.NewState()

	_, err := call(t, env, st, "request_capabilities", map[string]interface{}{
		"capabilities": []string{"time_travel"},
		"reason":       "testing",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.Code(err))
	assert.Contains(t, err.Error(), "time_travel")

	res, err := call(t, env, st, "request_capabilities", map[string]interface{}{
		"capabilities": []string{CapDeploy, CapInfrastructure},
		"reason":       "shipping a project",
	})
	require.NoError(t, err)
	require.NoError(t, st.Apply(res.Update))
	assert.True(t, st.HasCapability(CapDeploy))
	assert.True(t, st.HasCapability(CapInfrastructure))
}

func TestRespondToUserAwaitingFlag(t *testing.T) {
	env := newTestEnv()
	st := &graph.State{TelegramUserID: 42, ChatID: 7, CorrelationID: "corr-1"}

	res, err := call(t, env, st, "respond_to_user", map[string]interface{}{
		"message":           "which region should I deploy to?",
		"awaiting_response": true,
	})
	require.NoError(t, err)
	require.Len(t, env.chat.sent, 1)
	assert.Equal(t, int64(42), env.chat.sent[0].UserID)
	assert.Equal(t, "corr-1", env.chat.sent[0].CorrelationID)

	require.NoError(t, st.Apply(res.Update))
	assert.True(t, st.AwaitingUserResponse)
}

func TestSearchKnowledgeHistoryScope(t *testing.T) {
	env := newTestEnv()
	st := &graph.State{Messages: []llm.Message{
		llm.UserMessage("deploy the shop project"),
		llm.AssistantMessage("working on it"),
		llm.UserMessage("unrelated chatter"),
	}}

	res, err := call(t, env, st, "search_knowledge", map[string]interface{}{
		"query": "shop", "scope": "history",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "deploy the shop project")
	assert.NotContains(t, res.Content, "unrelated chatter")
}

func TestFindSuitableServerPicksLargest(t *testing.T) {
	env := newTestEnv()
	env.api.servers = []coreapi.Server{
		{Handle: "small", Status: coreapi.ServerReady, AvailableRAMMB: 512},
		{Handle: "big", Status: coreapi.ServerInUse, AvailableRAMMB: 8192},
		{Handle: "broken", Status: coreapi.ServerError, AvailableRAMMB: 16384},
	}

	res, err := call(t, env, graph.NewState(), "find_suitable_server", map[string]interface{}{"ram_mb": 1024})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "server big")
}

func TestAllocatePortRetriesOnConflict(t *testing.T) {
	env := newTestEnv()
	env.api.allocConflict = 2

	res, err := call(t, env, graph.NewState(), "allocate_port", map[string]interface{}{
		"server_handle": "big", "project_id": "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, env.api.allocAttempts)
	assert.Contains(t, res.Content, "allocated big:")

	st := graph.NewState()
	require.NoError(t, st.Apply(res.Update))
	assert.Contains(t, st.AllocatedResources["web"], "big:")
}

func TestTriggerDeployGates(t *testing.T) {
	env := newTestEnv()
	p, _ := env.api.CreateProject(context.Background(), &coreapi.Project{
		Name: "shop", OwnerID: "u-1", Status: coreapi.StatusVerified,
		Config: map[string]interface{}{"required_secrets": []interface{}{"STRIPE_API_KEY"}},
	})
	st := &graph.State{TelegramUserID: 42}

	// Not ready: no repo, no allocation, missing secret.
	res, err := call(t, env, st, "trigger_deploy", map[string]interface{}{"project_id": p.ID})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "not ready")
	assert.Contains(t, res.Content, "missing secret: STRIPE_API_KEY")
	assert.Empty(t, env.jobs.enqueued)

	// Satisfy readiness.
	env.api.projects[p.ID].RepositoryURL = "https://github.com/botforge/shop"
	env.api.allocations[p.ID] = []coreapi.Allocation{{ID: "alloc-1", Port: 20001}}
	require.NoError(t, env.api.PutSecret(context.Background(), p.ID, "STRIPE_API_KEY", "sk-test"))

	// At the concurrency cap the deploy is still refused.
	env.jobs.active = 2
	res, err = call(t, env, st, "trigger_deploy", map[string]interface{}{"project_id": p.ID})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "deploy refused")
	assert.Empty(t, env.jobs.enqueued)

	env.jobs.active = 0
	res, err = call(t, env, st, "trigger_deploy", map[string]interface{}{"project_id": p.ID})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "job-1")
	require.Len(t, env.jobs.enqueued, 1)
	assert.Equal(t, v1.JobKindDeploy, env.jobs.enqueued[0].Kind)
	assert.Equal(t, int64(42), env.jobs.enqueued[0].UserID)
}

func TestProvideSecretRedactsValue(t *testing.T) {
	env := newTestEnv()

	res, err := call(t, env, graph.NewState(), "provide_secret", map[string]interface{}{
		"project_id": "p1", "name": "STRIPE_API_KEY", "value": "sk-live-very-secret",
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Content, "sk-live-very-secret")
	assert.Contains(t, res.Content, "STRIPE_API_KEY")
	assert.Equal(t, "sk-live-very-secret", env.api.secrets["p1"]["STRIPE_API_KEY"])
	assert.Nil(t, res.Update)
}

func TestGetDeployStatusFromCheckpoint(t *testing.T) {
	env := newTestEnv()

	res, err := call(t, env, graph.NewState(), "get_deploy_status", map[string]interface{}{"job_id": "job-9"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "no progress yet")

	require.NoError(t, env.cps.Save(context.Background(), "job-9", &graph.Checkpoint{
		State: &graph.State{
			DeployStatus:   v1.DeployStatusRunning,
			DeployProgress: "verifying deployment",
		},
		Next: "verify_deployment",
	}))

	res, err = call(t, env, graph.NewState(), "get_deploy_status", map[string]interface{}{"job_id": "job-9"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, string(v1.DeployStatusRunning))
	assert.Contains(t, res.Content, "verifying deployment")
}

func TestGetEngineeringStatusReportsBlocked(t *testing.T) {
	env := newTestEnv()
	require.NoError(t, env.cps.Save(context.Background(), "job-3", &graph.Checkpoint{
		State: &graph.State{
			EngineeringStatus:     v1.EngineeringStatusBlocked,
			EngineeringIterations: 3,
			NeedsHumanApproval:    true,
		},
	}))

	res, err := call(t, env, graph.NewState(), "get_engineering_status", map[string]interface{}{"job_id": "job-3"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, string(v1.EngineeringStatusBlocked))
	assert.Contains(t, res.Content, "needs human review")
}

func TestTriggerEngineeringEnqueues(t *testing.T) {
	env := newTestEnv()
	p, _ := env.api.CreateProject(context.Background(), &coreapi.Project{Name: "shop", Status: coreapi.StatusInitialized})
	st := &graph.State{TelegramUserID: 42, CorrelationID: "corr-2"}

	res, err := call(t, env, st, "trigger_engineering", map[string]interface{}{
		"project_id": p.ID, "task": "add checkout flow",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "job-1")
	require.Len(t, env.jobs.enqueued, 1)
	assert.Equal(t, v1.JobKindEngineering, env.jobs.enqueued[0].Kind)
	assert.Equal(t, "add checkout flow", env.jobs.enqueued[0].TaskDescription)
}

func TestUpdateProjectStatusRejectsIllegalTransition(t *testing.T) {
	env := newTestEnv()
	p, _ := env.api.CreateProject(context.Background(), &coreapi.Project{Name: "shop", Status: coreapi.StatusDraft})

	_, err := call(t, env, graph.NewState(), "update_project_status", map[string]interface{}{
		"project_id": p.ID, "status": "active",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))
}

func TestExecutorNode(t *testing.T) {
	env := newTestEnv()
	node := ExecutorNode(env.reg, newTestLogger())

	input, _ := json.Marshal(map[string]interface{}{
		"capabilities": []string{CapDeploy},
		"reason":       "deploying",
	})
	st := &graph.State{Messages: []llm.Message{
		llm.UserMessage("deploy my project"),
		llm.AssistantMessage("let me unlock tools",
			llm.ToolCall{ID: "t1", Name: "request_capabilities", Input: input},
			llm.ToolCall{ID: "t2", Name: "trigger_deploy", Input: json.RawMessage(`{"project_id":"p1"}`)},
		),
	}}

	update, err := node(context.Background(), st)
	require.NoError(t, err)

	msgs, ok := update[graph.KeyMessages].([]llm.Message)
	require.True(t, ok)
	require.Len(t, msgs, 2)

	assert.Equal(t, "t1", msgs[0].ToolCallID)
	assert.False(t, msgs[0].IsError)

	// trigger_deploy is not callable until the capability activates on the
	// next turn.
	assert.Equal(t, "t2", msgs[1].ToolCallID)
	assert.True(t, msgs[1].IsError)
	assert.Contains(t, msgs[1].Content, "unknown tool")

	assert.Equal(t, []string{CapDeploy}, update[graph.KeyActiveCapabilities])
}

func TestExecutorNodeSurfacesToolErrors(t *testing.T) {
	env := newTestEnv()
	node := ExecutorNode(env.reg, newTestLogger())

	st := &graph.State{
		ActiveCapabilities: []string{CapProjectManagement},
		Messages: []llm.Message{
			llm.AssistantMessage("checking",
				llm.ToolCall{ID: "t1", Name: "get_project", Input: json.RawMessage(`{"project_id":"ghost"}`)},
			),
		},
	}

	update, err := node(context.Background(), st)
	require.NoError(t, err)
	msgs := update[graph.KeyMessages].([]llm.Message)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsError)
	assert.Contains(t, msgs[0].Content, apperrors.ErrCodeNotFound)
}

func TestExecutorNodeNoToolCalls(t *testing.T) {
	env := newTestEnv()
	node := ExecutorNode(env.reg, newTestLogger())

	st := &graph.State{Messages: []llm.Message{llm.AssistantMessage("all done")}}
	update, err := node(context.Background(), st)
	require.NoError(t, err)
	assert.Nil(t, update)
}

package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/platform/coreapi"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type fakeAPI struct {
	project     *coreapi.Project
	allocations []coreapi.Allocation
	servers     []coreapi.Server
	secrets     map[string]string
	statuses    []coreapi.ProjectStatus
}

func (f *fakeAPI) GetProject(_ context.Context, _ string) (*coreapi.Project, error) {
	return f.project, nil
}

func (f *fakeAPI) UpdateProjectStatus(_ context.Context, _ string, status coreapi.ProjectStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeAPI) ListServers(_ context.Context, _ bool) ([]coreapi.Server, error) {
	return f.servers, nil
}

func (f *fakeAPI) ListAllocations(_ context.Context, _ string) ([]coreapi.Allocation, error) {
	return f.allocations, nil
}

func (f *fakeAPI) GetSecrets(_ context.Context, _ string) (map[string]string, error) {
	return f.secrets, nil
}

type fakeRepo struct {
	files map[string]string
}

func (f *fakeRepo) GetFileContent(_ context.Context, _, path string) (string, error) {
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file %s", path)
	}
	return content, nil
}

type fakeCI struct {
	uploads map[string]string
}

func (f *fakeCI) UploadActionsSecret(_ context.Context, _, name, value string) error {
	if f.uploads == nil {
		f.uploads = make(map[string]string)
	}
	f.uploads[name] = value
	return nil
}

type fakeRunner struct {
	requests []*v1.DeployRequest
	result   *v1.DeployResult
}

func (f *fakeRunner) RequestDeploy(_ context.Context, req *v1.DeployRequest) error {
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeRunner) WaitResult(_ context.Context, requestID string, _ time.Duration) (*v1.DeployResult, error) {
	if f.result == nil {
		return &v1.DeployResult{RequestID: requestID, OK: true, FinishedAt: time.Now()}, nil
	}
	return f.result, nil
}

type fakeProber struct {
	err error
}

func (f *fakeProber) Probe(_ context.Context, _ string) error { return f.err }

type scriptedLLM struct {
	text string
	err  error
}

func (s *scriptedLLM) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text}, nil
}

type testEnv struct {
	api    *fakeAPI
	repo   *fakeRepo
	ci     *fakeCI
	runner *fakeRunner
	prober *fakeProber
	model  *scriptedLLM
	store  *graph.MemoryCheckpointStore
	graph  *graph.Graph
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		api: &fakeAPI{
			project: &coreapi.Project{
				ID:            "p1",
				Name:          "shop",
				RepositoryURL: "https://github.com/botforge/shop",
				Status:        coreapi.StatusVerified,
			},
			allocations: []coreapi.Allocation{{ID: "alloc-1", ServerHandle: "hetzner-1", Port: 20001, ServiceName: "web"}},
			servers:     []coreapi.Server{{Handle: "hetzner-1", PublicIP: "203.0.113.9", Status: coreapi.ServerReady}},
			secrets:     map[string]string{"STRIPE_API_KEY": "sk-live-topsecret"},
		},
		repo: &fakeRepo{files: map[string]string{
			".env.example": "# payment\nSTRIPE_API_KEY=\nSECRET_KEY=\nPORT=8000\n",
		}},
		ci:     &fakeCI{},
		runner: &fakeRunner{},
		prober: &fakeProber{},
		model: &scriptedLLM{
			text: `{"STRIPE_API_KEY":"user","SECRET_KEY":"infra","PORT":"computed"}`,
		},
		store: graph.NewMemoryCheckpointStore(),
	}
	g, err := NewGraph(&Deps{
		API:    env.api,
		Repo:   env.repo,
		CI:     env.ci,
		Runner: env.runner,
		Prober: env.prober,
		LLM:    env.model,
		Logger: newTestLogger(),
	}, env.store, newTestLogger())
	require.NoError(t, err)
	env.graph = g
	return env
}

func seed() graph.Update {
	return graph.Update{
		graph.KeyCurrentProject: "p1",
		graph.KeyTelegramUserID: int64(42),
		graph.KeyDeployStatus:   v1.DeployStatusQueued,
	}
}

func TestDeployHappyPath(t *testing.T) {
	env := newTestEnv(t)

	st, err := env.graph.Run(context.Background(), "deploy_shop_01020304", seed())
	require.NoError(t, err)

	assert.Equal(t, v1.DeployStatusSuccess, st.DeployStatus)
	assert.Equal(t, "http://203.0.113.9:20001", st.DeployedURL)
	require.NotNil(t, st.DeployFinishedAt)

	// The runner saw the materialized env; the request id is the job id.
	require.Len(t, env.runner.requests, 1)
	req := env.runner.requests[0]
	assert.Equal(t, "deploy_shop_01020304", req.RequestID)
	assert.Equal(t, "sk-live-topsecret", req.EnvVars["STRIPE_API_KEY"])
	assert.Equal(t, "20001", req.EnvVars["PORT"])
	assert.NotEmpty(t, req.EnvVars["SECRET_KEY"])

	// User secret uploaded to CI.
	assert.Equal(t, "sk-live-topsecret", env.ci.uploads["STRIPE_API_KEY"])

	// Project advanced deploying -> active.
	assert.Equal(t, []coreapi.ProjectStatus{coreapi.StatusDeploying, coreapi.StatusActive}, env.api.statuses)
}

func TestSecretValuesNeverCheckpointed(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.graph.Run(context.Background(), "deploy_shop_0a0b0c0d", seed())
	require.NoError(t, err)

	cp, err := env.store.Load(context.Background(), "deploy_shop_0a0b0c0d")
	require.NoError(t, err)
	require.NotNil(t, cp)

	data, err := json.Marshal(cp)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-live-topsecret")
	// Names and classes are fine.
	assert.Contains(t, string(data), "STRIPE_API_KEY")
}

func TestMissingUserSecretEndsWithoutDeploy(t *testing.T) {
	env := newTestEnv(t)
	env.api.secrets = map[string]string{} // nothing stored

	st, err := env.graph.Run(context.Background(), "deploy_shop_11111111", seed())
	require.NoError(t, err)

	assert.Equal(t, v1.DeployStatusFailedMissingSecrets, st.DeployStatus)
	assert.Equal(t, []string{"STRIPE_API_KEY"}, st.MissingUserSecrets)
	assert.Empty(t, env.runner.requests, "runner must not be called without secrets")
	require.NotNil(t, st.DeployFinishedAt)
}

func TestPlaybookFailureRoutesToFailureSink(t *testing.T) {
	env := newTestEnv(t)
	env.runner.result = &v1.DeployResult{OK: false, Error: "ansible play exploded"}

	st, err := env.graph.Run(context.Background(), "deploy_shop_22222222", seed())
	require.NoError(t, err)

	assert.Equal(t, v1.DeployStatusFailed, st.DeployStatus)
	assert.Contains(t, st.DeployError, "ansible play exploded")
	assert.Contains(t, env.api.statuses, coreapi.StatusError)
}

func TestProbeFailureFailsDeploy(t *testing.T) {
	env := newTestEnv(t)
	env.prober.err = fmt.Errorf("connection refused")

	st, err := env.graph.Run(context.Background(), "deploy_shop_33333333", seed())
	require.NoError(t, err)

	assert.Equal(t, v1.DeployStatusFailed, st.DeployStatus)
	assert.Contains(t, st.DeployError, "not responding")
}

func TestAnalyzerFailureTreatsAllAsUser(t *testing.T) {
	env := newTestEnv(t)
	env.model.err = fmt.Errorf("model unavailable")
	env.api.secrets = map[string]string{}

	st, err := env.graph.Run(context.Background(), "deploy_shop_44444444", seed())
	require.NoError(t, err)

	assert.Equal(t, v1.DeployStatusFailedMissingSecrets, st.DeployStatus)
	// All three variables fell back to user class and none are stored.
	assert.Len(t, st.MissingUserSecrets, 3)
}

func TestParseEnvNames(t *testing.T) {
	content := "# comment\n\nFOO=1\nexport BAR=two\nBAR=dup\nNOEQUALS\n=3\n"
	assert.Equal(t, []string{"BAR", "FOO"}, parseEnvNames(content))
}

func TestRepoFullNameFromURL(t *testing.T) {
	assert.Equal(t, "botforge/shop", repoFullNameFromURL("https://github.com/botforge/shop"))
	assert.Equal(t, "botforge/shop", repoFullNameFromURL("https://github.com/botforge/shop.git"))
	assert.Equal(t, "", repoFullNameFromURL("shop"))
}

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/agent/credentials"
	"github.com/botforge/botforge/internal/agent/docker"
	"github.com/botforge/botforge/internal/agent/registry"
	"github.com/botforge/botforge/internal/agent/sessions"
	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// fakeDocker records calls and scripts exec results.
type fakeDocker struct {
	mu sync.Mutex

	images     map[string]bool
	builds     []string
	containers map[string]string // containerID -> state
	copied     map[string][]byte // path -> content
	execs      [][]string
	execResult func(cmd []string) (*docker.ExecResult, error)
	removed    []string
	networks   []string
	envs       [][]string
	nextID     int
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     make(map[string]bool),
		containers: make(map[string]string),
		copied:     make(map[string][]byte),
	}
}

func (f *fakeDocker) ImageExists(_ context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[tag], nil
}

func (f *fakeDocker) BuildImage(_ context.Context, tag, dockerfile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[tag] = true
	f.builds = append(f.builds, dockerfile)
	return nil
}

func (f *fakeDocker) EnsureNetwork(_ context.Context, name string) (string, error) {
	return name, nil
}

func (f *fakeDocker) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = "created"
	f.networks = append(f.networks, cfg.NetworkMode)
	f.envs = append(f.envs, cfg.Env)
	return id, nil
}

func (f *fakeDocker) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = "running"
	return nil
}

func (f *fakeDocker) PauseContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = "paused"
	return nil
}

func (f *fakeDocker) UnpauseContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = "running"
	return nil
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ExecCommand(ctx context.Context, _ string, cmd []string, _ []string, _ string) (*docker.ExecResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, cmd)
	fn := f.execResult
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(cmd)
	}
	return &docker.ExecResult{ExitCode: 0}, nil
}

func (f *fakeDocker) CopyFileToContainer(_ context.Context, _ string, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied[path] = content
	return nil
}

func (f *fakeDocker) GetContainerInfo(_ context.Context, id string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return &docker.ContainerInfo{ID: id, State: state}, nil
}

func (f *fakeDocker) GetContainerLogs(_ context.Context, _ string, _ bool, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line\n")), nil
}

func (f *fakeDocker) state(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

type staticCreds struct {
	values map[string]string
}

func (s *staticCreds) Name() string { return "static" }

func (s *staticCreds) GetCredential(_ context.Context, key string) (*credentials.Credential, error) {
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &credentials.Credential{Key: key, Value: v, Source: "static"}, nil
}

func (s *staticCreds) ListAvailable(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestManager(t *testing.T, fd *fakeDocker, maxConcurrent int) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	reg := registry.NewRegistry()
	reg.LoadDefaults()

	resolver := credentials.NewResolver(&staticCreds{values: map[string]string{
		"ANTHROPIC_API_KEY": "sk-test",
		"OPENAI_API_KEY":    "sk-test-openai",
	}})

	return NewManager(fd, reg, sessions.NewMemoryStore(), resolver, nil,
		Options{MaxConcurrent: maxConcurrent}, log)
}

func createTest(t *testing.T, m *Manager, cfg *v1.ContainerConfig) *Instance {
	t.Helper()
	inst, err := m.Create(context.Background(), cfg)
	require.NoError(t, err)
	return inst
}

func TestCreateBuildsImageOnceAndPauses(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)

	cfg := &v1.ContainerConfig{Agent: "claude", Capabilities: []string{"python"}}
	inst := createTest(t, m, cfg)

	assert.Equal(t, v1.AgentStateIdle, inst.State)
	assert.Equal(t, "paused", fd.state(inst.ContainerID))
	require.Len(t, fd.builds, 1)
	assert.Contains(t, fd.builds[0], "FROM node:20-bookworm")
	assert.Contains(t, fd.builds[0], "python3")
	assert.Contains(t, fd.builds[0], "npm install -g @anthropic-ai/claude-code")

	// Same agent/capability set reuses the cached image.
	createTest(t, m, cfg)
	assert.Len(t, fd.builds, 1)

	// Different capability set builds a new image.
	createTest(t, m, &v1.ContainerConfig{Agent: "claude", Capabilities: []string{"make"}})
	assert.Len(t, fd.builds, 2)
}

func TestCreateSkipsPreinstalledCapabilities(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)

	createTest(t, m, &v1.ContainerConfig{Agent: "claude", Capabilities: []string{"git", "node"}})
	require.Len(t, fd.builds, 1)
	assert.NotContains(t, fd.builds[0], "apt-get install")
}

func TestCreateRejectsUnknownConfig(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)

	_, err := m.Create(context.Background(), &v1.ContainerConfig{Agent: "gemini"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidConfig, apperrors.Code(err))

	_, err = m.Create(context.Background(), &v1.ContainerConfig{
		Agent:        "claude",
		Capabilities: []string{"cobol"},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidConfig, apperrors.Code(err))
}

func TestCreateWritesInstructionFiles(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)

	createTest(t, m, &v1.ContainerConfig{
		Agent:        "claude",
		Capabilities: []string{"python"},
		AllowedTools: []string{"deploy"},
	})

	assert.Contains(t, fd.copied, "/workspace/.botforge/skills/python.md")
	assert.Contains(t, fd.copied, "/workspace/.botforge/TOOLS.md")
	assert.Contains(t, string(fd.copied["/workspace/.botforge/TOOLS.md"]), "`deploy`")
}

func TestSendMessagePausesAfterExchange(t *testing.T) {
	fd := newFakeDocker()
	fd.execResult = func(cmd []string) (*docker.ExecResult, error) {
		if cmd[0] == "claude" {
			return &docker.ExecResult{
				Stdout: `{"result":"hello from agent","session_id":"s-1"}`,
			}, nil
		}
		return &docker.ExecResult{}, nil
	}
	m := newTestManager(t, fd, 0)
	inst := createTest(t, m, &v1.ContainerConfig{Agent: "claude"})

	result, err := m.SendMessage(context.Background(), inst.ID, "hi", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello from agent", result.Response)
	assert.Equal(t, "paused", fd.state(inst.ContainerID))

	// The persisted session id is used for the next exchange.
	_, err = m.SendMessage(context.Background(), inst.ID, "again", 0)
	require.NoError(t, err)

	var resumed bool
	for _, cmd := range fd.execs {
		for i, arg := range cmd {
			if arg == "--resume" && i+1 < len(cmd) && cmd[i+1] == "s-1" {
				resumed = true
			}
		}
	}
	assert.True(t, resumed, "second message should resume session s-1")
}

func TestSendMessageAgentFailure(t *testing.T) {
	fd := newFakeDocker()
	fd.execResult = func(cmd []string) (*docker.ExecResult, error) {
		if cmd[0] == "claude" {
			return &docker.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
		}
		return &docker.ExecResult{}, nil
	}
	m := newTestManager(t, fd, 0)
	inst := createTest(t, m, &v1.ContainerConfig{Agent: "claude"})

	_, err := m.SendMessage(context.Background(), inst.ID, "hi", 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAgent, apperrors.Code(err))

	info, err := m.Status(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", info.ErrorMessage)
}

func TestSendMessageUnknownAgent(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)

	_, err := m.SendMessage(context.Background(), "missing", "hi", 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSendCommand(t *testing.T) {
	fd := newFakeDocker()
	fd.execResult = func(cmd []string) (*docker.ExecResult, error) {
		if cmd[0] == "/bin/echo" {
			return &docker.ExecResult{Stdout: "ok\n", ExitCode: 0}, nil
		}
		return &docker.ExecResult{}, nil
	}
	m := newTestManager(t, fd, 0)
	inst := createTest(t, m, &v1.ContainerConfig{Agent: "shell"})

	result, err := m.SendCommand(context.Background(), inst.ID, []string{"/bin/echo", "ok"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
}

func TestDeleteRemovesContainerAndSession(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)
	inst := createTest(t, m, &v1.ContainerConfig{Agent: "claude"})

	sess := &v1.SessionContext{SessionID: "s-9"}
	require.NoError(t, m.sessions.Save(context.Background(), inst.ID, sess, time.Hour))

	require.NoError(t, m.Delete(context.Background(), inst.ID))

	assert.Contains(t, fd.removed, inst.ContainerID)
	_, err := m.Status(context.Background(), inst.ID)
	assert.True(t, apperrors.IsNotFound(err))

	loaded, err := m.sessions.Load(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLaunchGateBlocksAtCapacity(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 1)

	first := createTest(t, m, &v1.ContainerConfig{Agent: "shell"})

	// Second create must wait for a free slot.
	started := make(chan *Instance, 1)
	go func() {
		inst, err := m.Create(context.Background(), &v1.ContainerConfig{Agent: "shell"})
		if err == nil {
			started <- inst
		}
	}()

	select {
	case <-started:
		t.Fatal("second create should be queued while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, m.gate.Pending())

	require.NoError(t, m.Delete(context.Background(), first.ID))

	select {
	case inst := <-started:
		assert.NotEmpty(t, inst.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("queued create was not admitted after slot release")
	}
}

func TestReapExpiredDeletesAgent(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)
	inst := createTest(t, m, &v1.ContainerConfig{Agent: "claude"})

	m.mu.Lock()
	inst.ExpiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.reapExpired(context.Background())

	_, err := m.Status(context.Background(), inst.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestNoInternetUsesNoneNetwork(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)

	off := false
	createTest(t, m, &v1.ContainerConfig{Agent: "shell", HasInternet: &off})
	require.Len(t, fd.networks, 1)
	assert.Equal(t, "none", fd.networks[0])
}

func TestCredentialsInjectedIntoEnv(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd, 0)

	createTest(t, m, &v1.ContainerConfig{
		Agent:   "claude",
		EnvVars: map[string]string{"PROJECT_SLUG": "demo"},
	})

	require.Len(t, fd.envs, 1)
	assert.Contains(t, fd.envs[0], "ANTHROPIC_API_KEY=sk-test")
	assert.Contains(t, fd.envs[0], "PROJECT_SLUG=demo")
}

package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/agent/lifecycle"
	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

type fakeManager struct {
	created  []*v1.ContainerConfig
	messages []string
	files    map[string][]byte
	deleted  []string
	fail     error
}

func newFakeManager() *fakeManager {
	return &fakeManager{files: make(map[string][]byte)}
}

func (f *fakeManager) Create(_ context.Context, cfg *v1.ContainerConfig) (*lifecycle.Instance, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.created = append(f.created, cfg)
	return &lifecycle.Instance{ID: "agent-1", State: v1.AgentStateIdle}, nil
}

func (f *fakeManager) SendMessage(_ context.Context, agentID, text string, _ time.Duration) (*v1.MessageResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.messages = append(f.messages, text)
	return &v1.MessageResult{Response: "reply to " + text}, nil
}

func (f *fakeManager) SendCommand(_ context.Context, _ string, cmd []string, _ time.Duration) (*v1.CommandResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &v1.CommandResult{Stdout: "ran: " + cmd[len(cmd)-1], ExitCode: 0}, nil
}

func (f *fakeManager) SendFile(_ context.Context, _ string, path string, content []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.files[path] = content
	return nil
}

func (f *fakeManager) Status(_ context.Context, agentID string) (*v1.AgentInfo, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &v1.AgentInfo{ID: agentID, State: v1.AgentStateIdle}, nil
}

func (f *fakeManager) Logs(_ context.Context, _ string, _ string) (string, error) {
	return "log output", f.fail
}

func (f *fakeManager) Delete(_ context.Context, agentID string) error {
	if f.fail != nil {
		return f.fail
	}
	f.deleted = append(f.deleted, agentID)
	return nil
}

func newTestServer(t *testing.T, mgr manager) *Server {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewServer(nil, mgr, "test-consumer", log)
}

func mustPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandleCreate(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr)

	resp := s.handleCommand(context.Background(), &v1.Command{
		RequestID: "r1",
		Cmd:       v1.CmdCreate,
		Payload:   mustPayload(t, &v1.ContainerConfig{Agent: "claude"}),
	})

	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "r1", resp.RequestID)

	var result struct {
		AgentID string `json:"agent_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "agent-1", result.AgentID)
	require.Len(t, mgr.created, 1)
	assert.Equal(t, "claude", mgr.created[0].Agent)
}

func TestHandleCreateMalformedPayload(t *testing.T) {
	s := newTestServer(t, newFakeManager())

	resp := s.handleCommand(context.Background(), &v1.Command{
		RequestID: "r1",
		Cmd:       v1.CmdCreate,
		Payload:   json.RawMessage(`{not json`),
	})

	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeBadRequest, resp.ErrorType)
}

func TestHandleSendMessage(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr)

	resp := s.handleCommand(context.Background(), &v1.Command{
		RequestID: "r2",
		Cmd:       v1.CmdSendMessage,
		AgentID:   "agent-1",
		Payload:   mustPayload(t, &v1.MessagePayload{Text: "deploy it"}),
	})

	require.True(t, resp.OK, resp.Error)
	var result v1.MessageResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "reply to deploy it", result.Response)
}

func TestHandleSendFileDecodesBase64(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(t, mgr)

	content := []byte("# task\ndo the thing\n")
	resp := s.handleCommand(context.Background(), &v1.Command{
		RequestID: "r3",
		Cmd:       v1.CmdSendFile,
		AgentID:   "agent-1",
		Payload: mustPayload(t, &v1.FilePayload{
			Path:    "/workspace/TASK.md",
			Content: base64.StdEncoding.EncodeToString(content),
		}),
	})

	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, content, mgr.files["/workspace/TASK.md"])
}

func TestHandleErrorCarriesType(t *testing.T) {
	mgr := newFakeManager()
	mgr.fail = apperrors.NotFound("agent", "ghost")
	s := newTestServer(t, mgr)

	resp := s.handleCommand(context.Background(), &v1.Command{
		RequestID: "r4",
		Cmd:       v1.CmdDelete,
		AgentID:   "ghost",
	})

	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeNotFound, resp.ErrorType)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleUnknownCommand(t *testing.T) {
	s := newTestServer(t, newFakeManager())

	resp := s.handleCommand(context.Background(), &v1.Command{
		RequestID: "r5",
		Cmd:       "reboot",
	})

	assert.False(t, resp.OK)
	assert.Equal(t, apperrors.ErrCodeBadRequest, resp.ErrorType)
}

func TestResponseErrorRoundTrip(t *testing.T) {
	err := responseError(&v1.Response{
		OK:        false,
		Error:     "agent exited with code 2",
		ErrorType: apperrors.ErrCodeAgent,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAgent, apperrors.Code(err))

	assert.NoError(t, responseError(&v1.Response{OK: true}))
}

func TestClientDispatchByRequestID(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	c := NewClient(nil, log)

	ch := make(chan *v1.Response, 1)
	c.mu.Lock()
	c.pending["req-9"] = ch
	c.mu.Unlock()

	// A response for someone else's request is ignored.
	c.dispatch(&v1.Response{RequestID: "other", OK: true})
	select {
	case <-ch:
		t.Fatal("foreign response should not be delivered")
	default:
	}

	c.dispatch(&v1.Response{RequestID: "req-9", OK: true})
	select {
	case resp := <-ch:
		assert.True(t, resp.OK)
	default:
		t.Fatal("response was not delivered to its waiter")
	}
}

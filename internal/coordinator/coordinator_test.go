package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/tools"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// scriptedLLM replays a fixed sequence of responses.
type scriptedLLM struct {
	responses []*llm.Response
	requests  []*llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted llm exhausted after %d calls", len(s.requests))
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

type fakeChat struct {
	sent []*v1.OutgoingMessage
}

func (f *fakeChat) Publish(_ context.Context, msg *v1.OutgoingMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Text: text, StopReason: "end_turn"}
}

func toolResponse(name string, input interface{}) *llm.Response {
	data, _ := json.Marshal(input)
	return &llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: "call-1", Name: name, Input: data}},
		StopReason: "tool_use",
	}
}

func newEnv(t *testing.T, client llm.Client) (*graph.Graph, *graph.MemoryCheckpointStore, *fakeChat) {
	t.Helper()
	chat := &fakeChat{}
	reg := tools.NewRegistry(&tools.Deps{Chat: chat, Logger: newTestLogger()})
	store := graph.NewMemoryCheckpointStore()
	g, err := NewGraph(client, reg, store, newTestLogger())
	require.NoError(t, err)
	return g, store, chat
}

func seed(text string) graph.Update {
	return graph.Update{
		graph.KeyMessages:       []llm.Message{llm.UserMessage(text)},
		graph.KeyTelegramUserID: int64(42),
		graph.KeyChatID:         int64(7),
	}
}

func TestFreshThreadClassifiesAndResponds(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse(`{"capabilities":["deploy"],"task_summary":"deploy the shop","complexity":"complex"}`),
		toolResponse("respond_to_user", map[string]interface{}{
			"message":           "Which project should I deploy?",
			"awaiting_response": true,
		}),
	}}
	g, store, chat := newEnv(t, client)

	st, err := g.Run(context.Background(), "42_1", seed("deploy my shop"))
	require.NoError(t, err)

	assert.Equal(t, "deploy the shop", st.ProjectIntent)
	assert.Equal(t, v1.ComplexityComplex, st.Complexity)
	assert.True(t, st.HasCapability(tools.CapDeploy))
	assert.True(t, st.AwaitingUserResponse)
	require.Len(t, chat.sent, 1)
	assert.Equal(t, int64(42), chat.sent[0].UserID)

	// The classifier saw the small model class; the coordinator turn carried
	// the deploy toolset.
	require.Len(t, client.requests, 2)
	assert.Equal(t, llm.ModelClassSmall, client.requests[0].ModelClass)
	var hasTrigger bool
	for _, spec := range client.requests[1].Tools {
		if spec.Name == "trigger_deploy" {
			hasTrigger = true
		}
	}
	assert.True(t, hasTrigger)

	cp, err := store.Load(context.Background(), "42_1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, graph.End, cp.Next)
}

func TestContinuationSkipsClassifier(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse(`{"capabilities":[],"task_summary":"say hi","complexity":"simple"}`),
		toolResponse("respond_to_user", map[string]interface{}{
			"message": "hi there", "awaiting_response": true,
		}),
		// Second run: no classifier call, straight to the coordinator.
		toolResponse("finish_task", map[string]interface{}{"summary": "greeted"}),
	}}
	g, _, _ := newEnv(t, client)

	_, err := g.Run(context.Background(), "42_2", seed("hello"))
	require.NoError(t, err)

	st, err := g.Run(context.Background(), "42_2", graph.Update{
		graph.KeyMessages:             []llm.Message{llm.UserMessage("that's all, thanks")},
		graph.KeyAwaitingUserResponse: false,
	})
	require.NoError(t, err)

	assert.True(t, st.UserConfirmedComplete)
	assert.False(t, st.AwaitingUserResponse)
	// 3 calls total: classify once, coordinator twice.
	assert.Len(t, client.requests, 3)
}

func TestUnknownCapabilityFromClassifierIsDropped(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse(`{"capabilities":["time_travel","deploy"],"task_summary":"x","complexity":"simple"}`),
		textResponse("plain reply, no tools"),
	}}
	g, _, _ := newEnv(t, client)

	st, err := g.Run(context.Background(), "42_3", seed("do something"))
	require.NoError(t, err)
	assert.Equal(t, []string{tools.CapDeploy}, st.ActiveCapabilities)
}

func TestNoToolCallsEndsRun(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse(`{"capabilities":[],"task_summary":"chat","complexity":"simple"}`),
		textResponse("plain text that goes nowhere"),
	}}
	g, store, chat := newEnv(t, client)

	_, err := g.Run(context.Background(), "42_4", seed("hello"))
	require.NoError(t, err)
	assert.Empty(t, chat.sent)

	cp, err := store.Load(context.Background(), "42_4")
	require.NoError(t, err)
	assert.Equal(t, graph.End, cp.Next)
}

func TestIterationBoundEndsRun(t *testing.T) {
	// Endless tool loop: every coordinator turn requests knowledge that the
	// executor serves from thread history.
	var responses []*llm.Response
	responses = append(responses, textResponse(`{"capabilities":[],"task_summary":"loop","complexity":"simple"}`))
	for i := 0; i < MaxIterations+5; i++ {
		responses = append(responses, toolResponse("search_knowledge", map[string]interface{}{
			"query": "anything", "scope": "history",
		}))
	}
	client := &scriptedLLM{responses: responses}
	g, _, _ := newEnv(t, client)

	st, err := g.Run(context.Background(), "42_5", seed("loop forever"))
	require.NoError(t, err)
	assert.Equal(t, MaxIterations, st.POIterations)
}

func TestClassifierFailureFallsBack(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse("I think you want to deploy something!"), // no JSON
		textResponse("ok"),
	}}
	g, _, _ := newEnv(t, client)

	st, err := g.Run(context.Background(), "42_6", seed("deploy"))
	require.NoError(t, err)
	assert.Equal(t, "unclassified", st.ProjectIntent)
	assert.Equal(t, v1.ComplexitySimple, st.Complexity)
	assert.Empty(t, st.ActiveCapabilities)
}

// Package coordinator assembles the conversational control loop: a
// small-model intent gate, the coordinator LLM turn with its gated tool
// surface, and the tool executor, wired into a checkpointed graph.
package coordinator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/tools"
)

// MaxIterations bounds coordinator turns per thread. Runaway loops end the
// run; the thread checkpoint survives so the next message resumes it.
const MaxIterations = 20

const (
	nodeClassify    = "classify"
	nodeCoordinator = "coordinator"
	nodeExecutor    = "tool_executor"
)

const coordinatorSystem = `You are the coordinator of an autonomous software-delivery platform.
You manage projects end to end: creation, infrastructure, engineering work and deploys.

Rules:
- Talk to the user only through respond_to_user. Plain text replies are not delivered.
- Tools are grouped into capabilities. When a tool you need is not available,
  call request_capabilities first; the tools appear on your next turn.
- Deploys and engineering runs are asynchronous jobs. Trigger them, tell the
  user, and check progress with the status tools when asked.
- Never reveal secret values. Acknowledge secrets by name only.
- Call finish_task only after the user has explicitly confirmed they are done.`

// coordinatorNode runs one LLM turn with the tool surface active for the
// current state. A failed completion gets one more attempt with a retry
// prompt appended before the error propagates.
func coordinatorNode(client llm.Client, reg *tools.Registry, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		req := &llm.Request{
			System:    buildSystem(st),
			Messages:  st.Messages,
			Tools:     reg.Specs(st.ActiveCapabilities),
			MaxTokens: 4096,
		}

		resp, err := client.Complete(ctx, req)
		if err != nil {
			log.Warn("coordinator turn failed, retrying with prompt", zap.Error(err))
			retryReq := *req
			retryReq.Messages = append(append([]llm.Message{}, req.Messages...),
				llm.UserMessage("Your previous turn failed to complete. Continue from where you left off."))
			resp, err = client.Complete(ctx, &retryReq)
			if err != nil {
				return nil, err
			}
		}

		return graph.Update{
			graph.KeyMessages:     []llm.Message{llm.AssistantMessage(resp.Text, resp.ToolCalls...)},
			graph.KeyPOIterations: st.POIterations + 1,
		}, nil
	}
}

func buildSystem(st *graph.State) string {
	var b strings.Builder
	b.WriteString(coordinatorSystem)
	if st.ProjectIntent != "" && st.ProjectIntent != "unclassified" {
		b.WriteString("\n\nCurrent task: " + st.ProjectIntent)
	}
	if st.ProjectName != "" {
		b.WriteString("\nCurrent project: " + st.ProjectName + " (" + st.CurrentProject + ")")
	}
	return b.String()
}

// routeAfterExecutor decides whether the loop continues. The run ends when
// the user confirmed completion, when the coordinator is waiting on the user,
// when the iteration bound is hit, or when the last turn made no tool calls.
func routeAfterExecutor(st *graph.State) string {
	if st.UserConfirmedComplete || st.AwaitingUserResponse {
		return graph.End
	}
	if st.POIterations >= MaxIterations {
		return graph.End
	}
	last := st.LastAssistantMessage()
	if last == nil || len(last.ToolCalls) == 0 {
		return graph.End
	}
	return nodeCoordinator
}

// NewGraph builds the coordinator graph:
//
//	classify -> coordinator -> tool_executor -> {coordinator | End}
func NewGraph(client llm.Client, reg *tools.Registry, store graph.CheckpointStore, log *logger.Logger) (*graph.Graph, error) {
	return graph.NewBuilder("coordinator").
		AddNode(nodeClassify, classifyNode(client, reg, log)).
		AddNode(nodeCoordinator, coordinatorNode(client, reg, log)).
		AddNode(nodeExecutor, tools.ExecutorNode(reg, log)).
		SetEntry(nodeClassify).
		AddEdge(nodeClassify, nodeCoordinator).
		AddEdge(nodeCoordinator, nodeExecutor).
		AddConditionalEdge(nodeExecutor, routeAfterExecutor, nodeCoordinator, graph.End).
		Build(store, log)
}

package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
)

// ExecutorNode returns a graph node that drains the tool calls from the last
// assistant message. Each call runs against the tool surface active at that
// point in the conversation; results come back as tool-role messages, and the
// tools' state updates are merged into a single node update. A failing tool
// produces an is_error tool message rather than failing the node, so the
// model can see the error and recover.
func ExecutorNode(reg *Registry, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		last := st.LastAssistantMessage()
		if last == nil || len(last.ToolCalls) == 0 {
			return nil, nil
		}

		update := graph.Update{}
		messages := make([]llm.Message, 0, len(last.ToolCalls))

		for _, call := range last.ToolCalls {
			t, ok := reg.Lookup(call.Name, st.ActiveCapabilities)
			if !ok {
				messages = append(messages, llm.ToolMessage(call, fmt.Sprintf(
					"unknown tool %q; request the capability that provides it first", call.Name), true))
				continue
			}

			res, err := t.Execute(ctx, st, call.Input)
			if err != nil {
				log.Warn("tool failed",
					zap.String("tool", call.Name),
					zap.String("error_type", apperrors.Code(err)),
					zap.Error(err))
				messages = append(messages, llm.ToolMessage(call, fmt.Sprintf(
					"[%s] %s", apperrors.Code(err), err.Error()), true))
				continue
			}

			messages = append(messages, llm.ToolMessage(call, res.Content, false))
			for k, v := range res.Update {
				update[k] = v
			}
		}

		update[graph.KeyMessages] = messages
		return update, nil
	}
}

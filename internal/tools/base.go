package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/platform/knowledge"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// baseTools are bound on every coordinator turn regardless of the active
// capability set.
func baseTools(deps *Deps, reg *Registry) []Tool {
	return []Tool{
		respondToUser(deps),
		searchKnowledge(deps),
		requestCapabilities(reg),
		finishTask(),
	}
}

func respondToUser(deps *Deps) Tool {
	return &tool{
		name:        "respond_to_user",
		description: "Send a message to the user. Set awaiting_response when the message is a question that must be answered before work can continue.",
		schema: objectSchema(map[string]interface{}{
			"message":           prop("string", "The message text to deliver"),
			"awaiting_response": prop("boolean", "Whether the conversation should pause until the user replies"),
		}, "message"),
		run: func(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				Message          string `json:"message"`
				AwaitingResponse bool   `json:"awaiting_response"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed respond_to_user input")
			}
			if args.Message == "" {
				return nil, apperrors.BadRequest("message must not be empty")
			}

			err := deps.Chat.Publish(ctx, &v1.OutgoingMessage{
				UserID:        st.TelegramUserID,
				ChatID:        st.ChatID,
				Text:          args.Message,
				CorrelationID: st.CorrelationID,
			})
			if err != nil {
				return nil, apperrors.Dependency("chat", err)
			}

			res := &Result{Content: "message delivered"}
			if args.AwaitingResponse {
				res.Update = graph.Update{graph.KeyAwaitingUserResponse: true}
			}
			return res, nil
		},
	}
}

func searchKnowledge(deps *Deps) Tool {
	return &tool{
		name:        "search_knowledge",
		description: "Search the knowledge base. Scopes: docs, code, history, logs, all.",
		schema: objectSchema(map[string]interface{}{
			"query": prop("string", "What to search for"),
			"scope": prop("string", "One of docs, code, history, logs, all"),
		}, "query"),
		run: func(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				Query string `json:"query"`
				Scope string `json:"scope"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed search_knowledge input")
			}
			if args.Scope == "" {
				args.Scope = string(knowledge.ScopeAll)
			}
			scope := knowledge.Scope(args.Scope)
			if !knowledge.ValidScope(scope) {
				return nil, apperrors.BadRequest("unknown scope: " + args.Scope)
			}

			// The history scope is served from the current thread, not the
			// external service.
			if scope == knowledge.ScopeHistory {
				return &Result{Content: searchThreadHistory(st, args.Query)}, nil
			}

			results, err := deps.Knowledge.Search(ctx, args.Query, scope)
			if err != nil {
				return nil, apperrors.Dependency("knowledge", err)
			}
			if len(results) == 0 {
				return &Result{Content: "no results"}, nil
			}

			var b strings.Builder
			for i, r := range results {
				fmt.Fprintf(&b, "%d. [%s] %s\n%s\n", i+1, r.Source, r.Title, r.Snippet)
			}
			return &Result{Content: b.String()}, nil
		},
	}
}

// searchThreadHistory scans the thread's messages for the query terms.
func searchThreadHistory(st *graph.State, query string) string {
	terms := strings.Fields(strings.ToLower(query))
	var hits []string
	for _, msg := range st.Messages {
		if msg.Content == "" {
			continue
		}
		lower := strings.ToLower(msg.Content)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits = append(hits, fmt.Sprintf("[%s] %s", msg.Role, msg.Content))
				break
			}
		}
	}
	if len(hits) == 0 {
		return "no results"
	}
	if len(hits) > 5 {
		hits = hits[len(hits)-5:]
	}
	return strings.Join(hits, "\n")
}

func requestCapabilities(reg *Registry) Tool {
	return &tool{
		name:        "request_capabilities",
		description: "Unlock additional tool groups. New tools become callable on the next turn.",
		schema: objectSchema(map[string]interface{}{
			"capabilities": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Capability names to activate",
			},
			"reason": prop("string", "Why these capabilities are needed"),
		}, "capabilities", "reason"),
		run: func(_ context.Context, st *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				Capabilities []string `json:"capabilities"`
				Reason       string   `json:"reason"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed request_capabilities input")
			}
			if len(args.Capabilities) == 0 {
				return nil, apperrors.BadRequest("capabilities must not be empty")
			}
			for _, name := range args.Capabilities {
				if !reg.ValidCapability(name) {
					return nil, apperrors.BadRequest(fmt.Sprintf(
						"unknown capability %q; known: %s", name, strings.Join(reg.Capabilities(), ", ")))
				}
			}
			return &Result{
				Content: fmt.Sprintf("capabilities activated: %s (available next turn)",
					strings.Join(args.Capabilities, ", ")),
				Update: graph.Update{graph.KeyActiveCapabilities: args.Capabilities},
			}, nil
		},
	}
}

func finishTask() Tool {
	return &tool{
		name:        "finish_task",
		description: "Mark the task complete. Only call after the user has explicitly confirmed they are done.",
		schema: objectSchema(map[string]interface{}{
			"summary": prop("string", "Short summary of what was accomplished"),
		}, "summary"),
		run: func(_ context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed finish_task input")
			}
			return &Result{
				Content: "task finished: " + args.Summary,
				Update:  graph.Update{graph.KeyUserConfirmedComplete: true},
			}, nil
		},
	}
}

// logToolCall is shared debug logging for toolsets that want it.
func logToolCall(deps *Deps, name string, fields ...zap.Field) {
	if deps.Logger != nil {
		deps.Logger.Debug("tool call: "+name, fields...)
	}
}

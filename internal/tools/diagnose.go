package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/platform/coreapi"
)

// diagnoseTools is the diagnose bundle.
func diagnoseTools(deps *Deps) []Tool {
	return []Tool{
		listActiveIncidents(deps),
		reportIncident(deps),
		getAgentLogs(deps),
	}
}

func listActiveIncidents(deps *Deps) Tool {
	return &tool{
		name:        "list_active_incidents",
		description: "List currently open operational incidents.",
		schema:      objectSchema(map[string]interface{}{}),
		run: func(ctx context.Context, _ *graph.State, _ json.RawMessage) (*Result, error) {
			incidents, err := deps.API.ListActiveIncidents(ctx)
			if err != nil {
				return nil, err
			}
			if len(incidents) == 0 {
				return &Result{Content: "no active incidents"}, nil
			}
			var b strings.Builder
			for _, inc := range incidents {
				fmt.Fprintf(&b, "- [%s] %s (%s)", inc.Severity, inc.Title, inc.ID)
				if inc.Resource != "" {
					fmt.Fprintf(&b, " on %s", inc.Resource)
				}
				b.WriteString("\n")
			}
			return &Result{Content: b.String()}, nil
		},
	}
}

func reportIncident(deps *Deps) Tool {
	return &tool{
		name:        "report_incident",
		description: "Open an operational incident record.",
		schema: objectSchema(map[string]interface{}{
			"title":       prop("string", "Short incident title"),
			"description": prop("string", "What is broken and what was observed"),
			"severity":    prop("string", "One of low, medium, high, critical"),
			"resource":    prop("string", "Affected resource, e.g. a server handle or project id"),
		}, "title"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				Severity    string `json:"severity"`
				Resource    string `json:"resource"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed report_incident input")
			}
			if args.Title == "" {
				return nil, apperrors.BadRequest("title must not be empty")
			}
			if args.Severity == "" {
				args.Severity = "medium"
			}
			err := deps.API.CreateIncident(ctx, &coreapi.Incident{
				Title:       args.Title,
				Description: args.Description,
				Severity:    args.Severity,
				Resource:    args.Resource,
				Active:      true,
			})
			if err != nil {
				return nil, err
			}
			return &Result{Content: "incident reported: " + args.Title}, nil
		},
	}
}

func getAgentLogs(deps *Deps) Tool {
	return &tool{
		name:        "get_agent_logs",
		description: "Fetch recent logs from a sandboxed agent container.",
		schema: objectSchema(map[string]interface{}{
			"agent_id": prop("string", "The agent container id"),
		}, "agent_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				AgentID string `json:"agent_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed get_agent_logs input")
			}
			logs, err := deps.Agents.AgentLogs(ctx, args.AgentID)
			if err != nil {
				return nil, err
			}
			if logs == "" {
				return &Result{Content: "no log output"}, nil
			}
			return &Result{Content: logs}, nil
		},
	}
}

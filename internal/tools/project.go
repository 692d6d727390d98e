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

// projectTools is the project_management bundle.
func projectTools(deps *Deps) []Tool {
	return []Tool{
		listProjects(deps),
		getProject(deps),
		createProject(deps),
		updateProjectStatus(deps),
	}
}

func listProjects(deps *Deps) Tool {
	return &tool{
		name:        "list_projects",
		description: "List the user's projects with their lifecycle status.",
		schema:      objectSchema(map[string]interface{}{}),
		run: func(ctx context.Context, st *graph.State, _ json.RawMessage) (*Result, error) {
			projects, err := deps.API.ListProjects(ctx, st.UserID)
			if err != nil {
				return nil, err
			}
			if len(projects) == 0 {
				return &Result{Content: "no projects"}, nil
			}
			var b strings.Builder
			for _, p := range projects {
				fmt.Fprintf(&b, "- %s (%s): %s", p.Name, p.ID, p.Status)
				if p.RepositoryURL != "" {
					fmt.Fprintf(&b, " repo=%s", p.RepositoryURL)
				}
				b.WriteString("\n")
			}
			return &Result{Content: b.String()}, nil
		},
	}
}

func getProject(deps *Deps) Tool {
	return &tool{
		name:        "get_project",
		description: "Fetch one project's full record.",
		schema: objectSchema(map[string]interface{}{
			"project_id": prop("string", "The project id"),
		}, "project_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed get_project input")
			}
			p, err := deps.API.GetProject(ctx, args.ProjectID)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(p)
			if err != nil {
				return nil, err
			}
			return &Result{
				Content: string(data),
				Update: graph.Update{
					graph.KeyCurrentProject: p.ID,
					graph.KeyProjectName:    p.Name,
				},
			}, nil
		},
	}
}

func createProject(deps *Deps) Tool {
	return &tool{
		name:        "create_project",
		description: "Create a new project in draft status.",
		schema: objectSchema(map[string]interface{}{
			"name": prop("string", "Project name (short, kebab-case preferred)"),
			"spec": prop("string", "What the project should do"),
		}, "name"),
		run: func(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				Name string `json:"name"`
				Spec string `json:"spec"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed create_project input")
			}
			if args.Name == "" {
				return nil, apperrors.BadRequest("name must not be empty")
			}

			p := &coreapi.Project{
				Name:    args.Name,
				OwnerID: st.UserID,
				Status:  coreapi.StatusDraft,
			}
			if args.Spec != "" {
				p.Config = map[string]interface{}{"spec": args.Spec}
			}
			created, err := deps.API.CreateProject(ctx, p)
			if err != nil {
				return nil, err
			}

			return &Result{
				Content: fmt.Sprintf("project created: %s (%s)", created.Name, created.ID),
				Update: graph.Update{
					graph.KeyCurrentProject: created.ID,
					graph.KeyProjectName:    created.Name,
					graph.KeyProjectSpec:    args.Spec,
				},
			}, nil
		},
	}
}

func updateProjectStatus(deps *Deps) Tool {
	return &tool{
		name:        "update_project_status",
		description: "Advance a project along its lifecycle. Illegal transitions are rejected.",
		schema: objectSchema(map[string]interface{}{
			"project_id": prop("string", "The project id"),
			"status":     prop("string", "Target lifecycle status"),
		}, "project_id", "status"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ProjectID string `json:"project_id"`
				Status    string `json:"status"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed update_project_status input")
			}
			if err := deps.API.UpdateProjectStatus(ctx, args.ProjectID, coreapi.ProjectStatus(args.Status)); err != nil {
				return nil, err
			}
			return &Result{Content: fmt.Sprintf("project %s is now %s", args.ProjectID, args.Status)}, nil
		},
	}
}

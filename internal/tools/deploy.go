package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/graph"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// deployTools is the deploy bundle.
func deployTools(deps *Deps) []Tool {
	return []Tool{
		checkDeployReadiness(deps),
		triggerDeploy(deps),
		getDeployStatus(deps),
		provideSecret(deps),
	}
}

// deployReadiness collects everything that still blocks a deploy.
func deployReadiness(ctx context.Context, deps *Deps, projectID string) ([]string, error) {
	p, err := deps.API.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var blockers []string
	if p.RepositoryURL == "" {
		blockers = append(blockers, "project has no repository")
	}

	allocs, err := deps.API.ListAllocations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		blockers = append(blockers, "no port allocation")
	}

	required := p.RequiredSecrets()
	if len(required) > 0 {
		stored, err := deps.API.GetSecrets(ctx, projectID)
		if err != nil {
			return nil, err
		}
		for _, name := range required {
			if _, ok := stored[name]; !ok {
				blockers = append(blockers, "missing secret: "+name)
			}
		}
	}
	return blockers, nil
}

func checkDeployReadiness(deps *Deps) Tool {
	return &tool{
		name:        "check_deploy_readiness",
		description: "Check whether a project can be deployed: repository, port allocation, and all required secrets present.",
		schema: objectSchema(map[string]interface{}{
			"project_id": prop("string", "The project id"),
		}, "project_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed check_deploy_readiness input")
			}
			blockers, err := deployReadiness(ctx, deps, args.ProjectID)
			if err != nil {
				return nil, err
			}
			if len(blockers) == 0 {
				return &Result{Content: "ready to deploy"}, nil
			}
			return &Result{Content: "not ready:\n- " + strings.Join(blockers, "\n- ")}, nil
		},
	}
}

func triggerDeploy(deps *Deps) Tool {
	return &tool{
		name:        "trigger_deploy",
		description: "Queue a deploy job for a project. Refused while the project is not ready or the user is at their concurrent-deploy limit.",
		schema: objectSchema(map[string]interface{}{
			"project_id": prop("string", "The project id"),
		}, "project_id"),
		run: func(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed trigger_deploy input")
			}

			blockers, err := deployReadiness(ctx, deps, args.ProjectID)
			if err != nil {
				return nil, err
			}
			if len(blockers) > 0 {
				return &Result{Content: "deploy refused, not ready:\n- " + strings.Join(blockers, "\n- ")}, nil
			}

			active, err := deps.Jobs.ActiveDeploys(ctx, st.TelegramUserID)
			if err != nil {
				return nil, err
			}
			if limit := deps.Jobs.DeploysPerUser(); active >= limit {
				return &Result{Content: fmt.Sprintf(
					"deploy refused: %d of %d concurrent deploys already running", active, limit)}, nil
			}

			p, err := deps.API.GetProject(ctx, args.ProjectID)
			if err != nil {
				return nil, err
			}
			jobID, err := deps.Jobs.Enqueue(ctx, &v1.JobPayload{
				Kind:          v1.JobKindDeploy,
				ProjectID:     p.ID,
				ProjectName:   p.Name,
				UserID:        st.TelegramUserID,
				ChatID:        st.ChatID,
				CorrelationID: st.CorrelationID,
				QueuedAt:      time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}

			logToolCall(deps, "trigger_deploy",
				zap.String("project_id", p.ID), zap.String("job_id", jobID))
			return &Result{Content: "deploy queued, job id: " + jobID}, nil
		},
	}
}

func getDeployStatus(deps *Deps) Tool {
	return &tool{
		name:        "get_deploy_status",
		description: "Poll a deploy job's progress by job id.",
		schema: objectSchema(map[string]interface{}{
			"job_id": prop("string", "The deploy job id"),
		}, "job_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed get_deploy_status input")
			}
			cp, err := deps.Checkpoints.Load(ctx, args.JobID)
			if err != nil {
				return nil, err
			}
			if cp == nil || cp.State == nil {
				return &Result{Content: "job " + args.JobID + ": queued, no progress yet"}, nil
			}

			st := cp.State
			var b strings.Builder
			fmt.Fprintf(&b, "job %s: %s", args.JobID, st.DeployStatus)
			if st.DeployProgress != "" {
				fmt.Fprintf(&b, " (%s)", st.DeployProgress)
			}
			if st.DeployedURL != "" {
				fmt.Fprintf(&b, "\nurl: %s", st.DeployedURL)
			}
			if st.DeployError != "" {
				fmt.Fprintf(&b, "\nerror: %s", st.DeployError)
			}
			if len(st.MissingUserSecrets) > 0 {
				fmt.Fprintf(&b, "\nwaiting for secrets: %s", strings.Join(st.MissingUserSecrets, ", "))
			}
			return &Result{Content: b.String()}, nil
		},
	}
}

func provideSecret(deps *Deps) Tool {
	return &tool{
		name:        "provide_secret",
		description: "Store a secret value for a project. The value is written to the secret store and never echoed back.",
		schema: objectSchema(map[string]interface{}{
			"project_id": prop("string", "The project id"),
			"name":       prop("string", "Secret name, e.g. STRIPE_API_KEY"),
			"value":      prop("string", "The secret value"),
		}, "project_id", "name", "value"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ProjectID string `json:"project_id"`
				Name      string `json:"name"`
				Value     string `json:"value"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed provide_secret input")
			}
			if args.Name == "" || args.Value == "" {
				return nil, apperrors.BadRequest("name and value must not be empty")
			}
			if err := deps.API.PutSecret(ctx, args.ProjectID, args.Name, args.Value); err != nil {
				return nil, err
			}
			// Only the name leaves this function; the value stays in the store.
			return &Result{Content: fmt.Sprintf("secret %s stored (value redacted)", args.Name)}, nil
		},
	}
}

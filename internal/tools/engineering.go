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

// engineeringTools is the engineering bundle.
func engineeringTools(deps *Deps) []Tool {
	return []Tool{
		triggerEngineering(deps),
		getEngineeringStatus(deps),
	}
}

func triggerEngineering(deps *Deps) Tool {
	return &tool{
		name:        "trigger_engineering",
		description: "Queue an engineering job: design, implement and test a task against the project's repository.",
		schema: objectSchema(map[string]interface{}{
			"project_id": prop("string", "The project id"),
			"task":       prop("string", "What to build or change"),
		}, "project_id", "task"),
		run: func(ctx context.Context, st *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ProjectID string `json:"project_id"`
				Task      string `json:"task"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed trigger_engineering input")
			}
			if args.Task == "" {
				return nil, apperrors.BadRequest("task must not be empty")
			}

			p, err := deps.API.GetProject(ctx, args.ProjectID)
			if err != nil {
				return nil, err
			}
			jobID, err := deps.Jobs.Enqueue(ctx, &v1.JobPayload{
				Kind:            v1.JobKindEngineering,
				ProjectID:       p.ID,
				ProjectName:     p.Name,
				UserID:          st.TelegramUserID,
				ChatID:          st.ChatID,
				CorrelationID:   st.CorrelationID,
				TaskDescription: args.Task,
				QueuedAt:        time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}

			logToolCall(deps, "trigger_engineering",
				zap.String("project_id", p.ID), zap.String("job_id", jobID))
			return &Result{Content: "engineering queued, job id: " + jobID}, nil
		},
	}
}

func getEngineeringStatus(deps *Deps) Tool {
	return &tool{
		name:        "get_engineering_status",
		description: "Poll an engineering job's progress by job id.",
		schema: objectSchema(map[string]interface{}{
			"job_id": prop("string", "The engineering job id"),
		}, "job_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed get_engineering_status input")
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
			fmt.Fprintf(&b, "job %s: %s (iteration %d)", args.JobID, st.EngineeringStatus, st.EngineeringIterations)
			if st.RepositoryURL != "" {
				fmt.Fprintf(&b, "\nrepository: %s", st.RepositoryURL)
			}
			if st.TestResults != "" {
				fmt.Fprintf(&b, "\ntests: %s", st.TestResults)
			}
			if st.NeedsHumanApproval {
				b.WriteString("\nblocked: iteration limit reached, needs human review")
			}
			if st.LastError != "" {
				fmt.Fprintf(&b, "\nerror: %s", st.LastError)
			}
			return &Result{Content: b.String()}, nil
		},
	}
}

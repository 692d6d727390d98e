// Package engineering implements the asynchronous engineering pipeline: an
// architect turn plans the work and provisions the repository, sandboxed
// agents scaffold, implement and test it, and a bounded rework loop feeds
// test failures back to the developer agent.
package engineering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/platform/coreapi"
	"github.com/botforge/botforge/internal/platform/githubapp"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const (
	nodeArchitect     = "architect"
	nodePreparer      = "preparer"
	nodeDeveloper     = "developer"
	nodeTester        = "tester"
	nodeHandleFailure = "handle_failure"
)

// MaxIterations bounds developer/tester rework rounds before the run blocks
// for human review.
const MaxIterations = 3

const (
	preparerTimeout  = 60 * time.Second
	developerTimeout = 15 * time.Minute
	testerTimeout    = 5 * time.Minute
)

// repoDir is where sandboxes check the project out.
const repoDir = "/workspace/repo"

// Resource keys recorded under allocated_resources.
const resDevAgent = "dev_agent"

// CoreAPI is the CRUD surface the pipeline mutates through.
type CoreAPI interface {
	GetProject(ctx context.Context, projectID string) (*coreapi.Project, error)
	SetRepositoryURL(ctx context.Context, projectID, repoURL string) error
	UpdateProjectStatus(ctx context.Context, projectID string, status coreapi.ProjectStatus) error
}

// RepoAdmin provisions repositories and authenticated clone URLs.
type RepoAdmin interface {
	CreateRepository(ctx context.Context, name, description string) (*githubapp.Repository, error)
	CloneURLWithToken(ctx context.Context, repoFullName string) (string, error)
}

// Sandbox is the control-plane surface for agent containers.
type Sandbox interface {
	CreateAgent(ctx context.Context, cfg *v1.ContainerConfig) (string, error)
	SendMessage(ctx context.Context, agentID, text string, timeout time.Duration) (*v1.MessageResult, error)
	SendCommand(ctx context.Context, agentID, command string, timeout time.Duration) (*v1.CommandResult, error)
	SendFile(ctx context.Context, agentID, path string, content []byte) error
	DeleteAgent(ctx context.Context, agentID string) error
}

// Deps carries the external surfaces the pipeline nodes use.
type Deps struct {
	API    CoreAPI
	Repo   RepoAdmin
	Agents Sandbox
	LLM    llm.Client
	Logger *logger.Logger
}

// NewGraph builds the engineering pipeline graph:
//
//	architect -> preparer -> developer -> tester -> {developer | End}
//
// with handle_failure as the sink for node errors.
func NewGraph(deps *Deps, store graph.CheckpointStore, log *logger.Logger) (*graph.Graph, error) {
	return graph.NewBuilder("engineering").
		AddNode(nodeArchitect, architect(deps)).
		AddNode(nodePreparer, preparer(deps)).
		AddNode(nodeDeveloper, developer(deps, log)).
		AddNode(nodeTester, tester(deps)).
		AddNode(nodeHandleFailure, handleFailure(deps, log)).
		SetEntry(nodeArchitect).
		AddEdge(nodeArchitect, nodePreparer).
		AddEdge(nodePreparer, nodeDeveloper).
		AddEdge(nodeDeveloper, nodeTester).
		AddConditionalEdge(nodeTester, routeAfterTester, nodeDeveloper, graph.End).
		AddEdge(nodeHandleFailure, graph.End).
		OnError(nodeArchitect, nodeHandleFailure).
		OnError(nodePreparer, nodeHandleFailure).
		OnError(nodeDeveloper, nodeHandleFailure).
		OnError(nodeTester, nodeHandleFailure).
		Build(store, log)
}

const architectSystem = `You are the architect of an automated engineering pipeline.
Given a task for a project, write concise instructions for the developer agent that
will implement it inside the repository: what to build, which files to touch, how to
structure the change, and how the result will be deployed (a single service listening
on the PORT env variable). Reply with the instructions only.`

// architect plans the work and makes sure the project has a repository.
func architect(deps *Deps) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		p, err := deps.API.GetProject(ctx, st.CurrentProject)
		if err != nil {
			return nil, err
		}

		repoURL := p.RepositoryURL
		if repoURL == "" {
			repo, err := deps.Repo.CreateRepository(ctx, slugify(p.Name), st.ProjectIntent)
			if err != nil {
				return nil, err
			}
			repoURL = repo.HTMLURL
			if err := deps.API.SetRepositoryURL(ctx, p.ID, repoURL); err != nil {
				return nil, err
			}
		}

		resp, err := deps.LLM.Complete(ctx, &llm.Request{
			System: architectSystem,
			Messages: []llm.Message{llm.UserMessage(fmt.Sprintf(
				"Project: %s\nTask: %s", p.Name, st.ProjectIntent))},
			MaxTokens: 2048,
		})
		if err != nil {
			return nil, err
		}

		return graph.Update{
			graph.KeyRepositoryURL:     repoURL,
			graph.KeyProjectSpec:       resp.Text,
			graph.KeyEngineeringStatus: v1.EngineeringStatusWorking,
		}, nil
	}
}

// preparer scaffolds the repository in a short-lived shell sandbox: clone,
// write the task brief, commit, push.
func preparer(deps *Deps) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		agentID, err := deps.Agents.CreateAgent(ctx, &v1.ContainerConfig{
			Agent:        "shell",
			Capabilities: []string{"git"},
			TTLHours:     1,
		})
		if err != nil {
			return nil, err
		}
		defer deps.Agents.DeleteAgent(context.WithoutCancel(ctx), agentID)

		cloneURL, err := deps.Repo.CloneURLWithToken(ctx, repoFullNameFromURL(st.RepositoryURL))
		if err != nil {
			return nil, err
		}

		res, err := deps.Agents.SendCommand(ctx, agentID,
			fmt.Sprintf("git clone %s %s || git init %s", cloneURL, repoDir, repoDir), preparerTimeout)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("clone failed: %s", tail(res.Stderr, 500))
		}

		if err := deps.Agents.SendFile(ctx, agentID, repoDir+"/TASK.md", []byte(st.ProjectSpec)); err != nil {
			return nil, err
		}

		res, err = deps.Agents.SendCommand(ctx, agentID, strings.Join([]string{
			"cd " + repoDir,
			"git config user.email bot@botforge.dev",
			"git config user.name botforge",
			"git add -A",
			"git commit -m 'prepare task workspace' --allow-empty",
			"git push -u origin HEAD",
		}, " && "), preparerTimeout)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("scaffold push failed: %s", tail(res.Stderr, 500))
		}
		return nil, nil
	}
}

const developerPromptTemplate = `Work in the repository at %s. Read TASK.md and implement it.
Write tests alongside the implementation. When you are done, commit everything and run:
git push origin HEAD
%s`

// developer sends the task to a CLI agent container. The agent is created on
// the first iteration and reused afterwards so the conversation session
// carries across rework rounds.
func developer(deps *Deps, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		agentID := st.AllocatedResources[resDevAgent]
		if agentID == "" {
			var err error
			agentID, err = deps.Agents.CreateAgent(ctx, &v1.ContainerConfig{
				Agent:          "claude",
				Capabilities:   []string{"git", "node", "python"},
				TimeoutMinutes: int(developerTimeout / time.Minute),
				TTLHours:       2,
				ProjectID:      st.CurrentProject,
			})
			if err != nil {
				return nil, err
			}

			cloneURL, err := deps.Repo.CloneURLWithToken(ctx, repoFullNameFromURL(st.RepositoryURL))
			if err != nil {
				return nil, err
			}
			res, err := deps.Agents.SendCommand(ctx, agentID,
				fmt.Sprintf("git clone %s %s", cloneURL, repoDir), preparerTimeout)
			if err != nil {
				return nil, err
			}
			if res.ExitCode != 0 {
				return nil, fmt.Errorf("developer clone failed: %s", tail(res.Stderr, 500))
			}
		}

		var rework string
		if st.ReviewFeedback != "" {
			rework = "\nThe previous attempt failed its tests:\n" + st.ReviewFeedback + "\nFix the failures."
		}

		result, err := deps.Agents.SendMessage(ctx, agentID,
			fmt.Sprintf(developerPromptTemplate, repoDir, rework), developerTimeout)
		if err != nil {
			return nil, err
		}
		log.Debug("developer turn finished",
			zap.String("agent_id", agentID),
			zap.Int("reply_len", len(result.Response)))

		return graph.Update{
			graph.KeyAllocatedResources: map[string]string{resDevAgent: agentID},
		}, nil
	}
}

// tester clones the pushed work into a fresh sandbox and runs the test
// suite. Failures below the iteration bound loop back to the developer.
func tester(deps *Deps) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		agentID, err := deps.Agents.CreateAgent(ctx, &v1.ContainerConfig{
			Agent:        "shell",
			Capabilities: []string{"git", "node", "python", "make"},
			TTLHours:     1,
		})
		if err != nil {
			return nil, err
		}
		defer deps.Agents.DeleteAgent(context.WithoutCancel(ctx), agentID)

		cloneURL, err := deps.Repo.CloneURLWithToken(ctx, repoFullNameFromURL(st.RepositoryURL))
		if err != nil {
			return nil, err
		}
		res, err := deps.Agents.SendCommand(ctx, agentID,
			fmt.Sprintf("git clone %s %s", cloneURL, repoDir), preparerTimeout)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("tester clone failed: %s", tail(res.Stderr, 500))
		}

		res, err = deps.Agents.SendCommand(ctx, agentID, testCommand(), testerTimeout)
		if err != nil {
			return nil, err
		}

		summary := summarizeTests(res)
		if res.ExitCode == 0 {
			return graph.Update{
				graph.KeyTestResults:       summary,
				graph.KeyEngineeringStatus: v1.EngineeringStatusDone,
			}, nil
		}

		iterations := st.EngineeringIterations + 1
		update := graph.Update{
			graph.KeyTestResults:           summary,
			graph.KeyEngineeringIterations: iterations,
			graph.KeyReviewFeedback:        tail(res.Stdout+"\n"+res.Stderr, 2000),
		}
		if iterations >= MaxIterations {
			update[graph.KeyEngineeringStatus] = v1.EngineeringStatusBlocked
			update[graph.KeyNeedsHumanApproval] = true
		}
		return update, nil
	}
}

func routeAfterTester(st *graph.State) string {
	switch st.EngineeringStatus {
	case v1.EngineeringStatusDone, v1.EngineeringStatusBlocked:
		return graph.End
	}
	return nodeDeveloper
}

// handleFailure is the terminal sink for node errors: the run blocks with
// the error recorded so a human can pick it up.
func handleFailure(deps *Deps, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		log.Error("engineering run failed",
			zap.String("thread_id", st.ThreadID),
			zap.String("project_id", st.CurrentProject),
			zap.String("last_error", st.LastError))

		if agentID := st.AllocatedResources[resDevAgent]; agentID != "" {
			if err := deps.Agents.DeleteAgent(ctx, agentID); err != nil {
				log.Warn("failed to delete developer agent", zap.String("agent_id", agentID), zap.Error(err))
			}
		}

		return graph.Update{
			graph.KeyEngineeringStatus:  v1.EngineeringStatusBlocked,
			graph.KeyNeedsHumanApproval: true,
		}, nil
	}
}

// testCommand picks the test entrypoint by what the repository provides.
func testCommand() string {
	return "cd " + repoDir + " && " +
		"if [ -f Makefile ]; then make test; " +
		"elif [ -f package.json ]; then npm test; " +
		"elif [ -f pyproject.toml ] || [ -f pytest.ini ]; then python3 -m pytest; " +
		"else echo 'no test entrypoint' && exit 1; fi"
}

// summarizeTests extracts a short pass/fail line from the runner output.
func summarizeTests(res *v1.CommandResult) string {
	out := res.Stdout + "\n" + res.Stderr
	for _, line := range strings.Split(out, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "passed") || strings.Contains(lower, "failed") ||
			strings.Contains(lower, "passing") || strings.Contains(lower, "failing") {
			return strings.TrimSpace(line)
		}
	}
	if res.ExitCode == 0 {
		return "tests passed"
	}
	return fmt.Sprintf("tests failed with exit code %d", res.ExitCode)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func repoFullNameFromURL(repoURL string) string {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

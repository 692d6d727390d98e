package deploy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/platform/coreapi"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const (
	nodeFetchConfig   = "fetch_project_config"
	nodeEnvAnalyzer   = "env_analyzer"
	nodeSecretRes     = "secret_resolver"
	nodeReadiness     = "readiness_check"
	nodeDeployer      = "deployer"
	nodeVerify        = "verify_deployment"
	nodeHandleFailure = "handle_failure"
)

// Resource keys recorded under allocated_resources.
const (
	resServerHandle = "server_handle"
	resServerIP     = "server_ip"
	resPort         = "port"
	resService      = "service"
)

// defaultResultWait bounds the wait for the playbook runner's result.
const defaultResultWait = 15 * time.Minute

// NewGraph builds the deploy pipeline graph:
//
//	fetch_project_config -> env_analyzer -> secret_resolver ->
//	readiness_check -> {deployer | End} -> verify_deployment -> End
//
// with handle_failure as the sink for node errors.
func NewGraph(deps *Deps, store graph.CheckpointStore, log *logger.Logger) (*graph.Graph, error) {
	return graph.NewBuilder("deploy").
		AddNode(nodeFetchConfig, fetchProjectConfig(deps)).
		AddNode(nodeEnvAnalyzer, envAnalyzer(deps, log)).
		AddNode(nodeSecretRes, secretResolver(deps)).
		AddNode(nodeReadiness, readinessCheck()).
		AddNode(nodeDeployer, deployer(deps, log)).
		AddNode(nodeVerify, verifyDeployment(deps)).
		AddNode(nodeHandleFailure, handleFailure(deps, log)).
		SetEntry(nodeFetchConfig).
		AddEdge(nodeFetchConfig, nodeEnvAnalyzer).
		AddEdge(nodeEnvAnalyzer, nodeSecretRes).
		AddEdge(nodeSecretRes, nodeReadiness).
		AddConditionalEdge(nodeReadiness, routeAfterReadiness, nodeDeployer, graph.End).
		AddEdge(nodeDeployer, nodeVerify).
		AddEdge(nodeVerify, graph.End).
		AddEdge(nodeHandleFailure, graph.End).
		OnError(nodeFetchConfig, nodeHandleFailure).
		OnError(nodeEnvAnalyzer, nodeHandleFailure).
		OnError(nodeSecretRes, nodeHandleFailure).
		OnError(nodeDeployer, nodeHandleFailure).
		OnError(nodeVerify, nodeHandleFailure).
		Build(store, log)
}

// fetchProjectConfig loads the project record and its allocation, resolves
// the target server, and moves the project into deploying.
func fetchProjectConfig(deps *Deps) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		p, err := deps.API.GetProject(ctx, st.CurrentProject)
		if err != nil {
			return nil, err
		}
		if p.RepositoryURL == "" {
			return nil, fmt.Errorf("project %s has no repository", p.ID)
		}

		allocs, err := deps.API.ListAllocations(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if len(allocs) == 0 {
			return nil, fmt.Errorf("project %s has no port allocation", p.ID)
		}
		alloc := allocs[0]

		servers, err := deps.API.ListServers(ctx, true)
		if err != nil {
			return nil, err
		}
		var server *coreapi.Server
		for i := range servers {
			if servers[i].Handle == alloc.ServerHandle {
				server = &servers[i]
				break
			}
		}
		if server == nil {
			return nil, fmt.Errorf("allocated server %s not found", alloc.ServerHandle)
		}

		if err := deps.API.UpdateProjectStatus(ctx, p.ID, coreapi.StatusDeploying); err != nil {
			// Redelivered jobs find the project already deploying; that is
			// not a failure.
			if p.Status != coreapi.StatusDeploying {
				return nil, err
			}
		}

		now := time.Now().UTC()
		return graph.Update{
			graph.KeyProjectName:     p.Name,
			graph.KeyRepositoryURL:   p.RepositoryURL,
			graph.KeyDeployStatus:    v1.DeployStatusRunning,
			graph.KeyDeployStartedAt: &now,
			graph.KeyDeployProgress:  "fetched project configuration",
			graph.KeyAllocatedResources: map[string]string{
				resServerHandle: alloc.ServerHandle,
				resServerIP:     server.PublicIP,
				resPort:         strconv.Itoa(alloc.Port),
				resService:      alloc.ServiceName,
			},
			graph.KeyDeployLogs: []string{fmt.Sprintf("target %s:%d (%s)", alloc.ServerHandle, alloc.Port, server.PublicIP)},
		}, nil
	}
}

// secretResolver determines the source for every planned variable. User
// variables resolve from the stored project secrets; anything unresolved is
// recorded for the readiness check. No values are read here.
func secretResolver(deps *Deps) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		stored, err := deps.API.GetSecrets(ctx, st.CurrentProject)
		if err != nil {
			return nil, err
		}

		var missing []string
		for name, class := range st.EnvPlan {
			if class != v1.EnvClassUser {
				continue
			}
			if _, ok := stored[name]; !ok {
				missing = append(missing, name)
			}
		}
		sort.Strings(missing)

		return graph.Update{
			graph.KeyMissingUserSecrets: missing,
			graph.KeyDeployProgress:     "secret sources resolved",
		}, nil
	}
}

// readinessCheck turns unresolved user variables into a terminal
// failed_missing_secrets state.
func readinessCheck() graph.NodeFunc {
	return func(_ context.Context, st *graph.State) (graph.Update, error) {
		if len(st.MissingUserSecrets) == 0 {
			return graph.Update{graph.KeyDeployProgress: "ready to deploy"}, nil
		}
		now := time.Now().UTC()
		return graph.Update{
			graph.KeyDeployStatus:     v1.DeployStatusFailedMissingSecrets,
			graph.KeyDeployError:      "missing user secrets: " + strings.Join(st.MissingUserSecrets, ", "),
			graph.KeyDeployFinishedAt: &now,
		}, nil
	}
}

func routeAfterReadiness(st *graph.State) string {
	if st.DeployStatus == v1.DeployStatusFailedMissingSecrets {
		return graph.End
	}
	return nodeDeployer
}

// deployer materializes env values, hands the play to the runner, waits for
// the result, and uploads user secrets to the repository CI. Values exist
// only within this call.
func deployer(deps *Deps, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		envVars, err := materializeEnv(ctx, deps, st)
		if err != nil {
			return nil, err
		}

		port, _ := strconv.Atoi(st.AllocatedResources[resPort])
		req := &v1.DeployRequest{
			// The job id keys the result stream, so a redelivered job finds
			// the result of an earlier attempt instead of deploying twice.
			RequestID:    st.ThreadID,
			ProjectID:    st.CurrentProject,
			ProjectName:  st.ProjectName,
			RepoURL:      st.RepositoryURL,
			ServerHandle: st.AllocatedResources[resServerHandle],
			ServerIP:     st.AllocatedResources[resServerIP],
			Port:         port,
			EnvVars:      envVars,
			RequestedAt:  time.Now().UTC(),
		}
		if err := deps.Runner.RequestDeploy(ctx, req); err != nil {
			return nil, err
		}

		wait := deps.ResultWait
		if wait <= 0 {
			wait = defaultResultWait
		}
		result, err := deps.Runner.WaitResult(ctx, req.RequestID, wait)
		if err != nil {
			return nil, err
		}
		if !result.OK {
			return nil, fmt.Errorf("playbook run failed: %s", result.Error)
		}

		// CI gets the user-provided secrets so the repository's own pipeline
		// can run against the same environment.
		repoFullName := repoFullNameFromURL(st.RepositoryURL)
		if repoFullName != "" && deps.CI != nil {
			for name, class := range st.EnvPlan {
				if class != v1.EnvClassUser {
					continue
				}
				if err := deps.CI.UploadActionsSecret(ctx, repoFullName, name, envVars[name]); err != nil {
					log.Warn("failed to upload CI secret",
						zap.String("repo", repoFullName),
						zap.String("secret_name", name),
						zap.Error(err))
				}
			}
		}

		return graph.Update{
			graph.KeyDeployProgress: "playbook run finished",
			graph.KeyDeployLogs:     []string{"playbook run ok"},
		}, nil
	}
}

// verifyDeployment probes the service endpoint until it answers or the probe
// budget runs out.
func verifyDeployment(deps *Deps) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		url := fmt.Sprintf("http://%s:%s", st.AllocatedResources[resServerIP], st.AllocatedResources[resPort])
		if err := deps.Prober.Probe(ctx, url); err != nil {
			return nil, fmt.Errorf("deployed service not responding at %s: %w", url, err)
		}

		if err := deps.API.UpdateProjectStatus(ctx, st.CurrentProject, coreapi.StatusActive); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		return graph.Update{
			graph.KeyDeployStatus:     v1.DeployStatusSuccess,
			graph.KeyDeployedURL:      url,
			graph.KeyDeployProgress:   "verified",
			graph.KeyDeployFinishedAt: &now,
		}, nil
	}
}

// handleFailure is the terminal sink: it records the failure so the
// checkpoint is in a terminal state before the worker acks the job.
func handleFailure(deps *Deps, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		log.Error("deploy failed",
			zap.String("thread_id", st.ThreadID),
			zap.String("project_id", st.CurrentProject),
			zap.String("last_error", st.LastError))

		if err := deps.API.UpdateProjectStatus(ctx, st.CurrentProject, coreapi.StatusError); err != nil {
			log.Warn("failed to mark project errored", zap.Error(err))
		}

		now := time.Now().UTC()
		return graph.Update{
			graph.KeyDeployStatus:     v1.DeployStatusFailed,
			graph.KeyDeployError:      st.LastError,
			graph.KeyDeployFinishedAt: &now,
		}, nil
	}
}

// repoFullNameFromURL extracts "org/name" from an HTTPS repository URL.
func repoFullNameFromURL(repoURL string) string {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

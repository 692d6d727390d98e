// Package deploy implements the asynchronous deploy pipeline: a checkpointed
// graph that analyzes the project's environment contract, resolves secret
// sources, hands the play to the external playbook runner and verifies the
// deployed service. Secret values are materialized only inside the deployer
// node and never enter checkpointed state.
package deploy

import (
	"context"
	"time"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/platform/coreapi"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// CoreAPI is the CRUD surface the pipeline reads project facts from.
type CoreAPI interface {
	GetProject(ctx context.Context, projectID string) (*coreapi.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status coreapi.ProjectStatus) error
	ListServers(ctx context.Context, managedOnly bool) ([]coreapi.Server, error)
	ListAllocations(ctx context.Context, projectID string) ([]coreapi.Allocation, error)
	GetSecrets(ctx context.Context, projectID string) (map[string]string, error)
}

// RepoFiles reads files from the project repository.
type RepoFiles interface {
	GetFileContent(ctx context.Context, repoFullName, path string) (string, error)
}

// CISecrets uploads sealed secrets to the repository's CI.
type CISecrets interface {
	UploadActionsSecret(ctx context.Context, repoFullName, name, value string) error
}

// Runner submits plays to the external playbook runner and awaits results.
type Runner interface {
	RequestDeploy(ctx context.Context, req *v1.DeployRequest) error
	WaitResult(ctx context.Context, requestID string, timeout time.Duration) (*v1.DeployResult, error)
}

// Prober checks the deployed service endpoint.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// Deps carries the external surfaces the pipeline nodes use.
type Deps struct {
	API        CoreAPI
	Repo       RepoFiles
	CI         CISecrets
	Runner     Runner
	Prober     Prober
	LLM        llm.Client
	ResultWait time.Duration
	Logger     *logger.Logger
}

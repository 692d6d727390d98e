// The pipeline worker drains the deploy and engineering job queues: each job
// drives its checkpointed pipeline graph against the CRUD API, the repository
// host, the playbook runner and the agent control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/botforge/botforge/internal/agent/control"
	"github.com/botforge/botforge/internal/common/config"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/common/retry"
	"github.com/botforge/botforge/internal/events/bus"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/jobs"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/pipeline/deploy"
	"github.com/botforge/botforge/internal/pipeline/engineering"
	"github.com/botforge/botforge/internal/platform/ansible"
	"github.com/botforge/botforge/internal/platform/coreapi"
	"github.com/botforge/botforge/internal/platform/githubapp"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const (
	exitConfigError = 1
	exitDependency  = 2
)

func main() {
	cfg, err := config.Load(config.RoleWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting pipeline worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("invalid redis URL", zap.Error(err))
		os.Exit(exitConfigError)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unreachable", zap.Error(err))
		os.Exit(exitDependency)
	}

	model, err := llm.NewAnthropicClientFromConfig(cfg.LLM)
	if err != nil {
		log.Error("failed to initialize model client", zap.Error(err))
		os.Exit(exitDependency)
	}
	llmClient := llm.WithRetry(model, retry.Default())

	github, err := githubapp.NewClient(cfg.GitHub, log)
	if err != nil {
		log.Error("failed to initialize github app client", zap.Error(err))
		os.Exit(exitConfigError)
	}

	eventBus := bus.NewRedisEventBus(rdb, log)
	defer eventBus.Close()

	coreAPI := coreapi.NewClient(cfg.API, log)
	runner := ansible.NewClient(rdb, log)
	checkpoints := graph.NewRedisCheckpointStore(rdb, 0)
	dispatcher := jobs.NewDispatcher(rdb, cfg.Jobs.DeploysPerUser, eventBus, log)

	agentControl := control.NewClient(rdb, log)
	agentControl.Start(ctx)
	defer agentControl.Stop()

	deployGraph, err := deploy.NewGraph(&deploy.Deps{
		API:        coreAPI,
		Repo:       github,
		CI:         github,
		Runner:     runner,
		Prober:     deploy.NewHTTPProber(),
		LLM:        llmClient,
		ResultWait: time.Duration(cfg.Jobs.DeployResultWaitMs) * time.Millisecond,
		Logger:     log,
	}, checkpoints, log)
	if err != nil {
		log.Error("failed to build deploy graph", zap.Error(err))
		os.Exit(exitConfigError)
	}

	engineeringGraph, err := engineering.NewGraph(&engineering.Deps{
		API:    coreAPI,
		Repo:   github,
		Agents: agentControl,
		LLM:    llmClient,
		Logger: log,
	}, checkpoints, log)
	if err != nil {
		log.Error("failed to build engineering graph", zap.Error(err))
		os.Exit(exitConfigError)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pipeline-worker"
	}
	workerOpts := jobs.WorkerOptions{
		VisibilityTimeout: cfg.Jobs.VisibilityTimeoutDuration(),
		BlockTimeout:      time.Duration(cfg.Jobs.BlockSeconds) * time.Second,
	}

	workers := []*jobs.Worker{
		jobs.NewWorker(rdb, v1.JobKindDeploy,
			deploy.NewHandler(deployGraph, checkpoints, dispatcher, eventBus, log),
			hostname, workerOpts, log),
		jobs.NewWorker(rdb, v1.JobKindEngineering,
			engineering.NewHandler(engineeringGraph, checkpoints, eventBus, log),
			hostname, workerOpts, log),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		group.Go(func() error {
			if err := w.Run(groupCtx); err != nil && groupCtx.Err() == nil {
				log.Error("worker stopped", zap.Error(err))
				return err
			}
			return nil
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-groupCtx.Done():
	}

	log.Info("shutting down pipeline worker")
	cancel()
	_ = group.Wait()

	log.Info("pipeline worker stopped")
}

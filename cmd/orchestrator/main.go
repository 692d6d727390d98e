// The orchestrator consumes incoming chat messages, drives the coordinator
// graph for each user thread, enqueues pipeline jobs and serves the
// read-only status API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/agent/control"
	"github.com/botforge/botforge/internal/chat"
	"github.com/botforge/botforge/internal/common/config"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/common/retry"
	"github.com/botforge/botforge/internal/coordinator"
	"github.com/botforge/botforge/internal/events/bus"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/jobs"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/orchestrator"
	"github.com/botforge/botforge/internal/orchestrator/api"
	"github.com/botforge/botforge/internal/platform/coreapi"
	"github.com/botforge/botforge/internal/platform/knowledge"
	"github.com/botforge/botforge/internal/session"
	"github.com/botforge/botforge/internal/tools"
)

const (
	exitConfigError = 1
	exitDependency  = 2
)

func main() {
	cfg, err := config.Load(config.RoleOrchestrator)
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

	log.Info("starting orchestrator")

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

	eventBus := bus.NewRedisEventBus(rdb, log)
	defer eventBus.Close()

	coreAPI := coreapi.NewClient(cfg.API, log)
	knowledgeClient := knowledge.NewClient(cfg.Knowledge, log)

	checkpoints := graph.NewRedisCheckpointStore(rdb, 0)
	sessionStore := session.NewRedisStore(rdb)
	sessions := session.NewCoordinator(sessionStore, cfg.Session.TTL(), eventBus, log)

	dispatcher := jobs.NewDispatcher(rdb, cfg.Jobs.DeploysPerUser, eventBus, log)
	chatPublisher := chat.NewPublisher(rdb, log)

	agentControl := control.NewClient(rdb, log)
	agentControl.Start(ctx)
	defer agentControl.Stop()

	registry := tools.NewRegistry(&tools.Deps{
		API:         coreAPI,
		Jobs:        dispatcher,
		Checkpoints: checkpoints,
		Chat:        chatPublisher,
		Knowledge:   knowledgeClient,
		Agents:      agentControl,
		Logger:      log,
	})

	coordinatorGraph, err := coordinator.NewGraph(llmClient, registry, checkpoints, log)
	if err != nil {
		log.Error("failed to build coordinator graph", zap.Error(err))
		os.Exit(exitConfigError)
	}

	svc := orchestrator.NewService(sessions, coordinatorGraph, checkpoints, chatPublisher, log)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "orchestrator"
	}
	reader := chat.NewReader(rdb, svc.HandleMessage, hostname, chat.ReaderOptions{
		BlockTimeout: time.Duration(cfg.Jobs.BlockSeconds) * time.Second,
	}, log)
	go func() {
		if err := reader.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("chat reader stopped", zap.Error(err))
			cancel()
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(sessions, checkpoints, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down orchestrator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("orchestrator stopped")
}

// The agent manager runs sandboxed agent containers: it serves the
// container lifecycle over HTTP and executes control-plane commands
// arriving on the Redis command stream.
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

	"github.com/botforge/botforge/internal/agent/api"
	"github.com/botforge/botforge/internal/agent/control"
	"github.com/botforge/botforge/internal/agent/credentials"
	"github.com/botforge/botforge/internal/agent/docker"
	"github.com/botforge/botforge/internal/agent/lifecycle"
	"github.com/botforge/botforge/internal/agent/registry"
	"github.com/botforge/botforge/internal/agent/sessions"
	"github.com/botforge/botforge/internal/common/config"
	"github.com/botforge/botforge/internal/common/httpmw"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/events/bus"
)

const (
	exitConfigError = 1
	exitDependency  = 2
)

func main() {
	cfg, err := config.Load(config.RoleAgentManager)
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

	log.Info("starting agent manager")

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

	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Error("failed to initialize docker client", zap.Error(err))
		os.Exit(exitDependency)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", zap.Error(err))
		os.Exit(exitDependency)
	}
	log.Info("connected to docker daemon")

	reg := registry.NewRegistry()
	reg.LoadDefaults()
	log.Info("loaded agent registry", zap.Int("agent_types", len(reg.List())))

	creds := credentials.NewResolver(credentials.NewEnvProvider("BOTFORGE_"))
	sessionStore := sessions.NewRedisStore(rdb)
	eventBus := bus.NewRedisEventBus(rdb, log)
	defer eventBus.Close()

	mgr := lifecycle.NewManager(dockerClient, reg, sessionStore, creds, eventBus, lifecycle.Options{
		MaxConcurrent:  cfg.Agents.MaxConcurrent,
		DefaultNetwork: cfg.Docker.DefaultNetwork,
	}, log)
	if err := mgr.Start(ctx); err != nil {
		log.Error("failed to start lifecycle manager", zap.Error(err))
		os.Exit(exitDependency)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "agent-manager"
	}
	controlServer := control.NewServer(rdb, mgr, hostname, log)
	go func() {
		if err := controlServer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("control server stopped", zap.Error(err))
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.OtelTracing("agent-manager"))
	router.Use(httpmw.RequestLogger(log))

	handler := api.NewHandler(mgr, log)
	router.GET("/health", handler.HealthCheck)
	api.SetupRoutes(router.Group("/api/v1"), mgr, log)

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

	log.Info("shutting down agent manager")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := mgr.Stop(); err != nil {
		log.Error("lifecycle manager stop error", zap.Error(err))
	}

	log.Info("agent manager stopped")
}

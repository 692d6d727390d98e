// Package lifecycle manages agent sandbox containers: creation with cached
// capability images, message exchange through agent factories, pause/resume
// idling, and TTL-based cleanup.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/agent/credentials"
	"github.com/botforge/botforge/internal/agent/docker"
	"github.com/botforge/botforge/internal/agent/registry"
	"github.com/botforge/botforge/internal/agent/sessions"
	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/events"
	"github.com/botforge/botforge/internal/events/bus"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const (
	defaultTTLHours       = 2
	defaultMessageTimeout = 120 * time.Second
	reapInterval          = 30 * time.Second
)

// dockerAPI is the subset of the Docker wrapper the manager uses. Tests
// substitute a fake.
type dockerAPI interface {
	ImageExists(ctx context.Context, tag string) (bool, error)
	BuildImage(ctx context.Context, tag string, dockerfile string) error
	EnsureNetwork(ctx context.Context, name string) (string, error)
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	PauseContainer(ctx context.Context, containerID string) error
	UnpauseContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	ExecCommand(ctx context.Context, containerID string, cmd []string, env []string, workingDir string) (*docker.ExecResult, error)
	CopyFileToContainer(ctx context.Context, containerID, path string, content []byte) error
	GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)
}

// Instance is one managed agent container.
type Instance struct {
	ID            string
	AgentType     string
	ContainerID   string
	ContainerName string
	Config        *v1.ContainerConfig
	State         v1.AgentState
	ImageName     string
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	ErrorMessage  string
}

// Options tunes the manager.
type Options struct {
	MaxConcurrent  int
	DefaultNetwork string
	WorkingDir     string
}

// Manager owns agent container lifecycles.
type Manager struct {
	docker   dockerAPI
	registry *registry.Registry
	sessions sessions.Store
	creds    *credentials.Resolver
	eventBus bus.EventBus
	logger   *logger.Logger
	opts     Options

	gate *launchGate

	instances map[string]*Instance // by agent ID
	mu        sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(
	dockerClient dockerAPI,
	reg *registry.Registry,
	sessionStore sessions.Store,
	creds *credentials.Resolver,
	eventBus bus.EventBus,
	opts Options,
	log *logger.Logger,
) *Manager {
	if opts.DefaultNetwork == "" {
		opts.DefaultNetwork = "botforge-agents"
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = "/workspace"
	}
	return &Manager{
		docker:    dockerClient,
		registry:  reg,
		sessions:  sessionStore,
		creds:     creds,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "lifecycle-manager")),
		opts:      opts,
		gate:      newLaunchGate(opts.MaxConcurrent),
		instances: make(map[string]*Instance),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the TTL reaper loop.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("starting lifecycle manager",
		zap.Int("max_concurrent", m.opts.MaxConcurrent))

	m.wg.Add(1)
	go m.reapLoop(ctx)
	return nil
}

// Stop stops background work. Running containers are left in place; they are
// re-adopted or reaped on the next start.
func (m *Manager) Stop() error {
	m.logger.Info("stopping lifecycle manager")
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

// Create validates the config, builds or reuses the capability image, starts
// the container and leaves it paused in the idle state. Blocks in the launch
// queue while max_concurrent sandboxes are running.
func (m *Manager) Create(ctx context.Context, cfg *v1.ContainerConfig) (*Instance, error) {
	if err := m.registry.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	factory, err := m.registry.Factory(cfg.Agent)
	if err != nil {
		return nil, err
	}

	if err := m.gate.Acquire(ctx, 0); err != nil {
		return nil, err
	}
	inst, err := m.create(ctx, cfg, factory)
	if err != nil {
		m.gate.Release()
		return nil, err
	}
	return inst, nil
}

func (m *Manager) create(ctx context.Context, cfg *v1.ContainerConfig, factory registry.Factory) (*Instance, error) {
	agentID := uuid.New().String()
	log := m.logger.WithFields(
		zap.String("agent_id", agentID),
		zap.String("agent_type", cfg.Agent))

	log.Info("creating agent container",
		zap.Strings("capabilities", cfg.Capabilities),
		zap.Bool("has_internet", cfg.Internet()))

	imageTag := registry.ImageTag(cfg.Agent, cfg.Capabilities)
	if err := m.ensureImage(ctx, factory, cfg.Capabilities, imageTag); err != nil {
		return nil, err
	}

	networkMode := "none"
	if cfg.Internet() {
		name, err := m.docker.EnsureNetwork(ctx, m.opts.DefaultNetwork)
		if err != nil {
			return nil, err
		}
		networkMode = name
	}

	env, err := m.buildEnv(ctx, factory, cfg)
	if err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("botforge-agent-%s", agentID[:8])
	containerID, err := m.docker.CreateContainer(ctx, docker.ContainerConfig{
		Name:  containerName,
		Image: imageTag,
		// The container idles; all work happens through exec.
		Cmd:         []string{"sleep", "infinity"},
		Env:         env,
		WorkingDir:  m.opts.WorkingDir,
		NetworkMode: networkMode,
		Labels: map[string]string{
			"botforge.managed":    "true",
			"botforge.agent_id":   agentID,
			"botforge.agent_type": cfg.Agent,
		},
		AutoRemove: false, // We manage cleanup ourselves
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		_ = m.docker.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	if err := m.writeInstructionFiles(ctx, containerID, cfg); err != nil {
		_ = m.docker.RemoveContainer(ctx, containerID, true)
		return nil, err
	}

	if err := m.docker.PauseContainer(ctx, containerID); err != nil {
		log.Warn("failed to pause fresh container", zap.Error(err))
	}

	now := time.Now()
	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if cfg.TTLHours <= 0 {
		ttl = defaultTTLHours * time.Hour
	}

	inst := &Instance{
		ID:            agentID,
		AgentType:     cfg.Agent,
		ContainerID:   containerID,
		ContainerName: containerName,
		Config:        cfg,
		State:         v1.AgentStateIdle,
		ImageName:     imageTag,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(ttl),
	}

	m.mu.Lock()
	m.instances[agentID] = inst
	m.mu.Unlock()

	m.publishEvent(ctx, events.AgentCreated, inst)
	log.Info("agent container ready",
		zap.String("container_id", containerID),
		zap.String("image", imageTag),
		zap.Time("expires_at", inst.ExpiresAt))

	return inst, nil
}

// ensureImage builds the capability image once per (agent type, capability
// set) and reuses it afterwards.
func (m *Manager) ensureImage(ctx context.Context, factory registry.Factory, caps []string, tag string) error {
	exists, err := m.docker.ImageExists(ctx, tag)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	dockerfile, err := m.generateDockerfile(factory, caps)
	if err != nil {
		return err
	}
	return m.docker.BuildImage(ctx, tag, dockerfile)
}

// generateDockerfile produces the build recipe: base image, capability
// packages not already in the base, then the agent CLI install.
func (m *Manager) generateDockerfile(factory registry.Factory, caps []string) (string, error) {
	preinstalled := make(map[string]bool)
	for _, name := range factory.PreinstalledCapabilities() {
		preinstalled[name] = true
	}

	var packages []string
	sorted := append([]string{}, caps...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if preinstalled[name] {
			continue
		}
		c, err := m.registry.Capability(name)
		if err != nil {
			return "", err
		}
		packages = append(packages, c.Packages...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", factory.BaseImage())
	if len(packages) > 0 {
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(packages, " "))
	}
	for _, cmd := range factory.InstallCommands() {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	fmt.Fprintf(&b, "WORKDIR %s\n", m.opts.WorkingDir)
	return b.String(), nil
}

// buildEnv merges resolved agent credentials with the config's env vars.
// Values are never logged.
func (m *Manager) buildEnv(ctx context.Context, factory registry.Factory, cfg *v1.ContainerConfig) ([]string, error) {
	resolved, err := m.creds.ResolveEnv(ctx, factory.RequiredEnv())
	if err != nil {
		return nil, apperrors.InvalidConfig(err.Error())
	}

	merged := make(map[string]string, len(resolved)+len(cfg.EnvVars))
	for k, v := range resolved {
		merged[k] = v
	}
	// Request env vars override resolved defaults
	for k, v := range cfg.EnvVars {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env, nil
}

func (m *Manager) writeInstructionFiles(ctx context.Context, containerID string, cfg *v1.ContainerConfig) error {
	files, err := m.registry.InstructionFiles(cfg)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if _, err := m.docker.ExecCommand(ctx, containerID,
		[]string{"mkdir", "-p", m.opts.WorkingDir + "/.botforge/skills"}, nil, ""); err != nil {
		return fmt.Errorf("failed to prepare instruction directory: %w", err)
	}
	for _, f := range files {
		if err := m.docker.CopyFileToContainer(ctx, containerID, f.Path, []byte(f.Content)); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage unpauses the container, runs one message exchange through the
// agent factory and pauses it again. Session context is loaded before and
// persisted after the call so conversations survive pauses and restarts.
func (m *Manager) SendMessage(ctx context.Context, agentID, text string, timeout time.Duration) (*v1.MessageResult, error) {
	inst, err := m.instance(agentID)
	if err != nil {
		return nil, err
	}
	factory, err := m.registry.Factory(inst.AgentType)
	if err != nil {
		return nil, err
	}

	if err := m.resume(ctx, inst); err != nil {
		return nil, err
	}
	defer m.idle(ctx, inst)

	var sess *v1.SessionContext
	if factory.SupportsSessions() {
		sess, err = m.sessions.Load(ctx, agentID)
		if err != nil {
			m.logger.Warn("failed to load session context",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	cmd := factory.BuildMessageCommand(text, sess)
	result, err := m.exec(ctx, inst, cmd, m.resolveTimeout(inst, timeout))
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		m.setError(inst, result.Stderr)
		return nil, apperrors.AgentError(fmt.Sprintf("agent exited with code %d", result.ExitCode))
	}

	reply, newSess, err := factory.ParseResponse(result.Stdout)
	if err != nil {
		m.setError(inst, err.Error())
		return nil, apperrors.AgentError(err.Error())
	}

	if factory.SupportsSessions() && newSess != nil {
		ttl := time.Until(inst.ExpiresAt)
		if ttl > 0 {
			if err := m.sessions.Save(ctx, agentID, newSess, ttl); err != nil {
				m.logger.Warn("failed to persist session context",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}

	return &v1.MessageResult{
		Response: reply,
		Metadata: map[string]interface{}{
			"agent_type": inst.AgentType,
			"session":    newSess != nil && newSess.SessionID != "",
		},
	}, nil
}

// SendCommand runs a raw command in the container without factory mediation.
func (m *Manager) SendCommand(ctx context.Context, agentID string, cmd []string, timeout time.Duration) (*v1.CommandResult, error) {
	inst, err := m.instance(agentID)
	if err != nil {
		return nil, err
	}

	if err := m.resume(ctx, inst); err != nil {
		return nil, err
	}
	defer m.idle(ctx, inst)

	result, err := m.exec(ctx, inst, cmd, m.resolveTimeout(inst, timeout))
	if err != nil {
		return nil, err
	}
	return &v1.CommandResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	}, nil
}

// SendFile writes a file into the container. Works on paused containers; the
// filesystem is reachable even while processes are frozen.
func (m *Manager) SendFile(ctx context.Context, agentID, path string, content []byte) error {
	inst, err := m.instance(agentID)
	if err != nil {
		return err
	}
	if err := m.docker.CopyFileToContainer(ctx, inst.ContainerID, path, content); err != nil {
		return err
	}
	m.touch(inst)
	return nil
}

// Status returns the current view of an agent.
func (m *Manager) Status(ctx context.Context, agentID string) (*v1.AgentInfo, error) {
	inst, err := m.instance(agentID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info(inst), nil
}

// Logs returns the last lines of the container's output.
func (m *Manager) Logs(ctx context.Context, agentID string, tail string) (string, error) {
	inst, err := m.instance(agentID)
	if err != nil {
		return "", err
	}
	reader, err := m.docker.GetContainerLogs(ctx, inst.ContainerID, false, tail)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return string(data), nil
}

// Pause freezes an agent explicitly.
func (m *Manager) Pause(ctx context.Context, agentID string) error {
	inst, err := m.instance(agentID)
	if err != nil {
		return err
	}
	m.idle(ctx, inst)
	return nil
}

// Resume unfreezes an agent explicitly.
func (m *Manager) Resume(ctx context.Context, agentID string) error {
	inst, err := m.instance(agentID)
	if err != nil {
		return err
	}
	return m.resume(ctx, inst)
}

// Delete removes the container, its session context and the tracking entry,
// freeing a launch slot.
func (m *Manager) Delete(ctx context.Context, agentID string) error {
	inst, err := m.instance(agentID)
	if err != nil {
		return err
	}

	m.logger.Info("deleting agent container",
		zap.String("agent_id", agentID),
		zap.String("container_id", inst.ContainerID))

	if err := m.docker.RemoveContainer(ctx, inst.ContainerID, true); err != nil {
		m.logger.Warn("failed to remove container",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	if err := m.sessions.Delete(ctx, agentID); err != nil {
		m.logger.Warn("failed to delete session context",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	m.mu.Lock()
	inst.State = v1.AgentStateDeleted
	delete(m.instances, agentID)
	m.mu.Unlock()

	m.gate.Release()
	m.publishEvent(ctx, events.AgentDeleted, inst)
	return nil
}

// List returns info for all tracked agents, sorted by creation time.
func (m *Manager) List() []*v1.AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*v1.AgentInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, m.info(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Types returns the registered agent type descriptions.
func (m *Manager) Types() []v1.AgentTypeInfo {
	return m.registry.List()
}

func (m *Manager) instance(agentID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return inst, nil
}

// info requires m.mu held for reading.
func (m *Manager) info(inst *Instance) *v1.AgentInfo {
	return &v1.AgentInfo{
		ID:            inst.ID,
		AgentType:     inst.AgentType,
		ContainerID:   inst.ContainerID,
		ContainerName: inst.ContainerName,
		State:         inst.State,
		Capabilities:  inst.Config.Capabilities,
		ImageName:     inst.ImageName,
		CreatedAt:     inst.CreatedAt,
		LastActivity:  inst.LastActivity,
		ExpiresAt:     inst.ExpiresAt,
		ErrorMessage:  inst.ErrorMessage,
	}
}

// resolveTimeout applies the per-call timeout precedence: explicit caller
// value, then the container's timeout_minutes, then the 120 s default.
func (m *Manager) resolveTimeout(inst *Instance, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if inst.Config.TimeoutMinutes > 0 {
		return time.Duration(inst.Config.TimeoutMinutes) * time.Minute
	}
	return defaultMessageTimeout
}

func (m *Manager) exec(ctx context.Context, inst *Instance, cmd []string, timeout time.Duration) (*docker.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := m.docker.ExecCommand(execCtx, inst.ContainerID, cmd, nil, m.opts.WorkingDir)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Timeout("agent command")
		}
		return nil, err
	}
	m.touch(inst)
	return result, nil
}

func (m *Manager) resume(ctx context.Context, inst *Instance) error {
	info, err := m.docker.GetContainerInfo(ctx, inst.ContainerID)
	if err != nil {
		return err
	}
	if info.State == "paused" {
		if err := m.docker.UnpauseContainer(ctx, inst.ContainerID); err != nil {
			return err
		}
	}
	m.setState(ctx, inst, v1.AgentStateRunning, events.AgentRunning)
	return nil
}

func (m *Manager) idle(ctx context.Context, inst *Instance) {
	if err := m.docker.PauseContainer(ctx, inst.ContainerID); err != nil {
		m.logger.Warn("failed to pause container",
			zap.String("agent_id", inst.ID), zap.Error(err))
	}
	m.setState(ctx, inst, v1.AgentStateIdle, events.AgentIdle)
}

func (m *Manager) setState(ctx context.Context, inst *Instance, state v1.AgentState, eventType string) {
	m.mu.Lock()
	changed := inst.State != state
	inst.State = state
	m.mu.Unlock()
	if changed {
		m.publishEvent(ctx, eventType, inst)
	}
}

func (m *Manager) setError(inst *Instance, msg string) {
	m.mu.Lock()
	inst.State = v1.AgentStateError
	inst.ErrorMessage = msg
	m.mu.Unlock()
	m.publishEvent(context.Background(), events.AgentError, inst)
}

func (m *Manager) touch(inst *Instance) {
	m.mu.Lock()
	inst.LastActivity = time.Now()
	m.mu.Unlock()
}

// publishEvent publishes an agent lifecycle event. Event payloads carry
// identifiers and states only, never env vars.
func (m *Manager) publishEvent(ctx context.Context, eventType string, inst *Instance) {
	if m.eventBus == nil {
		return
	}

	event := bus.NewEvent(eventType, "agent-manager", map[string]interface{}{
		"agent_id":     inst.ID,
		"agent_type":   inst.AgentType,
		"container_id": inst.ContainerID,
		"state":        string(inst.State),
		"expires_at":   inst.ExpiresAt,
	})

	if err := m.eventBus.Publish(ctx, events.BuildAgentSubject(eventType, inst.ID), event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("agent_id", inst.ID),
			zap.Error(err))
	}
}

// reapLoop deletes expired containers and their session contexts.
func (m *Manager) reapLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("reap loop stopped (context cancelled)")
			return
		case <-m.stopCh:
			m.logger.Info("reap loop stopped")
			return
		case <-ticker.C:
			m.reapExpired(ctx)
		}
	}
}

func (m *Manager) reapExpired(ctx context.Context) {
	now := time.Now()

	m.mu.RLock()
	var expired []string
	for id, inst := range m.instances {
		if now.After(inst.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info("reaping expired agent", zap.String("agent_id", id))
		if err := m.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to reap agent",
				zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// Package config provides configuration management for botforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Role identifies which binary is validating its configuration. Required
// variables differ per service: the agent manager talks to Docker and Redis
// only, while the orchestrator and pipeline worker also need the CRUD API
// and LLM credentials.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleAgentManager Role = "agent-manager"
	RoleWorker       Role = "pipeline-worker"
)

// Config holds all configuration sections for botforge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	LLM       LLMConfig       `mapstructure:"llm"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Session   SessionConfig   `mapstructure:"session"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RedisConfig holds the Redis connection configuration. The URL carries
// every durable concern of the core: session locks, thread sequences,
// checkpoints, job streams and the container control plane.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// APIConfig holds the external CRUD service configuration.
type APIConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	Token   string `mapstructure:"token"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// LLMConfig holds model client configuration.
type LLMConfig struct {
	APIKey      string  `mapstructure:"apiKey"`
	Model       string  `mapstructure:"model"`
	SmallModel  string  `mapstructure:"smallModel"`
	MaxTokens   int     `mapstructure:"maxTokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// GitHubConfig holds the repository-host app credentials used for repo
// creation and encrypted CI secret upload.
type GitHubConfig struct {
	AppID          int64  `mapstructure:"appId"`
	InstallationID int64  `mapstructure:"installationId"`
	PrivateKey     string `mapstructure:"privateKey"` // PEM content or path to a PEM file
	Org            string `mapstructure:"org"`
	BaseURL        string `mapstructure:"baseUrl"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// AgentsConfig holds sandbox manager configuration.
type AgentsConfig struct {
	DefaultType   string `mapstructure:"defaultType"`
	MaxConcurrent int    `mapstructure:"maxConcurrent"`
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
}

// SessionConfig holds the per-user session lock configuration.
type SessionConfig struct {
	TTLMinutes int `mapstructure:"ttlMinutes"`
}

// JobsConfig holds consumer-group worker configuration.
type JobsConfig struct {
	VisibilityTimeout  int `mapstructure:"visibilityTimeout"` // in seconds
	BlockSeconds       int `mapstructure:"blockSeconds"`
	DeploysPerUser     int `mapstructure:"deploysPerUser"`
	DeployResultWaitMs int `mapstructure:"deployResultWaitMs"`
}

// KnowledgeConfig holds the RAG search service configuration. The service is
// optional; scopes backed by it return empty results when no base URL is set.
type KnowledgeConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the CRUD client timeout as a time.Duration.
func (a *APIConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// TTL returns the session lock TTL as a time.Duration.
func (s *SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// VisibilityTimeoutDuration returns the job visibility timeout as a time.Duration.
func (j *JobsConfig) VisibilityTimeoutDuration() time.Duration {
	return time.Duration(j.VisibilityTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("BOTFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
// Required values (Redis URL, CRUD base URL, credentials) deliberately have
// no defaults: a missing value fails validation instead of silently pointing
// at a guessed endpoint.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// CRUD client defaults
	v.SetDefault("api.timeout", 15)

	// LLM defaults: model identifiers only; the API key has no default.
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.smallModel", "claude-3-5-haiku-latest")
	v.SetDefault("llm.maxTokens", 4096)
	v.SetDefault("llm.temperature", 0.2)

	// GitHub defaults
	v.SetDefault("github.baseUrl", "https://api.github.com")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "botforge-agents")

	// Sandbox defaults
	v.SetDefault("agents.defaultType", "claude")
	v.SetDefault("agents.maxConcurrent", 10)
	v.SetDefault("agents.workspaceRoot", "/var/lib/botforge/workspaces")

	// Session lock defaults
	v.SetDefault("session.ttlMinutes", 30)

	// Job queue defaults
	v.SetDefault("jobs.visibilityTimeout", 300)
	v.SetDefault("jobs.blockSeconds", 5)
	v.SetDefault("jobs.deploysPerUser", 1)
	v.SetDefault("jobs.deployResultWaitMs", 600000)

	// Knowledge service is optional
	v.SetDefault("knowledge.baseUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BOTFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/botforge/.
func Load(role Role) (*Config, error) {
	return LoadWithPath("", role)
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string, role Role) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BOTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the conventional variable names services are
	// deployed with. AutomaticEnv does not handle camelCase to SNAKE_CASE
	// conversion, and the well-known names carry no BOTFORGE prefix.
	_ = v.BindEnv("redis.url", "REDIS_URL", "BOTFORGE_REDIS_URL")
	_ = v.BindEnv("api.baseUrl", "CORE_API_URL", "BOTFORGE_API_BASE_URL")
	_ = v.BindEnv("api.token", "CORE_API_TOKEN", "BOTFORGE_API_TOKEN")
	_ = v.BindEnv("llm.apiKey", "ANTHROPIC_API_KEY", "BOTFORGE_LLM_API_KEY")
	_ = v.BindEnv("llm.model", "BOTFORGE_LLM_MODEL")
	_ = v.BindEnv("llm.smallModel", "BOTFORGE_LLM_SMALL_MODEL")
	_ = v.BindEnv("github.appId", "GITHUB_APP_ID")
	_ = v.BindEnv("github.installationId", "GITHUB_INSTALLATION_ID")
	_ = v.BindEnv("github.privateKey", "GITHUB_APP_PRIVATE_KEY")
	_ = v.BindEnv("github.org", "GITHUB_ORG")
	_ = v.BindEnv("docker.host", "DOCKER_HOST", "BOTFORGE_DOCKER_HOST")
	_ = v.BindEnv("knowledge.baseUrl", "KNOWLEDGE_API_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "BOTFORGE_LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT", "BOTFORGE_LOGGING_FORMAT")
	_ = v.BindEnv("agents.workspaceRoot", "BOTFORGE_AGENTS_WORKSPACE_ROOT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/botforge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg, role); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that every variable the given role requires is present.
func validate(cfg *Config, role Role) error {
	var missing []string

	if cfg.Redis.URL == "" {
		missing = append(missing, "REDIS_URL")
	}

	switch role {
	case RoleOrchestrator, RoleWorker:
		if cfg.API.BaseURL == "" {
			missing = append(missing, "CORE_API_URL")
		}
		if cfg.LLM.APIKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
	case RoleAgentManager:
		// Docker reachability is verified at startup via Ping, not here.
	}

	if role == RoleWorker {
		if cfg.GitHub.AppID == 0 {
			missing = append(missing, "GITHUB_APP_ID")
		}
		if cfg.GitHub.PrivateKey == "" {
			missing = append(missing, "GITHUB_APP_PRIVATE_KEY")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

package deploy

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const envExamplePath = ".env.example"

const analyzerSystem = `You classify environment variables for an automated deploy.
For each variable name decide who provides its value:
- "infra": generated secrets and internal datastore URLs the platform creates itself
  (SECRET_KEY, DATABASE_URL, REDIS_URL, signing keys, random tokens).
- "computed": values derived from deployment context (PORT, HOST, BASE_URL, APP_NAME).
- "user": external credentials only a human can supply (third-party API keys, OAuth
  client secrets, SMTP passwords).
When in doubt choose "user".
Respond with a single JSON object mapping every name to its class, nothing else.`

// envAnalyzer reads the repository's env contract and classifies each
// variable. Only names and classes enter state.
func envAnalyzer(deps *Deps, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		repoFullName := repoFullNameFromURL(st.RepositoryURL)
		content, err := deps.Repo.GetFileContent(ctx, repoFullName, envExamplePath)
		if err != nil {
			if apperrors.IsNotFound(err) {
				// No env contract: nothing to classify, nothing to resolve.
				return graph.Update{graph.KeyDeployProgress: "no env contract"}, nil
			}
			return nil, err
		}

		names := parseEnvNames(content)
		if len(names) == 0 {
			return graph.Update{graph.KeyDeployProgress: "empty env contract"}, nil
		}

		plan, err := classifyEnv(ctx, deps.LLM, names)
		if err != nil {
			// Doubt resolves to the user; an unanswerable classifier is
			// maximal doubt.
			log.Warn("env classification failed, treating all variables as user-provided", zap.Error(err))
			plan = make(map[string]v1.EnvClass, len(names))
			for _, name := range names {
				plan[name] = v1.EnvClassUser
			}
		}

		return graph.Update{
			graph.KeyEnvPlan:        plan,
			graph.KeyDeployProgress: fmt.Sprintf("classified %d env variables", len(plan)),
		}, nil
	}
}

// parseEnvNames extracts variable names from dotenv-style content.
func parseEnvNames(content string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(line[:eq], "export "))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func classifyEnv(ctx context.Context, client llm.Client, names []string) (map[string]v1.EnvClass, error) {
	resp, err := client.Complete(ctx, &llm.Request{
		System:     analyzerSystem,
		Messages:   []llm.Message{llm.UserMessage(strings.Join(names, "\n"))},
		ModelClass: llm.ModelClassSmall,
		MaxTokens:  1024,
	})
	if err != nil {
		return nil, err
	}

	start := strings.IndexByte(resp.Text, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in analyzer reply")
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(resp.Text[start:]), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse analyzer reply: %w", err)
	}

	plan := make(map[string]v1.EnvClass, len(names))
	for _, name := range names {
		switch v1.EnvClass(raw[name]) {
		case v1.EnvClassInfra:
			plan[name] = v1.EnvClassInfra
		case v1.EnvClassComputed:
			plan[name] = v1.EnvClassComputed
		default:
			plan[name] = v1.EnvClassUser
		}
	}
	return plan, nil
}

// materializeEnv produces the concrete env map handed to the playbook
// runner. Called only from the deployer node; the result must not be logged
// or checkpointed.
func materializeEnv(ctx context.Context, deps *Deps, st *graph.State) (map[string]string, error) {
	if len(st.EnvPlan) == 0 {
		return map[string]string{}, nil
	}

	stored, err := deps.API.GetSecrets(ctx, st.CurrentProject)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(st.EnvPlan))
	for name, class := range st.EnvPlan {
		switch class {
		case v1.EnvClassInfra:
			value, err := infraValue(name)
			if err != nil {
				return nil, err
			}
			env[name] = value
		case v1.EnvClassComputed:
			env[name] = computedValue(name, st)
		case v1.EnvClassUser:
			value, ok := stored[name]
			if !ok {
				// The readiness check should have caught this; a vanished
				// secret between nodes is a hard failure.
				return nil, fmt.Errorf("user secret %s disappeared before deploy", name)
			}
			env[name] = value
		}
	}
	return env, nil
}

// infraValue generates platform-owned values: composed datastore URLs for
// *_URL names, 32-byte URL-safe randoms for everything else.
func infraValue(name string) (string, error) {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "REDIS") && strings.HasSuffix(upper, "URL"):
		return "redis://localhost:6379/0", nil
	case (strings.Contains(upper, "DATABASE") || strings.Contains(upper, "POSTGRES")) && strings.HasSuffix(upper, "URL"):
		password, err := randomToken()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("postgres://app:%s@localhost:5432/app", password), nil
	default:
		return randomToken()
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// computedValue derives values from the deployment context.
func computedValue(name string, st *graph.State) string {
	upper := strings.ToUpper(name)
	ip := st.AllocatedResources[resServerIP]
	port := st.AllocatedResources[resPort]
	switch {
	case upper == "PORT" || strings.HasSuffix(upper, "_PORT"):
		return port
	case strings.Contains(upper, "HOST"):
		return ip
	case strings.Contains(upper, "URL"):
		return fmt.Sprintf("http://%s:%s", ip, port)
	case strings.Contains(upper, "NAME"):
		return st.ProjectName
	case strings.Contains(upper, "ENV"):
		return "production"
	default:
		return st.ProjectName
	}
}

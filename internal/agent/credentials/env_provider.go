package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// knownAPIKeyPatterns contains patterns for known API key environment variables
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GITHUB_TOKEN",
	"NPM_TOKEN",
}

// EnvProvider provides credentials from environment variables
type EnvProvider struct {
	prefix string // Optional prefix filter (e.g., "BOTFORGE_")
}

// NewEnvProvider creates a new environment provider
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{
		prefix: prefix,
	}
}

// Name returns the provider name
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential retrieves a credential from environment variables
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	// First try exact key
	value := os.Getenv(key)
	if value != "" {
		return &Credential{
			Key:    key,
			Value:  value,
			Source: "environment",
		}, nil
	}

	// Try with prefix
	if p.prefix != "" {
		value = os.Getenv(p.prefix + key)
		if value != "" {
			return &Credential{
				Key:    key,
				Value:  value,
				Source: "environment",
			}, nil
		}
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable returns list of available credential keys from environment.
// Only names are returned, never values.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	available := make([]string, 0)
	seen := make(map[string]bool)

	for _, pattern := range knownAPIKeyPatterns {
		if os.Getenv(pattern) != "" || (p.prefix != "" && os.Getenv(p.prefix+pattern) != "") {
			available = append(available, pattern)
			seen[pattern] = true
		}
	}

	// Scan for additional variables that look like secrets
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}

		key := parts[0]
		if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
			key = strings.TrimPrefix(key, p.prefix)
		}
		if seen[key] {
			continue
		}

		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "api_key") ||
			strings.Contains(lowerKey, "_token") ||
			strings.Contains(lowerKey, "_secret") {
			available = append(available, key)
			seen[key] = true
		}
	}

	return available, nil
}

// Package credentials resolves the API keys agent containers need. Values
// are injected into container environments only; they are never logged and
// never enter orchestration state.
package credentials

import (
	"context"
	"fmt"
)

// Credential is a resolved secret value with its origin.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credential values by key.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// Resolver chains providers and materializes the environment an agent
// factory requires.
type Resolver struct {
	providers []Provider
}

// NewResolver creates a resolver over the given providers, consulted in order.
func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{providers: providers}
}

// ResolveEnv returns key=value pairs for every required variable. A missing
// credential is an error naming only the key, never partial values.
func (r *Resolver) ResolveEnv(ctx context.Context, required []string) (map[string]string, error) {
	env := make(map[string]string, len(required))
	for _, key := range required {
		var found bool
		for _, p := range r.providers {
			cred, err := p.GetCredential(ctx, key)
			if err != nil {
				continue
			}
			env[key] = cred.Value
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("credential not found: %s", key)
		}
	}
	return env, nil
}

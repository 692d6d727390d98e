// Package knowledge is the client for the external RAG search service. The
// service is optional: scopes it backs return empty results when it is not
// configured or does not index the requested scope.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/config"
	"github.com/botforge/botforge/internal/common/logger"
)

// Scope selects which corpus a search runs against.
type Scope string

const (
	ScopeDocs    Scope = "docs"
	ScopeCode    Scope = "code"
	ScopeHistory Scope = "history"
	ScopeLogs    Scope = "logs"
	ScopeAll     Scope = "all"
)

// ValidScope reports whether the scope is recognized.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeDocs, ScopeCode, ScopeHistory, ScopeLogs, ScopeAll:
		return true
	}
	return false
}

// Result is one ranked search hit.
type Result struct {
	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

// Client talks to the RAG service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a knowledge client. An empty base URL yields a client
// whose searches return no results.
func NewClient(cfg config.KnowledgeConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{},
		logger:  log.WithFields(zap.String("component", "knowledge-client")),
	}
}

// Search returns ranked hits for the query within a scope. Unavailable
// scopes return an empty list, never an error: search is best effort.
func (c *Client) Search(ctx context.Context, query string, scope Scope) ([]Result, error) {
	if !ValidScope(scope) {
		return nil, fmt.Errorf("unknown search scope %q", scope)
	}
	if c.baseURL == "" {
		return []Result{}, nil
	}

	body, err := json.Marshal(map[string]string{"query": query, "scope": string(scope)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/search", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("knowledge search failed", zap.String("scope", string(scope)), zap.Error(err))
		return []Result{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Scope not indexed by this deployment.
		return []Result{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("knowledge search returned error status",
			zap.String("scope", string(scope)),
			zap.Int("status", resp.StatusCode))
		return []Result{}, nil
	}

	var out []Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return out, nil
}

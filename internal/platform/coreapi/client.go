package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/config"
	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/common/retry"
)

// Client talks to the CRUD service. Transient failures (network errors, 5xx)
// are retried with exponential backoff; 4xx responses surface immediately as
// typed errors.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	policy  retry.Policy
	logger  *logger.Logger
}

// NewClient creates a CRUD client from configuration. The base URL is
// normalized so request paths receive exactly one /api prefix regardless of
// whether the configured URL already carries it.
func NewClient(cfg config.APIConfig, log *logger.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	base = strings.TrimSuffix(base, "/api")
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.TimeoutDuration()},
		policy:  retry.Default(),
		logger:  log.WithFields(zap.String("component", "coreapi-client")),
	}
}

// endpoint joins the base URL and a path under exactly one /api prefix.
func (c *Client) endpoint(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimPrefix(path, "api/")
	return c.baseURL + "/api/" + path
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	endpoint := c.endpoint(path)
	return retry.Do(ctx, c.policy, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return apperrors.Dependency("core-api", fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode))
		}
		if resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(apperrors.NotFound("resource", path))
		}
		if resp.StatusCode == http.StatusConflict {
			return retry.Permanent(apperrors.Conflict(fmt.Sprintf("%s %s returned conflict", method, path)))
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			return retry.Permanent(apperrors.BadRequest(fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))))
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response from %s: %w", path, err))
		}
		return nil
	})
}

// ListProjects returns projects, optionally restricted to one owner.
func (c *Client) ListProjects(ctx context.Context, ownerID string) ([]Project, error) {
	path := "projects"
	if ownerID != "" {
		path += "?owner_only=true&owner_id=" + url.QueryEscape(ownerID)
	}
	var out []Project
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject returns a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateProject creates a new project in draft status.
func (c *Client) CreateProject(ctx context.Context, p *Project) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodPost, "projects", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProjectStatus PATCHes the project status after checking the
// lifecycle DAG against the current record.
func (c *Client) UpdateProjectStatus(ctx context.Context, projectID string, status ProjectStatus) error {
	current, err := c.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if !CanTransition(current.Status, status) {
		return apperrors.BadRequest(fmt.Sprintf(
			"project %s cannot transition from %s to %s", projectID, current.Status, status))
	}
	return c.do(ctx, http.MethodPatch, "projects/"+url.PathEscape(projectID),
		map[string]interface{}{"status": status}, nil)
}

// SetRepositoryURL stores the repository URL once. The URL is immutable; a
// second write with a different value is rejected client-side.
func (c *Client) SetRepositoryURL(ctx context.Context, projectID, repoURL string) error {
	current, err := c.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if current.RepositoryURL != "" {
		if current.RepositoryURL == repoURL {
			return nil
		}
		return apperrors.Conflict(fmt.Sprintf("project %s already has a repository URL", projectID))
	}
	return c.do(ctx, http.MethodPatch, "projects/"+url.PathEscape(projectID),
		map[string]interface{}{"repository_url": repoURL}, nil)
}

// ListServers returns servers, optionally only managed ones.
func (c *Client) ListServers(ctx context.Context, managedOnly bool) ([]Server, error) {
	path := "servers"
	if managedOnly {
		path += "?is_managed=true"
	}
	var out []Server
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAllocations returns the active allocations for a project.
func (c *Client) ListAllocations(ctx context.Context, projectID string) ([]Allocation, error) {
	var out []Allocation
	if err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/allocations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAllocation reserves a (server, port) pair for a project service.
// A conflict means the port is taken; the allocator retries with another.
func (c *Client) CreateAllocation(ctx context.Context, a *Allocation) (*Allocation, error) {
	var out Allocation
	path := "servers/" + url.PathEscape(a.ServerHandle) + "/services"
	if err := c.do(ctx, http.MethodPost, path, a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseAllocation removes a service allocation.
func (c *Client) ReleaseAllocation(ctx context.Context, serverHandle, allocationID string) error {
	path := "servers/" + url.PathEscape(serverHandle) + "/services/" + url.PathEscape(allocationID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// UpsertUser creates or refreshes the internal user for a chat identity.
func (c *Client) UpsertUser(ctx context.Context, telegramID int64, name string) (*User, error) {
	var out User
	body := map[string]interface{}{"telegram_id": telegramID, "name": name}
	if err := c.do(ctx, http.MethodPost, "users/upsert", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUserByTelegram resolves a chat identity to the internal user.
func (c *Client) GetUserByTelegram(ctx context.Context, telegramID int64) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/by-telegram/%d", telegramID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateIncident records an operational incident.
func (c *Client) CreateIncident(ctx context.Context, inc *Incident) error {
	return c.do(ctx, http.MethodPost, "incidents", inc, nil)
}

// ListActiveIncidents returns currently active incidents.
func (c *Client) ListActiveIncidents(ctx context.Context) ([]Incident, error) {
	var out []Incident
	if err := c.do(ctx, http.MethodGet, "incidents/active", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSecrets returns the project's stored secrets (name -> value). Values
// are used only to build the deploy wire payload and are never logged or
// checkpointed.
func (c *Client) GetSecrets(ctx context.Context, projectID string) (map[string]string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/secrets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutSecret stores one secret for a project.
func (c *Client) PutSecret(ctx context.Context, projectID, name, value string) error {
	body := map[string]string{"name": name, "value": value}
	return c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/secrets", body, nil)
}

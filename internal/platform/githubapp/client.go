// Package githubapp integrates with the repository host as a GitHub App:
// short-lived installation tokens, repository creation, file reads, and
// encrypted Actions secret upload for CI.
package githubapp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"

	"github.com/botforge/botforge/internal/common/config"
	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
)

// Client is an authenticated GitHub App installation client.
type Client struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	org            string
	baseURL        string
	http           *http.Client
	logger         *logger.Logger

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewClient creates a GitHub App client. The configured private key may be
// PEM content or a path to a PEM file.
func NewClient(cfg config.GitHubConfig, log *logger.Logger) (*Client, error) {
	pemData := []byte(cfg.PrivateKey)
	if !strings.Contains(cfg.PrivateKey, "-----BEGIN") {
		data, err := os.ReadFile(cfg.PrivateKey)
		if err != nil {
			return nil, apperrors.InvalidConfig(fmt.Sprintf("cannot read GitHub App private key file: %v", err))
		}
		pemData = data
	}
	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, apperrors.InvalidConfig(fmt.Sprintf("invalid GitHub App private key: %v", err))
	}
	return &Client{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		privateKey:     key,
		org:            cfg.Org,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		http:           &http.Client{Timeout: 30 * time.Second},
		logger:         log.WithFields(zap.String("component", "githubapp-client")),
	}, nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// appJWT signs the short-lived App JWT used to mint installation tokens.
func (c *Client) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", c.appID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// installationToken returns a cached installation token, minting a new one
// when the cache is empty or near expiry.
func (c *Client) installationToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpires) > 2*time.Minute {
		return c.token, nil
	}

	appJWT, err := c.appJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.Dependency("github", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", apperrors.Dependency("github", fmt.Errorf("installation token request returned %d", resp.StatusCode))
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode installation token: %w", err)
	}
	c.token = out.Token
	c.tokenExpires = out.ExpiresAt
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	token, err := c.installationToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Dependency("github", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.NotFound("github resource", path)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return apperrors.Dependency("github", fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Repository is the subset of repo metadata the orchestrator uses.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
	HTMLURL  string `json:"html_url"`
	Private  bool   `json:"private"`
}

// CreateRepository creates a private repository in the configured org.
func (c *Client) CreateRepository(ctx context.Context, name, description string) (*Repository, error) {
	var repo Repository
	body := map[string]interface{}{
		"name":        name,
		"description": description,
		"private":     true,
		"auto_init":   false,
	}
	if err := c.do(ctx, http.MethodPost, "/orgs/"+c.org+"/repos", body, &repo); err != nil {
		return nil, err
	}
	c.logger.Info("repository created", zap.String("repo", repo.FullName))
	return &repo, nil
}

// CloneURLWithToken returns a clone URL with an installation token embedded
// for use inside sandboxes that have no credential helper.
func (c *Client) CloneURLWithToken(ctx context.Context, repoFullName string) (string, error) {
	token, err := c.installationToken(ctx)
	if err != nil {
		return "", err
	}
	host := strings.TrimPrefix(c.baseURL, "https://")
	host = strings.TrimPrefix(host, "api.")
	return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", token, host, repoFullName), nil
}

// GetFileContent returns the decoded content of a file from the default
// branch, or NotFound when the path does not exist.
func (c *Client) GetFileContent(ctx context.Context, repoFullName, path string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.do(ctx, http.MethodGet, "/repos/"+repoFullName+"/contents/"+path, nil, &out); err != nil {
		return "", err
	}
	if out.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
		if err != nil {
			return "", fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return string(decoded), nil
	}
	return out.Content, nil
}

// UploadActionsSecret seals a secret value against the repository's Actions
// public key and uploads it. The plaintext value never leaves this call.
func (c *Client) UploadActionsSecret(ctx context.Context, repoFullName, name, value string) error {
	var keyResp struct {
		KeyID string `json:"key_id"`
		Key   string `json:"key"`
	}
	if err := c.do(ctx, http.MethodGet, "/repos/"+repoFullName+"/actions/secrets/public-key", nil, &keyResp); err != nil {
		return err
	}

	rawKey, err := base64.StdEncoding.DecodeString(keyResp.Key)
	if err != nil || len(rawKey) != 32 {
		return fmt.Errorf("invalid actions public key for %s", repoFullName)
	}
	var publicKey [32]byte
	copy(publicKey[:], rawKey)

	sealed, err := box.SealAnonymous(nil, []byte(value), &publicKey, rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to seal secret %s: %w", name, err)
	}

	body := map[string]string{
		"encrypted_value": base64.StdEncoding.EncodeToString(sealed),
		"key_id":          keyResp.KeyID,
	}
	if err := c.do(ctx, http.MethodPut, "/repos/"+repoFullName+"/actions/secrets/"+name, body, nil); err != nil {
		return err
	}
	c.logger.Info("actions secret configured",
		zap.String("repo", repoFullName),
		zap.String("secret_name", name))
	return nil
}

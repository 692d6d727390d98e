package deploy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/botforge/botforge/internal/common/retry"
)

// HTTPProber verifies a deployed service by fetching its root URL with
// backoff until it answers with a non-5xx status.
type HTTPProber struct {
	client *http.Client
	policy retry.Policy
}

// NewHTTPProber creates a prober with the slow retry policy, sized for
// services that are still starting up.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Slow(),
	}
}

// Probe fetches the URL until it responds or the retry budget is spent.
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	return retry.Do(ctx, p.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("service returned %d", resp.StatusCode)
		}
		return nil
	})
}

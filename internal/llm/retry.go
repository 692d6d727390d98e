package llm

import (
	"context"
	"errors"
	"net"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/botforge/botforge/internal/common/retry"
)

// RetryingClient wraps a Client with exponential backoff for transient
// provider errors (429, 5xx, network blips). Terminal errors such as invalid
// requests surface immediately.
type RetryingClient struct {
	inner  Client
	policy retry.Policy
}

// WithRetry wraps a client with the given retry policy.
func WithRetry(inner Client, policy retry.Policy) *RetryingClient {
	return &RetryingClient{inner: inner, policy: policy}
}

// Complete retries the inner call while the error looks transient.
func (c *RetryingClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	err := retry.Do(ctx, c.policy, func() error {
		var err error
		resp, err = c.inner.Complete(ctx, req)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isTransient(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

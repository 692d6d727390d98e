// Package ansible is the client side of the external playbook runner: deploy
// requests go onto a dedicated Redis stream and results come back on a
// per-request stream.
package ansible

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const (
	// DeployQueue is the stream the playbook runner consumes.
	DeployQueue = "ansible:deploy:queue"
	// resultRetention keeps result streams around long enough for a
	// redelivered job to re-read them.
	resultRetention = time.Hour
)

func resultStream(requestID string) string {
	return "deploy:result:" + requestID
}

// Client submits playbook runs and waits for their results.
type Client struct {
	rdb    redis.UniversalClient
	logger *logger.Logger
}

// NewClient creates a playbook runner client.
func NewClient(rdb redis.UniversalClient, log *logger.Logger) *Client {
	return &Client{
		rdb:    rdb,
		logger: log.WithFields(zap.String("component", "ansible-client")),
	}
}

// RequestDeploy appends a deploy request to the runner's queue. Env values
// travel only on this wire; the caller must not log or checkpoint them.
func (c *Client) RequestDeploy(ctx context.Context, req *v1.DeployRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal deploy request: %w", err)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeployQueue,
		Values: map[string]interface{}{"payload": data},
	}).Err(); err != nil {
		return apperrors.Dependency("redis", fmt.Errorf("failed to enqueue deploy request: %w", err))
	}
	c.logger.Info("deploy request enqueued",
		zap.String("request_id", req.RequestID),
		zap.String("project_id", req.ProjectID),
		zap.String("server_handle", req.ServerHandle),
		zap.Int("port", req.Port),
		zap.Int("env_var_count", len(req.EnvVars)))
	return nil
}

// WaitResult blocks until the playbook runner publishes the result for a
// request, or the timeout elapses.
func (c *Client) WaitResult(ctx context.Context, requestID string, timeout time.Duration) (*v1.DeployResult, error) {
	deadline := time.Now().Add(timeout)
	stream := resultStream(requestID)
	lastID := "0"

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, apperrors.Timeout("wait for deploy result " + requestID)
		}
		block := remaining
		if block > 5*time.Second {
			block = 5 * time.Second
		}

		res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   1,
			Block:   block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperrors.Dependency("redis", fmt.Errorf("failed to read deploy result: %w", err))
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				lastID = entry.ID
				payload, ok := entry.Values["payload"].(string)
				if !ok {
					continue
				}
				var result v1.DeployResult
				if err := json.Unmarshal([]byte(payload), &result); err != nil {
					c.logger.Warn("malformed deploy result entry",
						zap.String("request_id", requestID),
						zap.Error(err))
					continue
				}
				// Keep the result around briefly for redelivered jobs, then
				// let it expire.
				c.rdb.Expire(ctx, stream, resultRetention)
				return &result, nil
			}
		}
	}
}

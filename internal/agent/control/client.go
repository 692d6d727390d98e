package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// Client is the orchestrator-side control-plane client. Commands are
// appended to the command stream; a shared reader goroutine consumes the
// response stream and dispatches to waiters by request id.
type Client struct {
	rdb    *redis.Client
	logger *logger.Logger

	pending map[string]chan *v1.Response
	mu      sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a control-plane client.
func NewClient(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{
		rdb:     rdb,
		logger:  log.WithFields(zap.String("component", "control-client")),
		pending: make(map[string]chan *v1.Response),
		done:    make(chan struct{}),
	}
}

// Start begins reading responses.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client; in-flight calls fail.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Call sends a command and waits for its correlated response.
func (c *Client) Call(ctx context.Context, cmd v1.CommandName, agentID string, payload interface{}) (*v1.Response, error) {
	var payloadJSON json.RawMessage
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	command := &v1.Command{
		RequestID: uuid.New().String(),
		Cmd:       cmd,
		AgentID:   agentID,
		Payload:   payloadJSON,
	}

	// Register the waiter before sending
	respCh := make(chan *v1.Response, 1)
	c.mu.Lock()
	c.pending[command.RequestID] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, command.RequestID)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: CommandStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("control client closed")
	}
}

// CreateAgent creates an agent container and returns its id.
func (c *Client) CreateAgent(ctx context.Context, cfg *v1.ContainerConfig) (string, error) {
	resp, err := c.Call(ctx, v1.CmdCreate, "", cfg)
	if err != nil {
		return "", err
	}
	if err := responseError(resp); err != nil {
		return "", err
	}
	var result struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("malformed create result: %w", err)
	}
	return result.AgentID, nil
}

// SendMessage runs one message exchange with an agent.
func (c *Client) SendMessage(ctx context.Context, agentID, text string, timeout time.Duration) (*v1.MessageResult, error) {
	resp, err := c.Call(ctx, v1.CmdSendMessage, agentID, &v1.MessagePayload{
		Text:           text,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	var result v1.MessageResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed message result: %w", err)
	}
	return &result, nil
}

// SendCommand runs a raw shell command in an agent container.
func (c *Client) SendCommand(ctx context.Context, agentID, command string, timeout time.Duration) (*v1.CommandResult, error) {
	resp, err := c.Call(ctx, v1.CmdSendCommand, agentID, &v1.CommandPayload{
		Command:        command,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	var result v1.CommandResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed command result: %w", err)
	}
	return &result, nil
}

// SendFile writes a file into an agent container.
func (c *Client) SendFile(ctx context.Context, agentID, path string, content []byte) error {
	resp, err := c.Call(ctx, v1.CmdSendFile, agentID, &v1.FilePayload{
		Path:    path,
		Content: base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return err
	}
	return responseError(resp)
}

// DeleteAgent removes an agent container.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	resp, err := c.Call(ctx, v1.CmdDelete, agentID, nil)
	if err != nil {
		return err
	}
	return responseError(resp)
}

// AgentLogs fetches the tail of an agent's container logs.
func (c *Client) AgentLogs(ctx context.Context, agentID string) (string, error) {
	resp, err := c.Call(ctx, v1.CmdLogs, agentID, nil)
	if err != nil {
		return "", err
	}
	if err := responseError(resp); err != nil {
		return "", err
	}
	var result struct {
		Logs string `json:"logs"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("malformed logs result: %w", err)
	}
	return result.Logs, nil
}

// responseError converts a failed response into a typed error, reconstructing
// the server-side error code from error_type.
func responseError(resp *v1.Response) error {
	if resp.OK {
		return nil
	}
	switch resp.ErrorType {
	case apperrors.ErrCodeNotFound:
		return apperrors.NotFound("agent", resp.Error)
	case apperrors.ErrCodeTimeout:
		return apperrors.Timeout(resp.Error)
	case apperrors.ErrCodeInvalidConfig:
		return apperrors.InvalidConfig(resp.Error)
	case apperrors.ErrCodeAgent:
		return apperrors.AgentError(resp.Error)
	case apperrors.ErrCodeBadRequest:
		return apperrors.BadRequest(resp.Error)
	default:
		return apperrors.Dependency("agent-manager", fmt.Errorf("%s", resp.Error))
	}
}

// readLoop consumes the response stream from its tail and dispatches entries
// to pending waiters. Responses for other client processes are ignored.
func (c *Client) readLoop(ctx context.Context) {
	lastID := "$"
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{ResponseStream, lastID},
			Count:   16,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.logger.Warn("failed to read response stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				raw, _ := entry.Values["data"].(string)
				var resp v1.Response
				if err := json.Unmarshal([]byte(raw), &resp); err != nil {
					continue
				}
				c.dispatch(&resp)
			}
		}
	}
}

// dispatch delivers a response to its waiter, if this process owns the
// request id.
func (c *Client) dispatch(resp *v1.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

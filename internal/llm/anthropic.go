package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/botforge/botforge/internal/common/config"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by *sdk.MessageService so tests can pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on top of the Anthropic Messages API.
type AnthropicClient struct {
	msg          MessagesClient
	defaultModel string
	smallModel   string
	maxTokens    int
	temperature  float64
}

// NewAnthropicClient builds an adapter from an injected Messages client.
func NewAnthropicClient(msg MessagesClient, cfg config.LLMConfig) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &AnthropicClient{
		msg:          msg,
		defaultModel: cfg.Model,
		smallModel:   cfg.SmallModel,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
	}, nil
}

// NewAnthropicClientFromConfig constructs the adapter with a real SDK client
// authenticated by the configured API key.
func NewAnthropicClientFromConfig(cfg config.LLMConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return NewAnthropicClient(&ac.Messages, cfg)
}

// Complete issues a non-streaming Messages request and translates the
// response (text blocks, tool_use blocks, usage) into the generic shape.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

func (c *AnthropicClient) prepareRequest(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  encodeMessages(req.Messages),
		Model:     sdk.Model(c.resolveModelID(req)),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

func (c *AnthropicClient) resolveModelID(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	if req.ModelClass == ModelClassSmall && c.smallModel != "" {
		return c.smallModel
	}
	return c.defaultModel
}

// encodeMessages folds the conversation into Anthropic message params.
// Tool-role messages become tool_result blocks inside a user message, which
// is how the Messages API expects tool outcomes to travel.
func encodeMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				var input interface{} = map[string]interface{}{}
				if len(call.Input) > 0 {
					input = call.Input
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))
		}
	}
	return out
}

func encodeTools(specs []ToolSpec) []sdk.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := sdk.ToolInputSchemaParam{}
		if len(spec.InputSchema) > 0 {
			schema.ExtraFields = spec.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		out = append(out, u)
	}
	return out
}

func translateResponse(msg *sdk.Message) *Response {
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if resp.Text != "" {
				resp.Text += "\n"
			}
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}

// Package llm abstracts the conversation model behind a small client
// interface so graph nodes stay testable without network access.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ModelClass selects a configured model tier when no explicit model is set.
type ModelClass string

const (
	ModelClassDefault ModelClass = "default"
	ModelClassSmall   ModelClass = "small"
)

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Message is one conversation event. Tool-role messages carry the result of
// the call identified by ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// UserMessage builds a user-role message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant-role message with optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolMessage builds a tool-result message for the given call.
func ToolMessage(call ToolCall, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	}
}

// ToolSpec declares a callable tool to the model. InputSchema holds the
// JSON-schema body (properties, required); the object type is implied.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Request is a single completion request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Model       string
	ModelClass  ModelClass
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the translated completion result.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Client is implemented by model adapters.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

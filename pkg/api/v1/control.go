package v1

import (
	"encoding/json"
	"time"
)

// CommandName enumerates the control-plane commands understood by the
// agent manager.
type CommandName string

const (
	CmdCreate      CommandName = "create"
	CmdSendCommand CommandName = "send_command"
	CmdSendMessage CommandName = "send_message"
	CmdSendFile    CommandName = "send_file"
	CmdStatus      CommandName = "status"
	CmdLogs        CommandName = "logs"
	CmdDelete      CommandName = "delete"
)

// Command is one entry on the cli-agent:commands stream.
type Command struct {
	RequestID string          `json:"request_id"`
	Cmd       CommandName     `json:"cmd"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is one entry on the cli-agent:responses stream, correlated with
// its command by request id.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
}

// MessagePayload is the payload of a send_message command.
// TimeoutSeconds, when set, overrides the container's timeout_minutes.
type MessagePayload struct {
	Text           string `json:"text"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// CommandPayload is the payload of a raw send_command.
type CommandPayload struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// FilePayload is the payload of a send_file command.
type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// AgentReply is one structured output published to agents:{agent_id}:response.
type AgentReply struct {
	AgentID  string                 `json:"agent_id"`
	Reply    string                 `json:"reply"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	At       time.Time              `json:"at"`
}

// CommandExit is published to agents:{agent_id}:command_exit after each
// in-container command finishes.
type CommandExit struct {
	AgentID  string    `json:"agent_id"`
	Command  string    `json:"command"`
	ExitCode int       `json:"exit_code"`
	At       time.Time `json:"at"`
}

// StatusEvent is published to agents:{agent_id}:status on state transitions.
type StatusEvent struct {
	AgentID string     `json:"agent_id"`
	State   AgentState `json:"state"`
	At      time.Time  `json:"at"`
}

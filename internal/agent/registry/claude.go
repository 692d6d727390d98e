package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// ClaudeFactory runs the Claude Code CLI headless: one `claude -p` process
// per message, JSON output, conversations resumed via --resume with the
// session id carried in the session context.
type ClaudeFactory struct{}

// NewClaudeFactory creates the claude agent factory.
func NewClaudeFactory() *ClaudeFactory {
	return &ClaudeFactory{}
}

func (f *ClaudeFactory) Type() string        { return "claude" }
func (f *ClaudeFactory) Description() string { return "Claude Code CLI in headless print mode" }
func (f *ClaudeFactory) BaseImage() string   { return "node:20-bookworm" }

func (f *ClaudeFactory) PreinstalledCapabilities() []string {
	// node:20-bookworm ships git and a node toolchain.
	return []string{"git", "node"}
}

func (f *ClaudeFactory) RequiredEnv() []string {
	return []string{"ANTHROPIC_API_KEY"}
}

func (f *ClaudeFactory) InstallCommands() []string {
	return []string{"npm install -g @anthropic-ai/claude-code"}
}

func (f *ClaudeFactory) SupportsSessions() bool { return true }

// BuildMessageCommand runs claude in print mode. A previous session id makes
// the call a resume so conversation state survives container restarts.
func (f *ClaudeFactory) BuildMessageCommand(text string, sess *v1.SessionContext) []string {
	args := []string{"claude", "-p", "--output-format", "json", "--dangerously-skip-permissions"}
	if sess != nil && sess.SessionID != "" {
		args = append(args, "--resume", sess.SessionID)
	}
	args = append(args, text)
	return args
}

// claudeOutput is the JSON document claude prints in --output-format json.
type claudeOutput struct {
	Result    string  `json:"result"`
	SessionID string  `json:"session_id"`
	IsError   bool    `json:"is_error"`
	NumTurns  int     `json:"num_turns"`
	CostUSD   float64 `json:"total_cost_usd"`
}

// ParseResponse extracts the reply and the new session id. The CLI may print
// install or telemetry noise before the JSON document, so parsing starts at
// the first brace.
func (f *ClaudeFactory) ParseResponse(stdout string) (string, *v1.SessionContext, error) {
	idx := strings.Index(stdout, "{")
	if idx < 0 {
		return "", nil, fmt.Errorf("claude produced no JSON output")
	}
	var out claudeOutput
	if err := json.Unmarshal([]byte(stdout[idx:]), &out); err != nil {
		return "", nil, fmt.Errorf("failed to parse claude output: %w", err)
	}
	if out.IsError {
		return "", nil, fmt.Errorf("claude reported an error: %s", out.Result)
	}
	sess := &v1.SessionContext{SessionID: out.SessionID}
	return out.Result, sess, nil
}

package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// CodexFactory runs the OpenAI Codex CLI in exec mode with JSONL output.
// Codex has no resume flag in exec mode; continuity is kept by replaying the
// prior exchange from the session blob into the next prompt.
type CodexFactory struct{}

// NewCodexFactory creates the codex agent factory.
func NewCodexFactory() *CodexFactory {
	return &CodexFactory{}
}

func (f *CodexFactory) Type() string        { return "codex" }
func (f *CodexFactory) Description() string { return "OpenAI Codex CLI in non-interactive exec mode" }
func (f *CodexFactory) BaseImage() string   { return "node:20-bookworm" }

func (f *CodexFactory) PreinstalledCapabilities() []string {
	return []string{"git", "node"}
}

func (f *CodexFactory) RequiredEnv() []string {
	return []string{"OPENAI_API_KEY"}
}

func (f *CodexFactory) InstallCommands() []string {
	return []string{"npm install -g @openai/codex"}
}

func (f *CodexFactory) SupportsSessions() bool { return true }

// codexBlob is the opaque continuation state stored between invocations.
type codexBlob struct {
	History []string `json:"history"`
}

// BuildMessageCommand prefixes the prompt with prior exchanges from the
// session blob so a fresh codex process sees the conversation so far.
func (f *CodexFactory) BuildMessageCommand(text string, sess *v1.SessionContext) []string {
	prompt := text
	if sess != nil && len(sess.Blob) > 0 {
		var blob codexBlob
		if err := json.Unmarshal(sess.Blob, &blob); err == nil && len(blob.History) > 0 {
			prompt = "Conversation so far:\n" + strings.Join(blob.History, "\n") + "\n\nNext request:\n" + text
		}
	}
	return []string{"codex", "exec", "--json", "--skip-git-repo-check", prompt}
}

// codexEvent is one JSONL line of codex exec output.
type codexEvent struct {
	Type string `json:"type"`
	Msg  struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"msg"`
}

// ParseResponse collects agent_message events from the JSONL stream and
// appends the exchange to the session blob.
func (f *CodexFactory) ParseResponse(stdout string) (string, *v1.SessionContext, error) {
	var replies []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Msg.Type == "agent_message" && ev.Msg.Message != "" {
			replies = append(replies, ev.Msg.Message)
		}
	}
	if len(replies) == 0 {
		return "", nil, fmt.Errorf("codex produced no agent message")
	}
	reply := strings.Join(replies, "\n")

	blob, err := json.Marshal(codexBlob{History: []string{"assistant: " + reply}})
	if err != nil {
		return "", nil, err
	}
	return reply, &v1.SessionContext{Blob: blob}, nil
}

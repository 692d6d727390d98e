package registry

import (
	"strings"

	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// ShellFactory is the plain command sandbox used by the engineering
// preparer and tester: no agent CLI, no sessions, just command execution in
// an isolated container.
type ShellFactory struct{}

// NewShellFactory creates the shell sandbox factory.
func NewShellFactory() *ShellFactory {
	return &ShellFactory{}
}

func (f *ShellFactory) Type() string        { return "shell" }
func (f *ShellFactory) Description() string { return "plain shell sandbox without an agent CLI" }
func (f *ShellFactory) BaseImage() string   { return "debian:bookworm-slim" }

func (f *ShellFactory) PreinstalledCapabilities() []string { return nil }

func (f *ShellFactory) RequiredEnv() []string { return nil }

func (f *ShellFactory) InstallCommands() []string {
	return []string{"apt-get update && apt-get install -y --no-install-recommends ca-certificates curl && rm -rf /var/lib/apt/lists/*"}
}

func (f *ShellFactory) SupportsSessions() bool { return false }

// BuildMessageCommand runs the text as a shell command.
func (f *ShellFactory) BuildMessageCommand(text string, _ *v1.SessionContext) []string {
	return []string{"/bin/sh", "-c", text}
}

// ParseResponse returns the raw stdout; shell sandboxes carry no session.
func (f *ShellFactory) ParseResponse(stdout string) (string, *v1.SessionContext, error) {
	return strings.TrimRight(stdout, "\n"), nil, nil
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/botforge/botforge/pkg/api/v1"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.LoadDefaults()
	return r
}

func TestValidateConfig(t *testing.T) {
	r := newTestRegistry()

	valid := &v1.ContainerConfig{
		Agent:        "claude",
		Capabilities: []string{"git", "python"},
		AllowedTools: []string{"deploy", "respond"},
	}
	assert.NoError(t, r.ValidateConfig(valid))

	assert.Error(t, r.ValidateConfig(&v1.ContainerConfig{Agent: "gemini"}))
	assert.Error(t, r.ValidateConfig(&v1.ContainerConfig{
		Agent:        "claude",
		Capabilities: []string{"fortran"},
	}))
	assert.Error(t, r.ValidateConfig(&v1.ContainerConfig{
		Agent:        "claude",
		AllowedTools: []string{"sudo"},
	}))
}

func TestImageKeyIsOrderInsensitive(t *testing.T) {
	a := ImageKey("claude", []string{"git", "python", "curl"})
	b := ImageKey("claude", []string{"python", "curl", "git"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)

	assert.NotEqual(t, a, ImageKey("claude", []string{"git", "python"}))
	assert.NotEqual(t, a, ImageKey("codex", []string{"git", "python", "curl"}))

	assert.Equal(t, "botforge-agent-claude-"+a, ImageTag("claude", []string{"git", "python", "curl"}))
}

func TestClaudeParseResponse(t *testing.T) {
	f := NewClaudeFactory()

	stdout := "npm WARN something\n" +
		`{"result":"done, deployed","session_id":"sess-42","is_error":false,"num_turns":3}`
	reply, sess, err := f.ParseResponse(stdout)
	require.NoError(t, err)
	assert.Equal(t, "done, deployed", reply)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-42", sess.SessionID)

	_, _, err = f.ParseResponse("no json here")
	assert.Error(t, err)

	_, _, err = f.ParseResponse(`{"result":"boom","is_error":true}`)
	assert.Error(t, err)
}

func TestClaudeResumeCommand(t *testing.T) {
	f := NewClaudeFactory()

	fresh := f.BuildMessageCommand("hello", nil)
	assert.NotContains(t, fresh, "--resume")

	resumed := f.BuildMessageCommand("hello", &v1.SessionContext{SessionID: "sess-42"})
	assert.Contains(t, resumed, "--resume")
	assert.Contains(t, resumed, "sess-42")
	assert.Equal(t, "hello", resumed[len(resumed)-1])
}

func TestCodexParseResponse(t *testing.T) {
	f := NewCodexFactory()

	stdout := `{"type":"item","msg":{"type":"task_started"}}` + "\n" +
		`{"type":"item","msg":{"type":"agent_message","message":"first"}}` + "\n" +
		`not json` + "\n" +
		`{"type":"item","msg":{"type":"agent_message","message":"second"}}`
	reply, sess, err := f.ParseResponse(stdout)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", reply)
	require.NotNil(t, sess)
	assert.NotEmpty(t, sess.Blob)

	// The blob feeds the next prompt.
	cmd := f.BuildMessageCommand("next step", sess)
	prompt := cmd[len(cmd)-1]
	assert.Contains(t, prompt, "first\nsecond")
	assert.Contains(t, prompt, "next step")

	_, _, err = f.ParseResponse(`{"type":"item","msg":{"type":"task_started"}}`)
	assert.Error(t, err)
}

func TestShellFactory(t *testing.T) {
	f := NewShellFactory()
	assert.False(t, f.SupportsSessions())

	cmd := f.BuildMessageCommand("ls -la", nil)
	assert.Equal(t, []string{"/bin/sh", "-c", "ls -la"}, cmd)

	reply, sess, err := f.ParseResponse("total 0\n")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, "total 0", reply)
}

func TestInstructionFiles(t *testing.T) {
	r := newTestRegistry()

	files, err := r.InstructionFiles(&v1.ContainerConfig{
		Agent:        "claude",
		Capabilities: []string{"python", "git"},
		AllowedTools: []string{"respond", "deploy"},
	})
	require.NoError(t, err)
	require.Len(t, files, 3)

	// Skill docs come first, sorted by capability name.
	assert.Equal(t, "/workspace/.botforge/skills/git.md", files[0].Path)
	assert.Equal(t, "/workspace/.botforge/skills/python.md", files[1].Path)

	gate := files[2]
	assert.Equal(t, "/workspace/.botforge/TOOLS.md", gate.Path)
	assert.Contains(t, gate.Content, "`deploy`")
	assert.Contains(t, gate.Content, "`respond`")
	assert.NotContains(t, gate.Content, "`admin`")

	_, err = r.InstructionFiles(&v1.ContainerConfig{
		Agent:        "claude",
		Capabilities: []string{"fortran"},
	})
	assert.Error(t, err)
}

func TestListIsSorted(t *testing.T) {
	r := newTestRegistry()
	types := r.List()
	require.Len(t, types, 3)
	assert.Equal(t, "claude", types[0].Name)
	assert.Equal(t, "codex", types[1].Name)
	assert.Equal(t, "shell", types[2].Name)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, types[0].RequiredEnv)
}

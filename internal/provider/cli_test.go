package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionID(t *testing.T) {
	output := `starting up
{"type":"progress","step":1}
{"type":"result","session_id":"abc-123","result":"done"}
`
	assert.Equal(t, "abc-123", parseSessionID(output, "session_id"))
	assert.Equal(t, "", parseSessionID(output, "sessionID"))
	assert.Equal(t, "", parseSessionID("plain text only\n", "session_id"))

	// Last occurrence wins.
	multi := `{"session_id":"first"}
{"session_id":"second"}
`
	assert.Equal(t, "second", parseSessionID(multi, "session_id"))
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	merged := mergeEnv(base, map[string]string{"HOME": "/tmp/override", "EXTRA": "1"})
	assert.Contains(t, merged, "PATH=/usr/bin")
	assert.Contains(t, merged, "HOME=/tmp/override")
	assert.Contains(t, merged, "EXTRA=1")
	assert.NotContains(t, merged, "HOME=/root")

	assert.Equal(t, base, mergeEnv(base, nil))
}

func TestCLIProviderCommandNotFound(t *testing.T) {
	p := NewCLIProvider(CLISpec{
		ID:      "missing",
		Command: "definitely-not-a-real-binary-7f3a",
		RunArgs: func(opts InvokeOptions) []string { return []string{opts.Message} },
	}, testLogger(t))

	_, err := p.Invoke(context.Background(), InvokeOptions{Message: "hi"})
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestCLIProviderCapturesExitCodeAndStdio(t *testing.T) {
	p := NewCLIProvider(CLISpec{
		ID:      "sh",
		Command: "sh",
		RunArgs: func(opts InvokeOptions) []string {
			return []string{"-c", opts.Message}
		},
	}, testLogger(t))

	var stdout, stderr string
	exec, err := p.Invoke(context.Background(), InvokeOptions{
		Message:  `echo out; echo err >&2; exit 3`,
		OnStdout: func(chunk string) { stdout += chunk },
		OnStderr: func(chunk string) { stderr += chunk },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, exec.Code)
	assert.Contains(t, exec.Stdout, "out")
	assert.Contains(t, exec.Stderr, "err")
	assert.Equal(t, exec.Stdout, stdout, "sink sees the same bytes as the buffer")
	assert.Equal(t, exec.Stderr, stderr)
}

func TestCLIProviderParsesProviderSession(t *testing.T) {
	p := NewCLIProvider(CLISpec{
		ID:      "sh",
		Command: "sh",
		RunArgs: func(opts InvokeOptions) []string {
			return []string{"-c", `echo '{"session_id":"s-42","result":"ok"}'`}
		},
		SessionIDJSONField: "session_id",
	}, testLogger(t))

	exec, err := p.Invoke(context.Background(), InvokeOptions{Message: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "s-42", exec.ProviderSessionID)
}

func TestCLIProviderTimeoutInterruptsBeforeKill(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "interrupted")
	p := NewCLIProvider(CLISpec{
		ID:      "sh",
		Command: "sh",
		RunArgs: func(opts InvokeOptions) []string {
			return []string{"-c", opts.Message}
		},
	}, testLogger(t))

	exec, err := p.Invoke(context.Background(), InvokeOptions{
		Message: `sleep 10 >/dev/null 2>&1 & trap 'touch ` + marker + `; exit 0' INT; wait`,
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Code)
	assert.Equal(t, "timeout", exec.Stderr)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "the command saw the interrupt before the kill")
}

func TestCLIProviderCommandEnvOverride(t *testing.T) {
	p := NewCLIProvider(CLISpec{
		ID:            "tool",
		Command:       "tool",
		CommandEnvVar: "TOOL_COMMAND",
	}, testLogger(t))

	assert.Equal(t, "tool", p.command(nil))
	assert.Equal(t, "/opt/bin/tool", p.command(map[string]string{"TOOL_COMMAND": "/opt/bin/tool"}))
}

func TestCLIProviderAgentNotFoundMarker(t *testing.T) {
	p := NewCLIProvider(CLISpec{
		ID:                  "tool",
		Command:             "tool",
		AgentNotFoundMarker: "agent not found",
	}, testLogger(t))

	assert.True(t, p.AgentNotFound(&Execution{Code: 1, Stderr: "error: Agent Not Found: writer"}))
	assert.True(t, p.AgentNotFound(&Execution{Code: 1, Stdout: "agent not found"}))
	assert.False(t, p.AgentNotFound(&Execution{Code: 1, Stderr: "boom"}))
	assert.False(t, p.AgentNotFound(nil))
}

func TestCLIProviderUnsupportedActions(t *testing.T) {
	p := NewCLIProvider(CLISpec{ID: "tool", Command: "tool"}, testLogger(t))

	_, err := p.Authenticate(context.Background(), AuthOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
	_, err = p.CreateExternalAgent(context.Background(), ExternalAgentOptions{Name: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

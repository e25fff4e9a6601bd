package codex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/adapter"
)

func TestBuildCommand_PromptOnStdin(t *testing.T) {
	spec := New().BuildCommand("write tests", adapter.Options{WorkDir: "/wt/b", Model: "gpt-5-codex"})

	require.Equal(t, "codex", spec.Binary)
	require.Equal(t, []string{
		"exec", "--json",
		"-m", "gpt-5-codex",
		"--dangerously-bypass-approvals-and-sandbox",
		"-C", "/wt/b",
	}, spec.Args)
	require.Equal(t, "write tests", spec.Stdin)
	require.NotContains(t, spec.Args, "write tests")
}

func TestParseOutput_AgentMessageAndUsage(t *testing.T) {
	stdout := `{"type":"thread.started","thread_id":"th_1"}
{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}
{"type":"item.completed","item":{"type":"agent_message","text":"all tests pass"}}
{"type":"turn.completed","usage":{"input_tokens":500,"cached_input_tokens":100,"output_tokens":200}}`

	res := New().ParseOutput(stdout, "", 0)
	require.True(t, res.Success)
	require.Equal(t, "all tests pass", res.Output)
	require.NotNil(t, res.Metadata.TokensUsed)
	require.Equal(t, 600, res.Metadata.TokensUsed.Input)
	require.Equal(t, 200, res.Metadata.TokensUsed.Output)
	require.Equal(t, 800, res.Metadata.TokensUsed.Total)
}

func TestParseOutput_LastAgentMessageWins(t *testing.T) {
	stdout := `{"type":"item.completed","item":{"type":"agent_message","text":"first"}}
{"type":"item.completed","item":{"type":"agent_message","text":"second"}}`
	res := New().ParseOutput(stdout, "", 0)
	require.Equal(t, "second", res.Output)
}

func TestParseOutput_TurnFailed(t *testing.T) {
	stdout := `{"type":"turn.failed","error":{"message":"model overloaded"}}`
	res := New().ParseOutput(stdout, "", 0)
	require.False(t, res.Success)
	require.Equal(t, "model overloaded", res.Error)
}

func TestParseOutput_StringErrorEncoding(t *testing.T) {
	stdout := `{"type":"turn.failed","error":"quota exhausted"}`
	res := New().ParseOutput(stdout, "", 0)
	require.False(t, res.Success)
	require.Equal(t, "quota exhausted", res.Error)
}

func TestParseOutput_NonZeroExitPrefersStreamError(t *testing.T) {
	stdout := `{"type":"error","message":"stream torn down"}`
	res := New().ParseOutput(stdout, "process exited", 1)
	require.False(t, res.Success)
	require.Equal(t, "stream torn down", res.Error)
	require.Equal(t, 1, res.ExitCode)
}

func TestParseOutput_NoStructuredStreamFallsBack(t *testing.T) {
	res := New().ParseOutput("plain text result", "", 0)
	require.True(t, res.Success)
	require.Equal(t, "plain text result", res.Output)
}

func TestParsePlanOutput_PlanInsideAgentMessage(t *testing.T) {
	stdout := `{"type":"item.completed","item":{"type":"agent_message","text":"[{\"id\":\"t1\",\"prompt\":\"p\"}]"}}`
	res := New().ParsePlanOutput(stdout, "", 0)
	require.True(t, res.Success)
	require.Len(t, res.Tasks, 1)
	require.Equal(t, "t1", res.Tasks[0].ID)
}

func TestCapabilities_StdinPrompt(t *testing.T) {
	require.True(t, New().Capabilities().SupportsStdinPrompt)
}

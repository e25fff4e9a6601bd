package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimate_CharacterHeuristic(t *testing.T) {
	est := Estimate(strings.Repeat("x", 300))
	require.Equal(t, 100, est.Input)
	require.Equal(t, 50, est.Output)
	require.Equal(t, 150, est.Total)
}

func TestEstimate_RoundsUp(t *testing.T) {
	est := Estimate("abcd")
	require.Equal(t, 2, est.Input)
}

func TestEstimate_EmptyPrompt(t *testing.T) {
	est := Estimate("")
	require.Equal(t, 0, est.Total)
}

func TestDetectBillingMode_OverrideWins(t *testing.T) {
	t.Setenv(BillingModeEnvVar, "free")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-x")
	require.Equal(t, BillingFree, DetectBillingMode("ANTHROPIC_API_KEY", true))
}

func TestDetectBillingMode_APIKeyPresent(t *testing.T) {
	t.Setenv(BillingModeEnvVar, "")
	t.Setenv("OPENAI_API_KEY", "sk-x")
	require.Equal(t, BillingAPI, DetectBillingMode("OPENAI_API_KEY", false))
}

func TestDetectBillingMode_SubscriptionFallback(t *testing.T) {
	t.Setenv(BillingModeEnvVar, "")
	t.Setenv("GEMINI_API_KEY", "")
	require.Equal(t, BillingSubscription, DetectBillingMode("GEMINI_API_KEY", true))
	require.Equal(t, BillingUnavailable, DetectBillingMode("GEMINI_API_KEY", false))
}

func TestParseTaskRun_NonZeroExitUsesStderr(t *testing.T) {
	res := ParseTaskRun("partial output", "agent blew up", 1)
	require.False(t, res.Success)
	require.Equal(t, "agent blew up", res.Error)
	require.Equal(t, 1, res.ExitCode)
}

func TestParseTaskRun_EmptyStdoutOnSuccess(t *testing.T) {
	res := ParseTaskRun("", "", 0)
	require.True(t, res.Success)
	require.Empty(t, res.Output)
}

func TestParseTaskRun_NonJSONIsOpaqueSuccess(t *testing.T) {
	res := ParseTaskRun("I refactored the parser.", "", 0)
	require.True(t, res.Success)
	require.Equal(t, "I refactored the parser.", res.Output)
}

func TestParseTaskRun_ExplicitErrorField(t *testing.T) {
	res := ParseTaskRun(`{"error": "rate limited"}`, "", 0)
	require.False(t, res.Success)
	require.Equal(t, "rate limited", res.Error)
}

func TestParseTaskRun_NormalizedUsage(t *testing.T) {
	res := ParseTaskRun(`{"result": "done", "tokensUsed": {"input": 100, "output": 40}}`, "", 0)
	require.True(t, res.Success)
	require.Equal(t, "done", res.Output)
	require.NotNil(t, res.Metadata.TokensUsed)
	require.Equal(t, 100, res.Metadata.TokensUsed.Input)
	require.Equal(t, 40, res.Metadata.TokensUsed.Output)
	require.Equal(t, 140, res.Metadata.TokensUsed.Total)
}

func TestNormalizeUsage_VendorNativeBlock(t *testing.T) {
	u := NormalizeUsage([]byte(`{"usageMetadata": {"promptTokenCount": 80, "candidatesTokenCount": 20}}`))
	require.NotNil(t, u)
	require.Equal(t, 80, u.Input)
	require.Equal(t, 20, u.Output)
	require.Equal(t, 100, u.Total)
}

func TestNormalizeUsage_SnakeCaseUsage(t *testing.T) {
	u := NormalizeUsage([]byte(`{"usage": {"input_tokens": 7, "output_tokens": 3}}`))
	require.NotNil(t, u)
	require.Equal(t, 10, u.Total)
}

func TestNormalizeUsage_NoUsage(t *testing.T) {
	require.Nil(t, NormalizeUsage([]byte(`{"result": "done"}`)))
	require.Nil(t, NormalizeUsage([]byte(`not json`)))
}

func TestStripCodeFences(t *testing.T) {
	in := "```json\n[{\"id\": \"a\"}]\n```"
	require.Equal(t, `[{"id": "a"}]`, StripCodeFences(in))
	require.Equal(t, "plain", StripCodeFences("plain"))
	require.Equal(t, "no closing", StripCodeFences("```\nno closing"))
}

func TestParsePlanRun_BareArray(t *testing.T) {
	res := ParsePlanRun(`[{"id": "a", "name": "A", "prompt": "p", "type": "coding"}]`, "", 0)
	require.True(t, res.Success)
	require.Len(t, res.Tasks, 1)
	require.Equal(t, "a", res.Tasks[0].ID)
}

func TestParsePlanRun_FencedWrappedObject(t *testing.T) {
	in := "```json\n{\"tasks\": [{\"id\": \"a\", \"prompt\": \"p\", \"depends_on\": [\"b\"]}]}\n```"
	res := ParsePlanRun(in, "", 0)
	require.True(t, res.Success)
	require.Len(t, res.Tasks, 1)
	require.Equal(t, []string{"b"}, res.Tasks[0].DependsOn)
}

func TestParsePlanRun_InvalidJSON(t *testing.T) {
	res := ParsePlanRun("here is my plan: do things", "", 0)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "not valid JSON")
	require.Equal(t, "here is my plan: do things", res.RawOutput)
}

func TestParsePlanRun_NonZeroExit(t *testing.T) {
	res := ParsePlanRun("", "planner crashed", 2)
	require.False(t, res.Success)
	require.Equal(t, "planner crashed", res.Error)
}

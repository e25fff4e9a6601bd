package adapter

import (
	"encoding/json"
	"strings"
)

// rawUsage accepts both the normalized tokensUsed shape and vendor-native
// usage blocks; whichever is present wins.
type rawUsage struct {
	TokensUsed *struct {
		Input  int `json:"input"`
		Output int `json:"output"`
		Total  int `json:"total"`
	} `json:"tokensUsed"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// NormalizeUsage maps any recognized usage block to the shared shape.
// Returns nil when the payload carries no token counts.
func NormalizeUsage(data []byte) *TokenUsage {
	var raw rawUsage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	switch {
	case raw.TokensUsed != nil:
		u := &TokenUsage{Input: raw.TokensUsed.Input, Output: raw.TokensUsed.Output, Total: raw.TokensUsed.Total}
		if u.Total == 0 {
			u.Total = u.Input + u.Output
		}
		return u
	case raw.Usage != nil:
		return &TokenUsage{
			Input:  raw.Usage.InputTokens,
			Output: raw.Usage.OutputTokens,
			Total:  raw.Usage.InputTokens + raw.Usage.OutputTokens,
		}
	case raw.UsageMetadata != nil:
		return &TokenUsage{
			Input:  raw.UsageMetadata.PromptTokenCount,
			Output: raw.UsageMetadata.CandidatesTokenCount,
			Total:  raw.UsageMetadata.PromptTokenCount + raw.UsageMetadata.CandidatesTokenCount,
		}
	}
	return nil
}

// StripCodeFences removes a surrounding markdown code fence (``` or
// ```json) so plan output can be fed to the JSON decoder.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence line (``` or ```json etc).
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = append(lines[:i], lines[i+1:]...)
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ParseTaskRun applies the shared output-parsing rules: non-zero exit is a
// failure carrying stderr; empty stdout on success is an empty-output
// success; unparseable stdout is treated as opaque success text; an explicit
// error field in parsed JSON is a failure.
func ParseTaskRun(stdout, stderr string, exitCode int) ExecutionResult {
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		return ExecutionResult{Success: false, Error: msg, ExitCode: exitCode}
	}

	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return ExecutionResult{Success: true, ExitCode: exitCode}
	}

	var payload struct {
		Result string `json:"result"`
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		// Not JSON; the raw text is the result.
		return ExecutionResult{Success: true, Output: trimmed, ExitCode: exitCode}
	}
	if payload.Error != "" {
		return ExecutionResult{Success: false, Error: payload.Error, ExitCode: exitCode}
	}

	output := payload.Result
	if output == "" {
		output = payload.Output
	}
	if output == "" {
		output = trimmed
	}
	result := ExecutionResult{Success: true, Output: output, ExitCode: exitCode}
	result.Metadata.TokensUsed = NormalizeUsage([]byte(trimmed))
	return result
}

// ParsePlanRun applies the shared planning-output rules: strip code fences,
// decode either a bare task array or a {tasks: [...]} object, and surface
// parse failures with the raw output attached.
func ParsePlanRun(stdout, stderr string, exitCode int) PlanResult {
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		return PlanResult{Success: false, Error: msg, RawOutput: stdout}
	}

	body := StripCodeFences(stdout)
	if body == "" {
		return PlanResult{Success: false, Error: "empty plan output", RawOutput: stdout}
	}

	var tasks []PlannedTask
	if err := json.Unmarshal([]byte(body), &tasks); err == nil {
		return PlanResult{Success: true, Tasks: tasks, RawOutput: stdout}
	}

	var wrapped struct {
		Tasks []PlannedTask `json:"tasks"`
		Error string        `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
		return PlanResult{Success: false, Error: "plan output is not valid JSON", RawOutput: stdout}
	}
	if wrapped.Error != "" {
		return PlanResult{Success: false, Error: wrapped.Error, RawOutput: stdout}
	}
	return PlanResult{Success: true, Tasks: wrapped.Tasks, RawOutput: stdout}
}

package codex

import (
	"encoding/json"
	"strings"

	"github.com/substratehq/substrate/internal/adapter"
)

// codexEvent is one line of the Codex CLI JSONL stream. The event types of
// interest here are item.completed (final agent_message text), turn.completed
// (usage stats), turn.failed and error.
type codexEvent struct {
	Type    string      `json:"type"`
	Item    *codexItem  `json:"item,omitempty"`
	Usage   *codexUsage `json:"usage,omitempty"`
	Error   *codexError `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type codexItem struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens,omitempty"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	OutputTokens      int `json:"output_tokens,omitempty"`
}

// codexError tolerates both string and object encodings.
type codexError struct {
	Message string
}

func (e *codexError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Message = obj.Message
	return nil
}

// lastAgentMessage scans the JSONL stream and returns the final
// agent_message text plus any usage block seen.
func lastAgentMessage(stdout string) (string, *adapter.TokenUsage) {
	var (
		message string
		usage   *adapter.TokenUsage
	)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "item.completed":
			if ev.Item != nil && ev.Item.Type == "agent_message" {
				message = ev.Item.Text
			}
		case "turn.completed":
			if ev.Usage != nil {
				input := ev.Usage.InputTokens + ev.Usage.CachedInputTokens
				usage = &adapter.TokenUsage{
					Input:  input,
					Output: ev.Usage.OutputTokens,
					Total:  input + ev.Usage.OutputTokens,
				}
			}
		}
	}
	return message, usage
}

// streamError returns the first turn.failed or error event message.
func streamError(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "turn.failed":
			if ev.Error != nil && ev.Error.Message != "" {
				return ev.Error.Message
			}
			return "turn failed"
		case "error":
			if ev.Message != "" {
				return ev.Message
			}
		}
	}
	return ""
}

func parseExecOutput(stdout, stderr string, exitCode int) adapter.ExecutionResult {
	if exitCode != 0 {
		result := adapter.ParseTaskRun(stdout, stderr, exitCode)
		if msg := streamError(stdout); msg != "" {
			result.Error = msg
		}
		return result
	}
	if msg := streamError(stdout); msg != "" {
		return adapter.ExecutionResult{Success: false, Error: msg, ExitCode: exitCode}
	}

	message, usage := lastAgentMessage(stdout)
	if message == "" {
		// No structured stream; fall back to the shared rules.
		return adapter.ParseTaskRun(stdout, stderr, exitCode)
	}
	result := adapter.ExecutionResult{Success: true, Output: message, ExitCode: exitCode}
	result.Metadata.TokensUsed = usage
	return result
}

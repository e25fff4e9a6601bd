// Package codex integrates the OpenAI Codex CLI.
package codex

import (
	"context"

	"github.com/substratehq/substrate/internal/adapter"
)

func init() {
	adapter.Register(adapter.IDCodex, func() adapter.Adapter {
		return New()
	})
}

const (
	binaryName   = "codex"
	apiKeyEnvVar = "OPENAI_API_KEY"
	defaultModel = "gpt-5-codex"
)

// CodexAdapter drives the Codex CLI via `codex exec`. The prompt is
// delivered on stdin; output is JSONL.
type CodexAdapter struct{}

// New creates a CodexAdapter.
func New() *CodexAdapter {
	return &CodexAdapter{}
}

func (a *CodexAdapter) ID() adapter.ID { return adapter.IDCodex }

func (a *CodexAdapter) Name() string { return "Codex" }

func (a *CodexAdapter) Version() string { return "1.0" }

// HealthCheck probes the codex binary. Codex has no subscription tier, so
// billing is api when the key is present and unavailable otherwise.
func (a *CodexAdapter) HealthCheck(ctx context.Context) adapter.HealthStatus {
	status := adapter.Probe(ctx, binaryName, "--version")
	if !status.Healthy {
		return status
	}
	status.SupportsHeadless = true
	status.DetectedBillingModes = []adapter.BillingMode{
		adapter.DetectBillingMode(apiKeyEnvVar, false),
	}
	return status
}

// BuildCommand assembles a headless task run with the prompt on stdin.
func (a *CodexAdapter) BuildCommand(prompt string, opts adapter.Options) adapter.SpawnSpec {
	return adapter.SpawnSpec{
		Binary:  binaryName,
		Args:    buildArgs(opts),
		Dir:     opts.WorkDir,
		Stdin:   prompt,
		Timeout: opts.Timeout,
	}
}

// ParseOutput scans the JSONL stream for the final agent message and the
// turn usage record, then falls back to the shared rules.
func (a *CodexAdapter) ParseOutput(stdout, stderr string, exitCode int) adapter.ExecutionResult {
	return parseExecOutput(stdout, stderr, exitCode)
}

// BuildPlanningCommand assembles a planning run, also via stdin.
func (a *CodexAdapter) BuildPlanningCommand(request string, opts adapter.Options) adapter.SpawnSpec {
	return adapter.SpawnSpec{
		Binary:  binaryName,
		Args:    buildArgs(opts),
		Dir:     opts.WorkDir,
		Stdin:   request,
		Timeout: opts.Timeout,
	}
}

// ParsePlanOutput extracts the final agent message from the JSONL stream and
// runs the shared plan parsing over it.
func (a *CodexAdapter) ParsePlanOutput(stdout, stderr string, exitCode int) adapter.PlanResult {
	if exitCode == 0 {
		if msg, _ := lastAgentMessage(stdout); msg != "" {
			return adapter.ParsePlanRun(msg, stderr, exitCode)
		}
	}
	return adapter.ParsePlanRun(stdout, stderr, exitCode)
}

// EstimateTokens applies the shared character heuristic.
func (a *CodexAdapter) EstimateTokens(prompt string) adapter.TokenEstimate {
	return adapter.Estimate(prompt)
}

func (a *CodexAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsPlanning:    true,
		SupportsJSONOutput:  true,
		SupportsStdinPrompt: true,
		SupportedTaskTypes:  []string{"coding", "testing", "review", "refactor", "debug", "document", "analyze"},
		DefaultModel:        defaultModel,
	}
}

var _ adapter.Adapter = (*CodexAdapter)(nil)

// Package claude integrates the Claude Code CLI.
package claude

import (
	"context"

	"github.com/substratehq/substrate/internal/adapter"
)

func init() {
	adapter.Register(adapter.IDClaudeCode, func() adapter.Adapter {
		return New()
	})
}

const (
	binaryName   = "claude"
	apiKeyEnvVar = "ANTHROPIC_API_KEY"
	defaultModel = "claude-sonnet-4-5"
)

// ClaudeAdapter drives the Claude Code CLI in headless print mode.
type ClaudeAdapter struct{}

// New creates a ClaudeAdapter.
func New() *ClaudeAdapter {
	return &ClaudeAdapter{}
}

func (a *ClaudeAdapter) ID() adapter.ID { return adapter.IDClaudeCode }

func (a *ClaudeAdapter) Name() string { return "Claude Code" }

func (a *ClaudeAdapter) Version() string { return "1.0" }

// HealthCheck probes the claude binary and reports detected billing modes.
func (a *ClaudeAdapter) HealthCheck(ctx context.Context) adapter.HealthStatus {
	status := adapter.Probe(ctx, binaryName, "--version")
	if !status.Healthy {
		return status
	}
	status.SupportsHeadless = true
	status.DetectedBillingModes = []adapter.BillingMode{
		adapter.DetectBillingMode(apiKeyEnvVar, true),
	}
	return status
}

// BuildCommand assembles a headless task run: the prompt travels as the -p
// argument and output comes back as a single JSON document.
func (a *ClaudeAdapter) BuildCommand(prompt string, opts adapter.Options) adapter.SpawnSpec {
	return adapter.SpawnSpec{
		Binary:  binaryName,
		Args:    buildArgs(prompt, opts),
		Dir:     opts.WorkDir,
		Timeout: opts.Timeout,
	}
}

// ParseOutput applies the shared parsing rules to a task run.
func (a *ClaudeAdapter) ParseOutput(stdout, stderr string, exitCode int) adapter.ExecutionResult {
	return adapter.ParseTaskRun(stdout, stderr, exitCode)
}

// BuildPlanningCommand assembles a planning run; the planning request is
// also delivered via -p.
func (a *ClaudeAdapter) BuildPlanningCommand(request string, opts adapter.Options) adapter.SpawnSpec {
	return adapter.SpawnSpec{
		Binary:  binaryName,
		Args:    buildArgs(request, opts),
		Dir:     opts.WorkDir,
		Timeout: opts.Timeout,
	}
}

// ParsePlanOutput applies the shared plan-parsing rules.
func (a *ClaudeAdapter) ParsePlanOutput(stdout, stderr string, exitCode int) adapter.PlanResult {
	return adapter.ParsePlanRun(stdout, stderr, exitCode)
}

// EstimateTokens applies the shared character heuristic.
func (a *ClaudeAdapter) EstimateTokens(prompt string) adapter.TokenEstimate {
	return adapter.Estimate(prompt)
}

func (a *ClaudeAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsPlanning:   true,
		SupportsJSONOutput: true,
		SupportedTaskTypes: []string{"coding", "testing", "review", "refactor", "debug", "document", "analyze"},
		DefaultModel:       defaultModel,
	}
}

var _ adapter.Adapter = (*ClaudeAdapter)(nil)

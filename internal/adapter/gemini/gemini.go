// Package gemini integrates the Gemini CLI.
package gemini

import (
	"context"

	"github.com/substratehq/substrate/internal/adapter"
)

func init() {
	adapter.Register(adapter.IDGemini, func() adapter.Adapter {
		return New()
	})
}

const (
	binaryName   = "gemini"
	apiKeyEnvVar = "GEMINI_API_KEY"
	defaultModel = "gemini-2.5-pro"
)

// GeminiAdapter drives the Gemini CLI. Task prompts travel as the -p
// argument; planning requests go positionally.
type GeminiAdapter struct{}

// New creates a GeminiAdapter.
func New() *GeminiAdapter {
	return &GeminiAdapter{}
}

func (a *GeminiAdapter) ID() adapter.ID { return adapter.IDGemini }

func (a *GeminiAdapter) Name() string { return "Gemini CLI" }

func (a *GeminiAdapter) Version() string { return "1.0" }

// HealthCheck probes the gemini binary and reports detected billing modes.
func (a *GeminiAdapter) HealthCheck(ctx context.Context) adapter.HealthStatus {
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

// BuildCommand assembles a headless task run.
func (a *GeminiAdapter) BuildCommand(prompt string, opts adapter.Options) adapter.SpawnSpec {
	args := []string{"-p", prompt, "--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	args = append(args, "--yolo")
	return adapter.SpawnSpec{
		Binary:  binaryName,
		Args:    args,
		Dir:     opts.WorkDir,
		Timeout: opts.Timeout,
	}
}

// ParseOutput applies the shared parsing rules; usageMetadata token counts
// are picked up by the shared usage normalization.
func (a *GeminiAdapter) ParseOutput(stdout, stderr string, exitCode int) adapter.ExecutionResult {
	return adapter.ParseTaskRun(stdout, stderr, exitCode)
}

// BuildPlanningCommand assembles a planning run with the request as the
// positional argument.
func (a *GeminiAdapter) BuildPlanningCommand(request string, opts adapter.Options) adapter.SpawnSpec {
	args := []string{"--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	args = append(args, request)
	return adapter.SpawnSpec{
		Binary:  binaryName,
		Args:    args,
		Dir:     opts.WorkDir,
		Timeout: opts.Timeout,
	}
}

// ParsePlanOutput applies the shared plan-parsing rules.
func (a *GeminiAdapter) ParsePlanOutput(stdout, stderr string, exitCode int) adapter.PlanResult {
	return adapter.ParsePlanRun(stdout, stderr, exitCode)
}

// EstimateTokens applies the shared character heuristic.
func (a *GeminiAdapter) EstimateTokens(prompt string) adapter.TokenEstimate {
	return adapter.Estimate(prompt)
}

func (a *GeminiAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		SupportsPlanning:   true,
		SupportsJSONOutput: true,
		SupportedTaskTypes: []string{"coding", "testing", "review", "refactor", "debug", "document", "analyze"},
		DefaultModel:       defaultModel,
	}
}

var _ adapter.Adapter = (*GeminiAdapter)(nil)

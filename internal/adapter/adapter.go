// Package adapter defines the capability surface over external coding-agent
// CLIs and the registry adapters install themselves into.
package adapter

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// ID identifies an adapter.
type ID string

const (
	IDClaudeCode ID = "claude-code"
	IDCodex      ID = "codex"
	IDGemini     ID = "gemini-cli"
)

// BillingMode is how a provider charges for a run.
type BillingMode string

const (
	BillingAPI          BillingMode = "api"
	BillingSubscription BillingMode = "subscription"
	BillingFree         BillingMode = "free"
	// BillingUnavailable means no billing mode could be detected; cost
	// accounting skips such runs.
	BillingUnavailable BillingMode = "unavailable"
)

// BillingModeEnvVar overrides billing detection for every adapter.
const BillingModeEnvVar = "ADT_BILLING_MODE"

// HealthStatus is the result of probing an adapter's CLI.
type HealthStatus struct {
	Healthy              bool
	Version              string
	CLIPath              string
	DetectedBillingModes []BillingMode
	SupportsHeadless     bool
	Error                string
}

// SpawnSpec describes the subprocess an adapter wants started.
type SpawnSpec struct {
	Binary  string
	Args    []string
	Env     []string
	Dir     string
	Stdin   string
	Timeout time.Duration
}

// TokenUsage is a normalized token count.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

// ResultMetadata carries optional execution details parsed from output.
type ResultMetadata struct {
	ExecutionTime time.Duration
	TokensUsed    *TokenUsage
	Model         string
	CostUSD       float64
}

// ExecutionResult is the parsed outcome of a task run.
type ExecutionResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Metadata ResultMetadata
}

// PlannedTask is one task proposed by a planning run.
type PlannedTask struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Prompt      string   `json:"prompt"`
	Type        string   `json:"type"`
	DependsOn   []string `json:"depends_on"`
	Description string   `json:"description,omitempty"`
}

// PlanResult is the parsed outcome of a planning run.
type PlanResult struct {
	Success   bool
	Tasks     []PlannedTask
	Error     string
	RawOutput string
}

// TokenEstimate is a pre-dispatch guess at a prompt's token consumption.
type TokenEstimate struct {
	Input  int
	Output int
	Total  int
}

// Capabilities describes what an adapter supports.
type Capabilities struct {
	SupportsPlanning     bool
	SupportsJSONOutput   bool
	SupportsStdinPrompt  bool
	SupportedTaskTypes   []string
	DefaultModel         string
	MaxConcurrentWorkers int
}

// Options tunes a single command build.
type Options struct {
	WorkDir     string
	Model       string
	Timeout     time.Duration
	BillingMode BillingMode
}

// Adapter is the capability surface every agent CLI integration implements.
type Adapter interface {
	ID() ID
	Name() string
	Version() string
	HealthCheck(ctx context.Context) HealthStatus
	BuildCommand(prompt string, opts Options) SpawnSpec
	ParseOutput(stdout, stderr string, exitCode int) ExecutionResult
	BuildPlanningCommand(request string, opts Options) SpawnSpec
	ParsePlanOutput(stdout, stderr string, exitCode int) PlanResult
	EstimateTokens(prompt string) TokenEstimate
	Capabilities() Capabilities
}

// charsPerToken is the estimation heuristic: roughly 3 characters per token,
// with output guessed at half the input.
const (
	charsPerToken    = 3
	outputTokenRatio = 0.5
)

// Estimate applies the shared token heuristic to a prompt.
func Estimate(prompt string) TokenEstimate {
	input := (len(prompt) + charsPerToken - 1) / charsPerToken
	output := int(float64(input) * outputTokenRatio)
	return TokenEstimate{Input: input, Output: output, Total: input + output}
}

// DetectBillingMode resolves the billing mode: the ADT_BILLING_MODE override
// wins, then the provider's API key env var selects api, then the adapter's
// subscription support decides between subscription and unavailable.
func DetectBillingMode(apiKeyEnvVar string, supportsSubscription bool) BillingMode {
	switch BillingMode(os.Getenv(BillingModeEnvVar)) {
	case BillingAPI:
		return BillingAPI
	case BillingSubscription:
		return BillingSubscription
	case BillingFree:
		return BillingFree
	}
	if os.Getenv(apiKeyEnvVar) != "" {
		return BillingAPI
	}
	if supportsSubscription {
		return BillingSubscription
	}
	return BillingUnavailable
}

// ErrUnknownAdapter is returned when an unregistered id is requested.
var ErrUnknownAdapter = fmt.Errorf("unknown adapter")

var (
	registryMu      sync.RWMutex
	adapterRegistry = make(map[ID]func() Adapter)
)

// Register installs a factory for the given id. Provider packages call this
// from init().
func Register(id ID, factory func() Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	adapterRegistry[id] = factory
}

// New instantiates the adapter registered under id.
func New(id ID) (Adapter, error) {
	registryMu.RLock()
	factory, ok := adapterRegistry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, id)
	}
	return factory(), nil
}

// RegisteredIDs returns every installed adapter id, sorted.
func RegisteredIDs() []ID {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]ID, 0, len(adapterRegistry))
	for id := range adapterRegistry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/errdefs"
)

// fakeAdapter is a minimal adapter whose health is fixed at construction.
type fakeAdapter struct {
	id       ID
	healthy  bool
	planning bool
}

func (f *fakeAdapter) ID() ID          { return f.id }
func (f *fakeAdapter) Name() string    { return string(f.id) }
func (f *fakeAdapter) Version() string { return "test" }
func (f *fakeAdapter) HealthCheck(context.Context) HealthStatus {
	if !f.healthy {
		return HealthStatus{Healthy: false, Error: "binary not found"}
	}
	return HealthStatus{Healthy: true, Version: "9.9", CLIPath: "/usr/bin/" + string(f.id), SupportsHeadless: true}
}
func (f *fakeAdapter) BuildCommand(prompt string, opts Options) SpawnSpec {
	return SpawnSpec{Binary: string(f.id), Args: []string{prompt}, Dir: opts.WorkDir}
}
func (f *fakeAdapter) ParseOutput(stdout, stderr string, exitCode int) ExecutionResult {
	return ParseTaskRun(stdout, stderr, exitCode)
}
func (f *fakeAdapter) BuildPlanningCommand(request string, opts Options) SpawnSpec {
	return f.BuildCommand(request, opts)
}
func (f *fakeAdapter) ParsePlanOutput(stdout, stderr string, exitCode int) PlanResult {
	return ParsePlanRun(stdout, stderr, exitCode)
}
func (f *fakeAdapter) EstimateTokens(prompt string) TokenEstimate { return Estimate(prompt) }
func (f *fakeAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsPlanning: f.planning}
}

// withCleanRegistry swaps in an empty registry for the test's duration.
func withCleanRegistry(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	saved := adapterRegistry
	adapterRegistry = make(map[ID]func() Adapter)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		adapterRegistry = saved
		registryMu.Unlock()
	})
}

func TestDiscover_RegistersHealthySkipsUnhealthy(t *testing.T) {
	withCleanRegistry(t)
	Register("healthy-a", func() Adapter { return &fakeAdapter{id: "healthy-a", healthy: true, planning: true} })
	Register("healthy-b", func() Adapter { return &fakeAdapter{id: "healthy-b", healthy: true} })
	Register("broken", func() Adapter { return &fakeAdapter{id: "broken"} })

	r, err := Discover(context.Background())
	require.NoError(t, err)

	report := r.Report()
	require.Equal(t, 2, report.Registered)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 3)

	require.True(t, r.Has("healthy-a"))
	require.False(t, r.Has("broken"))
	require.Equal(t, []ID{"healthy-a", "healthy-b"}, r.IDs())
}

func TestDiscover_UnhealthyAdapterDoesNotBlockStartup(t *testing.T) {
	withCleanRegistry(t)
	Register("broken", func() Adapter { return &fakeAdapter{id: "broken"} })

	r, err := Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, r.Report().Registered)
	require.Equal(t, 1, r.Report().Failed)
}

func TestRegistry_GetUnknownIsAdapterUnavailable(t *testing.T) {
	withCleanRegistry(t)
	r, err := Discover(context.Background())
	require.NoError(t, err)

	_, err = r.Get("ghost")
	require.True(t, errdefs.IsKind(err, errdefs.KindAdapterUnavailable))
}

func TestRegistry_PlanningCapableFilter(t *testing.T) {
	withCleanRegistry(t)
	Register("planner", func() Adapter { return &fakeAdapter{id: "planner", healthy: true, planning: true} })
	Register("runner", func() Adapter { return &fakeAdapter{id: "runner", healthy: true} })

	r, err := Discover(context.Background())
	require.NoError(t, err)

	capable := r.PlanningCapable()
	require.Len(t, capable, 1)
	require.Equal(t, ID("planner"), capable[0].ID())
}

func TestRegistry_KnownAgents(t *testing.T) {
	withCleanRegistry(t)
	Register("planner", func() Adapter { return &fakeAdapter{id: "planner", healthy: true} })

	r, err := Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"planner": true}, r.KnownAgents())
}

func TestProbe_MissingBinary(t *testing.T) {
	status := Probe(context.Background(), "definitely-not-a-real-binary-xyz")
	require.False(t, status.Healthy)
	require.Contains(t, status.Error, "not found on PATH")
}

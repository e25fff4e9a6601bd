package adapter

import (
	"context"

	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/log"
)

// DiscoveryResult is one adapter's health probe outcome.
type DiscoveryResult struct {
	ID     ID
	Name   string
	Status HealthStatus
}

// DiscoveryReport summarizes a discovery pass.
type DiscoveryReport struct {
	Registered int
	Failed     int
	Results    []DiscoveryResult
}

// Registry holds the adapters that passed their health check. Unhealthy
// adapters are reported but never block startup.
type Registry struct {
	adapters map[ID]Adapter
	report   DiscoveryReport
}

// Discover instantiates every installed adapter, health checks them
// sequentially in id order, and registers the healthy ones.
func Discover(ctx context.Context) (*Registry, error) {
	r := &Registry{adapters: make(map[ID]Adapter)}

	for _, id := range RegisteredIDs() {
		a, err := New(id)
		if err != nil {
			return nil, err
		}
		status := a.HealthCheck(ctx)
		r.report.Results = append(r.report.Results, DiscoveryResult{ID: id, Name: a.Name(), Status: status})
		if !status.Healthy {
			r.report.Failed++
			log.Warn(log.CatAdapter, "Adapter unhealthy", "adapter", id, "error", status.Error)
			continue
		}
		r.adapters[id] = a
		r.report.Registered++
		log.Info(log.CatAdapter, "Adapter registered",
			"adapter", id, "version", status.Version, "cliPath", status.CLIPath)
	}
	return r, nil
}

// Report returns the discovery report.
func (r *Registry) Report() DiscoveryReport {
	return r.report
}

// Get returns the registered adapter for id.
func (r *Registry) Get(id ID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, errdefs.AdapterUnavailable("adapter %s is not registered", id)
	}
	return a, nil
}

// Has reports whether the id is registered.
func (r *Registry) Has(id ID) bool {
	_, ok := r.adapters[id]
	return ok
}

// IDs returns the registered adapter ids, sorted.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.adapters))
	for _, id := range RegisteredIDs() {
		if r.Has(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// KnownAgents returns the registered ids as the set graph validation
// consumes.
func (r *Registry) KnownAgents() map[string]bool {
	known := make(map[string]bool, len(r.adapters))
	for id := range r.adapters {
		known[string(id)] = true
	}
	return known
}

// BillingModeFor returns the billing mode detected for id during
// discovery, or BillingUnavailable when none was.
func (r *Registry) BillingModeFor(id ID) BillingMode {
	for _, res := range r.report.Results {
		if res.ID == id && len(res.Status.DetectedBillingModes) > 0 {
			return res.Status.DetectedBillingModes[0]
		}
	}
	return BillingUnavailable
}

// PlanningCapable returns the registered adapters that support planning,
// in id order.
func (r *Registry) PlanningCapable() []Adapter {
	var out []Adapter
	for _, id := range r.IDs() {
		if a := r.adapters[id]; a.Capabilities().SupportsPlanning {
			out = append(out, a)
		}
	}
	return out
}

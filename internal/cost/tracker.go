// Package cost implements the cost-accounting write path: a bus subscriber
// that turns routing and completion events into append-only cost rows.
package cost

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/substratehq/substrate/internal/adapter"
	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/store"
)

// routeTTL bounds how long a routing entry without a matching completion
// survives; a worker never legitimately runs this long.
const routeTTL = 24 * time.Hour

// Aggregate token counts are split 25% input / 75% output until payloads
// carry per-direction figures.
const (
	inputSplitRatio  = 0.25
	outputSplitRatio = 0.75
)

// Tracker records one cost row per task outcome. Routing arrives on
// task:routed and is held in an in-memory cache owned exclusively by this
// subscriber's handlers.
type Tracker struct {
	store    *store.Store
	eventBus *bus.Bus
	routes   *gocache.Cache
}

// NewTracker creates a Tracker.
func NewTracker(s *store.Store, eventBus *bus.Bus) *Tracker {
	return &Tracker{
		store:    s,
		eventBus: eventBus,
		routes:   gocache.New(routeTTL, routeTTL),
	}
}

// Start registers the tracker's subscriptions.
func (t *Tracker) Start() {
	t.eventBus.Subscribe(bus.TaskRouted, "cost-tracker", func(payload any) {
		if p, ok := payload.(bus.TaskRoutedPayload); ok {
			t.onRouted(p)
		}
	})
	t.eventBus.Subscribe(bus.TaskComplete, "cost-tracker", func(payload any) {
		if p, ok := payload.(bus.TaskCompletePayload); ok {
			t.onComplete(p)
		}
	})
	t.eventBus.Subscribe(bus.TaskFailed, "cost-tracker", func(payload any) {
		if p, ok := payload.(bus.TaskFailedPayload); ok {
			t.onFailed(p)
		}
	})
}

// Stop removes the tracker's subscriptions.
func (t *Tracker) Stop() {
	t.eventBus.Unsubscribe(bus.TaskRouted, "cost-tracker")
	t.eventBus.Unsubscribe(bus.TaskComplete, "cost-tracker")
	t.eventBus.Unsubscribe(bus.TaskFailed, "cost-tracker")
}

func routeKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

func (t *Tracker) onRouted(p bus.TaskRoutedPayload) {
	// An unavailable billing mode means the task was never actually
	// routed to a billable provider; nothing to account for.
	if p.BillingMode == string(adapter.BillingUnavailable) {
		log.Debug(log.CatCost, "Routing without billing skipped", "taskID", p.TaskID)
		return
	}
	t.routes.Set(routeKey(p.SessionID, p.TaskID), p, routeTTL)
}

func (t *Tracker) takeRoute(sessionID, taskID string) (bus.TaskRoutedPayload, bool) {
	key := routeKey(sessionID, taskID)
	v, ok := t.routes.Get(key)
	if !ok {
		return bus.TaskRoutedPayload{}, false
	}
	t.routes.Delete(key)
	route, ok := v.(bus.TaskRoutedPayload)
	return route, ok
}

func (t *Tracker) onComplete(p bus.TaskCompletePayload) {
	route, ok := t.takeRoute(p.SessionID, p.TaskID)
	if !ok {
		log.Debug(log.CatCost, "Completion without routing skipped", "taskID", p.TaskID)
		return
	}

	var tokensIn, tokensOut int
	if u := p.Result.TokensUsed; u != nil {
		tokensIn, tokensOut = u.Input, u.Output
		if tokensIn == 0 && tokensOut == 0 && u.Total > 0 {
			tokensIn = int(float64(u.Total) * inputSplitRatio)
			tokensOut = int(float64(u.Total) * outputSplitRatio)
		}
	}

	entry := &store.CostEntry{
		SessionID:    p.SessionID,
		TaskID:       p.TaskID,
		Agent:        route.Agent,
		Provider:     route.Provider,
		Model:        route.Model,
		BillingMode:  route.BillingMode,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
	}
	switch route.BillingMode {
	case string(adapter.BillingSubscription), string(adapter.BillingFree):
		// The run was covered by a flat plan; the metered price is what
		// the user avoided paying.
		entry.SavingsUSD = p.Result.CostUSD
	default:
		entry.CostUSD = p.Result.CostUSD
	}

	if err := t.store.Costs().Create(entry); err != nil {
		log.ErrorErr(log.CatCost, "Recording cost entry failed", err, "taskID", p.TaskID)
		return
	}
	if entry.CostUSD > 0 {
		if err := t.store.Sessions().AddCost(p.SessionID, entry.CostUSD); err != nil {
			log.ErrorErr(log.CatCost, "Accumulating session cost failed", err, "sessionID", p.SessionID)
		}
	}
	log.Debug(log.CatCost, "Cost entry recorded",
		"taskID", p.TaskID, "agent", route.Agent, "costUSD", entry.CostUSD)
}

func (t *Tracker) onFailed(p bus.TaskFailedPayload) {
	route, ok := t.takeRoute(p.SessionID, p.TaskID)
	if !ok {
		return
	}
	entry := &store.CostEntry{
		SessionID:   p.SessionID,
		TaskID:      p.TaskID,
		Agent:       route.Agent,
		Provider:    route.Provider,
		Model:       route.Model,
		BillingMode: route.BillingMode,
	}
	if err := t.store.Costs().Create(entry); err != nil {
		log.ErrorErr(log.CatCost, "Recording zero-cost entry failed", err, "taskID", p.TaskID)
	}
}

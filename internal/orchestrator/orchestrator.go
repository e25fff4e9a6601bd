// Package orchestrator wires the core together: one coordinator that loads
// a graph, recovers crashed state, dispatches ready tasks through the
// worktree manager and pool, and consumes durable control signals until the
// session settles.
package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/substratehq/substrate/internal/adapter"
	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/cost"
	"github.com/substratehq/substrate/internal/engine"
	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/git"
	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/pool"
	"github.com/substratehq/substrate/internal/session"
	"github.com/substratehq/substrate/internal/store"
	"github.com/substratehq/substrate/internal/tracing"
	"github.com/substratehq/substrate/internal/worktree"
)

// StateDBName is the store file under the project's .substrate directory.
const StateDBName = "state.db"

// signalPollInterval paces the durable-signal poll.
const signalPollInterval = 250 * time.Millisecond

// Orchestrator owns one project's orchestration runtime.
type Orchestrator struct {
	projectRoot string
	cfg         config.Config

	store     *store.Store
	gitExec   git.Executor
	eventBus  *bus.Bus
	registry  *adapter.Registry
	engine    *engine.Engine
	worktrees *worktree.Manager
	pool      *pool.Pool
	tracker   *cost.Tracker
	poller    *session.Poller
	watcher   *config.Watcher
	tracer    *tracing.Provider
	spans     *spanRecorder

	started bool
}

// RunResult reports how a session run ended.
type RunResult struct {
	SessionID  string                   `json:"sessionId"`
	Status     store.SessionStatus      `json:"status"`
	TaskCounts map[store.TaskStatus]int `json:"taskCounts"`
	Recovery   *engine.RecoverySummary  `json:"recovery,omitempty"`
}

// Open loads config and the state store for a project root.
func Open(projectRoot string) (*Orchestrator, error) {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(projectRoot, config.Dir, StateDBName))
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		projectRoot: projectRoot,
		cfg:         cfg,
		store:       st,
		eventBus:    bus.New(),
	}, nil
}

// Store exposes the state store for read-only front-end commands.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Bus exposes the event bus for front-end event streaming.
func (o *Orchestrator) Bus() *bus.Bus { return o.eventBus }

// Config returns the loaded configuration.
func (o *Orchestrator) Config() config.Config { return o.cfg }

// Registry returns the adapter registry; nil before Start.
func (o *Orchestrator) Registry() *adapter.Registry { return o.registry }

// Start discovers adapters, wires every subscriber, runs crash recovery
// and begins watching the config file. It returns the recovery summary.
func (o *Orchestrator) Start(ctx context.Context) (*engine.RecoverySummary, error) {
	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      o.cfg.Tracing.Enabled,
		Exporter:     o.cfg.Tracing.Exporter,
		FilePath:     o.tracePath(),
		OTLPEndpoint: o.cfg.Tracing.OTLPEndpoint,
		SampleRate:   o.cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	o.tracer = tracer

	discoverCtx, discoverSpan := tracer.Tracer().Start(ctx, tracing.SpanAdapterHealth)
	registry, err := adapter.Discover(discoverCtx)
	discoverSpan.End()
	if err != nil {
		return nil, err
	}
	o.registry = registry

	o.engine = engine.New(o.store, o.eventBus, cost.EstimateUSD)
	o.engine.Start()

	o.gitExec = git.NewCLIExecutor(o.projectRoot)
	o.worktrees = worktree.NewManager(
		o.projectRoot, o.cfg.Worktree.BaseBranch, o.gitExec,
		o.store.Tasks(), o.store.Sessions(), o.eventBus)
	o.worktrees.Start()

	o.pool = pool.New(registry, o.engine, o.store, o.eventBus,
		pool.WithCapacity(o.cfg.MaxConcurrentTasks),
		pool.WithGracePeriod(time.Duration(o.cfg.GracePeriodSeconds)*time.Second),
		pool.WithTaskTimeout(time.Duration(o.cfg.TaskTimeoutSeconds)*time.Second),
	)
	o.pool.Start()

	o.tracker = cost.NewTracker(o.store, o.eventBus)
	o.tracker.Start()

	o.poller = session.NewPoller(o.store, o.eventBus, o.pool)

	o.spans = newSpanRecorder(o.tracer)
	o.spans.Start(o.eventBus)

	o.subscribeMetrics()

	o.watcher = config.NewWatcher(o.projectRoot, o.eventBus, o.cfg)
	if err := o.watcher.Start(); err != nil {
		log.Warn(log.CatConfig, "Config watch unavailable", "error", err.Error())
		o.watcher = nil
	}

	summary, err := o.engine.Recover()
	if err != nil {
		return nil, err
	}
	o.started = true
	return summary, nil
}

// Stop tears the runtime down in reverse wiring order.
func (o *Orchestrator) Stop() {
	if o.watcher != nil {
		o.watcher.Stop()
	}
	if o.started {
		o.spans.Stop(o.eventBus)
		o.tracker.Stop()
		o.pool.Stop()
		o.worktrees.Stop()
		o.engine.Stop()
	}
	if o.tracer != nil {
		_ = o.tracer.Shutdown(context.Background())
	}
	o.eventBus.Close()
	_ = o.store.Close()
}

func (o *Orchestrator) tracePath() string {
	if o.cfg.Tracing.FilePath != "" {
		return o.cfg.Tracing.FilePath
	}
	return filepath.Join(o.projectRoot, config.Dir, "traces", "traces.jsonl")
}

// subscribeMetrics samples scheduler pressure after every task outcome.
func (o *Orchestrator) subscribeMetrics() {
	record := func(sessionID string) {
		o.eventBus.Emit(bus.MetricsRecorded, bus.MetricsRecordedPayload{
			SessionID:     sessionID,
			QueueDepth:    o.pool.QueueDepth(),
			ActiveWorkers: o.pool.ActiveWorkers(),
			PoolCapacity:  o.pool.Capacity(),
		})
	}
	o.eventBus.Subscribe(bus.TaskComplete, "orchestrator-metrics", func(p any) {
		if tc, ok := p.(bus.TaskCompletePayload); ok {
			record(tc.SessionID)
		}
	})
	o.eventBus.Subscribe(bus.TaskFailed, "orchestrator-metrics", func(p any) {
		if tf, ok := p.(bus.TaskFailedPayload); ok {
			record(tf.SessionID)
		}
	})
}

// StartSession validates the graph file and creates the session.
func (o *Orchestrator) StartSession(sessionID, graphPath string) (*store.Session, *graph.Graph, error) {
	var known map[string]bool
	if o.registry != nil {
		known = o.registry.KnownAgents()
	}
	g, err := graph.Load(graphPath, known)
	if err != nil {
		return nil, nil, err
	}

	// The config-level default budget applies only when the graph does
	// not set its own.
	if g.Session.BudgetUSD == nil && o.cfg.Budget.DefaultUSD > 0 {
		budget := o.cfg.Budget.DefaultUSD
		g.Session.BudgetUSD = &budget
	}

	// Pin the base branch at creation so worktrees provisioned after a
	// restart still fork from the same point.
	baseBranch := o.cfg.Worktree.BaseBranch
	if baseBranch == "" && o.gitExec != nil {
		if detected, err := o.gitExec.MainBranch(); err == nil {
			baseBranch = detected
		}
	}

	sess, err := o.engine.CreateSession(sessionID, graphPath, baseBranch, o.cfg.DefaultAgent, g)
	if err != nil {
		return nil, nil, err
	}
	return sess, g, nil
}

// RunSession drives a session until it reaches a terminal status, becomes
// blocked, or the context is cancelled.
func (o *Orchestrator) RunSession(ctx context.Context, sessionID string) (*RunResult, error) {
	runCtx, span := o.tracer.Tracer().Start(ctx, tracing.SpanSessionRun)
	span.SetAttributes(attribute.String(tracing.AttrSessionID, sessionID))
	defer span.End()

	// An empty graph completes without dispatching anything.
	if done, err := o.engine.CompleteIfQuiescent(sessionID); err != nil {
		return nil, err
	} else if !done {
		if _, err := o.engine.PromoteReady(sessionID); err != nil {
			return nil, err
		}
		if err := o.loop(runCtx, sessionID); err != nil {
			return nil, err
		}
	}
	return o.result(sessionID)
}

// ResumeSession reactivates an interrupted session and drives it.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (*RunResult, error) {
	if err := o.engine.ResumeInterrupted(sessionID); err != nil {
		return nil, err
	}
	return o.RunSession(ctx, sessionID)
}

func (o *Orchestrator) loop(ctx context.Context, sessionID string) error {
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.interrupt(sessionID)
		case <-ticker.C:
		}

		signals, err := o.poller.Poll(sessionID)
		if err != nil {
			return err
		}
		for _, sig := range signals {
			if sig == store.SignalResume {
				if _, err := o.engine.PromoteReady(sessionID); err != nil {
					return err
				}
			}
		}

		sess, err := o.store.Sessions().Get(sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		if sess.Status != store.SessionActive {
			continue
		}

		done, err := o.engine.Quiescent(sessionID)
		if err != nil {
			return err
		}
		if done {
			// The engine's completion handler normally fires first; this
			// covers sessions whose last outcome landed before Start.
			if _, err := o.engine.CompleteIfQuiescent(sessionID); err != nil {
				return err
			}
			return nil
		}

		blocked, err := o.isBlocked(sessionID)
		if err != nil {
			return err
		}
		if blocked {
			log.Warn(log.CatEngine, "Session blocked, no dispatchable work remains",
				"sessionID", sessionID)
			return nil
		}
	}
}

// isBlocked reports whether an active session can make no further
// progress: nothing running, nothing queued and nothing promotable.
func (o *Orchestrator) isBlocked(sessionID string) (bool, error) {
	if o.pool.ActiveWorkers() > 0 || o.pool.QueueDepth() > 0 {
		return false, nil
	}
	counts, err := o.store.Tasks().CountByStatus(sessionID)
	if err != nil {
		return false, err
	}
	if counts[store.TaskReady] > 0 || counts[store.TaskRunning] > 0 {
		return false, nil
	}
	ready, err := o.engine.ReadySet(sessionID)
	if err != nil {
		return false, err
	}
	return len(ready) == 0, nil
}

// interrupt marks the session interrupted and tears down its workers, as
// on SIGINT.
func (o *Orchestrator) interrupt(sessionID string) error {
	o.pool.TerminateAll("shutdown")
	sess, err := o.store.Sessions().Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.SessionActive {
		if err := o.store.Sessions().UpdateStatus(sessionID, store.SessionInterrupted); err != nil {
			return err
		}
		log.Info(log.CatSession, "Session interrupted", "sessionID", sessionID)
		_ = o.store.Logs().Append(sessionID, "", "session:interrupted", "shutdown requested")
	}
	return nil
}

func (o *Orchestrator) result(sessionID string) (*RunResult, error) {
	sess, err := o.store.Sessions().Get(sessionID)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.Tasks().CountByStatus(sessionID)
	if err != nil {
		return nil, err
	}
	return &RunResult{
		SessionID:  sessionID,
		Status:     sess.Status,
		TaskCounts: counts,
	}, nil
}

// FirstInterrupted surfaces the engine helper for the front-end's
// resume-or-archive prompt.
func (o *Orchestrator) FirstInterrupted() (*store.Session, error) {
	if o.engine == nil {
		return nil, errdefs.System("orchestrator not started")
	}
	return o.engine.FirstInterrupted()
}

// ArchiveSession abandons an interrupted session.
func (o *Orchestrator) ArchiveSession(sessionID string) error {
	return o.engine.ArchiveSession(sessionID)
}

// Worktrees exposes the worktree manager for front-end listing.
func (o *Orchestrator) Worktrees() *worktree.Manager { return o.worktrees }

// Package pool runs worker subprocesses for dispatched tasks. It spawns a
// worker only after the task's worktree exists and reports every outcome
// on the event bus; it never writes task rows itself beyond the running
// mark delegated to the engine.
package pool

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/substratehq/substrate/internal/adapter"
	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/store"
)

// DefaultCapacity is the worker cap when configuration supplies none.
const DefaultCapacity = 4

// DefaultGracePeriod is how long a terminating worker gets between SIGTERM
// and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// WorkerStatus is a worker's lifecycle phase.
type WorkerStatus string

const (
	WorkerSpawning    WorkerStatus = "spawning"
	WorkerRunning     WorkerStatus = "running"
	WorkerTerminating WorkerStatus = "terminating"
)

// WorkerInfo is a point-in-time snapshot of one worker.
type WorkerInfo struct {
	WorkerID  string       `json:"workerId"`
	SessionID string       `json:"sessionId"`
	TaskID    string       `json:"taskId"`
	AgentID   string       `json:"agentId"`
	PID       int          `json:"pid"`
	Status    WorkerStatus `json:"status"`
	StartedAt time.Time    `json:"startedAt"`
}

// TaskMarker moves a task to running before worker:spawned is emitted. The
// engine implements it.
type TaskMarker interface {
	MarkTaskRunning(sessionID, taskID, workerID string) error
}

type worker struct {
	id         string
	sessionID  string
	taskID     string
	agentID    string
	status     WorkerStatus
	termReason string
	startedAt  time.Time
	cmd        *exec.Cmd
	done       chan struct{}
}

// Pool spawns and supervises worker subprocesses up to a capacity cap.
// Dispatches arriving at capacity are deferred in FIFO order.
type Pool struct {
	registry *adapter.Registry
	marker   TaskMarker
	store    *store.Store
	eventBus *bus.Bus

	mu       sync.Mutex
	workers  map[string]*worker
	deferred []bus.WorktreeCreatedPayload
	capacity int
	grace    time.Duration
	timeout  time.Duration
	closed   bool
}

// Option tunes a Pool.
type Option func(*Pool)

// WithCapacity sets the concurrent-worker cap.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithGracePeriod sets the SIGTERM-to-SIGKILL grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithTaskTimeout caps each worker's wall-clock runtime. Zero means no cap.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// New creates a Pool.
func New(registry *adapter.Registry, marker TaskMarker, st *store.Store, eventBus *bus.Bus, opts ...Option) *Pool {
	p := &Pool{
		registry: registry,
		marker:   marker,
		store:    st,
		eventBus: eventBus,
		workers:  make(map[string]*worker),
		capacity: DefaultCapacity,
		grace:    DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start registers the pool's subscriptions. Workers spawn only on
// worktree:created, never on task:ready.
func (p *Pool) Start() {
	p.eventBus.Subscribe(bus.WorktreeCreated, "pool", func(payload any) {
		wt, ok := payload.(bus.WorktreeCreatedPayload)
		if !ok {
			return
		}
		p.admit(wt)
	})
	p.eventBus.Subscribe(bus.ConfigReloaded, "pool", func(payload any) {
		cfg, ok := payload.(bus.ConfigReloadedPayload)
		if !ok || cfg.MaxConcurrentTasks <= 0 {
			return
		}
		p.Resize(cfg.MaxConcurrentTasks)
	})
}

// Stop unsubscribes and terminates every worker.
func (p *Pool) Stop() {
	p.eventBus.Unsubscribe(bus.WorktreeCreated, "pool")
	p.eventBus.Unsubscribe(bus.ConfigReloaded, "pool")
	p.mu.Lock()
	p.closed = true
	p.deferred = nil
	p.mu.Unlock()
	p.TerminateAll("shutdown")
}

// Resize changes the capacity cap. Growing drains the deferred queue;
// shrinking never preempts running workers.
func (p *Pool) Resize(capacity int) {
	p.mu.Lock()
	p.capacity = capacity
	p.mu.Unlock()
	log.Info(log.CatPool, "Pool resized", "capacity", capacity)
	p.drain()
}

// Capacity returns the current worker cap.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// ActiveWorkers returns the number of live workers.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// QueueDepth returns the number of deferred dispatches.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}

// Workers returns a snapshot of every live worker, ordered by start time.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		pid := 0
		if w.cmd != nil && w.cmd.Process != nil {
			pid = w.cmd.Process.Pid
		}
		out = append(out, WorkerInfo{
			WorkerID:  w.id,
			SessionID: w.sessionID,
			TaskID:    w.taskID,
			AgentID:   w.agentID,
			PID:       pid,
			Status:    w.status,
			StartedAt: w.startedAt,
		})
	}
	sortWorkers(out)
	return out
}

func sortWorkers(infos []WorkerInfo) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].StartedAt.Before(infos[j-1].StartedAt); j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
}

// admit dispatches immediately when under capacity, otherwise queues.
func (p *Pool) admit(wt bus.WorktreeCreatedPayload) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.workers) >= p.capacity {
		p.deferred = append(p.deferred, wt)
		depth := len(p.deferred)
		p.mu.Unlock()
		log.Debug(log.CatPool, "Dispatch deferred at capacity",
			"taskID", wt.TaskID, "queueDepth", depth)
		return
	}
	p.mu.Unlock()
	p.spawn(wt)
}

// drain dispatches deferred work while capacity allows.
func (p *Pool) drain() {
	for {
		p.mu.Lock()
		if p.closed || len(p.deferred) == 0 || len(p.workers) >= p.capacity {
			p.mu.Unlock()
			return
		}
		next := p.deferred[0]
		p.deferred = p.deferred[1:]
		p.mu.Unlock()
		p.spawn(next)
	}
}

func (p *Pool) failTask(sessionID, taskID, msg, code string) {
	p.eventBus.Emit(bus.TaskFailed, bus.TaskFailedPayload{
		SessionID: sessionID,
		TaskID:    taskID,
		Error:     bus.TaskError{Message: msg, Code: code},
	})
}

// spawn runs the full dispatch sequence for one task.
func (p *Pool) spawn(wt bus.WorktreeCreatedPayload) {
	task, err := p.store.Tasks().Get(wt.SessionID, wt.TaskID)
	if err != nil {
		p.failTask(wt.SessionID, wt.TaskID, err.Error(), "dispatch")
		return
	}
	agentID := task.Agent
	if agentID == "" {
		sess, err := p.store.Sessions().Get(wt.SessionID)
		if err != nil {
			p.failTask(wt.SessionID, wt.TaskID, err.Error(), "dispatch")
			return
		}
		agentID = sess.DefaultAgent
	}

	agent, err := p.registry.Get(adapter.ID(agentID))
	if err != nil {
		p.failTask(wt.SessionID, wt.TaskID, err.Error(), "adapter")
		return
	}

	spec := agent.BuildCommand(task.Prompt, adapter.Options{
		WorkDir: wt.WorktreePath,
		Timeout: p.timeout,
	})

	caps := agent.Capabilities()
	p.eventBus.Emit(bus.TaskRouted, bus.TaskRoutedPayload{
		SessionID:   wt.SessionID,
		TaskID:      wt.TaskID,
		Agent:       agentID,
		Provider:    agent.Name(),
		Model:       caps.DefaultModel,
		BillingMode: string(p.registry.BillingModeFor(agent.ID())),
	})

	w := &worker{
		id:        uuid.NewString(),
		sessionID: wt.SessionID,
		taskID:    wt.TaskID,
		agentID:   agentID,
		status:    WorkerSpawning,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	p.workers[w.id] = w
	p.mu.Unlock()

	p.eventBus.Emit(bus.TaskStarted, bus.TaskStartedPayload{
		SessionID: wt.SessionID,
		TaskID:    wt.TaskID,
		WorkerID:  w.id,
		Agent:     agentID,
	})

	if err := p.startProcess(w, spec); err != nil {
		p.remove(w.id)
		p.failTask(wt.SessionID, wt.TaskID, err.Error(), "spawn")
		p.drain()
		return
	}
}

// startProcess starts the subprocess and hands supervision to a goroutine.
// The task row is marked running before worker:spawned goes out.
func (p *Pool) startProcess(w *worker, spec adapter.SpawnSpec) error {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// The worker leads its own process group so termination reaches any
	// children the agent CLI forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var stdin io.WriteCloser
	if spec.Stdin != "" {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	w.cmd = cmd
	w.status = WorkerRunning

	if stdin != nil {
		prompt := spec.Stdin
		log.SafeGo("pool-stdin", func() {
			_, _ = io.WriteString(stdin, prompt)
			_ = stdin.Close()
		})
	}

	if err := p.marker.MarkTaskRunning(w.sessionID, w.taskID, w.id); err != nil {
		log.ErrorErr(log.CatPool, "Marking task running failed", err, "taskID", w.taskID)
		p.terminate(w, "mark-running-failed")
	}

	p.eventBus.Emit(bus.WorkerSpawned, bus.WorkerSpawnedPayload{
		SessionID: w.sessionID,
		TaskID:    w.taskID,
		WorkerID:  w.id,
		PID:       cmd.Process.Pid,
	})
	log.Info(log.CatPool, "Worker spawned",
		"workerID", w.id, "taskID", w.taskID, "pid", cmd.Process.Pid)

	if spec.Timeout > 0 {
		timeout := spec.Timeout
		log.SafeGo("pool-timeout", func() {
			select {
			case <-w.done:
			case <-time.After(timeout):
				log.Warn(log.CatPool, "Worker timed out", "workerID", w.id, "taskID", w.taskID)
				p.TerminateWorker(w.id, "timeout")
			}
		})
	}

	agentID := w.agentID
	log.SafeGo("pool-wait", func() {
		err := cmd.Wait()
		close(w.done)
		p.finish(w, agentID, stdout.String(), stderr.String(), exitCodeOf(err))
	})
	return nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// finish parses the run's output and emits exactly one of task:complete or
// task:failed. A deliberately terminated worker skips output parsing; its
// task fails with the termination reason unless something else already
// moved it to a terminal status (cancel marks tasks cancelled before
// terminating their workers).
func (p *Pool) finish(w *worker, agentID, stdout, stderr string, exitCode int) {
	p.mu.Lock()
	terminated := w.status == WorkerTerminating
	reason := w.termReason
	p.mu.Unlock()
	p.remove(w.id)

	if terminated {
		log.Debug(log.CatPool, "Terminated worker exited",
			"workerID", w.id, "taskID", w.taskID, "reason", reason)
		if task, err := p.store.Tasks().Get(w.sessionID, w.taskID); err == nil && !task.Status.Terminal() {
			p.failTask(w.sessionID, w.taskID, "worker terminated: "+reason, "terminated")
		}
		p.drain()
		return
	}

	agent, err := p.registry.Get(adapter.ID(agentID))
	if err != nil {
		p.failTask(w.sessionID, w.taskID, err.Error(), "adapter")
		p.drain()
		return
	}
	result := agent.ParseOutput(stdout, stderr, exitCode)

	if result.Success {
		var usage *bus.TokenUsage
		if tu := result.Metadata.TokensUsed; tu != nil {
			usage = &bus.TokenUsage{Input: tu.Input, Output: tu.Output, Total: tu.Total}
		}
		p.eventBus.Emit(bus.TaskComplete, bus.TaskCompletePayload{
			SessionID: w.sessionID,
			TaskID:    w.taskID,
			Result: bus.TaskResult{
				Output:     result.Output,
				ExitCode:   result.ExitCode,
				TokensUsed: usage,
				CostUSD:    result.Metadata.CostUSD,
				Duration:   time.Since(w.startedAt),
			},
		})
	} else {
		p.failTask(w.sessionID, w.taskID, result.Error, "worker")
	}
	p.drain()
}

func (p *Pool) remove(workerID string) {
	p.mu.Lock()
	delete(p.workers, workerID)
	p.mu.Unlock()
}

// TerminateWorker stops one worker: SIGTERM, then SIGKILL after the grace
// period. It is idempotent and a no-op for unknown ids.
func (p *Pool) TerminateWorker(workerID, reason string) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok || w.status == WorkerTerminating {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.terminate(w, reason)
}

func (p *Pool) terminate(w *worker, reason string) {
	p.mu.Lock()
	if w.status == WorkerTerminating {
		p.mu.Unlock()
		return
	}
	w.status = WorkerTerminating
	w.termReason = reason
	// The entry leaves the pool at termination time; the process itself may
	// linger for up to the grace period before its wait goroutine runs.
	delete(p.workers, w.id)
	cmd := w.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	log.Info(log.CatPool, "Terminating worker",
		"workerID", w.id, "taskID", w.taskID, "reason", reason)
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	grace := p.grace
	workerID := w.id
	done := w.done
	log.SafeGo("pool-terminate", func() {
		select {
		case <-done:
		case <-time.After(grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			p.eventBus.Emit(bus.WorkerTerminated, bus.WorkerTerminatedPayload{
				WorkerID: workerID,
				Reason:   reason,
			})
			log.Warn(log.CatPool, "Worker force killed", "workerID", workerID, "reason", reason)
		}
	})
}

// TerminateAll stops every live worker and waits for their exits.
func (p *Pool) TerminateAll(reason string) {
	p.mu.Lock()
	live := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		live = append(live, w)
	}
	p.mu.Unlock()

	for _, w := range live {
		p.terminate(w, reason)
	}
	deadline := time.After(p.grace + time.Second)
	for _, w := range live {
		select {
		case <-w.done:
		case <-deadline:
			return
		}
	}
}

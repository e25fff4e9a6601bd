// Package bus provides the typed, synchronous, in-process event bus that
// carries all cross-module coordination inside the orchestration core.
package bus

import "time"

// Event names a bus event. Every cross-module effect in the core flows
// through one of these.
type Event string

const (
	TaskReady        Event = "task:ready"
	TaskRouted       Event = "task:routed"
	TaskStarted      Event = "task:started"
	WorkerSpawned    Event = "worker:spawned"
	WorkerTerminated Event = "worker:terminated"
	TaskComplete     Event = "task:complete"
	TaskFailed       Event = "task:failed"
	WorktreeCreated  Event = "worktree:created"
	ConfigReloaded   Event = "config:reloaded"
	SessionPause     Event = "session:pause"
	SessionResume    Event = "session:resume"
	SessionCancel    Event = "session:cancel"
	MetricsRecorded  Event = "monitor:metrics_recorded"
)

// TokenUsage is the normalized token count shape carried on completion
// events and cost rows.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// TaskReadyPayload announces that a pending task has all predecessors in a
// terminal state and may be dispatched.
type TaskReadyPayload struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	AgentID   string `json:"agentId"`
}

// TaskRoutedPayload records the agent/provider/model choice for a task,
// consumed by the cost tracker.
type TaskRoutedPayload struct {
	SessionID   string `json:"sessionId"`
	TaskID      string `json:"taskId"`
	Agent       string `json:"agent"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	BillingMode string `json:"billingMode"`
}

// TaskStartedPayload is emitted by the pool immediately before a worker
// subprocess is started.
type TaskStartedPayload struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	WorkerID  string `json:"workerId"`
	Agent     string `json:"agent"`
}

// WorkerSpawnedPayload is emitted after the subprocess has started and the
// task row has been marked running.
type WorkerSpawnedPayload struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	WorkerID  string `json:"workerId"`
	PID       int    `json:"pid"`
}

// WorkerTerminatedPayload is emitted for each worker that had to be
// forcibly killed after the termination grace period.
type WorkerTerminatedPayload struct {
	WorkerID string `json:"workerId"`
	Reason   string `json:"reason"`
}

// TaskResult carries the parsed outcome of a successful worker run.
type TaskResult struct {
	Output     string        `json:"output"`
	ExitCode   int           `json:"exitCode"`
	TokensUsed *TokenUsage   `json:"tokensUsed,omitempty"`
	CostUSD    float64       `json:"costUsd"`
	Duration   time.Duration `json:"-"`
}

// TaskCompletePayload is emitted exactly once per successful task run.
type TaskCompletePayload struct {
	SessionID string     `json:"sessionId"`
	TaskID    string     `json:"taskId"`
	Result    TaskResult `json:"result"`
}

// TaskError describes why a task run failed.
type TaskError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// TaskFailedPayload is emitted exactly once per failed task run.
type TaskFailedPayload struct {
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId"`
	Error     TaskError `json:"error"`
}

// WorktreeCreatedPayload is the pool's trigger to spawn a worker: a worker
// must never be spawned before its worktree exists.
type WorktreeCreatedPayload struct {
	SessionID    string `json:"sessionId"`
	TaskID       string `json:"taskId"`
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
}

// ConfigReloadedPayload carries the settings the pool re-reads at runtime.
type ConfigReloadedPayload struct {
	MaxConcurrentTasks int `json:"maxConcurrentTasks"`
}

// SessionSignalPayload accompanies session:pause, session:resume and
// session:cancel when the orchestrator consumes a durable signal.
type SessionSignalPayload struct {
	SessionID string `json:"sessionId"`
}

// MetricsRecordedPayload is the monitor write path: a point-in-time sample
// of scheduler pressure, recorded after each task completion.
type MetricsRecordedPayload struct {
	SessionID     string `json:"sessionId"`
	QueueDepth    int    `json:"queueDepth"`
	ActiveWorkers int    `json:"activeWorkers"`
	PoolCapacity  int    `json:"poolCapacity"`
}

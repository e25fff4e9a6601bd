package store

import "time"

// SessionStatus is the lifecycle state of an orchestration session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionPaused      SessionStatus = "paused"
	SessionCancelled   SessionStatus = "cancelled"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionAbandoned   SessionStatus = "abandoned"
)

var validSessionTransitions = map[SessionStatus][]SessionStatus{
	SessionActive:      {SessionPaused, SessionCancelled, SessionCompleted, SessionInterrupted},
	SessionPaused:      {SessionActive, SessionCancelled},
	SessionInterrupted: {SessionActive, SessionAbandoned, SessionCancelled},
	SessionCancelled:   {},
	SessionCompleted:   {},
	SessionAbandoned:   {},
}

// CanTransitionTo reports whether the session may move to the target status.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, allowed := range validSessionTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return len(validSessionTransitions[s]) == 0
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskReady, TaskCancelled, TaskFailed},
	TaskReady:   {TaskRunning, TaskCancelled, TaskFailed},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
	// failed -> pending is the retry path.
	TaskFailed:    {TaskPending},
	TaskCompleted: {},
	TaskCancelled: {},
}

// CanTransitionTo reports whether the task may move to the target status.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, allowed := range validTaskTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the task's run for scheduling
// purposes. Failed counts as terminal even though retry can reopen it.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Signal is a durable control request recorded in session_signals.
type Signal string

const (
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
	SignalCancel Signal = "cancel"
)

// Session is one row of the sessions table.
type Session struct {
	ID              string
	Name            string
	Status          SessionStatus
	GraphPath       string
	BaseBranch      string
	DefaultAgent    string
	BudgetUSD       *float64
	TotalCostUSD    float64
	PlanningCostUSD float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Task is one row of the tasks table.
type Task struct {
	ID             string
	SessionID      string
	Name           string
	Prompt         string
	Agent          string
	Status         TaskStatus
	WorkerID       *string
	WorktreePath   *string
	BranchName     *string
	Output         *string
	Error          *string
	ExitCode       *int
	TokensInput    *int
	TokensOutput   *int
	CostUSD        float64
	Retries        int
	MaxRetries     int
	BudgetExceeded bool
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Dependency is one edge of the task graph: task_id waits on depends_on.
type Dependency struct {
	SessionID string
	TaskID    string
	DependsOn string
}

// SessionSignal is one row of the session_signals table.
type SessionSignal struct {
	ID          int64
	SessionID   string
	Signal      Signal
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// CostEntry is one row of the cost_entries table.
type CostEntry struct {
	ID           int64
	SessionID    string
	TaskID       string
	Agent        string
	Provider     string
	Model        string
	BillingMode  string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	SavingsUSD   float64
	Estimated    bool
	CreatedAt    time.Time
}

// LogEntry is one row of the audit log.
type LogEntry struct {
	ID        int64
	SessionID string
	TaskID    *string
	Event     string
	OldStatus *string
	NewStatus *string
	Agent     *string
	CostUSD   *float64
	Data      string
	CreatedAt time.Time
}

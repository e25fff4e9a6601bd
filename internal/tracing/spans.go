package tracing

// Span names for the traced boundaries.
const (
	SpanSessionRun     = "session.run"
	SpanTaskExecute    = "task.execute"
	SpanAdapterHealth  = "adapter.health_check"
	SpanWorktreeCreate = "worktree.create"
)

// Attribute keys shared across spans.
const (
	AttrSessionID = "session.id"
	AttrTaskID    = "task.id"
	AttrWorkerID  = "worker.id"
	AttrAgentID   = "agent.id"
	AttrGraphPath = "graph.path"
	AttrExitCode  = "task.exit_code"
)

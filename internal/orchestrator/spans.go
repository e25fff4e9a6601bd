package orchestrator

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/tracing"
)

// spanRecorder turns task lifecycle events into task.execute spans and
// records worktree provisioning. It holds one live span per in-flight task.
type spanRecorder struct {
	provider *tracing.Provider

	mu    sync.Mutex
	spans map[string]trace.Span
}

func newSpanRecorder(provider *tracing.Provider) *spanRecorder {
	return &spanRecorder{provider: provider, spans: make(map[string]trace.Span)}
}

func spanKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

// Start wires the recorder to the bus. A disabled provider yields noop
// spans, so the subscriptions are registered unconditionally.
func (r *spanRecorder) Start(eventBus *bus.Bus) {
	eventBus.Subscribe(bus.TaskStarted, "span-recorder", func(p any) {
		if ts, ok := p.(bus.TaskStartedPayload); ok {
			r.begin(ts)
		}
	})
	eventBus.Subscribe(bus.TaskComplete, "span-recorder", func(p any) {
		if tc, ok := p.(bus.TaskCompletePayload); ok {
			r.end(tc.SessionID, tc.TaskID, tc.Result.ExitCode, "")
		}
	})
	eventBus.Subscribe(bus.TaskFailed, "span-recorder", func(p any) {
		if tf, ok := p.(bus.TaskFailedPayload); ok {
			r.end(tf.SessionID, tf.TaskID, -1, tf.Error.Message)
		}
	})
	eventBus.Subscribe(bus.WorktreeCreated, "span-recorder", func(p any) {
		if wt, ok := p.(bus.WorktreeCreatedPayload); ok {
			r.worktree(wt)
		}
	})
}

// Stop removes the subscriptions and ends any spans left open.
func (r *spanRecorder) Stop(eventBus *bus.Bus) {
	eventBus.Unsubscribe(bus.TaskStarted, "span-recorder")
	eventBus.Unsubscribe(bus.TaskComplete, "span-recorder")
	eventBus.Unsubscribe(bus.TaskFailed, "span-recorder")
	eventBus.Unsubscribe(bus.WorktreeCreated, "span-recorder")

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, span := range r.spans {
		span.End()
	}
	r.spans = make(map[string]trace.Span)
}

func (r *spanRecorder) begin(p bus.TaskStartedPayload) {
	_, span := r.provider.Tracer().Start(context.Background(), tracing.SpanTaskExecute)
	span.SetAttributes(
		attribute.String(tracing.AttrSessionID, p.SessionID),
		attribute.String(tracing.AttrTaskID, p.TaskID),
		attribute.String(tracing.AttrWorkerID, p.WorkerID),
		attribute.String(tracing.AttrAgentID, p.Agent),
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans[spanKey(p.SessionID, p.TaskID)] = span
}

func (r *spanRecorder) end(sessionID, taskID string, exitCode int, errMsg string) {
	r.mu.Lock()
	span, ok := r.spans[spanKey(sessionID, taskID)]
	if ok {
		delete(r.spans, spanKey(sessionID, taskID))
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int(tracing.AttrExitCode, exitCode))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// worktree records provisioning as a closed span; creation latency lives in
// the worktree manager's own logs, the span marks ordering.
func (r *spanRecorder) worktree(p bus.WorktreeCreatedPayload) {
	_, span := r.provider.Tracer().Start(context.Background(), tracing.SpanWorktreeCreate)
	span.SetAttributes(
		attribute.String(tracing.AttrSessionID, p.SessionID),
		attribute.String(tracing.AttrTaskID, p.TaskID),
	)
	span.End()
}

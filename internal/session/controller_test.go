package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/engine"
	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSession(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.Sessions().Create(&store.Session{
		ID: id, Status: store.SessionActive, GraphPath: "g.yaml",
	}))
}

func seedTask(t *testing.T, st *store.Store, sessionID, id string, status store.TaskStatus) {
	t.Helper()
	require.NoError(t, st.Tasks().Create(&store.Task{
		ID: id, SessionID: sessionID, Name: id, Prompt: "p",
		Status: store.TaskPending, MaxRetries: 2,
	}))
	if status != store.TaskPending {
		forceStatus(t, st, sessionID, id, status)
	}
}

// forceStatus writes a status directly, sidestepping the transition table,
// to arrange test fixtures.
func forceStatus(t *testing.T, st *store.Store, sessionID, id string, status store.TaskStatus) {
	t.Helper()
	_, err := st.Connection().Exec(
		`UPDATE tasks SET status = ? WHERE session_id = ? AND id = ?`,
		string(status), sessionID, id)
	require.NoError(t, err)
}

func pendingSignals(t *testing.T, st *store.Store, sessionID string) []store.Signal {
	t.Helper()
	rows, err := st.Signals().Pending(sessionID)
	require.NoError(t, err)
	out := make([]store.Signal, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Signal)
	}
	return out
}

func TestPauseActiveSession(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "a", store.TaskCompleted)
	seedTask(t, st, "s1", "b", store.TaskRunning)
	seedTask(t, st, "s1", "c", store.TaskPending)

	ctl := NewController(st)
	report, err := ctl.Pause("s1")
	require.NoError(t, err)
	require.Equal(t, 1, report.Completed)
	require.Equal(t, 1, report.Running)
	require.Equal(t, 1, report.Pending)

	sess, err := st.Sessions().Get("s1")
	require.NoError(t, err)
	require.Equal(t, store.SessionPaused, sess.Status)
	require.Equal(t, []store.Signal{store.SignalPause}, pendingSignals(t, st, "s1"))

	// Running tasks are untouched: pause never preempts workers.
	b, err := st.Tasks().Get("s1", "b")
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, b.Status)
}

func TestPauseRefusesNonActive(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	ctl := NewController(st)

	_, err := ctl.Pause("s1")
	require.NoError(t, err)

	_, err = ctl.Pause("s1")
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindStateConflict))

	// The refused pause must not add a second signal.
	require.Len(t, pendingSignals(t, st, "s1"), 1)
}

func TestResumePausedSession(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "a", store.TaskPending)
	ctl := NewController(st)

	_, err := ctl.Pause("s1")
	require.NoError(t, err)

	report, err := ctl.Resume("s1")
	require.NoError(t, err)
	require.Equal(t, 1, report.Pending)

	sess, err := st.Sessions().Get("s1")
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, sess.Status)
	require.Equal(t, []store.Signal{store.SignalPause, store.SignalResume},
		pendingSignals(t, st, "s1"))
}

func TestResumeRefusesActive(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	ctl := NewController(st)

	_, err := ctl.Resume("s1")
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindStateConflict))
}

func TestCancelMarksNonTerminalTasks(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "a", store.TaskCompleted)
	seedTask(t, st, "s1", "b", store.TaskFailed)
	seedTask(t, st, "s1", "c", store.TaskPending)
	seedTask(t, st, "s1", "d", store.TaskReady)
	seedTask(t, st, "s1", "e", store.TaskRunning)
	ctl := NewController(st)

	report, err := ctl.Cancel("s1")
	require.NoError(t, err)
	require.Equal(t, 3, report.TasksCancelled)

	sess, err := st.Sessions().Get("s1")
	require.NoError(t, err)
	require.Equal(t, store.SessionCancelled, sess.Status)

	for id, want := range map[string]store.TaskStatus{
		"a": store.TaskCompleted,
		"b": store.TaskFailed,
		"c": store.TaskCancelled,
		"d": store.TaskCancelled,
		"e": store.TaskCancelled,
	} {
		task, err := st.Tasks().Get("s1", id)
		require.NoError(t, err)
		require.Equal(t, want, task.Status, "task %s", id)
	}
	require.Equal(t, []store.Signal{store.SignalCancel}, pendingSignals(t, st, "s1"))
}

func TestCancelRefusesCancelled(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	ctl := NewController(st)

	_, err := ctl.Cancel("s1")
	require.NoError(t, err)

	_, err = ctl.Cancel("s1")
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindStateConflict))
}

func TestPauseThenCancel(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	for _, id := range []string{"a", "b", "c"} {
		seedTask(t, st, "s1", id, store.TaskPending)
	}
	ctl := NewController(st)

	_, err := ctl.Pause("s1")
	require.NoError(t, err)
	report, err := ctl.Cancel("s1")
	require.NoError(t, err)
	require.Equal(t, 3, report.TasksCancelled)

	require.Equal(t, []store.Signal{store.SignalPause, store.SignalCancel},
		pendingSignals(t, st, "s1"))
}

func TestRetryResetsFailedTasks(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "x", store.TaskFailed)
	ctl := NewController(st)

	report, err := ctl.Retry("s1", "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, report.Reset)
	require.Empty(t, report.Skipped)

	x, err := st.Tasks().Get("s1", "x")
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, x.Status)
	require.Equal(t, 1, x.Retries)
	require.Nil(t, x.Error)

	require.Equal(t, []store.Signal{store.SignalResume}, pendingSignals(t, st, "s1"))
}

func TestRetryAcceptedAfterEngineRecordsFailure(t *testing.T) {
	st := openStore(t)
	b := bus.New()
	t.Cleanup(b.Close)
	eng := engine.New(st, b, nil)
	eng.Start()
	t.Cleanup(eng.Stop)

	g, err := graph.Parse([]byte(`
version: "1"
session:
  name: single
tasks:
  x:
    name: Only
    prompt: do it
    type: coding
`), nil)
	require.NoError(t, err)
	_, err = eng.CreateSession("s1", "graph.yaml", "", "", g)
	require.NoError(t, err)

	_, err = eng.PromoteReady("s1")
	require.NoError(t, err)
	require.NoError(t, eng.MarkTaskRunning("s1", "x", "w1"))
	b.Emit(bus.TaskFailed, bus.TaskFailedPayload{
		SessionID: "s1", TaskID: "x",
		Error: bus.TaskError{Message: "exit 1", Code: "worker"},
	})

	// The engine leaves the session active after the failure, so retry
	// must not hit a terminal-state conflict.
	report, err := NewController(st).Retry("s1", "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, report.Reset)

	x, err := st.Tasks().Get("s1", "x")
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, x.Status)
	require.Equal(t, 1, x.Retries)
}

func TestRetrySkipsExhaustedTasks(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "x", store.TaskFailed)
	seedTask(t, st, "s1", "y", store.TaskFailed)
	_, err := st.Connection().Exec(
		`UPDATE tasks SET retries = 2 WHERE session_id = 's1' AND id = 'y'`)
	require.NoError(t, err)
	ctl := NewController(st)

	report, err := ctl.Retry("s1", "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, report.Reset)
	require.Equal(t, []string{"y"}, report.Skipped)

	y, err := st.Tasks().Get("s1", "y")
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, y.Status)
}

func TestRetrySingleTaskRequiresCompletedPredecessors(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "a", store.TaskFailed)
	seedTask(t, st, "s1", "b", store.TaskFailed)
	require.NoError(t, st.Dependencies().Create(&store.Dependency{
		SessionID: "s1", TaskID: "b", DependsOn: "a",
	}))
	ctl := NewController(st)

	_, err := ctl.Retry("s1", "b", false)
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindStateConflict))

	forceStatus(t, st, "s1", "a", store.TaskCompleted)
	report, err := ctl.Retry("s1", "b", false)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, report.Reset)
}

func TestRetrySingleTaskRefusesNonFailed(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "a", store.TaskCompleted)
	ctl := NewController(st)

	_, err := ctl.Retry("s1", "a", false)
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindStateConflict))
}

func TestRetryDryRunMutatesNothing(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	seedTask(t, st, "s1", "x", store.TaskFailed)
	ctl := NewController(st)

	report, err := ctl.Retry("s1", "", true)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, []string{"x"}, report.Reset)

	x, err := st.Tasks().Get("s1", "x")
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, x.Status)
	require.Equal(t, 0, x.Retries)
	require.Empty(t, pendingSignals(t, st, "s1"))
}

func TestRetryUnknownTask(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	ctl := NewController(st)

	_, err := ctl.Retry("s1", "ghost", false)
	require.Error(t, err)
}

type fakeTerminator struct{ calls int }

func (f *fakeTerminator) TerminateAll(reason string) { f.calls++ }

func TestPollerConsumesSignalsFIFO(t *testing.T) {
	st := openStore(t)
	seedSession(t, st, "s1")
	ctl := NewController(st)

	_, err := ctl.Pause("s1")
	require.NoError(t, err)
	_, err = ctl.Resume("s1")
	require.NoError(t, err)
	_, err = ctl.Cancel("s1")
	require.NoError(t, err)

	b := bus.New()
	t.Cleanup(b.Close)
	var events []bus.Event
	for _, ev := range []bus.Event{bus.SessionPause, bus.SessionResume, bus.SessionCancel} {
		ev := ev
		b.Subscribe(ev, "test", func(any) { events = append(events, ev) })
	}

	term := &fakeTerminator{}
	poller := NewPoller(st, b, term)

	consumed, err := poller.Poll("s1")
	require.NoError(t, err)
	require.Equal(t, []store.Signal{store.SignalPause, store.SignalResume, store.SignalCancel}, consumed)
	require.Equal(t, []bus.Event{bus.SessionPause, bus.SessionResume, bus.SessionCancel}, events)
	require.Equal(t, 1, term.calls)

	// Everything is stamped processed; a second poll is a no-op.
	consumed, err = poller.Poll("s1")
	require.NoError(t, err)
	require.Empty(t, consumed)
	require.Empty(t, pendingSignals(t, st, "s1"))
}

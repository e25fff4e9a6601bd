package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b := New()
	defer b.Close()

	var order []string
	b.Subscribe(TaskReady, "first", func(any) { order = append(order, "first") })
	b.Subscribe(TaskReady, "second", func(any) { order = append(order, "second") })
	b.Subscribe(TaskReady, "third", func(any) { order = append(order, "third") })

	b.Emit(TaskReady, TaskReadyPayload{TaskID: "a"})

	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBus_EmitIsSynchronous(t *testing.T) {
	b := New()
	defer b.Close()

	var got TaskReadyPayload
	b.Subscribe(TaskReady, "capture", func(p any) {
		got = p.(TaskReadyPayload)
	})

	b.Emit(TaskReady, TaskReadyPayload{SessionID: "s1", TaskID: "a", AgentID: "claude-code"})

	// Handler already ran by the time Emit returned.
	require.Equal(t, "a", got.TaskID)
	require.Equal(t, "claude-code", got.AgentID)
}

func TestBus_PanicDoesNotAbortOtherSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	var survived bool
	b.Subscribe(TaskFailed, "panics", func(any) { panic("handler bug") })
	b.Subscribe(TaskFailed, "survives", func(any) { survived = true })

	require.NotPanics(t, func() {
		b.Emit(TaskFailed, TaskFailedPayload{TaskID: "x"})
	})
	require.True(t, survived)
}

func TestBus_ReentrantEmitQueuedFIFO(t *testing.T) {
	b := New()
	defer b.Close()

	var order []Event
	b.Subscribe(TaskComplete, "chain", func(any) {
		order = append(order, TaskComplete)
		// Nested emission must be deferred until the current dispatch ends.
		b.Emit(TaskReady, TaskReadyPayload{TaskID: "next"})
		order = append(order, "after-nested-emit")
	})
	b.Subscribe(TaskReady, "tail", func(any) {
		order = append(order, TaskReady)
	})

	b.Emit(TaskComplete, TaskCompletePayload{TaskID: "done"})

	require.Equal(t, []Event{TaskComplete, "after-nested-emit", TaskReady}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	calls := 0
	b.Subscribe(WorktreeCreated, "pool", func(any) { calls++ })
	b.Emit(WorktreeCreated, WorktreeCreatedPayload{TaskID: "a"})
	b.Unsubscribe(WorktreeCreated, "pool")
	b.Emit(WorktreeCreated, WorktreeCreatedPayload{TaskID: "b"})

	require.Equal(t, 1, calls)
	require.Equal(t, 0, b.SubscriberCount(WorktreeCreated))
}

func TestBus_SubscribeSameIDReplaces(t *testing.T) {
	b := New()
	defer b.Close()

	var hit string
	b.Subscribe(ConfigReloaded, "pool", func(any) { hit = "old" })
	b.Subscribe(ConfigReloaded, "pool", func(any) { hit = "new" })

	b.Emit(ConfigReloaded, ConfigReloadedPayload{MaxConcurrentTasks: 8})

	require.Equal(t, "new", hit)
	require.Equal(t, 1, b.SubscriberCount(ConfigReloaded))
}

func TestBus_BridgeRepublishesEmissions(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := b.Bridge().Subscribe(ctx)

	b.Emit(WorkerSpawned, WorkerSpawnedPayload{WorkerID: "worker-1", PID: 42})

	select {
	case ev := <-ch:
		em := ev.Payload
		require.Equal(t, WorkerSpawned, em.Event)
		require.Equal(t, "worker-1", em.Payload.(WorkerSpawnedPayload).WorkerID)
		require.False(t, em.Timestamp.IsZero())
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for bridged emission")
	}
}

package cost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/store"
)

func setup(t *testing.T) (*Tracker, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	tr := NewTracker(st, b)
	tr.Start()
	t.Cleanup(tr.Stop)

	require.NoError(t, st.Sessions().Create(&store.Session{
		ID: "s1", Status: store.SessionActive, GraphPath: "g.yaml",
	}))
	return tr, st, b
}

func route(taskID, billing string) bus.TaskRoutedPayload {
	return bus.TaskRoutedPayload{
		SessionID:   "s1",
		TaskID:      taskID,
		Agent:       "claude-code",
		Provider:    "Claude Code",
		Model:       "claude-sonnet-4-5",
		BillingMode: billing,
	}
}

func TestCompleteRecordsCostRow(t *testing.T) {
	_, st, b := setup(t)

	b.Emit(bus.TaskRouted, route("a", "api"))
	b.Emit(bus.TaskComplete, bus.TaskCompletePayload{
		SessionID: "s1", TaskID: "a",
		Result: bus.TaskResult{
			Output:     "done",
			TokensUsed: &bus.TokenUsage{Input: 100, Output: 40, Total: 140},
			CostUSD:    0.25,
		},
	})

	entries, err := st.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].TaskID)
	require.Equal(t, "claude-code", entries[0].Agent)
	require.Equal(t, 100, entries[0].TokensInput)
	require.Equal(t, 40, entries[0].TokensOutput)
	require.Equal(t, 0.25, entries[0].CostUSD)
	require.Zero(t, entries[0].SavingsUSD)

	sess, err := st.Sessions().Get("s1")
	require.NoError(t, err)
	require.Equal(t, 0.25, sess.TotalCostUSD)
}

func TestAggregateTokensSplit(t *testing.T) {
	_, st, b := setup(t)

	b.Emit(bus.TaskRouted, route("a", "api"))
	b.Emit(bus.TaskComplete, bus.TaskCompletePayload{
		SessionID: "s1", TaskID: "a",
		Result: bus.TaskResult{
			TokensUsed: &bus.TokenUsage{Total: 1000},
			CostUSD:    0.10,
		},
	})

	entries, err := st.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 250, entries[0].TokensInput)
	require.Equal(t, 750, entries[0].TokensOutput)
}

func TestSubscriptionBillingRecordsSavings(t *testing.T) {
	_, st, b := setup(t)

	b.Emit(bus.TaskRouted, route("a", "subscription"))
	b.Emit(bus.TaskComplete, bus.TaskCompletePayload{
		SessionID: "s1", TaskID: "a",
		Result: bus.TaskResult{CostUSD: 0.30},
	})

	entries, err := st.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Zero(t, entries[0].CostUSD)
	require.Equal(t, 0.30, entries[0].SavingsUSD)

	// Subscription runs never accumulate metered session cost.
	sess, err := st.Sessions().Get("s1")
	require.NoError(t, err)
	require.Zero(t, sess.TotalCostUSD)
}

func TestUnroutedCompletionSkipped(t *testing.T) {
	_, st, b := setup(t)

	b.Emit(bus.TaskComplete, bus.TaskCompletePayload{
		SessionID: "s1", TaskID: "a",
		Result: bus.TaskResult{CostUSD: 0.50},
	})

	entries, err := st.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUnavailableBillingProducesNoRows(t *testing.T) {
	_, st, b := setup(t)

	b.Emit(bus.TaskRouted, route("a", "unavailable"))
	b.Emit(bus.TaskComplete, bus.TaskCompletePayload{
		SessionID: "s1", TaskID: "a",
		Result: bus.TaskResult{CostUSD: 0.50},
	})

	entries, err := st.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFailureRecordsZeroCostRow(t *testing.T) {
	_, st, b := setup(t)

	b.Emit(bus.TaskRouted, route("a", "api"))
	b.Emit(bus.TaskFailed, bus.TaskFailedPayload{
		SessionID: "s1", TaskID: "a",
		Error: bus.TaskError{Message: "boom", Code: "worker"},
	})

	entries, err := st.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Zero(t, entries[0].CostUSD)
	require.Equal(t, "claude-code", entries[0].Agent)
}

func TestRouteClearedAfterUse(t *testing.T) {
	_, st, b := setup(t)

	b.Emit(bus.TaskRouted, route("a", "api"))
	complete := bus.TaskCompletePayload{
		SessionID: "s1", TaskID: "a",
		Result: bus.TaskResult{CostUSD: 0.10},
	}
	b.Emit(bus.TaskComplete, complete)
	b.Emit(bus.TaskComplete, complete)

	entries, err := st.Costs().ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestEstimateUSD(t *testing.T) {
	prompt := make([]byte, 3000)
	for i := range prompt {
		prompt[i] = 'x'
	}
	// 3000 chars -> 1000 input tokens, 500 output tokens.
	got := EstimateUSD("claude-code", string(prompt))
	want := 1000.0/1e6*3.00 + 500.0/1e6*15.00
	require.InDelta(t, want, got, 1e-9)

	require.Zero(t, EstimateUSD("unknown-agent", string(prompt)))
}

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/orchestrator"
	"github.com/substratehq/substrate/internal/store"
)

var startSessionID string

var startCmd = &cobra.Command{
	Use:   "start <graph>",
	Short: "Create a session from a graph file and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := startSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()[:8]
		}

		o, err := orchestrator.Open(projectRoot)
		if err != nil {
			return err
		}
		defer o.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		summary, err := o.Start(ctx)
		if err != nil {
			return err
		}
		if summary != nil && (summary.Recovered > 0 || summary.Failed > 0) && !jsonMode() {
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d crashed task(s), failed %d\n",
				summary.Recovered, summary.Failed)
		}
		if interrupted, err := o.FirstInterrupted(); err == nil && interrupted != nil && !jsonMode() {
			fmt.Fprintf(cmd.OutOrStdout(),
				"Note: session %s was interrupted; run 'substrate resume %s' to continue it\n",
				interrupted.ID, interrupted.ID)
		}

		sess, g, err := o.StartSession(sessionID, args[0])
		if err != nil {
			return err
		}
		if !jsonMode() {
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s started: %d task(s)\n",
				sess.ID, len(g.Tasks))
			for _, warning := range g.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
			}
		}

		result, err := o.RunSession(ctx, sessionID)
		if err != nil {
			return err
		}
		return printRunResult(cmd, result)
	},
}

func init() {
	startCmd.Flags().StringVar(&startSessionID, "session", "",
		"session id (default: generated)")
	rootCmd.AddCommand(startCmd)
}

func printRunResult(cmd *cobra.Command, result *orchestrator.RunResult) error {
	if jsonMode() {
		return printJSON(cmd.OutOrStdout(), result)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Session %s: %s\n", result.SessionID, result.Status)
	for _, status := range []store.TaskStatus{
		store.TaskCompleted, store.TaskFailed, store.TaskCancelled,
		store.TaskRunning, store.TaskReady, store.TaskPending,
	} {
		if n := result.TaskCounts[status]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", status, n)
		}
	}
	return nil
}

package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/orchestrator"
	"github.com/substratehq/substrate/internal/session"
	"github.com/substratehq/substrate/internal/store"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <sessionId>",
	Short: "Pause dispatch for an active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := session.NewController(st).Pause(args[0])
		if err != nil {
			return commandErr(err)
		}
		if jsonMode() {
			return printJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"Session %s paused: %d completed, %d pending, %d still running\n",
			report.SessionID, report.Completed, report.Pending, report.Running)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <sessionId>",
	Short: "Resume a paused or interrupted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		st, err := openStore()
		if err != nil {
			return err
		}
		sess, err := st.Sessions().Get(sessionID)
		if err != nil {
			_ = st.Close()
			return commandErr(err)
		}

		// An interrupted session has no live orchestrator to pick up the
		// signal, so resuming it re-runs the session in this process.
		if sess.Status == store.SessionInterrupted {
			_ = st.Close()
			return resumeInterrupted(cmd, sessionID)
		}
		defer st.Close()

		report, err := session.NewController(st).Resume(sessionID)
		if err != nil {
			return commandErr(err)
		}
		if jsonMode() {
			return printJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s resumed: %d task(s) pending\n",
			report.SessionID, report.Pending)
		return nil
	},
}

func resumeInterrupted(cmd *cobra.Command, sessionID string) error {
	o, err := orchestrator.Open(projectRoot)
	if err != nil {
		return err
	}
	defer o.Stop()

	if _, err := o.Start(cmd.Context()); err != nil {
		return err
	}
	result, err := o.ResumeSession(cmd.Context(), sessionID)
	if err != nil {
		return commandErr(err)
	}
	return printRunResult(cmd, result)
}

var cancelYes bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <sessionId>",
	Short: "Cancel a session and all of its unfinished tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cancelYes && !jsonMode() {
			ok, err := confirm(cmd, fmt.Sprintf("Cancel session %s? [y/N] ", args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return errdefs.Validation("cancel aborted")
			}
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := session.NewController(st).Cancel(args[0])
		if err != nil {
			return commandErr(err)
		}
		if jsonMode() {
			return printJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s cancelled: %d task(s) cancelled\n",
			report.SessionID, report.TasksCancelled)
		return nil
	},
}

func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelYes, "yes", false, "skip the confirmation prompt")
	rootCmd.AddCommand(pauseCmd, resumeCmd, cancelCmd)
}

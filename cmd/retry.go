package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/session"
)

var (
	retryTask   string
	retryDryRun bool
)

var retryCmd = &cobra.Command{
	Use:   "retry <sessionId>",
	Short: "Reset failed tasks so the session can run them again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := session.NewController(st).Retry(args[0], retryTask, retryDryRun)
		if err != nil {
			return commandErr(err)
		}
		if jsonMode() {
			return printJSON(cmd.OutOrStdout(), report)
		}

		w := cmd.OutOrStdout()
		verb := "reset"
		if report.DryRun {
			verb = "would reset"
		}
		if len(report.Reset) == 0 {
			fmt.Fprintf(w, "Session %s: nothing to retry\n", report.SessionID)
		} else {
			fmt.Fprintf(w, "Session %s: %s %s\n",
				report.SessionID, verb, strings.Join(report.Reset, ", "))
		}
		if len(report.Skipped) > 0 {
			fmt.Fprintf(w, "Skipped (max retries reached): %s\n",
				strings.Join(report.Skipped, ", "))
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVar(&retryTask, "task", "", "retry only this task")
	retryCmd.Flags().BoolVar(&retryDryRun, "dry-run", false, "report without mutating")
	rootCmd.AddCommand(retryCmd)
}

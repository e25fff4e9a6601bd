package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/git"
	"github.com/substratehq/substrate/internal/worktree"
)

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "List task worktrees, flagging orphans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(projectRoot)
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		manager := worktree.NewManager(projectRoot, cfg.Worktree.BaseBranch,
			git.NewCLIExecutor(projectRoot), st.Tasks(), st.Sessions(), nil)
		entries, err := manager.List()
		if err != nil {
			return err
		}

		// A worktree is orphaned when no task row in any session claims
		// its id.
		known := make(map[string]bool)
		sessions, err := st.Sessions().List()
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			tasks, err := st.Tasks().ListBySession(sess.ID)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				known[t.ID] = true
			}
		}

		type row struct {
			TaskID    string    `json:"task_id"`
			Path      string    `json:"path"`
			Branch    string    `json:"branch"`
			CreatedAt time.Time `json:"created_at"`
			Orphaned  bool      `json:"orphaned"`
		}
		rows := make([]row, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, row{
				TaskID: e.TaskID, Path: e.Path, Branch: e.Branch,
				CreatedAt: e.CreatedAt, Orphaned: !known[e.TaskID],
			})
		}

		if jsonMode() {
			return printJSON(cmd.OutOrStdout(), map[string]any{"worktrees": rows})
		}

		w := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(w, "No worktrees")
			return nil
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%-16s %-30s %s", r.TaskID, r.Branch, r.Path)
			if r.Orphaned {
				fmt.Fprint(w, "  (orphaned)")
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(worktreesCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph <file>",
	Short: "Validate a task graph file and render it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Agent ids are not checked against installed CLIs here; unknown
		// agents surface as warnings so a graph can be validated on a
		// machine without the CLIs.
		g, err := graph.Load(args[0], nil)
		if err != nil {
			return err
		}

		deps := make(map[string][]string, len(g.Tasks))
		for id, task := range g.Tasks {
			deps[id] = task.DependsOn
		}

		if jsonMode() {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"name":       g.Session.Name,
				"version":    g.Version,
				"tasks":      len(g.Tasks),
				"order":      g.TopologicalOrder(),
				"warnings":   g.Warnings,
				"budget_usd": g.Session.BudgetUSD,
			})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Graph %q: %d tasks\n", g.Session.Name, len(g.Tasks))
		if len(g.Tasks) > 0 {
			fmt.Fprint(w, graph.RenderASCII(g.TaskIDs(), deps, nil))
		}
		for _, warning := range g.Warnings {
			fmt.Fprintf(w, "warning: %s\n", warning)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}

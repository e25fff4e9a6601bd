package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/adapter"
	"github.com/substratehq/substrate/internal/errdefs"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "Inspect the installed agent CLIs",
}

var adaptersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List adapters and their health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdapterReport(cmd, false)
	},
}

var adaptersCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run health checks against every adapter CLI",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdapterReport(cmd, true)
	},
}

func init() {
	adaptersCmd.AddCommand(adaptersListCmd, adaptersCheckCmd)
	rootCmd.AddCommand(adaptersCmd)
}

type adapterRow struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Healthy      bool     `json:"healthy"`
	Version      string   `json:"version,omitempty"`
	CLIPath      string   `json:"cli_path,omitempty"`
	BillingModes []string `json:"billing_modes,omitempty"`
	Headless     bool     `json:"supports_headless"`
	Error        string   `json:"error,omitempty"`
}

type adapterReport struct {
	Registered int          `json:"registered"`
	Failed     int          `json:"failed"`
	Adapters   []adapterRow `json:"adapters"`
}

func runAdapterReport(cmd *cobra.Command, detailed bool) error {
	registry, err := adapter.Discover(cmd.Context())
	if err != nil {
		return err
	}
	report := registry.Report()

	out := adapterReport{Registered: report.Registered, Failed: report.Failed}
	for _, res := range report.Results {
		row := adapterRow{
			ID:       string(res.ID),
			Name:     res.Name,
			Healthy:  res.Status.Healthy,
			Version:  res.Status.Version,
			CLIPath:  res.Status.CLIPath,
			Headless: res.Status.SupportsHeadless,
			Error:    res.Status.Error,
		}
		for _, mode := range res.Status.DetectedBillingModes {
			row.BillingModes = append(row.BillingModes, string(mode))
		}
		out.Adapters = append(out.Adapters, row)
	}

	if jsonMode() {
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		printAdapterTable(cmd, out, detailed)
	}

	if out.Registered == 0 {
		return errdefs.NotFound("no agent CLIs installed")
	}
	if out.Failed > 0 {
		return errdefs.AdapterUnavailable("%d of %d adapters unhealthy",
			out.Failed, len(out.Adapters))
	}
	return nil
}

func printAdapterTable(cmd *cobra.Command, report adapterReport, detailed bool) {
	w := cmd.OutOrStdout()
	for _, row := range report.Adapters {
		state := "healthy"
		if !row.Healthy {
			state = "unhealthy"
		}
		fmt.Fprintf(w, "%-14s %-12s %s", row.ID, state, row.Name)
		if row.Version != "" {
			fmt.Fprintf(w, " (%s)", row.Version)
		}
		fmt.Fprintln(w)
		if !detailed {
			continue
		}
		if row.CLIPath != "" {
			fmt.Fprintf(w, "    cli: %s\n", row.CLIPath)
		}
		if len(row.BillingModes) > 0 {
			fmt.Fprintf(w, "    billing: %s\n", strings.Join(row.BillingModes, ", "))
		}
		if row.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", row.Error)
		}
	}
	fmt.Fprintf(w, "%d registered, %d failed\n", report.Registered, report.Failed)
}

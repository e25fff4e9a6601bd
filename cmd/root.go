// Package cmd implements the substrate command-line interface.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/errdefs"
	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/store"

	// Adapter packages register themselves at init time.
	_ "github.com/substratehq/substrate/internal/adapter/claude"
	_ "github.com/substratehq/substrate/internal/adapter/codex"
	_ "github.com/substratehq/substrate/internal/adapter/gemini"
)

const (
	formatHuman = "human"
	formatJSON  = "json"
)

var (
	version      = "dev"
	outputFormat string
	debugLog     bool
	projectRoot  string

	closeLog func()
)

var rootCmd = &cobra.Command{
	Use:   "substrate",
	Short: "Orchestrate coding-agent CLIs over a task graph",
	Long: `Substrate runs a declarative task graph across external coding agents
(Claude Code, Codex, Gemini), giving each task an isolated git worktree
and recording all state durably so sessions can be paused, resumed and
recovered after a crash.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != formatHuman && outputFormat != formatJSON {
			return errdefs.Validation("invalid --output-format %q (want human or json)", outputFormat)
		}
		if debugLog || os.Getenv("SUBSTRATE_DEBUG") != "" {
			logDir := filepath.Join(projectRoot, config.Dir)
			if err := os.MkdirAll(logDir, 0o750); err != nil {
				return err
			}
			cleanup, err := log.Init(filepath.Join(logDir, "substrate.log"))
			if err != nil {
				return err
			}
			closeLog = cleanup
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			closeLog()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output-format", formatHuman,
		"output format: human or json")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false,
		"write a debug log to .substrate/substrate.log")
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project", ".",
		"project root directory")
}

// jsonMode reports whether --output-format json was selected.
func jsonMode() bool {
	return outputFormat == formatJSON
}

// printJSON writes v as a single JSON line.
func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// openStore opens the project state database without starting any
// orchestration. Inspection commands use it directly.
func openStore() (*store.Store, error) {
	return store.Open(filepath.Join(projectRoot, config.Dir, "state.db"))
}

// commandErr normalizes lookup failures so exit-code mapping treats a
// missing session or task as user-correctable.
func commandErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return errdefs.Wrap(errdefs.KindNotFound, err, "lookup failed")
	}
	return err
}

// Execute runs the root command and prints any resulting error in the
// selected output format. The caller maps the error to an exit code.
func Execute() error {
	err := rootCmd.Execute()
	if err == nil {
		return nil
	}
	if jsonMode() {
		_ = printJSON(os.Stdout, map[string]any{
			"error": map[string]any{
				"kind":    string(errdefs.KindOf(err)),
				"message": err.Error(),
			},
		})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

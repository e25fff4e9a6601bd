package claude

import "github.com/substratehq/substrate/internal/adapter"

// buildArgs constructs the Claude Code CLI argument list.
//
// Headless runs use print mode:
//   - Base: ["-p", "<prompt>", "--output-format", "json"]
//   - Model: ["--model", "<model>"]
//   - Permissions: ["--dangerously-skip-permissions"] (worktrees are
//     disposable, so the sandbox prompt would only wedge the worker)
func buildArgs(prompt string, opts adapter.Options) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, "--dangerously-skip-permissions")
	return args
}

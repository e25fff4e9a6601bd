package codex

import "github.com/substratehq/substrate/internal/adapter"

// buildArgs constructs the Codex CLI argument list.
//
// Headless runs use the exec subcommand with JSONL output:
//   - Base: ["exec", "--json"]
//   - Model: ["-m", "<model>"]
//   - Sandbox: ["--dangerously-bypass-approvals-and-sandbox"]
//   - Working directory: ["-C", "<dir>"] (Dir is also set on the spec)
//
// The prompt is not an argument; it arrives on stdin.
func buildArgs(opts adapter.Options) []string {
	args := []string{"exec", "--json"}
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	if opts.WorkDir != "" {
		args = append(args, "-C", opts.WorkDir)
	}
	return args
}

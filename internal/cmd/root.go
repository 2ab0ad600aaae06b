package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for testforge
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testforge",
		Short: "Bounded orchestrator for AI test-generation subprocesses",
		Long: `Testforge runs a batch of test-generation tasks by spawning and managing
a bounded pool of AI CLI subprocesses.

It loads a task manifest (YAML), runs up to max-concurrency tasks at once,
watches each subprocess for hangs and resource abuse, retries retryable
failures with pattern-informed backoff, and resumes interrupted tasks from
SQLite-backed checkpoints.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewReportCommand())
	cmd.AddCommand(NewCheckpointsCommand())

	return cmd
}

package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/testforge/internal/checkpoint"
	"github.com/harrison/testforge/internal/config"
)

// NewCheckpointsCommand creates the checkpoints command group
func NewCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and maintain the checkpoint database",
	}

	cmd.PersistentFlags().String("db", "", "Path to the checkpoint database (default: from config)")

	cmd.AddCommand(newCheckpointsListCommand())
	cmd.AddCommand(newCheckpointsPurgeCommand())

	return cmd
}

func newCheckpointsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		Long: `List stored checkpoints, optionally filtered by status.

Examples:
  testforge checkpoints list
  testforge checkpoints list --status active
  testforge checkpoints list --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			status, _ := cmd.Flags().GetString("status")
			checkpoints, err := store.List(cmd.Context(), status)
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}

			if len(checkpoints) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tPHASE\tPROGRESS\tUPDATED\tERROR")
			for _, cp := range checkpoints {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
					cp.TaskID, cp.Status, cp.Phase, cp.ProgressPercent,
					cp.UpdatedAt.Format(time.RFC3339), cp.ErrorMessage)
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("status", "", "Filter by status (active, completed, failed)")

	return cmd
}

func newCheckpointsPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete checkpoints older than a cutoff",
		Long: `Delete completed and failed checkpoints older than the cutoff.
Active checkpoints are never purged.

Examples:
  testforge checkpoints purge                    # Older than 7 days
  testforge checkpoints purge --older-than 72h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			olderThan, _ := cmd.Flags().GetDuration("older-than")
			purged, err := store.Purge(cmd.Context(), olderThan)
			if err != nil {
				return fmt.Errorf("failed to purge checkpoints: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d checkpoint(s).\n", purged)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 7*24*time.Hour, "Purge checkpoints older than this")

	return cmd
}

// openStore resolves the database path (flag, then config) and opens it.
func openStore(cmd *cobra.Command) (*checkpoint.Store, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		cfg, err := config.LoadConfigFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		dbPath = cfg.CheckpointDB
	}

	store, err := checkpoint.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", dbPath, err)
	}
	return store, nil
}

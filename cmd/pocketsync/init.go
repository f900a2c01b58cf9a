package main

import (
	"fmt"

	"github.com/openmined/pocketsync/internal/client"
	"github.com/openmined/pocketsync/internal/config"
	"github.com/openmined/pocketsync/internal/workspace"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init REMOTE",
		Short: "Set up the root directory to sync with REMOTE",
		Long: `Set up the root directory to sync with REMOTE.

REMOTE is one of:
  a directory path         /mnt/backup/notes, ../notes-remote
  an SSH location          user@host:notes, ssh://user@host:2222/srv/notes
  an S3 bucket             s3://bucket/notes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			ws, err := workspace.NewWorkspace(root)
			if err != nil {
				return withCode(exitConfig, err)
			}
			if ws.IsInitialized() {
				return withCode(exitConfig, fmt.Errorf("%w: %s", workspace.ErrAlreadyExists, ws.MetadataDir))
			}

			workers, _ := cmd.Flags().GetInt("workers")
			stateBackend, _ := cmd.Flags().GetString("state")
			conflict, _ := cmd.Flags().GetString("conflict")
			noBackups, _ := cmd.Flags().GetBool("no-backups")
			cfg := &config.Config{
				Remote:   args[0],
				Workers:  workers,
				State:    stateBackend,
				Conflict: conflict,
				Backups:  !noBackups,
			}
			if err := cfg.Validate(); err != nil {
				return withCode(exitConfig, err)
			}

			cmd.SilenceUsage = true
			if err := ws.Setup(); err != nil {
				return withCode(exitFailed, err)
			}
			if err := cfg.Save(ws.ConfigPath); err != nil {
				return withCode(exitFailed, fmt.Errorf("failed to write %s: %w", ws.ConfigPath, err))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized %s\n", green.Render(ws.Root))
			fmt.Fprintf(out, "  remote:  %s (%s)\n", cyan.Render(cfg.Remote), client.Kind(cfg.Remote))
			fmt.Fprintf(out, "  exclude: %s\n", gray.Render(ws.ExcludePath))
			return nil
		},
	}

	cmd.Flags().IntP("workers", "w", config.DefaultWorkers, "Number of parallel transfers")
	cmd.Flags().String("state", config.StateSQLite, "State backend: sqlite or json")
	cmd.Flags().String("conflict", config.ConflictRename, "Conflict handling: rename or fail")
	cmd.Flags().Bool("no-backups", false, "Do not keep copies of overwritten or deleted local files")
	return cmd
}

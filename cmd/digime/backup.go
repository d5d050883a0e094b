package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the history journal now",
	Long: `Takes a verified snapshot of the SQLite journal and applies the retention
policy. Snapshots are safe while digime is running. Use "backup list" to see
them and "backup restore" to roll the journal back while digime is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := backupService()
		if err != nil {
			return err
		}
		snap, err := svc.SnapshotNow(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s (%d bytes, verified=%v)\n", snap.Path, snap.Size, snap.Verified)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := backupService()
		if err != nil {
			return err
		}
		snaps, err := svc.List()
		if err != nil {
			return err
		}
		return printSnapshots(cmd.OutOrStdout(), snaps)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot>",
	Short: "Replace the journal with a snapshot (digime must be stopped)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := backupService()
		if err != nil {
			return err
		}
		if err := svc.Restore(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "journal restored from %s\n", args[0])
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupListCmd, backupRestoreCmd)
}

func backupService() (*backup.Service, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Journal {
		return nil, fmt.Errorf("the journal is disabled; nothing to back up")
	}
	return newBackupService(cfg, logger.With(zap.String("command", "backup")))
}

func printSnapshots(w io.Writer, snaps []backup.Snapshot) error {
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(w, "no snapshots")
		return err
	}
	for _, s := range snaps {
		if _, err := fmt.Fprintf(w, "%s  %8d  %s\n", s.Taken.Local().Format(time.DateTime), s.Size, s.Path); err != nil {
			return err
		}
	}
	return nil
}

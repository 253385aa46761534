package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-harden/internal/audit"
	"github.com/tinkerbelle-io/tb-harden/internal/persist"
)

var (
	flagBackupsJSON bool
	flagRestoreFor  string
	flagRotateKeep  int
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List, restore and rotate configuration backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupsList,
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore [backup-path]",
	Short: "Restore a backup over its original file",
	Long: `Restore a backup over the file it was taken from. The current file is kept
as a forensic copy beside the backups before it is replaced.

Give either the backup path or --original to restore the newest backup of a
file. The kubelet picks up a restored static pod manifest on its own; a
restored kubelet config needs "systemctl restart kubelet".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackupsRestore,
}

var backupsRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Delete all but the newest backup sets",
	Args:  cobra.NoArgs,
	RunE:  runBackupsRotate,
}

func init() {
	backupsListCmd.Flags().BoolVar(&flagBackupsJSON, "json", false, "Print JSON")
	backupsRestoreCmd.Flags().StringVar(&flagRestoreFor, "original", "", "Restore the newest backup of this file")
	backupsRotateCmd.Flags().IntVar(&flagRotateKeep, "keep", 0, "Backup sets to keep (default from config)")
	backupsCmd.AddCommand(backupsListCmd, backupsRestoreCmd, backupsRotateCmd)
	rootCmd.AddCommand(backupsCmd)
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	recs, err := persist.NewStore(cfg.BackupRoot, nil).List()
	if err != nil {
		return err
	}
	return printBackups(cmd.OutOrStdout(), recs, flagBackupsJSON)
}

func printBackups(w io.Writer, recs []persist.BackupRecord, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal backups: %w", err)
		}
		fmt.Fprintln(w, string(out))
		return nil
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No backups.")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %-50s %s\n", r.Timestamp.Format("2006-01-02 15:04:05"), r.OriginalPath, r.BackupPath)
	}
	return nil
}

func runBackupsRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := persist.NewStore(cfg.BackupRoot, nil)
	recs, err := store.List()
	if err != nil {
		return err
	}

	var want string
	switch {
	case len(args) == 1 && flagRestoreFor == "":
		want = filepath.Clean(args[0])
	case len(args) == 0 && flagRestoreFor != "":
	default:
		return fmt.Errorf("give either a backup path or --original")
	}
	rec, ok := findBackup(recs, want, flagRestoreFor)
	if !ok {
		return fmt.Errorf("no matching backup under %s", cfg.BackupRoot)
	}

	if flagDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "[DRY RUN] would restore %s from %s\n", rec.OriginalPath, rec.BackupPath)
		return nil
	}

	forensic, err := store.Preserve(rec.OriginalPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: no forensic copy kept: %v\n", err)
	}
	if err := store.Restore(rec); err != nil {
		return err
	}

	if logger, err := audit.NewAuditLogger(cfg.AuditLog); err == nil {
		_ = logger.Log(audit.AuditEntry{
			EventType: audit.EventRollback,
			Node:      cfg.NodeName,
			Path:      rec.OriginalPath,
			Backup:    rec.BackupPath,
			Status:    "RESTORED",
			Reason:    "manual restore",
		})
		_ = logger.Close()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", rec.OriginalPath, rec.BackupPath)
	if forensic != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Previous content kept at %s\n", forensic)
	}
	return nil
}

// findBackup matches a backup path exactly, or picks the newest backup of
// original. recs is newest first.
func findBackup(recs []persist.BackupRecord, backupPath, original string) (persist.BackupRecord, bool) {
	for _, r := range recs {
		if backupPath != "" && r.BackupPath == backupPath {
			return r, true
		}
		if original != "" && r.OriginalPath == filepath.Clean(original) {
			return r, true
		}
	}
	return persist.BackupRecord{}, false
}

func runBackupsRotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keep := cfg.BackupRetention
	if flagRotateKeep > 0 {
		keep = flagRotateKeep
	}
	if flagDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "[DRY RUN] would keep the newest %d backup sets\n", keep)
		return nil
	}
	removed, err := persist.NewStore(cfg.BackupRoot, nil).Rotate(keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s), kept %d set(s)\n", len(removed), keep)
	return nil
}

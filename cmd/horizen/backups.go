package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/horizen/pkg/audit"
	"github.com/forest6511/horizen/pkg/backup"
)

var backupsJSON bool

// backupsCmd manages the snapshots taken before each import.
var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List and restore pre-import snapshots",
	Long: `Every import first saves a snapshot of the preferences and widgets. The
newest snapshots are kept (snapshot_retention in config.yaml, 5 by default).
API keys are not part of snapshots.`,
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := snapshots().List()
		if err != nil {
			return err
		}
		if backupsJSON {
			return writeJSON(cmd.OutOrStdout(), infos)
		}

		w := cmd.OutOrStdout()
		if len(infos) == 0 {
			fmt.Fprintln(w, "No snapshots")
			return nil
		}
		for _, info := range infos {
			fmt.Fprintf(w, "%s  %s  %d chats, %d quick links, %d widgets\n",
				info.ID, info.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				info.Conversations, info.QuickLinks, info.Widgets)
		}
		return nil
	},
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore preferences and widgets from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := snapshots().Restore(args[0]); err != nil {
			v.LogEvent(audit.OpSnapshotRestore, audit.ResultError, args[0], err)
			return err
		}
		v.LogEvent(audit.OpSnapshotRestore, audit.ResultSuccess, args[0], nil)
		fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot %s\n", args[0])
		return nil
	},
}

func snapshots() *backup.Snapshots {
	return backup.NewSnapshots(v.Store(), cfg.SnapshotRetention, nil)
}

func init() {
	rootCmd.AddCommand(backupsCmd)
	backupsCmd.AddCommand(backupsListCmd, backupsRestoreCmd)
	backupsListCmd.Flags().BoolVar(&backupsJSON, "json", false, "Output in JSON format")
}

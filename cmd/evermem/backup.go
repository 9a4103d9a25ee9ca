package main

import (
	"github.com/spf13/cobra"

	"github.com/syn-zhu/EverMemOS/internal/backup"
)

func newBackupCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, list and restore the sqlite store",
	}

	open := func() (*backup.Service, error) {
		return newBackupService(c.cfg, c.logger)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "now",
			Short: "Take a snapshot and apply retention",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := open()
				if err != nil {
					return err
				}
				res, err := svc.BackupNow(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List snapshots, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := open()
				if err != nil {
					return err
				}
				backups, err := svc.List()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), nonNil(backups))
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Report snapshot freshness",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := open()
				if err != nil {
					return err
				}
				status, err := svc.Health()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			},
		},
		&cobra.Command{
			Use:   "restore <backup-file>",
			Short: "Replace the database with a snapshot",
			Long:  "Replace the sqlite database with a verified snapshot. Stop the server first.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := open()
				if err != nil {
					return err
				}
				if err := svc.Restore(cmd.Context(), args[0]); err != nil {
					return err
				}
				c.logger.Info("backup: restored", "from", args[0])
				return nil
			},
		},
	)
	return cmd
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/importer"
)

func newImportCmd(c *cli) *cobra.Command {
	var opts importer.Options
	cmd := &cobra.Command{
		Use:   "import <transcript.json>",
		Short: "Replay an exported group chat transcript",
		Long: "Ingest every text message of a group chat export in create_time order. Messages\n" +
			"already ingested are skipped, so an interrupted import can be re-run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := c.cfg.Location()
			if err != nil {
				return err
			}
			opts.Location = loc
			opts.Progress = func(p importer.Progress) {
				c.logger.Debug("import: progress", "processed", p.Processed, "total", p.Total, "message_id", p.MessageID)
			}
			return c.withEngine(cmd.Context(), func(ctx context.Context, eng *engine.MemoryEngine) error {
				res, err := importer.New(eng, c.logger).ImportFile(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.GroupID, "group-id", "g", "", "Group id (default: conversation_meta.group_id)")
	f.StringVarP(&opts.UserID, "user-id", "u", "", "Owner user id when the transcript has no group id")
	f.BoolVar(&opts.Flush, "flush", false, "Extract the trailing episode after the last message")
	return cmd
}

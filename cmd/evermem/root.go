package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/syn-zhu/EverMemOS/internal/config"
)

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "evermem",
		Short: "Conversational memory service",
		Long: "EverMemOS turns chat messages into durable, searchable memories.\n" +
			"Configuration comes from an optional YAML file overlaid with EVERMEM_* environment variables.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default: $EVERMEM_CONFIG)")

	root.AddCommand(
		newServeCmd(c),
		newIngestCmd(c),
		newFetchCmd(c),
		newSearchCmd(c),
		newDeleteCmd(c),
		newFlushCmd(c),
		newImportCmd(c),
		newMCPCmd(c),
		newBackupCmd(c),
	)
	return root
}

// load reads the configuration and installs the process logger.
func (c *cli) load(logOut io.Writer) error {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	c.logger = newLogger(cfg.Logging, logOut)
	slog.SetDefault(c.logger)
	return nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

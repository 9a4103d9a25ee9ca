package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syn-zhu/EverMemOS/internal/notify"
	"github.com/syn-zhu/EverMemOS/internal/server"
	"github.com/syn-zhu/EverMemOS/web/handlers"
)

func newServeCmd(c *cli) *cobra.Command {
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Serve the memory API until SIGINT or SIGTERM. Buffered conversations are swept\n" +
			"in the background and, when enabled, the sqlite store is snapshotted on schedule.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Cross-origin hosts allowed on /ws (repeatable)")
	return cmd
}

func (c *cli) serve(ctx context.Context, origins []string) error {
	a, err := newApp(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	opts := server.Options{
		Config:         c.cfg,
		Memory:         a.engine,
		Queue:          a.engine,
		Logger:         c.logger,
		OriginPatterns: origins,
	}

	backupDone := make(chan struct{})
	if c.cfg.Backup.Enabled {
		svc, err := newBackupService(c.cfg, c.logger)
		if err != nil {
			return err
		}
		opts.Backup = svc
		go func() {
			defer close(backupDone)
			if err := svc.Run(ctx); err != nil {
				c.logger.Error("backup: service stopped", "err", err)
			}
		}()
	} else {
		close(backupDone)
	}

	srv, err := server.Start(ctx, opts)
	if err != nil {
		return errors.Join(err, a.engine.Shutdown(context.WithoutCancel(ctx)))
	}
	srv.Hub().Subscribe(a.engine)

	hub := srv.Hub()
	watcher := notify.NewEventWatcher(c.cfg.Storage.DataPath, func(e notify.Event) {
		hub.Broadcast(handlers.Event{Type: e.Type, Timestamp: e.Time, Data: e.Data})
	}, c.logger)
	if err := watcher.Start(); err != nil {
		c.logger.Warn("notify: cross-process events disabled", "err", err)
	}
	c.logger.Info("evermem: serving", "addr", srv.Addr(), "storage", c.cfg.Storage.Engine)

	<-ctx.Done()
	c.logger.Info("evermem: shutting down")
	watcher.Stop()
	<-srv.Done()
	<-backupDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown engine: %w", err)
	}
	c.logger.Info("evermem: stopped")
	return nil
}

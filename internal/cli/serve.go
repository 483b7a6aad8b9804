package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/akriventsev/furnel/internal/container"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment API and saga host",
	Long: `Start the HTTP API, webhook intake and message bus bridge.

Unfinished payments are recovered from the event log before the HTTP
port is opened. SIGINT or SIGTERM stops intake first, then the sagas.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, true)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	defer func() {
		if err := c.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown finished with errors", "error", err)
		}
	}()

	if err := c.Start(ctx); err != nil {
		return err
	}
	if _, err := c.Recover(ctx); err != nil {
		return err
	}
	if err := c.Serve(ctx); err != nil {
		return err
	}
	logger.Info("furnel started",
		"port", cfg.Server.Port,
		"event_store", cfg.EventStore.Driver,
		"status_store", cfg.StatusStore,
		"message_bus", cfg.MessageBus.Type,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

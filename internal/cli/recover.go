package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/akriventsev/furnel/internal/container"
)

var recoverWait time.Duration

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Replay unfinished payments once and report",
	Long: `Fold the event log of every unfinished payment, resume it and print
what was resumed, orphaned or failed. The resumed sagas run for --wait
before the process stops; whatever is still open is resumed again by
the next "furnel serve".`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().DurationVar(&recoverWait, "wait", 0, "keep resumed sagas running for this long before exiting")
}

func runRecover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, false)
	ctx := cmd.Context()

	c, err := container.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	defer func() { _ = c.Shutdown(context.WithoutCancel(ctx)) }()

	if err := c.Start(ctx); err != nil {
		return err
	}
	report, err := c.Recover(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Resumed:  %d\n", len(report.Resumed))
	for _, id := range report.Resumed {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintf(out, "Orphaned: %d\n", len(report.Orphaned))
	for _, id := range report.Orphaned {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintf(out, "Failed:   %d\n", len(report.Failed))
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	slices.Sort(failed)
	for _, id := range failed {
		fmt.Fprintf(out, "  %s: %v\n", id, report.Failed[id])
	}

	if recoverWait > 0 && len(report.Resumed) > 0 {
		select {
		case <-time.After(recoverWait):
		case <-ctx.Done():
		}
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d payment(s) failed to recover", len(report.Failed))
	}
	return nil
}

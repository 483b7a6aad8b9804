package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/akriventsev/furnel/framework/migrations"
	schema "github.com/akriventsev/furnel/payment/infrastructure/migrations"
)

var databaseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Apply or roll back the embedded schema migrations: the saga event
store, the payments status table and the webhook log.

Examples:
  furnel migrate up
  furnel migrate down 1
  furnel migrate status --database-url postgres://localhost/furnel`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up [N]",
	Short: "Apply all pending migrations (or N of them)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := stepsArg(args, 0)
		if err != nil {
			return err
		}
		runner, err := openRunner()
		if err != nil {
			return err
		}
		defer runner.Close()

		if steps > 0 {
			err = runner.UpBy(cmd.Context(), steps)
		} else {
			err = runner.Up(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [N]",
	Short: "Roll back N migrations (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := stepsArg(args, 1)
		if err != nil {
			return err
		}
		runner, err := openRunner()
		if err != nil {
			return err
		}
		defer runner.Close()

		if err := runner.Down(cmd.Context(), steps); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migration(s)\n", steps)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		runner, err := openRunner()
		if err != nil {
			return err
		}
		defer runner.Close()

		statuses, err := runner.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		version, err := runner.Version(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get schema version: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Schema version: %d\n", version)
		for _, s := range statuses {
			fmt.Fprintf(out, "  %-8s %05d %s", s.Status, s.Version, s.Name)
			if s.AppliedAt != nil {
				fmt.Fprintf(out, " (applied at %s)", s.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (default from config / DATABASE_URL)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func openRunner() (*migrations.Runner, error) {
	dsn := databaseURL
	if dsn == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		dsn = cfg.Database.URL
	}
	if dsn == "" {
		return nil, fmt.Errorf("database url is required: set --database-url or DATABASE_URL")
	}
	return migrations.Open(dsn, schema.FS, newLogger(os.Stderr, false))
}

func stepsArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid step count %q", args[0])
	}
	return n, nil
}

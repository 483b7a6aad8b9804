// Package migrations предоставляет обертку над goose для управления миграциями схемы базы данных.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // драйвер database/sql "pgx"
	"github.com/pressly/goose/v3"
)

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Status    string // "pending", "applied"
}

// Runner применяет SQL-миграции goose из fs.FS к PostgreSQL
type Runner struct {
	db       *sql.DB
	provider *goose.Provider
	logger   *slog.Logger
	ownsDB   bool
}

// Open подключается по DSN через pgx и создает Runner.
// Соединение закрывается в Close.
func Open(dsn string, fsys fs.FS, logger *slog.Logger) (*Runner, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	r, err := NewRunner(db, fsys, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.ownsDB = true
	return r, nil
}

// NewRunner создает Runner поверх существующего соединения
func NewRunner(db *sql.DB, fsys fs.FS, logger *slog.Logger) (*Runner, error) {
	if db == nil {
		return nil, errors.New("migrations: db is required")
	}
	if fsys == nil {
		return nil, errors.New("migrations: filesystem is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return &Runner{db: db, provider: provider, logger: logger}, nil
}

// Up применяет все pending миграции
func (r *Runner) Up(ctx context.Context) error {
	results, err := r.provider.Up(ctx)
	for _, res := range results {
		r.logResult(res)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(results) == 0 {
		r.logger.Info("schema is up to date")
	}
	return nil
}

// UpBy применяет не больше steps pending миграций; steps <= 0 применяет все
func (r *Runner) UpBy(ctx context.Context, steps int) error {
	if steps <= 0 {
		return r.Up(ctx)
	}
	for i := 0; i < steps; i++ {
		res, err := r.provider.UpByOne(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		r.logResult(res)
	}
	return nil
}

// Down откатывает steps последних миграций
func (r *Runner) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	for i := 0; i < steps; i++ {
		res, err := r.provider.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		r.logResult(res)
	}
	return nil
}

// Status возвращает статус всех миграций
func (r *Runner) Status(ctx context.Context) ([]MigrationStatus, error) {
	raw, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}
	statuses := make([]MigrationStatus, 0, len(raw))
	for _, s := range raw {
		status := MigrationStatus{
			Version: s.Source.Version,
			Name:    s.Source.Path,
			Status:  string(s.State),
		}
		if s.State == goose.StateApplied {
			appliedAt := s.AppliedAt
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Version текущая версия схемы
func (r *Runner) Version(ctx context.Context) (int64, error) {
	v, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return v, nil
}

// Close закрывает соединение, если Runner его открыл
func (r *Runner) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

func (r *Runner) logResult(res *goose.MigrationResult) {
	if res == nil || res.Source == nil {
		return
	}
	if res.Error != nil {
		r.logger.Error("migration failed",
			"version", res.Source.Version, "path", res.Source.Path, "direction", res.Direction, "error", res.Error)
		return
	}
	r.logger.Info("migration applied",
		"version", res.Source.Version, "path", res.Source.Path,
		"direction", res.Direction, "duration", res.Duration)
}

package migrations

import (
	"database/sql"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paymentmigrations "github.com/akriventsev/furnel/payment/infrastructure/migrations"
)

func TestNewRunner_RequiresDB(t *testing.T) {
	_, err := NewRunner(nil, fstest.MapFS{}, nil)
	assert.Error(t, err)
}

func TestNewRunner_RequiresFS(t *testing.T) {
	// sql.Open не подключается до первого запроса
	db, err := sql.Open("pgx", "postgres://localhost:1/none")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewRunner(db, nil, nil)
	assert.Error(t, err)
}

func TestPaymentMigrations_AreGooseAnnotated(t *testing.T) {
	files, err := fs.Glob(paymentmigrations.FS, "*.sql")
	require.NoError(t, err)
	require.Len(t, files, 3)

	for _, name := range files {
		body, err := fs.ReadFile(paymentmigrations.FS, name)
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up", name)
		assert.Contains(t, string(body), "-- +goose Down", name)
	}
}

func TestOpen_InvalidMigrationSet(t *testing.T) {
	// две миграции с одной версией goose отвергает без обращения к БД
	fsys := fstest.MapFS{
		"00001_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")},
		"00001_b.sql": {Data: []byte("-- +goose Up\nSELECT 2;\n")},
	}
	_, err := Open("postgres://localhost:1/none", fsys, nil)
	assert.Error(t, err)
}

// Package testutil provides shared test infrastructure: a migrated
// throwaway store per test and a quiet logger.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dandori-ai/dandori/internal/storage"
	"github.com/dandori-ai/dandori/migrations"
)

// NewTestDB opens a SQLite store in the test's temp directory and
// applies all migrations. The store is closed when the test ends.
func NewTestDB(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "dandori-test.db")
	db, err := storage.Open(ctx, path, TestLogger())
	if err != nil {
		t.Fatalf("testutil: open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("testutil: run migrations: %v", err)
	}
	return db
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

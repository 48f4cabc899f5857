// Package storage provides the SQLite storage layer for dandori.
//
// It owns the entity tables (agents, recipes, workflows), the
// append-only run telemetry tables (runs, step_events, artifacts) and
// the derived telemetry reads. The database is a single local file
// opened in WAL mode; timestamps are stored as RFC3339 TEXT in UTC and
// opaque payloads as JSON TEXT.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB handle for all queries.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and
// applies production-safe defaults: WAL journal mode, a 5-second busy
// timeout and enforced foreign keys. Use ":memory:" for an ephemeral
// store in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}

	// A single connection sidesteps SQLITE_BUSY between the engine's
	// writers and the scheduler; sqlite serializes writers anyway.
	handle.SetMaxOpenConns(1)

	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("storage: ping sqlite %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := handle.ExecContext(ctx, pragma); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	return &DB{sql: handle, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close shuts down the database handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// isUniqueViolation reports whether err is a UNIQUE constraint
// failure. The driver does not export a stable error type for this,
// so we match on the sqlite error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// encodeJSON marshals an opaque payload column. Nil maps encode as
// the empty object so reads never see SQL NULL for required columns.
func encodeJSON(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("storage: encode payload: %w", err)
	}
	return string(b), nil
}

// decodeJSON unmarshals an opaque payload column; empty and NULL both
// decode to an empty map.
func decodeJSON(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("storage: decode payload: %w", err)
	}
	return m, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: decode time %q: %w", s, err)
	}
	return t, nil
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

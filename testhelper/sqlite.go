// Package testhelper provides shared helpers for tests.
package testhelper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
)

// NewSQLiteDB opens a throwaway SQLite database with the full schema created.
// The file lives under t.TempDir() and is cleaned up with the test.
func NewSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()

	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "db.sqlite")

	db, err := database.Open(dbURL, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		//nolint:errcheck
		db.Close()
	})

	require.NoError(t, database.CreateSchema(context.Background(), db))

	return db
}

// Package database persists apps, sources, pools, cache entries, policies,
// rules, mocks, lineage and audit records behind a bun.DB handle.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/XSAM/otelsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// Type identifies the backing database engine.
type Type uint8

const (
	TypeUnknown Type = iota
	TypePostgreSQL
	TypeSQLite
)

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypePostgreSQL:
		return "PostgreSQL"
	case TypeSQLite:
		return "SQLite"
	case TypeUnknown:
		fallthrough
	default:
		return "unknown"
	}
}

// DetectFromDatabaseURL detects the database type given a database url.
func DetectFromDatabaseURL(dbURL string) (Type, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return TypeUnknown, fmt.Errorf("error parsing the database URL %q: %w", dbURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return TypePostgreSQL, nil
	case "sqlite", "sqlite3":
		return TypeSQLite, nil
	default:
		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedDriver, u.Scheme)
	}
}

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// If <= 0, defaults are used based on database type.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of connections in the idle pool.
	// If <= 0, defaults are used based on database type.
	MaxIdleConns int
}

// Open opens a database connection and returns a bun.DB. The engine is
// determined from the URL scheme:
//   - sqlite:// or sqlite3:// for SQLite
//   - postgres:// or postgresql:// for PostgreSQL
//
// The poolCfg parameter is optional. SQLite is pinned to MaxOpenConns=1 to
// avoid "database is locked" errors under concurrent writes.
func Open(dbURL string, poolCfg *PoolConfig) (*bun.DB, error) {
	dbType, err := DetectFromDatabaseURL(dbURL)
	if err != nil {
		return nil, err
	}

	var db *bun.DB

	switch dbType {
	case TypePostgreSQL:
		db, err = openPostgreSQL(dbURL, poolCfg)
	case TypeSQLite:
		db, err = openSQLite(dbURL, poolCfg)
	case TypeUnknown:
		fallthrough
	default:
		return nil, ErrUnsupportedDriver
	}

	if err != nil {
		return nil, fmt.Errorf("error opening the database at %q: %w", dbURL, err)
	}

	return db, nil
}

func openSQLite(dbURL string, poolCfg *PoolConfig) (*bun.DB, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, err
	}

	dsn := u.Path
	if dsn == "" {
		dsn = u.Opaque
	}

	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}

	sdb, err := otelsql.Open("sqlite3", dsn, otelsql.WithAttributes(
		semconv.DBSystemSqlite,
	))
	if err != nil {
		return nil, err
	}

	// Required for ON DELETE CASCADE; disabled by default in SQLite.
	if _, err := sdb.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("error enabling foreign keys: %w", err)
	}

	// SQLite requires MaxOpenConns=1 to avoid "database is locked" errors.
	sdb.SetMaxOpenConns(1)

	if poolCfg != nil && poolCfg.MaxIdleConns > 0 {
		sdb.SetMaxIdleConns(poolCfg.MaxIdleConns)
	}

	return bun.NewDB(sdb, sqlitedialect.New()), nil
}

func openPostgreSQL(dbURL string, poolCfg *PoolConfig) (*bun.DB, error) {
	sdb, err := otelsql.Open("pgx", dbURL, otelsql.WithAttributes(
		semconv.DBSystemPostgreSQL,
	))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return bun.NewDB(sdb, pgdialect.New()), nil
}

// applyPoolSettings applies connection pool settings, overriding the given
// defaults with positive values from poolCfg.
func applyPoolSettings(sdb *sql.DB, poolCfg *PoolConfig, defaultMaxOpen, defaultMaxIdle int) {
	maxOpen := defaultMaxOpen
	maxIdle := defaultMaxIdle

	if poolCfg != nil {
		if poolCfg.MaxOpenConns > 0 {
			maxOpen = poolCfg.MaxOpenConns
		}

		if poolCfg.MaxIdleConns > 0 {
			maxIdle = poolCfg.MaxIdleConns
		}
	}

	sdb.SetMaxOpenConns(maxOpen)
	sdb.SetMaxIdleConns(maxIdle)
}

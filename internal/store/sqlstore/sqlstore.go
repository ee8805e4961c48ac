// Package sqlstore holds the durable collaborators of the gateway: the
// revocation list and the room directory. It runs on PostgreSQL through pgx
// and on SQLite for single-node deployments.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"tavern.org/internal/migrate"
	"tavern.org/internal/obs"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/*.sql seeds/*.sql
var files embed.FS

// Store is a database/sql backed store.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database. SQLite is limited to one connection.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return &Store{db: db, driver: driver}, nil
}

// New wraps an existing handle, mainly for tests.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrations returns a migration manager over the embedded schema.
func (s *Store) Migrations() *migrate.Manager {
	return migrate.NewManager(s.db, files, "migrations", "seeds")
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	applied, err := s.Migrations().Up(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	for _, name := range applied {
		obs.Info("migration_applied", map[string]any{"name": name, "driver": s.driver})
	}
	return nil
}

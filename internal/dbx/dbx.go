// Package dbx bootstraps the Postgres connection pool that backs every
// durable-state component (requests, jobs, workers, payment keys, earnings,
// storage records — spec §5). The teacher's database.go opened a *sql.DB
// and ran an inline CREATE TABLE schema; here the open/ping sequence is kept
// but the schema lives in versioned migrations applied through
// golang-migrate instead of a single db.Exec(schema) call.
package dbx

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to Postgres and applies any pending migrations. It mirrors
// the teacher's db.Ping()-after-Open() health check.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbx: open: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("dbx: ping: %w", err)
	}

	if err := migrateUp(db); err != nil {
		return nil, fmt.Errorf("dbx: migrate: %w", err)
	}
	return db, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

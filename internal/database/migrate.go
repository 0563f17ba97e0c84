// Package database runs the versioned SQL migrations for PostgreSQL.
//
// The migrations are embedded in the binary, so a deployed server or the
// migrate command needs nothing but a DATABASE_URL. The embedded SQLite used
// in development is migrated by the db package instead.
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"bothost/internal/logging"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationRunner handles database migrations
type MigrationRunner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *zap.Logger
}

// MigrationStatus represents the current migration state
type MigrationStatus struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Source returns the embedded migrations as a golang-migrate source.
func Source() (source.Driver, error) {
	return iofs.New(migrationFiles, "migrations")
}

// NewMigrationRunner connects to the PostgreSQL database at databaseURL.
func NewMigrationRunner(databaseURL string, logger *zap.Logger) (*MigrationRunner, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if logger == nil {
		logger = logging.L()
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create PostgreSQL driver: %w", err)
	}

	src, err := Source()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return &MigrationRunner{migrate: m, db: db, logger: logger}, nil
}

// Up applies all pending migrations
func (r *MigrationRunner) Up() error {
	err := r.migrate.Up()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.logger.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.logger.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Down rolls back the last migration
func (r *MigrationRunner) Down() error {
	err := r.migrate.Steps(-1)
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.logger.Info("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.logger.Info("rolled back one migration", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Version returns the current migration version
func (r *MigrationRunner) Version() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()

	status := MigrationStatus{
		Version: version,
		Dirty:   dirty,
		Applied: version > 0,
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{}, nil
		}
		status.Error = err.Error()
		return status, err
	}

	return status, nil
}

// Force sets the migration version without running migrations. It is the
// way out of a dirty state after a failed migration.
func (r *MigrationRunner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	r.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Close closes the migration runner and database connection
func (r *MigrationRunner) Close() error {
	srcErr, dbErr := r.migrate.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close database: %w", dbErr)
	}
	return r.db.Close()
}

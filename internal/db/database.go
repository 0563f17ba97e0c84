// Package db opens the relational database and implements the persistence
// interfaces used by the bot lifecycle and auth services.
//
// PostgreSQL is used in production. Local development and tests run on an
// embedded pure-Go SQLite database selected by a sqlite:// or file: URL.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bothost/internal/logging"
	"bothost/pkg/models"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database instance
type Database struct {
	DB *gorm.DB

	dialect string
}

// Config holds database configuration
type Config struct {
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	LogLevel logger.LogLevel
}

// DefaultConfig returns the pool settings used by the server.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:             url,
		MaxOpenConns:    50,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		LogLevel:        logger.Warn,
	}
}

// IsSQLiteURL reports whether url selects the embedded database.
func IsSQLiteURL(url string) bool {
	return strings.HasPrefix(url, "sqlite://") || strings.HasPrefix(url, "file:")
}

// NewDatabase opens the database named by config.URL and migrates the schema.
func NewDatabase(config *Config) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(config.LogLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	var (
		dialector gorm.Dialector
		dialect   string
	)
	if IsSQLiteURL(config.URL) {
		dialector = sqlite.Open(sqliteDSN(config.URL))
		dialect = "sqlite"
	} else {
		dialector = postgres.Open(config.URL)
		dialect = "postgres"
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if dialect == "sqlite" {
		// SQLite serializes writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	database := &Database{DB: db, dialect: dialect}
	if err := database.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("database connected", zap.String("dialect", dialect))
	return database, nil
}

// sqliteDSN strips the sqlite:// scheme and sets a busy timeout.
func sqliteDSN(url string) string {
	dsn := strings.TrimPrefix(url, "sqlite://")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Migrate brings the schema up to date with the models.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.Plan{},
		&models.User{},
		&models.Bot{},
		&models.AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return d.createIndexes()
}

// createIndexes adds the partial indexes AutoMigrate cannot express.
func (d *Database) createIndexes() error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_bots_with_container ON bots(id) WHERE container_ref <> ''",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_user_date ON audit_logs(user_id, created_at DESC)",
	}
	for _, stmt := range stmts {
		if err := d.DB.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Dialect returns "postgres" or "sqlite".
func (d *Database) Dialect() string {
	return d.dialect
}

// Health checks database connectivity
func (d *Database) Health(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetStats returns database connection statistics
func (d *Database) GetStats() map[string]interface{} {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	stats := sqlDB.Stats()
	return map[string]interface{}{
		"dialect":              d.dialect,
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// Transaction wraps a function in a database transaction
func (d *Database) Transaction(fn func(*gorm.DB) error) error {
	return d.DB.Transaction(fn)
}

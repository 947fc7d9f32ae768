// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver) and PostgreSQL, plus schema migrations.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-conversation-router/internal/domain"
)

// Supported DB_DRIVER values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		// Every timestamp is stored in UTC so text comparisons in SQLite
		// order the same way as time comparisons.
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to the database selected by driver. For sqlite, dsn is a
// file path; for postgres it is a libpq connection string or URL.
func Open(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres, "postgresql":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
//
// SQLite has no row locks, so the pool is pinned to a single connection:
// every transaction is serialised and the conditional updates used by the
// allocation engine cannot interleave.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, err
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxIdleTime(0)
		sqlDB.SetConnMaxLifetime(0)
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := instrument(db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenPostgres connects to PostgreSQL and tunes the pool.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: empty DATABASE_URL")
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := instrument(db); err != nil {
		return nil, err
	}
	return db, nil
}

// instrument attaches OpenTelemetry spans to every query.
func instrument(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin(tracing.WithoutMetrics()))
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(domain.All()...)
}

// supportsRowLocks reports whether the dialect understands SELECT ... FOR.
func supportsRowLocks(db *gorm.DB) bool {
	return db.Dialector.Name() == DriverPostgres
}

// forUpdate adds FOR UPDATE (with optional modifiers such as SKIP LOCKED)
// on dialects that support row locks.
func forUpdate(db *gorm.DB, options string) *gorm.DB {
	if !supportsRowLocks(db) {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
}

// forShare adds FOR SHARE on dialects that support row locks.
func forShare(db *gorm.DB) *gorm.DB {
	if !supportsRowLocks(db) {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "SHARE"})
}

package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending migrations to db for the given driver kind.
// Production code goes through NewClient, which migrates automatically;
// this is for harnesses that build their own connections (for example
// per-schema PostgreSQL test fixtures).
func Migrate(ctx context.Context, db *stdsql.DB, driverKind, dbName string) error {
	return runMigrations(ctx, db, driverKind, dbName)
}

// runMigrations runs database migrations using golang-migrate with embedded migration files.
//
// Migration files are embedded into the binary using go:embed, ensuring they're available
// in production deployments without requiring external files. Each driver kind has its own
// directory (migrations/sqlite, migrations/postgres) because the dialects differ in type
// names and autoincrement syntax.
func runMigrations(_ context.Context, db *stdsql.DB, driverKind, dbName string) error {
	// Check if embedded migrations exist for this driver
	hasMigrations, err := hasEmbeddedMigrations(driverKind)
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}

	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found for driver %s", driverKind)
	}

	var driver migratedb.Driver
	switch driverKind {
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DriverPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		return fmt.Errorf("unsupported database driver: %s", driverKind)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", driverKind, err)
	}

	// Create source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+driverKind)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// Apply all pending migrations
	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close() because
	// that also closes the database driver, which calls db.Close() on the shared
	// *sql.DB passed via WithInstance() - breaking the client.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql migration
// files for the given driver kind.
func hasEmbeddedMigrations(driverKind string) (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations/"+driverKind)
	if err != nil {
		// If the migrations directory doesn't exist in the embed, no migrations
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	// Check if there are any .sql files
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}

	return false, nil
}

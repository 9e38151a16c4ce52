package database

import (
	"fmt"

	"github.com/modelmux/modelmux/pkg/config"
)

// buildDSN translates database configuration into the sql driver name,
// connection string, and database name for the configured driver kind.
func buildDSN(cfg *config.DatabaseConfig) (driverName, dsn, dbName string, err error) {
	switch cfg.Driver {
	case DriverSQLite:
		return "sqlite3", sqliteDSN(cfg.Path), cfg.Path, nil
	case DriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		return "pgx", dsn, cfg.DBName, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// sqliteDSN builds a mattn/go-sqlite3 connection string with WAL mode and
// a busy timeout so concurrent readers do not fail while a write is active.
func sqliteDSN(path string) string {
	if path == ":memory:" {
		// Shared cache keeps the in-memory database visible to the pool.
		return "file::memory:?cache=shared&_foreign_keys=on"
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
}

// Package database provides the SQL client and migration utilities.
//
// The gateway supports two drivers: SQLite for single-node deployments
// (the default) and PostgreSQL for shared deployments. Both use the same
// store layer; queries are written with ? placeholders and rebound per
// driver.
package database

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Register sqlite3 driver for database/sql

	"github.com/modelmux/modelmux/pkg/config"
)

// Supported driver kinds (values of database.driver in modelmux.yaml).
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Client wraps the sqlx handle along with the resolved driver kind.
type Client struct {
	db     *sqlx.DB
	driver string
	dbName string
}

// DB returns the underlying sqlx handle for queries.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Driver returns the configured driver kind (sqlite or postgres).
func (c *Client) Driver() string {
	return c.driver
}

// Close closes the underlying database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an existing sqlx handle (useful for testing).
func NewClientFromDB(db *sqlx.DB, driver string) *Client {
	return &Client{
		db:     db,
		driver: driver,
	}
}

// NewClient creates a new database client with connection pooling and migrations
func NewClient(ctx context.Context, cfg *config.DatabaseConfig) (*Client, error) {
	driverName, dsn, dbName, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	// Open database connection
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.Driver == DriverSQLite {
		// SQLite permits a single writer; one pooled connection avoids
		// SQLITE_BUSY churn and keeps in-memory databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := runMigrations(ctx, db.DB, cfg.Driver, dbName); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	client := &Client{
		db:     db,
		driver: cfg.Driver,
		dbName: dbName,
	}

	return client, nil
}

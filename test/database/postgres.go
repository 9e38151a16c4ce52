// Package database provides a PostgreSQL test fixture for store-level
// integration tests.
//
// Unit tests run the store on SQLite; the tests in this package run the
// same store against a real PostgreSQL so the pgx bindvar rebinding,
// ON CONFLICT upserts, and aggregate queries are exercised on the
// production driver too.
// - CI: connects to an external PostgreSQL service container (CI_DATABASE_URL)
// - Local: uses a shared testcontainer (started once per package)
package database

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/modelmux/modelmux/pkg/database"
)

var (
	// Shared connection string for all tests in local dev
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewTestClient creates a database client backed by a dedicated PostgreSQL
// schema. Every test gets its own schema so tests can run in parallel
// against the shared server; the schema is dropped when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	// Create the test schema over a throwaway connection.
	admin, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	t.Logf("Created test schema: %s", schemaName)

	// Reconnect with search_path in the connection string so every pooled
	// connection lands in the test schema.
	db, err := sqlx.Open("pgx", addSearchPath(connStr, schemaName))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, database.Migrate(ctx, db.DB, database.DriverPostgres, schemaName))

	client := database.NewClientFromDB(db, database.DriverPostgres)

	t.Cleanup(func() {
		// Drop the schema before closing the pool that owns the connection.
		_, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = client.Close()
	})

	return client
}

// getOrCreateSharedDatabase returns a connection string to the shared database.
// In CI, uses CI_DATABASE_URL. In local dev, creates a shared testcontainer once.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
		t.Logf("Shared container ready: %s", sharedConnStr)
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

// generateSchemaName creates a unique, PostgreSQL-safe schema name for the
// test. Format: test_<sanitized_test_name>_<random_hex>
func generateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// Stay under PostgreSQL's 63 char identifier limit.
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}

	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

// addSearchPath appends a search_path parameter to a PostgreSQL connection
// string so all pooled connections use the given schema.
func addSearchPath(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}

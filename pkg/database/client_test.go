package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
)

// newTestClient creates a client backed by an in-memory SQLite database
// with all migrations applied.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	ctx := context.Background()
	client, err := NewClient(ctx, &config.DatabaseConfig{
		Driver: DriverSQLite,
		Path:   ":memory:",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestNewClientRunsMigrations(t *testing.T) {
	client := newTestClient(t)

	var tables []string
	err := client.DB().Select(&tables,
		`SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`)
	require.NoError(t, err)

	for _, want := range []string{
		"requests", "responses", "provider_status", "metrics",
		"discussion_sessions", "discussion_messages", "discussion_templates",
		"token_costs",
	} {
		assert.Contains(t, tables, want)
	}
}

func TestNewClientAppliesAdditiveColumns(t *testing.T) {
	client := newTestClient(t)

	// Columns added by the second migration must be present
	var n int
	err := client.DB().Get(&n,
		`SELECT COUNT(*) FROM pragma_table_info('responses') WHERE name IN ('thinking', 'raw_output')`)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = client.DB().Get(&n,
		`SELECT COUNT(*) FROM pragma_table_info('discussion_sessions') WHERE name = 'parent_session_id'`)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewClientIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gateway.db")
	cfg := &config.DatabaseConfig{Driver: DriverSQLite, Path: path}

	first, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening the same database applies no further migrations
	second, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestNewClientUnsupportedDriver(t *testing.T) {
	_, err := NewClient(context.Background(), &config.DatabaseConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestHealth(t *testing.T) {
	client := newTestClient(t)

	status, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, DriverSQLite, status.Driver)
	assert.Equal(t, 1, status.MaxOpenConns)
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *config.DatabaseConfig
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{
			name:       "sqlite file",
			cfg:        &config.DatabaseConfig{Driver: "sqlite", Path: "gw.db"},
			wantDriver: "sqlite3",
			wantDSN:    "file:gw.db?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on",
		},
		{
			name:       "sqlite in-memory",
			cfg:        &config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
			wantDriver: "sqlite3",
			wantDSN:    "file::memory:?cache=shared&_foreign_keys=on",
		},
		{
			name: "postgres",
			cfg: &config.DatabaseConfig{
				Driver: "postgres", Host: "db", Port: 5432,
				User: "mux", Password: "pw", DBName: "modelmux", SSLMode: "disable",
			},
			wantDriver: "pgx",
			wantDSN:    "host=db port=5432 user=mux password=pw dbname=modelmux sslmode=disable",
		},
		{
			name:    "unsupported",
			cfg:     &config.DatabaseConfig{Driver: "oracle"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, _, err := buildDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}

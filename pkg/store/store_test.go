package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/database"
)

// newTestStore opens a store over a fresh SQLite database under the
// test's temp dir.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	client, err := database.NewClient(context.Background(), &config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "modelmux.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(client)
}

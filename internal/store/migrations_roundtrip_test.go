package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CIVICPLAN_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CIVICPLAN_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err, "reset schema")

	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	require.NoError(t, ApplyMigrations(ctx, db, migrationsDir), "apply up migrations (pass 1)")

	reverted, err := RollbackMigrations(ctx, db, migrationsDir, 0)
	require.NoError(t, err, "apply down migrations")
	require.Equal(t, 3, reverted)

	require.NoError(t, ApplyMigrations(ctx, db, migrationsDir), "apply up migrations (pass 2)")
}

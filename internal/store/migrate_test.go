package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrationsFSSkipsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_init.up.sql":     {Data: []byte("CREATE TABLE a (id TEXT)")},
		"0001_init.down.sql":   {Data: []byte("DROP TABLE a")},
		"0002_search.up.sql":   {Data: []byte("CREATE TABLE b (id TEXT)")},
		"0002_search.down.sql": {Data: []byte("DROP TABLE b")},
		"README.md":            {Data: []byte("ignored")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("0001_init.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("0002_search.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("0002_search.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ApplyMigrationsFS(context.Background(), db, fsys))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigrationsFSRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("CREATE TABLE broken")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("0001_init.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE broken").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err = ApplyMigrationsFS(context.Background(), db, fsys)
	require.ErrorContains(t, err, "execute migration 0001_init.up.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackMigrationsFSRevertsNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_init.up.sql":     {Data: []byte("CREATE TABLE a (id TEXT)")},
		"0001_init.down.sql":   {Data: []byte("DROP TABLE a")},
		"0002_search.up.sql":   {Data: []byte("CREATE TABLE b (id TEXT)")},
		"0002_search.down.sql": {Data: []byte("DROP TABLE b")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("0002_search.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").WithArgs("0002_search.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reverted, err := RollbackMigrationsFS(context.Background(), db, fsys, 1)
	require.NoError(t, err)
	require.Equal(t, 1, reverted)
	require.NoError(t, mock.ExpectationsWereMet())
}

// internal/database/postgres_test.go
package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/devops"
)

const testDSN = "postgres://deploy@localhost:5432/app?sslmode=disable"

func newMockPostgres(t *testing.T, cfg Config) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if cfg.DSN == "" {
		cfg.DSN = testDSN
	}
	p, err := NewWithDB(db, cfg, zap.NewNop())
	require.NoError(t, err)
	return p, mock
}

func TestPostgres_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("first column of every row", func(t *testing.T) {
		p, mock := newMockPostgres(t, Config{})
		mock.ExpectQuery("SELECT status, count(*) FROM job_status GROUP BY status").
			WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
				AddRow("done", 4).
				AddRow("queued", 1))

		rows, err := p.Execute(ctx, "SELECT status, count(*) FROM job_status GROUP BY status")
		require.NoError(t, err)
		assert.Equal(t, []string{"done", "queued"}, rows)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		p, mock := newMockPostgres(t, Config{})
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

		_, err := p.Execute(ctx, "SELECT 1")
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestPostgres_Catalog(t *testing.T) {
	ctx := context.Background()

	t.Run("live database", func(t *testing.T) {
		p, mock := newMockPostgres(t, Config{})
		mock.ExpectQuery(devops.TablesQuery).
			WillReturnRows(sqlmock.NewRows([]string{"tablename"}).AddRow("knowledge_base").AddRow("job_status"))
		mock.ExpectQuery(devops.ExtensionsQuery).
			WillReturnRows(sqlmock.NewRows([]string{"extname"}).AddRow("plpgsql").AddRow("vector"))

		catalog, err := p.Catalog(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, []string{"knowledge_base", "job_status"}, catalog.Tables)
		assert.Equal(t, []string{"plpgsql", "vector"}, catalog.Extensions)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("scratch database opens its own connection", func(t *testing.T) {
		p, live := newMockPostgres(t, Config{})

		scratchDB, scratch, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		require.NoError(t, err)
		var opened string
		p.open = func(dsn string) (*sql.DB, error) {
			opened = dsn
			return scratchDB, nil
		}

		scratch.ExpectQuery(devops.TablesQuery).WillReturnRows(sqlmock.NewRows([]string{"tablename"}).AddRow("job_status"))
		scratch.ExpectQuery(devops.ExtensionsQuery).WillReturnRows(sqlmock.NewRows([]string{"extname"}))
		scratch.ExpectClose()

		catalog, err := p.Catalog(ctx, "shipyard_restore_1a2b3c4d")
		require.NoError(t, err)
		assert.Equal(t, []string{"job_status"}, catalog.Tables)
		assert.Empty(t, catalog.Extensions)
		assert.Contains(t, opened, "/shipyard_restore_1a2b3c4d?")
		assert.NoError(t, scratch.ExpectationsWereMet())
		assert.NoError(t, live.ExpectationsWereMet())
	})
}

func TestPostgres_Scratch(t *testing.T) {
	ctx := context.Background()

	t.Run("create and drop", func(t *testing.T) {
		p, mock := newMockPostgres(t, Config{})
		mock.ExpectExec(`CREATE DATABASE "shipyard_restore_1a2b3c4d"`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DROP DATABASE IF EXISTS "shipyard_restore_1a2b3c4d" WITH (FORCE)`).WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, p.CreateScratch(ctx, "shipyard_restore_1a2b3c4d"))
		require.NoError(t, p.DropScratch(ctx, "shipyard_restore_1a2b3c4d"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unsafe names", func(t *testing.T) {
		p, mock := newMockPostgres(t, Config{})
		assert.Error(t, p.CreateScratch(ctx, `x"; DROP DATABASE app; --`))
		assert.Error(t, p.DropScratch(ctx, "1bad"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("never drops the live database", func(t *testing.T) {
		p, mock := newMockPostgres(t, Config{})
		assert.Error(t, p.DropScratch(ctx, "app"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_DumpRestore(t *testing.T) {
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "restored.sql")

	p, _ := newMockPostgres(t, Config{
		DumpCommand:    "printf {database}",
		RestoreCommand: "tee " + out,
	})

	var dump bytes.Buffer
	require.NoError(t, p.Dump(ctx, &dump))
	assert.Equal(t, "app", dump.String())

	require.NoError(t, p.Restore(ctx, "scratch_db", strings.NewReader("CREATE TABLE job_status ();")))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE job_status ();", string(data))
}

func TestPostgres_DumpFailure(t *testing.T) {
	p, _ := newMockPostgres(t, Config{DumpCommand: `sh -c "echo 'pg_dump: connection refused' >&2; exit 1"`})
	err := p.Dump(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDSNHelpers(t *testing.T) {
	name, err := DatabaseName(testDSN)
	require.NoError(t, err)
	assert.Equal(t, "app", name)

	_, err = DatabaseName("postgres://localhost:5432")
	assert.Error(t, err)

	dsn, err := WithDatabase(testDSN, "scratch")
	require.NoError(t, err)
	assert.Equal(t, "postgres://deploy@localhost:5432/scratch?sslmode=disable", dsn)
}

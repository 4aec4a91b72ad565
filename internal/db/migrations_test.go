package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func appliedVersions(t *testing.T, conn *sql.DB) []int {
	t.Helper()
	rows, err := conn.Query("SELECT version FROM schema_migrations ORDER BY version")
	require.NoError(t, err)
	defer rows.Close()
	var versions []int
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())
	return versions
}

func TestMigrate(t *testing.T) {
	t.Run("fresh database applies all migrations", func(t *testing.T) {
		conn := openRaw(t)
		require.NoError(t, Migrate(conn))
		assert.Equal(t, []int{1, 2, 3}, appliedVersions(t, conn))
	})

	t.Run("re-running is a no-op", func(t *testing.T) {
		conn := openRaw(t)
		require.NoError(t, Migrate(conn))
		require.NoError(t, Migrate(conn))
		assert.Len(t, appliedVersions(t, conn), len(migrations))
	})

	t.Run("creates history tables and index", func(t *testing.T) {
		conn := openRaw(t)
		require.NoError(t, Migrate(conn))
		for _, name := range []string{"runs", "changes", "idx_runs_target_started"} {
			var count int
			err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = ?", name).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, name)
		}
	})

	t.Run("unknown applied version fails", func(t *testing.T) {
		conn := openRaw(t)
		require.NoError(t, Migrate(conn))
		_, err := conn.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (99, 'future', datetime('now'))")
		require.NoError(t, err)
		err = Migrate(conn)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown schema migration version 99")
	})

	t.Run("nil db", func(t *testing.T) {
		require.Error(t, Migrate(nil))
	})
}

func TestPartialMigration(t *testing.T) {
	conn := openRaw(t)
	require.NoError(t, ensureSchemaMigrations(conn))
	require.NoError(t, applyMigration(conn, migrations[0]))
	_, err := conn.Exec(`INSERT INTO runs (id, started_at, finished_at, entry, target, mode, outcome)
		VALUES ('r1', '2024-01-01T12:00:00.000000000Z', '2024-01-01T12:00:01.000000000Z', 'managed', 'web1', 'apply', 'succeeded')`)
	require.NoError(t, err)

	require.NoError(t, Migrate(conn))
	assert.Equal(t, []int{1, 2, 3}, appliedVersions(t, conn))

	var from, to string
	require.NoError(t, conn.QueryRow("SELECT transition_from, transition_to FROM runs WHERE id = 'r1'").Scan(&from, &to))
	assert.Empty(t, from)
	assert.Empty(t, to)
}

func TestMigrationDefinitions(t *testing.T) {
	require.NoError(t, validateMigrations())
	for i, m := range migrations {
		assert.Equal(t, i+1, m.version, "migration %d should have version %d", i, i+1)
		assert.NotEmpty(t, m.name)
		assert.NotEmpty(t, m.statements)
	}
}

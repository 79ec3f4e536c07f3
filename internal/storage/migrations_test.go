package storage

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrationsFreshDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(db))

	applied, err := GetMigrationStatus(db)
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, RunMigrations(db))

	applied, err := GetMigrationStatus(db)
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))
}

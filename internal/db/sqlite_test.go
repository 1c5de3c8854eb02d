package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMigrations = []Migration{
	{Version: 1, Name: "items", SQL: "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)"},
	{Version: 2, Name: "item tags", SQL: "ALTER TABLE items ADD COLUMN tag TEXT NOT NULL DEFAULT ''"},
}

func TestStore_AppliesOnlyNewMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(path, testMigrations[:1])
	require.NoError(t, err)
	_, err = s.Exec("INSERT INTO items (name) VALUES (?)", "first")
	require.NoError(t, err)
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, s.Close())

	s, err = Open(path, testMigrations)
	require.NoError(t, err)
	defer s.Close()
	v, err = s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	rows, err := s.Query("SELECT name, tag FROM items")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var name, tag string
	require.NoError(t, rows.Scan(&name, &tag))
	assert.Equal(t, "first", name)
	assert.Equal(t, "", tag)
}

func TestStore_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := Open(path, testMigrations)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, testMigrations[:1])
	assert.ErrorContains(t, err, "newer than supported")
}

func TestStore_FailedMigrationKeepsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	broken := append([]Migration{}, testMigrations[0],
		Migration{Version: 2, Name: "broken", SQL: "ALTER TABLE missing ADD COLUMN x TEXT"})

	_, err := Open(path, broken)
	assert.ErrorContains(t, err, "migration 2 (broken)")

	s, err := Open(path, testMigrations[:1])
	require.NoError(t, err)
	defer s.Close()
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestStore_RejectsOutOfOrderMigrations(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "store.db"), []Migration{testMigrations[1]})
	assert.ErrorContains(t, err, "want 1")
}

func TestHistory_SchemaIsCurrent(t *testing.T) {
	h := openHistory(t)
	v, err := h.db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(historyMigrations), v)
	require.NoError(t, h.db.Checkpoint())
}

package database

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
		"20260101_000000_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"20260102_000000_gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY);")},
		"README.md":                        {Data: []byte("not a migration")},
	}
}

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

func TestMigrate_AppliesInOrderAndIsIdempotent(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx, testMigrations()))
	require.NoError(t, db.Migrate(ctx, testMigrations()))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 2, n)

	_, err := db.ExecContext(ctx, "INSERT INTO gadgets (id) VALUES ('g1')")
	assert.NoError(t, err)

	pending, err := db.Pending(ctx, testMigrations())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMigrate_FailureStopsAtBrokenMigration(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"20260101_000000_ok.up.sql":     {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"20260102_000000_broken.up.sql": {Data: []byte("CREATE TABLE;")},
	}
	err := db.Migrate(ctx, fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20260102_000000")

	pending, err := db.Pending(ctx, fsys)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "broken", pending[0].Name)
}

func TestLoadMigrations(t *testing.T) {
	migs, err := LoadMigrations(testMigrations())
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, "20260101_000000", migs[0].Version)
	assert.Equal(t, "widgets", migs[0].Name)
	assert.Equal(t, "20260102_000000", migs[1].Version)

	none, err := LoadMigrations(nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		file    string
		version string
		name    string
		ok      bool
	}{
		{"20260118_120000_initial_schema.up.sql", "20260118_120000", "initial_schema", true},
		{"20260118_120000.up.sql", "20260118_120000", "", true},
		{"20260118_120000_initial_schema.down.sql", "", "", false},
		{"initial.up.sql", "", "", false},
		{"2026_12_x.up.sql", "", "", false},
		{"notes.txt", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, ok := parseMigrationFilename(tt.file)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.name, name)
		})
	}
}

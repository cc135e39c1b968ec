package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-dream-of-ai/aegra/internal/common/config"
)

func TestReadMigrations_OrdersByPrefix(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_later.sql": {Data: []byte("CREATE TABLE b (id TEXT)")},
		"m/002_first.sql": {Data: []byte("CREATE TABLE a (id TEXT)")},
		"m/README.md":     {Data: []byte("ignored")},
	}
	migrations, err := ReadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 2, migrations[0].id)
	assert.Equal(t, "002_first.sql", migrations[0].name)
	assert.Equal(t, 10, migrations[1].id)
}

func TestReadMigrations_RejectsUnnumberedFile(t *testing.T) {
	fsys := fstest.MapFS{"m/first.sql": {Data: []byte("SELECT 1")}}
	_, err := ReadMigrations(fsys, "m")
	assert.Error(t, err)
}

func TestOpen_AppliesEmbeddedMigrationsOnce(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: config.SqliteDriver, Dsn: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	migrations, err := ReadMigrations(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NoError(t, UpdateDatabase(db, migrations))

	version, err := readVersion(db)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].id, version)

	for _, table := range []string{"usage_records", "coverage"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, table)
	}
}

func TestSplitStatements(t *testing.T) {
	statements := splitStatements("CREATE TABLE a (id TEXT);\n\n CREATE INDEX i ON a (id);\n")
	assert.Equal(t, []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX i ON a (id)"}, statements)
}

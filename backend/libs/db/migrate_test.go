package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsSortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_add_index.sql": {Data: []byte("CREATE INDEX a ON b (c);")},
		"migrations/001_init.sql":      {Data: []byte("CREATE TABLE b (c INT);")},
		"migrations/README.md":         {Data: []byte("docs")},
	}

	migrations, err := LoadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "init", migrations[0].Name)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, "add_index", migrations[1].Name)
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{"m/init.sql": {Data: []byte("")}}, "m")
	require.Error(t, err)

	_, err = LoadMigrations(fstest.MapFS{"m/x_init.sql": {Data: []byte("")}}, "m")
	require.Error(t, err)

	_, err = LoadMigrations(fstest.MapFS{
		"m/1_a.sql":  {Data: []byte("")},
		"m/01_b.sql": {Data: []byte("")},
	}, "m")
	require.Error(t, err)
}

package storage

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrationsOrderAndChecksum(t *testing.T) {
	fsys := fstest.MapFS{
		"010_metrics.sql": {Data: []byte("CREATE TABLE b (id int);")},
		"002_jobs.sql":    {Data: []byte("CREATE TABLE a (id int);")},
		"README.md":       {Data: []byte("not a migration")},
	}
	got, err := readMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "002_jobs.sql", got[0].name)
	assert.Equal(t, "010_metrics.sql", got[1].name)
	assert.NotEqual(t, got[0].checksum, got[1].checksum)

	again, err := readMigrations(fsys)
	require.NoError(t, err)
	assert.Equal(t, got[0].checksum, again[0].checksum, "checksum is stable")
}

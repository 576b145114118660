package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	goose.SetBaseFS(migrations)
	t.Cleanup(func() { goose.SetBaseFS(nil) })

	collected, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	require.NoError(t, err)
	require.Len(t, collected, 2)
	assert.Equal(t, int64(1), collected[0].Version)
	assert.Equal(t, int64(2), collected[1].Version)
}

func TestMigrationsCreateEngineTables(t *testing.T) {
	var all strings.Builder
	err := fs.WalkDir(migrations, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := fs.ReadFile(migrations, path)
		all.Write(b)
		return err
	})
	require.NoError(t, err)

	for _, table := range []string{
		"radcheck", "radreply", "radgroupcheck", "radgroupreply", "radusergroup", "radacct",
		"packages", "customers", "subscriptions", "nas", "transactions",
	} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}

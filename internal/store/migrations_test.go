package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_add_index.sql":      {Data: []byte("CREATE INDEX a ON t(x);")},
		"migrations/002_second.sql":         {Data: []byte("SELECT 2;")},
		"migrations/001_initial_schema.sql": {Data: []byte("SELECT 1;")},
		"migrations/README.md":              {Data: []byte("ignored")},
	}
	ms, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{ms[0].version, ms[1].version, ms[2].version})
	assert.Equal(t, "initial_schema", ms[0].name)
	assert.Equal(t, "add_index", ms[2].name)
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{"migrations/init.sql": {Data: []byte("x")}})
	assert.Error(t, err)

	_, err = loadMigrations(fstest.MapFS{"migrations/abc_init.sql": {Data: []byte("x")}})
	assert.Error(t, err)

	_, err = loadMigrations(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("x")},
		"migrations/1_b.sql":   {Data: []byte("y")},
	})
	assert.ErrorContains(t, err, "share version 1")
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.NotEmpty(t, sqlStatements(ms[0].script))
}

func TestSQLStatements(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id TEXT);

-- only a comment;
CREATE INDEX i ON a(id);
   ;
`
	stmts := sqlStatements(script)
	assert.Equal(t, []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX i ON a(id)"}, stmts)
}

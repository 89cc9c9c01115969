package sqlstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(InMemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.DB.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := reopened.HasTable(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOpenEmptyPathIsMemory(t *testing.T) {
	store, err := Open("")
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, InMemoryPath, store.Path())
}

func TestTableAndColumnNames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.DB.ExecContext(ctx, `CREATE TABLE zebra (a INTEGER, b TEXT)`)
	require.NoError(t, err)
	_, err = store.DB.ExecContext(ctx, `CREATE TABLE apple (x REAL)`)
	require.NoError(t, err)

	names, err := store.TableNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"apple", "zebra"}, names)

	cols, err := store.ColumnNames(ctx, "zebra")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, cols)

	ok, err := store.HasTable(ctx, "apple")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.HasTable(ctx, "pear")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecScriptAtomicity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.ExecScript(ctx, `
		CREATE TABLE good (v INTEGER);
		INSERT INTO good VALUES (1);
		INSERT INTO missing VALUES (2);
	`)
	require.Error(t, err)

	ok, err := store.HasTable(ctx, "good")
	require.NoError(t, err)
	require.False(t, ok, "failed script must leave nothing behind")
}

func TestVacuum(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.DB.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)
	_, err = store.DB.ExecContext(ctx, `INSERT INTO t VALUES (1), (2), (3)`)
	require.NoError(t, err)
	_, err = store.DB.ExecContext(ctx, `DELETE FROM t`)
	require.NoError(t, err)
	require.NoError(t, store.Vacuum(ctx))
}

func TestQuoting(t *testing.T) {
	require.Equal(t, `"plain"`, QuoteIdent("plain"))
	require.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
	require.Equal(t, `'plain'`, QuoteString("plain"))
	require.Equal(t, `'it''s'`, QuoteString("it's"))
}

func TestIdentifierValidation(t *testing.T) {
	for _, name := range []string{"a", "table_1", "_x", "A9"} {
		require.True(t, ValidIdent(name), name)
	}
	long := strings.Repeat("x", 101)
	for _, name := range []string{"", "9lives", "bad name", "semi;colon", `quo"te`, "dot.ted", long} {
		require.False(t, ValidIdent(name), name)
	}

	for _, typ := range []string{"TEXT", "REAL", "varchar(256)", "DECIMAL(10, 2)", ""} {
		require.True(t, ValidColumnType(typ), typ)
	}
	for _, typ := range []string{"TEXT; DROP TABLE x", "TEXT'", `"TEXT"`} {
		require.False(t, ValidColumnType(typ), typ)
	}
}

package gc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"datastash/internal/fs"
	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/tree"
)

const (
	barOID    = "c157a79031e1c40f85931829bc5fc552" // md5("bar\n")
	bazOID    = "258622b1688250cb619f3c9ccaefb7eb" // md5("baz\n")
	orphanOID = "d3b07384d113edec49eaa6238ad5ff00" // md5("foo\n")
)

func seed(t *testing.T) (*odb.LocalDB, object.HashInfo) {
	t.Helper()
	db := odb.NewLocalDB(fs.NewMemoryFS(), "/cache", odb.Config{})
	require.NoError(t, db.AddBytes(barOID, []byte("bar\n")))
	require.NoError(t, db.AddBytes(bazOID, []byte("baz\n")))
	require.NoError(t, db.AddBytes(orphanOID, []byte("foo\n")))

	tr := tree.New()
	tr.Add("bar", nil, object.HashInfo{Name: "md5", Value: barOID})
	tr.Add("baz", nil, object.HashInfo{Name: "md5", Value: bazOID})
	require.NoError(t, tr.Digest("md5"))
	require.NoError(t, db.AddBytes(tr.Info().Value, tr.Bytes()))
	return db, tr.Info()
}

func TestGCKeepsReachable(t *testing.T) {
	db, used := seed(t)

	removed, err := GC(db, []object.HashInfo{used}, Options{})
	require.NoError(t, err)
	require.True(t, removed)

	require.True(t, db.Exists(used.Value))
	require.True(t, db.Exists(barOID))
	require.True(t, db.Exists(bazOID))
	require.False(t, db.Exists(orphanOID))

	// Second collection finds nothing to do.
	removed, err = GC(db, []object.HashInfo{used}, Options{})
	require.NoError(t, err)
	require.False(t, removed)
}

func TestGCShallowDropsMembers(t *testing.T) {
	db, used := seed(t)

	removed, err := GC(db, []object.HashInfo{used}, Options{Shallow: true})
	require.NoError(t, err)
	require.True(t, removed)

	require.True(t, db.Exists(used.Value))
	require.False(t, db.Exists(barOID))
	require.False(t, db.Exists(bazOID))
}

func TestGCNothingUsed(t *testing.T) {
	db, _ := seed(t)

	removed, err := GC(db, nil, Options{})
	require.NoError(t, err)
	require.True(t, removed)

	oids, err := db.ListOIDs()
	require.NoError(t, err)
	require.Empty(t, oids)
}

func TestGCReadOnly(t *testing.T) {
	db := odb.NewLocalDB(fs.NewMemoryFS(), "/cache", odb.Config{ReadOnly: true})
	_, err := GC(db, nil, Options{})
	require.ErrorIs(t, err, odb.ErrReadOnly)
}

package diff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"datastash/internal/fs"
	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/tree"
)

const (
	fooOID = "d3b07384d113edec49eaa6238ad5ff00" // md5("foo\n")
	barOID = "c157a79031e1c40f85931829bc5fc552" // md5("bar\n")
	bazOID = "258622b1688250cb619f3c9ccaefb7eb" // md5("baz\n")
)

func newDB(t *testing.T) *odb.LocalDB {
	t.Helper()
	return odb.NewLocalDB(fs.NewMemoryFS(), "/cache", odb.Config{})
}

func mkTree(t *testing.T, entries map[string]string) *tree.Tree {
	t.Helper()
	tr := tree.New()
	for key, oid := range entries {
		tr.Add(key, nil, object.HashInfo{Name: "md5", Value: oid})
	}
	require.NoError(t, tr.Digest("md5"))
	return tr
}

func keysOf(changes []Change) []string {
	var keys []string
	for _, c := range changes {
		keys = append(keys, c.Key())
	}
	return keys
}

func TestDiffPartition(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.AddBytes(fooOID, []byte("foo\n")))
	require.NoError(t, db.AddBytes(bazOID, []byte("baz\n")))
	require.NoError(t, db.AddBytes(barOID, []byte("bar\n")))

	oldTree := mkTree(t, map[string]string{"a": fooOID, "b": barOID})
	newTree := mkTree(t, map[string]string{"a": fooOID, "b": bazOID, "c": barOID})

	d, err := Diff(db, oldTree, newTree)
	require.NoError(t, err)

	require.Equal(t, []string{"c"}, keysOf(d.Added))
	// The root manifest changed alongside b.
	require.Equal(t, []string{Root, "b"}, keysOf(d.Modified))
	require.Empty(t, d.Deleted)
	require.Equal(t, []string{"a"}, keysOf(d.Unchanged))

	stats := d.Stats()
	require.Equal(t, 1, stats[Added])
	require.Equal(t, 1, stats[Modified])
	require.Equal(t, 0, stats[Deleted])
}

func TestDiffDeleted(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.AddBytes(fooOID, []byte("foo\n")))

	oldTree := mkTree(t, map[string]string{"a": fooOID, "b": barOID})
	newTree := mkTree(t, map[string]string{"a": fooOID})

	d, err := Diff(db, oldTree, newTree)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keysOf(d.Deleted))

	// The deleted entry's content was never stored, so it cannot be
	// restored later.
	require.False(t, d.Deleted[0].Old.InCache)
}

func TestDiffPromotesUncachedUnchanged(t *testing.T) {
	db := newDB(t)
	// fooOID is intentionally absent from the database.
	oldTree := mkTree(t, map[string]string{"a": fooOID})
	newTree := mkTree(t, map[string]string{"a": fooOID})

	d, err := Diff(db, oldTree, newTree)
	require.NoError(t, err)

	require.Equal(t, []string{"a"}, keysOf(d.Modified))
	// The identical root manifests stay unchanged: directories are
	// never promoted.
	require.Equal(t, []string{Root}, keysOf(d.Unchanged))
}

func TestDiffAgainstNothing(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.AddBytes(fooOID, []byte("foo\n")))
	newTree := mkTree(t, map[string]string{"a": fooOID})

	d, err := Diff(db, nil, newTree)
	require.NoError(t, err)
	require.Equal(t, []string{Root, "a"}, keysOf(d.Added))
	require.Empty(t, d.Deleted)

	d, err = Diff(db, newTree, nil)
	require.NoError(t, err)
	require.Equal(t, []string{Root, "a"}, keysOf(d.Deleted))
}

func TestDiffPlainObjects(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.AddBytes(fooOID, []byte("foo\n")))
	require.NoError(t, db.AddBytes(barOID, []byte("bar\n")))

	oldObj := db.Get(fooOID)
	newObj := db.Get(barOID)

	d, err := Diff(db, oldObj, newObj)
	require.NoError(t, err)
	require.Equal(t, []string{Root}, keysOf(d.Modified))

	d, err = Diff(db, oldObj, db.Get(fooOID))
	require.NoError(t, err)
	require.Equal(t, []string{Root}, keysOf(d.Unchanged))
}

func TestChangeType(t *testing.T) {
	foo := TreeEntry{Key: "x", Hash: object.HashInfo{Name: "md5", Value: fooOID}}
	bar := TreeEntry{Key: "x", Hash: object.HashInfo{Name: "md5", Value: barOID}}
	none := TreeEntry{Key: "x"}

	require.Equal(t, Added, Change{Old: none, New: foo}.Type())
	require.Equal(t, Deleted, Change{Old: foo, New: none}.Type())
	require.Equal(t, Modified, Change{Old: foo, New: bar}.Type())
	require.Equal(t, Unchanged, Change{Old: foo, New: foo}.Type())
}

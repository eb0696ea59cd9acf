package odb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"datastash/internal/fs"
	"datastash/internal/object"
)

const fooOID = "d3b07384d113edec49eaa6238ad5ff00" // md5("foo\n")

func newTestDB(t *testing.T, cfg Config) (*LocalDB, *fs.MemoryFS) {
	t.Helper()
	mem := fs.NewMemoryFS()
	return NewLocalDB(mem, "/cache", cfg), mem
}

func TestOIDToPathSharding(t *testing.T) {
	db, _ := newTestDB(t, Config{})
	require.Equal(t, "/cache/d3/b07384d113edec49eaa6238ad5ff00", db.OIDToPath(fooOID))
}

func TestAddAndGet(t *testing.T) {
	db, mem := newTestDB(t, Config{})
	src := fs.NewMemoryFS()
	require.NoError(t, src.WriteFile("/ws/foo", []byte("foo\n"), 0o644))

	require.NoError(t, db.Add("/ws/foo", src, fooOID, false))
	require.True(t, db.Exists(fooOID))

	obj := db.Get(fooOID)
	data, err := mem.ReadFile(obj.Path)
	require.NoError(t, err)
	require.Equal(t, "foo\n", string(data))
	require.Equal(t, object.HashInfo{Name: "md5", Value: fooOID}, obj.Hash)
}

func TestAddIsIdempotent(t *testing.T) {
	db, mem := newTestDB(t, Config{})
	src := fs.NewMemoryFS()
	require.NoError(t, src.WriteFile("/ws/foo", []byte("foo\n"), 0o644))
	require.NoError(t, db.Add("/ws/foo", src, fooOID, false))

	// A second add of different bytes under the same oid must not
	// clobber the stored object.
	require.NoError(t, src.WriteFile("/ws/foo", []byte("tampered"), 0o644))
	require.NoError(t, db.Add("/ws/foo", src, fooOID, false))

	data, err := mem.ReadFile(db.OIDToPath(fooOID))
	require.NoError(t, err)
	require.Equal(t, "foo\n", string(data))
}

func TestCheckDetectsCorruption(t *testing.T) {
	db, mem := newTestDB(t, Config{})
	require.NoError(t, db.AddBytes(fooOID, []byte("not foo at all")))

	_, err := db.Check(fooOID, true)
	require.True(t, IsFormatError(err))

	// The corrupt object is dropped so it can never be served again.
	require.False(t, mem.Exists(db.OIDToPath(fooOID)))
	_, err = db.Check(fooOID, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckValid(t *testing.T) {
	db, _ := newTestDB(t, Config{})
	require.NoError(t, db.AddBytes(fooOID, []byte("foo\n")))

	meta, err := db.Check(fooOID, true)
	require.NoError(t, err)
	require.Equal(t, int64(4), meta.Size)
}

func TestCheckManifestOID(t *testing.T) {
	db, _ := newTestDB(t, Config{})
	manifest := []byte(`[{"md5": "c157a79031e1c40f85931829bc5fc552", "relpath": "bar"}, ` +
		`{"md5": "258622b1688250cb619f3c9ccaefb7eb", "relpath": "baz"}]`)
	oid := "1f69c66028c35037e8bf67e5bc4ceb6a.dir"
	require.NoError(t, db.AddBytes(oid, manifest))

	// The directory suffix is not part of the digested bytes.
	_, err := db.Check(oid, true)
	require.NoError(t, err)
}

func TestExistsPrefix(t *testing.T) {
	db, _ := newTestDB(t, Config{})
	require.NoError(t, db.AddBytes("aab111", []byte("x")))
	require.NoError(t, db.AddBytes("aab222", []byte("y")))

	oid, err := db.ExistsPrefix("aab1")
	require.NoError(t, err)
	require.Equal(t, "aab111", oid)

	_, err = db.ExistsPrefix("aab")
	var amb *AmbiguousPrefixError
	require.ErrorAs(t, err, &amb)
	require.Equal(t, "aab", amb.Prefix)

	_, err = db.ExistsPrefix("ffff")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.ExistsPrefix("a")
	require.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	db, _ := newTestDB(t, Config{ReadOnly: true})
	src := fs.NewMemoryFS()
	require.NoError(t, src.WriteFile("/ws/foo", []byte("foo\n"), 0o644))

	require.ErrorIs(t, db.Add("/ws/foo", src, fooOID, false), ErrReadOnly)
	require.ErrorIs(t, db.AddBytes(fooOID, []byte("foo\n")), ErrReadOnly)
	require.ErrorIs(t, db.Delete(fooOID), ErrReadOnly)
}

func TestListOIDs(t *testing.T) {
	db, _ := newTestDB(t, Config{})
	oids, err := db.ListOIDs()
	require.NoError(t, err)
	require.Empty(t, oids)

	require.NoError(t, db.AddBytes("aab111", []byte("x")))
	require.NoError(t, db.AddBytes("ccd222", []byte("y")))

	oids, err = db.ListOIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"aab111", "ccd222"}, oids)

	require.NoError(t, db.Delete("aab111"))
	require.ErrorIs(t, db.Delete("aab111"), ErrNotFound)
}

func TestOIDsExist(t *testing.T) {
	db, _ := newTestDB(t, Config{})
	require.NoError(t, db.AddBytes("aab111", []byte("x")))

	present := db.OIDsExist([]string{"aab111", "ffff00"})
	require.Equal(t, []string{"aab111"}, present)
}

func TestVerifyOnAdd(t *testing.T) {
	db, _ := newTestDB(t, Config{Verify: true})
	src := fs.NewMemoryFS()
	require.NoError(t, src.WriteFile("/ws/foo", []byte("wrong bytes"), 0o644))

	err := db.Add("/ws/foo", src, fooOID, false)
	require.True(t, IsFormatError(err))
	require.False(t, db.Exists(fooOID))
}

func TestReferenceDB(t *testing.T) {
	staging := NewReferenceDB(fs.NewMemoryFS(), "/staging", "md5")
	src := fs.NewMemoryFS()
	require.NoError(t, src.WriteFile("/ws/foo", []byte("foo\n"), 0o644))

	_, err := staging.Check(fooOID, false)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, staging.Add("/ws/foo", src, fooOID, false))
	require.True(t, staging.Exists(fooOID))
	_, err = staging.Check(fooOID, true)
	require.NoError(t, err)

	// References point back at the original location; no bytes moved.
	obj := staging.Get(fooOID)
	require.Equal(t, "/ws/foo", obj.Path)
	require.Same(t, fs.FS(src), obj.FS)

	require.NoError(t, staging.AddBytes("aab111", []byte("manifest")))
	data, err := staging.FileSystem().ReadFile(staging.Get("aab111").Path)
	require.NoError(t, err)
	require.Equal(t, "manifest", string(data))

	require.ElementsMatch(t, []string{fooOID, "aab111"}, staging.OIDs())
}

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"datastash/internal/fs"
	"datastash/internal/object"
)

func newState(t *testing.T) (*State, *fs.OSFS, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, fs.NewOSFS(), dir
}

func TestHashRoundTrip(t *testing.T) {
	st, osfs, dir := newState(t)

	path := filepath.Join(dir, "foo")
	require.NoError(t, os.WriteFile(path, []byte("foo\n"), 0o644))

	_, _, ok := st.GetHash(path, osfs)
	require.False(t, ok)

	hi := object.HashInfo{Name: "md5", Value: "d3b07384d113edec49eaa6238ad5ff00"}
	require.NoError(t, st.SaveHash(path, osfs, hi))

	meta, got, ok := st.GetHash(path, osfs)
	require.True(t, ok)
	require.Equal(t, hi, got)
	require.Equal(t, int64(4), meta.Size)
}

func TestHashStaleAfterRewrite(t *testing.T) {
	st, osfs, dir := newState(t)

	path := filepath.Join(dir, "foo")
	require.NoError(t, os.WriteFile(path, []byte("foo\n"), 0o644))
	hi := object.HashInfo{Name: "md5", Value: "d3b07384d113edec49eaa6238ad5ff00"}
	require.NoError(t, st.SaveHash(path, osfs, hi))

	// A different size guarantees a fingerprint change.
	require.NoError(t, os.WriteFile(path, []byte("something longer"), 0o644))

	_, _, ok := st.GetHash(path, osfs)
	require.False(t, ok)
}

func TestSaveManyOverwrites(t *testing.T) {
	st, osfs, dir := newState(t)

	path := filepath.Join(dir, "foo")
	require.NoError(t, os.WriteFile(path, []byte("foo\n"), 0o644))

	first := object.HashInfo{Name: "md5", Value: "aaaa"}
	second := object.HashInfo{Name: "md5", Value: "bbbb"}
	require.NoError(t, st.SaveMany([]Record{{Path: path, FS: osfs, Hash: first}}))
	require.NoError(t, st.SaveMany([]Record{{Path: path, FS: osfs, Hash: second}}))

	_, got, ok := st.GetHash(path, osfs)
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestSaveManySkipsMissingFiles(t *testing.T) {
	st, osfs, dir := newState(t)

	path := filepath.Join(dir, "foo")
	require.NoError(t, os.WriteFile(path, []byte("foo\n"), 0o644))

	hi := object.HashInfo{Name: "md5", Value: "d3b07384d113edec49eaa6238ad5ff00"}
	require.NoError(t, st.SaveMany([]Record{
		{Path: filepath.Join(dir, "gone"), FS: osfs, Hash: hi},
		{Path: path, FS: osfs, Hash: hi},
	}))

	_, _, ok := st.GetHash(path, osfs)
	require.True(t, ok)
}

func TestLinks(t *testing.T) {
	st, osfs, dir := newState(t)

	produced := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(produced, []byte("data"), 0o644))
	require.NoError(t, st.SaveLink(produced, osfs))

	unused, err := st.GetUnusedLinks(nil, osfs)
	require.NoError(t, err)
	require.Equal(t, []string{produced}, unused)

	// A path still in use is not unused.
	unused, err = st.GetUnusedLinks([]string{produced}, osfs)
	require.NoError(t, err)
	require.Empty(t, unused)

	require.NoError(t, st.RemoveLinks([]string{produced}, osfs))
	require.False(t, osfs.Exists(produced))

	unused, err = st.GetUnusedLinks(nil, osfs)
	require.NoError(t, err)
	require.Empty(t, unused)
}

func TestUserModifiedLinkIsKept(t *testing.T) {
	st, osfs, dir := newState(t)

	produced := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(produced, []byte("data"), 0o644))
	require.NoError(t, st.SaveLink(produced, osfs))

	// The user rewrote the file after checkout; it no longer counts as
	// ours and must survive cleanup.
	require.NoError(t, os.WriteFile(produced, []byte("user content, longer"), 0o644))

	unused, err := st.GetUnusedLinks(nil, osfs)
	require.NoError(t, err)
	require.Empty(t, unused)
}

func TestDirectoryLinkToken(t *testing.T) {
	st, osfs, dir := newState(t)

	sub := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a"), []byte("a"), 0o644))
	require.NoError(t, st.SaveLink(sub, osfs))

	unused, err := st.GetUnusedLinks(nil, osfs)
	require.NoError(t, err)
	require.Equal(t, []string{sub}, unused)

	// Adding a member changes the directory fingerprint.
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b"), []byte("b"), 0o644))
	unused, err = st.GetUnusedLinks(nil, osfs)
	require.NoError(t, err)
	require.Empty(t, unused)
}

func TestIndex(t *testing.T) {
	st, _, _ := newState(t)

	ix := st.Index("origin")
	his := []object.HashInfo{
		{Name: "md5", Value: "aaaa"},
		{Name: "md5", Value: "bbbb.dir"},
	}
	require.NoError(t, ix.Update(his))

	hits, err := ix.Intersect([]string{"aaaa", "bbbb.dir", "cccc"})
	require.NoError(t, err)
	require.True(t, hits["aaaa"])
	require.True(t, hits["bbbb.dir"])
	require.False(t, hits["cccc"])

	ok, err := ix.Contains("aaaa")
	require.NoError(t, err)
	require.True(t, ok)

	dirs, err := ix.DirHashes()
	require.NoError(t, err)
	require.Equal(t, []string{"bbbb.dir"}, dirs)

	// Indexes are per remote name.
	other, err := st.Index("backup").Intersect([]string{"aaaa"})
	require.NoError(t, err)
	require.Empty(t, other)

	require.NoError(t, ix.Clear())
	hits, err = ix.Intersect([]string{"aaaa"})
	require.NoError(t, err)
	require.Empty(t, hits)
}

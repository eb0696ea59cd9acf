package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryLinkCopyOnly(t *testing.T) {
	mem := NewMemoryFS()
	require.NoError(t, mem.WriteFile("/a/src", []byte("data"), 0o644))

	require.NoError(t, mem.Link(LinkCopy, "/a/src", "/a/dst"))
	data, err := mem.ReadFile("/a/dst")
	require.NoError(t, err)
	require.Equal(t, "data", string(data))

	err = mem.Link(LinkHardlink, "/a/src", "/a/other")
	require.ErrorIs(t, err, ErrLinkUnsupported)
}

func TestTransferFallsBackToCopy(t *testing.T) {
	src := NewMemoryFS()
	dst := NewMemoryFS()
	require.NoError(t, src.WriteFile("/a/src", []byte("data"), 0o644))
	require.NoError(t, dst.MkdirAll("/b", 0o755))

	used, err := Transfer(src, "/a/src", dst, "/b/dst", []LinkType{LinkHardlink, LinkCopy})
	require.NoError(t, err)
	require.Equal(t, LinkCopy, used)

	data, err := dst.ReadFile("/b/dst")
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestTransferNoUsableLink(t *testing.T) {
	src := NewMemoryFS()
	dst := NewMemoryFS()
	require.NoError(t, src.WriteFile("/a/src", []byte("data"), 0o644))
	require.NoError(t, dst.MkdirAll("/b", 0o755))

	_, err := Transfer(src, "/a/src", dst, "/b/dst", []LinkType{LinkHardlink, LinkSymlink})
	require.Error(t, err)
	require.False(t, dst.Exists("/b/dst"))
}

func TestTestLinksAcrossBackends(t *testing.T) {
	src := NewMemoryFS()
	dst := NewMemoryFS()

	ok := TestLinks([]LinkType{LinkHardlink, LinkCopy}, src, "/cache", dst, "/ws")
	require.Equal(t, []LinkType{LinkCopy}, ok)
}

func TestOSFSHardlink(t *testing.T) {
	dir := t.TempDir()
	osfs := NewOSFS()

	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	require.NoError(t, osfs.Link(LinkHardlink, src, dst))
	require.True(t, IsHardlink(dst))
	require.True(t, SameInode(src, dst))
	require.False(t, IsCopy(dst))

	require.NoError(t, osfs.Link(LinkSymlink, src, filepath.Join(dir, "sym")))
	require.True(t, IsSymlink(filepath.Join(dir, "sym")))
}

func TestOSFSChecksumChanges(t *testing.T) {
	dir := t.TempDir()
	osfs := NewOSFS()
	path := filepath.Join(dir, "f")

	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	before, err := osfs.Checksum(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("a longer content"), 0o644))
	after, err := osfs.Checksum(path)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"datastash/internal/fs"
	"datastash/internal/object"
)

func TestFileKnownDigest(t *testing.T) {
	mem := fs.NewMemoryFS()
	require.NoError(t, mem.WriteFile("/data/foo", []byte("foo\n"), 0o644))

	meta, hi, err := File("/data/foo", mem, "md5", nil)
	require.NoError(t, err)
	require.Equal(t, "md5", hi.Name)
	require.Equal(t, "d3b07384d113edec49eaa6238ad5ff00", hi.Value)
	require.Equal(t, int64(4), meta.Size)
	require.False(t, hi.IsDir())
}

func TestFileMissing(t *testing.T) {
	mem := fs.NewMemoryFS()
	_, _, err := File("/nope", mem, "md5", nil)
	require.Error(t, err)
	require.True(t, mem.IsNotExist(err))
}

func TestAlgorithms(t *testing.T) {
	for _, name := range []string{"md5", "sha256", "blake3", "xxh3"} {
		h, err := New(name)
		require.NoError(t, err, name)
		h.Write([]byte("abc"))
		require.NotEmpty(t, h.HexDigest())
	}

	_, err := New("crc32")
	require.Error(t, err)

	require.Equal(t, []string{"blake3", "md5", "sha256", "xxh3"}, Algorithms())
}

type fixedCache struct {
	hi    object.HashInfo
	saved []object.HashInfo
}

func (c *fixedCache) GetHash(path string, fsys fs.FS) (object.Meta, object.HashInfo, bool) {
	if c.hi.Defined() {
		return object.Meta{Size: 4}, c.hi, true
	}
	return object.Meta{}, object.HashInfo{}, false
}

func (c *fixedCache) SaveHash(path string, fsys fs.FS, hi object.HashInfo) error {
	c.saved = append(c.saved, hi)
	return nil
}

func TestFileUsesCache(t *testing.T) {
	mem := fs.NewMemoryFS()
	require.NoError(t, mem.WriteFile("/data/foo", []byte("something else entirely"), 0o644))

	cache := &fixedCache{hi: object.HashInfo{Name: "md5", Value: "d3b07384d113edec49eaa6238ad5ff00"}}
	_, hi, err := File("/data/foo", mem, "md5", cache)
	require.NoError(t, err)
	require.Equal(t, "d3b07384d113edec49eaa6238ad5ff00", hi.Value)
	require.Empty(t, cache.saved)
}

func TestFileIgnoresCacheForOtherAlgorithm(t *testing.T) {
	mem := fs.NewMemoryFS()
	require.NoError(t, mem.WriteFile("/data/foo", []byte("foo\n"), 0o644))

	cache := &fixedCache{hi: object.HashInfo{Name: "md5", Value: "d3b07384d113edec49eaa6238ad5ff00"}}
	_, hi, err := File("/data/foo", mem, "sha256", cache)
	require.NoError(t, err)
	require.Equal(t, "sha256", hi.Name)
	require.Equal(t,
		"b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c",
		hi.Value)
	require.Len(t, cache.saved, 1)
}

func TestStream(t *testing.T) {
	s, err := NewStream(strings.NewReader("foo\n"), "md5")
	require.NoError(t, err)

	buf := make([]byte, 2)
	for {
		if _, err := s.Read(buf); err != nil {
			break
		}
	}
	require.Equal(t, "d3b07384d113edec49eaa6238ad5ff00", s.HexDigest())
	require.Equal(t, int64(4), s.BytesRead())
}

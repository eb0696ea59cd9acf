package hash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

// DefaultAlgorithm is the digest used for content identity unless the
// store is configured otherwise. md5 is kept as the default for
// manifest interoperability.
const DefaultAlgorithm = "md5"

// Hasher computes a hex digest of written bytes.
type Hasher interface {
	io.Writer
	HexDigest() string
}

type stdHasher struct {
	hash.Hash
}

func (h stdHasher) HexDigest() string {
	return hex.EncodeToString(h.Sum(nil))
}

type xxh3Hasher struct {
	*xxh3.Hasher
}

func (h xxh3Hasher) HexDigest() string {
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}

var algorithms = map[string]func() Hasher{
	"md5":    func() Hasher { return stdHasher{md5.New()} },
	"sha256": func() Hasher { return stdHasher{sha256.New()} },
	"blake3": func() Hasher { return stdHasher{blake3.New()} },
	"xxh3":   func() Hasher { return xxh3Hasher{xxh3.New()} },
}

// New returns a Hasher for the named algorithm.
func New(name string) (Hasher, error) {
	mk, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
	return mk(), nil
}

// Algorithms lists the registered digest names.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stream wraps a reader and hashes bytes as they pass through, so
// uploads can be digested without a second read.
type Stream struct {
	r      io.Reader
	hasher Hasher
	read   int64
}

func NewStream(r io.Reader, name string) (*Stream, error) {
	h, err := New(name)
	if err != nil {
		return nil, err
	}
	return &Stream{r: r, hasher: h}, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.hasher.Write(p[:n])
		s.read += int64(n)
	}
	return n, err
}

// HexDigest returns the digest of everything read so far.
func (s *Stream) HexDigest() string {
	return s.hasher.HexDigest()
}

// BytesRead returns the number of bytes consumed.
func (s *Stream) BytesRead() int64 {
	return s.read
}

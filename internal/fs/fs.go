package fs

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

// FS abstracts filesystem operations. Implementations cover the local
// filesystem (OSFS) and an in-memory filesystem for staging and tests
// (MemoryFS). Remote backends plug in behind the same interface; retry
// and backoff policy belongs to the implementation, never to callers.
type FS interface {
	Open(path string) (io.ReadSeekCloser, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldPath, newPath string) error
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Walk(root string, fn fs.WalkDirFunc) error
	CreateTempFile(dir, pattern string) (io.WriteCloser, string, error)
	Chmod(path string, mode os.FileMode) error

	// Checksum returns a cheap change-detection token for path. It is
	// not a content digest: the token changes whenever mtime, inode or
	// size of the file changes.
	Checksum(path string) (string, error)

	// Link materializes newPath from oldPath using the given link type.
	// Unsupported combinations return ErrLinkUnsupported.
	Link(typ LinkType, oldPath, newPath string) error

	IsNotExist(err error) bool
	Exists(path string) bool
	IsDir(path string) bool

	// IsLocal reports whether paths refer to the local machine's
	// filesystem. Hardlinks between two stores are only attempted when
	// both sides are local.
	IsLocal() bool
}

// Aliases so callers of Walk need not import io/fs alongside this
// package.
type (
	DirEntry    = fs.DirEntry
	WalkDirFunc = fs.WalkDirFunc
)

// SkipDir tells Walk to skip the remainder of the directory.
var SkipDir = fs.SkipDir

// LinkType is a strategy for materializing an object at a destination
// path.
type LinkType string

const (
	LinkReflink  LinkType = "reflink"
	LinkHardlink LinkType = "hardlink"
	LinkSymlink  LinkType = "symlink"
	LinkCopy     LinkType = "copy"
)

// DefaultLinkTypes is the preference order for local object stores.
var DefaultLinkTypes = []LinkType{LinkReflink, LinkCopy}

// ErrLinkUnsupported signals that a filesystem cannot create the
// requested link type for the given pair of paths.
var ErrLinkUnsupported = errors.New("link type not supported")

// IsNotExist reports whether err means "path does not exist" for any of
// the implementations in this package.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

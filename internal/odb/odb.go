package odb

import (
	"datastash/internal/fs"
	"datastash/internal/object"
)

// Store is the object database contract shared by the durable local
// database and the short-lived staging variants. Objects are keyed by
// oid (the content digest string, optionally carrying the directory
// suffix).
type Store interface {
	// HashName is the digest algorithm this store addresses content by.
	HashName() string

	// FileSystem returns the filesystem the store's objects live on.
	FileSystem() fs.FS

	// OIDToPath maps an oid to its storage path.
	OIDToPath(oid string) string

	// Get returns the located object for oid. Existence is not
	// checked; use Exists or Check.
	Get(oid string) object.Object

	// Exists reports whether the object is present.
	Exists(oid string) bool

	// Add stores the content at path on srcFS under oid. Adding an
	// already-present oid is a no-op: content addressing guarantees
	// byte-equality.
	Add(path string, srcFS fs.FS, oid string, hardlink bool) error

	// Check verifies the stored object. With checkHash it recomputes
	// the digest and deletes the object on mismatch, returning a
	// FormatError; otherwise only existence is verified.
	Check(oid string, checkHash bool) (object.Meta, error)
}

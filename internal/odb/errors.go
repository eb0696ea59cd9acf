package odb

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the oid (or prefix) resolves to no stored
	// object. Callers commonly treat it as "not staged yet".
	ErrNotFound = errors.New("object not found")

	// ErrReadOnly is returned by mutating operations on a read-only
	// database.
	ErrReadOnly = errors.New("object database is read-only")

	// ErrNoLinkType means the destination filesystem supports none of
	// the store's configured link types.
	ErrNoLinkType = errors.New("no available link type")
)

// AmbiguousPrefixError is returned when a short oid matches two or more
// stored objects. It is surfaced to the caller, never auto-resolved.
type AmbiguousPrefixError struct {
	Prefix string
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("ambiguous object prefix %q", e.Prefix)
}

// FormatError means stored bytes do not hash to their oid, or a
// manifest failed to parse. The store deletes the corrupt object before
// returning it; corruption is never silently served.
type FormatError struct {
	OID  string
	Path string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("object %q at %q is corrupted", e.OID, e.Path)
}

// IsFormatError reports whether err is a corruption error.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

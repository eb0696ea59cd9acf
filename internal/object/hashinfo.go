package object

import (
	"fmt"
	"strings"
)

// DirSuffix marks an oid as identifying a directory manifest rather
// than raw bytes.
const DirSuffix = ".dir"

// HashInfo identifies content by digest. Two equal HashInfos denote
// byte-identical content. The zero value means "no hash".
type HashInfo struct {
	Name  string // digest algorithm, e.g. "md5"
	Value string // hex digest, optionally with DirSuffix
}

// Defined reports whether the HashInfo carries a value.
func (hi HashInfo) Defined() bool {
	return hi.Value != ""
}

// IsDir reports whether the oid identifies a directory manifest.
func (hi HashInfo) IsDir() bool {
	return strings.HasSuffix(hi.Value, DirSuffix)
}

// AsRaw strips the directory-marker suffix, yielding the digest of the
// manifest bytes themselves.
func (hi HashInfo) AsRaw() HashInfo {
	return HashInfo{Name: hi.Name, Value: strings.TrimSuffix(hi.Value, DirSuffix)}
}

func (hi HashInfo) String() string {
	return fmt.Sprintf("%s: %s", hi.Name, hi.Value)
}

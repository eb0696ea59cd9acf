//go:build !linux

package fs

// Reflink support is Linux-only for now. Other platforms report the
// type as unsupported and the store falls back to the next configured
// link type.
func reflink(oldPath, newPath string) error {
	return ErrLinkUnsupported
}

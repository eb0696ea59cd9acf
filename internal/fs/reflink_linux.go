//go:build linux

package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflink clones oldPath into newPath with FICLONE. Works on CoW
// filesystems (btrfs, xfs with reflink=1); everything else returns
// ENOTSUP and the caller falls through to the next link type.
func reflink(oldPath, newPath string) error {
	src, err := os.Open(oldPath)
	if err != nil {
		return err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm())
	if err != nil {
		return err
	}

	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
		dst.Close()
		os.Remove(newPath)
		return err
	}
	return dst.Close()
}

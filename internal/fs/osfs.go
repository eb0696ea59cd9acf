package fs

import (
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// OSFS is the production implementation of FS backed by the standard
// library and the local disk.
type OSFS struct{}

func NewOSFS() *OSFS {
	return &OSFS{}
}

func (r *OSFS) Open(path string) (io.ReadSeekCloser, error) {
	return os.Open(path)
}

func (r *OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (r *OSFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (r *OSFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (r *OSFS) Remove(path string) error {
	return os.Remove(path)
}

func (r *OSFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (r *OSFS) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (r *OSFS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (r *OSFS) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (r *OSFS) Walk(root string, fn iofs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

func (r *OSFS) CreateTempFile(dir, pattern string) (io.WriteCloser, string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}

func (r *OSFS) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// Checksum builds the local change-detection token from inode, mtime
// (nanoseconds) and size. Any in-place edit, replace or touch produces
// a different token.
func (r *OSFS) Checksum(path string) (string, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Sprintf("%d-%d", fi.ModTime().UnixNano(), fi.Size()), nil
	}
	return fmt.Sprintf("%d-%d-%d", st.Ino, fi.ModTime().UnixNano(), fi.Size()), nil
}

func (r *OSFS) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}

func (r *OSFS) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (r *OSFS) IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func (r *OSFS) IsLocal() bool {
	return true
}

// Inode returns the inode number of path.
func Inode(path string) (uint64, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, nil
	}
	return uint64(st.Ino), nil
}

// IsSymlink reports whether path is a symbolic link.
func IsSymlink(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// IsHardlink reports whether path is a regular file with more than one
// filesystem link.
func IsHardlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	return ok && st.Nlink > 1
}

// IsCopy reports whether path is a standalone regular file, i.e.
// neither a symlink nor one of several hardlinks. Reflinked copies look
// like plain copies, which is intended: both are safe to edit in place.
func IsCopy(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular() && !IsHardlink(path)
}

// SameInode reports whether two paths refer to the same inode.
func SameInode(a, b string) bool {
	ia, err := Inode(a)
	if err != nil {
		return false
	}
	ib, err := Inode(b)
	if err != nil {
		return false
	}
	return ia != 0 && ia == ib
}

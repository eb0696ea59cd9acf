package fs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryFS is a pure in-memory filesystem used for staging stores and
// tests. Safe for concurrent use.
type MemoryFS struct {
	mu    sync.RWMutex
	files map[string][]byte
	vers  map[string]int64
	dirs  map[string]struct{}
	clock int64
}

func NewMemoryFS() *MemoryFS {
	f := &MemoryFS{
		files: make(map[string][]byte),
		vers:  make(map[string]int64),
		dirs:  make(map[string]struct{}),
	}
	f.dirs["/"] = struct{}{}
	f.dirs["."] = struct{}{}
	return f
}

func clean(p string) string {
	if p == "" {
		return "."
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func (f *MemoryFS) ensureDirExists(p string) error {
	if _, ok := f.dirs[clean(p)]; !ok {
		return iofs.ErrNotExist
	}
	return nil
}

type memReadSeekCloser struct {
	*bytes.Reader
}

func (m *memReadSeekCloser) Close() error { return nil }

func (f *MemoryFS) Open(p string) (io.ReadSeekCloser, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.files[clean(p)]
	if !ok {
		return nil, iofs.ErrNotExist
	}
	return &memReadSeekCloser{Reader: bytes.NewReader(data)}, nil
}

func (f *MemoryFS) ReadFile(p string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.files[clean(p)]
	if !ok {
		return nil, iofs.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (f *MemoryFS) WriteFile(p string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	f.mkdirAllLocked(path.Dir(p))
	f.clock++
	f.files[p] = append([]byte(nil), data...)
	f.vers[p] = f.clock
	return nil
}

func (f *MemoryFS) MkdirAll(p string, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(p)
	return nil
}

func (f *MemoryFS) mkdirAllLocked(p string) {
	p = clean(p)
	parts := strings.Split(p, "/")
	cur := ""
	if strings.HasPrefix(p, "/") {
		cur = "/"
	}
	for _, seg := range parts {
		if seg == "" || seg == "." {
			continue
		}
		cur = path.Join(cur, seg)
		f.dirs[cur] = struct{}{}
	}
}

func (f *MemoryFS) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	if _, ok := f.files[p]; ok {
		delete(f.files, p)
		delete(f.vers, p)
		return nil
	}
	if _, ok := f.dirs[p]; ok {
		delete(f.dirs, p)
		return nil
	}
	return iofs.ErrNotExist
}

func (f *MemoryFS) RemoveAll(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	prefix := p + "/"
	for fp := range f.files {
		if fp == p || strings.HasPrefix(fp, prefix) {
			delete(f.files, fp)
			delete(f.vers, fp)
		}
	}
	for dp := range f.dirs {
		if dp == p || strings.HasPrefix(dp, prefix) {
			delete(f.dirs, dp)
		}
	}
	return nil
}

func (f *MemoryFS) Rename(oldp, newp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	oldp, newp = clean(oldp), clean(newp)

	if data, ok := f.files[oldp]; ok {
		f.mkdirAllLocked(path.Dir(newp))
		delete(f.files, oldp)
		f.clock++
		f.files[newp] = data
		f.vers[newp] = f.clock
		return nil
	}
	if _, ok := f.dirs[oldp]; ok {
		delete(f.dirs, oldp)
		f.dirs[newp] = struct{}{}
		return nil
	}
	return iofs.ErrNotExist
}

func (f *MemoryFS) Stat(p string) (os.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p = clean(p)
	if data, ok := f.files[p]; ok {
		return &memInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	if _, ok := f.dirs[p]; ok {
		return &memInfo{name: path.Base(p), dir: true}, nil
	}
	return nil, iofs.ErrNotExist
}

func (f *MemoryFS) ReadDir(p string) ([]os.DirEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p = clean(p)
	if _, ok := f.dirs[p]; !ok {
		return nil, iofs.ErrNotExist
	}

	prefix := p
	if prefix != "/" && prefix != "." {
		prefix += "/"
	}

	seen := map[string]bool{}
	var out []os.DirEntry
	for dp := range f.dirs {
		if strings.HasPrefix(dp, prefix) {
			name := strings.Split(strings.TrimPrefix(dp, prefix), "/")[0]
			if name != "" && name != "." && !seen[name] {
				seen[name] = true
				out = append(out, memDirEntry{name: name, isDir: true})
			}
		}
	}
	for fp := range f.files {
		if strings.HasPrefix(fp, prefix) {
			name := strings.Split(strings.TrimPrefix(fp, prefix), "/")[0]
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, memDirEntry{name: name, isDir: false})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Walk visits root and everything under it in lexical order, matching
// filepath.WalkDir semantics closely enough for snapshot building.
func (f *MemoryFS) Walk(root string, fn iofs.WalkDirFunc) error {
	root = clean(root)

	info, err := f.Stat(root)
	if err != nil {
		return fn(root, nil, err)
	}
	if !info.IsDir() {
		return fn(root, iofs.FileInfoToDirEntry(info), nil)
	}

	if err := fn(root, iofs.FileInfoToDirEntry(info), nil); err != nil {
		if errors.Is(err, filepath.SkipDir) {
			return nil
		}
		return err
	}

	entries, err := f.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := path.Join(root, e.Name())
		if e.IsDir() {
			if err := f.Walk(child, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(child, e, nil); err != nil {
			if errors.Is(err, filepath.SkipDir) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *MemoryFS) CreateTempFile(dir, pattern string) (io.WriteCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureDirExists(dir); err != nil {
		return nil, "", err
	}

	f.clock++
	tmpName := clean(filepath.Join(dir, fmt.Sprintf("%s-%d", pattern, f.clock)))
	buf := &bytes.Buffer{}
	wc := &memWriteCloser{
		buf: buf,
		onClose: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.clock++
			f.files[tmpName] = buf.Bytes()
			f.vers[tmpName] = f.clock
		},
	}
	return wc, tmpName, nil
}

type memWriteCloser struct {
	buf     *bytes.Buffer
	onClose func()
}

func (m *memWriteCloser) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memWriteCloser) Close() error {
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

func (f *MemoryFS) Chmod(p string, mode os.FileMode) error { return nil }

func (f *MemoryFS) Checksum(p string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p = clean(p)
	data, ok := f.files[p]
	if !ok {
		return "", iofs.ErrNotExist
	}
	return fmt.Sprintf("%d-%d", f.vers[p], len(data)), nil
}

// Link supports copy only; in-memory files have no inodes to share.
func (f *MemoryFS) Link(typ LinkType, oldPath, newPath string) error {
	if typ != LinkCopy {
		return fmt.Errorf("%w: %q on memory fs", ErrLinkUnsupported, typ)
	}
	data, err := f.ReadFile(oldPath)
	if err != nil {
		return err
	}
	return f.WriteFile(newPath, data, 0o644)
}

func (f *MemoryFS) IsNotExist(err error) bool { return errors.Is(err, iofs.ErrNotExist) }

func (f *MemoryFS) IsDir(p string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.dirs[clean(p)]
	return ok
}

func (f *MemoryFS) Exists(p string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p = clean(p)
	_, isFile := f.files[p]
	_, isDir := f.dirs[p]
	return isFile || isDir
}

func (f *MemoryFS) IsLocal() bool { return false }

type memInfo struct {
	name string
	size int64
	dir  bool
}

func (f *memInfo) Name() string { return f.name }
func (f *memInfo) Size() int64  { return f.size }
func (f *memInfo) Mode() iofs.FileMode {
	if f.dir {
		return iofs.ModeDir | 0o755
	}
	return 0o644
}
func (f *memInfo) ModTime() time.Time  { return time.Time{} }
func (f *memInfo) IsDir() bool         { return f.dir }
func (f *memInfo) Sys() interface{}    { return nil }

type memDirEntry struct {
	name  string
	isDir bool
}

func (d memDirEntry) Name() string               { return d.name }
func (d memDirEntry) IsDir() bool                { return d.isDir }
func (d memDirEntry) Type() iofs.FileMode        { return 0 }
func (d memDirEntry) Info() (os.FileInfo, error) { return &memInfo{name: d.name, dir: d.isDir}, nil }

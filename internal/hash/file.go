package hash

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"

	"datastash/internal/fs"
	"datastash/internal/object"
)

const (
	readBufSize   = 1024 * 1024 // 1 MiB streaming read buffer
	mmapThreshold = 1024 * 1024 // mmap local files at least this large
	largeFileSize = 1 << 30     // log once when hashing files >= 1 GiB
)

// Cache memoizes file digests keyed by filesystem fingerprints. The
// State cache implements it; a nil Cache disables memoization.
type Cache interface {
	// GetHash returns the memoized digest for path if its fingerprint
	// still matches.
	GetHash(path string, fsys fs.FS) (object.Meta, object.HashInfo, bool)
	// SaveHash records the digest for path under its current
	// fingerprint.
	SaveHash(path string, fsys fs.FS, hi object.HashInfo) error
}

// File digests the content at path, consulting cache first. It returns
// the file's Meta alongside the HashInfo.
func File(path string, fsys fs.FS, name string, cache Cache) (object.Meta, object.HashInfo, error) {
	if cache != nil {
		if meta, hi, ok := cache.GetHash(path, fsys); ok && hi.Name == name {
			return meta, hi, nil
		}
	}

	fi, err := fsys.Stat(path)
	if err != nil {
		return object.Meta{}, object.HashInfo{}, err
	}
	meta := metaFromInfo(fi)

	if meta.Size >= largeFileSize {
		logrus.Infof("computing %s for a large file (%s) '%s'; this is only done once",
			name, humanize.IBytes(uint64(meta.Size)), path)
	}

	value, err := digestFile(path, fsys, name, meta.Size)
	if err != nil {
		return object.Meta{}, object.HashInfo{}, err
	}

	hi := object.HashInfo{Name: name, Value: value}
	if cache != nil {
		if err := cache.SaveHash(path, fsys, hi); err != nil {
			logrus.WithError(err).Debugf("failed to cache hash for %q", path)
		}
	}
	return meta, hi, nil
}

func digestFile(path string, fsys fs.FS, name string, size int64) (string, error) {
	if _, ok := fsys.(*fs.OSFS); ok && size >= mmapThreshold {
		if value, err := digestMmap(path, name); err == nil {
			return value, nil
		}
		// mmap can fail on special files; fall through to streaming.
	}

	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := New(name)
	if err != nil {
		return "", err
	}
	buf := make([]byte, readBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return h.HexDigest(), nil
}

// digestMmap hashes a local file through a memory mapping, avoiding
// read syscalls for large inputs.
func digestMmap(path, name string) (string, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	h, err := New(name)
	if err != nil {
		return "", err
	}

	buf := make([]byte, readBufSize)
	for off := 0; off < r.Len(); {
		n, err := r.ReadAt(buf[:min(len(buf), r.Len()-off)], int64(off))
		if n > 0 {
			h.Write(buf[:n])
			off += n
		}
		if err != nil && err != io.EOF {
			return "", err
		}
		if n == 0 {
			break
		}
	}
	return h.HexDigest(), nil
}

func metaFromInfo(fi os.FileInfo) object.Meta {
	meta := object.Meta{
		Size:   fi.Size(),
		IsDir:  fi.IsDir(),
		IsExec: fi.Mode()&0o111 != 0,
		Mtime:  fi.ModTime().UnixNano(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		meta.Inode = uint64(st.Ino)
	}
	return meta
}

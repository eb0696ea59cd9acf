package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Link implements the FS link primitive for the local filesystem.
func (r *OSFS) Link(typ LinkType, oldPath, newPath string) error {
	switch typ {
	case LinkHardlink:
		if err := os.Link(oldPath, newPath); err != nil {
			return fmt.Errorf("%w: hardlink: %s", ErrLinkUnsupported, err)
		}
		return nil
	case LinkSymlink:
		if err := os.Symlink(oldPath, newPath); err != nil {
			return fmt.Errorf("%w: symlink: %s", ErrLinkUnsupported, err)
		}
		return nil
	case LinkReflink:
		if err := reflink(oldPath, newPath); err != nil {
			return fmt.Errorf("%w: reflink: %s", ErrLinkUnsupported, err)
		}
		return nil
	case LinkCopy:
		return copyFile(r, oldPath, r, newPath)
	default:
		return fmt.Errorf("%w: %q", ErrLinkUnsupported, typ)
	}
}

// copyFile streams oldPath on srcFS into newPath on dstFS through a
// temp file, so a crashed copy never leaves a partial object behind.
func copyFile(srcFS FS, oldPath string, dstFS FS, newPath string) error {
	src, err := srcFS.Open(oldPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, tmpPath, err := dstFS.CreateTempFile(filepath.Dir(newPath), ".tmp-*")
	if err != nil {
		return err
	}
	defer dstFS.Remove(tmpPath)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return dstFS.Rename(tmpPath, newPath)
}

func tryLink(typ LinkType, srcFS FS, srcPath string, dstFS FS, dstPath string) error {
	if typ == LinkCopy {
		return copyFile(srcFS, srcPath, dstFS, dstPath)
	}
	if !sameBackend(srcFS, dstFS) {
		return fmt.Errorf("%w: %q across filesystems", ErrLinkUnsupported, typ)
	}
	return dstFS.Link(typ, srcPath, dstPath)
}

// Transfer materializes dstPath from srcPath trying the given link
// types in order. It returns the link type that succeeded.
func Transfer(srcFS FS, srcPath string, dstFS FS, dstPath string, links []LinkType) (LinkType, error) {
	if len(links) == 0 {
		links = []LinkType{LinkCopy}
	}

	var lastErr error
	for _, typ := range links {
		if err := tryLink(typ, srcFS, srcPath, dstFS, dstPath); err != nil {
			lastErr = err
			continue
		}
		return typ, nil
	}
	return "", lastErr
}

func sameBackend(a, b FS) bool {
	return a == b || (a.IsLocal() && b.IsLocal())
}

// TestLinks probes which of the requested link types actually work
// between srcDir and dstDir by linking a throwaway file. The probe runs
// once per checkout; materialization then uses the surviving types.
func TestLinks(links []LinkType, srcFS FS, srcDir string, dstFS FS, dstDir string) []LinkType {
	if err := srcFS.MkdirAll(srcDir, 0o755); err != nil {
		return nil
	}
	probe := filepath.Join(srcDir, ".probe-"+uuid.NewString())
	if err := srcFS.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return nil
	}
	defer srcFS.Remove(probe)

	if err := dstFS.MkdirAll(dstDir, 0o755); err != nil {
		return nil
	}

	var ok []LinkType
	for _, typ := range links {
		target := filepath.Join(dstDir, ".probe-"+uuid.NewString())
		if err := tryLink(typ, srcFS, probe, dstFS, target); err != nil {
			continue
		}
		dstFS.Remove(target)
		ok = append(ok, typ)
	}
	return ok
}

package odb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"datastash/internal/fs"
	"datastash/internal/hash"
	"datastash/internal/object"
)

// protectedMode is the file mode of protected objects. Read-only so a
// later hardlinked copy cannot mutate the stored bytes through any of
// its links.
const protectedMode os.FileMode = 0o444

const unprotectedMode os.FileMode = 0o644

// Config carries optional LocalDB settings.
type Config struct {
	// HashName is the digest algorithm; defaults to hash.DefaultAlgorithm.
	HashName string
	// CacheTypes is the ordered link-type preference for
	// materialization out of this store; defaults to
	// fs.DefaultLinkTypes for local filesystems and copy otherwise.
	CacheTypes []fs.LinkType
	// Verify makes Add re-check the stored digest.
	Verify bool
	// ReadOnly refuses mutations (Add, Delete, GC).
	ReadOnly bool
	// State memoizes digests of stored objects.
	State hash.Cache
}

// LocalDB is the durable content-addressable object database. Objects
// live under root, sharded by the first two hex characters of the oid
// to bound directory fan-out.
type LocalDB struct {
	fsys       fs.FS
	root       string
	hashName   string
	cacheTypes []fs.LinkType
	verify     bool
	readOnly   bool
	state      hash.Cache
}

func NewLocalDB(fsys fs.FS, root string, cfg Config) *LocalDB {
	if cfg.HashName == "" {
		cfg.HashName = hash.DefaultAlgorithm
	}
	if len(cfg.CacheTypes) == 0 {
		if fsys.IsLocal() {
			cfg.CacheTypes = append([]fs.LinkType(nil), fs.DefaultLinkTypes...)
		} else {
			cfg.CacheTypes = []fs.LinkType{fs.LinkCopy}
		}
	}
	return &LocalDB{
		fsys:       fsys,
		root:       root,
		hashName:   cfg.HashName,
		cacheTypes: cfg.CacheTypes,
		verify:     cfg.Verify,
		readOnly:   cfg.ReadOnly,
		state:      cfg.State,
	}
}

func (db *LocalDB) HashName() string          { return db.hashName }
func (db *LocalDB) FileSystem() fs.FS         { return db.fsys }
func (db *LocalDB) Root() string              { return db.root }
func (db *LocalDB) ReadOnly() bool            { return db.readOnly }
func (db *LocalDB) CacheTypes() []fs.LinkType { return db.cacheTypes }

// OIDToPath maps an oid to root/<oid[:2]>/<oid[2:]>.
func (db *LocalDB) OIDToPath(oid string) string {
	if len(oid) < 3 {
		return filepath.Join(db.root, oid)
	}
	return filepath.Join(db.root, oid[:2], oid[2:])
}

func (db *LocalDB) pathToOID(path string) (string, error) {
	rel, err := filepath.Rel(db.root, path)
	if err != nil {
		return "", err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || len(parts[0]) != 2 {
		return "", fmt.Errorf("path %q does not belong to the object layout", path)
	}
	return parts[0] + parts[1], nil
}

func (db *LocalDB) Get(oid string) object.Object {
	return object.Object{
		Path: db.OIDToPath(oid),
		FS:   db.fsys,
		Hash: object.HashInfo{Name: db.hashName, Value: oid},
	}
}

func (db *LocalDB) Exists(oid string) bool {
	return db.fsys.Exists(db.OIDToPath(oid))
}

// ExistsPrefix resolves a short oid to the single stored oid carrying
// that prefix.
func (db *LocalDB) ExistsPrefix(prefix string) (string, error) {
	if len(prefix) < 2 {
		return "", fmt.Errorf("object prefix %q too short", prefix)
	}

	shard := filepath.Join(db.root, prefix[:2])
	entries, err := db.fsys.ReadDir(shard)
	if err != nil {
		if db.fsys.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}

	var matches []string
	rest := prefix[2:]
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), rest) {
			matches = append(matches, prefix[:2]+e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousPrefixError{Prefix: prefix}
	}
}

// Add stores the content at path on srcFS under oid. Idempotent: if the
// destination exists the call is a no-op. A successful add leaves the
// object protected.
func (db *LocalDB) Add(path string, srcFS fs.FS, oid string, hardlink bool) error {
	if db.readOnly {
		return ErrReadOnly
	}

	dst := db.OIDToPath(oid)
	if !db.fsys.Exists(dst) {
		if err := db.fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create shard dir for %q: %w", oid, err)
		}
		links := []fs.LinkType{fs.LinkCopy}
		if hardlink {
			links = []fs.LinkType{fs.LinkHardlink, fs.LinkCopy}
		}
		if _, err := fs.Transfer(srcFS, path, db.fsys, dst, links); err != nil {
			return fmt.Errorf("add object %q: %w", oid, err)
		}
	}

	if db.verify {
		if _, err := db.Check(oid, true); err != nil {
			return err
		}
	}

	db.Protect(dst)
	if db.state != nil && db.fsys.IsLocal() {
		hi := object.HashInfo{Name: db.hashName, Value: oid}
		if err := db.state.SaveHash(dst, db.fsys, hi); err != nil {
			logrus.WithError(err).Debugf("failed to record state for %q", oid)
		}
	}
	return nil
}

// AddBytes stores raw content under oid, for staging small blobs such
// as serialized manifests.
func (db *LocalDB) AddBytes(oid string, data []byte) error {
	if db.readOnly {
		return ErrReadOnly
	}
	dst := db.OIDToPath(oid)
	if db.fsys.Exists(dst) {
		return nil
	}
	if err := db.fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := db.fsys.WriteFile(dst, data, unprotectedMode); err != nil {
		return err
	}
	db.Protect(dst)
	return nil
}

// Check verifies the stored object for oid. When checkHash is set the
// digest of the stored bytes is recomputed (consulting State for a
// speedy skip) and compared against the oid; corrupted objects are
// deleted before the error is returned.
func (db *LocalDB) Check(oid string, checkHash bool) (object.Meta, error) {
	path := db.OIDToPath(oid)

	fi, err := db.fsys.Stat(path)
	if err != nil {
		if db.fsys.IsNotExist(err) {
			return object.Meta{}, ErrNotFound
		}
		return object.Meta{}, err
	}
	meta := object.Meta{Size: fi.Size()}

	if !checkHash || db.IsProtected(path) {
		// Protected objects were verified when they were protected.
		return meta, nil
	}

	_, actual, err := hash.File(path, db.fsys, db.hashName, db.state)
	if err != nil {
		if db.fsys.IsNotExist(err) {
			return object.Meta{}, ErrNotFound
		}
		return object.Meta{}, err
	}

	want := strings.TrimSuffix(oid, object.DirSuffix)
	if actual.AsRaw().Value != want {
		logrus.Debugf("corrupted cache file '%s'", path)
		if err := db.fsys.Remove(path); err != nil && !db.fsys.IsNotExist(err) {
			logrus.WithError(err).Debugf("failed to remove corrupted object %q", oid)
		}
		return object.Meta{}, &FormatError{OID: oid, Path: path}
	}

	// Verified content is protected so the next check can skip hashing.
	db.Protect(path)
	return meta, nil
}

// Delete removes the stored object for oid.
func (db *LocalDB) Delete(oid string) error {
	if db.readOnly {
		return ErrReadOnly
	}
	path := db.OIDToPath(oid)
	if err := db.fsys.Remove(path); err != nil {
		if db.fsys.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListOIDs returns every oid stored in the database.
func (db *LocalDB) ListOIDs() ([]string, error) {
	shards, err := db.fsys.ReadDir(db.root)
	if err != nil {
		if db.fsys.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var oids []string
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := db.fsys.ReadDir(filepath.Join(db.root, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			oids = append(oids, shard.Name()+e.Name())
		}
	}
	return oids, nil
}

// OIDsExist filters oids down to those verifiably present.
func (db *LocalDB) OIDsExist(oids []string) []string {
	var present []string
	for _, oid := range oids {
		if _, err := db.Check(oid, false); err == nil {
			present = append(present, oid)
		}
	}
	return present
}

// Protect makes the stored file read-only so hardlinked copies cannot
// mutate it. Failure is non-fatal: funky filesystems (network shares,
// read-only mounts) may refuse chmod.
func (db *LocalDB) Protect(path string) {
	if !db.fsys.IsLocal() {
		return
	}
	if err := db.fsys.Chmod(path, protectedMode); err != nil {
		logrus.WithError(err).Debugf("failed to protect '%s'", path)
	}
}

// IsProtected reports whether path carries the protected mode.
func (db *LocalDB) IsProtected(path string) bool {
	if !db.fsys.IsLocal() {
		return false
	}
	fi, err := db.fsys.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().Perm() == protectedMode
}

// Unprotect makes path safely writable again. Hardlinked and symlinked
// files are replaced via copy-to-temp-then-rename: mutating in place
// would corrupt the shared object through sibling links, and a reader
// racing the copy must never observe a half-written file.
func (db *LocalDB) Unprotect(path string) error {
	if !db.fsys.Exists(path) {
		return fmt.Errorf("can't unprotect non-existing data %q: %w", path, ErrNotFound)
	}

	if db.fsys.IsDir(path) {
		return db.fsys.Walk(path, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			return db.unprotectFile(p)
		})
	}
	return db.unprotectFile(path)
}

func (db *LocalDB) unprotectFile(path string) error {
	if fs.IsSymlink(path) || fs.IsHardlink(path) {
		logrus.Debugf("unprotecting '%s'", path)
		tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString())
		if err := db.fsys.Link(fs.LinkCopy, path, tmp); err != nil {
			return fmt.Errorf("unprotect %q: %w", path, err)
		}
		if err := db.fsys.Remove(path); err != nil {
			return err
		}
		if err := db.fsys.Rename(tmp, path); err != nil {
			return err
		}
	}
	return db.fsys.Chmod(path, unprotectedMode)
}

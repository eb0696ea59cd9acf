package odb

import (
	"path/filepath"
	"sync"

	"datastash/internal/fs"
	"datastash/internal/hash"
	"datastash/internal/object"
)

// ReferenceDB is the staging store used while building snapshots.
// Instead of copying bytes it records references to the original
// filesystem locations, so staging a large working tree is free. The
// object cache is per-instance; its lifetime is the enclosing build
// operation.
type ReferenceDB struct {
	fsys     fs.FS
	root     string
	hashName string

	mu   sync.RWMutex
	objs map[string]object.Object
}

func NewReferenceDB(fsys fs.FS, root string, hashName string) *ReferenceDB {
	if hashName == "" {
		hashName = hash.DefaultAlgorithm
	}
	return &ReferenceDB{
		fsys:     fsys,
		root:     root,
		hashName: hashName,
		objs:     make(map[string]object.Object),
	}
}

func (db *ReferenceDB) HashName() string  { return db.hashName }
func (db *ReferenceDB) FileSystem() fs.FS { return db.fsys }
func (db *ReferenceDB) Root() string      { return db.root }

func (db *ReferenceDB) OIDToPath(oid string) string {
	return filepath.Join(db.root, oid)
}

// Get returns the referenced original location for oid, or the staging
// location if the oid was never added.
func (db *ReferenceDB) Get(oid string) object.Object {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if obj, ok := db.objs[oid]; ok {
		return obj
	}
	return object.Object{
		Path: db.OIDToPath(oid),
		FS:   db.fsys,
		Hash: object.HashInfo{Name: db.hashName, Value: oid},
	}
}

func (db *ReferenceDB) Exists(oid string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.objs[oid]
	return ok
}

// Add records a reference to path on srcFS; no bytes move.
func (db *ReferenceDB) Add(path string, srcFS fs.FS, oid string, hardlink bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.objs[oid] = object.Object{
		Path: path,
		FS:   srcFS,
		Hash: object.HashInfo{Name: db.hashName, Value: oid},
	}
	return nil
}

// AddBytes stages raw content (serialized manifests) on the staging
// filesystem itself.
func (db *ReferenceDB) AddBytes(oid string, data []byte) error {
	path := db.OIDToPath(oid)
	if err := db.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := db.fsys.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.objs[oid] = object.Object{
		Path: path,
		FS:   db.fsys,
		Hash: object.HashInfo{Name: db.hashName, Value: oid},
	}
	return nil
}

// Check only verifies that the reference is known: staged objects are
// trusted for the duration of the build that created them.
func (db *ReferenceDB) Check(oid string, checkHash bool) (object.Meta, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if _, ok := db.objs[oid]; !ok {
		return object.Meta{}, ErrNotFound
	}
	return object.Meta{}, nil
}

// OIDs lists every staged oid.
func (db *ReferenceDB) OIDs() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	oids := make([]string, 0, len(db.objs))
	for oid := range db.objs {
		oids = append(oids, oid)
	}
	return oids
}

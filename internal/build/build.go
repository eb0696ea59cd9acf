// Package build turns a working-tree path into a staged snapshot:
// files are hashed in parallel, directories become content-addressed
// manifests, and the results are recorded in a reference staging store
// without moving any bytes.
package build

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"datastash/internal/fs"
	"datastash/internal/hash"
	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/progress"
	"datastash/internal/tree"
	"datastash/internal/util"
)

// Options control a single build.
type Options struct {
	// DryRun computes digests without recording anything in staging.
	DryRun bool
	// Jobs bounds hashing concurrency; <= 0 means one per CPU.
	Jobs int
	// Callback observes per-file progress.
	Callback progress.Callback
	// Ignore filters out working-tree paths. Ignored paths are invisible
	// to the snapshot.
	Ignore func(path string) bool
	// State memoizes file digests across builds.
	State hash.Cache
}

// Builder stages snapshots. The staging store is per-builder and lives
// in memory; it survives across Build calls so repeated builds of
// overlapping paths share references.
type Builder struct {
	hashName string

	mu      sync.Mutex
	staging *odb.ReferenceDB
}

func NewBuilder(hashName string) *Builder {
	if hashName == "" {
		hashName = hash.DefaultAlgorithm
	}
	return &Builder{hashName: hashName}
}

// Staging returns the builder's staging store, creating it on first
// use.
func (b *Builder) Staging() *odb.ReferenceDB {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staging == nil {
		b.staging = odb.NewReferenceDB(fs.NewMemoryFS(), "/staging", b.hashName)
	}
	return b.staging
}

// Build snapshots path on fsys. It returns the staging store holding
// the references, the aggregate Meta, and the snapshot node (an Object
// for a file, a Tree for a directory).
func (b *Builder) Build(path string, fsys fs.FS, opts Options) (*odb.ReferenceDB, object.Meta, object.Node, error) {
	if opts.Callback == nil {
		opts.Callback = progress.Noop
	}

	fi, err := fsys.Stat(path)
	if err != nil {
		return nil, object.Meta{}, nil, fmt.Errorf("build %q: %w", path, err)
	}

	staging := b.Staging()
	if fi.IsDir() {
		meta, t, err := b.buildTree(staging, path, fsys, opts)
		if err != nil {
			return nil, object.Meta{}, nil, err
		}
		return staging, meta, t, nil
	}

	meta, obj, err := b.buildFile(staging, path, fsys, opts)
	if err != nil {
		return nil, object.Meta{}, nil, err
	}
	return staging, meta, obj, nil
}

func (b *Builder) buildFile(staging *odb.ReferenceDB, path string, fsys fs.FS, opts Options) (object.Meta, object.Object, error) {
	meta, hi, err := hash.File(path, fsys, b.hashName, opts.State)
	if err != nil {
		return object.Meta{}, object.Object{}, err
	}
	opts.Callback.RelativeUpdate(1)

	if !opts.DryRun {
		if err := staging.Add(path, fsys, hi.Value, false); err != nil {
			return object.Meta{}, object.Object{}, err
		}
	}
	return meta, object.Object{Path: path, FS: fsys, Hash: hi}, nil
}

func (b *Builder) buildTree(staging *odb.ReferenceDB, root string, fsys fs.FS, opts Options) (object.Meta, *tree.Tree, error) {
	files, err := listFiles(root, fsys, opts.Ignore)
	if err != nil {
		return object.Meta{}, nil, err
	}
	opts.Callback.SetSize(int64(len(files)))

	type hashed struct {
		key  string
		meta object.Meta
		hash object.HashInfo
	}
	results := make([]hashed, len(files))

	err = util.Parallel(indexes(len(files)), opts.Jobs, func(i int) error {
		p := files[i]
		meta, hi, err := hash.File(p, fsys, b.hashName, opts.State)
		if err != nil {
			return fmt.Errorf("hash %q: %w", p, err)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		results[i] = hashed{key: filepath.ToSlash(rel), meta: meta, hash: hi}
		opts.Callback.RelativeUpdate(1)
		return nil
	})
	if err != nil {
		return object.Meta{}, nil, err
	}

	t := tree.New()
	meta := object.Meta{IsDir: true}
	for i := range results {
		r := results[i]
		m := r.meta
		t.Add(r.key, &m, r.hash)
		meta.Size += r.meta.Size
		meta.NFiles++
	}

	if err := t.Digest(b.hashName); err != nil {
		return object.Meta{}, nil, err
	}

	if !opts.DryRun {
		oid := t.Info().Value
		if err := staging.AddBytes(oid, t.Bytes()); err != nil {
			return object.Meta{}, nil, err
		}
		t.SetLocation(staging.OIDToPath(oid), staging.FileSystem())

		for i := range results {
			r := results[i]
			if err := staging.Add(files[i], fsys, r.hash.Value, false); err != nil {
				return object.Meta{}, nil, err
			}
		}
	}

	logrus.Debugf("built tree '%s' with %d files", t.Info().Value, meta.NFiles)
	return meta, t, nil
}

// listFiles walks root collecting regular file paths in lexical order.
func listFiles(root string, fsys fs.FS, ignore func(string) bool) ([]string, error) {
	var files []string
	err := fsys.Walk(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if ignore != nil && ignore(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".datastash") {
				return fs.SkipDir
			}
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

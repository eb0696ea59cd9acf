// Package checkout reconciles a working-tree path with a snapshot: it
// diffs the current workspace against the wanted snapshot and applies
// only the changes, materializing content out of the object database
// via the configured link types.
package checkout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"datastash/internal/build"
	"datastash/internal/diff"
	"datastash/internal/fs"
	"datastash/internal/hash"
	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/progress"
	"datastash/internal/state"
	"datastash/internal/util"
)

// batchSize bounds how many file materializations share one errgroup.
const batchSize = 1000

// PromptError means a workspace file whose content is not in the object
// database would be destroyed, and the caller neither forced the
// operation nor confirmed it.
type PromptError struct {
	Path string
}

func (e *PromptError) Error() string {
	return fmt.Sprintf("unable to remove %q without a confirmation. Use `force` to force", e.Path)
}

// Error reports the paths a checkout failed to materialize. The rest of
// the checkout completed.
type Error struct {
	Paths []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkout failed for following targets:\n%s\nIs your cache up to date?",
		strings.Join(e.Paths, "\n"))
}

// Options control a checkout run.
type Options struct {
	// Force allows deleting workspace content that cannot be restored
	// from the object database.
	Force bool
	// Relink re-materializes even unchanged files, switching them to the
	// currently configured link type.
	Relink bool
	// Jobs bounds materialization concurrency; <= 0 means one per CPU.
	Jobs int
	// Prompt confirms destructive removals when Force is unset. Nil
	// means never confirmed.
	Prompt func(path string) bool
	// Callback observes per-file progress.
	Callback progress.Callback
	// Ignore filters the workspace scan.
	Ignore func(path string) bool
	// State records materialized links and memoizes digests.
	State *state.State
}

// Checkout makes path on fsys match the snapshot node, pulling content
// from cache. It is incremental: unchanged files are left alone (unless
// Relink) and a second run over a clean workspace does nothing.
func Checkout(path string, fsys fs.FS, node object.Node, cache *odb.LocalDB, opts Options) error {
	if node == nil {
		logrus.Warnf("no content info found for '%s'", path)
		return &Error{Paths: []string{path}}
	}
	if opts.Callback == nil {
		opts.Callback = progress.Noop
	}
	if opts.Jobs <= 0 {
		opts.Jobs = util.WorkerCount()
	}

	old, err := scanWorkspace(path, fsys, cache, opts)
	if err != nil {
		return err
	}

	d, err := diff.Diff(cache, old, node)
	if err != nil {
		return err
	}
	applyRelink(d, opts.Relink)

	if len(d.Added)+len(d.Modified)+len(d.Deleted) == 0 {
		logrus.Debugf("workspace '%s' already matches '%s'", path, node.Info().Value)
		return nil
	}

	for _, change := range d.Deleted {
		if err := remove(wsPath(path, change.Old.Key), fsys, change.Old.InCache, opts); err != nil {
			return err
		}
	}

	todo := append(append([]diff.Change(nil), d.Added...), d.Modified...)
	sort.Slice(todo, func(i, j int) bool { return todo[i].Key() < todo[j].Key() })
	opts.Callback.SetSize(int64(len(todo)))

	// Overwriting a modified file whose old content the database cannot
	// restore destroys that content; gate it the same way deletions are
	// gated, before any parallel work starts.
	for _, change := range todo {
		if !change.Old.Hash.Defined() || change.Old.Hash.IsDir() {
			continue
		}
		dst := wsPath(path, change.Key())
		if !fsys.Exists(dst) {
			continue
		}
		if err := confirmRemoval(dst, change.Old.InCache, opts); err != nil {
			return err
		}
	}

	links := fs.TestLinks(cache.CacheTypes(), cache.FileSystem(), cache.Root(), fsys, parentDir(path))
	if len(links) == 0 {
		return fmt.Errorf("checkout %q: %w", path, odb.ErrNoLinkType)
	}

	var (
		mu     sync.Mutex
		failed []string
		done   []state.Record
	)
	for _, batch := range util.Batched(todo, batchSize) {
		var g errgroup.Group
		g.SetLimit(opts.Jobs)
		for _, change := range batch {
			change := change
			g.Go(func() error {
				dst := wsPath(path, change.New.Key)
				err := applyChange(dst, fsys, change, cache, links, opts)
				opts.Callback.RelativeUpdate(1)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					logrus.WithError(err).Debugf("checkout of %q failed", dst)
					failed = append(failed, dst)
					return nil
				}
				if change.New.Hash.Defined() && !change.New.Hash.IsDir() {
					done = append(done, state.Record{Path: dst, FS: fsys, Hash: change.New.Hash})
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	// Fingerprints of the files that did succeed are kept even when the
	// run as a whole fails.
	if opts.State != nil && fsys.IsLocal() {
		if err := opts.State.SaveMany(done); err != nil {
			logrus.WithError(err).Debug("failed to record checkout state")
		}
		if err := opts.State.SaveLink(path, fsys); err != nil {
			logrus.WithError(err).Debugf("failed to record link for %q", path)
		}
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return &Error{Paths: failed}
	}
	return nil
}

// scanWorkspace snapshots the current workspace content without staging
// anything. A missing path simply yields no old snapshot; any other
// failure aborts the checkout, since diffing against a bogus empty
// snapshot would classify the whole workspace as disposable.
func scanWorkspace(path string, fsys fs.FS, cache *odb.LocalDB, opts Options) (object.Node, error) {
	if !fsys.Exists(path) {
		return nil, nil
	}
	var sc hash.Cache
	if opts.State != nil {
		sc = opts.State
	}
	_, _, node, err := build.NewBuilder(cache.HashName()).Build(path, fsys, build.Options{
		DryRun: true,
		Jobs:   opts.Jobs,
		Ignore: opts.Ignore,
		State:  sc,
	})
	if err != nil {
		if fs.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot workspace %q: %w", path, err)
	}
	return node, nil
}

// applyRelink moves unchanged file entries into the modified set so the
// materialization pass revisits their link type.
func applyRelink(d *diff.Result, relink bool) {
	if !relink {
		return
	}
	var kept []diff.Change
	for _, c := range d.Unchanged {
		if c.New.Hash.Defined() && !c.New.Hash.IsDir() {
			d.Modified = append(d.Modified, c)
		} else {
			kept = append(kept, c)
		}
	}
	d.Unchanged = kept
}

func remove(path string, fsys fs.FS, inCache bool, opts Options) error {
	if !fsys.Exists(path) {
		return nil
	}
	if err := confirmRemoval(path, inCache, opts); err != nil {
		return err
	}
	logrus.Debugf("removing '%s'", path)
	return fsys.RemoveAll(path)
}

// confirmRemoval gates the destruction of content the object database
// cannot restore.
func confirmRemoval(path string, inCache bool, opts Options) error {
	if opts.Force || inCache {
		return nil
	}
	if opts.Prompt != nil && opts.Prompt(path) {
		return nil
	}
	return &PromptError{Path: path}
}

func applyChange(dst string, fsys fs.FS, change diff.Change, cache *odb.LocalDB, links []fs.LinkType, opts Options) error {
	if change.New.Hash.IsDir() {
		return fsys.MkdirAll(dst, 0o755)
	}

	oid := change.New.OID()
	cachePath := cache.OIDToPath(oid)

	if opts.Relink && fsys.Exists(dst) && linkedAs(links[0], cachePath, dst, fsys) {
		if links[0] == fs.LinkCopy {
			return cache.Unprotect(dst)
		}
		return nil
	}

	if _, err := cache.Check(oid, false); err != nil {
		return err
	}

	removedOld := false
	if fsys.Exists(dst) {
		if err := fsys.Remove(dst); err != nil {
			return err
		}
		removedOld = true
	}
	if err := fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	used, err := fs.Transfer(cache.FileSystem(), cachePath, fsys, dst, links)
	if err != nil {
		return err
	}

	// Removing a hardlinked old copy can drop the protected mode on the
	// shared cache inode; restore it.
	if removedOld {
		cache.Protect(cachePath)
	}

	if used == fs.LinkCopy || used == fs.LinkReflink {
		mode := os.FileMode(0o644)
		if change.New.Meta != nil && change.New.Meta.IsExec {
			mode = 0o755
		}
		if err := fsys.Chmod(dst, mode); err != nil {
			return err
		}
	}
	return nil
}

// linkedAs reports whether dst is already materialized from cachePath
// with the given link type.
func linkedAs(typ fs.LinkType, cachePath, dst string, fsys fs.FS) bool {
	if !fsys.IsLocal() {
		return false
	}
	switch typ {
	case fs.LinkHardlink:
		return fs.SameInode(cachePath, dst)
	case fs.LinkSymlink:
		return fs.IsSymlink(dst)
	default:
		return fs.IsCopy(dst)
	}
}

func wsPath(root, key string) string {
	if key == diff.Root {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(key))
}

func parentDir(path string) string {
	if dir := filepath.Dir(path); dir != "" {
		return dir
	}
	return "."
}

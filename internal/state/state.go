// Package state is the durable memoization layer: a SQLite database
// recording file digests keyed by filesystem fingerprints, and the
// links a checkout materialized into the working tree. A hit saves a
// full re-hash of the file; a stale fingerprint is simply a miss.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"datastash/internal/fs"
	"datastash/internal/object"
)

// recordVersion is bumped whenever the row semantics change; rows
// written by other versions are treated as misses.
const recordVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS hashes (
	path       TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	checksum   TEXT NOT NULL,
	hash_name  TEXT NOT NULL,
	hash_value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS links (
	path  TEXT PRIMARY KEY,
	inode INTEGER NOT NULL,
	mtime TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS remote_index (
	name   TEXT NOT NULL,
	oid    TEXT NOT NULL,
	is_dir INTEGER NOT NULL,
	PRIMARY KEY (name, oid)
);
`

// State is the on-disk cache. Safe for concurrent use; each call takes
// its own pooled connection.
type State struct {
	pool *sqlitex.Pool
	path string
}

// Open creates or opens the state database at path. The parent
// directory must exist.
func Open(path string) (*State, error) {
	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
				"PRAGMA temp_store=MEMORY",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("state: %s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", path, err)
	}
	return &State{pool: pool, path: path}, nil
}

func (s *State) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("state: closing %s: %w", s.path, err)
	}
	return nil
}

func (s *State) conn() (*sqlite.Conn, error) {
	return s.pool.Take(context.Background())
}

// GetHash returns the memoized digest for path if its filesystem
// fingerprint still matches the recorded one.
func (s *State) GetHash(path string, fsys fs.FS) (object.Meta, object.HashInfo, bool) {
	checksum, err := fsys.Checksum(path)
	if err != nil {
		return object.Meta{}, object.HashInfo{}, false
	}

	conn, err := s.conn()
	if err != nil {
		return object.Meta{}, object.HashInfo{}, false
	}
	defer s.pool.Put(conn)

	var hi object.HashInfo
	found := false
	err = sqlitex.Execute(conn,
		"SELECT hash_name, hash_value FROM hashes WHERE path = ? AND version = ? AND checksum = ?",
		&sqlitex.ExecOptions{
			Args: []any{path, recordVersion, checksum},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hi = object.HashInfo{Name: stmt.ColumnText(0), Value: stmt.ColumnText(1)}
				found = true
				return nil
			},
		})
	if err != nil || !found {
		return object.Meta{}, object.HashInfo{}, false
	}

	fi, err := fsys.Stat(path)
	if err != nil {
		return object.Meta{}, object.HashInfo{}, false
	}
	meta := object.Meta{
		Size:   fi.Size(),
		IsExec: fi.Mode()&0o111 != 0,
		Mtime:  fi.ModTime().UnixNano(),
	}
	return meta, hi, true
}

// SaveHash records the digest for path under its current fingerprint.
func (s *State) SaveHash(path string, fsys fs.FS, hi object.HashInfo) error {
	return s.SaveMany([]Record{{Path: path, FS: fsys, Hash: hi}})
}

// Record is one digest to persist.
type Record struct {
	Path string
	FS   fs.FS
	Hash object.HashInfo
}

// SaveMany persists a batch of digests in a single transaction.
func (s *State) SaveMany(records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}

	conn, err := s.conn()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTx(&err)

	for _, r := range records {
		checksum, cerr := r.FS.Checksum(r.Path)
		if cerr != nil {
			logrus.WithError(cerr).Debugf("skipping state record for %q", r.Path)
			continue
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO hashes (path, version, checksum, hash_name, hash_value)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   version = excluded.version,
			   checksum = excluded.checksum,
			   hash_name = excluded.hash_name,
			   hash_value = excluded.hash_value`,
			&sqlitex.ExecOptions{
				Args: []any{r.Path, recordVersion, checksum, r.Hash.Name, r.Hash.Value},
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveLink records that path was materialized by a checkout, so a later
// cleanup can distinguish produced files from user files.
func (s *State) SaveLink(path string, fsys fs.FS) error {
	token, err := mtimeToken(path, fsys)
	if err != nil {
		return err
	}
	inode, _ := fs.Inode(path)

	conn, err := s.conn()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO links (path, inode, mtime) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET inode = excluded.inode, mtime = excluded.mtime`,
		&sqlitex.ExecOptions{Args: []any{path, int64(inode), token}})
}

// GetUnusedLinks returns recorded link paths that are not in used and
// still match their recorded fingerprint. A path the user has modified
// since checkout no longer counts as ours.
func (s *State) GetUnusedLinks(used []string, fsys fs.FS) ([]string, error) {
	usedSet := make(map[string]bool, len(used))
	for _, p := range used {
		usedSet[p] = true
	}

	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	type link struct {
		path  string
		inode uint64
		mtime string
	}
	var links []link
	err = sqlitex.Execute(conn, "SELECT path, inode, mtime FROM links", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			links = append(links, link{
				path:  stmt.ColumnText(0),
				inode: uint64(stmt.ColumnInt64(1)),
				mtime: stmt.ColumnText(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	var unused []string
	for _, l := range links {
		if usedSet[l.path] || !fsys.Exists(l.path) {
			continue
		}
		token, err := mtimeToken(l.path, fsys)
		if err != nil {
			continue
		}
		inode, _ := fs.Inode(l.path)
		if token == l.mtime && inode == l.inode {
			unused = append(unused, l.path)
		}
	}
	sort.Strings(unused)
	return unused, nil
}

// RemoveLinks deletes the given paths from the filesystem and drops
// their link records.
func (s *State) RemoveLinks(paths []string, fsys fs.FS) (err error) {
	for _, p := range paths {
		if err := fsys.RemoveAll(p); err != nil && !fsys.IsNotExist(err) {
			return err
		}
	}

	conn, err := s.conn()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTx(&err)

	for _, p := range paths {
		err = sqlitex.Execute(conn, "DELETE FROM links WHERE path = ?",
			&sqlitex.ExecOptions{Args: []any{p}})
		if err != nil {
			return err
		}
	}
	return nil
}

// mtimeToken fingerprints path for link tracking. Files use their
// nanosecond mtime; directories hash the sorted relpath-to-mtime map of
// their members, so any member change invalidates the record.
func mtimeToken(path string, fsys fs.FS) (string, error) {
	if !fsys.IsDir(path) {
		fi, err := fsys.Stat(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", fi.ModTime().UnixNano()), nil
	}

	mtimes := map[string]int64{}
	err := fsys.Walk(path, func(p string, d os.DirEntry, werr error) error {
		if werr != nil || d.IsDir() {
			return werr
		}
		fi, serr := d.Info()
		if serr != nil {
			return serr
		}
		rel, rerr := filepath.Rel(path, p)
		if rerr != nil {
			return rerr
		}
		mtimes[filepath.ToSlash(rel)] = fi.ModTime().UnixNano()
		return nil
	})
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(mtimes))
	for k := range mtimes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxh3.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%d;", k, mtimes[k])
	}
	return fmt.Sprintf("%x", h.Sum128().Bytes()), nil
}

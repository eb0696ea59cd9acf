package state

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"datastash/internal/object"
)

// Index caches which oids a named remote is known to hold, so a status
// comparison can skip listing the remote. Entries are advisory: a
// transfer verifies before trusting them.
type Index struct {
	state *State
	name  string
}

// Index returns the oid index for the named remote.
func (s *State) Index(name string) *Index {
	return &Index{state: s, name: name}
}

// Update records that the remote holds the given oids.
func (ix *Index) Update(his []object.HashInfo) (err error) {
	if len(his) == 0 {
		return nil
	}

	conn, err := ix.state.conn()
	if err != nil {
		return err
	}
	defer ix.state.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTx(&err)

	for _, hi := range his {
		isDir := 0
		if hi.IsDir() {
			isDir = 1
		}
		err = sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO remote_index (name, oid, is_dir) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{ix.name, hi.Value, isDir}})
		if err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether the remote is known to hold oid.
func (ix *Index) Contains(oid string) (bool, error) {
	hit, err := ix.Intersect([]string{oid})
	if err != nil {
		return false, err
	}
	return hit[oid], nil
}

// DirHashes returns the indexed directory-manifest oids for this
// remote.
func (ix *Index) DirHashes() ([]string, error) {
	conn, err := ix.state.conn()
	if err != nil {
		return nil, err
	}
	defer ix.state.pool.Put(conn)

	var oids []string
	err = sqlitex.Execute(conn,
		"SELECT oid FROM remote_index WHERE name = ? AND is_dir = 1 ORDER BY oid",
		&sqlitex.ExecOptions{
			Args: []any{ix.name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				oids = append(oids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return oids, nil
}

// Intersect reports which of the given oids are indexed for this
// remote.
func (ix *Index) Intersect(oids []string) (map[string]bool, error) {
	conn, err := ix.state.conn()
	if err != nil {
		return nil, err
	}
	defer ix.state.pool.Put(conn)

	out := map[string]bool{}
	for _, oid := range oids {
		err := sqlitex.Execute(conn,
			"SELECT 1 FROM remote_index WHERE name = ? AND oid = ?",
			&sqlitex.ExecOptions{
				Args: []any{ix.name, oid},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out[oid] = true
					return nil
				},
			})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Clear drops every indexed oid for this remote. Used when the remote
// turns out to be missing content the index promised.
func (ix *Index) Clear() error {
	conn, err := ix.state.conn()
	if err != nil {
		return err
	}
	defer ix.state.pool.Put(conn)

	return sqlitex.Execute(conn, "DELETE FROM remote_index WHERE name = ?",
		&sqlitex.ExecOptions{Args: []any{ix.name}})
}

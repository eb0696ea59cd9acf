// Package gc removes unreferenced objects from a database.
package gc

import (
	"github.com/sirupsen/logrus"

	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/tree"
)

// Options control a collection run.
type Options struct {
	// Shallow treats directory oids as opaque: their members are not
	// marked used. With Shallow unset every reachable member of a used
	// manifest survives.
	Shallow bool
}

// GC deletes every object in db whose oid is not reachable from used.
// It reports whether anything was removed. Read-only databases refuse.
func GC(db *odb.LocalDB, used []object.HashInfo, opts Options) (bool, error) {
	if db.ReadOnly() {
		return false, odb.ErrReadOnly
	}

	keep := map[string]bool{}
	for _, hi := range used {
		if !hi.Defined() {
			continue
		}
		keep[hi.Value] = true
		if !hi.IsDir() || opts.Shallow {
			continue
		}
		sub, err := tree.Load(db, hi)
		if err != nil {
			if err == odb.ErrNotFound || odb.IsFormatError(err) {
				continue
			}
			return false, err
		}
		for _, it := range sub.Items() {
			if it.Entry.Hash.Defined() {
				keep[it.Entry.Hash.Value] = true
			}
		}
	}

	oids, err := db.ListOIDs()
	if err != nil {
		return false, err
	}

	removed := false
	for _, oid := range oids {
		if keep[oid] {
			continue
		}
		logrus.Debugf("removing unused object '%s'", oid)
		if err := db.Delete(oid); err != nil && err != odb.ErrNotFound {
			return removed, err
		}
		removed = true
	}
	return removed, nil
}

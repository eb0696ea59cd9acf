// Package transfer moves objects between databases and reports what
// each side holds.
package transfer

import (
	"github.com/sirupsen/logrus"

	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/state"
	"datastash/internal/tree"
	"datastash/internal/util"
)

// Status partitions the queried oids by presence in one database.
// Directory oids contribute their members: a manifest only counts as
// present when the database can actually parse it.
type Status struct {
	Exists  map[string]object.HashInfo
	Missing map[string]object.HashInfo
}

func newStatus() Status {
	return Status{
		Exists:  map[string]object.HashInfo{},
		Missing: map[string]object.HashInfo{},
	}
}

// StatusOptions tune a presence check.
type StatusOptions struct {
	// Index short-circuits presence checks for oids the index already
	// records for this database.
	Index *state.Index
	// Jobs bounds check concurrency; <= 0 means one per CPU.
	Jobs int
}

// expand returns his plus the members of every directory oid whose
// manifest db can serve. Manifests the database lacks expand to
// nothing.
func expand(db odb.Store, his []object.HashInfo) (map[string]object.HashInfo, error) {
	out := map[string]object.HashInfo{}
	for _, hi := range his {
		if !hi.Defined() {
			continue
		}
		out[hi.Value] = hi
		if !hi.IsDir() {
			continue
		}
		sub, err := tree.Load(db, hi)
		if err != nil {
			if err == odb.ErrNotFound || odb.IsFormatError(err) {
				continue
			}
			return nil, err
		}
		for _, it := range sub.Items() {
			if it.Entry.Hash.Defined() {
				out[it.Entry.Hash.Value] = it.Entry.Hash
			}
		}
	}
	return out, nil
}

// Check reports which of the given oids (and, for directories, their
// members) the database holds.
func Check(db odb.Store, his []object.HashInfo, opts StatusOptions) (Status, error) {
	status := newStatus()

	indexed := map[string]bool{}
	if opts.Index != nil {
		oids := make([]string, 0, len(his))
		for _, hi := range his {
			oids = append(oids, hi.Value)
		}
		var err error
		indexed, err = opts.Index.Intersect(oids)
		if err != nil {
			return status, err
		}
	}

	queries, err := expand(db, his)
	if err != nil {
		return status, err
	}

	type outcome struct {
		hi     object.HashInfo
		exists bool
	}
	oids := util.SortedKeys(queries)
	results := make([]outcome, len(oids))

	err = util.Parallel(indexes(len(oids)), opts.Jobs, func(i int) error {
		hi := queries[oids[i]]
		if indexed[hi.Value] {
			results[i] = outcome{hi: hi, exists: true}
			return nil
		}
		_, cerr := db.Check(hi.Value, false)
		results[i] = outcome{hi: hi, exists: cerr == nil}
		return nil
	})
	if err != nil {
		return status, err
	}

	for _, r := range results {
		if r.exists {
			status.Exists[r.hi.Value] = r.hi
		} else {
			status.Missing[r.hi.Value] = r.hi
		}
	}
	return status, nil
}

// CompareResult relates the queried oids across a source and a
// destination database.
type CompareResult struct {
	// OK is present in the destination already.
	OK map[string]object.HashInfo
	// New is present in the source but not the destination.
	New map[string]object.HashInfo
	// Missing is present in neither side.
	Missing map[string]object.HashInfo
	// Deleted is present in the destination but not the source.
	Deleted map[string]object.HashInfo
}

// Compare checks the queried oids against both databases.
func Compare(src, dst odb.Store, his []object.HashInfo, opts StatusOptions) (CompareResult, error) {
	result := CompareResult{
		OK:      map[string]object.HashInfo{},
		New:     map[string]object.HashInfo{},
		Missing: map[string]object.HashInfo{},
		Deleted: map[string]object.HashInfo{},
	}

	// Expand from the source side: the destination typically lacks the
	// manifests, which is exactly why they are being transferred.
	expanded, err := expand(src, his)
	if err != nil {
		return result, err
	}
	queries := make([]object.HashInfo, 0, len(expanded))
	for _, oid := range util.SortedKeys(expanded) {
		queries = append(queries, expanded[oid])
	}

	dstStatus, err := Check(dst, queries, opts)
	if err != nil {
		return result, err
	}
	srcStatus, err := Check(src, queries, StatusOptions{Jobs: opts.Jobs})
	if err != nil {
		return result, err
	}

	for oid, hi := range dstStatus.Exists {
		result.OK[oid] = hi
		if _, ok := srcStatus.Exists[oid]; !ok {
			result.Deleted[oid] = hi
		}
	}
	for oid, hi := range srcStatus.Exists {
		if _, ok := dstStatus.Exists[oid]; !ok {
			result.New[oid] = hi
		}
	}
	for oid, hi := range dstStatus.Missing {
		if _, ok := srcStatus.Exists[oid]; !ok {
			result.Missing[oid] = hi
		}
	}

	if len(result.Missing) > 0 {
		missing := util.SortedKeys(result.Missing)
		logrus.Debugf("%d objects are missing from both databases: %v", len(missing), missing)
	}
	return result, nil
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

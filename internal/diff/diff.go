// Package diff computes structural differences between two snapshots,
// classifying every path as added, modified, deleted or unchanged.
package diff

import (
	"sort"

	"datastash/internal/object"
	"datastash/internal/odb"
	"datastash/internal/tree"
)

// Change kinds.
const (
	Added     = "added"
	Modified  = "modified"
	Deleted   = "deleted"
	Unchanged = "unchanged"
)

// Root is the key of the snapshot itself, as opposed to its members.
const Root = ""

// TreeEntry is one side of a change: a path within a snapshot together
// with its identity and cache presence.
type TreeEntry struct {
	InCache bool
	Key     string
	Meta    *object.Meta
	Hash    object.HashInfo
}

func (e TreeEntry) OID() string { return e.Hash.Value }

// Change pairs the old and new state of a single key.
type Change struct {
	Old TreeEntry
	New TreeEntry
}

// Type classifies the change by comparing oids.
func (c Change) Type() string {
	switch {
	case !c.Old.Hash.Defined() && !c.New.Hash.Defined():
		return Unchanged
	case !c.Old.Hash.Defined():
		return Added
	case !c.New.Hash.Defined():
		return Deleted
	case c.Old.OID() != c.New.OID():
		return Modified
	default:
		return Unchanged
	}
}

func (c Change) Key() string {
	if c.New.Key != "" {
		return c.New.Key
	}
	return c.Old.Key
}

// Result partitions all keys of both snapshots by change kind.
type Result struct {
	Added     []Change
	Modified  []Change
	Deleted   []Change
	Unchanged []Change
}

// Stats counts changes per kind, excluding the root pseudo-entry.
func (r *Result) Stats() map[string]int {
	stats := map[string]int{Added: 0, Modified: 0, Deleted: 0}
	for kind, changes := range map[string][]Change{
		Added:    r.Added,
		Modified: r.Modified,
		Deleted:  r.Deleted,
	} {
		for _, c := range changes {
			if c.Key() != Root {
				stats[kind]++
			}
		}
	}
	return stats
}

// entriesOf flattens a snapshot into key -> (meta, hash). The snapshot
// itself appears under the Root key. A nil node yields no entries.
func entriesOf(node object.Node) map[string]TreeEntry {
	out := map[string]TreeEntry{}
	switch n := node.(type) {
	case nil:
	case *tree.Tree:
		out[Root] = TreeEntry{Key: Root, Hash: n.Info()}
		for _, it := range n.Items() {
			out[it.Key] = TreeEntry{Key: it.Key, Meta: it.Entry.Meta, Hash: it.Entry.Hash}
		}
	case object.Object:
		out[Root] = TreeEntry{Key: Root, Hash: n.Info()}
	case *object.Object:
		out[Root] = TreeEntry{Key: Root, Hash: n.Info()}
	default:
		if node.Info().Defined() {
			out[Root] = TreeEntry{Key: Root, Hash: node.Info()}
		}
	}
	return out
}

// Diff compares two snapshots against the store. An entry that is
// byte-identical on both sides but absent from the store is reported as
// modified: the workspace cannot be reconstructed from it, so it is not
// safely "unchanged".
func Diff(store odb.Store, oldNode, newNode object.Node) (*Result, error) {
	oldEntries := entriesOf(oldNode)
	newEntries := entriesOf(newNode)

	keys := map[string]bool{}
	for k := range oldEntries {
		keys[k] = true
	}
	for k := range newEntries {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	inCache := map[string]bool{}
	cached := func(hi object.HashInfo) bool {
		if !hi.Defined() || store == nil {
			return false
		}
		if v, ok := inCache[hi.Value]; ok {
			return v
		}
		_, err := store.Check(hi.Value, true)
		ok := err == nil
		inCache[hi.Value] = ok
		return ok
	}

	result := &Result{}
	for _, key := range sorted {
		old := oldEntries[key]
		old.Key = key
		old.InCache = cached(old.Hash)

		new_ := newEntries[key]
		new_.Key = key
		new_.InCache = cached(new_.Hash)

		change := Change{Old: old, New: new_}
		kind := change.Type()

		// Identical content that the store cannot serve must be
		// re-materialized, so it is promoted to modified.
		if kind == Unchanged && old.Hash.Defined() && !old.Hash.IsDir() && !old.InCache {
			kind = Modified
		}

		switch kind {
		case Added:
			result.Added = append(result.Added, change)
		case Modified:
			result.Modified = append(result.Modified, change)
		case Deleted:
			result.Deleted = append(result.Deleted, change)
		default:
			result.Unchanged = append(result.Unchanged, change)
		}
	}
	return result, nil
}

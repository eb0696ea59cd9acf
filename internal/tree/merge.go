package tree

import (
	"fmt"
	"sort"
	"strings"

	"datastash/internal/object"
	"datastash/internal/odb"
)

// DefaultMergeOps is the set of edit kinds a merge accepts by default.
// Only additions are unconditionally safe; removals and modifications
// must be opted into by the caller.
var DefaultMergeOps = []string{"add"}

const (
	opAdd    = "add"
	opRemove = "remove"
	opModify = "modify"
)

// MergeError reports paths whose edits conflict between the two sides,
// or an edit kind the caller did not allow.
type MergeError struct {
	Paths []string
	Op    string
}

func (e *MergeError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("unable to auto-merge the following paths:\n%s\n(%s not allowed)",
			strings.Join(e.Paths, "\n"), e.Op)
	}
	return fmt.Sprintf("unable to auto-merge the following paths:\n%s", strings.Join(e.Paths, "\n"))
}

type edit struct {
	op    string
	key   string
	entry Entry
}

// editsFrom computes the flat edit script turning ancestor into other.
func editsFrom(ancestor, other map[string]Entry) []edit {
	var edits []edit
	for key, e := range other {
		old, ok := ancestor[key]
		switch {
		case !ok:
			edits = append(edits, edit{op: opAdd, key: key, entry: e})
		case !sameEntry(old, e):
			edits = append(edits, edit{op: opModify, key: key, entry: e})
		}
	}
	for key := range ancestor {
		if _, ok := other[key]; !ok {
			edits = append(edits, edit{op: opRemove, key: key})
		}
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].key < edits[j].key })
	return edits
}

func sameEntry(a, b Entry) bool {
	return a.Hash.Name == b.Hash.Name && a.Hash.Value == b.Hash.Value
}

func checkAllowed(edits []edit, allowed []string) error {
	ok := map[string]bool{}
	for _, op := range allowed {
		ok[op] = true
	}
	byOp := map[string][]string{}
	for _, e := range edits {
		if !ok[e.op] {
			byOp[e.op] = append(byOp[e.op], e.key)
		}
	}
	for _, op := range []string{opRemove, opModify, opAdd} {
		if paths := byOp[op]; len(paths) > 0 {
			sort.Strings(paths)
			return &MergeError{Paths: paths, Op: op}
		}
	}
	return nil
}

func applyEdits(base map[string]Entry, edits []edit) map[string]Entry {
	out := make(map[string]Entry, len(base)+len(edits))
	for k, v := range base {
		out[k] = v
	}
	for _, e := range edits {
		switch e.op {
		case opRemove:
			delete(out, e.key)
		default:
			out[e.key] = e.entry
		}
	}
	return out
}

// Merge three-way merges two descendants of a common ancestor manifest.
// The edits of both sides are applied to the ancestor in both orders;
// any key the two orders disagree on is a conflict. The merged tree is
// digested with the store's algorithm but not persisted.
func Merge(store odb.Store, ancestor, ours, theirs *object.HashInfo, allowed []string) (*Tree, error) {
	if allowed == nil {
		allowed = DefaultMergeOps
	}

	load := func(hi *object.HashInfo) (map[string]Entry, error) {
		if hi == nil || !hi.Defined() {
			return map[string]Entry{}, nil
		}
		t, err := Load(store, *hi)
		if err != nil {
			return nil, err
		}
		return t.AsMap(), nil
	}

	base, err := load(ancestor)
	if err != nil {
		return nil, err
	}
	ourMap, err := load(ours)
	if err != nil {
		return nil, err
	}
	theirMap, err := load(theirs)
	if err != nil {
		return nil, err
	}

	ourEdits := editsFrom(base, ourMap)
	theirEdits := editsFrom(base, theirMap)

	var merged map[string]Entry
	switch {
	case len(ourEdits) == 0:
		merged = theirMap
	case len(theirEdits) == 0:
		merged = ourMap
	default:
		if err := checkAllowed(ourEdits, allowed); err != nil {
			return nil, err
		}
		if err := checkAllowed(theirEdits, allowed); err != nil {
			return nil, err
		}

		oursFirst := applyEdits(applyEdits(base, ourEdits), theirEdits)
		theirsFirst := applyEdits(applyEdits(base, theirEdits), ourEdits)

		if conflicts := disagreements(oursFirst, theirsFirst); len(conflicts) > 0 {
			return nil, &MergeError{Paths: conflicts}
		}
		merged = oursFirst
	}

	t := New()
	for key, e := range merged {
		t.Add(key, e.Meta, e.Hash)
	}
	if err := t.Digest(store.HashName()); err != nil {
		return nil, err
	}
	return t, nil
}

func disagreements(a, b map[string]Entry) []string {
	var paths []string
	for key, ea := range a {
		eb, ok := b[key]
		if !ok || !sameEntry(ea, eb) {
			paths = append(paths, key)
		}
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			paths = append(paths, key)
		}
	}
	sort.Strings(paths)
	return paths
}

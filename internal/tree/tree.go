package tree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"datastash/internal/fs"
	"datastash/internal/hash"
	"datastash/internal/object"
	"datastash/internal/odb"
)

// RelPathParam is the manifest field naming an entry's path.
const RelPathParam = "relpath"

// LoadState tracks lazy expansion of a directory entry's own manifest.
type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
)

// Entry is one manifest member: metadata plus content identity.
type Entry struct {
	Meta *object.Meta
	Hash object.HashInfo

	// Sub is the expansion state of a directory entry; meaningful only
	// when Hash.IsDir().
	Sub LoadState
}

// Tree is a directory snapshot: a content-addressed manifest mapping
// relative posix paths to entries. Mutation happens during staging;
// once digested the tree is persisted as a blob and loaded back on
// demand.
type Tree struct {
	fsys fs.FS
	path string
	hash object.HashInfo

	mu      sync.Mutex
	entries map[string]Entry
	view    []string // sorted keys, derived lazily
	raw     []byte   // canonical serialized form, set by Digest/Load
}

func New() *Tree {
	return &Tree{entries: make(map[string]Entry)}
}

// Info returns the manifest's own HashInfo (zero until Digest or Load).
func (t *Tree) Info() object.HashInfo { return t.hash }

// Location returns where the serialized manifest lives, when known.
func (t *Tree) Location() (string, fs.FS) { return t.path, t.fsys }

// SetLocation points the tree at its serialized blob.
func (t *Tree) SetLocation(path string, fsys fs.FS) {
	t.path = path
	t.fsys = fsys
}

// Bytes returns the canonical serialized manifest, valid after Digest.
func (t *Tree) Bytes() []byte { return t.raw }

// Add inserts or replaces the entry at key and invalidates the derived
// view.
func (t *Tree) Add(key string, meta *object.Meta, hi object.HashInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view = nil
	t.entries[key] = Entry{Meta: meta, Hash: hi}
}

// Get returns the entry at key.
func (t *Tree) Get(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Keys returns all entry keys in lexical order.
func (t *Tree) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sortedKeysLocked()...)
}

func (t *Tree) sortedKeysLocked() []string {
	if t.view == nil {
		t.view = make([]string, 0, len(t.entries))
		for k := range t.entries {
			t.view = append(t.view, k)
		}
		sort.Strings(t.view)
	}
	return t.view
}

// Items returns (key, entry) pairs in lexical key order.
func (t *Tree) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := make([]Item, 0, len(t.entries))
	for _, k := range t.sortedKeysLocked() {
		items = append(items, Item{Key: k, Entry: t.entries[k]})
	}
	return items
}

// Item pairs a key with its entry.
type Item struct {
	Key   string
	Entry Entry
}

// AsMap copies the flat mapping.
func (t *Tree) AsMap() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Digest serializes the entries as canonical sorted-by-path JSON,
// computes the digest of those bytes with the given algorithm, and sets
// the tree's own HashInfo with the directory-marker suffix appended.
// The same entries yield the same digest regardless of insertion order.
func (t *Tree) Digest(name string) error {
	if name == "" {
		name = hash.DefaultAlgorithm
	}
	raw, err := t.AsBytes()
	if err != nil {
		return err
	}

	h, err := hash.New(name)
	if err != nil {
		return err
	}
	h.Write(raw)

	t.raw = raw
	t.hash = object.HashInfo{Name: name, Value: h.HexDigest() + object.DirSuffix}
	return nil
}

// AsBytes renders the canonical manifest form: a UTF-8 JSON array of
// objects sorted by relpath. The exact byte form is what gets hashed,
// so the encoding must stay stable (see encodeCanonical). Meta never
// appears in the digestable form.
func (t *Tree) AsBytes() ([]byte, error) {
	return encodeCanonical(t.asList())
}

type field struct {
	key   string
	value any
}

// asList flattens entries into wire objects sorted by relpath.
func (t *Tree) asList() [][]field {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out [][]field
	for _, key := range t.sortedKeysLocked() {
		e := t.entries[key]
		var fields []field
		if e.Hash.Defined() {
			fields = append(fields, field{e.Hash.Name, e.Hash.Value})
		}
		fields = append(fields, field{RelPathParam, key})
		sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })
		out = append(out, fields)
	}
	return out
}

// FromList rebuilds a tree from parsed manifest entries.
func FromList(lst []map[string]any) (*Tree, error) {
	t := New()
	for _, raw := range lst {
		entry := make(map[string]any, len(raw))
		for k, v := range raw {
			entry[k] = v
		}

		relpathVal, ok := entry[RelPathParam]
		if !ok {
			return nil, fmt.Errorf("manifest entry missing %q", RelPathParam)
		}
		relpath, ok := relpathVal.(string)
		if !ok {
			return nil, fmt.Errorf("manifest entry %q is not a string", RelPathParam)
		}
		delete(entry, RelPathParam)

		meta := &object.Meta{}
		if size, ok := entry["size"].(float64); ok {
			meta.Size = int64(size)
			delete(entry, "size")
		}
		if nfiles, ok := entry["nfiles"].(float64); ok {
			meta.NFiles = int64(nfiles)
			delete(entry, "nfiles")
		}
		if isexec, ok := entry["isexec"].(bool); ok {
			meta.IsExec = isexec
			delete(entry, "isexec")
		}

		var hi object.HashInfo
		for k, v := range entry {
			if value, ok := v.(string); ok {
				hi = object.HashInfo{Name: k, Value: value}
				break
			}
		}
		t.Add(relpath, meta, hi)
	}
	return t, nil
}

// Load fetches the manifest blob for hi from the store and parses it.
func Load(store odb.Store, hi object.HashInfo) (*Tree, error) {
	obj := store.Get(hi.Value)

	data, err := obj.FS.ReadFile(obj.Path)
	if err != nil {
		if obj.FS.IsNotExist(err) {
			return nil, odb.ErrNotFound
		}
		return nil, err
	}

	var lst []map[string]any
	if err := json.Unmarshal(data, &lst); err != nil {
		logrus.Debugf("dir cache file format error '%s' [skipping the file]", obj.Path)
		return nil, &odb.FormatError{OID: hi.Value, Path: obj.Path}
	}

	t, err := FromList(lst)
	if err != nil {
		return nil, &odb.FormatError{OID: hi.Value, Path: obj.Path}
	}
	t.path = obj.Path
	t.fsys = obj.FS
	t.hash = hi
	t.raw = data
	return t, nil
}

// Filter returns the sub-tree of entries under prefix, preserving this
// tree's own HashInfo and location. An empty filtered tree is valid.
func (t *Tree) Filter(prefix string) *Tree {
	out := New()
	out.path = t.path
	out.fsys = t.fsys
	out.hash = t.hash

	for _, it := range t.Items() {
		if underPrefix(it.Key, prefix) {
			out.Add(it.Key, it.Entry.Meta, it.Entry.Hash)
		}
	}
	return out
}

// Obj extracts the object at prefix: the entry's own object when prefix
// names a file, or a freshly digested sub-manifest when it names a
// directory. Returns nil when nothing matches.
func (t *Tree) Obj(store odb.Store, prefix string) (object.Node, error) {
	if e, ok := t.Get(prefix); ok && e.Hash.Defined() {
		return store.Get(e.Hash.Value), nil
	}

	sub := New()
	for _, it := range t.Items() {
		if prefix == "" {
			sub.Add(it.Key, it.Entry.Meta, it.Entry.Hash)
			continue
		}
		if strings.HasPrefix(it.Key, prefix+"/") {
			sub.Add(it.Key[len(prefix)+1:], it.Entry.Meta, it.Entry.Hash)
		}
	}
	if sub.Len() == 0 {
		return nil, nil
	}
	if err := sub.Digest(t.hash.Name); err != nil {
		return nil, err
	}
	return sub, nil
}

// LS lists the immediate child names under prefix.
func (t *Tree) LS(prefix string) []string {
	seen := map[string]bool{}
	var names []string
	for _, it := range t.Items() {
		key := it.Key
		if prefix != "" {
			if !strings.HasPrefix(key, prefix+"/") {
				continue
			}
			key = key[len(prefix)+1:]
		}
		name := key
		if i := strings.IndexByte(key, '/'); i >= 0 {
			name = key[:i]
		}
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ShortestPrefix returns the shortest entry key that is a path prefix
// of key.
func (t *Tree) ShortestPrefix(key string) (string, Entry, bool) {
	parts := strings.Split(key, "/")
	for i := 1; i <= len(parts); i++ {
		candidate := strings.Join(parts[:i], "/")
		if e, ok := t.Get(candidate); ok {
			return candidate, e, true
		}
	}
	return "", Entry{}, false
}

// LongestPrefix returns the longest entry key that is a path prefix of
// key.
func (t *Tree) LongestPrefix(key string) (string, Entry, bool) {
	parts := strings.Split(key, "/")
	for i := len(parts); i >= 1; i-- {
		candidate := strings.Join(parts[:i], "/")
		if e, ok := t.Get(candidate); ok {
			return candidate, e, true
		}
	}
	return "", Entry{}, false
}

// ExpandDirs loads directory-manifest entries from the given stores and
// splices their members into this tree under the parent key. Expansion
// state is explicit per entry, so re-expanding is a no-op.
func (t *Tree) ExpandDirs(stores ...odb.Store) error {
	for _, it := range t.Items() {
		if !it.Entry.Hash.IsDir() || it.Entry.Sub != NotLoaded {
			continue
		}

		t.setSub(it.Key, Loading)
		sub, err := tryLoad(stores, it.Entry.Hash)
		if err != nil {
			t.setSub(it.Key, NotLoaded)
			return fmt.Errorf("expand %q: %w", it.Key, err)
		}
		if sub == nil {
			t.setSub(it.Key, NotLoaded)
			continue
		}
		for _, sit := range sub.Items() {
			t.Add(it.Key+"/"+sit.Key, sit.Entry.Meta, sit.Entry.Hash)
		}
		t.setSub(it.Key, Loaded)
	}
	return nil
}

func (t *Tree) setSub(key string, s LoadState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.Sub = s
		t.entries[key] = e
	}
}

// tryLoad attempts to load a manifest from each store in turn,
// swallowing not-found and corruption.
func tryLoad(stores []odb.Store, hi object.HashInfo) (*Tree, error) {
	for _, store := range stores {
		if store == nil {
			continue
		}
		sub, err := Load(store, hi)
		if err != nil {
			if err == odb.ErrNotFound || odb.IsFormatError(err) {
				continue
			}
			return nil, err
		}
		return sub, nil
	}
	return nil, nil
}

func underPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

// DU sums the stored sizes of every member object.
func DU(store *odb.LocalDB, t *Tree) (int64, error) {
	var total int64
	for _, it := range t.Items() {
		if !it.Entry.Hash.Defined() {
			continue
		}
		fi, err := store.FileSystem().Stat(store.OIDToPath(it.Entry.Hash.Value))
		if err != nil {
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}

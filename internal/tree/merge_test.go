package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"datastash/internal/object"
	"datastash/internal/odb"
)

func storeTree(t *testing.T, db *odb.LocalDB, entries map[string]string) object.HashInfo {
	t.Helper()
	tr := New()
	for key, oid := range entries {
		tr.Add(key, nil, object.HashInfo{Name: "md5", Value: oid})
	}
	require.NoError(t, tr.Digest("md5"))
	require.NoError(t, db.AddBytes(tr.Info().Value, tr.Bytes()))
	return tr.Info()
}

func TestMergeBothAdd(t *testing.T) {
	db := newDB(t)
	ancestor := storeTree(t, db, map[string]string{"foo": barOID})
	ours := storeTree(t, db, map[string]string{"foo": barOID, "bar": barOID})
	theirs := storeTree(t, db, map[string]string{"foo": barOID, "baz": bazOID})

	merged, err := Merge(db, &ancestor, &ours, &theirs, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"bar", "baz", "foo"}, merged.Keys())
	require.True(t, merged.Info().IsDir())
}

func TestMergeOneSideUntouched(t *testing.T) {
	db := newDB(t)
	ancestor := storeTree(t, db, map[string]string{"foo": barOID})
	ours := storeTree(t, db, map[string]string{"foo": bazOID})

	// Their side equals the ancestor, so our edits win even though
	// modifications are not in the allowed set.
	merged, err := Merge(db, &ancestor, &ours, &ancestor, nil)
	require.NoError(t, err)
	e, ok := merged.Get("foo")
	require.True(t, ok)
	require.Equal(t, bazOID, e.Hash.Value)
}

func TestMergeNoAncestor(t *testing.T) {
	db := newDB(t)
	ours := storeTree(t, db, map[string]string{"bar": barOID})
	theirs := storeTree(t, db, map[string]string{"baz": bazOID})

	merged, err := Merge(db, nil, &ours, &theirs, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"bar", "baz"}, merged.Keys())
}

func TestMergeConflictingAdds(t *testing.T) {
	db := newDB(t)
	ancestor := storeTree(t, db, map[string]string{"foo": barOID})
	ours := storeTree(t, db, map[string]string{"foo": barOID, "new": barOID})
	theirs := storeTree(t, db, map[string]string{"foo": barOID, "new": bazOID})

	_, err := Merge(db, &ancestor, &ours, &theirs, nil)
	var merr *MergeError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, []string{"new"}, merr.Paths)
}

func TestMergeDisallowedOp(t *testing.T) {
	db := newDB(t)
	ancestor := storeTree(t, db, map[string]string{"foo": barOID, "bar": barOID})
	ours := storeTree(t, db, map[string]string{"foo": barOID, "new": bazOID})     // removed bar, added new
	theirs := storeTree(t, db, map[string]string{"foo": bazOID, "bar": barOID})   // modified foo

	_, err := Merge(db, &ancestor, &ours, &theirs, nil)
	var merr *MergeError
	require.ErrorAs(t, err, &merr)
	require.NotEmpty(t, merr.Op)

	// Allowing every edit kind makes the same merge succeed.
	merged, err := Merge(db, &ancestor, &ours, &theirs, []string{"add", "remove", "modify"})
	require.NoError(t, err)
	require.Equal(t, []string{"foo", "new"}, merged.Keys())

	e, _ := merged.Get("foo")
	require.Equal(t, bazOID, e.Hash.Value)
}

package object

import "datastash/internal/fs"

// Node is a built snapshot element: either a plain Object or a
// directory manifest (tree.Tree). Implementations expose the HashInfo
// identifying their content.
type Node interface {
	Info() HashInfo
}

// Object is a located blob: content bytes addressable at Path on FS,
// identified by Hash. Constructed on demand by a store and never
// mutated afterwards.
type Object struct {
	Path string
	FS   fs.FS
	Hash HashInfo
}

func (o Object) Info() HashInfo {
	return o.Hash
}

// OID returns the object id string, including any directory suffix.
func (o Object) OID() string {
	return o.Hash.Value
}

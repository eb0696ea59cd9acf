package object

// Meta carries descriptive, non-identity attributes of an entry. Meta
// never participates in content digests: two files with identical bytes
// but different mtimes share the same HashInfo.
type Meta struct {
	Size   int64 `json:"size,omitempty"`
	NFiles int64 `json:"nfiles,omitempty"`
	IsExec bool  `json:"isexec,omitempty"`
	IsDir  bool  `json:"-"`

	// Cloud-storage provenance, when the entry was built from a remote
	// backend.
	VersionID string `json:"-"`
	ETag      string `json:"-"`
	Checksum  string `json:"-"`

	// Local fingerprint only; never persisted into manifests.
	Inode uint64 `json:"-"`
	Mtime int64  `json:"-"` // nanoseconds
}

package vdb

import (
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Bucket names mirror the relational-store schema of spec §4.3: packages,
// contents, deps, preserved_libs, world, journal. Each top-level bucket is
// created eagerly on Open, matching newBoltCache's eager-db-open idiom in
// the teacher's source_cache_bolt.go.
var (
	bucketPackages      = []byte("packages")
	bucketContents      = []byte("contents")
	bucketPathIndex     = []byte("path_index") // path -> pkg id, the file_owner() index
	bucketDeps          = []byte("deps")
	bucketReverseDeps   = []byte("reverse_deps") // pkg id -> set of dependent pkg ids
	bucketPreservedLibs = []byte("preserved_libs")
	bucketWorld         = []byte("world")
	bucketJournal       = []byte("journal")

	topLevelBuckets = [][]byte{
		bucketPackages, bucketContents, bucketPathIndex, bucketDeps,
		bucketReverseDeps, bucketPreservedLibs, bucketWorld, bucketJournal,
	}
)

// encodeJSON and decodeJSON are the encode/decode helpers referenced in
// DESIGN.md, playing the role of cacheEncodeUnpairedVersion/
// cacheDecodeUnpairedVersion in the teacher's bolt cache: every non-trivial
// value stored in a bucket passes through one of these two.
func encodeJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "encode vdb record")
}

func decodeJSON(b []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(b, v), "decode vdb record")
}

// nestedBucket creates (or opens) the child bucket name under parent,
// following the same CreateBucketIfNotExists chaining the teacher's
// updateRevBucket/updateSourceBucket use for composite keys such as
// contents[pkg_id] or deps[pkg_id][class].
func nestedBucket(parent *bolt.Bucket, name []byte) (*bolt.Bucket, error) {
	b, err := parent.CreateBucketIfNotExists(name)
	return b, errors.Wrapf(err, "bucket %q", name)
}

func pkgKey(id interface{ String() string }) []byte {
	return []byte(id.String())
}

package vdb

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/theckman/go-flock"
	bolt "go.etcd.io/bbolt"

	"github.com/buckos/buckos/internal/atom"
)

// Store is the embedded VDB (spec §4.3). It owns a bbolt file plus an OS
// file lock on the database directory so that two processes never run
// transactions concurrently (spec §5), the same separation of concerns as
// the teacher's boltCache (db handle) versus its callers (process-level
// coordination).
type Store struct {
	db     *bolt.DB
	lock   *flock.Flock
	logger *log.Logger
}

// Open opens (creating if absent) the VDB at dir/packages.db, acquiring the
// cross-process exclusive lock described in spec §5. logger may be nil, in
// which case a logger discarding all output is used, following
// newBoltCache(cd, epoch, logger *log.Logger)'s injected-logger idiom.
func Open(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create vdb directory: %s", dir)
	}

	lockPath := filepath.Join(dir, ".lock")
	fl := flock.NewFlock(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring vdb lock")
	}
	if !locked {
		return nil, errors.Errorf("vdb at %s is locked by another process", dir)
	}

	dbPath := filepath.Join(dir, "packages.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fl.Unlock()
		return nil, errors.Wrapf(err, "failed to open VDB file %q", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "bucket %q", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}

	return &Store{db: db, lock: fl, logger: logger}, nil
}

// Close releases the bbolt file and the cross-process lock.
func (s *Store) Close() error {
	dbErr := s.db.Close()
	lockErr := s.lock.Unlock()
	if dbErr != nil {
		return errors.Wrap(dbErr, "closing vdb")
	}
	return errors.Wrap(lockErr, "releasing vdb lock")
}

// Get returns the installed record for qn, optionally constrained to slot
// (empty slot matches any), or (nil, false) if not installed.
func (s *Store) Get(qn atom.QualifiedName, slot string) (*Record, bool) {
	var found *Record
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := decodeJSON(v, &r); err != nil {
				s.logger.Println(errors.Wrapf(err, "decoding package record %q", k))
				return nil
			}
			if r.ID.Name != qn {
				return nil
			}
			if slot != "" && r.Slot.Slot != slot {
				return nil
			}
			found = &r
			return nil
		})
	})
	return found, found != nil
}

// ListInstalled returns every installed record, ordered by package id for
// deterministic iteration (spec §4.3's list_installed()).
func (s *Store) ListInstalled() ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := decodeJSON(v, &r); err != nil {
				return errors.Wrapf(err, "decoding package record %q", k)
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

// FileOwner returns the package id owning path, or (zero, false). Backed by
// the path_index bucket, an O(log n) lookup (spec §4.3).
func (s *Store) FileOwner(path string) (atom.PackageID, bool) {
	var id atom.PackageID
	var ok bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPathIndex)
		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}
		parsed, err := atom.ParsePackageID(string(v))
		if err != nil {
			return nil
		}
		id, ok = parsed, true
		return nil
	})
	return id, ok
}

// ReverseDeps returns the set of installed package ids whose RDEPEND,
// PDEPEND, or IDEPEND matches id, maintained incrementally on every commit
// (spec §4.3).
func (s *Store) ReverseDeps(id atom.PackageID) ([]atom.PackageID, error) {
	var out []atom.PackageID
	err := s.db.View(func(tx *bolt.Tx) error {
		rd := tx.Bucket(bucketReverseDeps)
		b := rd.Bucket(pkgKey(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			parsed, err := atom.ParsePackageID(string(k))
			if err != nil {
				return nil
			}
			out = append(out, parsed)
			return nil
		})
	})
	return out, err
}

// PreservedLibs returns every currently-preserved shared library record
// (spec §4.3, §4.7).
func (s *Store) PreservedLibs() ([]PreservedLib, error) {
	var out []PreservedLib
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreservedLibs)
		return b.ForEach(func(k, v []byte) error {
			var pl PreservedLib
			if err := decodeJSON(v, &pl); err != nil {
				return errors.Wrapf(err, "decoding preserved lib %q", k)
			}
			out = append(out, pl)
			return nil
		})
	})
	return out, err
}

// World returns the user-selected top-level atoms (spec §3's world set).
func (s *Store) World() ([]*atom.Atom, error) {
	var out []*atom.Atom
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorld)
		return b.ForEach(func(k, _ []byte) error {
			a, err := atom.ParseAtom(string(k))
			if err != nil {
				return errors.Wrapf(err, "parsing world atom %q", k)
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// rdependLikeClasses are the classes that populate reverse_deps and feed the
// world-set reachability computation for depclean (spec §3: "Depclean
// targets are installed packages not reachable from selected via RDEPEND ∪
// PDEPEND ∪ IDEPEND").
var rdependLikeClasses = []atom.DepClass{atom.DepRun, atom.DepPost, atom.DepInstall}

package vdb

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/buckos/buckos/internal/atom"
)

// Mutator exposes the bucket-level write operations the transaction engine
// (internal/txn) performs inside a single bbolt transaction, so that every
// VDB invariant (spec §4.3: unique file ownership, reverse-dep index
// maintained incrementally) is enforced in one place regardless of which
// caller is writing.
type Mutator struct {
	tx *bolt.Tx
}

// Update runs fn inside a single read-write bbolt transaction. The
// transaction engine calls this once per commit step so that a step's
// mutations are all-or-nothing at the storage layer (spec §4.4).
func (s *Store) Update(fn func(*Mutator) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Mutator{tx: tx})
	})
}

// View runs fn inside a read-only bbolt transaction, used by the resolver
// and catalog to take a consistent installed-set snapshot (spec §5).
func (s *Store) View(fn func(*bolt.Tx) error) error {
	return s.db.View(fn)
}

// PutPackage writes (or overwrites) rec, updating the contents/path-index
// and reverse-dependency buckets to match. Callers (the transaction engine)
// must have already performed the collision check (spec §4.4 step 3); this
// method enforces invariant (a) by refusing a path already owned by a
// different package.
func (m *Mutator) PutPackage(rec *Record) error {
	key := pkgKey(rec.ID)

	packages := m.tx.Bucket(bucketPackages)
	encoded, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	pathIndex := m.tx.Bucket(bucketPathIndex)
	for _, ce := range rec.Contents {
		if ce.Kind != ContentFile {
			continue
		}
		if existing := pathIndex.Get([]byte(ce.Path)); existing != nil && string(existing) != rec.ID.String() {
			return errors.Errorf("path %q already owned by %s", ce.Path, existing)
		}
	}
	for _, ce := range rec.Contents {
		if ce.Kind != ContentFile {
			continue
		}
		if err := pathIndex.Put([]byte(ce.Path), []byte(rec.ID.String())); err != nil {
			return errors.Wrap(err, "updating path index")
		}
	}

	contents := m.tx.Bucket(bucketContents)
	cb, err := nestedBucket(contents, key)
	if err != nil {
		return err
	}
	encodedContents, err := encodeJSON(rec.Contents)
	if err != nil {
		return err
	}
	if err := cb.Put([]byte("contents"), encodedContents); err != nil {
		return errors.Wrap(err, "writing contents bucket")
	}

	if _, err := nestedBucket(m.tx.Bucket(bucketDeps), key); err != nil {
		return err
	}
	for _, class := range rdependLikeClasses {
		if err := m.addReverseDeps(rec.ID, class, rec.Dep(class)); err != nil {
			return err
		}
	}

	if err := packages.Put(key, encoded); err != nil {
		return errors.Wrap(err, "writing package record")
	}
	return nil
}

// addReverseDeps walks expr's atoms and, for each that resolves against an
// already-installed package, adds dependent as that package's reverse
// dependency.
func (m *Mutator) addReverseDeps(dependent atom.PackageID, class atom.DepClass, expr *atom.Expr) error {
	if expr == nil {
		return nil
	}
	packages := m.tx.Bucket(bucketPackages)
	rd := m.tx.Bucket(bucketReverseDeps)
	for _, a := range expr.Atoms() {
		if a.Block != atom.BlockNone {
			continue
		}
		if err := packages.ForEach(func(k, v []byte) error {
			var r Record
			if err := decodeJSON(v, &r); err != nil {
				return nil
			}
			if !a.Matches(r.ID, r.Slot, r.EffectiveUse) {
				return nil
			}
			b, err := nestedBucket(rd, pkgKey(r.ID))
			if err != nil {
				return err
			}
			return b.Put(pkgKey(dependent), []byte{1})
		}); err != nil {
			return err
		}
	}
	return nil
}

// RemovePackage deletes rec's rows from every bucket, including its entries
// in other packages' reverse-dependency buckets.
func (m *Mutator) RemovePackage(id atom.PackageID) error {
	key := pkgKey(id)
	packages := m.tx.Bucket(bucketPackages)
	raw := packages.Get(key)
	if raw == nil {
		return nil
	}
	var rec Record
	if err := decodeJSON(raw, &rec); err != nil {
		return err
	}

	pathIndex := m.tx.Bucket(bucketPathIndex)
	for _, ce := range rec.Contents {
		if ce.Kind != ContentFile {
			continue
		}
		if owner := pathIndex.Get([]byte(ce.Path)); owner != nil && string(owner) == id.String() {
			if err := pathIndex.Delete([]byte(ce.Path)); err != nil {
				return errors.Wrap(err, "clearing path index")
			}
		}
	}

	contents := m.tx.Bucket(bucketContents)
	if contents.Bucket(key) != nil {
		if err := contents.DeleteBucket(key); err != nil {
			return errors.Wrap(err, "deleting contents bucket")
		}
	}
	deps := m.tx.Bucket(bucketDeps)
	if deps.Bucket(key) != nil {
		if err := deps.DeleteBucket(key); err != nil {
			return errors.Wrap(err, "deleting deps bucket")
		}
	}

	rd := m.tx.Bucket(bucketReverseDeps)
	if rd.Bucket(key) != nil {
		if err := rd.DeleteBucket(key); err != nil {
			return errors.Wrap(err, "deleting reverse-dep bucket")
		}
	}
	// remove id as a consumer from every other package's reverse-dep bucket.
	if err := rd.ForEach(func(k, _ []byte) error {
		sub := rd.Bucket(k)
		if sub == nil {
			return nil
		}
		return sub.Delete(key)
	}); err != nil {
		return err
	}

	return packages.Delete(key)
}

// PutPreservedLib inserts or updates a preserved-library record (spec §4.7).
func (m *Mutator) PutPreservedLib(pl PreservedLib) error {
	b := m.tx.Bucket(bucketPreservedLibs)
	encoded, err := encodeJSON(pl)
	if err != nil {
		return err
	}
	return errors.Wrap(b.Put([]byte(pl.Path), encoded), "writing preserved lib")
}

// RemovePreservedLib deletes a preserved-library record once its consumer
// list has emptied (spec §3's preserved-libs lifecycle).
func (m *Mutator) RemovePreservedLib(path string) error {
	b := m.tx.Bucket(bucketPreservedLibs)
	return errors.Wrap(b.Delete([]byte(path)), "removing preserved lib")
}

// PutWorldAtom adds atom a to the world set (spec §3).
func (m *Mutator) PutWorldAtom(a *atom.Atom) error {
	b := m.tx.Bucket(bucketWorld)
	return errors.Wrap(b.Put([]byte(a.String()), []byte{1}), "writing world atom")
}

// RemoveWorldAtom removes atom a from the world set.
func (m *Mutator) RemoveWorldAtom(a *atom.Atom) error {
	b := m.tx.Bucket(bucketWorld)
	return errors.Wrap(b.Delete([]byte(a.String())), "removing world atom")
}

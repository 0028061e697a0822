// Package cache implements the content-addressed distfile and build-artifact
// caches (spec §4.6): atomic fetch-then-verify-then-publish, declared-hash
// checksum verification, RESTRICT="fetch"/"mirror" handling, and LRU garbage
// collection with pinning. Grounded on the teacher's hash.go (digest
// computation over a fixed algorithm set) and source_cache_bolt.go's
// atomic-publish idiom (write to a temp path, rename into place), plus
// internal/fs.go's renameWithFallback for the cross-device-safe publish.
package cache

import (
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/buckos/buckos/internal/fsutil"
)

// Entry describes one published distfile cache entry (spec §3's "Distfile
// cache entry: created on successful fetch+verify; immutable until GC").
type Entry struct {
	Filename   string
	Size       int64
	Path       string
	AccessedAt time.Time
	Pinned     bool
}

// Cache is the content-addressed distfile store rooted at Dir
// (<root>/var/cache/<vendor>/distfiles/ per spec §6).
type Cache struct {
	Dir string
}

// Open returns a Cache rooted at dir, creating it if absent.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating distfile cache dir %s", dir)
	}
	return &Cache{Dir: dir}, nil
}

func (c *Cache) path(filename string) string {
	return filepath.Join(c.Dir, filename)
}

// Has reports whether filename is already present, without verifying its
// hash (a cheap existence check used before deciding to fetch at all --
// spec §4.6's RESTRICT="fetch" must be satisfiable entirely from what is
// already on disk).
func (c *Cache) Has(filename string) bool {
	_, err := os.Stat(c.path(filename))
	return err == nil
}

// Touch records an access against filename by bumping its mtime, which
// List/GC treat as the access time. Many distfile mounts run with noatime,
// so tracking LRU order on mtime-on-access is the only portable option
// without a sidecar index. Verify does not call it; a caller that consults
// a distfile calls Touch itself.
func (c *Cache) Touch(filename string) error {
	now := time.Now()
	return os.Chtimes(c.path(filename), now, now)
}

// Verify checks the file at filename against the declared per-algorithm
// hex digests (spec §4.6: "Verification uses the hash declared in the
// repository manifest (blake2b or sha512 per EAPI)"). An empty hashes map
// always fails verification -- a distfile with no declared checksum can
// never be trusted.
func (c *Cache) Verify(filename string, hashes map[string]string) error {
	if len(hashes) == 0 {
		return errors.Errorf("distfile %q has no declared checksum", filename)
	}
	f, err := os.Open(c.path(filename))
	if err != nil {
		return errors.Wrapf(err, "opening cached distfile %q", filename)
	}
	defer f.Close()

	hashers := make(map[string]hash.Hash, len(hashes))
	var writers []io.Writer
	for alg := range hashes {
		h, err := newHasher(alg)
		if err != nil {
			return err
		}
		hashers[alg] = h
		writers = append(writers, h)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return errors.Wrapf(err, "hashing distfile %q", filename)
	}
	for alg, want := range hashes {
		got := hex.EncodeToString(hashers[alg].Sum(nil))
		if got != want {
			return errors.Errorf("distfile %q: %s mismatch: want %s got %s", filename, alg, want, got)
		}
	}
	return nil
}

func newHasher(alg string) (hash.Hash, error) {
	switch alg {
	case "SHA512", "sha512":
		return sha512.New(), nil
	case "BLAKE2B", "blake2b":
		h, err := blake2b.New512(nil)
		if err != nil {
			return nil, errors.Wrap(err, "constructing blake2b hasher")
		}
		return h, nil
	default:
		return nil, errors.Errorf("unsupported checksum algorithm %q", alg)
	}
}

// Publish atomically installs src (typically a freshly-fetched temp file)
// as filename, verifying it first. If verification fails the temp file is
// left untouched for the caller to remove -- Publish never partially
// installs a bad distfile (spec §4.6's "Atomic install via temp file +
// rename").
func (c *Cache) Publish(src, filename string, hashes map[string]string) error {
	tmp := c.path(filename) + ".part"
	if err := fsutil.CopyFile(src, tmp); err != nil {
		return errors.Wrapf(err, "staging distfile %q", filename)
	}

	// Verify the staged copy, not src, so the published file and the
	// verified bytes are provably the same inode.
	staged := &Cache{Dir: filepath.Dir(tmp)}
	if err := staged.Verify(filepath.Base(tmp), hashes); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := fsutil.RenameWithFallback(tmp, c.path(filename)); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "publishing distfile %q", filename)
	}
	return nil
}

// List enumerates every published entry, newest-access-first is not
// assumed here -- callers needing LRU order use GC, which sorts
// explicitly.
func (c *Cache) List() ([]Entry, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing distfile cache %s", c.Dir)
	}
	var out []Entry
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) == ".part" {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Filename:   de.Name(),
			Size:       fi.Size(),
			Path:       filepath.Join(c.Dir, de.Name()),
			AccessedAt: fi.ModTime(),
		})
	}
	return out, nil
}

// GC evicts least-recently-accessed entries until the total cache size is
// at or below sizeCapBytes, skipping any filename present in pinned (spec
// §4.6: "LRU by access time with a size cap; referenced entries (present
// in current plan or world) pinned").
func (c *Cache) GC(sizeCapBytes int64, pinned map[string]bool) ([]string, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AccessedAt.Before(entries[j].AccessedAt) })

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	var evicted []string
	for _, e := range entries {
		if total <= sizeCapBytes {
			break
		}
		if pinned[e.Filename] {
			continue
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return evicted, errors.Wrapf(err, "evicting distfile %q", e.Filename)
		}
		total -= e.Size
		evicted = append(evicted, e.Filename)
	}
	return evicted, nil
}

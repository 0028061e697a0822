package catalog

import (
	"sort"
	"sync"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/repository"
)

// MetaCache memoizes parseMeta results by RawMetadata.SourceHash so that
// repeated Load calls over an unchanged repository snapshot (e.g. across
// successive resolver invocations in one process) skip re-parsing
// unchanged entries, per spec §4.1's "cache results under a content hash
// of the source". It is purely an in-process memoization layer; persisting
// it under <root>/var/cache/buckos/meta/ is left to whatever process wraps
// LoadCached and chooses a serialization format, which is a deployment
// concern rather than a catalog one.
type MetaCache struct {
	mu     sync.Mutex
	byHash map[string]*PackageMeta
}

// NewMetaCache returns an empty cache.
func NewMetaCache() *MetaCache {
	return &MetaCache{byHash: make(map[string]*PackageMeta)}
}

// LoadCached behaves like Load but consults and populates cache by content
// hash, parsing only entries not already cached. Masking is always
// recomputed against cfg, since ConfigView may differ between calls even
// when the underlying metadata hasn't changed.
func LoadCached(cache *MetaCache, raws []repository.RawMetadata, cfg config.ConfigView) (*Catalog, []error) {
	c := &Catalog{
		byName: make(map[atom.QualifiedName][]*PackageMeta),
		byID:   make(map[atom.PackageID]*PackageMeta),
		masked: make(map[atom.PackageID]string),
		cfg:    cfg,
	}
	var errs []error

	cache.mu.Lock()
	for _, raw := range raws {
		meta, ok := cache.byHash[raw.SourceHash]
		if !ok {
			var err error
			meta, err = parseMeta(raw)
			if err != nil {
				errs = append(errs, &CatalogError{Kind: "InvalidPackage", Pkg: raw.ID.String(), Err: err})
				continue
			}
			cache.byHash[raw.SourceHash] = meta
		}
		c.byName[meta.ID.Name] = append(c.byName[meta.ID.Name], meta)
		c.byID[meta.ID] = meta
	}
	cache.mu.Unlock()

	for _, versions := range c.byName {
		sort.Slice(versions, func(i, j int) bool { return versions[i].ID.Less(versions[j].ID) })
	}
	for id, meta := range c.byID {
		if reason, masked := c.computeMask(meta); masked {
			c.masked[id] = reason
		}
	}
	return c, errs
}

// Package catalog indexes a repository snapshot into the candidate package
// versions the resolver consumes (spec §4.1). It parses each version's raw
// metadata into dependency-expression trees, applies EAPI feature gating,
// and computes masking (package.mask/unmask, keyword and license
// acceptance, profile-level masks).
package catalog

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/repository"
)

// PackageMeta is one version's fully-parsed metadata, the structure the
// resolver and everything downstream consumes. It is produced once per
// content hash and cached (spec §4.1), never by sourcing an ebuild itself
// (spec §9).
type PackageMeta struct {
	ID          atom.PackageID
	Slot        atom.Slot
	EAPI        string
	IUSE        []atom.IUSEFlag
	RequiredUse *atom.Expr
	Depend      *atom.Expr
	BDepend     *atom.Expr
	RDepend     *atom.Expr
	PDepend     *atom.Expr
	IDepend     *atom.Expr
	Keywords    []string
	License     string
	Restrict    []string
	SrcURI      []repository.SrcURIEntry
	SourceHash  string
}

// Dep returns the parsed expression for one dependency class.
func (m *PackageMeta) Dep(class atom.DepClass) *atom.Expr {
	switch class {
	case atom.DepBuild:
		return m.Depend
	case atom.DepHostBuild:
		return m.BDepend
	case atom.DepRun:
		return m.RDepend
	case atom.DepPost:
		return m.PDepend
	case atom.DepInstall:
		return m.IDepend
	}
	return nil
}

// CatalogError reports a single package's load failure; per spec §4.1/§7 it
// never aborts the rest of the load.
type CatalogError struct {
	Kind string // "InvalidPackage" (also used for an unsupported EAPI)
	Pkg  string
	Err  error
}

func (e *CatalogError) Error() string {
	return "catalog: " + e.Kind + " " + e.Pkg + ": " + e.Err.Error()
}

func (e *CatalogError) Unwrap() error { return e.Err }

// Catalog is the in-memory index of candidate versions, keyed by qualified
// name, newest first, along with their masking state.
type Catalog struct {
	mu      sync.RWMutex
	byName  map[atom.QualifiedName][]*PackageMeta
	byID    map[atom.PackageID]*PackageMeta
	masked  map[atom.PackageID]string // reason, absent if not masked
	cfg     config.ConfigView
}

// Load parses every raw metadata entry from the snapshot, applies EAPI
// gating, and computes masking against cfg. Per-package parse failures are
// returned alongside a non-nil Catalog built from everything that did
// parse (spec §4.1: "does not abort load").
func Load(raws []repository.RawMetadata, cfg config.ConfigView) (*Catalog, []error) {
	c := &Catalog{
		byName: make(map[atom.QualifiedName][]*PackageMeta),
		byID:   make(map[atom.PackageID]*PackageMeta),
		masked: make(map[atom.PackageID]string),
		cfg:    cfg,
	}
	var errs []error

	for _, raw := range raws {
		meta, err := parseMeta(raw)
		if err != nil {
			errs = append(errs, &CatalogError{Kind: "InvalidPackage", Pkg: raw.ID.String(), Err: err})
			continue
		}
		c.byName[meta.ID.Name] = append(c.byName[meta.ID.Name], meta)
		c.byID[meta.ID] = meta
	}

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

func parseMeta(raw repository.RawMetadata) (*PackageMeta, error) {
	feat, ok := eapiFeatures[raw.EAPI]
	if !ok {
		return nil, errors.Errorf("unsupported EAPI %q", raw.EAPI)
	}

	m := &PackageMeta{
		ID:         raw.ID,
		Slot:       atom.Slot{Slot: raw.Slot, Subslot: raw.Subslot},
		EAPI:       raw.EAPI,
		IUSE:       raw.IUSE,
		Keywords:   raw.Keywords,
		License:    raw.License,
		Restrict:   raw.Restrict,
		SrcURI:     raw.SrcURI,
		SourceHash: raw.SourceHash,
	}
	if m.Slot.Subslot != "" && !feat.subslots {
		return nil, errors.Errorf("EAPI %q does not support subslots", raw.EAPI)
	}

	var err error
	if m.RequiredUse, err = parseOptionalRequiredUse(raw.RequiredUse); err != nil {
		return nil, errors.Wrap(err, "REQUIRED_USE")
	}
	if m.RequiredUse != nil && usesAtMostOne(m.RequiredUse) && !feat.requiredUseAtMostOne {
		return nil, errors.Errorf("EAPI %q does not support REQUIRED_USE '??' groups", raw.EAPI)
	}
	if m.Depend, err = parseOptionalDepExpr(raw.Depend); err != nil {
		return nil, errors.Wrap(err, "DEPEND")
	}
	if m.RDepend, err = parseOptionalDepExpr(raw.RDepend); err != nil {
		return nil, errors.Wrap(err, "RDEPEND")
	}
	if m.PDepend, err = parseOptionalDepExpr(raw.PDepend); err != nil {
		return nil, errors.Wrap(err, "PDEPEND")
	}
	if raw.BDepend != "" {
		if !feat.bdepend {
			return nil, errors.Errorf("EAPI %q does not support BDEPEND", raw.EAPI)
		}
		if m.BDepend, err = parseOptionalDepExpr(raw.BDepend); err != nil {
			return nil, errors.Wrap(err, "BDEPEND")
		}
	}
	if raw.IDepend != "" {
		if !feat.idepend {
			return nil, errors.Errorf("EAPI %q does not support IDEPEND", raw.EAPI)
		}
		if m.IDepend, err = parseOptionalDepExpr(raw.IDepend); err != nil {
			return nil, errors.Wrap(err, "IDEPEND")
		}
	}

	for _, dep := range []*atom.Expr{m.Depend, m.BDepend, m.RDepend, m.PDepend, m.IDepend} {
		for _, a := range dep.Atoms() {
			if a.SlotOp != atom.SlotOpNone && !feat.slotOperators {
				return nil, errors.Errorf("EAPI %q does not support slot operators", raw.EAPI)
			}
		}
	}

	return m, nil
}

func parseOptionalDepExpr(s string) (*atom.Expr, error) {
	if s == "" {
		return &atom.Expr{Kind: atom.NodeAllOf}, nil
	}
	return atom.ParseDepExpr(s)
}

func parseOptionalRequiredUse(s string) (*atom.Expr, error) {
	if s == "" {
		return &atom.Expr{Kind: atom.NodeAllOf}, nil
	}
	return atom.ParseRequiredUseExpr(s)
}

func usesAtMostOne(e *atom.Expr) bool {
	if e == nil {
		return false
	}
	if e.Kind == atom.NodeAtMostOneOf {
		return true
	}
	for _, c := range e.Children {
		if usesAtMostOne(c) {
			return true
		}
	}
	return false
}

// Get returns the parsed metadata for id, if indexed.
func (c *Catalog) Get(id atom.PackageID) (*PackageMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	return m, ok
}

// Candidates returns ids for qn, newest first, excluding masked versions
// (spec §4.1).
func (c *Catalog) Candidates(qn atom.QualifiedName) []atom.PackageID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []atom.PackageID
	for _, m := range c.byName[qn] {
		if _, masked := c.masked[m.ID]; masked {
			continue
		}
		out = append(out, m.ID)
	}
	return out
}

// AllCandidates returns every version indexed for qn regardless of mask
// state, newest first -- used by autounmask to compute what would become
// available if a mask were lifted.
func (c *Catalog) AllCandidates(qn atom.QualifiedName) []atom.PackageID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]atom.PackageID, len(c.byName[qn]))
	for i, m := range c.byName[qn] {
		out[i] = m.ID
	}
	return out
}

// IsMasked reports whether id is masked, and why.
func (c *Catalog) IsMasked(id atom.PackageID) (reason string, masked bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reason, masked = c.masked[id]
	return reason, masked
}

// ResolveVirtuals expands a virtual/ qualified name to its provider
// candidates, taken from the any-of group at the root of the virtual's
// RDEPEND (the conventional shape of a virtual ebuild).
func (c *Catalog) ResolveVirtuals(qn atom.QualifiedName) []atom.QualifiedName {
	if qn.Category != "virtual" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[atom.QualifiedName]bool)
	var out []atom.QualifiedName
	for _, m := range c.byName[qn] {
		collectVirtualProviders(m.RDepend, seen, &out)
	}
	return out
}

func collectVirtualProviders(e *atom.Expr, seen map[atom.QualifiedName]bool, out *[]atom.QualifiedName) {
	if e == nil {
		return
	}
	if e.Kind == atom.NodeAtom {
		if !seen[e.Atom.Name] {
			seen[e.Atom.Name] = true
			*out = append(*out, e.Atom.Name)
		}
		return
	}
	for _, c := range e.Children {
		collectVirtualProviders(c, seen, out)
	}
}

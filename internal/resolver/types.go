// Package resolver implements the SAT-based dependency resolver (spec
// §4.2): it encodes the package-selection problem as CNF over candidate
// versions (each candidate's USE is fixed before encoding, and REQUIRED_USE
// is checked per candidate rather than encoded), solves with go-air/gini's CDCL
// engine, and produces a Plan. Grounded on the teacher's solver.go/
// selection.go for the overall backtracking shape (a queue of unresolved
// atoms and a selection of chosen versions), with the satisfiability core
// itself delegated to gini rather than hand-rolled (DESIGN.md).
package resolver

import (
	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/catalog"
)

// Request is the resolver's input: target atoms plus the option set spec
// §4.2 names (deep, newuse, emptytree, oneshot).
type Request struct {
	Targets   []*atom.Atom
	Deep      bool
	NewUse    bool
	EmptyTree bool
	Oneshot   bool
}

// InstallAction is one planned install (spec §4.2's Plan.installs entry).
type InstallAction struct {
	ID            atom.PackageID
	EffectiveUse  map[string]bool
	RebuildReason string // "", "subslot-rebuild", "use-change", "cycle-break: <description>"
	// SubslotsConsumed records, for every ":=" dependency atom resolved for
	// this install, the subslot of the candidate that satisfied it (spec
	// §3) -- carried into vdb.Record.SubslotsConsumed at merge time so a
	// later upgrade of that dependency can detect the subslot changed.
	SubslotsConsumed map[atom.QualifiedName]string
}

// OrderStep is one entry of Plan.order: a build-then-runtime-respecting
// topological sequence of build/merge/remove steps.
type OrderStep struct {
	ID     atom.PackageID
	Action string // "build", "merge", "remove"
}

// FetchRequirement pairs a planned install with the SRC_URI entries it
// needs fetched (spec §4.2's Plan.fetch_requirements).
type FetchRequirement struct {
	ID             atom.PackageID
	Fetch          []SrcURIEntry
	RestrictFetch  bool // RESTRICT="fetch": never auto-fetch, the user must place the file
	RestrictMirror bool // RESTRICT="mirror": fetch only from the upstream URI, never a mirror
}

// SrcURIEntry mirrors repository.SrcURIEntry without importing the
// repository package, keeping resolver's dependency surface to
// atom+catalog only.
type SrcURIEntry struct {
	URI      string
	Filename string
	Size     int64
	Hashes   map[string]string
}

// AutounmaskChange is one proposed (never applied -- spec §4.2) adjustment
// that would make a selected version installable.
type AutounmaskChange struct {
	ID     atom.PackageID
	Kind   string // "keyword", "mask"
	Detail string // e.g. "~amd64" for "keyword", the mask reason for "mask"
}

// Plan is the resolver's output (spec §4.2).
type Plan struct {
	Installs          []InstallAction
	Removes           []atom.PackageID
	Order             []OrderStep
	AutounmaskChanges []AutounmaskChange
	FetchRequirements []FetchRequirement
}

// candidate is one universe entry: either a catalog PackageMeta or an
// installed-only pseudo-candidate (for a version no longer indexed by the
// catalog, so "keep installed" remains expressible even after the
// repository snapshot moved on).
type candidate struct {
	id           atom.PackageID
	slot         atom.Slot
	meta         *catalog.PackageMeta // nil for installed-only pseudo-candidates
	installedUse map[string]bool      // recorded USE, used when meta == nil
	fromInstall  bool                 // true if this candidate is (or was) installed
}

func (c *candidate) dep(class atom.DepClass) *atom.Expr {
	if c.meta != nil {
		return c.meta.Dep(class)
	}
	return nil
}

func (c *candidate) requiredUse() *atom.Expr {
	if c.meta != nil {
		return c.meta.RequiredUse
	}
	return nil
}

func (c *candidate) iuse() []atom.IUSEFlag {
	if c.meta != nil {
		return c.meta.IUSE
	}
	return nil
}

package resolver

import (
	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/vdb"
)

// universe holds every candidate the encoder will build variables for, plus
// the precomputed effective-USE and REQUIRED_USE feasibility that collapse
// USE-flag selection to a deterministic step ahead of the SAT solve (see
// DESIGN.md's note on why USE flags are precomputed rather than left as
// free SAT variables: Portage's own masking/forcing algorithm is already
// fully deterministic given a ConfigView, so the only thing that genuinely
// needs solving is package selection and REQUIRED_USE feasibility).
type universe struct {
	cat             *catalog.Catalog
	cfg             config.ConfigView
	store           *vdb.Store // optional; enables the ":=" subslot-rebuild seeding pass below
	byQName         map[atom.QualifiedName][]*candidate
	byID            map[atom.PackageID]*candidate
	installed       map[atom.QualifiedName]*vdb.Record // by qname, most recent slot wins if multiple
	installedBySlot map[atom.Slot]*vdb.Record
}

func buildUniverse(cat *catalog.Catalog, cfg config.ConfigView, store *vdb.Store, installed []*vdb.Record, targets []*atom.Atom) (*universe, []error) {
	u := &universe{
		cat:             cat,
		cfg:             cfg,
		store:           store,
		byQName:         make(map[atom.QualifiedName][]*candidate),
		byID:            make(map[atom.PackageID]*candidate),
		installed:       make(map[atom.QualifiedName]*vdb.Record),
		installedBySlot: make(map[atom.Slot]*vdb.Record),
	}
	for _, r := range installed {
		u.installed[r.ID.Name] = r
		u.installedBySlot[r.Slot] = r
	}

	var errs []error
	seen := make(map[atom.QualifiedName]bool)
	var queue []atom.QualifiedName
	for _, t := range targets {
		queue = append(queue, expandVirtual(cat, t.Name)...)
	}
	drain := func() {
		for len(queue) > 0 {
			qn := queue[0]
			queue = queue[1:]
			if seen[qn] {
				continue
			}
			seen[qn] = true

			more, qerrs := u.indexQName(qn)
			errs = append(errs, qerrs...)
			queue = append(queue, more...)
		}
	}
	drain()

	// spec §4.2's ":=" rebuild clause: pull in installed packages that
	// recorded a ":=" dependency on a qname already in the universe whose
	// candidates include a subslot bump, so the solver can also consider
	// rebuilding them. Needs a second BFS pass since only now, after the
	// first drain, is every reachable qname's candidate set known.
	if store != nil {
		queue = append(queue, u.slotRebuildDependents(seen)...)
		drain()
	}
	return u, errs
}

// slotRebuildDependents scans every already-discovered qname for a
// candidate whose subslot differs from the currently installed one, and
// for each such qname returns the qualified names of every installed
// package that depends on it through RDEPEND, PDEPEND or IDEPEND, via the
// VDB's incremental reverse-dependency index (spec §4.3). Whether that
// dependency used ":=" is not checked here; subslotRebuilds does that.
func (u *universe) slotRebuildDependents(seen map[atom.QualifiedName]bool) []atom.QualifiedName {
	var out []atom.QualifiedName
	for qn := range seen {
		rec, ok := u.installed[qn]
		if !ok || !u.hasSubslotBump(qn, rec.Slot.Subslot) {
			continue
		}
		deps, err := u.store.ReverseDeps(rec.ID)
		if err != nil {
			continue
		}
		for _, depID := range deps {
			if !seen[depID.Name] {
				out = append(out, depID.Name)
			}
		}
	}
	return out
}

// hasSubslotBump reports whether qn has at least one universe candidate
// whose subslot differs from installedSubslot -- a necessary condition for
// an upgrade to trigger a ":=" rebuild in a dependent.
func (u *universe) hasSubslotBump(qn atom.QualifiedName, installedSubslot string) bool {
	for _, c := range u.byQName[qn] {
		if c.slot.Subslot != "" && c.slot.Subslot != installedSubslot {
			return true
		}
	}
	return false
}

// expandVirtual resolves a virtual/ qualified name to its providers, or
// returns qn unchanged if it is not a virtual (spec §4.1's resolve_virtuals).
func expandVirtual(cat *catalog.Catalog, qn atom.QualifiedName) []atom.QualifiedName {
	if qn.Category != "virtual" {
		return []atom.QualifiedName{qn}
	}
	providers := cat.ResolveVirtuals(qn)
	if len(providers) == 0 {
		return []atom.QualifiedName{qn}
	}
	return providers
}

// indexQName adds every feasible, non-masked candidate for qn to the
// universe, plus an installed-only pseudo-candidate if the installed
// version is no longer indexed by the catalog. It returns the qualified
// names reachable from those candidates' dependency expressions, for the
// caller's BFS closure.
func (u *universe) indexQName(qn atom.QualifiedName) ([]atom.QualifiedName, []error) {
	var errs []error
	var next []atom.QualifiedName

	haveInstalledCandidate := false
	for _, id := range u.cat.Candidates(qn) {
		meta, ok := u.cat.Get(id)
		if !ok {
			continue
		}
		eff := u.effectiveUse(meta)
		if meta.RequiredUse != nil && !atom.EvalRequiredUse(meta.RequiredUse, eff) {
			errs = append(errs, &RequiredUseInfeasible{ID: id})
			continue
		}
		c := &candidate{id: id, slot: meta.Slot, meta: meta}
		u.add(c)
		if rec, ok := u.installed[qn]; ok && rec.ID == id {
			haveInstalledCandidate = true
		}
		next = append(next, depQNames(meta)...)
	}

	if rec, ok := u.installed[qn]; ok && !haveInstalledCandidate {
		// the installed version has fallen out of the catalog's candidate
		// list (masked, removed upstream, ...) -- still offer it as a
		// pseudo-candidate so "keep installed" stays expressible.
		c := &candidate{id: rec.ID, slot: rec.Slot, installedUse: rec.EffectiveUse, fromInstall: true}
		u.add(c)
		next = append(next, depQNamesFromExprs(rec.Depend, rec.BDepend, rec.RDepend, rec.PDepend, rec.IDepend)...)
	}

	return next, errs
}

func (u *universe) add(c *candidate) {
	if c.fromInstall {
		// mark it so later lookups (e.g. "is this the installed version")
		// work even though it carries no catalog meta.
	}
	u.byQName[c.id.Name] = append(u.byQName[c.id.Name], c)
	u.byID[c.id] = c
}

// effectiveUse computes m's effective USE set from the ConfigView layering
// (profile default via IUSE, global USE, per-package overrides, masks,
// forces -- spec §3, §9).
func (u *universe) effectiveUse(m *catalog.PackageMeta) map[string]bool {
	mc := u.cfg.MakeConf()
	layers := []atom.UseLayer{
		{Name: "global", Tokens: tokensOf(mc["USE"])},
		{Name: "package", Tokens: u.cfg.PackageUseTokens(m.ID.Name)},
	}
	masks := config.MergeIncremental(u.cfg.UseMask(), u.cfg.PackageUseMask(m.ID.Name))
	forces := config.MergeIncremental(u.cfg.UseForce(), u.cfg.PackageUseForce(m.ID.Name))
	return atom.EffectiveUse(m.IUSE, layers, masks, forces)
}

func tokensOf(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func depQNames(m *catalog.PackageMeta) []atom.QualifiedName {
	return depQNamesFromExprs(m.Depend, m.BDepend, m.RDepend, m.PDepend, m.IDepend)
}

func depQNamesFromExprs(exprs ...*atom.Expr) []atom.QualifiedName {
	var out []atom.QualifiedName
	for _, e := range exprs {
		for _, a := range e.Atoms() {
			out = append(out, a.Name)
		}
	}
	return out
}

// useOf returns c's effective USE set, whichever of the two sources it came
// from.
func (u *universe) useOf(c *candidate) map[string]bool {
	if c.meta != nil {
		return u.effectiveUse(c.meta)
	}
	return c.installedUse
}

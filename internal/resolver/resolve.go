package resolver

import (
	"sort"

	"github.com/go-air/gini/z"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/vdb"
)

// Resolver ties a Catalog and the installed set together to answer Resolve
// requests (spec §4.2). It holds no mutable state between calls -- every
// Resolve builds a fresh universe/encoder, matching the Catalog's own
// purity invariant (spec §8 invariant 6) and the teacher's pattern of
// constructing a fresh solver per solve() call.
type Resolver struct {
	cat   *catalog.Catalog
	cfg   config.ConfigView
	store *vdb.Store // optional: enables the ":=" subslot-rebuild pass below; nil skips it
}

// New returns a Resolver over cat/cfg. store is used for the reverse-
// dependency lookups the ":=" slot-operator rebuild clause needs (spec
// §4.2); pass nil to resolve without that pass (e.g. in tests that don't
// exercise it).
func New(cat *catalog.Catalog, cfg config.ConfigView, store *vdb.Store) *Resolver {
	return &Resolver{cat: cat, cfg: cfg, store: store}
}

// Resolve computes a Plan satisfying req against the current installed set
// (spec §4.2).
func (r *Resolver) Resolve(installed []*vdb.Record, req Request) (*Plan, error) {
	u, _ := buildUniverse(r.cat, r.cfg, r.store, installed, req.Targets)

	enc := newEncoder(u)
	if err := enc.encode(req.Targets); err != nil {
		if uns, ok := err.(*Unsatisfiable); ok {
			uns.Core = append(uns.Core, autounmaskCoreLines(suggestAutounmask(r.cat, req.Targets))...)
		}
		return nil, err
	}
	if !enc.c.solve() {
		changes := suggestAutounmask(r.cat, req.Targets)
		return nil, &Unsatisfiable{Core: autounmaskCoreLines(changes)}
	}

	optimize(enc, u, installed, req)

	installedByID := make(map[atom.PackageID]bool, len(installed))
	installedByQName := make(map[atom.QualifiedName]*vdb.Record, len(installed))
	for _, rec := range installed {
		installedByID[rec.ID] = true
		installedByQName[rec.ID.Name] = rec
	}

	selected := make(map[atom.PackageID]*candidate)
	for id, lit := range enc.selVar {
		if enc.c.value(lit) {
			selected[id] = u.byID[id]
		}
	}

	reasons, err := breakCycles(selected, func(id atom.PackageID) bool { return installedByID[id] })
	if err != nil {
		return nil, err
	}
	rebuilds := r.subslotRebuilds(selected, installed)

	plan := &Plan{}
	for id, cand := range selected {
		rec, wasInstalled := installedByQName[id.Name]
		changedUse := false
		if wasInstalled && rec.ID == id && req.NewUse {
			changedUse = !useEqual(rec.EffectiveUse, u.useOf(cand))
		}
		forcedRebuild := rebuilds[id]
		if wasInstalled && rec.ID == id && !changedUse && !forcedRebuild {
			continue // unchanged, not a plan entry
		}
		reason := reasons[id]
		if reason == "" && forcedRebuild {
			reason = "subslot-rebuild"
		}
		if reason == "" && changedUse {
			reason = "use-change"
		}
		plan.Installs = append(plan.Installs, InstallAction{
			ID:               id,
			EffectiveUse:     u.useOf(cand),
			RebuildReason:    reason,
			SubslotsConsumed: subslotsConsumed(cand, u, selected),
		})
		if cand.meta != nil {
			plan.FetchRequirements = append(plan.FetchRequirements, FetchRequirement{
				ID:             id,
				Fetch:          srcURIEntries(cand.meta),
				RestrictFetch:  hasRestrict(cand.meta.Restrict, "fetch"),
				RestrictMirror: hasRestrict(cand.meta.Restrict, "mirror"),
			})
		}
	}
	sort.Slice(plan.Installs, func(i, j int) bool { return plan.Installs[i].ID.Less(plan.Installs[j].ID) })

	for _, rec := range installed {
		if sel, ok := selected[rec.ID]; ok && sel != nil {
			continue
		}
		plan.Removes = append(plan.Removes, rec.ID)
	}
	sort.Slice(plan.Removes, func(i, j int) bool { return plan.Removes[i].Less(plan.Removes[j]) })

	plan.Order = order(plan, selected)
	return plan, nil
}

// subslotRebuilds implements spec §4.2's ":=" rebuild clause: for every
// installed package whose newly selected candidate's subslot differs from
// the one it was installed with, find installed dependents that recorded a
// ":=" dependency on it (spec §3's Record.SubslotsConsumed) at a different
// subslot than the new one, and mark them for a forced rebuild.
func (r *Resolver) subslotRebuilds(selected map[atom.PackageID]*candidate, installed []*vdb.Record) map[atom.PackageID]bool {
	out := make(map[atom.PackageID]bool)
	if r.store == nil {
		return out
	}
	// Index the winning candidate per (qname, slot): an upgrade keeps the
	// slot but changes the version (and id), so the replacement for rec
	// must be found by slot, not by rec.ID.
	winnerBySlot := make(map[atom.QualifiedName]map[string]*candidate)
	for _, cand := range selected {
		if cand == nil {
			continue
		}
		m := winnerBySlot[cand.id.Name]
		if m == nil {
			m = make(map[string]*candidate)
			winnerBySlot[cand.id.Name] = m
		}
		m[cand.slot.Slot] = cand
	}
	byID := make(map[atom.PackageID]*vdb.Record, len(installed))
	for _, rec := range installed {
		byID[rec.ID] = rec
	}
	for _, rec := range installed {
		cand := winnerBySlot[rec.ID.Name][rec.Slot.Slot]
		if cand == nil {
			continue
		}
		newSubslot := cand.slot.Subslot
		if newSubslot == "" || newSubslot == rec.Slot.Subslot {
			continue
		}
		deps, err := r.store.ReverseDeps(rec.ID)
		if err != nil {
			continue
		}
		for _, depID := range deps {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			if built, ok := dep.SubslotsConsumed[rec.ID.Name]; ok && built != newSubslot {
				out[depID] = true
			}
		}
	}
	return out
}

// subslotsConsumed records, for every ":=" dependency atom in cand's
// dependency expressions, the subslot of whichever candidate satisfies it
// in this solve -- the built-against subslot spec §3's SubslotsConsumed
// tracks, read back on a future resolve by subslotRebuilds above.
func subslotsConsumed(cand *candidate, u *universe, selected map[atom.PackageID]*candidate) map[atom.QualifiedName]string {
	var out map[atom.QualifiedName]string
	for _, class := range []atom.DepClass{atom.DepBuild, atom.DepHostBuild, atom.DepRun, atom.DepPost, atom.DepInstall} {
		expr := cand.dep(class)
		if expr == nil {
			continue
		}
		for _, a := range expr.Atoms() {
			if a.SlotOp != atom.SlotOpRebuild {
				continue
			}
			for _, dc := range u.byQName[a.Name] {
				if _, ok := selected[dc.id]; !ok {
					continue
				}
				if out == nil {
					out = make(map[atom.QualifiedName]string)
				}
				out[a.Name] = dc.slot.Subslot
				break
			}
		}
	}
	return out
}

func useEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return true // unknown recorded state; don't force a rebuild on absence of data
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func srcURIEntries(m *catalog.PackageMeta) []SrcURIEntry {
	out := make([]SrcURIEntry, len(m.SrcURI))
	for i, s := range m.SrcURI {
		out[i] = SrcURIEntry{URI: s.URI, Filename: s.Filename, Size: s.Size, Hashes: s.Hashes}
	}
	return out
}

func hasRestrict(restrict []string, token string) bool {
	for _, r := range restrict {
		if r == token {
			return true
		}
	}
	return false
}

func autounmaskCoreLines(changes []AutounmaskChange) []string {
	var out []string
	for _, c := range changes {
		out = append(out, "autounmask: "+c.ID.String()+" needs "+c.Kind+" "+c.Detail)
	}
	return out
}

// optimize applies the post-pass tie-break of spec §4.2: prefer no
// downgrades and maximal agreement with the installed set, then prefer
// newest versions for anything newly installed. Implemented as successive
// re-solves under tightened assumptions (gini's incremental Assume/Solve),
// each kept only if it doesn't make the problem unsatisfiable -- the
// "post-pass that re-solves under successively tighter constraints" option
// spec §4.2 offers as an alternative to soft-clause weighting.
func optimize(enc *encoder, u *universe, installed []*vdb.Record, req Request) {
	if req.EmptyTree {
		return
	}
	installedByID := make(map[atom.PackageID]bool, len(installed))
	for _, rec := range installed {
		installedByID[rec.ID] = true
	}

	var kept []z.Lit
	tryAdd := func(l z.Lit) {
		trial := append(append([]z.Lit{}, kept...), l)
		enc.c.g.Assume(trial...)
		if enc.c.g.Solve() == 1 {
			kept = trial
		}
	}

	// Tier 1+2: prefer keeping every installed candidate selected (no
	// downgrades, maximum agreement with the installed set).
	for id, lit := range enc.selVar {
		if installedByID[id] {
			tryAdd(lit)
		}
	}

	// Tier 3: for qualified names with no installed member at all, prefer
	// the newest candidate.
	for _, ids := range u.groups(enc) {
		if anyInstalled(ids, installedByID) {
			continue
		}
		newest := newestOf(ids)
		if (newest == atom.PackageID{}) {
			continue
		}
		tryAdd(enc.selVar[newest])
	}

	// Re-solve once more with the accumulated kept assumptions so that
	// enc.c.value() reflects the optimized assignment, not whatever
	// intermediate trial Solve() last left behind.
	enc.c.g.Assume(kept...)
	enc.c.g.Solve()
}

func anyInstalled(ids []atom.PackageID, installedByID map[atom.PackageID]bool) bool {
	for _, id := range ids {
		if installedByID[id] {
			return true
		}
	}
	return false
}

func newestOf(ids []atom.PackageID) atom.PackageID {
	var best atom.PackageID
	first := true
	for _, id := range ids {
		if first || best.Less(id) {
			best = id
			first = false
		}
	}
	return best
}

func (u *universe) groups(enc *encoder) [][]atom.PackageID {
	out := make([][]atom.PackageID, 0, len(enc.groups))
	for _, ids := range enc.groups {
		out = append(out, ids)
	}
	return out
}

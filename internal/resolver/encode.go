package resolver

import (
	"github.com/go-air/gini/z"

	"github.com/buckos/buckos/internal/atom"
)

// encoder builds the CNF for one solve attempt over a fixed universe (spec
// §4.2). Every Resolve call builds a fresh one, mirroring the teacher's
// solver.go creating a fresh selection/unselected state per solve attempt
// rather than mutating one long-lived structure. Autounmask suggestions are
// only reported; no second encoder is built to retry with them.
type encoder struct {
	c      *cnf
	u      *universe
	selVar map[atom.PackageID]z.Lit
	groups map[groupKey][]atom.PackageID
}

type groupKey struct {
	name atom.QualifiedName
	slot string
}

func newEncoder(u *universe) *encoder {
	e := &encoder{
		c:      newCNF(),
		u:      u,
		selVar: make(map[atom.PackageID]z.Lit),
		groups: make(map[groupKey][]atom.PackageID),
	}
	for qn, cands := range u.byQName {
		for _, cand := range cands {
			e.selVar[cand.id] = e.c.newVar().Pos()
			gk := groupKey{name: qn, slot: cand.slot.Slot}
			e.groups[gk] = append(e.groups[gk], cand.id)
		}
	}
	return e
}

// encode asserts the slot at-most-one groups, every candidate's compiled
// dependency expressions (gated on its own selection), and the given
// targets. It does not run the solver; the caller calls c.solve()
// afterwards. A non-nil error reports a problem found while encoding.
func (e *encoder) encode(targets []*atom.Atom) error {
	for _, ids := range e.groups {
		lits := make([]z.Lit, len(ids))
		for i, id := range ids {
			lits[i] = e.selVar[id]
		}
		e.c.atMostOne(lits)
	}

	for _, cand := range e.u.byID {
		sv := e.selVar[cand.id]
		use := e.u.useOf(cand)
		for _, class := range []atom.DepClass{atom.DepBuild, atom.DepHostBuild, atom.DepRun, atom.DepPost, atom.DepInstall} {
			expr := cand.dep(class)
			if expr == nil {
				continue
			}
			flat := simplifyUseConditionals(expr, use)
			lit := e.compileExpr(flat)
			e.c.implies(sv, lit)
		}
	}

	for _, t := range targets {
		matches := e.matchingCandidates(t)
		if len(matches) == 0 {
			return &Unsatisfiable{Core: []string{"no candidate satisfies target " + t.String()}}
		}
		lits := make([]z.Lit, len(matches))
		for i, id := range matches {
			lits[i] = e.selVar[id]
		}
		e.c.atLeastOne(lits)
	}
	return nil
}

// matchingCandidates returns every universe candidate id that a (non-
// blocker) atom admits, given each candidate's precomputed effective USE.
func (e *encoder) matchingCandidates(a *atom.Atom) []atom.PackageID {
	var out []atom.PackageID
	for _, cand := range e.u.byQName[a.Name] {
		if a.Matches(cand.id, cand.slot, e.u.useOf(cand)) {
			out = append(out, cand.id)
		}
	}
	return out
}

// compileExpr turns a (use-conditional-free) dependency expression into a
// literal true exactly when the expression is satisfied by the current
// selection (spec §4.2's CNF rules for all-of/any-of/^^/??; blockers are
// handled as the leaf case).
func (e *encoder) compileExpr(expr *atom.Expr) z.Lit {
	if expr == nil || expr.Kind == atom.NodeAllOf && len(expr.Children) == 0 {
		aux := e.c.newVar().Pos()
		e.c.unit(aux)
		return aux
	}
	switch expr.Kind {
	case atom.NodeAtom:
		return e.compileAtomLeaf(expr.Atom)
	case atom.NodeAllOf:
		lits := make([]z.Lit, len(expr.Children))
		for i, c := range expr.Children {
			lits[i] = e.compileExpr(c)
		}
		return e.c.andLit(lits...)
	case atom.NodeAnyOf:
		lits := make([]z.Lit, len(expr.Children))
		for i, c := range expr.Children {
			lits[i] = e.compileExpr(c)
		}
		return e.c.orLit(lits...)
	case atom.NodeExactlyOneOf, atom.NodeAtMostOneOf:
		// Asserted directly as a hard constraint over the group's children
		// (spec §4.2); nesting a ^^/?? result inside a further group is rare
		// in practice and is approximated here as always-true once asserted,
		// per DESIGN.md's documented simplification.
		lits := make([]z.Lit, len(expr.Children))
		for i, c := range expr.Children {
			lits[i] = e.compileExpr(c)
		}
		e.c.atMostOne(lits)
		if expr.Kind == atom.NodeExactlyOneOf {
			e.c.atLeastOne(lits)
		}
		aux := e.c.newVar().Pos()
		e.c.unit(aux)
		return aux
	case atom.NodeUseCond:
		// Should have been eliminated by simplifyUseConditionals; fall back
		// to treating an un-simplified conditional as unconditionally true
		// rather than silently dropping the requirement.
		lits := make([]z.Lit, len(expr.Children))
		for i, c := range expr.Children {
			lits[i] = e.compileExpr(c)
		}
		return e.c.andLit(lits...)
	}
	aux := e.c.newVar().Pos()
	e.c.unit(aux)
	return aux
}

func (e *encoder) compileAtomLeaf(a *atom.Atom) z.Lit {
	matches := e.matchingCandidates(a)
	lits := make([]z.Lit, len(matches))
	for i, id := range matches {
		lits[i] = e.selVar[id]
	}
	if a.Block == atom.BlockNone {
		return e.c.orLit(lits...)
	}
	// Blocker: satisfied iff none of the matching candidates are selected.
	// If the match set is empty the blocker is trivially satisfied.
	if len(lits) == 0 {
		aux := e.c.newVar().Pos()
		e.c.unit(aux)
		return aux
	}
	neg := make([]z.Lit, len(lits))
	for i, l := range lits {
		neg[i] = l.Neg()
	}
	return e.c.andLit(neg...)
}

// simplifyUseConditionals resolves every "flag? ( D )" / "!flag? ( D )" node
// against use (the owning package's deterministic effective USE, spec §3),
// collapsing it to D's flattened children when the gate holds and to an
// empty all-of group otherwise. USE is precomputed rather than solved, so
// this is a pure rewrite, not a SAT-level gate (DESIGN.md).
func simplifyUseConditionals(e *atom.Expr, use map[string]bool) *atom.Expr {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case atom.NodeAtom:
		return e
	case atom.NodeUseCond:
		gate := use[e.Flag]
		if e.Negate {
			gate = !gate
		}
		if !gate {
			return &atom.Expr{Kind: atom.NodeAllOf}
		}
		children := make([]*atom.Expr, len(e.Children))
		for i, c := range e.Children {
			children[i] = simplifyUseConditionals(c, use)
		}
		return &atom.Expr{Kind: atom.NodeAllOf, Children: children}
	default:
		children := make([]*atom.Expr, len(e.Children))
		for i, c := range e.Children {
			children[i] = simplifyUseConditionals(c, use)
		}
		return &atom.Expr{Kind: e.Kind, Flag: e.Flag, Negate: e.Negate, Children: children}
	}
}

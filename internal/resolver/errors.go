package resolver

import "github.com/buckos/buckos/internal/atom"

// Unsatisfiable reports that no satisfying assignment exists. Core holds
// human-readable lines: any the encoder attached, then one per autounmask
// change suggestAutounmask proposes for the targets. No unsatisfiable core
// is extracted from the solver, so when the solver itself reports UNSAT,
// Core lists only the autounmask lines.
type Unsatisfiable struct {
	Core []string
}

func (e *Unsatisfiable) Error() string {
	msg := "resolver: unsatisfiable"
	for _, c := range e.Core {
		msg += "\n  " + c
	}
	return msg
}

// AmbiguousAnyOf reports an "|| ( ... )" group where more than one
// candidate branch would satisfy the expression and the optimization
// tie-break could not uniquely prefer one (spec §4.2's failure set).
type AmbiguousAnyOf struct {
	Owner   atom.PackageID
	Options []string
}

func (e *AmbiguousAnyOf) Error() string {
	return "resolver: ambiguous any-of group in " + e.Owner.String()
}

// BlockerConflict reports a blocker that could not be resolved by removal
// or reordering.
type BlockerConflict struct {
	Blocker *atom.Atom
	Owner   atom.PackageID
	Target  atom.PackageID
}

func (e *BlockerConflict) Error() string {
	return "resolver: blocker " + e.Blocker.String() + " in " + e.Owner.String() + " conflicts with " + e.Target.String()
}

// UnbreakableCycle reports a DEPEND cycle the resolver could not break by
// any of the strategies in spec §4.2.
type UnbreakableCycle struct {
	Cycle []atom.PackageID
}

func (e *UnbreakableCycle) Error() string {
	msg := "resolver: unbreakable DEPEND cycle:"
	for _, id := range e.Cycle {
		msg += " " + id.String()
	}
	return msg
}

// RequiredUseInfeasible reports that one candidate fails its own
// REQUIRED_USE under its effective USE; that candidate is left out of the
// universe. Other USE assignments are not tried.
type RequiredUseInfeasible struct {
	ID atom.PackageID
}

func (e *RequiredUseInfeasible) Error() string {
	return "resolver: REQUIRED_USE infeasible for " + e.ID.String()
}

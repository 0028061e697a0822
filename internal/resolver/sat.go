package resolver

import (
	"github.com/go-air/gini"
	"github.com/go-air/gini/z"
)

// cnf wraps a gini.Gini instance with the variable-bookkeeping the encoder
// needs: every candidate package gets one boolean variable (plus Tseitin
// auxiliaries from orLit/andLit), and the encoder only ever talks to this
// type in terms of those variables, never raw gini literals (spec §4.2's CNF
// encoding). USE flags get no variables: each candidate's effective USE is
// computed before encoding and stays fixed for the solve.
//
// Grounded on the same "one struct hides the engine" shape the teacher uses
// for its own solver state in solver.go, but the satisfiability core itself
// is delegated to go-air/gini's CDCL implementation instead of a hand-rolled
// backtracker (DESIGN.md).
type cnf struct {
	g      *gini.Gini
	nextID int32
}

func newCNF() *cnf {
	return &cnf{g: gini.New(), nextID: 1}
}

// newVar allocates a fresh boolean variable.
func (c *cnf) newVar() z.Var {
	v := z.Var(c.nextID)
	c.nextID++
	return v
}

// clause adds one CNF clause: the disjunction of the given literals.
func (c *cnf) clause(lits ...z.Lit) {
	for _, m := range lits {
		c.g.Add(m)
	}
	c.g.Add(z.LitNull)
}

// unit asserts a single literal true.
func (c *cnf) unit(m z.Lit) {
	c.clause(m)
}

// atMostOne adds the pairwise at-most-one clauses over vs (spec §4.2: "an
// at-most-one clause across its candidates"). Quadratic but fine at the
// per-qualified-name candidate-list sizes this resolver deals with.
func (c *cnf) atMostOne(lits []z.Lit) {
	for i := 0; i < len(lits); i++ {
		for j := i + 1; j < len(lits); j++ {
			c.clause(lits[i].Neg(), lits[j].Neg())
		}
	}
}

// atLeastOne adds a single clause requiring one of lits to be true.
func (c *cnf) atLeastOne(lits []z.Lit) {
	if len(lits) == 0 {
		return
	}
	c.clause(lits...)
}

// implies adds "a -> b" as the clause (-a, b).
func (c *cnf) implies(a, b z.Lit) {
	c.clause(a.Neg(), b)
}

// impliesAll adds "a -> (b1 AND b2 AND ...)" as one implication per bi.
func (c *cnf) impliesAll(a z.Lit, bs []z.Lit) {
	for _, b := range bs {
		c.implies(a, b)
	}
}

// solve runs the CDCL engine, returning true on SAT. On SAT, values can be
// read back via value(); on UNSAT the caller reports Unsatisfiable without
// solving again.
func (c *cnf) solve() bool {
	return c.g.Solve() == 1
}

func (c *cnf) value(m z.Lit) bool {
	return c.g.Value(m)
}

// orLit returns a literal equivalent to the disjunction of lits, introducing
// a fresh Tseitin auxiliary variable when len(lits) != 1 (spec §4.2's
// any-of/blocker encoding).
func (c *cnf) orLit(lits ...z.Lit) z.Lit {
	if len(lits) == 1 {
		return lits[0]
	}
	if len(lits) == 0 {
		aux := c.newVar().Pos()
		c.unit(aux.Neg())
		return aux
	}
	aux := c.newVar().Pos()
	// aux -> (l1 or l2 or ...)
	c.clause(append([]z.Lit{aux.Neg()}, lits...)...)
	// (li -> aux) for each li
	for _, l := range lits {
		c.implies(l, aux)
	}
	return aux
}

// andLit returns a literal equivalent to the conjunction of lits.
func (c *cnf) andLit(lits ...z.Lit) z.Lit {
	if len(lits) == 1 {
		return lits[0]
	}
	if len(lits) == 0 {
		aux := c.newVar().Pos()
		c.unit(aux)
		return aux
	}
	aux := c.newVar().Pos()
	// (aux -> li) for each li
	for _, l := range lits {
		c.implies(aux, l)
	}
	// (l1 and l2 and ... -> aux), i.e. (-l1 or -l2 or ... or aux)
	neg := make([]z.Lit, 0, len(lits)+1)
	for _, l := range lits {
		neg = append(neg, l.Neg())
	}
	neg = append(neg, aux)
	c.clause(neg...)
	return aux
}

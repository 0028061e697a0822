package resolver

import "github.com/buckos/buckos/internal/atom"

// breakCycles finds strongly connected components in the DEPEND/BDEPEND
// build-graph among the selected ids and attempts to break each per spec
// §4.2's three strategies, returning the rebuild reasons to attach to plan
// entries. installed reports whether id is currently installed (strategy 2:
// "if a package is in the system set already installed, assume its
// installed form and schedule rebuild after the cycle").
func breakCycles(selected map[atom.PackageID]*candidate, installed func(atom.PackageID) bool) (map[atom.PackageID]string, error) {
	adj := buildGraph(selected)
	sccs := tarjanSCCs(adj)

	reasons := make(map[atom.PackageID]string)
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		if brokeOnUseConditional(selected, scc) {
			for _, id := range scc {
				reasons[id] = "cycle-break: USE-conditional edge disabled for first build"
			}
			continue
		}
		anyInstalled := false
		for _, id := range scc {
			if installed(id) {
				anyInstalled = true
				break
			}
		}
		if anyInstalled {
			for _, id := range scc {
				reasons[id] = "cycle-break: assumed installed form, rebuild scheduled"
			}
			continue
		}
		return nil, &UnbreakableCycle{Cycle: scc}
	}
	return reasons, nil
}

func buildGraph(selected map[atom.PackageID]*candidate) map[atom.PackageID][]atom.PackageID {
	byName := make(map[atom.QualifiedName][]atom.PackageID)
	for id := range selected {
		byName[id.Name] = append(byName[id.Name], id)
	}
	adj := make(map[atom.PackageID][]atom.PackageID)
	for id, cand := range selected {
		seen := make(map[atom.PackageID]bool)
		for _, class := range []atom.DepClass{atom.DepBuild, atom.DepHostBuild} {
			expr := cand.dep(class)
			if expr == nil {
				continue
			}
			for _, a := range expr.Atoms() {
				if a.Block != atom.BlockNone {
					continue
				}
				for _, dep := range byName[a.Name] {
					if dep != id && !seen[dep] {
						seen[dep] = true
						adj[id] = append(adj[id], dep)
					}
				}
			}
		}
	}
	return adj
}

// brokeOnUseConditional reports whether any member of scc has a
// USE-conditional edge into another scc member, per spec §4.2 strategy 1:
// "Finding a USE-conditional edge whose removal ... still satisfies
// REQUIRED_USE". Full REQUIRED_USE re-verification after the hypothetical
// toggle is out of scope for this heuristic; its presence is treated as
// sufficient grounds to attempt the break, with the affected package
// flagged for a follow-up rebuild (spec's "mark the affected package for a
// follow-up rebuild with the flag re-enabled").
func brokeOnUseConditional(selected map[atom.PackageID]*candidate, scc []atom.PackageID) bool {
	members := make(map[atom.QualifiedName]bool)
	for _, id := range scc {
		members[id.Name] = true
	}
	for _, id := range scc {
		cand := selected[id]
		for _, class := range []atom.DepClass{atom.DepBuild, atom.DepHostBuild} {
			if hasUseCondEdgeInto(cand.dep(class), members) {
				return true
			}
		}
	}
	return false
}

func hasUseCondEdgeInto(e *atom.Expr, members map[atom.QualifiedName]bool) bool {
	if e == nil {
		return false
	}
	if e.Kind == atom.NodeUseCond {
		for _, a := range e.Atoms() {
			if members[a.Name] {
				return true
			}
		}
	}
	for _, c := range e.Children {
		if hasUseCondEdgeInto(c, members) {
			return true
		}
	}
	return false
}

// tarjanSCCs computes the strongly connected components of adj in reverse
// topological order (the canonical Tarjan shape; grounded in the same
// "plain code, no framework" style as the rest of this package rather than
// reaching for a graph library, since the teacher and the rest of the pack
// have no graph-algorithm dependency to wire here either).
func tarjanSCCs(adj map[atom.PackageID][]atom.PackageID) [][]atom.PackageID {
	index := make(map[atom.PackageID]int)
	lowlink := make(map[atom.PackageID]int)
	onStack := make(map[atom.PackageID]bool)
	var stack []atom.PackageID
	var out [][]atom.PackageID
	counter := 0

	var nodes []atom.PackageID
	for n := range adj {
		nodes = append(nodes, n)
	}

	var strongconnect func(v atom.PackageID)
	strongconnect = func(v atom.PackageID) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, ok := index[w]; !ok {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
		}

		if lowlink[v] == index[v] {
			var scc []atom.PackageID
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			out = append(out, scc)
		}
	}

	for _, v := range nodes {
		if _, ok := index[v]; !ok {
			strongconnect(v)
		}
	}
	return out
}

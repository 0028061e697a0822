package resolver

import (
	"sort"

	"github.com/buckos/buckos/internal/atom"
)

// order produces Plan.order: a topological sequence of build/merge/remove
// steps respecting the build-then-runtime edges of spec §4.2 ("order:
// topological sequence respecting build-then-runtime edges") -- the same
// dependency shape the parallel executor's task graph uses (spec §4.5),
// collapsed here to a single serial sequence since the resolver itself
// doesn't schedule concurrency.
func order(plan *Plan, selected map[atom.PackageID]*candidate) []OrderStep {
	isInstall := make(map[atom.PackageID]bool, len(plan.Installs))
	for _, ia := range plan.Installs {
		isInstall[ia.ID] = true
	}

	byName := make(map[atom.QualifiedName][]atom.PackageID)
	for id := range selected {
		byName[id.Name] = append(byName[id.Name], id)
	}

	type key struct {
		id     atom.PackageID
		action string
	}
	// edges[x] lists x's prerequisites: steps that must precede x.
	edges := make(map[key][]key)
	addEdge := func(before, after key) { edges[after] = append(edges[after], before) }

	var nodes []key
	for _, ia := range plan.Installs {
		b := key{ia.ID, "build"}
		m := key{ia.ID, "merge"}
		nodes = append(nodes, b, m)
		addEdge(b, m) // build before merge

		cand := selected[ia.ID]
		for _, dep := range cand.dep(atom.DepBuild).Atoms() {
			for _, depID := range byName[dep.Name] {
				if isInstall[depID] && depID != ia.ID {
					addEdge(key{depID, "build"}, b)
				}
			}
		}
		for _, dep := range cand.dep(atom.DepHostBuild).Atoms() {
			for _, depID := range byName[dep.Name] {
				if !isInstall[depID] || depID == ia.ID {
					continue
				}
				addEdge(key{depID, "build"}, b)
				addEdge(key{depID, "merge"}, b)
			}
		}
		for _, class := range []atom.DepClass{atom.DepRun, atom.DepInstall} {
			for _, dep := range cand.dep(class).Atoms() {
				for _, depID := range byName[dep.Name] {
					if isInstall[depID] && depID != ia.ID {
						addEdge(key{depID, "merge"}, m)
					}
				}
			}
		}
	}

	sorted := topoSort(nodes, edges)

	out := make([]OrderStep, 0, len(sorted)+len(plan.Removes))
	for _, k := range sorted {
		out = append(out, OrderStep{ID: k.id, Action: k.action})
	}

	// Removes are serialized after the merges that replace them within the
	// same transaction step group (spec §4.4). A remove whose qualified name
	// has a corresponding install is placed right after that install's
	// merge; otherwise it's appended (e.g. a blocker-driven standalone
	// removal).
	mergeIndex := make(map[atom.QualifiedName]int)
	for i, s := range out {
		if s.Action == "merge" {
			mergeIndex[s.ID.Name] = i
		}
	}
	type pendingRemove struct {
		step OrderStep
		at   int
	}
	var pending []pendingRemove
	for _, id := range plan.Removes {
		if idx, ok := mergeIndex[id.Name]; ok {
			pending = append(pending, pendingRemove{OrderStep{ID: id, Action: "remove"}, idx + 1})
		} else {
			out = append(out, OrderStep{ID: id, Action: "remove"})
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].at < pending[j].at })
	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		out = append(out[:p.at], append([]OrderStep{p.step}, out[p.at:]...)...)
	}
	return out
}

func topoSort(nodes []struct {
	id     atom.PackageID
	action string
}, edges map[struct {
	id     atom.PackageID
	action string
}][]struct {
	id     atom.PackageID
	action string
}) []struct {
	id     atom.PackageID
	action string
} {
	type key = struct {
		id     atom.PackageID
		action string
	}
	visited := make(map[key]bool)
	inProgress := make(map[key]bool)
	var out []key

	var visit func(k key)
	visit = func(k key) {
		if visited[k] || inProgress[k] {
			return
		}
		inProgress[k] = true
		for _, dep := range edges[k] {
			visit(dep)
		}
		inProgress[k] = false
		visited[k] = true
		out = append(out, k)
	}
	for _, n := range nodes {
		visit(n)
	}
	return out
}

package executor

import (
	"context"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/resolver"
)

// stage names a task node's position in one package's fetch-build-merge
// pipeline, or a standalone removal (spec §4.5's "Each package in the plan
// has three task nodes: F (fetch), B (build), M (merge)").
type stage int

const (
	stageFetch stage = iota
	stageBuild
	stageMerge
	stageRemove
)

func (s stage) String() string {
	switch s {
	case stageFetch:
		return "fetch"
	case stageBuild:
		return "build"
	case stageMerge:
		return "merge"
	case stageRemove:
		return "remove"
	default:
		return "?"
	}
}

// nodeID identifies one task node: a package id plus its stage.
type nodeID struct {
	ID    atom.PackageID
	Stage stage
}

// node is one vertex of the executor's task graph: predecessors that must
// finish before it may run, and a channel closed on its own completion
// (success or failure) so dependents can unblock.
type node struct {
	id      nodeID
	preds   []nodeID
	done    chan struct{}
	failed  bool // set before done is closed, iff this node's task returned an error
}

// graph is the dependency-respecting task graph described in spec §4.5,
// built fresh per Plan the same way the resolver builds a fresh universe
// per Resolve call (no state carried between runs).
type graph struct {
	nodes map[nodeID]*node
	// topo is a deterministic build order (not itself the schedule -- the
	// executor launches one goroutine per node and lets preds/done
	// channels gate actual execution -- but a stable iteration order keeps
	// logs and tests reproducible).
	topo []nodeID
}

func newNode(id nodeID) *node {
	return &node{id: id, done: make(chan struct{})}
}

// buildGraph constructs the task graph for plan: F->B->M per package, plus
// the cross-package build/merge edges of spec §4.5, plus remove nodes
// serialized after the merge that replaces them.
func buildGraph(plan *resolver.Plan, cat *catalog.Catalog) *graph {
	g := &graph{nodes: make(map[nodeID]*node)}

	isInstall := make(map[atom.PackageID]bool, len(plan.Installs))
	for _, ia := range plan.Installs {
		isInstall[ia.ID] = true
	}
	byName := make(map[atom.QualifiedName][]atom.PackageID)
	for _, ia := range plan.Installs {
		byName[ia.ID.Name] = append(byName[ia.ID.Name], ia.ID)
	}

	get := func(id nodeID) *node {
		n, ok := g.nodes[id]
		if !ok {
			n = newNode(id)
			g.nodes[id] = n
			g.topo = append(g.topo, id)
		}
		return n
	}

	depOf := func(id atom.PackageID, class atom.DepClass) *atom.Expr {
		if meta, ok := cat.Get(id); ok {
			return meta.Dep(class)
		}
		return nil
	}

	for _, ia := range plan.Installs {
		f := nodeID{ia.ID, stageFetch}
		b := nodeID{ia.ID, stageBuild}
		m := nodeID{ia.ID, stageMerge}
		get(f)
		bn := get(b)
		mn := get(m)

		// F(p) -> B(p) always.
		bn.preds = append(bn.preds, f)
		// B(p) -> M(p) always.
		mn.preds = append(mn.preds, b)

		// B(q) -> B(p) for every q in DEPEND(p) u BDEPEND(p) that is also
		// in the plan and not already installed.
		for _, class := range []atom.DepClass{atom.DepBuild, atom.DepHostBuild} {
			for _, dep := range depOf(ia.ID, class).Atoms() {
				for _, depID := range byName[dep.Name] {
					if !isInstall[depID] || depID == ia.ID {
						continue
					}
					bn.preds = append(bn.preds, nodeID{depID, stageBuild})
				}
			}
		}
		// M(q) -> B(p) for every q in BDEPEND(p) that must be installed
		// for the build host to see it.
		for _, dep := range depOf(ia.ID, atom.DepHostBuild).Atoms() {
			for _, depID := range byName[dep.Name] {
				if !isInstall[depID] || depID == ia.ID {
					continue
				}
				bn.preds = append(bn.preds, nodeID{depID, stageMerge})
			}
		}
		// M(q) -> M(p) for every q in RDEPEND(p) u IDEPEND(p) that is in
		// the plan.
		for _, class := range []atom.DepClass{atom.DepRun, atom.DepInstall} {
			for _, dep := range depOf(ia.ID, class).Atoms() {
				for _, depID := range byName[dep.Name] {
					if !isInstall[depID] || depID == ia.ID {
						continue
					}
					mn.preds = append(mn.preds, nodeID{depID, stageMerge})
				}
			}
		}
	}

	// Removes are serialized after the merges that replace them within the
	// same transaction step group (spec §4.4/§4.5): a remove whose
	// qualified name has a corresponding install in this plan waits on
	// that install's merge; otherwise (a standalone removal, e.g. from a
	// blocker or depclean) it has no predecessor.
	for _, id := range plan.Removes {
		rn := get(nodeID{id, stageRemove})
		if replacers, ok := byName[id.Name]; ok {
			for _, r := range replacers {
				rn.preds = append(rn.preds, nodeID{r, stageMerge})
			}
		}
	}

	return g
}

// wait blocks until every predecessor of n has completed, returning an
// error (ctx's, or a synthesized "predecessor failed" error) if the run
// should not proceed. It never blocks past ctx's own cancellation.
func (g *graph) wait(ctx context.Context, n *node) error {
	for _, p := range n.preds {
		pn := g.nodes[p]
		select {
		case <-pn.done:
			if pn.failed {
				return &PredecessorFailedError{Pred: p.ID, Stage: p.Stage.String()}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// finish marks n complete, recording whether it failed, and unblocks every
// waiting dependent.
func (n *node) finish(err error) {
	n.failed = err != nil
	close(n.done)
}

// PredecessorFailedError reports that a task did not run because one of
// its graph predecessors failed (spec §4.5's cooperative cancellation: "no
// new build/fetch tasks start" once a peer has failed).
type PredecessorFailedError struct {
	Pred  atom.PackageID
	Stage string
}

func (e *PredecessorFailedError) Error() string {
	return "predecessor " + e.Stage + "(" + e.Pred.String() + ") failed"
}

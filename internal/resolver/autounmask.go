package resolver

import (
	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/catalog"
)

// suggestAutounmask proposes one adjustment for every masked catalog
// candidate that matches a target (never applied -- only proposed): Kind
// "keyword" with the candidate's first keyword when it has keywords, else
// Kind "mask" with the mask reason. The result is not reduced to a minimal
// set, targets that already have usable candidates get proposals too, and
// no USE changes are proposed.
func suggestAutounmask(cat *catalog.Catalog, targets []*atom.Atom) []AutounmaskChange {
	var out []AutounmaskChange
	for _, t := range targets {
		for _, id := range cat.AllCandidates(t.Name) {
			reason, masked := cat.IsMasked(id)
			if !masked {
				continue
			}
			meta, ok := cat.Get(id)
			if !ok || !t.Matches(id, meta.Slot, nil) {
				continue
			}
			if len(meta.Keywords) > 0 {
				out = append(out, AutounmaskChange{
					ID:     id,
					Kind:   "keyword",
					Detail: meta.Keywords[0],
				})
			} else {
				out = append(out, AutounmaskChange{ID: id, Kind: "mask", Detail: reason})
			}
		}
	}
	return out
}

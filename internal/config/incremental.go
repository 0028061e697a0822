package config

import "sort"

// MergeIncremental folds successive layers of whitespace-split tokens using
// the Portage incremental-variable rule (spec §6): a bare token adds itself
// to the set, a "-"-prefixed token removes the named token, and "-*"
// clears the set built up so far. Layers are applied in the given order
// (profile inheritance depth-first, then make.conf, then command line).
func MergeIncremental(layers ...[]string) []string {
	set := make(map[string]bool)
	for _, layer := range layers {
		for _, tok := range layer {
			switch {
			case tok == "-*":
				for k := range set {
					delete(set, k)
				}
			case len(tok) > 0 && tok[0] == '-':
				delete(set, tok[1:])
			case tok != "":
				set[tok] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether token is present in the incrementally-merged set
// produced by MergeIncremental(layers...). It builds that merged slice and
// scans it.
func Contains(token string, layers ...[]string) bool {
	merged := MergeIncremental(layers...)
	for _, t := range merged {
		if t == token {
			return true
		}
	}
	return false
}

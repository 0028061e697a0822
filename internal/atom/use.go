package atom

import (
	"sort"

	"github.com/pkg/errors"
)

// IUSEFlag is one entry of a package's IUSE declaration: a flag name plus
// its default sign (spec §3).
type IUSEFlag struct {
	Name    string
	Default bool // true for "+flag", false for "-flag" or bare "flag"
}

// UseLayer is one named source of USE-flag tokens in the layering order
// spec §3 describes: profile defaults, global USE, per-package overrides,
// command-line overrides, masks, forces. Tokens follow the Portage
// incremental-variable convention: a bare token enables a flag, a
// "-"-prefixed token disables it, and "-*" disables everything enabled so
// far, including flags enabled by earlier layers (each layer starts from the
// accumulated state of prior layers, per spec §3's "layering").
type UseLayer struct {
	Name   string
	Tokens []string
}

// EffectiveUse computes the effective USE set for a package given its IUSE
// declaration and the ordered layers profile->global->package->cmdline, then
// applies masks (flags forbidden) and forces (flags required), with masks
// overriding forces (spec §3, §9's masking algorithm).
func EffectiveUse(iuse []IUSEFlag, layers []UseLayer, masks, forces []string) map[string]bool {
	eff := make(map[string]bool, len(iuse))
	for _, f := range iuse {
		eff[f.Name] = f.Default
	}

	for _, layer := range layers {
		applyIncremental(eff, layer.Tokens)
	}

	forceSet := make(map[string]bool, len(forces))
	for _, f := range forces {
		forceSet[f] = true
	}
	maskSet := make(map[string]bool, len(masks))
	for _, f := range masks {
		maskSet[f] = true
	}
	for flag := range forceSet {
		if !maskSet[flag] {
			eff[flag] = true
		}
	}
	for flag := range maskSet {
		// masks override forces per the Gentoo masking algorithm (spec §3).
		eff[flag] = false
	}
	return eff
}

// applyIncremental folds one layer's tokens into set using the Portage
// incremental-variable rule: "-flag" removes flag, "-*" clears the set
// entirely, anything else enables the named flag.
func applyIncremental(set map[string]bool, tokens []string) {
	for _, tok := range tokens {
		switch {
		case tok == "-*":
			for k := range set {
				set[k] = false
			}
		case len(tok) > 0 && tok[0] == '-':
			set[tok[1:]] = false
		case tok != "":
			set[tok] = true
		}
	}
}

// EvalRequiredUse reports whether the REQUIRED_USE expression e is satisfied
// by the effective USE set. Nodes are interpreted as: all-of is AND,
// exactly-one-of is ^^, at-most-one-of is ??, use-conditional is an
// implication gated on e.Flag, and NodeAtom is reinterpreted as a bare or
// negated flag reference (spec §3: "REQUIRED_USE compiled analogously over
// the package's USE variables").
//
// Because REQUIRED_USE has no real atoms, bare flag references are encoded
// as the pseudo-atom produced by ParseRequiredUseExpr, whose Atom.Name
// carries the flag name as Category="use" and whose Block field marks
// negation.
func EvalRequiredUse(e *Expr, use map[string]bool) bool {
	if e == nil {
		return true
	}
	switch e.Kind {
	case NodeAtom:
		flag := e.Atom.Name.Name
		negate := e.Atom.Block != BlockNone
		v := use[flag]
		if negate {
			return !v
		}
		return v
	case NodeAllOf:
		for _, c := range e.Children {
			if !EvalRequiredUse(c, use) {
				return false
			}
		}
		return true
	case NodeAnyOf:
		for _, c := range e.Children {
			if EvalRequiredUse(c, use) {
				return true
			}
		}
		return len(e.Children) == 0
	case NodeExactlyOneOf:
		n := 0
		for _, c := range e.Children {
			if EvalRequiredUse(c, use) {
				n++
			}
		}
		return n == 1
	case NodeAtMostOneOf:
		n := 0
		for _, c := range e.Children {
			if EvalRequiredUse(c, use) {
				n++
			}
		}
		return n <= 1
	case NodeUseCond:
		gate := use[e.Flag]
		if e.Negate {
			gate = !gate
		}
		if !gate {
			return true
		}
		for _, c := range e.Children {
			if !EvalRequiredUse(c, use) {
				return false
			}
		}
		return true
	}
	return true
}

// ParseRequiredUseExpr parses a REQUIRED_USE string, e.g.
// "^^ ( a b ) foo? ( !bar )", into the same Expr tree ParseDepExpr produces,
// with bare/negated flag references represented as pseudo-atoms under the
// synthetic "use" category so EvalRequiredUse can interpret them uniformly.
func ParseRequiredUseExpr(s string) (*Expr, error) {
	toks := tokenizeDepExpr(s)
	p := &requiredUseParser{toks: toks}
	root, err := p.parseGroup()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errors.Errorf("unexpected trailing tokens in REQUIRED_USE %q", s)
	}
	return root, nil
}

type requiredUseParser struct {
	toks []string
	pos  int
}

func (p *requiredUseParser) peek() (string, bool) {
	if p.pos >= len(p.toks) {
		return "", false
	}
	return p.toks[p.pos], true
}

func (p *requiredUseParser) parseGroup() (*Expr, error) {
	var children []*Expr
	for {
		tok, ok := p.peek()
		if !ok || tok == ")" {
			break
		}
		child, err := p.parseElement()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return &Expr{Kind: NodeAllOf, Children: children}, nil
}

func (p *requiredUseParser) parseElement() (*Expr, error) {
	tok, _ := p.peek()
	switch {
	case tok == "||":
		p.pos++
		return p.parseParenGroup(NodeAnyOf, "")
	case tok == "^^":
		p.pos++
		return p.parseParenGroup(NodeExactlyOneOf, "")
	case tok == "??":
		p.pos++
		return p.parseParenGroup(NodeAtMostOneOf, "")
	case len(tok) > 0 && tok[len(tok)-1] == '?' && tok != "(" && tok != ")":
		p.pos++
		flag := tok[:len(tok)-1]
		negate := false
		if len(flag) > 0 && flag[0] == '!' {
			negate = true
			flag = flag[1:]
		}
		if flag == "" {
			return nil, errors.Errorf("empty flag in conditional token %q", tok)
		}
		group, err := p.parseParenGroup(NodeUseCond, flag)
		if err != nil {
			return nil, err
		}
		group.Negate = negate
		return group, nil
	case tok == "(" || tok == ")":
		return nil, errors.Errorf("unexpected %q", tok)
	default:
		p.pos++
		negate := false
		flag := tok
		if len(flag) > 0 && flag[0] == '!' {
			negate = true
			flag = flag[1:]
		}
		if flag == "" {
			return nil, errors.Errorf("empty flag reference")
		}
		block := BlockNone
		if negate {
			block = BlockSoft
		}
		return &Expr{Kind: NodeAtom, Atom: &Atom{
			Name:  QualifiedName{Category: "use", Name: flag},
			Block: block,
		}}, nil
	}
}

func (p *requiredUseParser) parseParenGroup(kind NodeKind, flag string) (*Expr, error) {
	open, ok := p.peek()
	if !ok || open != "(" {
		return nil, errors.Errorf("expected '(' after group operator")
	}
	p.pos++
	inner, err := p.parseGroup()
	if err != nil {
		return nil, err
	}
	closeTok, ok := p.peek()
	if !ok || closeTok != ")" {
		return nil, errors.Errorf("unterminated group, expected ')'")
	}
	p.pos++
	return &Expr{Kind: kind, Flag: flag, Children: inner.Children}, nil
}

// SortedFlagNames returns the keys of a USE set in deterministic order, used
// wherever diagnostics or plan output need a stable flag ordering.
func SortedFlagNames(use map[string]bool) []string {
	names := make([]string, 0, len(use))
	for k := range use {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

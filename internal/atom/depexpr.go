package atom

import (
	"strings"

	"github.com/pkg/errors"
)

// DepClass distinguishes the five dependency classes a package declares
// (spec §3). Each is parsed into the same expression tree.
type DepClass int

const (
	DepBuild DepClass = iota // DEPEND
	DepHostBuild              // BDEPEND
	DepRun                    // RDEPEND
	DepPost                   // PDEPEND
	DepInstall                // IDEPEND
)

func (c DepClass) String() string {
	switch c {
	case DepBuild:
		return "DEPEND"
	case DepHostBuild:
		return "BDEPEND"
	case DepRun:
		return "RDEPEND"
	case DepPost:
		return "PDEPEND"
	case DepInstall:
		return "IDEPEND"
	}
	return "UNKNOWN"
}

// NodeKind discriminates the Expr tree's node types (spec §3).
type NodeKind int

const (
	NodeAtom NodeKind = iota
	NodeAllOf
	NodeAnyOf       // || ( ... )
	NodeExactlyOneOf // ^^ ( ... )
	NodeAtMostOneOf  // ?? ( ... )
	NodeUseCond      // flag? ( ... ) / !flag? ( ... )
)

// Expr is one node of a dependency (or REQUIRED_USE) expression tree.
type Expr struct {
	Kind     NodeKind
	Atom     *Atom   // set iff Kind == NodeAtom
	Children []*Expr // set for group kinds
	Flag     string  // set iff Kind == NodeUseCond
	Negate   bool    // "!flag?" iff Kind == NodeUseCond
}

// ParseDepExpr parses a whitespace/parenthesis dependency expression, e.g.
//
//	foo/bar bar/baz? ( >=dev-lang/rust-1.80 ) || ( a/b c/d ) ^^ ( x/y x/z )
//
// into an Expr tree rooted at an implicit all-of group.
func ParseDepExpr(s string) (*Expr, error) {
	toks := tokenizeDepExpr(s)
	p := &depParser{toks: toks}
	root, err := p.parseGroup()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errors.Errorf("unexpected trailing tokens in dependency expression %q", s)
	}
	return root, nil
}

func tokenizeDepExpr(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '(' || r == ')':
			flush()
			toks = append(toks, string(r))
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

type depParser struct {
	toks []string
	pos  int
}

func (p *depParser) peek() (string, bool) {
	if p.pos >= len(p.toks) {
		return "", false
	}
	return p.toks[p.pos], true
}

// parseGroup parses a sequence of expression elements up to (but not
// consuming) a closing ")" or end of input, wrapping them in an all-of node.
func (p *depParser) parseGroup() (*Expr, error) {
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

func (p *depParser) parseElement() (*Expr, error) {
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
	case strings.HasSuffix(tok, "?"):
		p.pos++
		flag := strings.TrimSuffix(tok, "?")
		negate := false
		if strings.HasPrefix(flag, "!") {
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
		a, err := ParseAtom(tok)
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: NodeAtom, Atom: a}, nil
	}
}

func (p *depParser) parseParenGroup(kind NodeKind, flag string) (*Expr, error) {
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

// Atoms returns every atom leaf reachable from e, depth-first.
func (e *Expr) Atoms() []*Atom {
	if e == nil {
		return nil
	}
	if e.Kind == NodeAtom {
		return []*Atom{e.Atom}
	}
	var out []*Atom
	for _, c := range e.Children {
		out = append(out, c.Atoms()...)
	}
	return out
}

// String renders e back to the textual dependency-expression form.
func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case NodeAtom:
		return e.Atom.String()
	case NodeAllOf:
		parts := make([]string, len(e.Children))
		for i, c := range e.Children {
			parts[i] = c.String()
		}
		return strings.Join(parts, " ")
	case NodeAnyOf:
		return "|| ( " + childrenString(e.Children) + " )"
	case NodeExactlyOneOf:
		return "^^ ( " + childrenString(e.Children) + " )"
	case NodeAtMostOneOf:
		return "?? ( " + childrenString(e.Children) + " )"
	case NodeUseCond:
		prefix := e.Flag + "?"
		if e.Negate {
			prefix = "!" + prefix
		}
		return prefix + " ( " + childrenString(e.Children) + " )"
	}
	return ""
}

func childrenString(children []*Expr) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

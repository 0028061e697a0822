package atom

import "testing"

func TestParseDepExprBasic(t *testing.T) {
	e, err := ParseDepExpr("core/openssl >=dev-lang/rust-1.80.0")
	if err != nil {
		t.Fatal(err)
	}
	atoms := e.Atoms()
	if len(atoms) != 2 {
		t.Fatalf("expected 2 atoms, got %d", len(atoms))
	}
}

func TestParseDepExprGroups(t *testing.T) {
	e, err := ParseDepExpr("foo? ( >=dev-lang/rust-1.80 ) || ( a/b c/d ) ^^ ( x/y x/z ) ?? ( m/n o/p )")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Children) != 4 {
		t.Fatalf("expected 4 top-level children, got %d", len(e.Children))
	}
	if e.Children[0].Kind != NodeUseCond || e.Children[0].Flag != "foo" {
		t.Errorf("expected first child to be use-conditional on foo, got %+v", e.Children[0])
	}
	if e.Children[1].Kind != NodeAnyOf {
		t.Errorf("expected second child to be any-of")
	}
	if e.Children[2].Kind != NodeExactlyOneOf {
		t.Errorf("expected third child to be exactly-one-of")
	}
	if e.Children[3].Kind != NodeAtMostOneOf {
		t.Errorf("expected fourth child to be at-most-one-of")
	}
}

func TestParseDepExprNegatedConditional(t *testing.T) {
	e, err := ParseDepExpr("!foo? ( a/b )")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Children) != 1 || e.Children[0].Kind != NodeUseCond || !e.Children[0].Negate {
		t.Fatalf("expected one negated use-conditional child, got %+v", e.Children)
	}
}

func TestParseDepExprUnterminatedGroup(t *testing.T) {
	if _, err := ParseDepExpr("|| ( a/b"); err == nil {
		t.Errorf("expected error for unterminated group")
	}
}

func TestParseDepExprRoundTripAtomCount(t *testing.T) {
	src := "a/b c/d? ( e/f >=g/h-1.0 ) || ( i/j k/l )"
	e, err := ParseDepExpr(src)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := ParseDepExpr(e.String())
	if err != nil {
		t.Fatalf("re-parse %q: %v", e.String(), err)
	}
	if len(e2.Atoms()) != len(e.Atoms()) {
		t.Errorf("atom count changed across round trip: %d vs %d", len(e.Atoms()), len(e2.Atoms()))
	}
}

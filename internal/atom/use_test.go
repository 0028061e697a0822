package atom

import "testing"

func TestEffectiveUseLayering(t *testing.T) {
	iuse := []IUSEFlag{{Name: "static-libs", Default: false}, {Name: "doc", Default: true}}
	layers := []UseLayer{
		{Name: "profile", Tokens: []string{"static-libs"}},
		{Name: "global", Tokens: []string{"-doc"}},
	}
	eff := EffectiveUse(iuse, layers, nil, nil)
	if !eff["static-libs"] {
		t.Errorf("expected static-libs enabled by profile layer")
	}
	if eff["doc"] {
		t.Errorf("expected doc disabled by global layer")
	}
}

func TestEffectiveUseMaskOverridesForce(t *testing.T) {
	iuse := []IUSEFlag{{Name: "foo", Default: false}}
	eff := EffectiveUse(iuse, nil, []string{"foo"}, []string{"foo"})
	if eff["foo"] {
		t.Errorf("expected mask to override force for foo")
	}
}

func TestEffectiveUseClearToken(t *testing.T) {
	iuse := []IUSEFlag{{Name: "a", Default: true}, {Name: "b", Default: true}}
	layers := []UseLayer{{Name: "global", Tokens: []string{"-*", "a"}}}
	eff := EffectiveUse(iuse, layers, nil, nil)
	if !eff["a"] {
		t.Errorf("expected a re-enabled after -*")
	}
	if eff["b"] {
		t.Errorf("expected b cleared by -*")
	}
}

func TestEvalRequiredUseExactlyOne(t *testing.T) {
	e, err := ParseRequiredUseExpr("^^ ( a b )")
	if err != nil {
		t.Fatal(err)
	}
	if EvalRequiredUse(e, map[string]bool{"a": true, "b": true}) {
		t.Errorf("expected ^^(a b) to fail when both set")
	}
	if !EvalRequiredUse(e, map[string]bool{"a": true, "b": false}) {
		t.Errorf("expected ^^(a b) to pass when exactly one set")
	}
}

func TestEvalRequiredUseAtMostOne(t *testing.T) {
	e, err := ParseRequiredUseExpr("?? ( a b )")
	if err != nil {
		t.Fatal(err)
	}
	if EvalRequiredUse(e, map[string]bool{"a": true, "b": true}) {
		t.Errorf("expected ??(a b) to fail when both set")
	}
	if !EvalRequiredUse(e, map[string]bool{"a": true, "b": false}) {
		t.Errorf("expected ??(a b) to pass when one set")
	}
	if !EvalRequiredUse(e, map[string]bool{}) {
		t.Errorf("expected ??(a b) to pass when neither set")
	}
}

func TestEvalRequiredUseConditionalNegation(t *testing.T) {
	e, err := ParseRequiredUseExpr("foo? ( !bar )")
	if err != nil {
		t.Fatal(err)
	}
	if !EvalRequiredUse(e, map[string]bool{"foo": false, "bar": true}) {
		t.Errorf("expected gate-off to vacuously pass")
	}
	if EvalRequiredUse(e, map[string]bool{"foo": true, "bar": true}) {
		t.Errorf("expected foo?(!bar) to fail when foo and bar are both set")
	}
	if !EvalRequiredUse(e, map[string]bool{"foo": true, "bar": false}) {
		t.Errorf("expected foo?(!bar) to pass when foo set and bar unset")
	}
}

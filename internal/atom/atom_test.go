package atom

import "testing"

func TestParseAtomRoundTrip(t *testing.T) {
	cases := []string{
		"core/openssl",
		">=dev-lang/rust-1.80.0",
		"=app/curl-8.5.0",
		"~net-misc/curl-8.5.0",
		"core/openssl:3/3.2",
		"core/openssl:=",
		"core/openssl:3=",
		"!www/apache",
		"!!www/apache",
		"dev-libs/foo[static-libs,-doc]",
		"dev-libs/foo[static-libs(+),!doc?]",
	}
	for _, s := range cases {
		a, err := ParseAtom(s)
		if err != nil {
			t.Fatalf("ParseAtom(%q): %v", s, err)
		}
		a2, err := ParseAtom(a.String())
		if err != nil {
			t.Fatalf("re-parse %q (from %q): %v", a.String(), s, err)
		}
		if a2.String() != a.String() {
			t.Errorf("round-trip mismatch: %q -> %q -> %q", s, a.String(), a2.String())
		}
	}
}

func TestAtomMatchesVersion(t *testing.T) {
	a, err := ParseAtom(">=core/openssl-3.0")
	if err != nil {
		t.Fatal(err)
	}
	v32, _ := ParseVersion("3.2.0")
	v11, _ := ParseVersion("1.1.1w")
	id32 := PackageID{Name: a.Name, Version: v32}
	id11 := PackageID{Name: a.Name, Version: v11}
	if !a.Matches(id32, Slot{}, nil) {
		t.Errorf("expected >=core/openssl-3.0 to match 3.2.0")
	}
	if a.Matches(id11, Slot{}, nil) {
		t.Errorf("expected >=core/openssl-3.0 not to match 1.1.1w")
	}
}

func TestAtomBlockers(t *testing.T) {
	a, err := ParseAtom("!!www/apache")
	if err != nil {
		t.Fatal(err)
	}
	if a.Block != BlockHard {
		t.Errorf("expected hard block")
	}
	b, err := ParseAtom("!www/apache")
	if err != nil {
		t.Fatal(err)
	}
	if b.Block != BlockSoft {
		t.Errorf("expected soft block")
	}
}

func TestAtomSlotOperator(t *testing.T) {
	a, err := ParseAtom("core/openssl:3/3.2=")
	if err != nil {
		t.Fatal(err)
	}
	if a.SlotOp != SlotOpRebuild || a.Slot != "3" || a.Subslot != "3.2" {
		t.Errorf("unexpected slot parse: %+v", a)
	}
}

func TestAtomUseDeps(t *testing.T) {
	a, err := ParseAtom("dev-libs/foo[static-libs(+),!doc?]")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.UseDeps) != 2 {
		t.Fatalf("expected 2 use-deps, got %d", len(a.UseDeps))
	}
	if a.UseDeps[0].Flag != "static-libs" || a.UseDeps[0].Default != '+' {
		t.Errorf("unexpected first use-dep: %+v", a.UseDeps[0])
	}
	if a.UseDeps[1].Flag != "doc" || !a.UseDeps[1].Negate || !a.UseDeps[1].Conditional {
		t.Errorf("unexpected second use-dep: %+v", a.UseDeps[1])
	}
}

package atom

import "testing"

func TestParseVersionRoundTrip(t *testing.T) {
	cases := []string{
		"1.0", "1.0.1", "1.0_alpha", "1.0_alpha1", "1.0-r1", "1.0a",
		"1.01", "1.1", "1.0_p1", "0.1.2-r10",
	}
	for _, s := range cases {
		v, err := ParseVersion(s)
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", s, err)
		}
		v2, err := ParseVersion(v.String())
		if err != nil {
			t.Fatalf("re-parse %q: %v", v.String(), err)
		}
		if !v.Equal(v2) {
			t.Errorf("round-trip mismatch: %q -> %q -> not equal", s, v.String())
		}
	}
}

func TestCompareOrdering(t *testing.T) {
	// Each row must compare strictly less than the next.
	ordered := []string{
		"1.0_alpha", "1.0_alpha1", "1.0_beta", "1.0_pre", "1.0_rc", "1.0", "1.0_p1",
	}
	var prev Version
	for i, s := range ordered {
		v, err := ParseVersion(s)
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", s, err)
		}
		if i > 0 && !prev.Less(v) {
			t.Errorf("expected %q < %q", ordered[i-1], s)
		}
		prev = v
	}
}

func TestCompareLeadingZero(t *testing.T) {
	v101, err := ParseVersion("1.01")
	if err != nil {
		t.Fatal(err)
	}
	v11, err := ParseVersion("1.1")
	if err != nil {
		t.Fatal(err)
	}
	if !v101.Less(v11) {
		t.Errorf("expected 1.01 < 1.1")
	}
}

func TestCompareRevision(t *testing.T) {
	a, _ := ParseVersion("1.0-r1")
	b, _ := ParseVersion("1.0-r2")
	if !a.Less(b) {
		t.Errorf("expected 1.0-r1 < 1.0-r2")
	}
	base, _ := ParseVersion("1.0")
	if !base.Less(a) {
		t.Errorf("expected 1.0 < 1.0-r1")
	}
}

func TestCompareSuffixChain(t *testing.T) {
	a, _ := ParseVersion("1.0_p1_p2")
	b, _ := ParseVersion("1.0_p1")
	if !b.Less(a) {
		t.Errorf("expected 1.0_p1 < 1.0_p1_p2")
	}
}

func TestParseVersionInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1.x", "_alpha"} {
		if _, err := ParseVersion(s); err == nil {
			t.Errorf("expected error parsing %q", s)
		}
	}
}

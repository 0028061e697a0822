// Package atom implements the package-identity model: qualified names, the
// Gentoo version grammar, dependency atoms, dependency expression trees, and
// USE-flag evaluation. Nothing in this package touches a filesystem or
// network; it is pure data plus parsing.
package atom

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// suffixKind orders the non-revision version suffixes. suffixNone (no
// suffix) sorts between _rc and _p per the Gentoo grammar:
// _alpha < _beta < _pre < _rc < "" < _p.
type suffixKind int8

const (
	suffixAlpha suffixKind = iota - 2
	suffixBeta
	suffixPre
	suffixRC
	suffixNone
	suffixP
)

var suffixNames = map[string]suffixKind{
	"alpha": suffixAlpha,
	"beta":  suffixBeta,
	"pre":   suffixPre,
	"rc":    suffixRC,
	"p":     suffixP,
}

var suffixStrings = map[suffixKind]string{
	suffixAlpha: "alpha",
	suffixBeta:  "beta",
	suffixPre:   "pre",
	suffixRC:    "rc",
	suffixP:     "p",
}

// versionSuffix is one `_alpha3`-shaped suffix element.
type versionSuffix struct {
	kind suffixKind
	num  int // 0 if no trailing number was given
}

// Version is a parsed Gentoo-grammar version: numeric components, an
// optional trailing letter, zero or more ordered suffixes, and an optional
// revision. Comparison follows the grammar exactly (invariant 5 in spec §8);
// this is hand-rolled rather than delegated to a semver library because the
// grammar is not semver-compatible (see DESIGN.md).
//
// Every field is a plain comparable type (no slices) so that Version, and
// therefore PackageID, can be used directly as a map key -- the resolver,
// VDB, and executor all index large tables by package identity.
type Version struct {
	raw        string
	components string // dot-joined numeric components, leading zeros preserved
	letter     byte   // 0 if absent
	suffixEnc  string // "kind:num" elements joined by "|", in declared order
	revision   int
}

// String returns the canonical textual form. Re-parsing it yields an equal
// Version (the round-trip law in spec §8).
func (v Version) String() string {
	if v.raw != "" {
		return v.raw
	}
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(v.components, "\x00", "."))
	if v.letter != 0 {
		b.WriteByte(v.letter)
	}
	for _, s := range v.suffixes() {
		b.WriteByte('_')
		b.WriteString(suffixStrings[s.kind])
		if s.num != 0 {
			b.WriteString(strconv.Itoa(s.num))
		}
	}
	if v.revision != 0 {
		b.WriteString("-r")
		b.WriteString(strconv.Itoa(v.revision))
	}
	return b.String()
}

// IsZero reports whether v is the unparsed zero value.
func (v Version) IsZero() bool {
	return v.components == ""
}

func (v Version) numericComponents() []string {
	if v.components == "" {
		return nil
	}
	return strings.Split(v.components, "\x00")
}

func (v Version) suffixes() []versionSuffix {
	if v.suffixEnc == "" {
		return nil
	}
	parts := strings.Split(v.suffixEnc, "|")
	out := make([]versionSuffix, len(parts))
	for i, p := range parts {
		kindStr, numStr, _ := strings.Cut(p, ":")
		num, _ := strconv.Atoi(numStr)
		out[i] = versionSuffix{kind: suffixNames[kindStr], num: num}
	}
	return out
}

func encodeSuffixes(suf []versionSuffix) string {
	if len(suf) == 0 {
		return ""
	}
	parts := make([]string, len(suf))
	for i, s := range suf {
		parts[i] = suffixStrings[s.kind] + ":" + strconv.Itoa(s.num)
	}
	return strings.Join(parts, "|")
}

// ParseVersion parses a Gentoo-grammar version string, e.g. "1.0_alpha1-r2".
func ParseVersion(s string) (Version, error) {
	orig := s
	v := Version{}

	if i := strings.LastIndex(s, "-r"); i > 0 {
		rest := s[i+2:]
		if rest != "" && isAllDigits(rest) {
			rev, err := strconv.Atoi(rest)
			if err != nil {
				return Version{}, errors.Wrapf(err, "invalid revision in version %q", orig)
			}
			v.revision = rev
			s = s[:i]
		}
	}

	var suffixes []versionSuffix
	for {
		i := strings.LastIndex(s, "_")
		if i < 0 {
			break
		}
		tok := s[i+1:]
		kindStr := tok
		numStr := ""
		for j, r := range tok {
			if r >= '0' && r <= '9' {
				kindStr = tok[:j]
				numStr = tok[j:]
				break
			}
		}
		kind, ok := suffixNames[kindStr]
		if !ok {
			break
		}
		num := 0
		if numStr != "" {
			n, err := strconv.Atoi(numStr)
			if err != nil {
				return Version{}, errors.Wrapf(err, "invalid suffix number in version %q", orig)
			}
			num = n
		}
		suffixes = append([]versionSuffix{{kind: kind, num: num}}, suffixes...)
		s = s[:i]
	}
	v.suffixEnc = encodeSuffixes(suffixes)

	if s == "" {
		return Version{}, errors.Errorf("empty version in %q", orig)
	}
	if last := s[len(s)-1]; (last >= 'a' && last <= 'z') && len(s) > 1 && (s[len(s)-2] >= '0' && s[len(s)-2] <= '9') {
		v.letter = last
		s = s[:len(s)-1]
	}

	comps := strings.Split(s, ".")
	for _, c := range comps {
		if c == "" || !isAllDigits(c) {
			return Version{}, errors.Errorf("invalid numeric component %q in version %q", c, orig)
		}
	}
	v.components = strings.Join(comps, "\x00")
	v.raw = orig
	return v, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// compareNumeric compares two numeric-component strings per the Gentoo rule:
// numeric value first, then (for components with a leading zero) a
// string/ASCII fallback so "1.01" < "1.1", and "1.010" == "1.01" because
// trailing zeros of a leading-zero component are stripped before the
// string comparison.
func compareNumeric(a, b string) int {
	// Leading-zero components compare as if written after a decimal point:
	// "01" vs "1" -> pad shorter with trailing zeros and compare digit by digit.
	aHasLeadingZero := len(a) > 1 && a[0] == '0'
	bHasLeadingZero := len(b) > 1 && b[0] == '0'
	if aHasLeadingZero || bHasLeadingZero {
		maxLen := len(a)
		if len(b) > maxLen {
			maxLen = len(b)
		}
		ap := a + strings.Repeat("0", maxLen-len(a))
		bp := b + strings.Repeat("0", maxLen-len(b))
		if ap == bp {
			// Equal as fractions unless one had no trailing content beyond zeros.
			return strings.Compare(strings.TrimRight(a, "0"), strings.TrimRight(b, "0"))
		}
		return strings.Compare(ap, bp)
	}

	an, bn := trimLeadingZeros(a), trimLeadingZeros(b)
	if len(an) != len(bn) {
		if len(an) < len(bn) {
			return -1
		}
		return 1
	}
	return strings.Compare(an, bn)
}

func trimLeadingZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}

// Compare returns -1, 0, or 1 as v < w, v == w, or v > w under the Gentoo
// version grammar ordering.
func Compare(v, w Version) int {
	va, wa := v.numericComponents(), w.numericComponents()
	na, nb := len(va), len(wa)
	n := na
	if nb > n {
		n = nb
	}
	for i := 0; i < n; i++ {
		var a, b string
		if i < na {
			a = va[i]
		} else {
			a = "0"
		}
		if i < nb {
			b = wa[i]
		} else {
			b = "0"
		}
		if c := compareNumeric(a, b); c != 0 {
			return c
		}
	}

	if v.letter != w.letter {
		if v.letter < w.letter {
			return -1
		}
		return 1
	}

	sa, sb := v.suffixes(), w.suffixes()
	ns := len(sa)
	if len(sb) > ns {
		ns = len(sb)
	}
	for i := 0; i < ns; i++ {
		var a, b versionSuffix
		hasA, hasB := i < len(sa), i < len(sb)
		if hasA {
			a = sa[i]
		} else {
			a = versionSuffix{kind: suffixNone}
		}
		if hasB {
			b = sb[i]
		} else {
			b = versionSuffix{kind: suffixNone}
		}
		if a.kind != b.kind {
			if a.kind < b.kind {
				return -1
			}
			return 1
		}
		if a.num != b.num {
			if a.num < b.num {
				return -1
			}
			return 1
		}
	}

	if v.revision != w.revision {
		if v.revision < w.revision {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether v sorts strictly before w.
func (v Version) Less(w Version) bool { return Compare(v, w) < 0 }

// Equal reports whether v and w compare equal under the Gentoo grammar
// (independent of the original textual representation).
func (v Version) Equal(w Version) bool { return Compare(v, w) == 0 }

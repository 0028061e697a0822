package atom

import (
	"strings"

	"github.com/pkg/errors"
)

// Operator is a version-comparison operator carried by an Atom.
type Operator int

const (
	// OpNone means the atom carries no version (matches any version).
	OpNone Operator = iota
	OpLess
	OpLessEqual
	OpEqual
	OpEqualWildcard // "=cat/pkg-1.2*"
	OpApprox        // "~cat/pkg-1.2" (revision-insensitive equal)
	OpGreaterEqual
	OpGreater
)

var operatorStrings = map[Operator]string{
	OpLess:          "<",
	OpLessEqual:     "<=",
	OpEqual:         "=",
	OpEqualWildcard: "=",
	OpApprox:        "~",
	OpGreaterEqual:  ">=",
	OpGreater:       ">",
}

// BlockKind distinguishes soft and hard blockers (spec §3).
type BlockKind int

const (
	// BlockNone: this atom is not a blocker.
	BlockNone BlockKind = iota
	// BlockSoft is "!atom": deferrable, e.g. install-then-remove ordering is fine.
	BlockSoft
	// BlockHard is "!!atom": not deferrable.
	BlockHard
)

// SlotOperator distinguishes the three slot-operator forms an atom can carry.
type SlotOperator int

const (
	SlotOpNone SlotOperator = iota
	// SlotOpAny is ":*" -- any slot will do.
	SlotOpAny
	// SlotOpRebuild is ":=" or ":slot=" -- record the built-against subslot;
	// a later subslot change triggers a rebuild of the dependent.
	SlotOpRebuild
)

// UseDep is one element of an atom's USE-dep suffix, e.g. "flag", "-flag",
// "flag?", "!flag?", "flag(+)".
type UseDep struct {
	Flag      string
	Enabled   bool // required polarity, ignored when Conditional
	Negate    bool // "!flag?" form
	Conditional bool // "flag?" / "!flag?" forms: only constrains if the depending package has the flag
	Default   byte // 0, '+', or '-' -- the "(+)"/"(-)" missing-flag default
}

// Atom is a single dependency-expression leaf: a reference to a qualified
// name with an optional version operator, slot constraint, slot operator,
// USE-dep list, and block prefix (spec §3).
type Atom struct {
	Block    BlockKind
	Name     QualifiedName
	Op       Operator
	Version  Version // zero if Op == OpNone
	Slot     string  // "" if unconstrained
	Subslot  string  // "" if unconstrained
	SlotOp   SlotOperator
	UseDeps  []UseDep
}

// ParseAtom parses a single dependency-expression leaf such as
// ">=dev-lang/rust-1.80.0:0/0=[static-libs(+),-doc]" or "!!www/apache".
func ParseAtom(s string) (*Atom, error) {
	orig := s
	a := &Atom{}

	if strings.HasPrefix(s, "!!") {
		a.Block = BlockHard
		s = s[2:]
	} else if strings.HasPrefix(s, "!") {
		a.Block = BlockSoft
		s = s[1:]
	}

	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return nil, errors.Errorf("malformed use-dep in atom %q", orig)
		}
		useDeps, err := parseUseDeps(s[i+1 : len(s)-1])
		if err != nil {
			return nil, errors.Wrapf(err, "atom %q", orig)
		}
		a.UseDeps = useDeps
		s = s[:i]
	}

	if i := strings.IndexByte(s, ':'); i >= 0 {
		slotPart := s[i+1:]
		s = s[:i]
		switch {
		case slotPart == "*":
			a.SlotOp = SlotOpAny
		case slotPart == "=":
			a.SlotOp = SlotOpRebuild
		case strings.HasSuffix(slotPart, "="):
			a.SlotOp = SlotOpRebuild
			slotPart = slotPart[:len(slotPart)-1]
			a.Slot, a.Subslot = splitSlot(slotPart)
		default:
			a.Slot, a.Subslot = splitSlot(slotPart)
		}
	}

	// Longer prefixes ("<=", ">=") must be tried before their single-character
	// prefixes ("<", ">"), so this is an ordered slice rather than a map.
	opPrefixes := []struct {
		op     Operator
		prefix string
	}{
		{OpLessEqual, "<="},
		{OpGreaterEqual, ">="},
		{OpLess, "<"},
		{OpGreater, ">"},
		{OpApprox, "~"},
		{OpEqual, "="},
	}
	for _, e := range opPrefixes {
		op, prefix := e.op, e.prefix
		if strings.HasPrefix(s, prefix) {
			rest := s[len(prefix):]
			wildcard := false
			if op == OpEqual && strings.HasSuffix(rest, "*") {
				wildcard = true
				rest = rest[:len(rest)-1]
			}
			qn, ver, err := splitNameVersion(rest)
			if err != nil {
				return nil, errors.Wrapf(err, "atom %q", orig)
			}
			a.Name = qn
			a.Version = ver
			if wildcard {
				a.Op = OpEqualWildcard
			} else {
				a.Op = op
			}
			return a, nil
		}
	}

	qn, err := ParseQualifiedName(s)
	if err != nil {
		return nil, errors.Wrapf(err, "atom %q", orig)
	}
	a.Name = qn
	a.Op = OpNone
	return a, nil
}

// splitSlot splits a "slot/subslot" fragment.
func splitSlot(s string) (slot, subslot string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// splitNameVersion separates a "category/name-version" fragment by finding
// the last "-" that is followed by a digit, the classic ebuild-name rule.
func splitNameVersion(s string) (QualifiedName, Version, error) {
	for i := len(s) - 1; i > 0; i-- {
		if s[i] == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9' {
			qn, err := ParseQualifiedName(s[:i])
			if err != nil {
				continue
			}
			v, err := ParseVersion(s[i+1:])
			if err != nil {
				continue
			}
			return qn, v, nil
		}
	}
	return QualifiedName{}, Version{}, errors.Errorf("no version found in %q", s)
}

// ParsePackageID parses a "category/name-version" string, the shape of an
// ebuild filename stem or a metadata-cache entry name, into a PackageID.
func ParsePackageID(s string) (PackageID, error) {
	qn, v, err := splitNameVersion(s)
	if err != nil {
		return PackageID{}, errors.Wrapf(err, "parsing package id %q", s)
	}
	return PackageID{Name: qn, Version: v}, nil
}

func parseUseDeps(s string) ([]UseDep, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	deps := make([]UseDep, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ud := UseDep{Enabled: true}
		if strings.HasPrefix(p, "!") {
			ud.Negate = true
			p = p[1:]
		}
		if strings.HasSuffix(p, "(+)") {
			ud.Default = '+'
			p = p[:len(p)-3]
		} else if strings.HasSuffix(p, "(-)") {
			ud.Default = '-'
			p = p[:len(p)-3]
		}
		switch {
		case strings.HasSuffix(p, "?"):
			ud.Conditional = true
			p = p[:len(p)-1]
			ud.Enabled = true
		case strings.HasPrefix(p, "-"):
			ud.Enabled = false
			p = p[1:]
		}
		if p == "" {
			return nil, errors.Errorf("empty use-dep flag in %q", s)
		}
		ud.Flag = p
		deps = append(deps, ud)
	}
	return deps, nil
}

// String renders the atom back to canonical textual form.
func (a *Atom) String() string {
	var b strings.Builder
	switch a.Block {
	case BlockSoft:
		b.WriteByte('!')
	case BlockHard:
		b.WriteString("!!")
	}
	if prefix, ok := operatorStrings[a.Op]; ok {
		b.WriteString(prefix)
	}
	b.WriteString(a.Name.String())
	if a.Op != OpNone {
		b.WriteByte('-')
		b.WriteString(a.Version.String())
		if a.Op == OpEqualWildcard {
			b.WriteByte('*')
		}
	}
	if a.Slot != "" || a.SlotOp != SlotOpNone {
		b.WriteByte(':')
		switch a.SlotOp {
		case SlotOpAny:
			b.WriteByte('*')
		case SlotOpRebuild:
			if a.Slot != "" {
				b.WriteString(a.Slot)
				if a.Subslot != "" {
					b.WriteByte('/')
					b.WriteString(a.Subslot)
				}
			}
			b.WriteByte('=')
		default:
			b.WriteString(a.Slot)
			if a.Subslot != "" {
				b.WriteByte('/')
				b.WriteString(a.Subslot)
			}
		}
	}
	if len(a.UseDeps) > 0 {
		b.WriteByte('[')
		for i, ud := range a.UseDeps {
			if i > 0 {
				b.WriteByte(',')
			}
			if ud.Negate {
				b.WriteByte('!')
			} else if !ud.Enabled && !ud.Conditional {
				b.WriteByte('-')
			}
			b.WriteString(ud.Flag)
			if ud.Conditional {
				b.WriteByte('?')
			}
			switch ud.Default {
			case '+':
				b.WriteString("(+)")
			case '-':
				b.WriteString("(-)")
			}
		}
		b.WriteByte(']')
	}
	return b.String()
}

// Matches reports whether the atom admits the given candidate identity and
// slot under the given effective USE set. useSet maps flag name to whether
// it is enabled for id and may be nil. Conditional USE-deps ("flag=",
// "flag?") are not evaluated here and never cause a mismatch.
func (a *Atom) Matches(id PackageID, slot Slot, useSet map[string]bool) bool {
	if a.Name != id.Name {
		return false
	}
	if !a.matchesVersion(id.Version) {
		return false
	}
	if a.Slot != "" && a.Slot != slot.Slot {
		return false
	}
	if a.SlotOp == SlotOpRebuild && a.Slot != "" && a.Subslot != "" && a.Subslot != slot.Subslot {
		return false
	}
	for _, ud := range a.UseDeps {
		if ud.Conditional {
			continue
		}
		enabled, known := useSet[ud.Flag]
		if !known {
			if ud.Default == 0 {
				return false
			}
			enabled = ud.Default == '+'
		}
		want := ud.Enabled
		if ud.Negate {
			want = !want
		}
		if enabled != want {
			return false
		}
	}
	return true
}

func (a *Atom) matchesVersion(v Version) bool {
	switch a.Op {
	case OpNone:
		return true
	case OpLess:
		return v.Less(a.Version)
	case OpLessEqual:
		return v.Less(a.Version) || v.Equal(a.Version)
	case OpEqual:
		return v.Equal(a.Version)
	case OpEqualWildcard:
		return strings.HasPrefix(v.String(), a.Version.String())
	case OpApprox:
		return stripRevision(v) == stripRevision(a.Version)
	case OpGreaterEqual:
		return a.Version.Less(v) || v.Equal(a.Version)
	case OpGreater:
		return a.Version.Less(v)
	}
	return false
}

func stripRevision(v Version) string {
	v.revision = 0
	v.raw = ""
	return v.String()
}

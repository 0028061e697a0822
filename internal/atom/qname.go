package atom

import (
	"strings"

	"github.com/pkg/errors"
)

// QualifiedName is the (category, name) pair identifying a package family.
type QualifiedName struct {
	Category string
	Name     string
}

func (q QualifiedName) String() string {
	return q.Category + "/" + q.Name
}

// Less provides a stable total order over qualified names, used wherever a
// deterministic iteration order is required (catalog indexing, plan output).
func (q QualifiedName) Less(o QualifiedName) bool {
	if q.Category != o.Category {
		return q.Category < o.Category
	}
	return q.Name < o.Name
}

// ParseQualifiedName parses a "category/name" string.
func ParseQualifiedName(s string) (QualifiedName, error) {
	i := strings.IndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return QualifiedName{}, errors.Errorf("malformed qualified name %q", s)
	}
	return QualifiedName{Category: s[:i], Name: s[i+1:]}, nil
}

// Slot is the coexistence token (Slot) plus the ABI-compatibility token
// (Subslot, may be empty) of an installed or candidate package (spec §3).
type Slot struct {
	Slot    string
	Subslot string
}

func (s Slot) String() string {
	if s.Subslot == "" {
		return s.Slot
	}
	return s.Slot + "/" + s.Subslot
}

// PackageID is (category, name, version); within a repository two package
// ids must be unique (spec §3).
type PackageID struct {
	Name    QualifiedName
	Version Version
}

func (id PackageID) String() string {
	return id.Name.String() + "-" + id.Version.String()
}

// Less gives PackageID a deterministic order: by qualified name, then newest
// version first (the order the catalog returns candidates in).
func (id PackageID) Less(o PackageID) bool {
	if id.Name != o.Name {
		return id.Name.Less(o.Name)
	}
	return o.Version.Less(id.Version)
}

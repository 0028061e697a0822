package config

import (
	"fmt"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/buckos/buckos/internal/atom"
)

// tomlView is a ConfigView backed by a single TOML document, the reference
// implementation of the make.conf-shaped surface (spec §6). Real
// deployments may instead flatten make.conf/package.use/package.mask/
// profiles into this same shape through whatever external parser they use
// -- ConfigView only specifies the read surface, per spec §1's Non-goals.
//
// Document shape:
//
//	[make_conf]
//	USE = "static-libs -doc"
//	ACCEPT_KEYWORDS = "amd64"
//	...
//
//	[package_use]
//	"core/openssl" = "static-libs"
//
//	[[repositories]]
//	name = "gentoo"
//	location = "/var/db/repos/gentoo"
//	priority = 0
type tomlView struct {
	tree         *toml.Tree
	packageMask  []*atom.Atom
	packageUnmask []*atom.Atom
}

// LoadTOML reads path as a tomlView. The first atom in package_mask or
// package_unmask that fails to parse aborts the load: LoadTOML returns a
// nil view and an error naming that entry.
func LoadTOML(path string) (ConfigView, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %q", path)
	}
	v := &tomlView{tree: tree}

	for _, s := range stringList(tree.Get("package_mask")) {
		a, err := atom.ParseAtom(s)
		if err != nil {
			return nil, errors.Wrapf(err, "package_mask entry %q", s)
		}
		v.packageMask = append(v.packageMask, a)
	}
	for _, s := range stringList(tree.Get("package_unmask")) {
		a, err := atom.ParseAtom(s)
		if err != nil {
			return nil, errors.Wrapf(err, "package_unmask entry %q", s)
		}
		v.packageUnmask = append(v.packageUnmask, a)
	}
	return v, nil
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	case []string:
		return t
	case string:
		return []string{t}
	default:
		return nil
	}
}

func (v *tomlView) MakeConf() map[string]string {
	out := make(map[string]string)
	sub, ok := v.tree.Get("make_conf").(*toml.Tree)
	if !ok || sub == nil {
		return out
	}
	for _, k := range sub.Keys() {
		out[k] = fmt.Sprintf("%v", sub.Get(k))
	}
	return out
}

func (v *tomlView) perPackageTokens(table string, qn atom.QualifiedName) []string {
	sub, ok := v.tree.Get(table).(*toml.Tree)
	if !ok || sub == nil {
		return nil
	}
	val := sub.Get(qn.String())
	if val == nil {
		return nil
	}
	return splitTokens(fmt.Sprintf("%v", val))
}

func splitTokens(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func (v *tomlView) PackageUseTokens(qn atom.QualifiedName) []string {
	return v.perPackageTokens("package_use", qn)
}

func (v *tomlView) PackageKeywordTokens(qn atom.QualifiedName) []string {
	return v.perPackageTokens("package_accept_keywords", qn)
}

func (v *tomlView) PackageMask() []*atom.Atom   { return v.packageMask }
func (v *tomlView) PackageUnmask() []*atom.Atom { return v.packageUnmask }

func (v *tomlView) UseMask() []string  { return splitTokens(stringOrEmpty(v.tree.Get("use_mask"))) }
func (v *tomlView) UseForce() []string { return splitTokens(stringOrEmpty(v.tree.Get("use_force"))) }

func stringOrEmpty(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func (v *tomlView) PackageUseMask(qn atom.QualifiedName) []string {
	return v.perPackageTokens("package_use_mask", qn)
}
func (v *tomlView) PackageUseForce(qn atom.QualifiedName) []string {
	return v.perPackageTokens("package_use_force", qn)
}

func (v *tomlView) AcceptedLicenses() []string {
	return splitTokens(stringOrEmpty(v.tree.Get("accept_license")))
}

func (v *tomlView) Repositories() []RepositoryConfig {
	vals, ok := v.tree.Get("repositories").([]*toml.Tree)
	if !ok {
		return nil
	}
	out := make([]RepositoryConfig, 0, len(vals))
	for _, t := range vals {
		out = append(out, RepositoryConfig{
			Name:     fmt.Sprintf("%v", t.Get("name")),
			Location: fmt.Sprintf("%v", t.Get("location")),
			Priority: toInt(t.Get("priority")),
		})
	}
	return out
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func (v *tomlView) Mirrors(name string) []string {
	sub, ok := v.tree.Get("mirrors").(*toml.Tree)
	if !ok || sub == nil {
		return nil
	}
	return stringList(sub.Get(name))
}

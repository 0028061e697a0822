package config

import "github.com/buckos/buckos/internal/atom"

// StaticView is a plain in-memory ConfigView, useful both as a reference
// implementation for programmatic construction (e.g. a caller that already
// parsed make.conf itself) and in tests throughout this module that need a
// ConfigView without a TOML fixture on disk.
type StaticView struct {
	Conf              map[string]string
	PackageUse        map[string][]string
	PackageKeywords   map[string][]string
	Mask              []*atom.Atom
	Unmask            []*atom.Atom
	GlobalUseMask     []string
	GlobalUseForce    []string
	PerPkgUseMask     map[string][]string
	PerPkgUseForce    map[string][]string
	Licenses          []string
	Repos             []RepositoryConfig
	MirrorSets        map[string][]string
}

func (v *StaticView) MakeConf() map[string]string { return v.Conf }

func (v *StaticView) PackageUseTokens(qn atom.QualifiedName) []string {
	return v.PackageUse[qn.String()]
}

func (v *StaticView) PackageKeywordTokens(qn atom.QualifiedName) []string {
	return v.PackageKeywords[qn.String()]
}

func (v *StaticView) PackageMask() []*atom.Atom   { return v.Mask }
func (v *StaticView) PackageUnmask() []*atom.Atom { return v.Unmask }

func (v *StaticView) UseMask() []string  { return v.GlobalUseMask }
func (v *StaticView) UseForce() []string { return v.GlobalUseForce }

func (v *StaticView) PackageUseMask(qn atom.QualifiedName) []string {
	return v.PerPkgUseMask[qn.String()]
}
func (v *StaticView) PackageUseForce(qn atom.QualifiedName) []string {
	return v.PerPkgUseForce[qn.String()]
}

func (v *StaticView) AcceptedLicenses() []string        { return v.Licenses }
func (v *StaticView) Repositories() []RepositoryConfig  { return v.Repos }
func (v *StaticView) Mirrors(name string) []string      { return v.MirrorSets[name] }

// Package config models the read-only ConfigView the core consumes (spec
// §6): make.conf-shaped global settings, per-package overrides, mask/unmask
// and keyword/license acceptance lists, repository configuration, and the
// (already-flattened, per spec §9) profile inheritance chain. The core
// never mutates a ConfigView; a new one is built and swapped in instead.
package config

import "github.com/buckos/buckos/internal/atom"

// RepositoryConfig describes one configured repository source (the actual
// sync transport is an external collaborator, per spec §1's Non-goals).
type RepositoryConfig struct {
	Name     string
	Location string
	Priority int
}

// ConfigView is the read-only configuration surface the catalog, resolver,
// and executor consume. Implementations must be safe for concurrent reads;
// a ConfigView never changes after construction (spec §9's "Global
// configuration... modeled as an immutable ConfigView").
type ConfigView interface {
	// MakeConf returns the flattened make.conf-shaped key/value settings:
	// CFLAGS, USE, FEATURES, MAKEOPTS, ACCEPT_KEYWORDS, ACCEPT_LICENSE,
	// GENTOO_MIRRORS, CONFIG_PROTECT, CONFIG_PROTECT_MASK.
	MakeConf() map[string]string

	// PackageUseTokens returns the per-package USE override tokens
	// (package.use) that apply to qn, in profile-then-user order.
	PackageUseTokens(qn atom.QualifiedName) []string

	// PackageKeywordTokens returns the per-package ACCEPT_KEYWORDS override
	// tokens (package.accept_keywords) for qn.
	PackageKeywordTokens(qn atom.QualifiedName) []string

	// PackageMask returns the atoms masking candidates (package.mask, plus
	// profile-level masks) in inheritance order.
	PackageMask() []*atom.Atom
	// PackageUnmask returns the atoms overriding a PackageMask entry
	// (package.unmask), in inheritance order.
	PackageUnmask() []*atom.Atom

	// UseMask and UseForce return the global use.mask/use.force flag lists,
	// and PackageUseMask/PackageUseForce their per-package counterparts,
	// all already incrementally merged across the profile chain (spec §9).
	UseMask() []string
	UseForce() []string
	PackageUseMask(qn atom.QualifiedName) []string
	PackageUseForce(qn atom.QualifiedName) []string

	// AcceptedLicenses returns the ACCEPT_LICENSE token set, already merged.
	AcceptedLicenses() []string

	// Repositories returns configured repository sources in priority order.
	Repositories() []RepositoryConfig

	// Mirrors resolves a thirdpartymirrors name (e.g. "gentoo") to its
	// configured mirror base URLs.
	Mirrors(name string) []string
}

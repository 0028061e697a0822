// Package vdb implements the installed-package database (spec §4.3): the
// durable, queryable record of installed packages and their files, and the
// sole source of truth for "what is installed". It is grounded on the
// teacher's source_cache_bolt.go -- a bolt.DB-backed cache with nested
// buckets and encode/decode helpers -- repurposed here from a read-through
// metadata cache into the authoritative installed-package store.
package vdb

import (
	"time"

	"github.com/buckos/buckos/internal/atom"
)

// ContentKind discriminates the three filesystem entry kinds VDB tracks
// (spec §3's CONTENTS entries).
type ContentKind int

const (
	ContentFile ContentKind = iota
	ContentDir
	ContentSymlink
)

// ContentEntry is one row of a package's CONTENTS list (spec §3).
type ContentEntry struct {
	Path   string
	Kind   ContentKind
	Size   int64
	Blake3 string
	Mtime  time.Time
}

// BuildHost records the tuple describing where/how a package was built, for
// diagnostics and REPLACING_VERSIONS-style builder hooks (spec §3, §9).
type BuildHost struct {
	Arch     string
	Hostname string
}

// Record is one installed version's VDB row (spec §3's "VDB record").
type Record struct {
	ID               atom.PackageID
	Slot             atom.Slot
	EffectiveUse     map[string]bool
	IUSEEffective    []atom.IUSEFlag
	Depend           *atom.Expr
	BDepend          *atom.Expr
	RDepend          *atom.Expr
	PDepend          *atom.Expr
	IDepend          *atom.Expr
	Contents         []ContentEntry
	InstalledAt      time.Time
	RepoOrigin       string
	BuildHost        BuildHost
	SubslotsConsumed map[atom.QualifiedName]string // for :=, subslot recorded at build time
}

// Dep returns the parsed expression for one dependency class, mirroring
// catalog.PackageMeta.Dep so the resolver and reverse-dependency index can
// treat an installed Record and a candidate PackageMeta uniformly.
func (r *Record) Dep(class atom.DepClass) *atom.Expr {
	switch class {
	case atom.DepBuild:
		return r.Depend
	case atom.DepHostBuild:
		return r.BDepend
	case atom.DepRun:
		return r.RDepend
	case atom.DepPost:
		return r.PDepend
	case atom.DepInstall:
		return r.IDepend
	}
	return nil
}

// PreservedLib is a shared-library file retained outside any installed
// package's ownership because live binaries still reference it (spec §3,
// §4.7).
type PreservedLib struct {
	Path      string
	Blake3    string
	Provider  atom.PackageID
	Consumers []atom.PackageID
}

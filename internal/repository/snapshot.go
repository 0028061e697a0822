// Package repository reads a repository snapshot: a directory tree with
// profiles/, metadata/, per-version ebuild files, and Manifest checksums
// (spec §6). It is a thin, read-only adapter -- it never syncs over a
// transport and never sources ebuild shell; per spec §9 it consumes
// pre-extracted metadata cache entries (the "pure PackageMeta structure
// produced by a metadata adapter"), in the same spirit as Portage's
// metadata/md5-cache/<category>/<name>-<version> key=value cache files.
package repository

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/buckos/buckos/internal/atom"
)

// SrcURIEntry is one SRC_URI fetch target with its declared checksum(s), as
// recorded in the repository's Manifest file (spec §6, §4.6).
type SrcURIEntry struct {
	URI      string
	Filename string
	Size     int64
	Hashes   map[string]string // algorithm name ("BLAKE2B", "SHA512") -> hex digest
}

// RawMetadata is the pure, already-extracted per-version metadata the
// catalog indexes. Dependency classes are kept as raw expression text; the
// catalog parses them with atom.ParseDepExpr so a malformed single package
// does not abort the whole repository load (spec §4.1: CatalogError is
// per-package).
type RawMetadata struct {
	ID         atom.PackageID
	Slot       string
	Subslot    string
	EAPI       string
	IUSE       []atom.IUSEFlag
	RequiredUse string
	Depend      string
	BDepend     string
	RDepend     string
	PDepend     string
	IDepend     string
	Keywords    []string
	License     string
	Restrict    []string
	SrcURI      []SrcURIEntry

	// SourceHash is a content hash of the raw cache entry, used as the
	// catalog's metadata-cache key (spec §4.1: "Cache results under a
	// content hash of the source").
	SourceHash string
}

// Snapshot is a loaded repository tree.
type Snapshot struct {
	Root string
}

// Open validates that root looks like a repository snapshot (it has a
// profiles/ directory) and returns a handle to it. It does not read any
// per-package metadata yet -- that happens in Load/LoadOne.
func Open(root string) (*Snapshot, error) {
	fi, err := os.Stat(filepath.Join(root, "profiles"))
	if err != nil || !fi.IsDir() {
		return nil, errors.Errorf("%q does not look like a repository snapshot (no profiles/ directory)", root)
	}
	return &Snapshot{Root: root}, nil
}

// Load walks metadata/md5-cache/<category>/<name>-<version> entries under
// the snapshot root and parses each into a RawMetadata. A single malformed
// entry is skipped with its error returned alongside the (still complete)
// slice of everything that did parse, so catalog load can continue per
// spec §4.1.
func (s *Snapshot) Load() ([]RawMetadata, []error) {
	cacheRoot := filepath.Join(s.Root, "metadata", "md5-cache")
	var metas []RawMetadata
	var loadErrs []error

	categories, err := os.ReadDir(cacheRoot)
	if err != nil {
		return nil, []error{errors.Wrapf(err, "reading metadata cache root %q", cacheRoot)}
	}
	for _, catEnt := range categories {
		if !catEnt.IsDir() {
			continue
		}
		catDir := filepath.Join(cacheRoot, catEnt.Name())
		entries, err := os.ReadDir(catDir)
		if err != nil {
			loadErrs = append(loadErrs, errors.Wrapf(err, "reading category %q", catEnt.Name()))
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			path := filepath.Join(catDir, ent.Name())
			m, err := parseCacheEntry(catEnt.Name(), ent.Name(), path)
			if err != nil {
				loadErrs = append(loadErrs, errors.Wrapf(err, "parsing %q", path))
				continue
			}
			manifest := filepath.Join(s.Root, m.ID.Name.Category, m.ID.Name.Name, "Manifest")
			if hashes, err := ReadManifestHashes(manifest); err == nil {
				for i := range m.SrcURI {
					m.SrcURI[i].Hashes = hashes[m.SrcURI[i].Filename]
				}
			}
			metas = append(metas, m)
		}
	}
	return metas, loadErrs
}

func parseCacheEntry(category, filename, path string) (RawMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RawMetadata{}, err
	}
	sum := sha256.Sum256(raw)

	// filename is "<name>-<version>"; split at the ebuild name/version rule.
	id, err := atom.ParsePackageID(category + "/" + filename)
	if err != nil {
		return RawMetadata{}, errors.Wrapf(err, "deriving package id from %q", filename)
	}

	fields := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		fields[line[:i]] = line[i+1:]
	}

	m := RawMetadata{
		ID:          id,
		Slot:        fields["SLOT"],
		EAPI:        fields["EAPI"],
		RequiredUse: fields["REQUIRED_USE"],
		Depend:      fields["DEPEND"],
		BDepend:     fields["BDEPEND"],
		RDepend:     fields["RDEPEND"],
		PDepend:     fields["PDEPEND"],
		IDepend:     fields["IDEPEND"],
		License:     fields["LICENSE"],
		SourceHash:  hex.EncodeToString(sum[:]),
	}
	if fields["KEYWORDS"] != "" {
		m.Keywords = strings.Fields(fields["KEYWORDS"])
	}
	if fields["RESTRICT"] != "" {
		m.Restrict = strings.Fields(fields["RESTRICT"])
	}
	if slot := m.Slot; strings.Contains(slot, "/") {
		parts := strings.SplitN(slot, "/", 2)
		m.Slot, m.Subslot = parts[0], parts[1]
	}
	if fields["IUSE"] != "" {
		for _, tok := range strings.Fields(fields["IUSE"]) {
			flag := atom.IUSEFlag{}
			switch {
			case strings.HasPrefix(tok, "+"):
				flag.Name, flag.Default = tok[1:], true
			case strings.HasPrefix(tok, "-"):
				flag.Name, flag.Default = tok[1:], false
			default:
				flag.Name, flag.Default = tok, false
			}
			m.IUSE = append(m.IUSE, flag)
		}
	}
	m.SrcURI = parseManifestSrcURI(fields["SRC_URI"])
	return m, nil
}

// parseManifestSrcURI extracts bare filenames from a SRC_URI field; actual
// per-file checksums live in the package's Manifest file and are attached
// by Load (kept separate here since SRC_URI and Manifest are, per upstream
// convention, two independent files).
func parseManifestSrcURI(s string) []SrcURIEntry {
	if s == "" {
		return nil
	}
	var out []SrcURIEntry
	toks := strings.Fields(s)
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok == "->" {
			continue
		}
		filename := tok
		if i+2 < len(toks) && toks[i+1] == "->" {
			filename = toks[i+2]
			i += 2
		} else if idx := strings.LastIndexByte(tok, '/'); idx >= 0 {
			filename = tok[idx+1:]
		}
		out = append(out, SrcURIEntry{URI: tok, Filename: filename})
	}
	return out
}

// ReadManifestHashes reads a Manifest file in the standard
// "DIST <filename> <size> <ALGO> <digest> ..." line format and returns the
// hashes keyed by filename then algorithm.
func ReadManifestHashes(path string) (map[string]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %q", path)
	}
	defer f.Close()

	out := make(map[string]map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] != "DIST" {
			continue
		}
		filename := fields[1]
		hashes := out[filename]
		if hashes == nil {
			hashes = make(map[string]string)
			out[filename] = hashes
		}
		for i := 3; i+1 < len(fields); i += 2 {
			hashes[fields[i]] = fields[i+1]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "scanning manifest %q", path)
	}
	return out, nil
}

// Package preserve implements preserved-libs and config-protect (spec
// §4.7): retaining a shared library outside any installed package's
// ownership while live binaries still reference its SONAME, and diverting
// CONFIG_PROTECT-covered files to ._cfg####_<name> side names instead of
// overwriting live configuration. New relative to the teacher (dep has no
// shared-library or config-file concept); grounded on internal/fs.go's
// file-operation idioms (HasFilepathPrefix, the rename/copy primitives now
// in internal/fsutil) for the diversion moves, and on karrick/godirwalk for
// the installed-binary consumer scan the same way the teacher uses it for
// its own high-volume filesystem walks.
package preserve

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/fsutil"
	"github.com/buckos/buckos/internal/vdb"
)

// SONAME returns the ELF SONAME of the shared object at path, or "" if the
// file isn't a dynamic ELF object with one (a static archive, a script, or
// a binary with no SONAME -- most executables).
func SONAME(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", nil // not an ELF object at all; not an error for callers scanning a whole tree
	}
	defer f.Close()
	names, err := f.DynString(elf.DT_SONAME)
	if err != nil || len(names) == 0 {
		return "", nil
	}
	return names[0], nil
}

// Needed returns the ELF DT_NEEDED SONAME list of the binary or library at
// path, or nil if it isn't a dynamic ELF object.
func Needed(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()
	names, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return nil, nil
	}
	return names, nil
}

// Consumers scans every installed package's CONTENTS for ELF files that
// reference soname, returning the ids of packages owning at least one such
// consumer (spec §4.7: "does any installed binary still reference L's
// SONAME?"). root is the live filesystem root the VDB's CONTENTS paths
// (which are stored root-relative) are joined against before the ELF read.
func Consumers(root string, records []*vdb.Record, soname string) ([]atom.PackageID, error) {
	var out []atom.PackageID
	for _, rec := range records {
		found := false
		for _, ce := range rec.Contents {
			if ce.Kind != vdb.ContentFile {
				continue
			}
			needed, err := Needed(filepath.Join(root, ce.Path))
			if err != nil {
				continue
			}
			for _, n := range needed {
				if n == soname {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if found {
			out = append(out, rec.ID)
		}
	}
	return out, nil
}

// ScanSonames walks dir (typically the live root) and returns a map from
// absolute path to SONAME for every ELF shared object found. Nothing in this
// module calls it, and the VDB stores no SONAME index. Uses
// godirwalk for the same reason the teacher reaches for it: a plain
// filepath.Walk is measurably slower over a live filesystem root with many
// thousands of entries.
func ScanSonames(dir string) (map[string]string, error) {
	out := make(map[string]string)
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || de.IsSymlink() {
				return nil
			}
			soname, err := SONAME(path)
			if err != nil || soname == "" {
				return nil
			}
			out[path] = soname
			return nil
		},
	})
	return out, errors.Wrap(err, "scanning for shared libraries")
}

// Area is the preservation area rooted at dir
// (<root>/var/db/<vendor>/preserved/<blake3>/<basename> per spec §6).
type Area struct {
	Dir string
}

func Open(dir string) (*Area, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating preserved-libs area %s", dir)
	}
	return &Area{Dir: dir}, nil
}

// Preserve moves the library at libPath (content hash blake3) into the
// preservation area, returning the new path (spec §4.7: "L is copied into
// a preservation area and a preserved_libs row is inserted").
func (a *Area) Preserve(libPath, blake3 string) (string, error) {
	dir := filepath.Join(a.Dir, blake3)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating preservation slot %s", dir)
	}
	dest := filepath.Join(dir, filepath.Base(libPath))
	if err := fsutil.RenameWithFallback(libPath, dest); err != nil {
		return "", errors.Wrapf(err, "preserving %s", libPath)
	}
	return dest, nil
}

// Release deletes the preserved copy once its consumer list has emptied
// (spec §3: "destroyed when every consumer has been rebuilt").
func (a *Area) Release(preservedPath string) error {
	if err := os.Remove(preservedPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "releasing preserved lib %s", preservedPath)
	}
	// clean up the now-empty blake3 slot directory, best-effort.
	os.Remove(filepath.Dir(preservedPath))
	return nil
}

// cfgCounterRe matches an existing diverted config file's counter so a
// re-merge can find the lowest unused one (spec §4.7: "####" chosen as the
// lowest unused 4-digit counter; "a subsequent merge reuses the same
// counter scheme").
var cfgCounterRe = regexp.MustCompile(`^\._cfg(\d{4})_`)

// NextCfgCounter scans dir for existing ._cfg####_<base> siblings of base
// and returns the lowest unused 4-digit counter.
func NextCfgCounter(dir, base string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "0000", nil
		}
		return "", errors.Wrapf(err, "reading %s for config-protect counters", dir)
	}
	used := make(map[int]bool)
	for _, de := range entries {
		m := cfgCounterRe.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		if de.Name()[len(m[0]):] != base {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		used[n] = true
	}
	for n := 0; n < 10000; n++ {
		if !used[n] {
			return fmt.Sprintf("%04d", n), nil
		}
	}
	return "", errors.Errorf("no unused config-protect counter left for %s", base)
}

// DivertedName returns the ._cfg####_<base> side name for base using
// counter.
func DivertedName(counter, base string) string {
	return "._cfg" + counter + "_" + base
}

// IsProtected reports whether path falls under one of the CONFIG_PROTECT
// prefixes and not under a CONFIG_PROTECT_MASK prefix (spec §4.7).
func IsProtected(path string, protect, protectMask []string) bool {
	protected := false
	for _, p := range protect {
		if fsutil.HasFilepathPrefix(path, p) {
			protected = true
			break
		}
	}
	if !protected {
		return false
	}
	for _, m := range protectMask {
		if fsutil.HasFilepathPrefix(path, m) {
			return false
		}
	}
	return true
}

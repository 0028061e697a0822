package executor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/builder"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/fsutil"
	"github.com/buckos/buckos/internal/resolver"
	"github.com/buckos/buckos/internal/vdb"
)

// stagedImages hands a build task's output to its merge task across
// goroutine boundaries -- the two run as separate graph nodes, connected
// only by the B(p)->M(p) edge, so the payload itself needs its own
// thread-safe handoff.
type stagedImages struct {
	mu sync.Mutex
	m  map[atom.PackageID]*builder.StagedImage
}

func newStagedImages() *stagedImages {
	return &stagedImages{m: make(map[atom.PackageID]*builder.StagedImage)}
}

func (s *stagedImages) put(id atom.PackageID, img *builder.StagedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = img
}

func (s *stagedImages) get(id atom.PackageID) (*builder.StagedImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.m[id]
	return img, ok
}

// buildRecord walks img.Root and assembles the vdb.Record a merge commits
// (spec §3's CONTENTS: "list of {path, kind, size, blake3 hash, mtime}").
// Uses godirwalk for the same reason internal/preserve does: a staged
// build tree can run to many thousands of entries and a plain
// filepath.Walk is the measurably slower option over that volume.
func buildRecord(ia resolver.InstallAction, meta *catalog.PackageMeta, img *builder.StagedImage, repoOrigin string, host vdb.BuildHost) (*vdb.Record, error) {
	rec := &vdb.Record{
		ID:               ia.ID,
		Slot:             meta.Slot,
		EffectiveUse:     ia.EffectiveUse,
		IUSEEffective:    meta.IUSE,
		Depend:           meta.Depend,
		BDepend:          meta.BDepend,
		RDepend:          meta.RDepend,
		PDepend:          meta.PDepend,
		IDepend:          meta.IDepend,
		InstalledAt:      time.Now(),
		RepoOrigin:       repoOrigin,
		BuildHost:        host,
		SubslotsConsumed: ia.SubslotsConsumed,
	}

	err := godirwalk.Walk(img.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == img.Root {
				return nil
			}
			rel, err := filepath.Rel(img.Root, path)
			if err != nil {
				return errors.Wrapf(err, "computing relative path for %s", path)
			}
			ce := vdb.ContentEntry{Path: "/" + filepath.ToSlash(rel)}

			switch {
			case de.IsDir():
				ce.Kind = vdb.ContentDir
			case de.IsSymlink():
				ce.Kind = vdb.ContentSymlink
				fi, err := os.Lstat(path)
				if err != nil {
					return errors.Wrapf(err, "lstat %s", path)
				}
				ce.Mtime = fi.ModTime()
			default:
				ce.Kind = vdb.ContentFile
				fi, err := os.Stat(path)
				if err != nil {
					return errors.Wrapf(err, "stat %s", path)
				}
				ce.Size = fi.Size()
				ce.Mtime = fi.ModTime()
				digest, err := fsutil.Blake3File(path)
				if err != nil {
					return errors.Wrapf(err, "hashing %s", path)
				}
				ce.Blake3 = digest
			}
			rec.Contents = append(rec.Contents, ce)
			return nil
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking staged image %s", img.Root)
	}
	return rec, nil
}

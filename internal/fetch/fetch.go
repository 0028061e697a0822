// Package fetch implements reference Fetcher adapters for the distfile
// cache's SRC_URI entries (spec §6's consumed Fetcher interface:
// "Fetcher::get(uri, expected_hash, expected_size) -> local_path"). The
// core only calls through the Fetcher interface; these are pluggable
// reference implementations for http(s), local paths, and vcs:// (git,
// bzr, hg, svn) URIs, grounded on the teacher's vcs_repo.go/vcs_source.go
// (Masterminds/vcs-backed transports) and project_manager.go's
// shutil.CopyTree idiom for exporting a checked-out tree into the
// distfile-shaped single file layout Publish expects.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/pkg/errors"
	"github.com/termie/go-shutil"

	"github.com/buckos/buckos/internal/fsutil"
)

// Fetcher is the consumed interface the executor's fetch tasks drive (spec
// §6): Get retrieves uri to a local temp path the caller then verifies and
// publishes into the distfile cache.
type Fetcher interface {
	Get(ctx context.Context, uri string, destDir string) (localPath string, err error)
}

// HTTPFetcher retrieves http(s):// SRC_URI entries through net/http. It has
// no ftp:// transport; an ftp:// URI fails with an unsupported-scheme error.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: http.DefaultClient}
}

func (f *HTTPFetcher) Get(ctx context.Context, uri, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", errors.Wrapf(err, "building request for %s", uri)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "fetching %s", uri)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetching %s: unexpected status %s", uri, resp.Status)
	}

	dest := filepath.Join(destDir, filepath.Base(uri))
	out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.Wrapf(err, "creating temp file for %s", uri)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", errors.Wrapf(err, "writing %s", uri)
	}
	return dest, nil
}

// LocalFetcher resolves file:// and bare filesystem-path SRC_URI entries,
// for RESTRICT="fetch" packages whose distfile must already be present
// offline (spec §4.6).
type LocalFetcher struct{}

func (LocalFetcher) Get(_ context.Context, uri, destDir string) (string, error) {
	src := strings.TrimPrefix(uri, "file://")
	if _, err := os.Stat(src); err != nil {
		return "", errors.Wrapf(err, "manual fetch required: %s not present offline", src)
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	if err := fsutil.CopyFile(src, dest); err != nil {
		return "", errors.Wrapf(err, "copying local distfile %s", src)
	}
	return dest, nil
}

// VCSFetcher resolves vcs+<scheme>:// SRC_URI entries (git, bzr, hg, svn)
// via Masterminds/vcs, exporting the checked-out tree as a single archive
// member under destDir the same way project_manager.go/vcs_source.go use
// shutil.CopyTree to export a checkout into a vendor-shaped directory.
type VCSFetcher struct {
	// WorkDir is a scratch directory VCSFetcher clones into before
	// exporting; repeated fetches of the same remote reuse the clone.
	WorkDir string
}

func NewVCSFetcher(workDir string) *VCSFetcher {
	return &VCSFetcher{WorkDir: workDir}
}

func (f *VCSFetcher) Get(_ context.Context, uri, destDir string) (string, error) {
	remote, ref, vcsType := parseVCSURI(uri)
	local := filepath.Join(f.WorkDir, sanitizeRemote(remote))

	repo, err := newRepo(vcsType, remote, local)
	if err != nil {
		return "", errors.Wrapf(err, "constructing vcs repo for %s", uri)
	}
	if repo.CheckLocal() {
		if err := repo.Update(); err != nil {
			return "", errors.Wrapf(err, "updating vcs checkout %s", remote)
		}
	} else {
		if err := repo.Get(); err != nil {
			return "", errors.Wrapf(err, "cloning vcs repo %s", remote)
		}
	}
	if ref != "" {
		if err := repo.UpdateVersion(ref); err != nil {
			return "", errors.Wrapf(err, "checking out %s@%s", remote, ref)
		}
	}

	dest := filepath.Join(destDir, sanitizeRemote(remote)+".tree")
	cfg := &shutil.CopyTreeOptions{
		Symlinks:     true,
		CopyFunction: shutil.Copy,
		Ignore: func(src string, contents []os.FileInfo) (ignore []string) {
			for _, fi := range contents {
				if fi.IsDir() && strings.HasPrefix(fi.Name(), ".") {
					ignore = append(ignore, fi.Name())
				}
			}
			return
		},
	}
	if err := shutil.CopyTree(local, dest, cfg); err != nil {
		return "", errors.Wrapf(err, "exporting vcs checkout %s", remote)
	}
	return dest, nil
}

func newRepo(vcsType, remote, local string) (vcs.Repo, error) {
	switch vcsType {
	case "git":
		return vcs.NewGitRepo(remote, local)
	case "bzr":
		return vcs.NewBzrRepo(remote, local)
	case "hg":
		return vcs.NewHgRepo(remote, local)
	case "svn":
		return vcs.NewSvnRepo(remote, local)
	default:
		return vcs.NewGitRepo(remote, local)
	}
}

// parseVCSURI splits a "vcs+git+https://host/repo@ref" style URI into its
// remote, an optional ref, and the vcs type token.
func parseVCSURI(uri string) (remote, ref, vcsType string) {
	s := strings.TrimPrefix(uri, "vcs+")
	parts := strings.SplitN(s, "+", 2)
	if len(parts) == 2 {
		vcsType = parts[0]
		s = parts[1]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		remote, ref = s[:i], s[i+1:]
	} else {
		remote = s
	}
	return remote, ref, vcsType
}

func sanitizeRemote(remote string) string {
	r := strings.NewReplacer("://", "_", "/", "_", ":", "_", "@", "_")
	return r.Replace(remote)
}

// MirrorResolve expands a thirdpartymirrors-style "mirror://<name>/<path>"
// URI into candidate absolute URLs using the configured mirror bases
// (spec §6: "Mirrors are resolved via thirdpartymirrors"). Returns the
// original uri unchanged (as a single-element slice) if it isn't a
// mirror:// URI.
func MirrorResolve(uri string, mirrors func(name string) []string) []string {
	if !strings.HasPrefix(uri, "mirror://") {
		return []string{uri}
	}
	rest := strings.TrimPrefix(uri, "mirror://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return nil
	}
	name, path := parts[0], parts[1]
	var out []string
	for _, base := range mirrors(name) {
		out = append(out, strings.TrimRight(base, "/")+"/"+path)
	}
	return out
}

// Package builder adapts the external hermetic build backend consumed
// through the Builder interface (spec §6, §1's "the hermetic build
// backend -- invoked through a Builder interface producing a staged
// install tree"). The core never runs builds itself; it only shapes the
// request and collects the resulting StagedImage. Grounded on the
// teacher's SourceManager/ProjectAnalyzer split (source_manager.go): a
// narrow consumed interface plus a concrete adapter (here, one that shells
// out) the way the teacher's SourceMgr wraps external VCS tools behind
// ProjectAnalyzer.
package builder

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/buckos/buckos/internal/atom"
)

// StagedImage is the filesystem directory containing the files to be
// merged, as produced by a Builder call (spec §6). Root preserves file
// modes and symlink targets with the staging-prefix rewrite rule already
// applied by convention -- see internal/fsutil.RewriteSymlinkTarget.
type StagedImage struct {
	Root string
}

// BuildRequest carries everything a Builder needs for one package build
// (spec §4.2's resolved USE/slot configuration, §6's env hooks).
type BuildRequest struct {
	ID           atom.PackageID
	EffectiveUse map[string]bool
	Env          map[string]string // optional REPLACING_VERSIONS-style hooks (spec §9)
}

// Error is the tagged BuildError the Builder interface returns on failure
// (spec §4.4, §7): "modeled as tagged BuildError returned by the Builder
// interface; the core does not interpret shell semantics."
type Error struct {
	ID    atom.PackageID
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return "build failed for " + e.ID.String() + " at stage " + e.Stage + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Builder is the consumed interface (spec §6): "Builder::build(pkg_id,
// effective_use, env) -> StagedImage".
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (*StagedImage, error)
}

// ExecBuilder is a reference Builder implementation that shells out to an
// external hermetic build command per invocation, collecting its staged
// install tree from a fixed output directory convention
// (<workDir>/<pkg-id>/). This is the adapter boundary named in spec §1's
// Non-goals ("executing arbitrary shell phases (delegated)") -- it invokes
// one external binary and interprets only its exit code and staged tree,
// never ebuild phase functions.
type ExecBuilder struct {
	// Command is the hermetic build backend's entry point, invoked as
	// `Command <pkg-id> <use-flags-csv> <stage-dir>`.
	Command string
	WorkDir string
}

func NewExecBuilder(command, workDir string) *ExecBuilder {
	return &ExecBuilder{Command: command, WorkDir: workDir}
}

func (b *ExecBuilder) Build(ctx context.Context, req BuildRequest) (*StagedImage, error) {
	stageDir := filepath.Join(b.WorkDir, req.ID.String())
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, &Error{ID: req.ID, Stage: "setup", Err: err}
	}

	cmd := exec.CommandContext(ctx, b.Command, req.ID.String(), useCSV(req.EffectiveUse), stageDir)
	cmd.Env = append(os.Environ(), envPairs(req.Env)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &Error{ID: req.ID, Stage: "build", Err: errors.Wrap(err, stderr.String())}
	}
	return &StagedImage{Root: stageDir}, nil
}

func useCSV(use map[string]bool) string {
	var buf bytes.Buffer
	first := true
	for flag, on := range use {
		if !on {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		buf.WriteString(flag)
		first = false
	}
	return buf.String()
}

func envPairs(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

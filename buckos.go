// Package buckos wires the catalog, VDB, resolver, transaction engine, and
// parallel executor into the single Engine entry point an outer CLI drives
// (spec §1, §6). It mirrors the teacher's root `dep` package, whose Ctx type
// glues together the source manager, project loader, and solver behind one
// small surface for cmd/dep to call -- here Engine plays that role for
// cmd/buckos.
package buckos

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/builder"
	"github.com/buckos/buckos/internal/cache"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/executor"
	"github.com/buckos/buckos/internal/fetch"
	"github.com/buckos/buckos/internal/preserve"
	"github.com/buckos/buckos/internal/repository"
	"github.com/buckos/buckos/internal/resolver"
	"github.com/buckos/buckos/internal/txn"
	"github.com/buckos/buckos/internal/vdb"
)

// vendor names this project's on-disk layout (spec §6's "Persisted state
// layout"): <root>/var/{db,cache}/buckos/...
const vendor = "buckos"

// ExitCode maps an Engine.Apply outcome to the exit status spec §6 defines
// for an outer CLI: 0 success, 1 user-cancelable resolution/planning
// failure, 2 runtime failure with a clean rollback, 3 unrecoverable partial
// state requiring manual journal intervention.
type ExitCode int

const (
	ExitSuccess          ExitCode = 0
	ExitResolutionFailed ExitCode = 1
	ExitRuntimeFailed    ExitCode = 2
	ExitUnrecoverable    ExitCode = 3
)

// Engine is the long-lived handle a caller opens once per invocation: it
// owns the VDB store and distfile cache (both hold file locks/open handles)
// and holds the catalog snapshot and config view loaded at Open time. A new
// Engine must be opened to pick up a changed repository or configuration,
// matching the teacher's "load once per command, never reload mid-run"
// shape (context.go's Ctx).
type Engine struct {
	Root string // target filesystem root merges/removes apply to

	cfg       config.ConfigView
	cat       *catalog.Catalog
	store     *vdb.Store
	dist      *cache.Cache
	preserved *preserve.Area

	fetcher fetch.Fetcher
	bldr    builder.Builder
	limits  executor.Limits
}

// Options configures Open. Fetcher and Builder default to the reference
// adapters (internal/fetch, internal/builder) if left nil; a caller
// embedding buckos in a different outer CLI may supply its own.
type Options struct {
	Root       string // target filesystem root (merges/removes land here)
	ConfigPath string // make.conf-shaped TOML config (internal/config.LoadTOML)
	RepoRoot   string // repository snapshot root (internal/repository.Open)

	Fetcher fetch.Fetcher
	Builder builder.Builder
	Limits  executor.Limits

	// Logger receives per-package CatalogError entries encountered while
	// loading the repository snapshot (spec §4.1: "logged, version
	// omitted, load continues"). Defaults to a stderr logger if nil.
	Logger *log.Logger
}

// Open loads configuration, the repository snapshot, and the VDB, and
// returns a ready-to-use Engine. It creates the package database, distfile
// cache and preserved-libs directories under Root if they are absent; no
// merge/remove happens until Apply is called.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}

	cfg, err := config.LoadTOML(opts.ConfigPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading configuration")
	}

	snap, err := repository.Open(opts.RepoRoot)
	if err != nil {
		return nil, errors.Wrap(err, "opening repository snapshot")
	}
	raws, loadErrs := snap.Load()
	for _, e := range loadErrs {
		// Per-package metadata failures never abort the whole catalog load
		// (spec §4.1's CatalogError semantics: logged, version omitted).
		logger.Printf("buckos: repository load: %v", e)
	}

	cat, catErrs := catalog.Load(raws, cfg)
	for _, e := range catErrs {
		logger.Printf("buckos: catalog load: %v", e)
	}
	if len(catErrs) == len(raws) && len(raws) > 0 {
		return nil, errors.Errorf("catalog.Load: every package failed (%d errors)", len(catErrs))
	}

	dbDir := filepath.Join(opts.Root, "var", "db", vendor)
	store, err := vdb.Open(dbDir, logger)
	if err != nil {
		return nil, errors.Wrap(err, "opening package database")
	}

	cacheDir := filepath.Join(opts.Root, "var", "cache", vendor, "distfiles")
	dist, err := cache.Open(cacheDir)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "opening distfile cache")
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewHTTPFetcher()
	}
	bldr := opts.Builder
	if bldr == nil {
		bldr = builder.NewExecBuilder("buckos-build", filepath.Join(opts.Root, "var", "tmp", vendor))
	}

	preserved, err := preserve.Open(filepath.Join(opts.Root, "var", "db", vendor, "preserved"))
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "opening preserved-libs area")
	}

	return &Engine{
		Root:      opts.Root,
		cfg:       cfg,
		cat:       cat,
		store:     store,
		dist:      dist,
		preserved: preserved,
		fetcher:   fetcher,
		bldr:      bldr,
		limits:    opts.Limits,
	}, nil
}

// Close releases the VDB's file lock. The Engine must not be used after
// Close returns.
func (e *Engine) Close() error { return e.store.Close() }

// Resolve runs the SAT-based resolver (spec §4.2) over the currently
// installed set and req, returning a Plan an outer CLI would normally
// render for user confirmation before calling Apply.
func (e *Engine) Resolve(req resolver.Request) (*resolver.Plan, error) {
	installed, err := e.store.ListInstalled()
	if err != nil {
		return nil, errors.Wrap(err, "listing installed packages")
	}
	return resolver.New(e.cat, e.cfg, e.store).Resolve(installed, req)
}

// Apply opens a transaction, drives plan through the parallel executor
// (spec §4.5), and commits or rolls back depending on the outcome (spec
// §4.4). journalRoot is where the transaction's journal and shadow copies
// live -- spec §6's "<root>/var/db/<vendor>/journal/<tx_id>/".
//
// The returned ExitCode classifies the failure the way spec §6 expects an
// outer CLI to report it; a non-nil error always accompanies any code other
// than ExitSuccess.
func (e *Engine) Apply(ctx context.Context, plan *resolver.Plan, events *executor.Stream) (ExitCode, error) {
	journalRoot := filepath.Join(e.Root, "var", "db", vendor, "journal")
	protect, protectMask := configProtectTokens(e.cfg)
	tx, err := txn.Begin(e.store, e.Root, journalRoot, protect, protectMask)
	if err != nil {
		return ExitRuntimeFailed, errors.Wrap(err, "beginning transaction")
	}

	exec := executor.New(e.cat, e.cfg, e.fetcher, e.bldr, e.dist, e.limits, events)
	exec.Root = e.Root
	exec.Preserve = e.preserved

	installed, err := e.installedByName()
	if err != nil {
		return ExitRuntimeFailed, errors.Wrap(err, "snapshotting installed set")
	}

	runErr := exec.Run(ctx, tx, plan, installed)
	if runErr == nil {
		if err := tx.Close(); err != nil {
			return ExitUnrecoverable, errors.Wrap(err, "committing transaction")
		}
		return ExitSuccess, nil
	}

	if rbErr := tx.Rollback(); rbErr != nil {
		return ExitUnrecoverable, errors.Wrapf(rbErr, "rollback after run failure (run error: %v)", runErr)
	}
	return ExitRuntimeFailed, runErr
}

// installedByName snapshots the VDB into the per-qualified-name map the
// executor needs to find the record a merge replaces (or a remove targets).
func (e *Engine) installedByName() (map[atom.QualifiedName]*vdb.Record, error) {
	recs, err := e.store.ListInstalled()
	if err != nil {
		return nil, err
	}
	out := make(map[atom.QualifiedName]*vdb.Record, len(recs))
	for _, r := range recs {
		out[r.ID.Name] = r
	}
	return out, nil
}

// configProtectTokens reads CONFIG_PROTECT/CONFIG_PROTECT_MASK out of the
// flattened make.conf view (spec §4.7).
func configProtectTokens(cfg config.ConfigView) (protect, protectMask []string) {
	mc := cfg.MakeConf()
	return strings.Fields(mc["CONFIG_PROTECT"]), strings.Fields(mc["CONFIG_PROTECT_MASK"])
}

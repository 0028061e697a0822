// Package executor implements the parallel execution engine (spec §4.5):
// it schedules fetch->build->merge across the packages in a resolved Plan
// with dependency-respecting parallelism, bounded concurrency per phase,
// progress reporting, and cooperative failure isolation. Grounded on the
// teacher's internal/gps/cmd.go sem-channel idiom
// (CtxWithCmdLimit/cmd.acquire) for bounded concurrency pools, generalized
// from "limit concurrent subprocesses" to the spec's three-pool
// (fetch/build/merge) task graph; coordination and first-error
// cancellation use golang.org/x/sync/errgroup, the same dependency the
// teacher already carries for its own goroutine fan-out (DESIGN.md).
package executor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/builder"
	"github.com/buckos/buckos/internal/cache"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/fetch"
	"github.com/buckos/buckos/internal/preserve"
	"github.com/buckos/buckos/internal/resolver"
	"github.com/buckos/buckos/internal/txn"
	"github.com/buckos/buckos/internal/vdb"
)

// sem is a counting semaphore implemented as a buffered channel, the same
// idiom as the teacher's internal/gps/cmd.go "type sem chan struct{}".
type sem chan struct{}

func (s sem) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s sem) release() { <-s }

// Limits configures the fetch and build concurrency pools of spec §4.5
// ("Separate concurrency pools: fetch_workers, build_workers,
// merge_workers=1"). It has no merge-pool setting: Run always serializes
// merges through a single slot, matching the spec's "merges are
// serialized through the transaction".
type Limits struct {
	FetchWorkers int
	BuildWorkers int

	FetchTimeout time.Duration
	BuildTimeout time.Duration
	MergeTimeout time.Duration

	// FetchRetries is the maximum number of attempts per URI; each mirror
	// URI of a SRC_URI entry gets its own attempts (spec §4.5's "Maximum N
	// retries per URI with exponential backoff").
	FetchRetries int
	// FetchBackoff is the base delay before the first retry; each
	// subsequent retry doubles it.
	FetchBackoff time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.FetchWorkers <= 0 {
		l.FetchWorkers = 4
	}
	if l.BuildWorkers <= 0 {
		l.BuildWorkers = 4
	}
	if l.FetchRetries <= 0 {
		l.FetchRetries = 3
	}
	if l.FetchBackoff <= 0 {
		l.FetchBackoff = 500 * time.Millisecond
	}
	return l
}

// Executor drives one Plan's fetch/build/merge task graph to completion
// (spec §4.5). It is stateless between Run calls beyond the handles it was
// constructed with -- a new task graph is built fresh per Plan, mirroring
// the resolver's own per-call purity.
type Executor struct {
	cat     *catalog.Catalog
	cfg     config.ConfigView
	fetcher fetch.Fetcher
	bldr    builder.Builder
	dcache  *cache.Cache

	limits Limits
	events *Stream

	// RepoOrigin is recorded on every merged vdb.Record (spec §3's "VDB
	// record... repository origin"); the catalog/repository layers don't
	// themselves carry a repo name today (single-snapshot assumption), so
	// this is supplied by the caller from ConfigView.Repositories()[0].
	RepoOrigin string
	// Host identifies the build host tuple recorded alongside each merge
	// (spec §3, §9's optional REPLACING_VERSIONS-style env hooks).
	Host vdb.BuildHost

	// Root is the live filesystem root removal's preserved-libs scan reads
	// CONTENTS paths against. Preserve is the preservation area a removed
	// still-referenced shared library is moved into (spec §4.7); both are
	// left zero-valued by New, in which case runRemove falls back to a
	// plain unmerge with no preserved-libs capture (matching the executor
	// tests, which never configure this).
	Root     string
	Preserve *preserve.Area
}

// New constructs an Executor. events may be nil, in which case a
// default-sized Stream is created and discarded by the caller if unused.
func New(cat *catalog.Catalog, cfg config.ConfigView, fetcher fetch.Fetcher, bldr builder.Builder, dcache *cache.Cache, limits Limits, events *Stream) *Executor {
	if events == nil {
		events = NewStream(256)
	}
	return &Executor{
		cat:     cat,
		cfg:     cfg,
		fetcher: fetcher,
		bldr:    bldr,
		dcache:  dcache,
		limits:  limits.withDefaults(),
		events:  events,
	}
}

// Events returns the executor's progress stream (spec §4.5, §6).
func (e *Executor) Events() *Stream { return e.events }

// CancelToken is the single token propagated through every worker (spec
// §5: "A single CancelToken propagates through all workers. Cancel is
// monotonic."). It wraps a context.Context/CancelFunc pair; Cancel is
// idempotent, matching the spec's monotonicity requirement.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelToken derives a cancelable token from parent.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

func (t *CancelToken) Context() context.Context { return t.ctx }
func (t *CancelToken) Cancel()                  { t.cancel() }
func (t *CancelToken) Done() <-chan struct{}    { return t.ctx.Done() }
func (t *CancelToken) Err() error               { return t.ctx.Err() }

// Run executes plan's task graph against tx (an already-Begin'd
// Transaction covering the whole plan, per spec §4.4: a Plan maps to one
// transaction) and the given installed-package snapshot (for locating the
// prior record a merge replaces). It returns the first task error, having
// already rolled the responsibility for transaction rollback to the
// caller -- Run itself only executes steps; §4.4's Rollback/Resume
// protocol is the caller's to invoke on a non-nil return, matching txn's
// existing API shape.
func (e *Executor) Run(ctx context.Context, tx *txn.Transaction, plan *resolver.Plan, installed map[atom.QualifiedName]*vdb.Record) error {
	tok := NewCancelToken(ctx)
	defer tok.Cancel()

	for _, ia := range plan.Installs {
		e.events.Emit(Event{Kind: Planned, Pkg: ia.ID})
	}

	g := buildGraph(plan, e.cat)

	fetchSem := make(sem, e.limits.FetchWorkers)
	buildSem := make(sem, e.limits.BuildWorkers)
	mergeSem := make(sem, 1) // merge_workers=1, spec §4.5

	fetchByID := make(map[atom.PackageID]resolver.FetchRequirement, len(plan.FetchRequirements))
	for _, fr := range plan.FetchRequirements {
		fetchByID[fr.ID] = fr
	}
	installByID := make(map[atom.PackageID]resolver.InstallAction, len(plan.Installs))
	for _, ia := range plan.Installs {
		installByID[ia.ID] = ia
	}

	staged := newStagedImages()

	eg, egctx := errgroup.WithContext(tok.Context())
	for _, id := range g.topo {
		n := g.nodes[id]
		eg.Go(func() error {
			if err := g.wait(egctx, n); err != nil {
				n.finish(err)
				return err
			}
			var err error
			switch n.id.Stage {
			case stageFetch:
				err = e.runFetch(egctx, fetchSem, n.id.ID, fetchByID[n.id.ID])
			case stageBuild:
				err = e.runBuild(egctx, buildSem, installByID[n.id.ID], staged)
			case stageMerge:
				err = e.runMerge(egctx, mergeSem, tx, installByID[n.id.ID], staged, installed)
			case stageRemove:
				err = e.runRemove(egctx, mergeSem, tx, n.id.ID, installed)
			}
			if err != nil {
				e.events.Emit(Event{Kind: Failed, Pkg: n.id.ID, Err: err})
			}
			n.finish(err)
			return err
		})
	}
	return eg.Wait()
}

// runFetch executes the Fetch task for id (spec §4.5's fetch retry policy:
// mirrors tried in order on network failure, immediate failure on checksum
// mismatch, N retries with exponential backoff per URI).
func (e *Executor) runFetch(ctx context.Context, s sem, id atom.PackageID, req resolver.FetchRequirement) error {
	if len(req.Fetch) == 0 {
		return nil
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if e.limits.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.FetchTimeout)
		defer cancel()
	}

	e.events.Emit(Event{Kind: FetchStarted, Pkg: id})
	for i, entry := range req.Fetch {
		if err := e.fetchOne(ctx, id, req, entry, i, len(req.Fetch)); err != nil {
			return err
		}
	}
	e.events.Emit(Event{Kind: FetchCompleted, Pkg: id})
	return nil
}

func (e *Executor) fetchOne(ctx context.Context, id atom.PackageID, req resolver.FetchRequirement, entry resolver.SrcURIEntry, idx, total int) error {
	if e.dcache.Has(entry.Filename) {
		if err := e.dcache.Verify(entry.Filename, entry.Hashes); err == nil {
			return nil
		}
		// Cached copy fails to verify (e.g. a manifest checksum bump): fall
		// through and refetch as if it were absent.
	}

	if req.RestrictFetch {
		return &FetchError{ID: id, Filename: entry.Filename, Err: errors.New("manual fetch required: RESTRICT=fetch and file not present offline")}
	}

	uris := []string{entry.URI}
	if !req.RestrictMirror {
		uris = fetch.MirrorResolve(entry.URI, e.cfg.Mirrors)
	}
	if len(uris) == 0 {
		uris = []string{entry.URI}
	}

	var tried []string
	for _, uri := range uris {
		localPath, err := e.fetchWithRetry(ctx, uri)
		if err != nil {
			tried = append(tried, uri)
			continue
		}
		verifyErr := func() error {
			tmp := &cache.Cache{Dir: filepath.Dir(localPath)}
			return tmp.Verify(filepath.Base(localPath), entry.Hashes)
		}()
		if verifyErr != nil {
			os.Remove(localPath)
			// Checksum mismatch: fail this entry immediately without
			// consulting further mirrors (spec §4.5).
			return &FetchError{ID: id, Filename: entry.Filename, Err: verifyErr}
		}
		if err := e.dcache.Publish(localPath, entry.Filename, entry.Hashes); err != nil {
			return &FetchError{ID: id, Filename: entry.Filename, Err: err}
		}
		e.events.Emit(Event{Kind: FetchProgress, Pkg: id, Percent: ((idx + 1) * 100) / total})
		return nil
	}
	return &FetchError{ID: id, Filename: entry.Filename, Err: errors.New("all mirrors exhausted"), TriedMirrors: tried}
}

// fetchWithRetry tries a single URI up to FetchRetries times in total, with
// exponential backoff between attempts (spec §4.5), fetching into a fresh temp dir each
// attempt so a partial download never gets mistaken for a complete one.
func (e *Executor) fetchWithRetry(ctx context.Context, uri string) (string, error) {
	backoff := e.limits.FetchBackoff
	var lastErr error
	for attempt := 0; attempt < e.limits.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
		destDir, err := os.MkdirTemp("", "buckos-fetch-")
		if err != nil {
			return "", errors.Wrap(err, "creating fetch temp dir")
		}
		local, err := e.fetcher.Get(ctx, uri, destDir)
		if err == nil {
			return local, nil
		}
		lastErr = err
		os.RemoveAll(destDir)
	}
	return "", errors.Wrapf(lastErr, "fetching %s", uri)
}

// runBuild invokes the Builder (spec §6) and records the resulting staged
// image for the merge task to pick up.
func (e *Executor) runBuild(ctx context.Context, s sem, ia resolver.InstallAction, staged *stagedImages) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if e.limits.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.BuildTimeout)
		defer cancel()
	}

	e.events.Emit(Event{Kind: BuildStarted, Pkg: ia.ID})
	img, err := e.bldr.Build(ctx, builder.BuildRequest{ID: ia.ID, EffectiveUse: ia.EffectiveUse})
	if err != nil {
		return err
	}
	staged.put(ia.ID, img)
	e.events.Emit(Event{Kind: BuildCompleted, Pkg: ia.ID})
	return nil
}

// runMerge walks the staged image into a vdb.Record and hands it to the
// transaction engine (spec §4.4 steps 3/5/6, driven here from the merge
// pool of size 1).
func (e *Executor) runMerge(ctx context.Context, s sem, tx *txn.Transaction, ia resolver.InstallAction, staged *stagedImages, installed map[atom.QualifiedName]*vdb.Record) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	img, ok := staged.get(ia.ID)
	if !ok {
		return errors.Errorf("merge %s: no staged image produced by its build task", ia.ID)
	}

	meta, ok := e.cat.Get(ia.ID)
	if !ok {
		return errors.Errorf("merge %s: not present in catalog", ia.ID)
	}
	rec, err := buildRecord(ia, meta, img, e.RepoOrigin, e.Host)
	if err != nil {
		return errors.Wrapf(err, "assembling vdb record for %s", ia.ID)
	}

	var prior *vdb.Record
	if p, ok := installed[ia.ID.Name]; ok && p.Slot.Slot == rec.Slot.Slot {
		prior = p
	}

	replacing := map[atom.PackageID]bool{}
	if prior != nil {
		replacing[prior.ID] = true
	}
	var stagedFiles []string
	for _, ce := range rec.Contents {
		if ce.Kind == vdb.ContentFile {
			stagedFiles = append(stagedFiles, ce.Path)
		}
	}
	if err := tx.CheckCollisions(stagedFiles, replacing); err != nil {
		return err
	}

	if err := e.runWithTimeout(ctx, e.limits.MergeTimeout, func() error {
		return tx.MergePackage(rec, img, prior)
	}); err != nil {
		return err
	}
	installed[ia.ID.Name] = rec
	e.recheckPreservedLibs(tx, installed)
	e.events.Emit(Event{Kind: MergeCompleted, Pkg: ia.ID})
	return nil
}

// recheckPreservedLibs implements the second half of spec §4.7's preserved
// lib lifecycle: after a merge potentially rebuilds a former consumer of a
// preserved library against the real SONAME again, recompute every
// preserved lib's consumer set against the current installed snapshot and
// release it once nothing references it anymore. Runs inline inside the
// merge pool (size 1), so no extra synchronization is needed around the
// shared installed map or the VDB.
func (e *Executor) recheckPreservedLibs(tx *txn.Transaction, installed map[atom.QualifiedName]*vdb.Record) {
	if e.Preserve == nil {
		return
	}
	libs, err := tx.PreservedLibs()
	if err != nil {
		return
	}
	if len(libs) == 0 {
		return
	}
	records := make([]*vdb.Record, 0, len(installed))
	for _, rec := range installed {
		records = append(records, rec)
	}
	for _, pl := range libs {
		soname, err := preserve.SONAME(pl.Path)
		if err != nil || soname == "" {
			continue
		}
		consumers, err := preserve.Consumers(e.Root, records, soname)
		if err != nil {
			continue
		}
		if err := tx.UpdatePreservedLib(pl, consumers, e.Preserve); err != nil {
			e.events.Emit(Event{Kind: Failed, Pkg: pl.Provider, Err: errors.Wrapf(err, "rechecking preserved lib %s", pl.Path)})
		}
	}
}

// runWithTimeout runs fn to completion, returning ctx.Err() instead if
// timeout elapses (or ctx is otherwise canceled) first. Used for the
// merge/remove phases, whose underlying filesystem calls (spec §4.4)
// don't themselves accept a context -- spec §5's "the worker is canceled"
// on expiry is satisfied from the scheduler's point of view (the task is
// reported failed and no dependent proceeds); the underlying write isn't
// forcibly interrupted mid-syscall, matching Go's usual inability to
// cancel a blocking filesystem call.
func (e *Executor) runWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runRemove unmerges an installed package (spec §4.4's UnmergePkg step).
func (e *Executor) runRemove(ctx context.Context, s sem, tx *txn.Transaction, id atom.PackageID, installed map[atom.QualifiedName]*vdb.Record) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	rec, ok := installed[id.Name]
	if !ok || rec.ID != id {
		// Already gone, or superseded by a merge earlier in this same
		// transaction -- nothing to do.
		return nil
	}
	toRemove, preserved, err := e.capturePreservedLibs(rec, installed)
	if err != nil {
		return err
	}
	if err := e.runWithTimeout(ctx, e.limits.MergeTimeout, func() error {
		return tx.UnmergePackage(toRemove, preserved)
	}); err != nil {
		return err
	}
	delete(installed, id.Name)
	e.events.Emit(Event{Kind: RemoveCompleted, Pkg: id})
	return nil
}

// capturePreservedLibs implements spec §4.4 step 4 / §4.7: before rec is
// unmerged, scan every shared library it owns for SONAME consumers among
// the other currently-installed packages' ELF content. A still-referenced
// library is moved into the preservation area and excluded from the
// record's CONTENTS handed to UnmergePackage, so the file survives its
// owning package's removal until every consumer has been rebuilt.
func (e *Executor) capturePreservedLibs(rec *vdb.Record, installed map[atom.QualifiedName]*vdb.Record) (*vdb.Record, []vdb.PreservedLib, error) {
	if e.Preserve == nil {
		return rec, nil, nil
	}
	others := make([]*vdb.Record, 0, len(installed))
	for _, other := range installed {
		if other.ID == rec.ID {
			continue
		}
		others = append(others, other)
	}

	out := *rec
	out.Contents = nil
	var preserved []vdb.PreservedLib
	for _, ce := range rec.Contents {
		if ce.Kind != vdb.ContentFile {
			out.Contents = append(out.Contents, ce)
			continue
		}
		livePath := filepath.Join(e.Root, ce.Path)
		soname, err := preserve.SONAME(livePath)
		if err != nil || soname == "" {
			out.Contents = append(out.Contents, ce)
			continue
		}
		consumers, err := preserve.Consumers(e.Root, others, soname)
		if err != nil {
			return nil, nil, err
		}
		if len(consumers) == 0 {
			out.Contents = append(out.Contents, ce)
			continue
		}
		preservedPath, err := e.Preserve.Preserve(livePath, ce.Blake3)
		if err != nil {
			return nil, nil, err
		}
		preserved = append(preserved, vdb.PreservedLib{
			Path:      preservedPath,
			Blake3:    ce.Blake3,
			Provider:  rec.ID,
			Consumers: consumers,
		})
		// Excluded from out.Contents: the file no longer lives at its
		// owned path, so UnmergePackage must not try to remove it there.
	}
	return &out, preserved, nil
}

// FetchError reports a fetch failure for one SRC_URI entry after every
// available mirror has been tried (spec §4.4/§7's FetchFailed{pkg,
// tried_mirrors}).
type FetchError struct {
	ID           atom.PackageID
	Filename     string
	TriedMirrors []string
	Err          error
}

func (e *FetchError) Error() string {
	return "fetch failed for " + e.ID.String() + " (" + e.Filename + "): " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

package executor

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/builder"
	"github.com/buckos/buckos/internal/cache"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/preserve"
	"github.com/buckos/buckos/internal/repository"
	"github.com/buckos/buckos/internal/resolver"
	"github.com/buckos/buckos/internal/txn"
	"github.com/buckos/buckos/internal/vdb"
)

func mustID(t *testing.T, s string) atom.PackageID {
	t.Helper()
	id, err := atom.ParsePackageID(s)
	if err != nil {
		t.Fatalf("ParsePackageID(%q): %v", s, err)
	}
	return id
}

// fakeBuilder stages one file per package under a scratch directory,
// recording build order so tests can assert on dependency-respecting
// scheduling.
type fakeBuilder struct {
	mu      sync.Mutex
	workDir string
	order   []string
}

func (b *fakeBuilder) Build(ctx context.Context, req builder.BuildRequest) (*builder.StagedImage, error) {
	b.mu.Lock()
	b.order = append(b.order, req.ID.String())
	b.mu.Unlock()

	stageDir := filepath.Join(b.workDir, req.ID.String())
	binDir := filepath.Join(stageDir, "usr", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, err
	}
	name := req.ID.Name.Name
	if err := os.WriteFile(filepath.Join(binDir, name), []byte(req.ID.String()), 0o644); err != nil {
		return nil, err
	}
	return &builder.StagedImage{Root: stageDir}, nil
}

type noopFetcher struct{}

func (noopFetcher) Get(ctx context.Context, uri, destDir string) (string, error) {
	return "", nil
}

func baseRaw(idStr, rdepend string) repository.RawMetadata {
	id, err := atom.ParsePackageID(idStr)
	if err != nil {
		panic(err)
	}
	return repository.RawMetadata{
		ID:         id,
		Slot:       "0",
		EAPI:       "8",
		Keywords:   []string{"amd64"},
		RDepend:    rdepend,
		SourceHash: "hash-" + idStr,
	}
}

func newTestExecutor(t *testing.T, cat *catalog.Catalog, bldr builder.Builder) (*Executor, *vdb.Store, string) {
	t.Helper()
	store, err := vdb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("vdb.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	distCache, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}

	cfg := &config.StaticView{}
	exec := New(cat, cfg, noopFetcher{}, bldr, distCache, Limits{}, nil)
	root := t.TempDir()
	return exec, store, root
}

func TestRunMergesIndependentPackage(t *testing.T) {
	idFoo := mustID(t, "app-misc/foo-1.0")
	raws := []repository.RawMetadata{baseRaw("app-misc/foo-1.0", "")}
	cat, errs := catalog.Load(raws, &config.StaticView{})
	if len(errs) != 0 {
		t.Fatalf("catalog.Load: %v", errs)
	}

	bldr := &fakeBuilder{workDir: t.TempDir()}
	exec, store, root := newTestExecutor(t, cat, bldr)

	journalRoot := t.TempDir()
	tx, err := txn.Begin(store, root, journalRoot, nil, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	plan := &resolver.Plan{
		Installs: []resolver.InstallAction{{ID: idFoo, EffectiveUse: map[string]bool{}}},
	}
	installed := map[atom.QualifiedName]*vdb.Record{}
	if err := exec.Run(context.Background(), tx, plan, installed); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	qn, _ := atom.ParseQualifiedName("app-misc/foo")
	rec, ok := store.Get(qn, "0")
	if !ok {
		t.Fatal("app-misc/foo not committed to VDB")
	}
	if rec.ID != idFoo {
		t.Errorf("committed record id = %s, want %s", rec.ID, idFoo)
	}

	got, err := os.ReadFile(filepath.Join(root, "usr", "bin", "foo"))
	if err != nil {
		t.Fatalf("reading merged file: %v", err)
	}
	if string(got) != idFoo.String() {
		t.Errorf("merged file content = %q, want %q", got, idFoo.String())
	}
}

func TestRunOrdersRuntimeDependencyBeforeDependent(t *testing.T) {
	idBase := mustID(t, "app-misc/base-1.0")
	idApp := mustID(t, "app-misc/app-1.0")
	raws := []repository.RawMetadata{
		baseRaw("app-misc/base-1.0", ""),
		baseRaw("app-misc/app-1.0", "app-misc/base"),
	}
	cat, errs := catalog.Load(raws, &config.StaticView{})
	if len(errs) != 0 {
		t.Fatalf("catalog.Load: %v", errs)
	}

	bldr := &fakeBuilder{workDir: t.TempDir()}
	exec, store, root := newTestExecutor(t, cat, bldr)

	journalRoot := t.TempDir()
	tx, err := txn.Begin(store, root, journalRoot, nil, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	plan := &resolver.Plan{
		Installs: []resolver.InstallAction{
			{ID: idBase, EffectiveUse: map[string]bool{}},
			{ID: idApp, EffectiveUse: map[string]bool{}},
		},
	}
	installed := map[atom.QualifiedName]*vdb.Record{}
	if err := exec.Run(context.Background(), tx, plan, installed); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	baseQN, _ := atom.ParseQualifiedName("app-misc/base")
	appQN, _ := atom.ParseQualifiedName("app-misc/app")
	if _, ok := store.Get(baseQN, "0"); !ok {
		t.Error("app-misc/base not committed")
	}
	if _, ok := store.Get(appQN, "0"); !ok {
		t.Error("app-misc/app not committed")
	}

	deps, err := store.ReverseDeps(idBase)
	if err != nil {
		t.Fatalf("ReverseDeps: %v", err)
	}
	found := false
	for _, d := range deps {
		if d == idApp {
			found = true
		}
	}
	if !found {
		t.Errorf("ReverseDeps(%s) = %v, want to include %s", idBase, deps, idApp)
	}
}

func TestRunFailsClosedOnBuildError(t *testing.T) {
	idFoo := mustID(t, "app-misc/foo-1.0")
	idBar := mustID(t, "app-misc/bar-1.0")
	raws := []repository.RawMetadata{
		baseRaw("app-misc/foo-1.0", ""),
		baseRaw("app-misc/bar-1.0", ""),
	}
	cat, errs := catalog.Load(raws, &config.StaticView{})
	if len(errs) != 0 {
		t.Fatalf("catalog.Load: %v", errs)
	}

	bldr := &failingBuilder{failID: idFoo}
	exec, store, root := newTestExecutor(t, cat, bldr)

	journalRoot := t.TempDir()
	tx, err := txn.Begin(store, root, journalRoot, nil, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	plan := &resolver.Plan{
		Installs: []resolver.InstallAction{
			{ID: idFoo, EffectiveUse: map[string]bool{}},
			{ID: idBar, EffectiveUse: map[string]bool{}},
		},
	}
	installed := map[atom.QualifiedName]*vdb.Record{}
	runErr := exec.Run(context.Background(), tx, plan, installed)
	if runErr == nil {
		t.Fatal("Run: expected error, got nil")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	qn, _ := atom.ParseQualifiedName("app-misc/bar")
	if _, ok := store.Get(qn, "0"); ok {
		t.Error("app-misc/bar should not be committed after a sibling build failure")
	}
}

// failingBuilder always fails every build, regardless of which package is
// requested -- foo and bar have no dependency edge between them and may
// run concurrently, so the test only needs "nothing ever gets merged",
// not "fails on a specific package".
type failingBuilder struct {
	failID atom.PackageID
}

func (b *failingBuilder) Build(ctx context.Context, req builder.BuildRequest) (*builder.StagedImage, error) {
	return nil, &builder.Error{ID: req.ID, Stage: "build", Err: os.ErrInvalid}
}

// elfDynEntry is one DT_NEEDED/DT_SONAME-style string-valued dynamic tag.
type elfDynEntry struct {
	tag elf.DynTag
	str string
}

// writeSyntheticELF writes a minimal ELF64 object with just enough of a
// section table (.dynstr + .dynamic, no program headers) for debug/elf's
// DynString to read entries back out -- standing in for a real shared
// library/binary so capturePreservedLibs/recheckPreservedLibs can be
// exercised without a C toolchain.
func writeSyntheticELF(t *testing.T, path string, entries []elfDynEntry) {
	t.Helper()

	strtab := []byte{0}
	offsets := make([]int, len(entries))
	for i, e := range entries {
		offsets[i] = len(strtab)
		strtab = append(strtab, []byte(e.str)...)
		strtab = append(strtab, 0)
	}

	var dyn bytes.Buffer
	for i, e := range entries {
		binary.Write(&dyn, binary.LittleEndian, uint64(e.tag))
		binary.Write(&dyn, binary.LittleEndian, uint64(offsets[i]))
	}
	binary.Write(&dyn, binary.LittleEndian, uint64(0)) // DT_NULL terminator
	binary.Write(&dyn, binary.LittleEndian, uint64(0))

	const ehsize, shentsize, shnum = 64, 64, 3
	shoff := int64(ehsize)
	strtabOff := shoff + shentsize*shnum
	dynOff := strtabOff + int64(len(strtab))

	var buf bytes.Buffer
	ident := make([]byte, 16)
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)
	binary.Write(&buf, binary.LittleEndian, uint16(3))         // e_type = ET_DYN
	binary.Write(&buf, binary.LittleEndian, uint16(62))        // e_machine = EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))         // e_version
	binary.Write(&buf, binary.LittleEndian, uint64(0))         // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(0))         // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(shoff))     // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))         // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))    // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(shentsize)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(shnum))     // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_shstrndx (no section names needed)

	// section 0: SHT_NULL
	buf.Write(make([]byte, shentsize))

	// section 1: .dynstr (SHT_STRTAB)
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // Name
	binary.Write(&buf, binary.LittleEndian, uint32(elf.SHT_STRTAB)) // Type
	binary.Write(&buf, binary.LittleEndian, uint64(0))              // Flags
	binary.Write(&buf, binary.LittleEndian, uint64(0))              // Addr
	binary.Write(&buf, binary.LittleEndian, uint64(strtabOff))      // Off
	binary.Write(&buf, binary.LittleEndian, uint64(len(strtab)))    // Size
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // Link
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // Info
	binary.Write(&buf, binary.LittleEndian, uint64(1))              // Addralign
	binary.Write(&buf, binary.LittleEndian, uint64(0))              // Entsize

	// section 2: .dynamic (SHT_DYNAMIC), Link points at section 1 (.dynstr)
	binary.Write(&buf, binary.LittleEndian, uint32(0))               // Name
	binary.Write(&buf, binary.LittleEndian, uint32(elf.SHT_DYNAMIC)) // Type
	binary.Write(&buf, binary.LittleEndian, uint64(0))               // Flags
	binary.Write(&buf, binary.LittleEndian, uint64(0))               // Addr
	binary.Write(&buf, binary.LittleEndian, uint64(dynOff))          // Off
	binary.Write(&buf, binary.LittleEndian, uint64(dyn.Len()))       // Size
	binary.Write(&buf, binary.LittleEndian, uint32(1))               // Link
	binary.Write(&buf, binary.LittleEndian, uint32(0))               // Info
	binary.Write(&buf, binary.LittleEndian, uint64(8))               // Addralign
	binary.Write(&buf, binary.LittleEndian, uint64(16))              // Entsize

	buf.Write(strtab)
	buf.Write(dyn.Bytes())

	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatalf("writing synthetic ELF %s: %v", path, err)
	}
}

// TestRunRemoveCapturesAndReleasesPreservedLib exercises spec §4.7 end to
// end: removing a package whose shared library is still DT_NEEDED by
// another installed binary must divert that library into the preservation
// area instead of deleting it, and a later merge that stops needing it must
// release the preserved copy.
func TestRunRemoveCapturesAndReleasesPreservedLib(t *testing.T) {
	libID := mustID(t, "dev-libs/libfoo-1.0")
	consumerID := mustID(t, "app-misc/consumer-1.0")
	raws := []repository.RawMetadata{
		baseRaw("dev-libs/libfoo-1.0", ""),
		baseRaw("app-misc/consumer-1.0", "dev-libs/libfoo"),
	}
	cat, errs := catalog.Load(raws, &config.StaticView{})
	if len(errs) != 0 {
		t.Fatalf("catalog.Load: %v", errs)
	}

	bldr := &fakeBuilder{workDir: t.TempDir()}
	exec, store, root := newTestExecutor(t, cat, bldr)

	area, err := preserve.Open(t.TempDir())
	if err != nil {
		t.Fatalf("preserve.Open: %v", err)
	}
	exec.Root = root
	exec.Preserve = area

	const libRelPath = "/usr/lib/libfoo.so.1"
	const consumerRelPath = "/usr/bin/consumer"
	if err := os.MkdirAll(filepath.Join(root, "usr", "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "usr", "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeSyntheticELF(t, filepath.Join(root, libRelPath), []elfDynEntry{{tag: elf.DT_SONAME, str: "libfoo.so.1"}})
	writeSyntheticELF(t, filepath.Join(root, consumerRelPath), []elfDynEntry{{tag: elf.DT_NEEDED, str: "libfoo.so.1"}})

	libRec := &vdb.Record{
		ID:           libID,
		Slot:         atom.Slot{Slot: "0"},
		EffectiveUse: map[string]bool{},
		Contents: []vdb.ContentEntry{
			{Path: libRelPath, Kind: vdb.ContentFile, Blake3: "libfoo-hash"},
		},
	}
	consumerRec := &vdb.Record{
		ID:           consumerID,
		Slot:         atom.Slot{Slot: "0"},
		EffectiveUse: map[string]bool{},
		Contents: []vdb.ContentEntry{
			{Path: consumerRelPath, Kind: vdb.ContentFile, Blake3: "consumer-hash"},
		},
	}
	if err := store.Update(func(m *vdb.Mutator) error {
		if err := m.PutPackage(libRec); err != nil {
			return err
		}
		return m.PutPackage(consumerRec)
	}); err != nil {
		t.Fatalf("seeding VDB: %v", err)
	}

	journalRoot := t.TempDir()
	tx, err := txn.Begin(store, root, journalRoot, nil, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	installed := map[atom.QualifiedName]*vdb.Record{
		libID.Name:      libRec,
		consumerID.Name: consumerRec,
	}
	plan := &resolver.Plan{Removes: []atom.PackageID{libID}}
	if err := exec.Run(context.Background(), tx, plan, installed); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	qn, _ := atom.ParseQualifiedName("dev-libs/libfoo")
	if _, ok := store.Get(qn, "0"); ok {
		t.Error("dev-libs/libfoo still present in VDB after remove")
	}
	if _, err := os.Lstat(filepath.Join(root, libRelPath)); !os.IsNotExist(err) {
		t.Errorf("library still present at its original live path (err=%v), want removed", err)
	}

	libs, err := store.PreservedLibs()
	if err != nil {
		t.Fatalf("PreservedLibs: %v", err)
	}
	if len(libs) != 1 {
		t.Fatalf("got %d preserved libs, want 1: %+v", len(libs), libs)
	}
	pl := libs[0]
	if pl.Provider != libID {
		t.Errorf("preserved lib provider = %s, want %s", pl.Provider, libID)
	}
	if len(pl.Consumers) != 1 || pl.Consumers[0] != consumerID {
		t.Errorf("preserved lib consumers = %+v, want [%s]", pl.Consumers, consumerID)
	}
	if _, err := os.Stat(pl.Path); err != nil {
		t.Errorf("preserved copy missing at %s: %v", pl.Path, err)
	}

	// Rebuild the consumer: the fake builder stages a plain file with no
	// DT_NEEDED reference, as if it had been relinked against a
	// replacement. Once that merge lands, recheckPreservedLibs should find
	// zero consumers left and release the preserved copy.
	relinked := &fakeBuilder{workDir: t.TempDir()}
	dcache, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	exec2 := New(cat, &config.StaticView{}, noopFetcher{}, relinked, dcache, Limits{}, nil)
	exec2.Root = root
	exec2.Preserve = area

	journalRoot2 := t.TempDir()
	tx2, err := txn.Begin(store, root, journalRoot2, nil, nil)
	if err != nil {
		t.Fatalf("Begin (phase 2): %v", err)
	}

	postRemoveInstalled := map[atom.QualifiedName]*vdb.Record{
		consumerID.Name: consumerRec,
	}
	rebuildPlan := &resolver.Plan{
		Installs: []resolver.InstallAction{{ID: consumerID, EffectiveUse: map[string]bool{}}},
	}
	if err := exec2.Run(context.Background(), tx2, rebuildPlan, postRemoveInstalled); err != nil {
		t.Fatalf("Run (phase 2): %v", err)
	}
	if err := tx2.Close(); err != nil {
		t.Fatalf("Close (phase 2): %v", err)
	}

	libs, err = store.PreservedLibs()
	if err != nil {
		t.Fatalf("PreservedLibs (phase 2): %v", err)
	}
	if len(libs) != 0 {
		t.Errorf("got %d preserved libs after consumer rebuild, want 0 (released): %+v", len(libs), libs)
	}
	if _, err := os.Stat(pl.Path); !os.IsNotExist(err) {
		t.Errorf("preserved copy still present at %s after release (err=%v)", pl.Path, err)
	}
}

package resolver

import (
	"testing"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/catalog"
	"github.com/buckos/buckos/internal/config"
	"github.com/buckos/buckos/internal/repository"
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

func mustAtom(t *testing.T, s string) *atom.Atom {
	t.Helper()
	a, err := atom.ParseAtom(s)
	if err != nil {
		t.Fatalf("ParseAtom(%q): %v", s, err)
	}
	return a
}

func baseRaw(idStr string) repository.RawMetadata {
	id, err := atom.ParsePackageID(idStr)
	if err != nil {
		panic(err)
	}
	return repository.RawMetadata{
		ID:         id,
		Slot:       "0",
		EAPI:       "8",
		Keywords:   []string{"amd64"},
		SourceHash: "hash-" + idStr,
	}
}

func loadCatalog(t *testing.T, raws []repository.RawMetadata, cfg config.ConfigView) *catalog.Catalog {
	t.Helper()
	if cfg == nil {
		cfg = &config.StaticView{}
	}
	cat, errs := catalog.Load(raws, cfg)
	if len(errs) != 0 {
		t.Fatalf("catalog.Load: unexpected errors: %v", errs)
	}
	return cat
}

func TestResolveSingleTargetNoDeps(t *testing.T) {
	raws := []repository.RawMetadata{baseRaw("app-misc/foo-1.0")}
	cat := loadCatalog(t, raws, nil)

	r := New(cat, &config.StaticView{}, nil)
	plan, err := r.Resolve(nil, Request{Targets: []*atom.Atom{mustAtom(t, "app-misc/foo")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Installs) != 1 {
		t.Fatalf("got %d installs, want 1: %+v", len(plan.Installs), plan.Installs)
	}
	if plan.Installs[0].ID != mustID(t, "app-misc/foo-1.0") {
		t.Errorf("install = %s, want app-misc/foo-1.0", plan.Installs[0].ID)
	}
	if len(plan.Order) != 2 {
		t.Fatalf("got %d order steps, want 2 (build, merge): %+v", len(plan.Order), plan.Order)
	}
	if plan.Order[0].Action != "build" || plan.Order[1].Action != "merge" {
		t.Errorf("order = %+v, want build then merge", plan.Order)
	}
}

func TestResolvePicksNewestByDefault(t *testing.T) {
	raws := []repository.RawMetadata{
		baseRaw("app-misc/foo-1.0"),
		baseRaw("app-misc/foo-2.0"),
	}
	cat := loadCatalog(t, raws, nil)

	r := New(cat, &config.StaticView{}, nil)
	plan, err := r.Resolve(nil, Request{Targets: []*atom.Atom{mustAtom(t, "app-misc/foo")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Installs) != 1 {
		t.Fatalf("got %d installs, want 1", len(plan.Installs))
	}
	if plan.Installs[0].ID.Version.String() != "2.0" {
		t.Errorf("selected version = %s, want 2.0", plan.Installs[0].ID.Version.String())
	}
}

func TestResolveOrdersDependencyBeforeDependent(t *testing.T) {
	dep := baseRaw("dev-libs/bar-1.0")
	top := baseRaw("app-misc/foo-1.0")
	top.Depend = "dev-libs/bar"
	top.RDepend = "dev-libs/bar"

	cat := loadCatalog(t, []repository.RawMetadata{dep, top}, nil)
	r := New(cat, &config.StaticView{}, nil)
	plan, err := r.Resolve(nil, Request{Targets: []*atom.Atom{mustAtom(t, "app-misc/foo")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Installs) != 2 {
		t.Fatalf("got %d installs, want 2: %+v", len(plan.Installs), plan.Installs)
	}

	pos := make(map[string]int, len(plan.Order))
	for i, s := range plan.Order {
		pos[s.Action+":"+s.ID.String()] = i
	}
	barBuild := pos["build:dev-libs/bar-1.0"]
	fooBuild := pos["build:app-misc/foo-1.0"]
	barMerge := pos["merge:dev-libs/bar-1.0"]
	fooMerge := pos["merge:app-misc/foo-1.0"]
	if !(barBuild < fooBuild) {
		t.Errorf("bar must build before foo builds: order=%+v", plan.Order)
	}
	if !(barMerge < fooMerge) {
		t.Errorf("bar must merge before foo merges: order=%+v", plan.Order)
	}
}

func TestResolveUnsatisfiableTarget(t *testing.T) {
	cat := loadCatalog(t, nil, nil)
	r := New(cat, &config.StaticView{}, nil)
	_, err := r.Resolve(nil, Request{Targets: []*atom.Atom{mustAtom(t, "app-misc/missing")}})
	if err == nil {
		t.Fatal("expected an error for an unresolvable target")
	}
	if _, ok := err.(*Unsatisfiable); !ok {
		t.Errorf("got %T, want *Unsatisfiable", err)
	}
}

func TestResolveKeepsInstalledWhenAlreadySatisfied(t *testing.T) {
	raws := []repository.RawMetadata{
		baseRaw("app-misc/foo-1.0"),
		baseRaw("app-misc/foo-2.0"),
	}
	cat := loadCatalog(t, raws, nil)

	installed := []*vdb.Record{
		{ID: mustID(t, "app-misc/foo-1.0"), Slot: atom.Slot{Slot: "0"}, EffectiveUse: map[string]bool{}},
	}

	r := New(cat, &config.StaticView{}, nil)
	plan, err := r.Resolve(installed, Request{Targets: []*atom.Atom{mustAtom(t, "app-misc/foo")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The installed 1.0 already satisfies the bare atom; optimize() should
	// prefer keeping it selected over the newer 2.0 rather than force an
	// upgrade no one asked for.
	if len(plan.Installs) != 0 {
		t.Errorf("got %d installs, want 0 (already satisfied): %+v", len(plan.Installs), plan.Installs)
	}
	if len(plan.Removes) != 0 {
		t.Errorf("got %d removes, want 0: %+v", len(plan.Removes), plan.Removes)
	}
}

func TestResolveRemovesUninstalledPackagesNotSelected(t *testing.T) {
	raws := []repository.RawMetadata{baseRaw("app-misc/foo-1.0")}
	cat := loadCatalog(t, raws, nil)

	installed := []*vdb.Record{
		{ID: mustID(t, "app-misc/stale-1.0"), Slot: atom.Slot{Slot: "0"}, EffectiveUse: map[string]bool{}},
	}

	r := New(cat, &config.StaticView{}, nil)
	plan, err := r.Resolve(installed, Request{Targets: []*atom.Atom{mustAtom(t, "app-misc/foo")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Removes) != 1 || plan.Removes[0] != mustID(t, "app-misc/stale-1.0") {
		t.Errorf("Removes = %+v, want [app-misc/stale-1.0]", plan.Removes)
	}
}

func TestResolveBlockerExcludesConflictingCandidate(t *testing.T) {
	a := baseRaw("app-misc/a-1.0")
	a.RDepend = "!app-misc/b"
	b := baseRaw("app-misc/b-1.0")

	cat := loadCatalog(t, []repository.RawMetadata{a, b}, nil)
	r := New(cat, &config.StaticView{}, nil)
	plan, err := r.Resolve(nil, Request{Targets: []*atom.Atom{
		mustAtom(t, "app-misc/a"), mustAtom(t, "app-misc/b"),
	}})
	if err == nil {
		t.Fatalf("expected the blocker to make both targets unsatisfiable together, got plan %+v", plan)
	}
}

func TestResolveSchedulesSubslotRebuildForSlotOperatorDependent(t *testing.T) {
	openssl32 := baseRaw("dev-libs/openssl-3.2")
	openssl32.Subslot = "3"
	openssl33 := baseRaw("dev-libs/openssl-3.3")
	openssl33.Subslot = "5"
	curl := baseRaw("net-misc/curl-8.0")
	curl.RDepend = "dev-libs/openssl:="

	cat := loadCatalog(t, []repository.RawMetadata{openssl32, openssl33, curl}, nil)

	store, err := vdb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("vdb.Open: %v", err)
	}
	defer store.Close()

	rdepend, err := atom.ParseDepExpr("dev-libs/openssl:=")
	if err != nil {
		t.Fatalf("ParseDepExpr: %v", err)
	}
	osslRec := &vdb.Record{
		ID:           mustID(t, "dev-libs/openssl-3.2"),
		Slot:         atom.Slot{Slot: "0", Subslot: "3"},
		EffectiveUse: map[string]bool{},
	}
	curlRec := &vdb.Record{
		ID:               mustID(t, "net-misc/curl-8.0"),
		Slot:             atom.Slot{Slot: "0"},
		EffectiveUse:     map[string]bool{},
		RDepend:          rdepend,
		SubslotsConsumed: map[atom.QualifiedName]string{osslRec.ID.Name: "3"},
	}
	if err := store.Update(func(m *vdb.Mutator) error {
		if err := m.PutPackage(osslRec); err != nil {
			return err
		}
		return m.PutPackage(curlRec)
	}); err != nil {
		t.Fatalf("seeding VDB: %v", err)
	}

	r := New(cat, &config.StaticView{}, store)
	plan, err := r.Resolve([]*vdb.Record{osslRec, curlRec}, Request{Targets: []*atom.Atom{mustAtom(t, ">=dev-libs/openssl-3.3")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var curlInstall *InstallAction
	for i := range plan.Installs {
		if plan.Installs[i].ID.Name == curlRec.ID.Name {
			curlInstall = &plan.Installs[i]
		}
	}
	if curlInstall == nil {
		t.Fatalf("expected curl scheduled for a subslot rebuild, plan.Installs=%+v", plan.Installs)
	}
	if curlInstall.RebuildReason != "subslot-rebuild" {
		t.Errorf("curl RebuildReason = %q, want subslot-rebuild", curlInstall.RebuildReason)
	}
}

func TestSuggestAutounmaskReportsMaskedCandidate(t *testing.T) {
	masked := baseRaw("app-misc/foo-1.0")
	masked.Keywords = []string{"~amd64"}
	cat := loadCatalog(t, []repository.RawMetadata{masked}, &config.StaticView{
		Conf: map[string]string{"ACCEPT_KEYWORDS": "amd64"},
	})

	changes := suggestAutounmask(cat, []*atom.Atom{mustAtom(t, "app-misc/foo")})
	if len(changes) != 1 {
		t.Fatalf("got %d autounmask changes, want 1: %+v", len(changes), changes)
	}
	if changes[0].Kind != "keyword" || changes[0].Detail != "~amd64" {
		t.Errorf("change = %+v, want keyword ~amd64", changes[0])
	}
}

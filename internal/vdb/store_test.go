package vdb

import (
	"testing"
	"time"

	"github.com/buckos/buckos/internal/atom"
)

func mustID(t *testing.T, s string) atom.PackageID {
	t.Helper()
	id, err := atom.ParsePackageID(s)
	if err != nil {
		t.Fatalf("ParsePackageID(%q): %v", s, err)
	}
	return id
}

func mustExpr(t *testing.T, s string) *atom.Expr {
	t.Helper()
	e, err := atom.ParseDepExpr(s)
	if err != nil {
		t.Fatalf("ParseDepExpr(%q): %v", s, err)
	}
	return e
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutPackageAndGet(t *testing.T) {
	s := openTestStore(t)
	rec := &Record{
		ID:           mustID(t, "app-misc/foo-1.0"),
		Slot:         atom.Slot{Slot: "0"},
		EffectiveUse: map[string]bool{"static-libs": false},
		Contents: []ContentEntry{
			{Path: "/usr/bin/foo", Kind: ContentFile, Size: 1024},
		},
		InstalledAt: time.Unix(1000, 0).UTC(),
	}
	if err := s.Update(func(m *Mutator) error { return m.PutPackage(rec) }); err != nil {
		t.Fatalf("PutPackage: %v", err)
	}

	qn, _ := atom.ParseQualifiedName("app-misc/foo")
	got, ok := s.Get(qn, "")
	if !ok {
		t.Fatal("Get: not found")
	}
	if got.ID != rec.ID {
		t.Errorf("got ID %s, want %s", got.ID, rec.ID)
	}
	if len(got.Contents) != 1 || got.Contents[0].Path != "/usr/bin/foo" {
		t.Errorf("got contents %+v, want one entry /usr/bin/foo", got.Contents)
	}
}

func TestFileOwnerAndCollision(t *testing.T) {
	s := openTestStore(t)
	foo := &Record{
		ID:   mustID(t, "app-misc/foo-1.0"),
		Slot: atom.Slot{Slot: "0"},
		Contents: []ContentEntry{
			{Path: "/usr/bin/shared", Kind: ContentFile},
		},
	}
	if err := s.Update(func(m *Mutator) error { return m.PutPackage(foo) }); err != nil {
		t.Fatalf("PutPackage(foo): %v", err)
	}

	owner, ok := s.FileOwner("/usr/bin/shared")
	if !ok || owner != foo.ID {
		t.Fatalf("FileOwner = %s, %v; want %s, true", owner, ok, foo.ID)
	}

	bar := &Record{
		ID:   mustID(t, "app-misc/bar-1.0"),
		Slot: atom.Slot{Slot: "0"},
		Contents: []ContentEntry{
			{Path: "/usr/bin/shared", Kind: ContentFile},
		},
	}
	err := s.Update(func(m *Mutator) error { return m.PutPackage(bar) })
	if err == nil {
		t.Fatal("expected a path-ownership collision error")
	}
}

func TestReverseDepsMaintainedOnPutAndRemove(t *testing.T) {
	s := openTestStore(t)
	dep := &Record{ID: mustID(t, "dev-libs/bar-1.0"), Slot: atom.Slot{Slot: "0"}}
	if err := s.Update(func(m *Mutator) error { return m.PutPackage(dep) }); err != nil {
		t.Fatalf("PutPackage(dep): %v", err)
	}

	top := &Record{
		ID:      mustID(t, "app-misc/foo-1.0"),
		Slot:    atom.Slot{Slot: "0"},
		RDepend: mustExpr(t, "dev-libs/bar"),
	}
	if err := s.Update(func(m *Mutator) error { return m.PutPackage(top) }); err != nil {
		t.Fatalf("PutPackage(top): %v", err)
	}

	rdeps, err := s.ReverseDeps(dep.ID)
	if err != nil {
		t.Fatalf("ReverseDeps: %v", err)
	}
	if len(rdeps) != 1 || rdeps[0] != top.ID {
		t.Fatalf("ReverseDeps(dep) = %+v, want [%s]", rdeps, top.ID)
	}

	if err := s.Update(func(m *Mutator) error { return m.RemovePackage(top.ID) }); err != nil {
		t.Fatalf("RemovePackage(top): %v", err)
	}
	rdeps, err = s.ReverseDeps(dep.ID)
	if err != nil {
		t.Fatalf("ReverseDeps after remove: %v", err)
	}
	if len(rdeps) != 0 {
		t.Fatalf("ReverseDeps(dep) after removing the dependent = %+v, want empty", rdeps)
	}
}

func TestRemovePackageClearsPathIndex(t *testing.T) {
	s := openTestStore(t)
	rec := &Record{
		ID:   mustID(t, "app-misc/foo-1.0"),
		Slot: atom.Slot{Slot: "0"},
		Contents: []ContentEntry{
			{Path: "/usr/bin/foo", Kind: ContentFile},
		},
	}
	if err := s.Update(func(m *Mutator) error { return m.PutPackage(rec) }); err != nil {
		t.Fatalf("PutPackage: %v", err)
	}
	if err := s.Update(func(m *Mutator) error { return m.RemovePackage(rec.ID) }); err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}
	if _, ok := s.FileOwner("/usr/bin/foo"); ok {
		t.Error("FileOwner still reports an owner after RemovePackage")
	}
	qn, _ := atom.ParseQualifiedName("app-misc/foo")
	if _, ok := s.Get(qn, ""); ok {
		t.Error("Get still finds the record after RemovePackage")
	}
}

func TestListInstalledSortedByID(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"app-misc/zeta-1.0", "app-misc/alpha-1.0"} {
		rec := &Record{ID: mustID(t, id), Slot: atom.Slot{Slot: "0"}}
		if err := s.Update(func(m *Mutator) error { return m.PutPackage(rec) }); err != nil {
			t.Fatalf("PutPackage(%s): %v", id, err)
		}
	}
	list, err := s.ListInstalled()
	if err != nil {
		t.Fatalf("ListInstalled: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d records, want 2", len(list))
	}
	if list[0].ID.Name.Name != "alpha" || list[1].ID.Name.Name != "zeta" {
		t.Errorf("list order = [%s, %s], want [alpha, zeta]", list[0].ID, list[1].ID)
	}
}

func TestWorldSet(t *testing.T) {
	s := openTestStore(t)
	a, err := atom.ParseAtom("app-misc/foo")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update(func(m *Mutator) error { return m.PutWorldAtom(a) }); err != nil {
		t.Fatalf("PutWorldAtom: %v", err)
	}
	world, err := s.World()
	if err != nil {
		t.Fatalf("World: %v", err)
	}
	if len(world) != 1 || world[0].String() != a.String() {
		t.Fatalf("World = %+v, want [%s]", world, a)
	}
	if err := s.Update(func(m *Mutator) error { return m.RemoveWorldAtom(a) }); err != nil {
		t.Fatalf("RemoveWorldAtom: %v", err)
	}
	world, err = s.World()
	if err != nil {
		t.Fatalf("World after remove: %v", err)
	}
	if len(world) != 0 {
		t.Fatalf("World after remove = %+v, want empty", world)
	}
}

func TestPreservedLibsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	pl := PreservedLib{
		Path:      "/usr/lib64/libfoo.so.1",
		Blake3:    "deadbeef",
		Provider:  mustID(t, "app-misc/foo-1.0"),
		Consumers: []atom.PackageID{mustID(t, "app-misc/bar-1.0")},
	}
	if err := s.Update(func(m *Mutator) error { return m.PutPreservedLib(pl) }); err != nil {
		t.Fatalf("PutPreservedLib: %v", err)
	}
	libs, err := s.PreservedLibs()
	if err != nil {
		t.Fatalf("PreservedLibs: %v", err)
	}
	if len(libs) != 1 || libs[0].Path != pl.Path {
		t.Fatalf("PreservedLibs = %+v, want [%+v]", libs, pl)
	}
	if err := s.Update(func(m *Mutator) error { return m.RemovePreservedLib(pl.Path) }); err != nil {
		t.Fatalf("RemovePreservedLib: %v", err)
	}
	libs, err = s.PreservedLibs()
	if err != nil {
		t.Fatalf("PreservedLibs after remove: %v", err)
	}
	if len(libs) != 0 {
		t.Fatalf("PreservedLibs after remove = %+v, want empty", libs)
	}
}

package txn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/builder"
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

func writeStaged(t *testing.T, root, relPath, content string) {
	t.Helper()
	full := filepath.Join(root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newHarness(t *testing.T) (*vdb.Store, string, string) {
	t.Helper()
	store, err := vdb.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("vdb.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	root := t.TempDir()
	journalRoot := t.TempDir()
	return store, root, journalRoot
}

func TestMergeInstallsFiles(t *testing.T) {
	store, root, journalRoot := newHarness(t)
	tx, err := Begin(store, root, journalRoot, nil, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	staged := t.TempDir()
	writeStaged(t, staged, "/usr/bin/foo", "binary-content")

	rec := &vdb.Record{
		ID:   mustID(t, "app-misc/foo-1.0"),
		Slot: atom.Slot{Slot: "0"},
		Contents: []vdb.ContentEntry{
			{Path: "/usr/bin/foo", Kind: vdb.ContentFile},
		},
	}
	if err := tx.MergePackage(rec, &builder.StagedImage{Root: staged}, nil); err != nil {
		t.Fatalf("MergePackage: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "usr/bin/foo"))
	if err != nil {
		t.Fatalf("reading merged file: %v", err)
	}
	if string(got) != "binary-content" {
		t.Errorf("merged file content = %q, want %q", got, "binary-content")
	}

	qn, _ := atom.ParseQualifiedName("app-misc/foo")
	if _, ok := store.Get(qn, ""); !ok {
		t.Error("record not committed to VDB")
	}
}

func TestCheckCollisionsAllowsReplacedPackage(t *testing.T) {
	store, _, _ := newHarness(t)
	existing := &vdb.Record{
		ID:       mustID(t, "app-misc/foo-1.0"),
		Slot:     atom.Slot{Slot: "0"},
		Contents: []vdb.ContentEntry{{Path: "/usr/bin/foo", Kind: vdb.ContentFile}},
	}
	if err := store.Update(func(m *vdb.Mutator) error { return m.PutPackage(existing) }); err != nil {
		t.Fatal(err)
	}

	tx := &Transaction{store: store}
	// A collision against a package this same transaction is about to
	// remove is allowed (spec §8: "Collision of a file against an in-plan
	// removed package => allowed").
	if err := tx.CheckCollisions([]string{"/usr/bin/foo"}, map[atom.PackageID]bool{existing.ID: true}); err != nil {
		t.Errorf("expected no collision against a replaced package, got %v", err)
	}
	// Against a package that isn't being removed, it's a hard error.
	if err := tx.CheckCollisions([]string{"/usr/bin/foo"}, nil); err == nil {
		t.Error("expected a CollisionError, got nil")
	} else if _, ok := err.(*CollisionError); !ok {
		t.Errorf("expected *CollisionError, got %T: %v", err, err)
	}
}

func TestRollbackRestoresPriorFileAndRecord(t *testing.T) {
	store, root, journalRoot := newHarness(t)

	// Install v1 first, outside of any transaction under test.
	if err := os.MkdirAll(filepath.Join(root, "usr/bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "usr/bin/foo"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	priorRec := &vdb.Record{
		ID:       mustID(t, "app-misc/foo-1.0"),
		Slot:     atom.Slot{Slot: "0"},
		Contents: []vdb.ContentEntry{{Path: "/usr/bin/foo", Kind: vdb.ContentFile}},
	}
	if err := store.Update(func(m *vdb.Mutator) error { return m.PutPackage(priorRec) }); err != nil {
		t.Fatal(err)
	}

	tx, err := Begin(store, root, journalRoot, nil, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	staged := t.TempDir()
	writeStaged(t, staged, "/usr/bin/foo", "v2")
	newRec := &vdb.Record{
		ID:       mustID(t, "app-misc/foo-2.0"),
		Slot:     atom.Slot{Slot: "0"},
		Contents: []vdb.ContentEntry{{Path: "/usr/bin/foo", Kind: vdb.ContentFile}},
	}
	// Simulate the old version being removed in the same transaction.
	if err := tx.UnmergePackage(priorRec, nil); err != nil {
		t.Fatalf("UnmergePackage: %v", err)
	}
	if err := tx.MergePackage(newRec, &builder.StagedImage{Root: staged}, priorRec); err != nil {
		t.Fatalf("MergePackage: %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "usr/bin/foo"))
	if err != nil {
		t.Fatalf("reading file after rollback: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("after rollback file content = %q, want %q", got, "v1")
	}

	qn, _ := atom.ParseQualifiedName("app-misc/foo")
	rec, ok := store.Get(qn, "")
	if !ok {
		t.Fatal("expected prior record restored after rollback")
	}
	if rec.ID != priorRec.ID {
		t.Errorf("after rollback record id = %s, want %s", rec.ID, priorRec.ID)
	}
}

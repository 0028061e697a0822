package repository

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCacheEntry(t *testing.T, root, category, stem, body string) {
	t.Helper()
	dir := filepath.Join(root, "metadata", "md5-cache", category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, stem), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRequiresProfiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir); err == nil {
		t.Fatal("expected error opening a directory with no profiles/")
	}
	if err := os.MkdirAll(filepath.Join(dir, "profiles"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadParsesCacheEntries(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "profiles"), 0o755)
	writeCacheEntry(t, dir, "core", "openssl-3.2.0", strings.Join([]string{
		"EAPI=8",
		"SLOT=3/3.2",
		"IUSE=+static-libs doc",
		"REQUIRED_USE=",
		"RDEPEND=core/zlib",
		"KEYWORDS=amd64 ~arm64",
		"SRC_URI=https://example.invalid/openssl-3.2.0.tar.gz",
	}, "\n"))

	snap, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	metas, errs := snap.Load()
	if len(errs) != 0 {
		t.Fatalf("unexpected load errors: %v", errs)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 metadata entry, got %d", len(metas))
	}
	m := metas[0]
	if m.Slot != "3" || m.Subslot != "3.2" {
		t.Errorf("unexpected slot/subslot: %q/%q", m.Slot, m.Subslot)
	}
	if len(m.IUSE) != 2 || !m.IUSE[0].Default {
		t.Errorf("unexpected IUSE: %+v", m.IUSE)
	}
	if len(m.Keywords) != 2 {
		t.Errorf("unexpected keywords: %v", m.Keywords)
	}
	if len(m.SrcURI) != 1 || m.SrcURI[0].Filename != "openssl-3.2.0.tar.gz" {
		t.Errorf("unexpected SrcURI: %+v", m.SrcURI)
	}
}

func TestLoadSkipsMalformedEntry(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "profiles"), 0o755)
	writeCacheEntry(t, dir, "core", "not-a-valid-name", "EAPI=8\n")

	snap, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	metas, errs := snap.Load()
	if len(metas) != 0 {
		t.Errorf("expected no metadata entries, got %d", len(metas))
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 load error, got %d", len(errs))
	}
}

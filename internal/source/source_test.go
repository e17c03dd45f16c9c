package source

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shhossain/zip-browser/internal/errs"
)

func writeZip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create("hello.txt")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
}

func TestResolve_LocalFile(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	writeZip(t, zp)

	sources, failures := Resolve([]string{zp})
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
	s := sources[0]
	if s.Kind != Local {
		t.Errorf("kind = %v, want Local", s.Kind)
	}
	if s.Name != "a.zip" {
		t.Errorf("name = %q, want a.zip", s.Name)
	}
	if s.ID == "" || len(s.ID) != 12 {
		t.Errorf("id = %q, want 12 hex chars", s.ID)
	}
}

func TestResolve_Directory(t *testing.T) {
	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "one.zip"))
	writeZip(t, filepath.Join(dir, "two.ZIP"))
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// Nested zips must not be picked up: directory scan is non-recursive.
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeZip(t, filepath.Join(sub, "nested.zip"))

	sources, failures := Resolve([]string{dir})
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(sources))
	}
	for _, s := range sources {
		if s.Kind != DirectoryMember {
			t.Errorf("kind = %v, want DirectoryMember", s.Kind)
		}
	}
}

func TestResolve_URL(t *testing.T) {
	sources, failures := Resolve([]string{"https://example.com/archive.zip"})
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
	if sources[0].Kind != Remote {
		t.Errorf("kind = %v, want Remote", sources[0].Kind)
	}
	if sources[0].Name != "archive.zip" {
		t.Errorf("name = %q, want archive.zip", sources[0].Name)
	}
}

func TestResolve_URLListFile(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "urls.txt")
	content := "https://example.com/a.zip\n\n# comment\nnot a url\nhttps://example.com/b.zip\n"
	if err := os.WriteFile(list, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	sources, failures := Resolve([]string{list})
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(sources))
	}
}

func TestResolve_InvalidDoesNotAbortOthers(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "good.zip")
	writeZip(t, zp)

	sources, failures := Resolve([]string{"/does/not/exist.zip", zp})
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if !errors.Is(failures[0], errs.ErrInvalidSource) {
		t.Errorf("failure = %v, want ErrInvalidSource", failures[0])
	}
}

func TestResolve_Deduplicates(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "a.zip")
	writeZip(t, zp)

	sources, _ := Resolve([]string{zp, zp})
	if len(sources) != 1 {
		t.Fatalf("sources = %d, want 1", len(sources))
	}
}

func TestID_Deterministic(t *testing.T) {
	a, b := ID("https://example.com/a.zip"), ID("https://example.com/a.zip")
	if a != b {
		t.Errorf("ID not deterministic: %q != %q", a, b)
	}
	if a == ID("https://example.com/b.zip") {
		t.Error("distinct locations share an id")
	}
}

func TestIsURL(t *testing.T) {
	for _, u := range []string{"http://h/x.zip", "https://h/x.zip", "s3://bucket/key.zip"} {
		if !IsURL(u) {
			t.Errorf("IsURL(%q) = false, want true", u)
		}
	}
	for _, u := range []string{"/tmp/x.zip", "ftp://h/x.zip", "https://", "relative/path.zip"} {
		if IsURL(u) {
			t.Errorf("IsURL(%q) = true, want false", u)
		}
	}
}

package extract

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/yeka/zip"

	"github.com/shhossain/zip-browser/internal/archive"
	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/source"
)

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func setup(t *testing.T, files map[string][]byte) (*archive.Registry, string) {
	t.Helper()
	zp := filepath.Join(t.TempDir(), "data.zip")
	writeZip(t, zp, files)
	src := &source.Source{ID: source.ID(zp), Kind: source.Local, Location: zp, Name: "data.zip"}
	r := archive.NewRegistry([]*source.Source{src}, nil, 4)
	t.Cleanup(func() { r.Close() })
	return r, src.ID
}

func TestCheckPath(t *testing.T) {
	bad := []string{
		"../etc/passwd",
		"a/../../b.txt",
		"..",
		"/etc/passwd",
		`\windows\system32`,
		`C:\windows`,
		"c:stuff",
		`a\..\b`,
	}
	for _, p := range bad {
		if err := CheckPath(p); !errors.Is(err, errs.ErrPathTraversal) {
			t.Errorf("CheckPath(%q) = %v, want ErrPathTraversal", p, err)
		}
	}
	good := []string{"a.txt", "dir/b.txt", "dots..in..name.txt", "a..b/c.txt"}
	for _, p := range good {
		if err := CheckPath(p); err != nil {
			t.Errorf("CheckPath(%q) = %v, want nil", p, err)
		}
	}
}

func TestOpen_FullStream(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 20000) // well past one chunk
	reg, id := setup(t, map[string][]byte{"big.bin": content})

	rc, e, err := Open(context.Background(), reg, id, "big.bin", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	if e.Size != int64(len(content)) {
		t.Errorf("entry size = %d, want %d", e.Size, len(content))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("streamed %d bytes, want %d byte-identical", len(got), len(content))
	}
	if err := rc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if reg.Open() != 1 {
		t.Errorf("open handles = %d, want 1", reg.Open())
	}
}

func TestOpen_Range(t *testing.T) {
	content := []byte("abcdefghijklmnopqrstuvwxyz")
	reg, id := setup(t, map[string][]byte{"alpha.txt": content})
	ctx := context.Background()

	cases := []struct {
		rng  Range
		want string
	}{
		{Range{Offset: 0, Length: 5}, "abcde"},
		{Range{Offset: 10, Length: 5}, "klmno"},
		{Range{Offset: 20, Length: -1}, "uvwxyz"},
		{Range{Offset: 24, Length: 100}, "yz"},
		{Range{Offset: 26, Length: -1}, ""},
	}
	for _, c := range cases {
		rc, _, err := Open(ctx, reg, id, "alpha.txt", &c.rng)
		if err != nil {
			t.Fatalf("Open(%+v): %v", c.rng, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read(%+v): %v", c.rng, err)
		}
		if string(got) != c.want {
			t.Errorf("range %+v = %q, want %q", c.rng, got, c.want)
		}
	}

	for _, bad := range []Range{{Offset: -1, Length: 1}, {Offset: 27, Length: -1}} {
		if _, _, err := Open(ctx, reg, id, "alpha.txt", &bad); err == nil {
			t.Errorf("range %+v accepted, want error", bad)
		}
	}
}

func TestOpen_TraversalRejectedBeforeLookup(t *testing.T) {
	reg, id := setup(t, map[string][]byte{"safe.txt": []byte("s")})

	if _, _, err := Open(context.Background(), reg, id, "../safe.txt", nil); !errors.Is(err, errs.ErrPathTraversal) {
		t.Fatalf("err = %v, want ErrPathTraversal", err)
	}
	// Rejection happens before any archive is opened.
	if reg.Open() != 0 {
		t.Errorf("open handles = %d, want 0", reg.Open())
	}
}

func TestOpen_MissingAndDirEntries(t *testing.T) {
	reg, id := setup(t, map[string][]byte{"dir/f.txt": []byte("f")})
	ctx := context.Background()

	if _, _, err := Open(ctx, reg, id, "missing.txt", nil); !errors.Is(err, errs.ErrEntryNotFound) {
		t.Errorf("missing entry err = %v, want ErrEntryNotFound", err)
	}
	if _, _, err := Open(ctx, reg, id, "dir", nil); !errors.Is(err, errs.ErrEntryNotFound) {
		t.Errorf("directory entry err = %v, want ErrEntryNotFound", err)
	}
}

func TestOpen_CancellationStopsStreamAndReleases(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 1<<20)
	reg, id := setup(t, map[string][]byte{"big.bin": content})

	ctx, cancel := context.WithCancel(context.Background())
	rc, _, err := Open(ctx, reg, id, "big.bin", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, chunkSize)
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}
	cancel()
	if _, err := rc.Read(buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("read after cancel = %v, want context.Canceled", err)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpen_ReadsAreChunkBounded(t *testing.T) {
	content := bytes.Repeat([]byte("q"), chunkSize*3)
	reg, id := setup(t, map[string][]byte{"big.bin": content})

	rc, _, err := Open(context.Background(), reg, id, "big.bin", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	buf := make([]byte, chunkSize*2)
	n, err := rc.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n > chunkSize {
		t.Errorf("single read returned %d bytes, want at most %d", n, chunkSize)
	}
}

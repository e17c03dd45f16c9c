package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/yeka/zip"

	"github.com/shhossain/zip-browser/internal/archive"
	"github.com/shhossain/zip-browser/internal/config"
	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/extract"
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

func writeEncryptedZip(t *testing.T, path, password string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Encrypt(name, password, zip.AES256Encryption)
		if err != nil {
			t.Fatalf("zip encrypt %s: %v", name, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func newEngine(t *testing.T, zipPaths ...string) *Engine {
	t.Helper()
	cfg := &config.Config{
		ZipPaths:           zipPaths,
		CacheDir:           t.TempDir(),
		MaxOpenHandles:     4,
		MaxThumbCacheBytes: 1 << 20,
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func sourceID(t *testing.T, e *Engine, name string) string {
	t.Helper()
	for _, s := range e.ListSources() {
		if s.Name == name {
			return s.ID
		}
	}
	t.Fatalf("no source named %s", name)
	return ""
}

func TestListEntries_PhotosScenario(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "photos.zip")
	writeZip(t, zp, map[string][]byte{
		"a.jpg":   bytes.Repeat([]byte("x"), 1000),
		"b/c.png": bytes.Repeat([]byte("y"), 2000),
	})
	e := newEngine(t, zp)
	id := sourceID(t, e, "photos.zip")
	ctx := context.Background()

	root, err := e.ListEntries(ctx, id, "")
	if err != nil {
		t.Fatalf("ListEntries root: %v", err)
	}
	if len(root) != 2 || root[0].Path != "b" || !root[0].Dir || root[1].Path != "a.jpg" || root[1].Size != 1000 {
		t.Fatalf("root listing = %+v, want [dir b, a.jpg size 1000]", root)
	}

	sub, err := e.ListEntries(ctx, id, "b")
	if err != nil {
		t.Fatalf("ListEntries b: %v", err)
	}
	if len(sub) != 1 || sub[0].Path != "b/c.png" || sub[0].Size != 2000 {
		t.Fatalf("b listing = %+v, want [b/c.png size 2000]", sub)
	}

	if _, err := e.ListEntries(ctx, id, "nope"); !errors.Is(err, errs.ErrEntryNotFound) {
		t.Errorf("unknown prefix err = %v, want ErrEntryNotFound", err)
	}
	if _, err := e.ListEntries(ctx, id, "../x"); !errors.Is(err, errs.ErrPathTraversal) {
		t.Errorf("traversal prefix err = %v, want ErrPathTraversal", err)
	}
}

func TestStreamEntry_ByteExact(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "data.zip")
	content := bytes.Repeat([]byte("stream me "), 5000)
	writeZip(t, zp, map[string][]byte{"blob.bin": content})
	e := newEngine(t, zp)
	id := sourceID(t, e, "data.zip")

	rc, entry, err := e.StreamEntry(context.Background(), id, "blob.bin", nil)
	if err != nil {
		t.Fatalf("StreamEntry: %v", err)
	}
	defer rc.Close()
	if entry.Size != int64(len(content)) {
		t.Errorf("entry size = %d, want %d", entry.Size, len(content))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("streamed bytes differ from archived content")
	}

	rc2, _, err := e.StreamEntry(context.Background(), id, "blob.bin", &extract.Range{Offset: 7, Length: 9})
	if err != nil {
		t.Fatalf("ranged StreamEntry: %v", err)
	}
	part, _ := io.ReadAll(rc2)
	rc2.Close()
	if string(part) != "e stream " {
		t.Errorf("ranged read = %q, want %q", part, "e stream ")
	}

	if _, _, err := e.StreamEntry(context.Background(), id, "missing.txt", nil); !errors.Is(err, errs.ErrEntryNotFound) {
		t.Errorf("missing entry err = %v, want ErrEntryNotFound", err)
	}
}

func TestStreamEntry_EncryptedWithPassword(t *testing.T) {
	dir := t.TempDir()
	zp := filepath.Join(dir, "vault.zip")
	secret := []byte("the cake is a lie")
	writeEncryptedZip(t, zp, "GLaDOS", map[string][]byte{"secret.txt": secret})
	e := newEngine(t, zp)
	id := sourceID(t, e, "vault.zip")
	ctx := context.Background()

	if _, _, err := e.StreamEntry(ctx, id, "secret.txt", nil); !errors.Is(err, errs.ErrPasswordRequired) {
		t.Fatalf("err = %v, want ErrPasswordRequired", err)
	}
	if err := e.OpenWithPassword(ctx, id, "wrong"); !errors.Is(err, errs.ErrPasswordIncorrect) {
		t.Fatalf("err = %v, want ErrPasswordIncorrect", err)
	}
	if err := e.OpenWithPassword(ctx, id, "GLaDOS"); err != nil {
		t.Fatalf("OpenWithPassword: %v", err)
	}

	rc, _, err := e.StreamEntry(ctx, id, "secret.txt", nil)
	if err != nil {
		t.Fatalf("StreamEntry after unlock: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("decrypted content = %q, want %q", got, secret)
	}

	for _, s := range e.ListSources() {
		if s.ID == id && !s.RequiresPassword {
			t.Error("ListSources does not flag the encrypted source")
		}
	}
}

func TestSearch_AcrossSourcesWithSkips(t *testing.T) {
	dir := t.TempDir()
	z1 := filepath.Join(dir, "first.zip")
	z2 := filepath.Join(dir, "second.zip")
	bad := filepath.Join(dir, "broken.zip")
	writeZip(t, z1, map[string][]byte{
		"vacation/cat.jpg":  []byte("c"),
		"catalog/index.txt": []byte("i"),
	})
	writeZip(t, z2, map[string][]byte{"pets/cat_photo.png": []byte("p")})
	if err := os.WriteFile(bad, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, z1, z2, bad)
	ctx := context.Background()

	res, err := e.Search(ctx, "cat", "", TypeAll)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Skipped) != 1 {
		t.Errorf("skipped = %v, want exactly the corrupt source", res.Skipped)
	}
	if len(res.Hits) == 0 {
		t.Fatal("no hits for cat")
	}
	// Exact filename match outranks the directory-prefix match.
	if res.Hits[0].Entry.Path != "vacation/cat.jpg" {
		t.Errorf("top hit = %s, want vacation/cat.jpg", res.Hits[0].Entry.Path)
	}
	var paths []string
	for _, h := range res.Hits {
		paths = append(paths, h.Entry.Path)
	}
	want := map[string]bool{"vacation/cat.jpg": true, "pets/cat_photo.png": true, "catalog/index.txt": true, "catalog": true}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected hit %s", p)
		}
	}

	imgs, err := e.Search(ctx, "cat", "", TypeImages)
	if err != nil {
		t.Fatalf("Search images: %v", err)
	}
	for _, h := range imgs.Hits {
		if h.Entry.Dir || !archive.IsImagePath(h.Entry.Path) {
			t.Errorf("non-image hit %s under image filter", h.Entry.Path)
		}
	}

	id1 := sourceID(t, e, "first.zip")
	only, err := e.Search(ctx, "cat", id1, TypeAll)
	if err != nil {
		t.Fatalf("Search scoped: %v", err)
	}
	for _, h := range only.Hits {
		if h.SourceID != id1 {
			t.Errorf("scoped search returned hit from %s", h.SourceID)
		}
	}

	if _, err := e.Search(ctx, "cat", "unknown-id", TypeAll); !errors.Is(err, errs.ErrSourceNotFound) {
		t.Errorf("unknown source err = %v, want ErrSourceNotFound", err)
	}

	empty, err := e.Search(ctx, "   ", "", TypeAll)
	if err != nil {
		t.Fatalf("Search blank: %v", err)
	}
	if len(empty.Hits) != 0 {
		t.Errorf("blank query returned %d hits", len(empty.Hits))
	}
}

func TestListSources_ReportsResolveAndPermanentErrors(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.zip")
	writeZip(t, good, map[string][]byte{"f.txt": []byte("f")})
	bad := filepath.Join(dir, "broken.zip")
	if err := os.WriteFile(bad, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "nope.zip")
	e := newEngine(t, good, bad, missing)

	// Trip the permanent error on the corrupt source.
	badID := sourceID(t, e, "broken.zip")
	if _, err := e.ListEntries(context.Background(), badID, ""); !errors.Is(err, errs.ErrCorruptArchive) {
		t.Fatalf("err = %v, want ErrCorruptArchive", err)
	}

	infos := e.ListSources()
	if len(infos) != 3 {
		t.Fatalf("sources = %d, want 3 (including the unresolvable one)", len(infos))
	}
	byName := map[string]SourceInfo{}
	for _, s := range infos {
		if s.Name != "" {
			byName[s.Name] = s
		}
	}
	if byName["good.zip"].Error != "" {
		t.Errorf("good source has error %q", byName["good.zip"].Error)
	}
	if byName["broken.zip"].Error == "" {
		t.Error("corrupt source reports no error")
	}
	var invalid int
	for _, s := range infos {
		if s.Kind == "invalid" && s.Error != "" {
			invalid++
		}
	}
	if invalid != 1 {
		t.Errorf("invalid sources = %d, want 1", invalid)
	}
}

func TestThumbnail_EndToEnd(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 300, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.NRGBA{R: 80, G: 160, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	zp := filepath.Join(dir, "gallery.zip")
	writeZip(t, zp, map[string][]byte{
		"pics/green.png": buf.Bytes(),
		"readme.md":      []byte("not an image"),
	})
	e := newEngine(t, zp)
	id := sourceID(t, e, "gallery.zip")
	ctx := context.Background()

	data, err := e.Thumbnail(ctx, id, "pics/green.png", 150)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if cfg.Width != 150 || cfg.Height != 100 {
		t.Errorf("thumbnail = %dx%d, want 150x100", cfg.Width, cfg.Height)
	}

	if _, err := e.Thumbnail(ctx, id, "readme.md", 150); !errors.Is(err, errs.ErrUnsupportedEntry) {
		t.Errorf("err = %v, want ErrUnsupportedEntry", err)
	}
}

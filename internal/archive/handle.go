package archive

import (
	"container/list"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/yeka/zip"

	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/index"
	"github.com/shhossain/zip-browser/internal/source"
)

// Handle is an open, in-memory view of one archive: its entry list, search
// index and the underlying reader. Owned by the Registry; callers hold it
// through Acquire/Release reference counting. Everything except the ref
// bookkeeping is immutable after build, so reads need no lock.
type Handle struct {
	src       *source.Source
	rc        *zip.ReadCloser
	password  string
	encrypted bool // archive contains at least one encrypted member
	entries  []Entry
	byPath   map[string]int
	files    map[string]*zip.File
	childOf  map[string][]Entry // parent dir -> sorted immediate children
	idx      *index.Index

	// Guarded by the Registry's mutex.
	refs int
	elem *list.Element
}

// buildHandle constructs the entry list, directory map and search index
// from an opened reader. password, when set, is applied to encrypted
// members so later opens decrypt transparently.
func buildHandle(src *source.Source, rc *zip.ReadCloser, password string) *Handle {
	h := &Handle{
		src:      src,
		rc:       rc,
		password: password,
		byPath:   make(map[string]int),
		files:    make(map[string]*zip.File),
	}

	dirSeen := make(map[string]bool)
	for _, f := range rc.File {
		name := normalizeName(f.Name)
		if name == "" || isSystemFile(name) {
			continue
		}
		if f.IsEncrypted() {
			h.encrypted = true
			if password != "" {
				f.SetPassword(password)
			}
		}

		isDir := strings.HasSuffix(f.Name, "/")
		if isDir {
			if !dirSeen[name] {
				dirSeen[name] = true
				h.addEntry(Entry{Path: name, Dir: true, Modified: f.ModTime()})
			}
			continue
		}

		if _, dup := h.files[name]; dup {
			continue
		}
		h.files[name] = f
		h.addEntry(Entry{
			Path:           name,
			Size:           int64(f.UncompressedSize64),
			CompressedSize: int64(f.CompressedSize64),
			Modified:       f.ModTime(),
			CRC:            f.CRC32,
			Encrypted:      f.IsEncrypted(),
		})

		// Synthesize intermediate directories not stored explicitly.
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			if dirSeen[dir] {
				break
			}
			dirSeen[dir] = true
			h.addEntry(Entry{Path: dir, Dir: true})
		}
	}

	h.buildChildren()
	h.buildIndex()
	return h
}

func (h *Handle) addEntry(e Entry) {
	if _, dup := h.byPath[e.Path]; dup {
		return
	}
	h.byPath[e.Path] = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *Handle) buildChildren() {
	h.childOf = make(map[string][]Entry)
	for _, e := range h.entries {
		parent := path.Dir(e.Path)
		if parent == "." {
			parent = ""
		}
		h.childOf[parent] = append(h.childOf[parent], e)
	}
	// Folders first, then case-insensitive name order. Deterministic, so a
	// listing is identical after the handle is evicted and reopened.
	for _, children := range h.childOf {
		sort.Slice(children, func(i, j int) bool {
			if children[i].Dir != children[j].Dir {
				return children[i].Dir
			}
			return strings.ToLower(children[i].Name()) < strings.ToLower(children[j].Name())
		})
	}
}

func (h *Handle) buildIndex() {
	docs := make([]index.Doc, len(h.entries))
	for i, e := range h.entries {
		docs[i] = index.Doc{Path: e.Path, Dir: e.Dir}
	}
	h.idx = index.Build(docs)
}

// SourceID returns the owning source id.
func (h *Handle) SourceID() string { return h.src.ID }

// HasEncrypted reports whether the archive contains encrypted members.
func (h *Handle) HasEncrypted() bool { return h.encrypted }

// Entries returns all entries in archive order (directories interleaved
// where they were synthesized). The slice must not be mutated.
func (h *Handle) Entries() []Entry { return h.entries }

// Entry looks up a single entry by normalized path.
func (h *Handle) Entry(p string) (Entry, bool) {
	i, ok := h.byPath[p]
	if !ok {
		return Entry{}, false
	}
	return h.entries[i], true
}

// Children returns the immediate children of dir ("" = archive root),
// folders first. ok is false when dir is neither the root nor a known
// directory.
func (h *Handle) Children(dir string) ([]Entry, bool) {
	if dir == "" {
		return h.childOf[""], true
	}
	e, ok := h.Entry(dir)
	if !ok || !e.Dir {
		return nil, false
	}
	return h.childOf[dir], true
}

// Index returns the handle's search index.
func (h *Handle) Index() *index.Index { return h.idx }

// OpenEntry opens an entry for reading decompressed bytes. Encrypted
// entries fail with ErrPasswordRequired unless the archive password was
// supplied at open time.
func (h *Handle) OpenEntry(p string) (io.ReadCloser, error) {
	f, ok := h.files[p]
	if !ok {
		return nil, errs.ErrEntryNotFound
	}
	if f.IsEncrypted() && h.password == "" {
		return nil, errs.ErrPasswordRequired
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// close releases the underlying reader. Called by the Registry only after
// the handle has left the table with no references.
func (h *Handle) close() error {
	return h.rc.Close()
}

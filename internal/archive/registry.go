// Package archive opens ZIP archives on demand and pools the open handles
// under an LRU bound with reference counting. Opens for the same source
// are collapsed into a single operation; a handle with active references
// is never evicted.
package archive

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/yeka/zip"
	"go.uber.org/zap"

	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/fetch"
	"github.com/shhossain/zip-browser/internal/logging"
	"github.com/shhossain/zip-browser/internal/metrics"
	"github.com/shhossain/zip-browser/internal/source"
)

// opencall is one in-flight open. The first caller for a source id creates
// and runs it; later callers attach and await the same result. waiters is
// folded into the published handle's refcount so no waiter can observe the
// handle evicted before it holds its reference.
type opencall struct {
	done    chan struct{}
	waiters int
	handle  *Handle
	err     error
}

// Registry maps source ids to open archive handles.
type Registry struct {
	fetcher *fetch.Fetcher
	cap     int

	mu        sync.Mutex
	handles   map[string]*Handle
	lru       *list.List // front = most recently used; element values are *Handle
	opening   map[string]*opencall
	sources   map[string]*source.Source
	passwords map[string]string
	needsPW   map[string]bool
	permErr   map[string]error
}

// NewRegistry creates a registry over the resolved sources with capacity
// maxOpen.
func NewRegistry(sources []*source.Source, fetcher *fetch.Fetcher, maxOpen int) *Registry {
	if maxOpen < 1 {
		maxOpen = 1
	}
	r := &Registry{
		fetcher:   fetcher,
		cap:       maxOpen,
		handles:   make(map[string]*Handle),
		lru:       list.New(),
		opening:   make(map[string]*opencall),
		sources:   make(map[string]*source.Source),
		passwords: make(map[string]string),
		needsPW:   make(map[string]bool),
		permErr:   make(map[string]error),
	}
	for _, s := range sources {
		r.sources[s.ID] = s
	}
	return r
}

// Source returns the resolved source for id.
func (r *Registry) Source(id string) (*source.Source, bool) {
	s, ok := r.sources[id] // sources map is immutable after construction
	return s, ok
}

// Sources returns all resolved sources in stable (id) order.
func (r *Registry) Sources() []*source.Source {
	out := make([]*source.Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status reports what is known about a source without opening it.
func (r *Registry) Status(id string) (requiresPassword bool, permanent error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needsPW[id], r.permErr[id]
}

// Acquire returns a ready handle for the source, incrementing its
// refcount. Callers must pair every successful Acquire with one Release.
func (r *Registry) Acquire(ctx context.Context, id string) (*Handle, error) {
	r.mu.Lock()

	if err := r.permErr[id]; err != nil {
		r.mu.Unlock()
		return nil, err
	}

	if h, ok := r.handles[id]; ok {
		h.refs++
		r.lru.MoveToFront(h.elem)
		r.mu.Unlock()
		return h, nil
	}

	if oc, ok := r.opening[id]; ok {
		oc.waiters++
		r.mu.Unlock()
		select {
		case <-oc.done:
			if oc.err != nil {
				return nil, oc.err
			}
			return oc.handle, nil
		case <-ctx.Done():
			// The leader counted us into the published refcount; give
			// that reference back once the open settles.
			go func() {
				<-oc.done
				if oc.err == nil {
					r.Release(oc.handle)
				}
			}()
			return nil, ctx.Err()
		}
	}

	src, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return nil, errs.ErrSourceNotFound
	}

	oc := &opencall{done: make(chan struct{}), waiters: 1}
	r.opening[id] = oc
	password := r.passwords[id]
	r.mu.Unlock()

	h, err := r.open(ctx, src, password)

	r.mu.Lock()
	delete(r.opening, id)
	if err != nil {
		if errors.Is(err, errs.ErrCorruptArchive) {
			r.permErr[id] = err
		}
		if errors.Is(err, errs.ErrPasswordRequired) {
			r.needsPW[id] = true
		}
		oc.err = err
		r.mu.Unlock()
		close(oc.done)
		return nil, err
	}

	h.refs = oc.waiters
	r.needsPW[id] = h.encrypted
	r.publishLocked(h)
	oc.handle = h
	r.mu.Unlock()
	close(oc.done)
	return h, nil
}

// Release returns a reference obtained from Acquire.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
}

// publishLocked inserts a freshly opened handle and evicts beyond
// capacity. Only resident handles with no references are evicted; when
// every resident handle is pinned the bound is temporarily exceeded
// rather than starving the caller.
func (r *Registry) publishLocked(h *Handle) {
	r.handles[h.src.ID] = h
	h.elem = r.lru.PushFront(h)

	for r.lru.Len() > r.cap {
		victim := r.oldestIdleLocked()
		if victim == nil {
			metrics.RecordEvictionPressure()
			logging.Warn("all open archives are in use, exceeding handle capacity",
				zap.Int("capacity", r.cap),
				zap.Int("open", r.lru.Len()))
			break
		}
		r.evictLocked(victim)
	}
	metrics.SetOpenHandles(r.lru.Len())
}

func (r *Registry) oldestIdleLocked() *Handle {
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		h := e.Value.(*Handle)
		if h.refs == 0 {
			return h
		}
	}
	return nil
}

func (r *Registry) evictLocked(h *Handle) {
	r.lru.Remove(h.elem)
	delete(r.handles, h.src.ID)
	if err := h.close(); err != nil {
		logging.Warn("closing evicted archive failed",
			zap.String("source", h.src.ID), zap.Error(err))
	}
	metrics.RecordHandleEviction()
	logging.Debug("evicted archive handle", zap.String("source", h.src.ID))
}

// open materializes and opens one archive. Runs outside the registry lock.
func (r *Registry) open(ctx context.Context, src *source.Source, password string) (*Handle, error) {
	path := src.Location
	if src.IsRemote() {
		var err error
		path, err = r.fetcher.Fetch(ctx, src)
		if err != nil {
			metrics.RecordArchiveOpen("unreachable")
			return nil, err
		}
	}

	rc, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) {
			metrics.RecordArchiveOpen("corrupt")
			return nil, errs.ForSource(src.ID, src.Location,
				fmt.Errorf("%w: %v", errs.ErrCorruptArchive, err))
		}
		metrics.RecordArchiveOpen("error")
		return nil, errs.ForSource(src.ID, src.Location, fmt.Errorf("open archive: %w", err))
	}

	if encFile := firstEncrypted(rc); encFile != nil {
		if password == "" {
			rc.Close()
			metrics.RecordArchiveOpen("password_required")
			return nil, errs.ForSource(src.ID, src.Location, errs.ErrPasswordRequired)
		}
		if err := verifyPassword(rc, password); err != nil {
			rc.Close()
			metrics.RecordArchiveOpen("password_incorrect")
			return nil, errs.ForSource(src.ID, src.Location, err)
		}
	}

	h := buildHandle(src, rc, password)
	metrics.RecordArchiveOpen("ok")
	logging.Info("opened archive",
		zap.String("source", src.ID),
		zap.String("name", src.Name),
		zap.Int("entries", len(h.entries)))
	return h, nil
}

// firstEncrypted returns an encrypted regular member, or nil.
func firstEncrypted(rc *zip.ReadCloser) *zip.File {
	for _, f := range rc.File {
		if f.IsEncrypted() && !f.FileInfo().IsDir() {
			return f
		}
	}
	return nil
}

// verifyPassword test-decompresses the smallest encrypted member. Both a
// rejected password and a checksum mismatch at EOF count as incorrect.
func verifyPassword(rc *zip.ReadCloser, password string) error {
	var probe *zip.File
	for _, f := range rc.File {
		if !f.IsEncrypted() || f.FileInfo().IsDir() {
			continue
		}
		if probe == nil || f.UncompressedSize64 < probe.UncompressedSize64 {
			probe = f
		}
	}
	if probe == nil {
		return nil
	}

	probe.SetPassword(password)
	er, err := probe.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPasswordIncorrect, err)
	}
	defer er.Close()
	if _, err := io.Copy(io.Discard, er); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPasswordIncorrect, err)
	}
	return nil
}

// OpenWithPassword verifies the password against the source's archive and
// caches it for the process lifetime on success. A wrong password is
// surfaced and never cached.
func (r *Registry) OpenWithPassword(ctx context.Context, id, password string) error {
	r.mu.Lock()
	src, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return errs.ErrSourceNotFound
	}
	if err := r.permErr[id]; err != nil {
		r.mu.Unlock()
		return err
	}
	if _, open := r.handles[id]; open {
		// Already open and readable; nothing to unlock.
		r.mu.Unlock()
		return nil
	}
	if _, inflight := r.opening[id]; inflight {
		r.mu.Unlock()
		// Let the in-flight open settle first, then retry against its
		// outcome.
		if h, err := r.Acquire(ctx, id); err == nil {
			r.Release(h)
			return nil
		}
		return r.OpenWithPassword(ctx, id, password)
	}

	// Serialize with concurrent Acquires the same way a first-time open
	// does: they attach to this call instead of racing their own.
	oc := &opencall{done: make(chan struct{})}
	r.opening[id] = oc
	r.mu.Unlock()

	h, err := r.open(ctx, src, password)

	r.mu.Lock()
	delete(r.opening, id)
	if err != nil {
		if errors.Is(err, errs.ErrPasswordRequired) {
			err = errs.ForSource(id, src.Location, errs.ErrPasswordIncorrect)
		}
		if errors.Is(err, errs.ErrCorruptArchive) {
			r.permErr[id] = err
		}
		oc.err = err
		r.mu.Unlock()
		close(oc.done)
		return err
	}

	r.passwords[id] = password
	r.needsPW[id] = h.encrypted
	h.refs = oc.waiters
	r.publishLocked(h)
	oc.handle = h
	r.mu.Unlock()
	close(oc.done)
	return nil
}

// Open reports the number of currently open handles. Used by tests and
// the engine's shutdown path.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// Close evicts and closes every handle. Handles still referenced are
// closed anyway; callers are expected to have drained.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for e := r.lru.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handle)
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.lru.Init()
	r.handles = make(map[string]*Handle)
	metrics.SetOpenHandles(0)
	return firstErr
}

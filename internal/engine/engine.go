// Package engine ties source resolution, fetching, the archive registry,
// extraction and thumbnailing into one front door for callers.
package engine

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/shhossain/zip-browser/internal/archive"
	"github.com/shhossain/zip-browser/internal/config"
	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/extract"
	"github.com/shhossain/zip-browser/internal/fetch"
	"github.com/shhossain/zip-browser/internal/index"
	"github.com/shhossain/zip-browser/internal/logging"
	"github.com/shhossain/zip-browser/internal/metrics"
	"github.com/shhossain/zip-browser/internal/source"
	"github.com/shhossain/zip-browser/internal/thumb"
)

// SourceInfo is the externally visible state of one configured source.
type SourceInfo struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	Location         string `json:"location"`
	RequiresPassword bool   `json:"requiresPassword,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Hit is one ranked search result.
type Hit struct {
	SourceID string        `json:"sourceId"`
	Entry    archive.Entry `json:"entry"`
	Rank     index.Rank    `json:"-"`
}

// SearchResult carries ranked hits plus the sources that could not be
// searched (unreachable, locked, corrupt).
type SearchResult struct {
	Hits    []Hit    `json:"hits"`
	Skipped []string `json:"skippedSources,omitempty"`
}

// TypeFilter restricts search results by entry kind.
type TypeFilter string

const (
	TypeAll    TypeFilter = "all"
	TypeFiles  TypeFilter = "files"
	TypeDirs   TypeFilter = "dirs"
	TypeImages TypeFilter = "images"
)

// Engine exposes the browsing operations over a fixed set of sources.
type Engine struct {
	registry    *archive.Registry
	thumbs      *thumb.Generator
	resolveErrs []*errs.SourceError
}

// New resolves the configured locations and wires up the engine. Individual
// sources that fail to resolve are reported through ListSources rather than
// failing startup, but a configuration yielding no usable source at all is
// an error.
func New(cfg *config.Config) (*Engine, error) {
	sources, failures := source.Resolve(cfg.ZipPaths)
	for _, f := range failures {
		logging.S().Warnw("source failed to resolve", "location", f.Location, "error", f.Err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no usable archive sources among %d configured", len(cfg.ZipPaths))
	}

	fetcher, err := fetch.New(filepath.Join(cfg.CacheDir, "archives"), fetch.Options{
		RetryAttempts: cfg.DownloadRetryCount,
		Timeout:       cfg.DownloadTimeout,
		S3: fetch.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	registry := archive.NewRegistry(sources, fetcher, cfg.MaxOpenHandles)
	thumbs, err := thumb.NewGenerator(registry, filepath.Join(cfg.CacheDir, "thumbs"), cfg.MaxThumbCacheBytes)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("init thumbnail cache: %w", err)
	}

	logging.S().Infow("engine ready",
		"sources", len(sources), "failed", len(failures), "maxOpenHandles", cfg.MaxOpenHandles)

	return &Engine{
		registry:    registry,
		thumbs:      thumbs,
		resolveErrs: failures,
	}, nil
}

// ListSources returns every configured source, including ones that failed
// to resolve, in a stable order.
func (e *Engine) ListSources() []SourceInfo {
	var out []SourceInfo
	for _, s := range e.registry.Sources() {
		needsPW, perm := e.registry.Status(s.ID)
		info := SourceInfo{
			ID:               s.ID,
			Kind:             s.Kind.String(),
			Name:             s.Name,
			Location:         s.Location,
			RequiresPassword: needsPW,
		}
		if perm != nil {
			info.Error = perm.Error()
		}
		out = append(out, info)
	}
	for _, f := range e.resolveErrs {
		out = append(out, SourceInfo{
			ID:       f.SourceID,
			Kind:     "invalid",
			Location: f.Location,
			Error:    f.Err.Error(),
		})
	}
	return out
}

// ListEntries returns the immediate children of prefix within the source.
// An empty prefix lists the archive root. Directories sort before files,
// names case-insensitively within each group.
func (e *Engine) ListEntries(ctx context.Context, sourceID, prefix string) ([]archive.Entry, error) {
	if prefix != "" {
		if err := extract.CheckPath(prefix); err != nil {
			return nil, errs.ForSource(sourceID, prefix, err)
		}
	}
	h, err := e.registry.Acquire(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	defer e.registry.Release(h)

	kids, ok := h.Children(prefix)
	if !ok {
		return nil, errs.ForSource(sourceID, prefix, errs.ErrEntryNotFound)
	}
	out := make([]archive.Entry, len(kids))
	copy(out, kids)
	return out, nil
}

// Search runs a ranked token search over one source, or over all sources
// when sourceID is empty. Sources that cannot be opened are skipped and
// reported, never silently dropped.
func (e *Engine) Search(ctx context.Context, query, sourceID string, filter TypeFilter) (*SearchResult, error) {
	start := time.Now()
	defer func() { metrics.RecordSearch(time.Since(start)) }()

	var targets []*source.Source
	if sourceID != "" {
		s, ok := e.registry.Source(sourceID)
		if !ok {
			return nil, errs.ForSource(sourceID, "", errs.ErrSourceNotFound)
		}
		targets = []*source.Source{s}
	} else {
		targets = e.registry.Sources()
	}

	res := &SearchResult{}
	for _, s := range targets {
		h, err := e.registry.Acquire(ctx, s.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Skipped = append(res.Skipped, s.ID)
			continue
		}
		for _, m := range h.Index().Search(query) {
			entry, ok := h.Entry(m.Path)
			if !ok || !matchesFilter(entry, filter) {
				continue
			}
			res.Hits = append(res.Hits, Hit{SourceID: s.ID, Entry: entry, Rank: m.Rank})
		}
		e.registry.Release(h)
	}

	sort.Slice(res.Hits, func(i, j int) bool {
		a, b := res.Hits[i], res.Hits[j]
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if len(a.Entry.Path) != len(b.Entry.Path) {
			return len(a.Entry.Path) < len(b.Entry.Path)
		}
		if a.Entry.Path != b.Entry.Path {
			return a.Entry.Path < b.Entry.Path
		}
		return a.SourceID < b.SourceID
	})
	return res, nil
}

func matchesFilter(e archive.Entry, f TypeFilter) bool {
	switch f {
	case TypeFiles:
		return !e.Dir
	case TypeDirs:
		return e.Dir
	case TypeImages:
		return !e.Dir && archive.IsImagePath(e.Path)
	default:
		return true
	}
}

// OpenWithPassword unlocks an encrypted source. A wrong password is never
// remembered; a correct one is kept for the process lifetime.
func (e *Engine) OpenWithPassword(ctx context.Context, sourceID, password string) error {
	return e.registry.OpenWithPassword(ctx, sourceID, password)
}

// StatEntry returns entry metadata without opening its content.
func (e *Engine) StatEntry(ctx context.Context, sourceID, entryPath string) (archive.Entry, error) {
	if err := extract.CheckPath(entryPath); err != nil {
		return archive.Entry{}, errs.ForSource(sourceID, entryPath, err)
	}
	h, err := e.registry.Acquire(ctx, sourceID)
	if err != nil {
		return archive.Entry{}, err
	}
	defer e.registry.Release(h)
	entry, ok := h.Entry(entryPath)
	if !ok {
		return archive.Entry{}, errs.ForSource(sourceID, entryPath, errs.ErrEntryNotFound)
	}
	return entry, nil
}

// StreamEntry opens entry content for streaming. The caller must close the
// reader; closing releases the underlying archive handle.
func (e *Engine) StreamEntry(ctx context.Context, sourceID, entryPath string, rng *extract.Range) (io.ReadCloser, archive.Entry, error) {
	return extract.Open(ctx, e.registry, sourceID, entryPath, rng)
}

// Thumbnail returns cached or freshly generated JPEG thumbnail bytes.
func (e *Engine) Thumbnail(ctx context.Context, sourceID, entryPath string, dim int) ([]byte, error) {
	return e.thumbs.Get(ctx, sourceID, entryPath, dim)
}

// Close releases every open archive handle.
func (e *Engine) Close() error {
	return e.registry.Close()
}

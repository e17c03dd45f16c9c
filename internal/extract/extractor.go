// Package extract streams entry content out of registered archives with
// byte-range support and strict path validation.
package extract

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/shhossain/zip-browser/internal/archive"
	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/metrics"
)

// Range selects a byte window of the decompressed entry. Length < 0 means
// everything from Offset to the end.
type Range struct {
	Offset int64
	Length int64
}

const chunkSize = 64 * 1024

// CheckPath validates a client-supplied entry path before it is matched
// against any archive. The check runs on the raw string so that crafted
// inputs are rejected even when an archive happens to contain a member of
// the same literal name.
func CheckPath(p string) error {
	if p == "" {
		return errs.ErrEntryNotFound
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return errs.ErrPathTraversal
	}
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return errs.ErrPathTraversal
		}
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return errs.ErrPathTraversal
		}
	}
	return nil
}

// Open acquires the archive, locates the entry and returns a streaming
// reader over its (optionally ranged) content. The returned closer gives
// the registry handle back exactly once, on every path including context
// cancellation mid-stream.
func Open(ctx context.Context, reg *archive.Registry, sourceID, entryPath string, rng *Range) (io.ReadCloser, archive.Entry, error) {
	if err := CheckPath(entryPath); err != nil {
		return nil, archive.Entry{}, errs.ForSource(sourceID, entryPath, err)
	}
	h, err := reg.Acquire(ctx, sourceID)
	if err != nil {
		return nil, archive.Entry{}, err
	}
	e, ok := h.Entry(entryPath)
	if !ok || e.Dir {
		reg.Release(h)
		return nil, archive.Entry{}, errs.ForSource(sourceID, entryPath, errs.ErrEntryNotFound)
	}
	rc, err := h.OpenEntry(entryPath)
	if err != nil {
		reg.Release(h)
		return nil, archive.Entry{}, err
	}

	var r io.Reader = rc
	if rng != nil {
		if rng.Offset < 0 || rng.Offset > e.Size {
			rc.Close()
			reg.Release(h)
			return nil, archive.Entry{}, errs.ForSource(sourceID, entryPath,
				fmt.Errorf("%w: range %d+%d outside entry of %d bytes", errs.ErrEntryNotFound, rng.Offset, rng.Length, e.Size))
		}
		// Deflate streams cannot seek, so the offset is consumed by
		// decompressing and discarding the prefix.
		if rng.Offset > 0 {
			if _, err := io.CopyN(io.Discard, rc, rng.Offset); err != nil && err != io.EOF {
				rc.Close()
				reg.Release(h)
				return nil, archive.Entry{}, errs.ForSource(sourceID, entryPath, fmt.Errorf("seek to offset %d: %w", rng.Offset, err))
			}
		}
		if rng.Length >= 0 {
			r = io.LimitReader(rc, rng.Length)
		}
	}

	s := &stream{
		ctx:     ctx,
		r:       r,
		rc:      rc,
		release: func() { reg.Release(h) },
	}
	return s, e, nil
}

// stream bounds each Read to a fixed chunk and checks for cancellation
// between chunks, so an abandoned request stops decompressing promptly.
type stream struct {
	ctx     context.Context
	r       io.Reader
	rc      io.ReadCloser
	release func()
	once    sync.Once
	sent    int64
}

func (s *stream) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := s.r.Read(p)
	s.sent += int64(n)
	return n, err
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.rc.Close()
		s.release()
		metrics.RecordEntryBytesStreamed(s.sent)
	})
	return err
}

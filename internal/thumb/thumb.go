// Package thumb generates and caches JPEG thumbnails for image entries
// inside registered archives.
package thumb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/singleflight"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/shhossain/zip-browser/internal/archive"
	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/extract"
	"github.com/shhossain/zip-browser/internal/metrics"
)

// Quality is the JPEG encode quality for generated thumbnails.
const Quality = 80

// Generator produces thumbnails on demand, coalescing concurrent requests
// for the same entry and caching results on disk.
type Generator struct {
	reg   *archive.Registry
	store *store
	group singleflight.Group
}

// NewGenerator creates a Generator whose cache lives under dir and is
// evicted down to budget bytes.
func NewGenerator(reg *archive.Registry, dir string, budget int64) (*Generator, error) {
	s, err := newStore(dir, budget)
	if err != nil {
		return nil, err
	}
	return &Generator{reg: reg, store: s}, nil
}

// CacheBytes reports the current size of the thumbnail cache.
func (g *Generator) CacheBytes() int64 { return g.store.bytes() }

// Get returns JPEG thumbnail bytes for the entry, fitted within dim x dim.
func (g *Generator) Get(ctx context.Context, sourceID, entryPath string, dim int) ([]byte, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid thumbnail dimension %d", dim)
	}
	if !archive.IsImagePath(entryPath) {
		metrics.RecordThumbnail("error")
		return nil, errs.ForSource(sourceID, entryPath, errs.ErrUnsupportedEntry)
	}

	key := cacheKey(sourceID, entryPath, dim)
	if data, ok := g.store.get(key); ok {
		metrics.RecordThumbnail("hit")
		return data, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		// A concurrent caller may have finished while we queued.
		if data, ok := g.store.get(key); ok {
			return data, nil
		}
		return g.generate(ctx, key, sourceID, entryPath, dim)
	})
	if err != nil {
		metrics.RecordThumbnail("error")
		return nil, err
	}
	return v.([]byte), nil
}

func (g *Generator) generate(ctx context.Context, key, sourceID, entryPath string, dim int) ([]byte, error) {
	start := time.Now()

	rc, _, err := extract.Open(ctx, g.reg, sourceID, entryPath, nil)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, errs.ForSource(sourceID, entryPath, fmt.Errorf("read entry: %w", err))
	}

	// The extension check is a fast path, content decides.
	if mt := mimetype.Detect(raw); !strings.HasPrefix(mt.String(), "image/") {
		return nil, errs.ForSource(sourceID, entryPath,
			fmt.Errorf("%w: content type %s", errs.ErrUnsupportedEntry, mt.String()))
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.ForSource(sourceID, entryPath,
			fmt.Errorf("%w: decode: %v", errs.ErrUnsupportedEntry, err))
	}

	img = flattenAlpha(img)
	thumb := imaging.Fit(img, dim, dim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, errs.ForSource(sourceID, entryPath, fmt.Errorf("encode thumbnail: %w", err))
	}
	if err := g.store.put(key, buf.Bytes()); err != nil {
		// Serving from memory still works when the disk write fails.
		metrics.RecordThumbnailGeneration(time.Since(start))
		metrics.RecordThumbnail("generated")
		return buf.Bytes(), nil
	}

	metrics.RecordThumbnailGeneration(time.Since(start))
	metrics.RecordThumbnail("generated")
	return buf.Bytes(), nil
}

// flattenAlpha composites translucent images onto a white background so the
// JPEG output matches what browsers render for the original.
func flattenAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	return imaging.OverlayCenter(bg, img, 1.0)
}

func cacheKey(sourceID, entryPath string, dim int) string {
	sum := sha256.Sum256([]byte(entryPath))
	return fmt.Sprintf("%s-%s-%d", sourceID, hex.EncodeToString(sum[:8]), dim)
}

// Package fetch materializes remote archive sources as local cache files.
//
// Downloads are coalesced per source id, retried with bounded exponential
// backoff, revalidated with conditional requests on restart, and written
// atomically so a partial download is never visible to openers.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/logging"
	"github.com/shhossain/zip-browser/internal/metrics"
	"github.com/shhossain/zip-browser/internal/source"
	"github.com/shhossain/zip-browser/pkg/retry"
)

// Options configures a Fetcher.
type Options struct {
	RetryAttempts int           // download attempts per request (default 3)
	RetryWait     time.Duration // initial backoff wait (default 200ms)
	Timeout       time.Duration // per-attempt timeout (default 2m)
	Cooldown      time.Duration // how long an unreachable verdict is cached (default 15s)
	S3            S3Config
}

func (o *Options) withDefaults() {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 200 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 15 * time.Second
	}
}

// S3Config holds settings for s3:// sources.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// conditional holds validators from the last successful download,
// persisted as a sidecar next to the cached archive.
type conditional struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

type failState struct {
	until time.Time
	err   error
}

// Fetcher downloads remote archives into a cache directory, one file per
// source id.
type Fetcher struct {
	dir    string
	opts   Options
	client *http.Client
	group  singleflight.Group

	mu       sync.Mutex
	failures map[string]failState

	s3once sync.Once
	s3cli  s3API
	s3err  error
}

// New creates a Fetcher caching into dir.
func New(dir string, opts Options) (*Fetcher, error) {
	opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create download cache dir: %w", err)
	}
	return &Fetcher{
		dir:      dir,
		opts:     opts,
		client:   &http.Client{},
		failures: make(map[string]failState),
	}, nil
}

// CachedPath returns the path a source's archive is cached at.
func (f *Fetcher) CachedPath(id string) string {
	return filepath.Join(f.dir, id+".zip")
}

func (f *Fetcher) metaPath(id string) string {
	return f.CachedPath(id) + ".meta"
}

// Fetch ensures the source's archive exists locally and returns its path.
// Concurrent callers for the same source share one download.
func (f *Fetcher) Fetch(ctx context.Context, src *source.Source) (string, error) {
	v, err, _ := f.group.Do(src.ID, func() (interface{}, error) {
		return f.fetch(ctx, src)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) fetch(ctx context.Context, src *source.Source) (string, error) {
	if err := f.checkCooldown(src.ID); err != nil {
		return "", err
	}

	u, err := url.Parse(src.Location)
	if err != nil {
		return "", errs.ForSource(src.ID, src.Location, errs.ErrInvalidSource)
	}

	cfg := retry.Config{
		MaxAttempts: f.opts.RetryAttempts,
		InitialWait: f.opts.RetryWait,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}

	var path string
	if u.Scheme == "s3" {
		path, err = retry.DoWithResult(ctx, cfg, func() (string, error) {
			return f.fetchS3(ctx, src, u)
		})
	} else {
		path, err = retry.DoWithResult(ctx, cfg, func() (string, error) {
			return f.fetchHTTP(ctx, src)
		})
	}

	if err != nil {
		f.recordFailure(src.ID, err)
		metrics.RecordDownload(0, false)
		logging.Warn("remote archive unreachable",
			zap.String("source", src.ID),
			zap.String("location", src.Location),
			zap.Error(err))
		return "", errs.ForSource(src.ID, src.Location,
			fmt.Errorf("%w: %v", errs.ErrUnreachableRemote, err))
	}
	return path, nil
}

func (f *Fetcher) checkCooldown(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.failures[id]
	if !ok {
		return nil
	}
	if time.Now().After(fs.until) {
		delete(f.failures, id)
		return nil
	}
	return fs.err
}

func (f *Fetcher) recordFailure(id string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = failState{
		until: time.Now().Add(f.opts.Cooldown),
		err:   fmt.Errorf("%w: cooling down after: %v", errs.ErrUnreachableRemote, cause),
	}
}

// fetchHTTP performs one conditional download attempt.
func (f *Fetcher) fetchHTTP(ctx context.Context, src *source.Source) (string, error) {
	dest := f.CachedPath(src.ID)
	cond := f.loadConditional(src.ID)
	haveCached := fileExists(dest)

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return "", err
	}
	if haveCached {
		if cond.ETag != "" {
			req.Header.Set("If-None-Match", cond.ETag)
		}
		if cond.LastModified != "" {
			req.Header.Set("If-Modified-Since", cond.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", retry.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && haveCached:
		logging.Debug("cached archive still fresh", zap.String("source", src.ID))
		return dest, nil

	case resp.StatusCode == http.StatusOK:
		written, err := f.writeAtomic(dest, resp.Body)
		if err != nil {
			return "", retry.Transient(err)
		}
		f.saveConditional(src.ID, conditional{
			ETag:         resp.Header.Get("Etag"),
			LastModified: resp.Header.Get("Last-Modified"),
		})
		metrics.RecordDownload(written, true)
		logging.Info("downloaded remote archive",
			zap.String("source", src.ID),
			zap.Int64("bytes", written))
		return dest, nil

	case resp.StatusCode >= 500:
		return "", retry.Transient(fmt.Errorf("server status %d", resp.StatusCode))

	default:
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// writeAtomic streams r to a temporary file and renames it over dest.
// The temporary file is removed on any failure.
func (f *Fetcher) writeAtomic(dest string, r io.Reader) (int64, error) {
	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create partial file: %w", err)
	}
	written, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename partial file: %w", err)
	}
	return written, nil
}

func (f *Fetcher) loadConditional(id string) conditional {
	var c conditional
	data, err := os.ReadFile(f.metaPath(id))
	if err != nil {
		return c
	}
	_ = json.Unmarshal(data, &c)
	return c
}

func (f *Fetcher) saveConditional(id string, c conditional) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := os.WriteFile(f.metaPath(id), data, 0644); err != nil {
		logging.Warn("persisting download validators failed",
			zap.String("source", id), zap.Error(err))
	}
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

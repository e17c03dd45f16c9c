// Package source resolves configured archive locations into a stable set
// of archive sources. A location may be a ZIP file, a directory of ZIP
// files, a remote URL, or a text file listing remote URLs.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/logging"
)

// Kind classifies how a source was configured.
type Kind int

const (
	Local Kind = iota
	DirectoryMember
	Remote
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case DirectoryMember:
		return "directory-member"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// Source describes one archive origin. Immutable after resolution.
type Source struct {
	ID       string
	Kind     Kind
	Location string // filesystem path or URL
	Name     string // display name
}

// IsRemote reports whether the source must be downloaded before opening.
func (s *Source) IsRemote() bool { return s.Kind == Remote }

// ID derives the stable source identifier from a normalized location.
// The same location always maps to the same id across restarts, which is
// what keys the download cache directory.
func ID(location string) string {
	sum := sha256.Sum256([]byte(location))
	return hex.EncodeToString(sum[:])[:12]
}

// IsURL reports whether raw parses as a supported remote archive URL.
func IsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return u.Host != ""
	}
	return false
}

// Resolve turns raw location strings into sources. A single invalid input
// is recorded and does not abort resolution of the others.
func Resolve(raw []string) ([]*Source, []*errs.SourceError) {
	var (
		sources  []*Source
		failures []*errs.SourceError
		seen     = make(map[string]bool)
	)

	add := func(s *Source) {
		if seen[s.ID] {
			return
		}
		seen[s.ID] = true
		sources = append(sources, s)
	}

	for _, r := range raw {
		r = normalize(r)
		if r == "" {
			continue
		}

		switch {
		case IsURL(r):
			add(remoteSource(r))

		case isURLListFile(r):
			urls, err := readURLList(r)
			if err != nil {
				failures = append(failures, &errs.SourceError{
					SourceID: ID(r), Location: r,
					Err: fmt.Errorf("%w: %v", errs.ErrInvalidSource, err),
				})
				continue
			}
			for _, u := range urls {
				add(remoteSource(u))
			}

		default:
			fi, err := os.Stat(r)
			if err != nil {
				failures = append(failures, &errs.SourceError{
					SourceID: ID(r), Location: r,
					Err: fmt.Errorf("%w: not a file, directory or URL", errs.ErrInvalidSource),
				})
				continue
			}
			if fi.IsDir() {
				members, err := listZipMembers(r)
				if err != nil {
					failures = append(failures, &errs.SourceError{
						SourceID: ID(r), Location: r,
						Err: fmt.Errorf("%w: %v", errs.ErrInvalidSource, err),
					})
					continue
				}
				for _, m := range members {
					add(&Source{ID: ID(m), Kind: DirectoryMember, Location: m, Name: filepath.Base(m)})
				}
			} else {
				add(&Source{ID: ID(r), Kind: Local, Location: r, Name: filepath.Base(r)})
			}
		}
	}

	logging.Info("resolved archive sources",
		zap.Int("sources", len(sources)),
		zap.Int("failures", len(failures)))
	return sources, failures
}

// normalize cleans up a raw configured location the way users actually
// paste them: stray quotes and Windows separators.
func normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, `"`, "")
	if !IsURL(raw) {
		raw = strings.ReplaceAll(raw, `\`, "/")
	}
	return raw
}

func isURLListFile(p string) bool {
	if !strings.EqualFold(filepath.Ext(p), ".txt") {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

// readURLList reads one URL per line; blank lines and # comments are
// skipped, as are lines that do not parse as URLs.
func readURLList(p string) ([]string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if IsURL(line) {
			urls = append(urls, line)
		}
	}
	return urls, nil
}

// listZipMembers returns the ZIP files directly contained in dir.
func listZipMembers(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var members []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			members = append(members, filepath.Join(dir, e.Name()))
		}
	}
	return members, nil
}

func remoteSource(raw string) *Source {
	name := ""
	if u, err := url.Parse(raw); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = "remote-" + ID(raw) + ".zip"
	}
	return &Source{ID: ID(raw), Kind: Remote, Location: raw, Name: name}
}

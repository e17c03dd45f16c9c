package archive

import (
	"path"
	"strings"
	"time"
)

// Entry describes one archive member. Immutable once the handle is built.
type Entry struct {
	Path           string    `json:"path"` // normalized forward-slash relative path
	Size           int64     `json:"size"`
	CompressedSize int64     `json:"compressedSize"`
	Dir            bool      `json:"dir"`
	Modified       time.Time `json:"modified"`
	CRC            uint32    `json:"crc"`
	Encrypted      bool      `json:"encrypted"`
}

// Name returns the entry's base name.
func (e *Entry) Name() string { return path.Base(e.Path) }

// normalizeName cleans an archive member name to a safe relative path.
// Returns "" when the name cannot be represented safely (escapes the
// archive root after cleaning).
func normalizeName(name string) string {
	p := strings.ReplaceAll(name, `\`, "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == "" {
		return ""
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}

// isSystemFile reports metadata entries that are hidden from listings:
// macOS resource forks and Windows thumbnail litter.
func isSystemFile(p string) bool {
	for _, seg := range strings.Split(strings.ToLower(p), "/") {
		switch {
		case seg == "__macosx",
			seg == "thumbs.db",
			seg == "desktop.ini",
			strings.HasPrefix(seg, "._"),
			strings.HasPrefix(seg, ".ds_store"):
			return true
		}
	}
	return false
}

// imageExtensions are entry extensions treated as raster images.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".gif": true, ".bmp": true, ".webp": true,
}

// IsImagePath reports whether the path has a recognized raster image
// extension.
func IsImagePath(p string) bool {
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

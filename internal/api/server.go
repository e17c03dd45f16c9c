// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/shhossain/zip-browser/internal/engine"
	"github.com/shhossain/zip-browser/internal/errs"
	"github.com/shhossain/zip-browser/internal/extract"
	"github.com/shhossain/zip-browser/internal/logging"
	"github.com/shhossain/zip-browser/internal/metrics"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// allowedThumbSizes are the thumbnail dimensions the API will serve.
var allowedThumbSizes = map[int]bool{80: true, 100: true, 150: true, 200: true, 250: true}

// Server is the HTTP server.
type Server struct {
	engine *engine.Engine
}

// NewServer creates a new server.
func NewServer(e *engine.Engine) *Server {
	return &Server{engine: e}
}

// Handler returns the HTTP handler with metrics middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/sources", s.handleSources)
	mux.HandleFunc("GET /api/sources/{id}/entries", s.handleEntries)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/sources/{id}/password", s.handlePassword)
	mux.HandleFunc("GET /api/sources/{id}/file/{path...}", s.handleFile)
	mux.HandleFunc("GET /api/sources/{id}/thumb/{path...}", s.handleThumb)

	return metrics.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources := s.engine.ListSources()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"sources": sources})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prefix := r.URL.Query().Get("prefix")

	entries, err := s.engine.ListEntries(r.Context(), id, prefix)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"source":  id,
		"prefix":  prefix,
		"entries": entries,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	sourceID := r.URL.Query().Get("source")
	filter := engine.TypeFilter(r.URL.Query().Get("type"))
	switch filter {
	case "", engine.TypeAll, engine.TypeFiles, engine.TypeDirs, engine.TypeImages:
	default:
		s.sendError(w, http.StatusBadRequest, "type must be one of all, files, dirs, images")
		return
	}

	res, err := s.engine.Search(r.Context(), q, sourceID, filter)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "password required")
		return
	}

	if err := s.engine.OpenWithPassword(r.Context(), id, req.Password); err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"source": id, "unlocked": true})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entryPath := r.PathValue("path")
	if entryPath == "" {
		s.sendError(w, http.StatusBadRequest, "entry path required")
		return
	}

	var (
		rng      *extract.Range
		offset   int64
		length   int64
		hasRange bool
	)
	if hdr := r.Header.Get("Range"); hdr != "" {
		stat, err := s.engine.StatEntry(r.Context(), id, entryPath)
		if err != nil {
			s.sendEngineError(w, r, err)
			return
		}
		offset, length, hasRange = parseRangeHeader(hdr, stat.Size)
		if hasRange {
			if offset >= stat.Size || length <= 0 {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", stat.Size))
				s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range outside entry")
				return
			}
			rng = &extract.Range{Offset: offset, Length: length}
		}
	}

	rc, entry, err := s.engine.StreamEntry(r.Context(), id, entryPath, rng)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	defer rc.Close()

	ct := mime.TypeByExtension(filepath.Ext(entryPath))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, entry.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, rc); err != nil {
		logging.Warn("entry transfer error", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entryPath := r.PathValue("path")
	if entryPath == "" {
		s.sendError(w, http.StatusBadRequest, "entry path required")
		return
	}

	size := 200
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || !allowedThumbSizes[n] {
			s.sendError(w, http.StatusBadRequest, "size must be one of 80, 100, 150, 200, 250")
			return
		}
		size = n
	}

	data, err := s.engine.Thumbnail(r.Context(), id, entryPath, size)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool) {
	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return 0, totalSize, false
	}

	startStr, endStr := matches[1], matches[2]

	if startStr == "" && endStr != "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		return offset, totalSize - offset, true
	}
	if startStr == "" {
		return 0, totalSize, false
	}

	offset, _ = strconv.ParseInt(startStr, 10, 64)
	if endStr != "" {
		end, _ := strconv.ParseInt(endStr, 10, 64)
		if end >= totalSize {
			end = totalSize - 1
		}
		length = end - offset + 1
	} else {
		length = totalSize - offset
	}
	return offset, length, true
}

// ErrorResponse is the JSON body for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

// sendEngineError maps the engine's error taxonomy onto HTTP status codes.
func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrPasswordRequired):
		code = http.StatusUnauthorized
	case errors.Is(err, errs.ErrPasswordIncorrect):
		code = http.StatusForbidden
	case errors.Is(err, errs.ErrPathTraversal):
		code = http.StatusBadRequest
	case errors.Is(err, errs.ErrEntryNotFound),
		errors.Is(err, errs.ErrSourceNotFound),
		errors.Is(err, errs.ErrInvalidSource):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrUnsupportedEntry):
		code = http.StatusUnsupportedMediaType
	case errors.Is(err, errs.ErrUnreachableRemote):
		code = http.StatusBadGateway
	case errors.Is(err, errs.ErrCorruptArchive):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		logging.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.sendError(w, code, err.Error())
}

// Package metrics provides Prometheus metrics for the zip-browser server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipbrowser_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipbrowser_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Remote fetch metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipbrowser_downloads_total",
			Help: "Total remote archive downloads",
		},
		[]string{"status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipbrowser_download_bytes_total",
			Help: "Total bytes downloaded for remote archives",
		},
	)

	// Archive registry metrics
	archiveOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipbrowser_archive_opens_total",
			Help: "Total archive open operations",
		},
		[]string{"status"},
	)

	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zipbrowser_open_handles",
			Help: "Number of currently open archive handles",
		},
	)

	handleEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipbrowser_handle_evictions_total",
			Help: "Total archive handles evicted from the registry",
		},
	)

	evictionPressureTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipbrowser_eviction_pressure_total",
			Help: "Times the registry exceeded capacity because all handles were pinned",
		},
	)

	// Extraction metrics
	entryBytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipbrowser_entry_bytes_streamed_total",
			Help: "Total decompressed bytes streamed to callers",
		},
	)

	// Thumbnail metrics
	thumbnailRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipbrowser_thumbnail_requests_total",
			Help: "Total thumbnail requests",
		},
		[]string{"result"}, // hit, generated, error
	)

	thumbnailCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zipbrowser_thumbnail_cache_bytes",
			Help: "Current size of the thumbnail cache in bytes",
		},
	)

	thumbnailGenDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zipbrowser_thumbnail_generation_duration_seconds",
			Help:    "Thumbnail generation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Search metrics
	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zipbrowser_search_duration_seconds",
			Help:    "Search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDownload records a remote archive download.
func RecordDownload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// RecordArchiveOpen records an archive open attempt.
func RecordArchiveOpen(status string) {
	archiveOpensTotal.WithLabelValues(status).Inc()
}

// SetOpenHandles sets the open handle gauge.
func SetOpenHandles(count int) {
	openHandles.Set(float64(count))
}

// RecordHandleEviction records a handle eviction.
func RecordHandleEviction() {
	handleEvictionsTotal.Inc()
}

// RecordEvictionPressure records a capacity overshoot caused by pinned handles.
func RecordEvictionPressure() {
	evictionPressureTotal.Inc()
}

// RecordEntryBytesStreamed adds to the streamed-bytes counter.
func RecordEntryBytesStreamed(bytes int64) {
	entryBytesStreamed.Add(float64(bytes))
}

// RecordThumbnail records a thumbnail request outcome ("hit", "generated", "error").
func RecordThumbnail(result string) {
	thumbnailRequestsTotal.WithLabelValues(result).Inc()
}

// SetThumbnailCacheBytes sets the thumbnail cache size gauge.
func SetThumbnailCacheBytes(bytes int64) {
	thumbnailCacheBytes.Set(float64(bytes))
}

// RecordThumbnailGeneration records a thumbnail generation duration.
func RecordThumbnailGeneration(duration time.Duration) {
	thumbnailGenDuration.Observe(duration.Seconds())
}

// RecordSearch records a search duration.
func RecordSearch(duration time.Duration) {
	searchDuration.Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

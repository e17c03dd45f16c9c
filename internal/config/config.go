// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Archive sources: raw paths, directories, URLs or .txt URL lists.
	ZipPaths []string

	// Cache
	CacheDir            string
	MaxOpenHandles      int
	MaxThumbCacheBytes  int64
	DownloadRetryCount  int
	DownloadTimeout     time.Duration

	// S3 (only consulted for s3:// sources)
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		ZipPaths: envList("ZIP_PATHS"),

		CacheDir:           envOr("CACHE_DIR", "/var/cache/zip-browser"),
		MaxOpenHandles:     envInt("MAX_OPEN_HANDLES", 16),
		MaxThumbCacheBytes: envInt64("MAX_THUMB_CACHE_BYTES", 256*1024*1024), // 256MB default
		DownloadRetryCount: envInt("DOWNLOAD_RETRY_ATTEMPTS", 3),
		DownloadTimeout:    envDuration("DOWNLOAD_TIMEOUT", 2*time.Minute),

		S3Endpoint:  envOr("S3_ENDPOINT", ""),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),
	}

	if len(cfg.ZipPaths) == 0 {
		return nil, fmt.Errorf("ZIP_PATHS is required")
	}
	if cfg.MaxOpenHandles < 1 {
		return nil, fmt.Errorf("MAX_OPEN_HANDLES must be at least 1")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

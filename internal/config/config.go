// Package config holds the engine's tunables: segment counts, timeouts,
// retry limits, and logging defaults, loadable from SEGFETCH_* env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide engine configuration.
type Config struct {
	// C9/C10 defaults
	SegmentsPerDownload int
	MaxConcurrent       int
	MinSegmentSize      int64

	// C2 ConnectionPool
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	ConnLifetime     time.Duration
	MaxConnsPerHost  int
	RequestTimeout   time.Duration
	MaxRedirects     int

	// C3 RetryPolicy
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMultiplier float64

	// C5 CertificateGate
	CertStrict bool

	ProxyURL string

	// Logging
	LogLevel    string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// Default returns the engine's default configuration, matching the
// values named throughout spec §4 and §5.
func Default() *Config {
	return &Config{
		SegmentsPerDownload: 8,
		MaxConcurrent:       5,
		MinSegmentSize:      1024 * 1024,

		ConnectTimeout:  30 * time.Second,
		IdleTimeout:     30 * time.Second,
		ConnLifetime:    5 * time.Minute,
		MaxConnsPerHost: 8,
		RequestTimeout:  30 * time.Minute,
		MaxRedirects:    5,

		RetryAttempts:   5,
		RetryBaseDelay:  1 * time.Second,
		RetryMaxDelay:   5 * time.Minute,
		RetryMultiplier: 2.0,

		CertStrict: true,

		LogLevel: "info",
	}
}

// LoadFromEnv overlays SEGFETCH_* environment variables onto c.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("SEGFETCH_SEGMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 64 {
			c.SegmentsPerDownload = n
		}
	}
	if v := os.Getenv("SEGFETCH_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SEGFETCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SEGFETCH_DEBUG"); v != "" {
		c.EnableDebug = v == "true" || v == "1"
	}
	if v := os.Getenv("SEGFETCH_QUIET"); v != "" {
		c.QuietMode = v == "true" || v == "1"
	}
	if v := os.Getenv("SEGFETCH_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("SEGFETCH_PROXY"); v != "" {
		c.ProxyURL = v
	}
	if v := os.Getenv("SEGFETCH_CERT_STRICT"); v != "" {
		c.CertStrict = v != "false" && v != "0"
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.SegmentsPerDownload < 1 || c.SegmentsPerDownload > 64 {
		return fmt.Errorf("invalid segments per download: %d (must be 1-64)", c.SegmentsPerDownload)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("invalid max concurrent: %d (must be >= 1)", c.MaxConcurrent)
	}
	if c.MinSegmentSize < 1 {
		return fmt.Errorf("invalid min segment size: %d (must be >= 1)", c.MinSegmentSize)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("invalid retry attempts: %d (must be >= 0)", c.RetryAttempts)
	}
	return nil
}

// ParseRate parses a human-readable rate string such as "5M" or "1.5GB"
// into bytes per second.
func ParseRate(rateStr string) (int64, error) {
	if rateStr == "" {
		return 0, nil
	}
	if val, err := strconv.ParseInt(rateStr, 10, 64); err == nil {
		return val, nil
	}
	if len(rateStr) < 2 {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}

	var numStr, suffix string
	upper := strings.ToUpper(rateStr)
	if len(upper) >= 3 && (strings.HasSuffix(upper, "KB") || strings.HasSuffix(upper, "MB") || strings.HasSuffix(upper, "GB") || strings.HasSuffix(upper, "TB")) {
		numStr, suffix = rateStr[:len(rateStr)-2], upper[len(upper)-2:]
	} else {
		numStr, suffix = rateStr[:len(rateStr)-1], upper[len(upper)-1:]
	}

	base, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if base < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %f", base)
	}

	var multiplier int64
	switch suffix {
	case "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	case "T", "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unsupported rate suffix: %s", suffix)
	}

	return int64(base * float64(multiplier)), nil
}

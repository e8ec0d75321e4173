// Package retry implements C3, RetryPolicy: classifies errors as
// transient or fatal and retries transient ones with capped exponential
// backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/segfetch/segfetch/internal/apperr"
)

// Config holds the backoff schedule parameters.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// Default returns the schedule named in spec §4.3: base 1s, multiplier
// 2, cap 5min, 5 attempts.
func Default() Config {
	return Config{
		MaxAttempts:   5,
		BaseDelay:     1 * time.Second,
		MaxDelay:      5 * time.Minute,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// Policy runs operations under Config's retry schedule.
type Policy struct {
	cfg Config
}

// New creates a Policy with cfg.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Execute runs op, retrying transient failures per the backoff schedule
// and observing ctx cancellation at every sleep. op always runs at least
// once, even when MaxAttempts is zero.
func (p *Policy) Execute(ctx context.Context, op func(attempt int) error) error {
	var lastErr error

	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.delay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := op(attempt)
		if err == nil {
			return nil
		}

		lastErr = err
		if !IsTransient(err) {
			return err
		}
	}

	return lastErr
}

func (p *Policy) delay(attempt int) time.Duration {
	base := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	jitter := base * p.cfg.JitterPercent * (rand.Float64()*2 - 1)
	d := base + jitter

	if d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if d < 0 {
		d = float64(p.cfg.BaseDelay)
	}
	return time.Duration(d)
}

// IsTransient classifies err per the §7 taxonomy. An *EngineError is
// classified by its Kind (IsRetryable); any other error is transient when
// it is a timeout or DNS failure, or its message names a connection
// reset/refused, timeout, unreachable network, broken pipe or EOF;
// everything else is fatal. HTTP status codes are classified separately
// by IsTransientStatus.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if ee, ok := apperr.AsEngineError(err); ok {
		return ee.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientSubstrings := []string{
		"connection reset",
		"connection refused",
		"timeout",
		"i/o timeout",
		"temporary failure",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"context deadline exceeded",
		"eof",
	}
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}

	return false
}

// IsTransientStatus reports whether an HTTP status code is transient
// per §7 (408/429/503/504, any 5xx).
func IsTransientStatus(status int) bool {
	switch status {
	case 408, 429, 503, 504:
		return true
	}
	return status >= 500 && status < 600
}

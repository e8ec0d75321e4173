// Package logging provides leveled logging with redaction of secrets
// (cookies, auth headers, pinned thumbprints) before anything reaches
// the configured writer.
package logging

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

// Level is a logging verbosity level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Redactor scrubs sensitive substrings out of a log line.
type Redactor interface {
	Redact(input string) string
}

// CookieRedactor redacts Cookie/Authorization header values.
type CookieRedactor struct{}

func (r *CookieRedactor) Redact(input string) string {
	patterns := []string{"Cookie:", "Set-Cookie:", "Authorization:", "Bearer "}
	result := input
	for _, pattern := range patterns {
		lower := strings.ToLower(result)
		index := strings.Index(lower, strings.ToLower(pattern))
		if index == -1 {
			continue
		}
		start := index + len(pattern)
		end := start
		for end < len(result) && result[end] != ' ' && result[end] != ';' && result[end] != '\n' && result[end] != '\r' {
			end++
		}
		if end > start {
			result = result[:start] + "[REDACTED]" + result[end:]
		}
	}
	return result
}

// ThumbprintRedactor redacts pinned certificate thumbprints from log lines.
type ThumbprintRedactor struct{}

func (r *ThumbprintRedactor) Redact(input string) string {
	const marker = "thumbprint="
	lower := strings.ToLower(input)
	index := strings.Index(lower, marker)
	if index == -1 {
		return input
	}
	start := index + len(marker)
	end := start
	for end < len(input) && input[end] != ' ' && input[end] != ',' {
		end++
	}
	if end <= start {
		return input
	}
	return input[:start] + "[REDACTED]" + input[end:]
}

// URLRedactor redacts the values of sensitive URL query parameters
// (tokens, keys, secrets, passwords). Credentials in a URL's userinfo
// part (user:pass@host) are not redacted.
type URLRedactor struct{}

func (r *URLRedactor) Redact(input string) string {
	sensitiveParams := []string{"access_token=", "token=", "key=", "secret=", "password=", "pwd="}
	result := input
	for _, param := range sensitiveParams {
		lower := strings.ToLower(result)
		index := strings.Index(lower, param)
		if index == -1 {
			continue
		}
		start := index + len(param)
		end := start
		for end < len(result) && result[end] != '&' && result[end] != ' ' && result[end] != '\n' {
			end++
		}
		if end > start {
			result = result[:start] + "[REDACTED]" + result[end:]
		}
	}
	return result
}

// Logger is a leveled logger with pluggable redaction.
type Logger struct {
	logger    *log.Logger
	level     Level
	debug     bool
	quiet     bool
	redactors []Redactor
}

// New creates a Logger writing to output.
func New(output io.Writer, level Level, debug, quiet bool) *Logger {
	return &Logger{
		logger: log.New(output, "", 0),
		level:  level,
		debug:  debug,
		quiet:  quiet,
		redactors: []Redactor{
			&CookieRedactor{},
			&URLRedactor{},
			&ThumbprintRedactor{},
		},
	}
}

// NewDefault creates a Logger with sensible defaults for debug/quiet.
func NewDefault(debug, quiet bool) *Logger {
	level := LevelInfo
	if debug {
		level = LevelDebug
	}
	if quiet {
		level = LevelError
	}
	return New(os.Stderr, level, debug, quiet)
}

func (l *Logger) redact(input string) string {
	result := input
	for _, r := range l.redactors {
		result = r.Redact(result)
	}
	return result
}

func (l *Logger) format(level Level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if l.debug {
		for depth := 3; depth <= 5; depth++ {
			_, file, line, ok := runtime.Caller(depth)
			if ok && !strings.Contains(file, "logger.go") {
				parts := strings.Split(file, "/")
				filename := parts[len(parts)-1]
				return fmt.Sprintf("[%s] %s %s:%d %s", timestamp, level, filename, line, message)
			}
		}
	}
	return fmt.Sprintf("[%s] %s %s", timestamp, level, message)
}

func (l *Logger) shouldLog(level Level) bool {
	if l.quiet && level > LevelError {
		return false
	}
	return level <= l.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	message := l.redact(fmt.Sprintf(format, args...))
	l.logger.Print(l.format(level, message))
}

func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// LogHTTPRequest logs a request at debug level with sensitive headers redacted.
func (l *Logger) LogHTTPRequest(req *http.Request) {
	if !l.shouldLog(LevelDebug) {
		return
	}
	headers := make(map[string]string)
	for name, values := range req.Header {
		if isSensitiveHeader(name) {
			headers[name] = "[REDACTED]"
		} else {
			headers[name] = strings.Join(values, ", ")
		}
	}
	l.Debug("HTTP request: %s %s headers=%v", req.Method, l.redact(req.URL.String()), headers)
}

// LogHTTPResponse logs a response at debug level with sensitive headers redacted.
func (l *Logger) LogHTTPResponse(resp *http.Response) {
	if !l.shouldLog(LevelDebug) {
		return
	}
	headers := make(map[string]string)
	for name, values := range resp.Header {
		if isSensitiveHeader(name) {
			headers[name] = "[REDACTED]"
		} else {
			headers[name] = strings.Join(values, ", ")
		}
	}
	l.Debug("HTTP response: %d %s headers=%v", resp.StatusCode, resp.Status, headers)
}

func isSensitiveHeader(name string) bool {
	sensitive := []string{"authorization", "cookie", "set-cookie", "x-auth-token", "x-api-key", "bearer", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// SetLevel updates the minimum logged level.
func (l *Logger) SetLevel(level Level) { l.level = level }

// AddRedactor appends a custom redactor to the chain.
func (l *Logger) AddRedactor(r Redactor) { l.redactors = append(l.redactors, r) }

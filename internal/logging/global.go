package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/segfetch/segfetch/internal/config"
)

var (
	globalLogger *Logger
	globalMutex  sync.RWMutex
)

// Init wires the global logger from Config; callers that need a
// process-wide logger without threading one through every constructor
// use this plus Get.
func Init(cfg *config.Config) error {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	level := parseLevel(cfg.LogLevel)

	var output io.Writer = os.Stderr
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		output = file
	}

	globalLogger = New(output, level, cfg.EnableDebug, cfg.QuietMode)
	return nil
}

// Get returns the global logger, lazily creating a default one.
func Get() *Logger {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()

	if logger != nil {
		return logger
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger == nil {
		globalLogger = NewDefault(false, false)
	}
	return globalLogger
}

func parseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

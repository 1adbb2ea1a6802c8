// Package sysmsg is the process-wide logger, in the shape of the
// teacher's system/logger.go: a daily-rotated file tee'd to stdout,
// exposed as package-level Info/Warn/Error functions. The console side
// is backed by log/slog with github.com/lmittmann/tint for
// level-colored output, the way orris-inc-orris's
// internal/shared/logger package wires tint.
package sysmsg

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

type logger struct {
	mu       sync.Mutex
	file     *os.File
	console  *slog.Logger
	logDir   string
	date     string
}

var global *logger

// Init creates logDir if necessary and opens today's log file. Safe to
// call more than once; the most recent call wins.
func Init(logDir string) error {
	if logDir == "" {
		logDir = "./logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	l := &logger{logDir: logDir}
	if err := l.rotateIfNeeded(); err != nil {
		return err
	}
	global = l
	return nil
}

func (l *logger) rotateIfNeeded() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if l.date == today && l.file != nil {
		return nil
	}
	if l.file != nil {
		l.file.Close()
	}

	path := filepath.Join(l.logDir, fmt.Sprintf("forwardgate-%s.log", today))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	l.file = file
	l.console = slog.New(tint.NewHandler(io.MultiWriter(os.Stdout, file), &tint.Options{
		TimeFormat: time.Kitchen,
	}))
	l.date = today
	return nil
}

func log(level slog.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if global == nil {
		slog.Log(nil, level, msg)
		return
	}
	_ = global.rotateIfNeeded()
	global.mu.Lock()
	console := global.console
	global.mu.Unlock()
	console.Log(nil, level, msg)
}

// Info logs an informational message.
func Info(format string, args ...interface{}) { log(slog.LevelInfo, format, args...) }

// Warn logs a warning.
func Warn(format string, args ...interface{}) { log(slog.LevelWarn, format, args...) }

// Error logs an error.
func Error(format string, args ...interface{}) { log(slog.LevelError, format, args...) }

// Close releases the underlying log file, if any.
func Close() {
	if global == nil {
		return
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.file != nil {
		global.file.Close()
	}
}

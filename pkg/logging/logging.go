// pkg/logging/logging.go - timestamped run logging for autopackager
//
// Every run gets its own subdirectory (YYYY-MM-DD-HHMMss) under the configured
// base directory holding:
// - autopackager.log: plain text, one line per message
// - events.jsonl: the same messages as JSON lines for external tooling
// Old run directories are pruned at startup according to the retention policy.

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// runDirLayout is the timestamp format used for per-run log directories.
const runDirLayout = "2006-01-02-150405"

// RetentionPolicy defines log retention rules
type RetentionPolicy struct {
	KeepRuns   int // Keep the last N run directories (default: 20)
	MaxAgeDays int // Delete run directories older than this (default: 30)
}

// LoggerConfig holds configuration for the run logger
type LoggerConfig struct {
	BaseDir   string // Base logging directory
	Level     string // debug, info, warn, error
	SessionID string // Unique session identifier, generated when empty
	Retention RetentionPolicy
	Console   io.Writer // Console output, os.Stderr when nil
}

// Logger fans a message out to the console and the run's log files.
type Logger struct {
	mu        sync.Mutex
	console   *log.Logger
	text      *log.Logger
	json      *log.Logger
	logFile   *os.File
	jsonFile  *os.File
	config    LoggerConfig
	logDir    string
	sessionID string
}

var (
	instanceMu sync.RWMutex
	instance   *Logger

	// fallback is used before Init and after CloseLogger.
	fallback = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
)

// DefaultRetentionPolicy returns sensible defaults for log retention
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepRuns:   20,
		MaxAgeDays: 30,
	}
}

// Init creates the run directory and installs the package logger. Calling it
// again closes the previous logger first.
func Init(cfg LoggerConfig) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}

	instanceMu.Lock()
	old := instance
	instance = l
	instanceMu.Unlock()

	if old != nil {
		old.close()
	}

	l.performCleanup()
	return nil
}

func newLogger(cfg LoggerConfig) (*Logger, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("log base directory is empty")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Retention == (RetentionPolicy{}) {
		cfg.Retention = DefaultRetentionPolicy()
	}
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logDir, err := createTimestampedLogDir(cfg.BaseDir, time.Now())
	if err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "autopackager.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open main log file: %w", err)
	}
	jsonFile, err := os.OpenFile(filepath.Join(logDir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to open JSON log file: %w", err)
	}

	l := &Logger{
		config:    cfg,
		logDir:    logDir,
		sessionID: cfg.SessionID,
		logFile:   logFile,
		jsonFile:  jsonFile,
		console: log.NewWithOptions(cfg.Console, log.Options{
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Level:           level,
		}),
		text: log.NewWithOptions(logFile, log.Options{
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			Level:           log.DebugLevel,
			Formatter:       log.LogfmtFormatter,
		}),
		json: log.NewWithOptions(jsonFile, log.Options{
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Level:           log.DebugLevel,
			Formatter:       log.JSONFormatter,
		}).With("session_id", cfg.SessionID),
	}
	return l, nil
}

// createTimestampedLogDir creates a timestamped log directory
func createTimestampedLogDir(baseDir string, sessionStart time.Time) (string, error) {
	logDir := filepath.Join(baseDir, sessionStart.Format(runDirLayout))
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create timestamped log directory %s: %w", logDir, err)
	}
	return logDir, nil
}

func parseLevel(s string) (log.Level, error) {
	if s == "" {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(strings.ToLower(s))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// performCleanup removes old run directories based on the retention policy.
func (l *Logger) performCleanup() {
	baseDir := l.config.BaseDir
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return
	}

	var runDirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(runDirLayout, entry.Name()); err == nil {
			runDirs = append(runDirs, entry.Name())
		}
	}

	// Newest first; the layout sorts lexically by time.
	sort.Sort(sort.Reverse(sort.StringSlice(runDirs)))

	current := filepath.Base(l.logDir)
	maxAge := time.Duration(l.config.Retention.MaxAgeDays) * 24 * time.Hour
	now := time.Now()

	for i, name := range runDirs {
		if name == current {
			continue
		}
		expired := false
		if l.config.Retention.KeepRuns > 0 && i >= l.config.Retention.KeepRuns {
			expired = true
		}
		if maxAge > 0 {
			if info, err := os.Stat(filepath.Join(baseDir, name)); err == nil && now.Sub(info.ModTime()) > maxAge {
				expired = true
			}
		}
		if expired {
			if err := os.RemoveAll(filepath.Join(baseDir, name)); err != nil {
				fallback.Warn("Failed to remove old log directory", "dir", name, "error", err)
			}
		}
	}
}

func (l *Logger) logMessage(level log.Level, message string, keyValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, out := range []*log.Logger{l.console, l.text, l.json} {
		out.Log(level, message, keyValues...)
	}
}

func (l *Logger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			fallback.Error("Failed to close main log file", "error", err)
		}
		l.logFile = nil
	}
	if l.jsonFile != nil {
		if err := l.jsonFile.Close(); err != nil {
			fallback.Error("Failed to close JSON log file", "error", err)
		}
		l.jsonFile = nil
	}
}

// CloseLogger closes all log files if they're open.
func CloseLogger() {
	instanceMu.Lock()
	l := instance
	instance = nil
	instanceMu.Unlock()

	if l != nil {
		l.close()
	}
}

func current() *Logger {
	instanceMu.RLock()
	defer instanceMu.RUnlock()
	return instance
}

func write(level log.Level, message string, keyValues ...interface{}) {
	if l := current(); l != nil {
		l.logMessage(level, message, keyValues...)
		return
	}
	fallback.Log(level, message, keyValues...)
}

// Info logs informational messages.
func Info(message string, keyValues ...interface{}) {
	write(log.InfoLevel, message, keyValues...)
}

// Debug logs debug messages.
func Debug(message string, keyValues ...interface{}) {
	write(log.DebugLevel, message, keyValues...)
}

// Warn logs warning messages.
func Warn(message string, keyValues ...interface{}) {
	write(log.WarnLevel, message, keyValues...)
}

// Error logs error messages.
func Error(message string, keyValues ...interface{}) {
	write(log.ErrorLevel, message, keyValues...)
}

// SetLevel changes the console level. Files always receive debug output.
func SetLevel(s string) error {
	level, err := parseLevel(s)
	if err != nil {
		return err
	}
	if l := current(); l != nil {
		l.mu.Lock()
		l.console.SetLevel(level)
		l.mu.Unlock()
	}
	fallback.SetLevel(level)
	return nil
}

// GetCurrentLogDir returns the current timestamped log directory
func GetCurrentLogDir() string {
	if l := current(); l != nil {
		return l.logDir
	}
	return ""
}

// GetSessionID returns the current session ID
func GetSessionID() string {
	if l := current(); l != nil {
		return l.sessionID
	}
	return ""
}

// Leveled adapts the package logger to retryablehttp.LeveledLogger.
type Leveled struct{}

func (Leveled) Error(msg string, keysAndValues ...interface{}) { Error(msg, keysAndValues...) }
func (Leveled) Warn(msg string, keysAndValues ...interface{})  { Warn(msg, keysAndValues...) }
func (Leveled) Info(msg string, keysAndValues ...interface{})  { Debug(msg, keysAndValues...) }
func (Leveled) Debug(msg string, keysAndValues ...interface{}) { Debug(msg, keysAndValues...) }

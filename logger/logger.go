package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

// LogLevel represents the log level
type LogLevel int

const (
	// DEBUG level
	DEBUG LogLevel = iota
	// INFO level
	INFO
	// WARN level
	WARN
	// ERROR level
	ERROR
)

// TimeFormat is the timestamp prefix of every log line (second + millisecond resolution)
const TimeFormat = "2006-01-02 15:04:05.000"

// String representation of log levels
var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[90m", // Gray
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
}

const resetColor = "\033[0m"

// Logger represents the logger
type Logger struct {
	level       LogLevel
	console     io.Writer
	file        *os.File
	ship        io.Writer
	filePath    string
	maxSize     int64 // Unit: bytes
	maxBackups  int
	currentSize int64
	mu          sync.Mutex
}

// LoggerConfig represents the configuration for the logger
type LoggerConfig struct {
	// Log level
	Level LogLevel
	// Log file path, empty disables file output
	FilePath string
	// Maximum log file size in MB
	MaxSize int
	// Maximum number of backups
	MaxBackups int
	// Whether to log to console
	Console bool
	// Uncolored copy of every line, typically the log shipper
	Ship io.Writer
}

// DefaultConfig returns default logger configuration
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      INFO,
		MaxSize:    10, // 10MB
		MaxBackups: 5,
		Console:    true,
	}
}

// New creates a new logger
func New(config LoggerConfig) (*Logger, error) {
	l := &Logger{
		level:      config.Level,
		ship:       config.Ship,
		filePath:   config.FilePath,
		maxSize:    int64(config.MaxSize) * 1024 * 1024, // Convert to bytes
		maxBackups: config.MaxBackups,
	}
	if config.Console {
		l.console = os.Stdout
	}

	if config.FilePath == "" {
		return l, nil
	}

	// Ensure log directory exists
	logDir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get log file info: %w", err)
	}

	l.file = file
	l.currentSize = info.Size()
	return l, nil
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the current log level
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// log is the internal method for logging
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if !ok {
		file = "unknown"
		line = 0
	}
	file = filepath.Base(file)

	timestamp := time.Now().Format(TimeFormat)
	levelStr := levelNames[level]
	msg := fmt.Sprintf(format, args...)

	plain := fmt.Sprintf("%s [%s] %s:%d: %s\n", timestamp, levelStr, file, line, msg)

	if l.console != nil {
		colored := fmt.Sprintf("%s [%s%s%s] %s:%d: %s\n", timestamp, levelColors[level], levelStr, resetColor, file, line, msg)
		if _, err := io.WriteString(l.console, colored); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write log: %v\n", err)
		}
	}

	if l.ship != nil {
		_, _ = io.WriteString(l.ship, plain)
	}

	if l.file != nil {
		n, err := io.WriteString(l.file, plain)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write log: %v\n", err)
			return
		}

		l.currentSize += int64(n)
		if l.maxSize > 0 && l.currentSize >= l.maxSize {
			l.rotate()
		}
	}
}

// rotate rotates the log file. Must be called with l.mu held.
func (l *Logger) rotate() {
	l.file.Close()

	timestamp := time.Now().Format("20060102-150405")
	dir := filepath.Dir(l.filePath)
	base := filepath.Base(l.filePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, timestamp, ext))

	if err := os.Rename(l.filePath, backupPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
	}

	l.cleanOldLogs()

	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create new log file: %v\n", err)
		l.file = nil
		return
	}

	l.file = file
	l.currentSize = 0
}

// cleanOldLogs cleans up old log files
func (l *Logger) cleanOldLogs() {
	dir := filepath.Dir(l.filePath)
	base := filepath.Base(l.filePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	pattern := filepath.Join(dir, name+".*"+ext)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to find old log files: %v\n", err)
		return
	}

	if len(matches) <= l.maxBackups {
		return
	}

	type fileInfo struct {
		path string
		time time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{match, info.ModTime()})
	}

	// oldest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].time.Before(files[j].time)
	})

	for i := 0; i < len(files)-l.maxBackups; i++ {
		os.Remove(files[i].path)
	}
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close closes the logger
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

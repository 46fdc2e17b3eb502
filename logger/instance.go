package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	mu             sync.RWMutex
	defaultLogger  *Logger
	defaultShipper = NewShipper(DefaultShipCapacity, DefaultShipInterval)
)

// Initialize default logger instance before any other package logs, so early
// boot lines land in the shipping buffer.
func init() {
	cfg := DefaultConfig()
	cfg.Ship = defaultShipper

	logger, err := New(cfg)
	if err != nil {
		log.Printf("Failed to initialize default logger: %v, using standard log", err)
		return
	}

	defaultLogger = logger
}

// DefaultShipper returns the process-wide log shipper
func DefaultShipper() *Shipper {
	return defaultShipper
}

// InitFromConfig initializes the logger from configuration. The process-wide
// shipper stays attached across re-initialization.
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
		Ship:       defaultShipper,
	})
	if err != nil {
		return err
	}

	mu.Lock()
	old := defaultLogger
	defaultLogger = logger
	mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// ConfigureShipper applies buffer capacity and flush interval to the default shipper
func ConfigureShipper(capacity int, interval time.Duration) {
	defaultShipper.Resize(capacity)
	defaultShipper.SetInterval(interval)
}

// SetLevel changes the level of the default logger
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	if l := current(); l != nil {
		l.SetLevel(logLevel)
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s, using default level INFO", level)
	}
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Debug(format, args...)
	} else {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Info(format, args...)
	} else {
		log.Printf("[INFO] "+format, args...)
	}
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Warn(format, args...)
	} else {
		log.Printf("[WARN] "+format, args...)
	}
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Error(format, args...)
	} else {
		log.Printf("[ERROR] "+format, args...)
	}
}

// Close closes the logger
func Close() error {
	if l := current(); l != nil {
		return l.Close()
	}
	return nil
}

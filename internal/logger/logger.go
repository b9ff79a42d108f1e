package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

// Rotation limits for the optional log file: 2 MB per file, six backups kept.
const (
	logFileName    = "stallarr.log"
	logFileMaxSize = 2
	logFileBackups = 6
)

var minLevel LogLevel = Info

func levelPriority(level LogLevel) int {
	switch level {
	case Debug:
		return 0
	case Info:
		return 1
	case Warn:
		return 2
	case Error:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps a configuration value ("debug", "info", "warn"/"warning", "error")
// to a LogLevel. The second return value is false for unknown values.
func ParseLevel(level string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warn, true
	case "error":
		return Error, true
	default:
		return Info, false
	}
}

// SetLevel sets the minimum log level. Unknown values fall back to info.
func SetLevel(level string) {
	parsed, _ := ParseLevel(level)
	mu.Lock()
	minLevel = parsed
	mu.Unlock()
}

// CurrentLevel returns the active minimum level.
func CurrentLevel() LogLevel {
	mu.Lock()
	defer mu.Unlock()
	return minLevel
}

// LogEntry represents a single log message with metadata for streaming to clients.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

var (
	listeners  []chan LogEntry
	mu         sync.Mutex
	fileLogger *lumberjack.Logger
)

func init() {
	listeners = make([]chan LogEntry, 0)
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
}

// Init enables the rotating log file inside logDir in addition to stdout.
// An empty logDir keeps stdout-only logging.
func Init(logDir string) error {
	if logDir == "" {
		return nil
	}
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	fileLogger = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    logFileMaxSize,
		MaxBackups: logFileBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	return nil
}

// Close flushes and closes the log file, reverting to stdout.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileLogger == nil {
		return nil
	}
	err := fileLogger.Close()
	fileLogger = nil
	log.SetOutput(os.Stdout)
	return err
}

// GetLogFile returns the path of the active log file, or "" when logging to stdout only.
func GetLogFile() string {
	mu.Lock()
	defer mu.Unlock()
	if fileLogger != nil {
		return fileLogger.Filename
	}
	return ""
}

// Subscribe returns a channel that receives all log entries for real-time streaming.
func Subscribe() chan LogEntry {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan LogEntry, 100)
	listeners = append(listeners, ch)
	return ch
}

// Unsubscribe removes a log listener channel and closes it.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func broadcast(entry LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
			// Slow subscriber; drop rather than block the caller
		}
	}
}

// Log writes a formatted message at the specified level to stdout, file, and subscribers.
// Format: timestamp [LEVEL] message
func Log(level LogLevel, format string, v ...interface{}) {
	if levelPriority(level) < levelPriority(CurrentLevel()) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format(time.RFC3339)
	log.Printf("%s [%s] %s", timestamp, level, msg)

	broadcast(LogEntry{
		Timestamp: timestamp,
		Level:     level,
		Message:   msg,
	})
}

// Infof logs a formatted message at INFO level.
func Infof(format string, v ...interface{}) {
	Log(Info, format, v...)
}

// Errorf logs a formatted message at ERROR level.
func Errorf(format string, v ...interface{}) {
	Log(Error, format, v...)
}

// Debugf logs a formatted message at DEBUG level.
func Debugf(format string, v ...interface{}) {
	Log(Debug, format, v...)
}

// Warnf logs a formatted message at WARN level.
func Warnf(format string, v ...interface{}) {
	Log(Warn, format, v...)
}

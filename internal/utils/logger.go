// Package utils provides the ambient logger and small shared helpers used
// across the proxy.
package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ANSI color codes
const (
	colorReset   = "\033[0m"
	colorBright  = "\033[1m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorGray    = "\033[90m"
)

// LogLevel represents the log level
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelSuccess LogLevel = "SUCCESS"
	LogLevelWarn    LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelDebug   LogLevel = "DEBUG"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// LogListener is a function that receives log entries
type LogListener func(entry LogEntry)

// Logger provides structured logging with colors, an in-memory history for
// the admin UI, and an optional rotating file sink for debug mode.
type Logger struct {
	mu             sync.RWMutex
	isDebugEnabled bool
	history        []LogEntry
	maxHistory     int
	listeners      []LogListener
	fileSink       *lumberjack.Logger
}

// NewLogger creates a new Logger instance
func NewLogger() *Logger {
	return &Logger{
		isDebugEnabled: false,
		history:        make([]LogEntry, 0),
		maxHistory:     1000,
		listeners:      make([]LogListener, 0),
	}
}

// SetDebug enables or disables debug mode
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isDebugEnabled = enabled
}

// IsDebugEnabled returns whether debug mode is enabled
func (l *Logger) IsDebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isDebugEnabled
}

// EnableFileSink points debug-level structured logging at a rotating file
// under logDir, used when config.debug is true (§6).
func (l *Logger) EnableFileSink(logDir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fileSink = &lumberjack.Logger{
		Filename:   logDir + "/antigravity-proxy.log",
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

// AddListener adds a log listener (the web UI uses this for live tailing)
func (l *Logger) AddListener(listener LogListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// GetHistory returns the log history
func (l *Logger) GetHistory() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]LogEntry, len(l.history))
	copy(result, l.history)
	return result
}

func (l *Logger) getTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (l *Logger) print(level LogLevel, color string, message string, args ...interface{}) {
	timestampStr := l.getTimestamp()
	timestamp := fmt.Sprintf("%s[%s]%s", colorGray, timestampStr, colorReset)
	levelTag := fmt.Sprintf("%s[%s]%s", color, level, colorReset)
	formattedMessage := fmt.Sprintf(message, args...)

	fmt.Fprintf(os.Stdout, "%s %s %s\n", timestamp, levelTag, formattedMessage)

	entry := LogEntry{Timestamp: timestampStr, Level: level, Message: formattedMessage}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	listeners := make([]LogListener, len(l.listeners))
	copy(listeners, l.listeners)
	sink := l.fileSink
	l.mu.Unlock()

	if sink != nil {
		if b, err := json.Marshal(entry); err == nil {
			b = append(b, '\n')
			_, _ = sink.Write(b)
		}
	}

	for _, listener := range listeners {
		listener(entry)
	}
}

func (l *Logger) Info(message string, args ...interface{}) {
	l.print(LogLevelInfo, colorBlue, message, args...)
}

func (l *Logger) Success(message string, args ...interface{}) {
	l.print(LogLevelSuccess, colorGreen, message, args...)
}

func (l *Logger) Warn(message string, args ...interface{}) {
	l.print(LogLevelWarn, colorYellow, message, args...)
}

func (l *Logger) Error(message string, args ...interface{}) {
	l.print(LogLevelError, colorRed, message, args...)
}

func (l *Logger) Debug(message string, args ...interface{}) {
	if l.IsDebugEnabled() {
		l.print(LogLevelDebug, colorMagenta, message, args...)
	}
}

func (l *Logger) Header(title string) {
	fmt.Printf("\n%s%s=== %s ===%s\n\n", colorBright, colorCyan, title, colorReset)
}

var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the global logger instance. The dispatcher and the rest
// of the request path are passed this explicitly at construction time
// (see internal/dispatcher); the global accessor exists for call sites that
// are themselves process-wide ambient concerns (CLI tooling, init-time logs).
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

func Info(message string, args ...interface{})    { GetLogger().Info(message, args...) }
func Success(message string, args ...interface{}) { GetLogger().Success(message, args...) }
func Warn(message string, args ...interface{})    { GetLogger().Warn(message, args...) }
func Error(message string, args ...interface{})   { GetLogger().Error(message, args...) }
func Debug(message string, args ...interface{})   { GetLogger().Debug(message, args...) }
func SetDebug(enabled bool)                       { GetLogger().SetDebug(enabled) }
func IsDebug() bool                                { return GetLogger().IsDebugEnabled() }

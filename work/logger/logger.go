package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger writing through a standard log.Logger.
type Logger struct {
	level LogLevel
	out   *log.Logger
	mu    sync.RWMutex
}

// New creates a Logger at the given level writing to stderr.
func New(level string) *Logger {
	return &Logger{
		level: ParseLogLevel(level),
		out:   log.New(os.Stderr, "", log.LstdFlags),
	}
}

func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (lv LogLevel) String() string {
	switch lv {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// SetLogLevel sets the package-level log level
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns the package-level log level
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetOutput redirects the package-level logger, mostly for tests.
func SetOutput(w io.Writer) {
	getDefaultLogger().SetOutput(w)
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level.String()
}

// SetOutput redirects this logger instance
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = log.New(w, "", log.LstdFlags)
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	l.mu.RLock()
	enabled := level >= l.level
	out := l.out
	l.mu.RUnlock()
	if !enabled {
		return
	}
	out.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, format, v...) }

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) { l.logf(INFO, format, v...) }

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) { l.logf(WARN, format, v...) }

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, format, v...) }

// Package-level functions (for direct use like logger.Info())

func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }

func Info(format string, v ...interface{}) { getDefaultLogger().Info(format, v...) }

func Warn(format string, v ...interface{}) { getDefaultLogger().Warn(format, v...) }

func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }

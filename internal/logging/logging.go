package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

const textTimeFormat = "2006-01-02 15:04:05"

// Logger provides leveled logging on top of zerolog.
type Logger struct {
	mu     sync.Mutex
	level  Level
	format string
	output io.Writer
	zl     zerolog.Logger
}

var defaultLogger = newLogger(os.Stdout)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339
}

func newLogger(w io.Writer) *Logger {
	l := &Logger{level: LevelInfo, format: "text", output: w}
	l.rebuild()
	return l
}

// rebuild recreates the zerolog writer chain. Caller holds mu (or owns l).
func (l *Logger) rebuild() {
	var w io.Writer = l.output
	if l.format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        l.output,
			NoColor:    true,
			TimeFormat: textTimeFormat,
			FormatLevel: func(i interface{}) string {
				return "[" + strings.ToUpper(fmt.Sprint(i)) + "]"
			},
		}
	}
	l.zl = zerolog.New(w).Level(l.level.zerolog()).With().Timestamp().Logger()
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
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

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
	defaultLogger.rebuild()
}

// SetFormat switches between "text" (default) and "json" output.
func SetFormat(format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if strings.EqualFold(format, "json") {
		defaultLogger.format = "json"
	} else {
		defaultLogger.format = "text"
	}
	defaultLogger.rebuild()
}

// SetOutput sets the output destination for logging. nil restores stdout.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
	defaultLogger.rebuild()
}

// GetLevel returns the current log level
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, format, args...)
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	if l.format != "json" && strings.HasPrefix(msg, "\n") {
		// Preserve blank line formatting in text mode
		msg = strings.TrimPrefix(msg, "\n")
		fmt.Fprint(l.output, "\n")
	}

	var evt *zerolog.Event
	switch level {
	case LevelError:
		evt = l.zl.Error()
	case LevelWarn:
		evt = l.zl.Warn()
	case LevelDebug:
		evt = l.zl.Debug()
	default:
		evt = l.zl.Info()
	}
	evt.Msg(msg)
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}


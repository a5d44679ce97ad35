package tunnel

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

// Log levels, from most to least severe.
const (
	LogLevelUnknown LogLevel = iota
	LogLevelPanic
	LogLevelFatal
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var logLevelColors = [...]*color.Color{
	color.New(color.FgWhite),
	color.New(color.FgRed, color.Bold),
	color.New(color.FgRed, color.Bold),
	color.New(color.FgRed),
	color.New(color.FgYellow),
	color.New(color.FgCyan),
	color.New(color.FgBlue),
	color.New(color.FgMagenta),
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a string to a LogLevel.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[x]
}

// Logger is a leveled logging component that supports prefix forking, so a
// session/forward/connection can each log with an increasingly specific
// prefix without any caller having to build the string by hand.
type Logger interface {
	// Log emits args at logLevel if the current level permits it, then exits
	// or panics if logLevel is Fatal or Panic.
	Log(logLevel LogLevel, args ...interface{})

	// Logf is the formatted equivalent of Log.
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Errorf returns an error whose message carries this logger's prefix,
	// without emitting a log line.
	Errorf(f string, args ...interface{}) error

	// Fork creates a new Logger with an additional prefix segment appended.
	Fork(prefix string, args ...interface{}) Logger

	// Prefix returns this logger's prefix string.
	Prefix() string

	SetLogLevel(logLevel LogLevel)
	GetLogLevel() LogLevel
}

// BasicLogger is the concrete Logger implementation. It wraps the standard
// library's log.Logger and colorizes the level tag when stderr is a
// terminal.
type BasicLogger struct {
	prefix   string
	prefixC  string
	logger   *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a root Logger emitting to os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", defaultLogFlags),
		logLevel: logLevel,
	}
}

func levelTag(logLevel LogLevel) string {
	name := strings.ToUpper(logLevel.String())
	idx := int(logLevel)
	if idx < 0 || idx >= len(logLevelColors) {
		return "[" + name + "]"
	}
	if !color.NoColor {
		return logLevelColors[idx].Sprintf("[%s]", name)
	}
	return "[" + name + "]"
}

func (l *BasicLogger) emit(logLevel LogLevel, msg string) {
	l.logger.Print(levelTag(logLevel) + " " + l.prefixC + msg)
	if logLevel == LogLevelFatal {
		os.Exit(1)
	}
	if logLevel == LogLevelPanic {
		panic(msg)
	}
}

// Log emits args at logLevel if the current level permits it.
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		l.emit(logLevel, fmt.Sprint(args...))
	}
}

// Logf is the formatted equivalent of Log.
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		l.emit(logLevel, fmt.Sprintf(f, args...))
	}
}

// ELogf logs at LogLevelError.
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }

// WLogf logs at LogLevelWarning.
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }

// ILogf logs at LogLevelInfo.
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }

// DLogf logs at LogLevelDebug.
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }

// TLogf logs at LogLevelTrace.
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

// Errorf returns an error carrying this logger's prefix, without logging.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.prefixC + fmt.Sprintf(f, args...))
}

// Fork creates a child Logger whose prefix is this logger's prefix plus the
// given formatted suffix.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(prefix, args...)
	newPrefix := suffix
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + suffix
	}
	child := NewLogger(newPrefix, l.logLevel)
	child.logger = l.logger
	return child
}

// Prefix returns this logger's prefix.
func (l *BasicLogger) Prefix() string { return l.prefix }

// SetLogLevel changes the minimum level this logger will emit.
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) { l.logLevel = logLevel }

// GetLogLevel returns the current minimum emitted level.
func (l *BasicLogger) GetLogLevel() LogLevel { return l.logLevel }

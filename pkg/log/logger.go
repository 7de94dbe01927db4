package log

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name ("debug", "info", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return DebugLevel, nil
	case "info", "INFO", "":
		return InfoLevel, nil
	case "warn", "WARN", "warning":
		return WarnLevel, nil
	case "error", "ERROR":
		return ErrorLevel, nil
	case "fatal", "FATAL":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("log: unknown level %q", s)
}

// Fields is a map of field names to values.
type Fields map[string]interface{}

// Field is a single structured field.
type Field struct {
	Key   string
	Value interface{}
}

// Entry represents a single log entry handed to formatters and outputs.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Component string
}

// Logger defines the core logging interface for strata components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With returns a logger carrying additional fields on every entry.
	With(fields ...Field) Logger
	// WithComponent tags entries with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter renders an entry into bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output writes a formatted entry somewhere.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// LoggerOption configures a logger.
type LoggerOption func(*BaseLogger)

// BaseLogger implements the Logger interface.
type BaseLogger struct {
	mu        sync.Mutex
	level     Level
	fields    []Field
	component string
	formatter Formatter
	outputs   []Output
}

// NewLogger creates a new logger with the given options.
func NewLogger(options ...LoggerOption) Logger {
	logger := &BaseLogger{
		level:     InfoLevel,
		formatter: &JSONFormatter{},
	}
	for _, option := range options {
		option(logger)
	}
	if len(logger.outputs) == 0 {
		logger.outputs = append(logger.outputs, NewConsoleOutput())
	}
	return logger
}

// NewNopLogger returns a logger that discards everything. Useful in tests.
func NewNopLogger() Logger {
	return &BaseLogger{level: FatalLevel + 1, formatter: &JSONFormatter{}, outputs: []Output{nopOutput{}}}
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = level }
}

// WithFormatter sets the log formatter.
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output to the logger.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs the entry and exits the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

func (l *BaseLogger) With(fields ...Field) Logger {
	child := l.clone()
	child.fields = append(child.fields, fields...)
	return child
}

func (l *BaseLogger) WithComponent(component string) Logger {
	child := l.clone()
	child.component = component
	return child
}

func (l *BaseLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *BaseLogger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *BaseLogger) clone() *BaseLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &BaseLogger{
		level:     l.level,
		fields:    append([]Field(nil), l.fields...),
		component: l.component,
		formatter: l.formatter,
		outputs:   l.outputs,
	}
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.GetLevel() {
		return
	}
	merged := make(Fields, len(l.fields)+len(fields))
	for _, f := range l.fields {
		merged[f.Key] = f.Value
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    merged,
		Timestamp: time.Now(),
		Component: l.component,
	}
	formatted, err := l.formatter.Format(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, out := range l.outputs {
		_ = out.Write(entry, formatted)
	}
}

type nopOutput struct{}

func (nopOutput) Write(*Entry, []byte) error { return nil }
func (nopOutput) Close() error               { return nil }

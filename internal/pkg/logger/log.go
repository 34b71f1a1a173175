package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	level    Level
	prefix   string
	mu       *sync.Mutex
	debugLog *log.Logger
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
}

func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

func NewWithWriter(level string, w io.Writer) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds

	return &Logger{
		level:    ParseLevel(level),
		mu:       &sync.Mutex{},
		debugLog: log.New(w, "[DEBUG] ", flags),
		infoLog:  log.New(w, "[INFO] ", flags),
		warnLog:  log.New(w, "[WARN] ", flags),
		errorLog: log.New(w, "[ERROR] ", flags),
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter("ERROR", io.Discard)
}

// With returns a logger sharing the same sinks whose messages are prefixed
// with the given component name.
func (l *Logger) With(component string) *Logger {
	child := *l
	if l.prefix != "" {
		child.prefix = l.prefix + component + ": "
	} else {
		child.prefix = component + ": "
	}
	return &child
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(DEBUG, l.debugLog, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.output(INFO, l.infoLog, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(WARN, l.warnLog, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.output(ERROR, l.errorLog, format, args...)
}

func (l *Logger) output(level Level, sink *log.Logger, format string, args ...interface{}) {
	if l.level > level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	sink.Output(3, l.prefix+fmt.Sprintf(format, args...))
}

// Package logging holds the debug logger shared by the bus adapters,
// the protocol layers and the command line tool.
package logging

import (
	"fmt"
	"io"
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the minimal logging surface used throughout dpload.
type Logger interface {
	Debug(message string)
	Debugf(message string, args ...interface{})
}

type nopLogger struct{}

func (l nopLogger) Debug(message string) {}

func (l nopLogger) Debugf(message string, args ...interface{}) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

type defaultLogger struct {
	l *log.Logger
}

func (l *defaultLogger) Debug(message string) {
	l.l.Println(message)
}

func (l *defaultLogger) Debugf(message string, args ...interface{}) {
	l.l.Printf(message, args...)
}

// DefaultLogger returns a Logger writing timestamped lines to out.
var DefaultLogger = func(out io.Writer) Logger {
	return &defaultLogger{log.New(out, "DPLOAD ", log.LstdFlags)}
}

// FileWriter returns a size-rotated writer for the log file at path.
func FileWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// OrNop returns l, or NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger
	}
	return l
}

// Bytes logs b as space separated hex after prefix.
func Bytes(l Logger, b []byte, prefix string) {
	s := prefix
	for _, bb := range b {
		s += fmt.Sprintf("%02x ", bb)
	}
	l.Debug(s)
}

// Package logging builds the process loggers. Components keep taking a
// plain *log.Logger; this package only decides where the lines go.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/offlinekit/offsync/internal/config"
)

// Logger hands out prefixed *log.Logger values sharing one destination.
type Logger struct {
	out     io.Writer
	closer  io.Closer
	verbose bool
	debug   *log.Logger
}

// New returns a Logger for cfg. With a log file configured, lines go to
// the rotating file, and also to stderr when verbose. Without one, lines
// go to stderr when verbose and are discarded otherwise.
func New(cfg config.LogConfig, stderr io.Writer) *Logger {
	if stderr == nil {
		stderr = os.Stderr
	}
	l := &Logger{verbose: cfg.Verbose}

	switch {
	case cfg.File != "":
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		l.closer = file
		l.out = file
		if cfg.Verbose {
			l.out = io.MultiWriter(file, stderr)
		}
	case cfg.Verbose:
		l.out = stderr
	default:
		l.out = io.Discard
	}

	l.debug = l.Named("debug")
	return l
}

// Named returns a logger writing lines prefixed with "[name] ".
func (l *Logger) Named(name string) *log.Logger {
	return log.New(l.out, "["+name+"] ", log.LstdFlags)
}

// Debugf logs only in verbose mode.
func (l *Logger) Debugf(format string, args ...any) {
	if l.verbose {
		l.debug.Printf(format, args...)
	}
}

// Verbose reports whether debug output is enabled.
func (l *Logger) Verbose() bool { return l.verbose }

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

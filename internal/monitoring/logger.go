package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger used by long-lived
// components (run manager, stores, servers). It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or
// mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// FileOptions configures a size-rotated log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int // rotate after this many megabytes (default 100)
	MaxBackups int // rotated files kept (default 3)
	MaxAgeDays int // days rotated files are kept (default 7)
}

// OpenRotatingFile returns a writer that appends to opts.Path and rotates
// it by size. The caller owns Close.
func OpenRotatingFile(opts FileOptions) io.WriteCloser {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 7
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		LocalTime:  true,
		Compress:   true,
	}
}

// Streams holds the three writers each package logs to: ops (actionable
// warnings and errors), diag (day-to-day diagnostics) and trace
// (high-frequency per-frame telemetry). A nil writer disables that stream.
type Streams struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// DefaultStreams routes ops and diag to stderr and disables trace.
func DefaultStreams() Streams {
	return Streams{Ops: os.Stderr, Diag: os.Stderr}
}

// Tee returns a copy of s where ops and diag also go to w.
func (s Streams) Tee(w io.Writer) Streams {
	if w == nil {
		return s
	}
	out := s
	out.Ops = tee(s.Ops, w)
	out.Diag = tee(s.Diag, w)
	return out
}

func tee(a, b io.Writer) io.Writer {
	if a == nil {
		return b
	}
	return io.MultiWriter(a, b)
}

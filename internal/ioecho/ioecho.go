// Package ioecho provides the colored echo loggers shared by the engine's
// printer-echo stream and the CLI's startup/shutdown messages. The five
// classes and their ANSI prefixes mirror the teacher's
// Tnze-WallDrawingMachine/upper/main.go logger set.
package ioecho

import (
	"io"
	"log"

	"github.com/mattn/go-colorable"
)

const (
	norm   = "\033[0m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	red    = "\033[31m"
	green  = "\033[32m"
)

// Loggers is one bundle of the five message-class loggers, all writing to
// the same underlying writer. The CLI constructs one over stdout; tests
// construct one over a bytes.Buffer.
type Loggers struct {
	Send   *log.Logger // outgoing command echoed to the printer wire
	Recv   *log.Logger // incoming reply line from the printer
	Error  *log.Logger // errors and warnings
	Normal *log.Logger // informational status messages
	Succ   *log.Logger // success / completion messages

	verbosity int
}

// New builds a Loggers bundle writing to w; every prefix carries its ANSI
// color code whatever w is. verbosity gates the File/Header/GCode/Reply
// methods per spec.md's table: 0=quiet, 1=per-file and upload events,
// 2=headers and replies, 3=per-G-code echo, 4=raw dumps.
func New(w io.Writer, verbosity int) *Loggers {
	return &Loggers{
		Send:      log.New(w, yellow+"<--- ", 0),
		Recv:      log.New(w, blue+"---> ", 0),
		Error:     log.New(w, red+"-!!- ", 0),
		Normal:    log.New(w, norm+"---- ", 0),
		Succ:      log.New(w, green+"-ok- ", 0),
		verbosity: verbosity,
	}
}

// NewStdout is the common case: a Loggers bundle over a colorable stdout.
func NewStdout(verbosity int) *Loggers {
	return New(colorable.NewColorableStdout(), verbosity)
}

// Verbosity returns the level this bundle was built with.
func (l *Loggers) Verbosity() int { return l.verbosity }

// AtLeast reports whether the bundle's verbosity is at least level —
// callers gate expensive formatting behind this before calling a logger.
func (l *Loggers) AtLeast(level int) bool { return l.verbosity >= level }

// File logs a per-file lifecycle event (opened, exhausted, upload landed) —
// verbosity level 1.
func (l *Loggers) File(format string, args ...any) {
	if l.AtLeast(1) {
		l.Normal.Printf(format, args...)
	}
}

// Header logs an HTTP request header or printer reply summary — level 2.
func (l *Loggers) Header(format string, args ...any) {
	if l.AtLeast(2) {
		l.Recv.Printf(format, args...)
	}
}

// GCode echoes one accepted G-code line to the wire — level 3.
func (l *Loggers) GCode(format string, args ...any) {
	if l.AtLeast(3) {
		l.Send.Printf(format, args...)
	}
}

// Reply echoes one printer reply line — level 2.
func (l *Loggers) Reply(format string, args ...any) {
	if l.AtLeast(2) {
		l.Recv.Printf(format, args...)
	}
}

// Warn always logs, regardless of verbosity — unsolicited acks, swallowed
// echo errors, and similar conditions the operator should still see.
func (l *Loggers) Warn(format string, args ...any) {
	l.Error.Printf(format, args...)
}

// Success always logs — job completion, clean handshake.
func (l *Loggers) Success(format string, args ...any) {
	l.Succ.Printf(format, args...)
}

// Info always logs at the Normal class, independent of verbosity —
// startup/shutdown banners.
func (l *Loggers) Info(format string, args ...any) {
	l.Normal.Printf(format, args...)
}

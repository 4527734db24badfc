package engine

import (
	"strings"
	"time"

	"marlinfeed/internal/gcodeline"
	"marlinfeed/internal/sendwindow"
)

// PrinterChannel is the subset of iochan.Channel the engine needs to drive
// the printer link. Factored out as an interface so the event loop can be
// tested against mocklin-style fakes without real file descriptors.
type PrinterChannel interface {
	Read(dest []byte, moreWait, maxTime, initialWait time.Duration) (int, error)
	Tail(dest []byte, moreWait, maxTime, initialWait time.Duration) (int, error)
	WriteAll(buf []byte) ([]byte, bool)
	HasError() bool
	EndOfFile() bool
	ClearError()
	Error() string
}

// Control is the pause/cancel signaling surface the HTTP API and SIGUSR1
// handler drive. A dedicated cancel trigger is delivered as a typed message
// rather than a second OS signal, since Go's single process has no
// fork-per-connection boundary requiring a signal crossing (SPEC_FULL §4).
type Control struct {
	Paused bool
	cancel chan struct{}
}

// NewControl returns a Control with a buffered cancel trigger.
func NewControl() *Control {
	return &Control{cancel: make(chan struct{}, 1)}
}

// TogglePause flips the pause flag, matching SIGUSR1's semantics: a single
// toggle, no separate resume trigger.
func (c *Control) TogglePause() { c.Paused = !c.Paused }

// SetPaused sets the pause flag explicitly (used by the HTTP job endpoint's
// "action":"pause"/"resume" form).
func (c *Control) SetPaused(p bool) { c.Paused = p }

// Cancel requests the current job end after cooldown G-code is sent.
// Non-blocking: a second Cancel before the first is observed is a no-op.
func (c *Control) Cancel() {
	select {
	case c.cancel <- struct{}{}:
	default:
	}
}

// Cancelled reports and consumes a pending cancel request.
func (c *Control) Cancelled() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// HandshakeOutcome is what one Handshake call decided, per spec.md §4.H's
// distinction between a failure that still deserves a hard-reconnect retry
// and one that is terminal.
type HandshakeOutcome int

const (
	// HandshakeOK: a bare "ok" was observed; the link is live.
	HandshakeOK HandshakeOutcome = iota
	// HandshakeRetryHard: the attempt failed but deserves exactly one
	// hard-reconnect retry before being reported: either it failed on the
	// soft path (no I/O error has yet been seen on a fresh, just-opened
	// connection), or it exhausted all attempts without any I/O error at
	// all (the printer never said "ok", but the link itself is fine).
	HandshakeRetryHard
	// HandshakeFailed: an I/O error occurred while already on the hard
	// path. No further retry is owed; this reports class 2 and incurs
	// HardReconnectSleep.
	HandshakeFailed
)

// Handshake performs the handshake loop per spec.md §4.H: up to
// HandshakeAttempts tries, draining the boot banner on the first attempt of
// a hard reconnect, reading a tail, and writing the wrap-around string
// between attempts until a bare "ok" is observed.
//
// hard selects the boot-drain step and the inter-attempt settle delay. The
// returned HandshakeOutcome tells the caller whether a read/write failure
// happened on the hard path (terminal) or should first be retried once as a
// hard reconnect (soft-path I/O failure, or exhaustion without any I/O
// failure at all) before being reported as class 2.
func Handshake(printer PrinterChannel, hard bool) (outcome HandshakeOutcome, reason string) {
	buf := make([]byte, HandshakeReadBuf)
	for attempt := 0; attempt < HandshakeAttempts; attempt++ {
		if attempt == 0 && hard {
			printer.Read(buf, 0, BootDrainTimeout, BootDrainTimeout)
			printer.ClearError()
		}

		n, err := printer.Tail(buf, 0, HandshakeReadWindow, HandshakeReadWindow)
		if err != nil || printer.HasError() {
			if hard {
				return HandshakeFailed, printer.Error()
			}
			return HandshakeRetryHard, printer.Error()
		}
		text := string(buf[:n])
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		last := lastLine(text)

		if attempt > 0 && startsWithOkBoundary(last) {
			return HandshakeOK, ""
		}

		if rest, ok2 := printer.WriteAll([]byte(sendwindow.WrapAroundString())); !ok2 || len(rest) != 0 {
			if hard {
				return HandshakeFailed, printer.Error()
			}
			return HandshakeRetryHard, printer.Error()
		}
		if hard {
			time.Sleep(HardSettle)
		} else {
			time.Sleep(SoftSettle)
		}
	}
	return HandshakeRetryHard, "handshake exhausted all attempts"
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func startsWithOkBoundary(s string) bool {
	return gcodeline.NewLine(s).StartsWith("ok\b") > 0
}

// Source is a pull-one-line interface the stream loop consumes both the
// disk/stdin source and the injection reader through. HasError/Error let
// Stream distinguish a mid-stream read failure (class 0, spec.md §4.H) from
// clean exhaustion, which HasNext alone cannot: a source that has failed
// reports HasNext() == false exactly like one that has merely run dry.
type Source interface {
	HasNext() bool
	Next() *gcodeline.Line
	EstimatedPrintTime() int
	HasError() bool
	Error() string
}

// StreamResult is what one Stream call decided.
type StreamResult struct {
	Class  Class
	Reason string
	Stats  Stats
}

// Stream runs the event loop described in spec.md §4.H from Attach/Stream
// onward, until the source drains cleanly, an injection-driven cancel
// fires, or an error is reported.
//
// replyReader is a *gcodeline.Reader built over the printer channel with
// whitespace compression level 1 (so a following temperature report's
// separators survive). jobSource is the file/stdin/dir-scan reader;
// injection is the HTTP-fed command reader, consulted first each iteration
// per spec.md §4.H's injection-channel rule. writeLine performs the
// blocking wire write (the printer's serial buffer is the flow-control
// signal, so Stream never buffers writes itself).
func Stream(printer PrinterChannel, d *Driver, replyReader *gcodeline.Reader, jobSource, injection Source, ctl *Control, writeLine func(string) bool) StreamResult {
	var held string
	start := time.Now()

	pullNext := func() (string, int, bool) {
		if injection.HasNext() {
			l := injection.Next()
			return l.String(), injection.EstimatedPrintTime(), true
		}
		if !ctl.Paused && jobSource.HasNext() {
			l := jobSource.Next()
			return l.String(), jobSource.EstimatedPrintTime(), true
		}
		return "", 0, false
	}

	for {
		// Drive the printer side to quiescence: replies must be drained
		// before new commands are pushed so the window can free slots.
		for replyReader.HasNext() {
			reply := replyReader.Next().String()
			outcome := d.HandleReply(reply, time.Now())
			if outcome.Abort {
				return StreamResult{Class: outcome.Class, Reason: outcome.Reason, Stats: d.Stats(time.Since(start))}
			}
		}

		d.PushToWindow(&held, 0, pullNext)
		if !d.FlushToPrinter(writeLine) {
			return StreamResult{Class: ClassPrinterSoft, Reason: printerErrString(printer), Stats: d.Stats(time.Since(start))}
		}

		now := time.Now()
		d.UpdateStatus(ctl.Paused, held != "", now)

		if ctl.Cancelled() {
			writeLine(CooldownGCode)
			writeLine(LiftNozzleGCode)
			return StreamResult{Class: ClassUserAbort, Reason: "cancelled", Stats: d.Stats(time.Since(start))}
		}

		if jobSource.HasError() {
			return StreamResult{Class: ClassSourceError, Reason: jobSource.Error(), Stats: d.Stats(time.Since(start))}
		}
		if injection.HasError() {
			return StreamResult{Class: ClassSourceError, Reason: injection.Error(), Stats: d.Stats(time.Since(start))}
		}

		if d.ResendCount() > ResendLimit {
			return StreamResult{Class: ClassPrinterSoft, Reason: "too many resends", Stats: d.Stats(time.Since(start))}
		}
		if d.SilenceExceeded(now) {
			return StreamResult{Class: ClassPrinterSoft, Reason: "Printer timeout waiting for ack", Stats: d.Stats(time.Since(start))}
		}
		if !d.Window.NeedsAck() && !jobSource.HasNext() && held == "" {
			return StreamResult{Class: ClassNone, Stats: d.Stats(time.Since(start))}
		}
		if printer.HasError() {
			return StreamResult{Class: ClassPrinterSoft, Reason: printerErrString(printer), Stats: d.Stats(time.Since(start))}
		}
		if printer.EndOfFile() {
			return StreamResult{Class: ClassPrinterSoft, Reason: "EOF on printer connection", Stats: d.Stats(time.Since(start))}
		}
	}
}

func printerErrString(p PrinterChannel) string {
	if e := p.Error(); e != "" {
		return e
	}
	return "printer channel error"
}

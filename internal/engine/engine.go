// Package engine implements the printer-coupling event loop: handshake,
// drain-printer-to-quiescence, push-to-window, flush-to-printer, status
// update, and job termination. Ported from the event loop in the original
// implementation's marlinfeed.cpp main loop.
package engine

import (
	"strings"
	"time"

	"marlinfeed/internal/gcodeline"
	"marlinfeed/internal/ioecho"
	"marlinfeed/internal/printerstate"
	"marlinfeed/internal/sendwindow"
)

// Timeouts and thresholds, per spec.md §4.H.
const (
	MaxTimeWithError = 5 * time.Second
	MaxTimeSilence   = 120 * time.Second
	StallTime        = 2 * time.Second

	HandshakeAttempts   = 4
	BootDrainTimeout    = 3000 * time.Millisecond
	HandshakeReadWindow = 500 * time.Millisecond
	HandshakeReadBuf    = 2047
	HardSettle          = 1500 * time.Millisecond
	SoftSettle          = 100 * time.Millisecond
	ErrorAggregateSleep = 100 * time.Millisecond
	ResendSleep         = 100 * time.Millisecond

	ResendLimit = 3

	HardReconnectSleep = 5 * time.Second
)

// Cooldown/lift G-code sent on user-abort, and the SD-card-stop sent on
// every hard reconnect — both supplements from marlinfeed.cpp not named in
// spec.md's distillation.
const (
	CooldownGCode   = "M108\nM104 S0\nM105\n"
	LiftNozzleGCode = "G91\nG0 Z10\nG90\n"
	ResetSDGCode    = "M524\n"
)

// Class is the outcome of one job attempt, per spec.md §4.H.
type Class int

const (
	ClassSourceError  Class = iota // 0: source error — advance to next source, keep printer
	ClassEcho                      // 1: echo error — ignored, stdout is best-effort
	ClassPrinterHard                // 2: hard printer error — no auto-reconnect, sleep 5s
	ClassPrinterSoft                // 3: soft printer error — reconnect on next job
	ClassUserAbort                  // 4: user-issued cancel (SPEC_FULL addition)
	ClassNone                       // no error; job completed cleanly
)

func (c Class) String() string {
	switch c {
	case ClassSourceError:
		return "source error"
	case ClassEcho:
		return "echo error"
	case ClassPrinterHard:
		return "hard printer error"
	case ClassPrinterSoft:
		return "soft printer error"
	case ClassUserAbort:
		return "user abort"
	default:
		return "none"
	}
}

// Stats is the per-job summary logged on clean completion, ported from
// marlinfeed.cpp's "Print:... Err:... Resend:..." line.
type Stats struct {
	Errors    int
	Resends   int
	GCodes    int
	Bytes     int64
	Elapsed   time.Duration
}

// Log writes the summary through the success class of echo.
func (s Stats) Log(echo *ioecho.Loggers) {
	secs := s.Elapsed.Seconds()
	gcps, bps := 0.0, 0.0
	if secs > 0 {
		gcps = float64(s.GCodes) / secs
		bps = float64(s.Bytes) * 8 / secs
	}
	echo.Success("Print complete: Err:%d Resend:%d GCodes:%d %.1fs %.1f gcode/s %.0f bit/s",
		s.Errors, s.Resends, s.GCodes, secs, gcps, bps)
}

// Driver holds the mutable bookkeeping threaded through one job's printer
// side: the send window, derived printer state, resend/error tracking, and
// the echo logger every reply and warning flows through. Not safe for
// concurrent use — the engine's event loop is single-threaded by design
// (spec.md §5: "a single cooperative control flow").
type Driver struct {
	Window *sendwindow.Window
	State  *printerstate.State
	Echo   *ioecho.Loggers

	ignoreOk    bool
	resendCount int
	gcodes      int
	bytesSent   int64

	lastErrorAt  time.Time
	lastOkAt     time.Time
	lastLifesign time.Time
	lifesignSet  bool
}

// NewDriver builds a Driver over an already-sized Window and State.
func NewDriver(w *sendwindow.Window, st *printerstate.State, echo *ioecho.Loggers) *Driver {
	return &Driver{Window: w, State: st, Echo: echo}
}

// ResendCount returns how many Resend: replies this job has seen.
func (d *Driver) ResendCount() int { return d.resendCount }

// ReplyOutcome is what HandleReply decided about one printer reply line.
type ReplyOutcome struct {
	Abort  bool
	Class  Class
	Reason string
}

// HandleReply processes one complete printer reply line per spec.md §4.H's
// "drain printer replies" rules, mutating the window/state/bookkeeping, and
// reports whether the job must abort (persistent error state, or an
// unseekable Resend target).
func (d *Driver) HandleReply(raw string, now time.Time) ReplyOutcome {
	line := gcodeline.NewLine(raw)

	if matched := line.StartsWith("ok\b"); matched > 0 {
		d.lastLifesign = now
		d.lifesignSet = true
		d.lastOkAt = now
		if d.ignoreOk {
			d.ignoreOk = false
		} else {
			d.lastErrorAt = time.Time{}
			d.resendCount = 0
			if !d.Window.Ack() {
				d.Echo.Warn("unsolicited ok: %q", raw)
			}
		}
		line.SliceFrom(matched)
		if rest := strings.TrimSpace(line.String()); rest != "" {
			d.State.ParseTemperatureReport(rest)
		}

	} else if line.StartsWith("T:") > 0 {
		d.State.ParseTemperatureReport(raw)

	} else if line.StartsWith("Error:") > 0 {
		if d.lastErrorAt.IsZero() {
			d.lastErrorAt = now
		}
		d.Echo.Reply("%s", raw)
		time.Sleep(ErrorAggregateSleep)

	} else if matched := line.StartsWith("Resend:\b"); matched > 0 {
		line.SliceFrom(matched)
		n, valid := line.Number(10)
		target := -1
		if valid > 0 && n >= 0 && n <= int64(1<<31-1) {
			target = int(n)
		}
		if target < 0 || !d.Window.Seek(target) {
			return ReplyOutcome{Abort: true, Class: ClassPrinterSoft, Reason: "Illegal Resend"}
		}
		d.ignoreOk = true
		d.Echo.Reply("Resend: %s", raw)
		time.Sleep(ResendSleep)
		d.resendCount++

	} else {
		d.Echo.Reply("%s", raw)
		d.lastErrorAt = time.Time{}
	}

	if !d.lastErrorAt.IsZero() && now.Sub(d.lastErrorAt) > MaxTimeWithError {
		return ReplyOutcome{Abort: true, Class: ClassPrinterSoft, Reason: "Persistent error state on printer => abort current job"}
	}
	return ReplyOutcome{}
}

// SilenceExceeded reports whether the window has an outstanding ack and the
// printer has been silent (no lifesign) for longer than MaxTimeSilence. The
// lifesign baseline is established lazily the first time an ack becomes
// outstanding, and cleared once the window is quiescent, per spec.md §4.H.
func (d *Driver) SilenceExceeded(now time.Time) bool {
	if d.Window.NeedsAck() {
		if !d.lifesignSet {
			d.lastLifesign = now
			d.lifesignSet = true
		}
		return now.Sub(d.lastLifesign) > MaxTimeSilence
	}
	d.lifesignSet = false
	return false
}

// Stalled reports whether a held next-line is waiting on a printer that has
// not ack'd anything in longer than StallTime.
func (d *Driver) Stalled(hasNextGCode bool, now time.Time) bool {
	return hasNextGCode && !d.lastOkAt.IsZero() && now.Sub(d.lastOkAt) > StallTime
}

// PushToWindow appends as many queued lines as fit, storing the first
// line (if any) that did not fit this round in *held so the caller can
// retry it next time. estimatedSecs, if >0, is committed to State as soon as it is
// captured (mirrors "if the estimated-time hint has just been captured,
// commit it to printer state").
func (d *Driver) PushToWindow(held *string, estimatedSecs int, pullNext func() (string, int, bool)) {
	if estimatedSecs > 0 {
		d.State.SetEstimatedPrintTime(time.Duration(estimatedSecs) * time.Second)
	}
	for {
		var line string
		if held != nil && *held != "" {
			line = *held
		} else {
			next, secs, ok := pullNext()
			if !ok {
				return
			}
			line = next
			if secs > 0 {
				d.State.SetEstimatedPrintTime(time.Duration(secs) * time.Second)
			}
		}
		if d.Window.MaxAppendLen() < len(line) {
			if held != nil {
				*held = line
			}
			return
		}
		d.Window.Append(line)
		d.gcodes++
		d.bytesSent += int64(len(line))
		d.State.SetPrintedBytes(d.bytesSent)
		if held != nil {
			*held = ""
		}
	}
}

// FlushToPrinter writes every line ready in the window to write, stopping
// at the first error. write should be a blocking WriteAll-style call; the
// printer's serial receive buffer is the flow-control signal, so blocking
// here is intentional (spec.md §5's "deliberately blocking" write).
func (d *Driver) FlushToPrinter(write func(string) bool) bool {
	for d.Window.HasNext() {
		line := d.Window.Next()
		d.Echo.GCode("%s", strings.TrimRight(line, "\n"))
		if !write(line) {
			return false
		}
	}
	return true
}

// UpdateStatus sets State's Status per the paused/stalled/printing rule.
func (d *Driver) UpdateStatus(paused bool, hasNextGCode bool, now time.Time) {
	switch {
	case paused:
		d.State.SetStatus(printerstate.Paused)
	case d.Stalled(hasNextGCode, now):
		d.State.SetStatus(printerstate.Stalled)
	default:
		d.State.SetStatus(printerstate.Printing)
	}
}

// Stats snapshots this job's running counters, given the job's elapsed
// time.
func (d *Driver) Stats(elapsed time.Duration) Stats {
	return Stats{
		Errors:  boolToInt(!d.lastErrorAt.IsZero()),
		Resends: d.resendCount,
		GCodes:  d.gcodes,
		Bytes:   d.bytesSent,
		Elapsed: elapsed,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

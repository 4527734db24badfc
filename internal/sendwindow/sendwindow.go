// Package sendwindow implements the line-numbered, checksummed send window
// that sits between the G-code source and the printer's serial link,
// mirroring MarlinBuf from the original implementation.
package sendwindow

import "strings"

// wrapAroundString is the fixed line automatically appended after slot 98 so
// that line numbers roll from 99 back to 0 without Marlin losing sync. It
// is itself "N99M110N-1*97\n" — an M110 that resets Marlin's expected line
// number to 0.
const (
	wrapAroundString = "N99M110N-1*97\n"
	wrapAroundLen    = 14
)

// WrapAroundString returns the fixed line a caller must write to the
// printer out-of-band to force Marlin's line counter back to 0 — used by
// the handshake, which writes it directly rather than through a Window.
func WrapAroundString() string { return wrapAroundString }

// Window buffers up to 99 outgoing G-code lines, numbering and checksumming
// each one, tracking which have been sent and which have been acknowledged,
// and bounding how much unacknowledged data may be outstanding at once
// (the printer's own serial receive buffer, not Marlin's internal planner
// queue).
//
// Slot 99 is reserved for the wrap-around string; slots 0-98 hold real
// commands. The three cursors in, out, free walk the ring in that order:
// free <= out <= in (mod 100, accounting for wraparound), matching
// MarlinBuf's i_free/i_out/i_in.
type Window struct {
	bufSize int

	line    [100]string
	lineLen [100]int

	in   int
	out  int
	free int
	sz   int
}

// New creates a Window assuming a printer-side serial receive buffer of
// bufSize bytes (128 matches the FTDI FT232R chip common on 8-bit boards,
// the original's default).
func New(bufSize int) *Window {
	w := &Window{bufSize: bufSize}
	w.line[99] = wrapAroundString
	w.lineLen[99] = wrapAroundLen
	return w
}

// SetBufSize changes the assumed printer-side serial buffer size. Affects
// future MaxAppendLen() results only; shrinking it below what is already
// buffered can make MaxAppendLen() return a negative value, since nothing
// already queued is discarded.
func (w *Window) SetBufSize(n int) { w.bufSize = n }

// MaxAppendLen returns the longest G-code command (excluding line number,
// checksum, and trailing newline, all of which Append adds) that still
// fits in the buffer right now. Returns 0 once all 98 usable slots are
// occupied, regardless of byte budget.
func (w *Window) MaxAppendLen() int {
	if (w.in+1)%99 == w.free {
		return 0
	}

	remain := w.bufSize - w.sz
	if w.in < 10 {
		remain -= 2 // Nx
	} else {
		remain -= 3 // Nxx
	}
	if w.in == 98 {
		remain -= wrapAroundLen
	}
	remain -= 4 // *chk
	remain--    // \n
	return remain
}

// lineNumberPrefix returns the ASCII digits of the line number that will
// prefix slot i's line, e.g. "N7" or "N42" — without the checksum yet
// folded in, matching MarlinBuf's pre-filled line[] number prefixes.
func lineNumberPrefix(i int) string {
	if i < 10 {
		return string([]byte{'N', byte('0' + i)})
	}
	return string([]byte{'N', byte('0' + i/10), byte('0' + i%10)})
}

// Append queues gcode for transmission. gcode must not already carry a
// line number or checksum; Append adds both. A trailing comment
// (introduced by ';') is stripped, as is leading/trailing whitespace. A
// trailing newline is added if missing. If gcode is empty after stripping,
// nothing is appended and no slot is consumed.
//
// Callers must check MaxAppendLen() first; Append does not itself reject
// an over-long command.
func (w *Window) Append(gcode string) {
	i := 0
	for i < len(gcode) && isSpace(gcode[i]) {
		i++
	}
	gcode = gcode[i:]

	prefix := lineNumberPrefix(w.in)
	chk := byte(0)
	for i := 0; i < len(prefix); i++ {
		chk ^= prefix[i]
	}

	end := 0
	for end < len(gcode) && gcode[end] != ';' {
		end++
	}
	body := gcode[:end]
	for len(body) > 0 && isSpace(body[len(body)-1]) {
		body = body[:len(body)-1]
	}
	if len(body) == 0 {
		return
	}
	for i := 0; i < len(body); i++ {
		chk ^= body[i]
	}

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(body)
	b.WriteByte('*')
	b.WriteString(checksumDigits(chk))
	b.WriteByte('\n')

	line := b.String()
	w.line[w.in] = line
	w.lineLen[w.in] = len(line)
	w.sz += len(line)
	w.in++

	if w.in == 99 {
		w.in = 0
		w.sz += wrapAroundLen
	}
}

func checksumDigits(chk byte) string {
	switch {
	case chk < 10:
		return string([]byte{chk + '0'})
	case chk < 100:
		return string([]byte{chk/10 + '0', chk%10 + '0'})
	default:
		return string([]byte{chk/100 + '0', (chk/10)%10 + '0', chk%10 + '0'})
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

// HasNext reports whether a line is queued and ready to be sent.
func (w *Window) HasNext() bool { return w.out != w.in }

// NeedsAck reports whether a line has been sent but not yet acknowledged.
func (w *Window) NeedsAck() bool { return w.free != w.out }

// Next returns the next line to transmit (including its line number,
// checksum, and trailing newline) and advances the send cursor. The
// returned string is immutable and stays valid after its slot is reused.
// Panics if HasNext() is false.
func (w *Window) Next() string {
	if !w.HasNext() {
		panic("sendwindow: Next called with no line queued")
	}
	line := w.line[w.out]
	w.out++
	if w.out == 100 {
		w.out = 0
	}
	return line
}

// Ack releases the oldest sent-but-unacknowledged line, reducing the
// outstanding byte count. Must be called once per "ok" received, after the
// corresponding line was retrieved via Next. Returns false if there is
// nothing to acknowledge.
func (w *Window) Ack() bool {
	if w.free == w.out {
		return false
	}
	w.sz -= w.lineLen[w.free]
	w.free++
	if w.free == 100 {
		w.free = 0
	}
	return true
}

// Seek rewinds the send cursor to slot l, so the next call to Next()
// returns that line again — used to honor the printer's Resend: request.
// l must name a line that is still buffered (sent-or-unsent, not yet
// ack'd). Returns false if l is not a valid target.
func (w *Window) Seek(l int) bool {
	if w.free == w.in {
		return false
	}
	if w.free < w.in {
		if l < w.free || l >= w.in {
			return false
		}
	} else {
		if l >= 100 || l < 0 || (l < w.free && l >= w.in) {
			return false
		}
	}
	w.out = l
	return true
}

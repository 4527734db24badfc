// Package iochan provides the byte-channel abstraction that fronts every
// descriptor marlinfeed touches: the printer link (file, TTY, or Unix
// socket), the G-code source files and stdin, and mocklin's listening
// socket. It ports the sticky
// error model of the original implementation's File wrapper: once an
// operation fails, further operations are no-ops returning the same error
// until ClearError is called, so callers can run a short sequence of
// operations and check the outcome once at the end.
package iochan

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is the normalized "no data/space available right now"
// condition, folding together EAGAIN/EWOULDBLOCK the way the original
// File did.
var ErrWouldBlock = errors.New("iochan: would block")

// backend is the minimal interface a Channel needs from whatever is
// actually moving the bytes: an opened file, a tarm/serial port, or a
// connected/accepted socket fd wrapped in *os.File.
type backend interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Channel wraps a backend with the sticky-error bookkeeping, a title for
// error messages, and a background pump goroutine that continuously reads
// from the backend into a queue so that timed Read/Tail calls can apply
// deadlines without ever discarding bytes the backend already delivered.
type Channel struct {
	mu sync.Mutex

	fpath string
	title string

	err    error
	eof    bool
	closed bool

	autoClose bool
	nonBlock  bool

	backend backend
	rawFD   int // valid file descriptor backing the channel, or -1

	chunks    chan []byte
	pumpErr   chan error
	pending   []byte
	pumpDone  bool
	latchedPumpErr error
}

// New wraps an already-open file descriptor (fd == -1 means "not open
// yet") at fpath. fpath need not correspond to anything on disk — it is
// used for error messages and for Open/Connect/Listen/Stat/Unlink.
func New(fpath string, fd int) *Channel {
	c := &Channel{fpath: fpath, rawFD: -1}
	if fd >= 0 {
		c.rawFD = fd
		c.attach(os.NewFile(uintptr(fd), fpath))
	}
	return c
}

// Action sets the title included in future error messages, e.g. "opening
// printer device".
func (c *Channel) Action(title string) { c.title = title }

// Error returns the message describing the most recent error, or "" if
// there is none.
func (c *Channel) Error() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ""
	}
	return c.err.Error()
}

// ErrNo returns the errno value of the most recent error if the
// underlying cause was a syscall error, else 0.
func (c *Channel) ErrNo() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errno unix.Errno
	if errors.As(c.err, &errno) {
		return int(errno)
	}
	return 0
}

// HasError reports whether the channel is in an error state.
func (c *Channel) HasError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// EndOfFile reports whether a read encountered end of file. Not an error
// condition by itself.
func (c *Channel) EndOfFile() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

// ClearError clears any pending error and EOF flag so future operations
// are no longer skipped.
func (c *Channel) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
	c.eof = false
}

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) checkError(err error) bool {
	if err != nil {
		c.err = fmt.Errorf("%s %s: %w", c.title, c.fpath, err)
		return false
	}
	c.err = nil
	return true
}

// attach installs b as the backend and (re)starts the background pump
// goroutine that keeps reading from it. Any previously queued pending
// bytes are discarded, matching a fresh Open/Connect/Listen/SetupTTY.
func (c *Channel) attach(b backend) {
	c.backend = b
	c.pending = nil
	c.pumpDone = false
	c.latchedPumpErr = nil
	c.chunks = make(chan []byte, 16)
	c.pumpErr = make(chan error, 1)

	if c.autoClose {
		runtime.SetFinalizer(c, (*Channel).finalizeClose)
	} else {
		runtime.SetFinalizer(c, nil)
	}

	go func(b backend, chunks chan []byte, errs chan error) {
		for {
			buf := make([]byte, 4096)
			n, err := b.Read(buf)
			if n > 0 {
				chunks <- buf[:n]
			}
			if err != nil {
				errs <- err
				return
			}
		}
	}(b, c.chunks, c.pumpErr)
}

// Open opens the channel's path with the given flags (matching
// unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK if flags < 0), closing any
// previously open descriptor first. Unlike most Channel operations this
// runs even if the channel is already in an error state.
func (c *Channel) Open(flags int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	if flags < 0 {
		flags = unix.O_RDWR | unix.O_NOCTTY | unix.O_NONBLOCK
	}
	fd, err := unix.Open(c.fpath, flags, 0)
	if !c.checkError(err) {
		return false
	}
	c.rawFD = fd
	c.autoClose = true
	c.closed = false
	c.attach(os.NewFile(uintptr(fd), c.fpath))
	return true
}

// AutoClose sets whether Close is implied when the Channel is garbage
// collected without an explicit Close call. Go's GC does not guarantee
// finalizers run promptly, so this is advisory bookkeeping only — callers
// should still call Close explicitly.
func (c *Channel) AutoClose(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoClose = on
	if on && c.backend != nil {
		runtime.SetFinalizer(c, (*Channel).finalizeClose)
	} else if !on {
		runtime.SetFinalizer(c, nil)
	}
}

// finalizeClose is the runtime.SetFinalizer callback wired in attach when
// autoClose is set: it closes the backend so a Channel whose owner dropped
// it without calling Close doesn't leak the descriptor indefinitely.
func (c *Channel) finalizeClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Close closes the channel. Returns true iff no error occurred.
func (c *Channel) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Channel) closeLocked() bool {
	c.eof = false
	c.closed = true
	if c.backend == nil {
		c.err = nil
		return true
	}
	err := c.backend.Close()
	c.backend = nil
	c.rawFD = -1
	return c.checkError(err)
}

// Unlink removes the filesystem entry at the channel's path. Does not
// close the channel.
func (c *Channel) Unlink() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	return c.checkError(unix.Unlink(c.fpath))
}

// Stat stats the open descriptor if one exists, else the path itself.
func (c *Channel) Stat() (unix.Stat_t, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st unix.Stat_t
	if c.err != nil {
		return st, false
	}
	var err error
	if c.rawFD >= 0 {
		err = unix.Fstat(c.rawFD, &st)
	} else {
		err = unix.Stat(c.fpath, &st)
	}
	return st, c.checkError(err)
}

// IsSocket reports whether the channel's target is a Unix domain socket,
// per Stat's st_mode.
func (c *Channel) IsSocket() bool {
	st, ok := c.Stat()
	if !ok {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

// Connect dials a Unix domain stream socket at the channel's path.
func (c *Channel) Connect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.closeLocked()
	c.closed = false

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if !c.checkError(err) {
		return false
	}
	addr := &unix.SockaddrUnix{Name: c.fpath}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		c.checkError(err)
		return false
	}
	c.rawFD = fd
	c.autoClose = true
	c.attach(os.NewFile(uintptr(fd), c.fpath))
	return true
}

// Listen binds and listens on a Unix domain stream socket at the
// channel's path.
func (c *Channel) Listen(backlog int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.closeLocked()
	c.closed = false

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if !c.checkError(err) {
		return false
	}
	addr := &unix.SockaddrUnix{Name: c.fpath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		c.checkError(err)
		return false
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		c.checkError(err)
		return false
	}
	c.rawFD = fd
	c.autoClose = true
	// A listening socket is never read from directly, so no pump is
	// started; Accept() spins up a fresh Channel per connection.
	return true
}

// Accept accepts one pending connection on a listening Channel, returning
// a new Channel wrapping it. EINTR is retried transparently.
func (c *Channel) Accept() (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false
	}
	for {
		fd, _, err := unix.Accept(c.rawFD)
		if err == unix.EINTR {
			continue
		}
		if !c.checkError(err) {
			return nil, false
		}
		child := New(c.fpath+"#accepted", fd)
		child.title = c.title
		return child, true
	}
}

// SetupTTY closes any current connection and reopens the channel's path
// as a serial port: raw mode, the given baud rate, 8N1, no hardware flow
// control.
func (c *Channel) SetupTTY(baud int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.closed = false

	port, err := serial.OpenPort(&serial.Config{
		Name:        c.fpath,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		c.checkError(err)
		return false
	}
	c.rawFD = -1 // tarm/serial does not expose the underlying fd
	c.autoClose = true
	c.attach(port)
	return true
}

// WriteAll writes all of buf, resuming across short/interrupted writes.
// Returns the unwritten remainder (nil if all of buf was written) and
// whether the channel is free of errors afterward.
func (c *Channel) WriteAll(buf []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return buf, false
	}
	if c.backend == nil {
		c.checkError(errors.New("write on a channel with no open backend"))
		return buf, false
	}
	for len(buf) > 0 {
		n, err := c.backend.Write(buf)
		buf = buf[n:]
		if err != nil {
			c.checkError(err)
			break
		}
	}
	return buf, c.err == nil
}

// fill pulls from c.pending first, then from the pump's chunk queue,
// honoring the three time budgets. It never discards bytes the pump
// already produced: anything not consumed by this call stays in
// c.pending for the next one.
//
// report_ewouldblock mirrors the original: Read-style callers want "0
// bytes with nothing ready" surfaced as ErrWouldBlock; Tail-style callers
// just want 0 back.
func (c *Channel) fill(dest []byte, moreWait, maxTime, initialWait time.Duration, reportWouldBlock, tailMode bool) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if len(dest) == 0 {
		return 0, nil
	}

	if initialWait < 0 {
		if c.nonBlock {
			initialWait = 0
		} else {
			initialWait = maxTime
		}
	}
	if moreWait < 0 {
		moreWait = 0
	}

	deadline := time.Time{}
	unlimited := maxTime < 0
	if !unlimited {
		deadline = time.Now().Add(maxTime)
	}

	filled := 0 // valid bytes currently occupying dest[0:filled]
	gotAny := false
	wait := initialWait

	for {
		budget := wait
		if !unlimited {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			if budget == 0 || remaining < budget {
				budget = remaining
			}
		}

		chunk, err, ok := c.nextChunk(budget)
		if !ok {
			break // timed out waiting for this chunk
		}
		if err != nil {
			if !gotAny {
				if errors.Is(err, errEOFSentinel) {
					c.eof = true
					return 0, nil
				}
				c.checkError(err)
				return 0, c.err
			}
			// Bytes already landed in dest this call; latch the error/EOF
			// for the next call and report a clean partial read now.
			c.latchedPumpErr = err
			break
		}

		if tailMode {
			shiftIn(dest, &filled, chunk)
		} else {
			room := len(dest) - filled
			take := len(chunk)
			if take > room {
				take = room
			}
			copy(dest[filled:filled+take], chunk[:take])
			filled += take
			if take < len(chunk) {
				c.pending = append(c.pending, chunk[take:]...)
			}
		}

		gotAny = true
		wait = moreWait
		if !tailMode && filled == len(dest) {
			break
		}
	}

	if !gotAny {
		if reportWouldBlock {
			c.checkError(ErrWouldBlock)
			return 0, ErrWouldBlock
		}
		c.err = nil
		return 0, nil
	}
	c.err = nil
	return filled, nil
}

// shiftIn appends chunk to the logical tail window dest[0:*filled],
// growing *filled up to len(dest) and then sliding the window so dest
// always holds the most recently seen len(dest) bytes, mirroring the
// original tail()'s buffer-rotation behavior.
func shiftIn(dest []byte, filled *int, chunk []byte) {
	if len(chunk) >= len(dest) {
		copy(dest, chunk[len(chunk)-len(dest):])
		*filled = len(dest)
		return
	}
	room := len(dest) - *filled
	if len(chunk) <= room {
		copy(dest[*filled:*filled+len(chunk)], chunk)
		*filled += len(chunk)
		return
	}
	shift := len(chunk) - room // how far the existing content must slide left
	copy(dest, dest[shift:*filled])
	*filled -= shift
	copy(dest[*filled:*filled+len(chunk)], chunk)
	*filled += len(chunk)
}

var errEOFSentinel = errors.New("iochan: pump EOF")

// nextChunk returns the next queued chunk (consuming c.pending first),
// waiting up to budget for one to arrive from the pump. ok is false on
// timeout with nothing available.
func (c *Channel) nextChunk(budget time.Duration) (chunk []byte, err error, ok bool) {
	if len(c.pending) > 0 {
		chunk = c.pending
		c.pending = nil
		return chunk, nil, true
	}
	if c.latchedPumpErr != nil {
		err = c.latchedPumpErr
		c.latchedPumpErr = nil
		return nil, err, true
	}
	if c.pumpDone {
		return nil, errEOFSentinel, true
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if budget > 0 {
		timer = time.NewTimer(budget)
		timeoutCh = timer.C
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
	} else {
		closed := make(chan time.Time)
		close(closed)
		timeoutCh = closed
	}

	select {
	case chunk := <-c.chunks:
		return chunk, nil, true
	case perr := <-c.pumpErr:
		c.pumpDone = true
		// The pump always finishes sending a chunk before it sends the
		// error that followed it (same goroutine, sequential sends), but
		// select's case order across two channels is not itself ordered.
		// Re-check chunks once, non-blocking, so a chunk delivered in the
		// same instant as EOF/error is never dropped.
		select {
		case chunk := <-c.chunks:
			if perr != nil {
				c.latchedPumpErr = translatePumpErr(perr)
			} else {
				c.latchedPumpErr = errEOFSentinel
			}
			return chunk, nil, true
		default:
		}
		if perr != nil {
			return nil, translatePumpErr(perr), true
		}
		return nil, errEOFSentinel, true
	case <-timeoutCh:
		return nil, nil, false
	}
}

func translatePumpErr(err error) error {
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
		return errEOFSentinel
	}
	return err
}

// Read reads up to len(dest) bytes, applying three time budgets:
// initialWait bounds the wait for the
// first byte, moreWait bounds idle time after any byte has arrived, and
// maxTime bounds the whole call (negative means unbounded). A would-block
// outcome with zero bytes read is reported as ErrWouldBlock.
func (c *Channel) Read(dest []byte, moreWait, maxTime, initialWait time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fill(dest, moreWait, maxTime, initialWait, true, false)
}

// Tail behaves like Read but keeps reading within the time budgets past
// len(dest), leaving dest holding the most recently read len(dest) bytes
// (or fewer, if less was available). It never reports ErrWouldBlock; zero
// bytes with nothing available simply returns (0, nil).
func (c *Channel) Tail(dest []byte, moreWait, maxTime, initialWait time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fill(dest, moreWait, maxTime, initialWait, false, true)
}

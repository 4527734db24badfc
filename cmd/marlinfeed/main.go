// Command marlinfeed mediates between a G-code source (files, stdin, or a
// watched upload directory) and a Marlin-protocol 3D printer, exposing an
// Octoprint-compatible HTTP API for slicer front-ends. See SPEC_FULL.md for
// the full behavioral contract; this file wires the internal packages
// together the way Tnze-WallDrawingMachine/upper/main.go wires its own.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"marlinfeed/internal/api"
	"marlinfeed/internal/dirscan"
	"marlinfeed/internal/engine"
	"marlinfeed/internal/fifo"
	"marlinfeed/internal/gcodeline"
	"marlinfeed/internal/iochan"
	"marlinfeed/internal/ioecho"
	"marlinfeed/internal/printerstate"
	"marlinfeed/internal/sendwindow"
)

// verboseFlag implements flag.Value so -v/--verbose can be repeated to
// raise the echo verbosity level one step per occurrence.
type verboseFlag int

func (v *verboseFlag) String() string   { return strconv.Itoa(int(*v)) }
func (v *verboseFlag) IsBoolFlag() bool { return true }
func (v *verboseFlag) Set(string) error {
	*v++
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("marlinfeed", flag.ContinueOnError)
	fs.Usage = func() { usage(fs) }

	var verbose verboseFlag
	apiBase := fs.String("api", "", "enable the HTTP listener at this base URL")
	port := fs.Int("port", 8080, "HTTP listener port (overrides --api's embedded port)")
	localOnl := fs.Bool("localhost", false, "restrict the HTTP listener to loopback")
	ioerror := fs.String("ioerror", "", "error escalation policy: next|quit")
	fs.Var(&verbose, "v", "increase echo verbosity (repeatable)")
	fs.Var(&verbose, "verbose", "increase echo verbosity (repeatable)")

	if err := fs.Parse(argv); err != nil {
		return 1
	}

	positional := fs.Args()
	if len(positional) == 0 {
		fs.Usage()
		return 1
	}
	printdev := positional[len(positional)-1]
	infiles := positional[:len(positional)-1]

	policy := *ioerror
	if policy == "" {
		if *apiBase != "" {
			policy = "next"
		} else {
			policy = "quit"
		}
	}

	echo := ioecho.NewStdout(int(verbose))

	var watchDir string
	scanner := dirscan.New()
	sourcePaths := fifo.New[string]()
	for _, f := range infiles {
		if f == "-" {
			sourcePaths.Put("-")
			continue
		}
		if info, err := os.Stat(f); err == nil && info.IsDir() {
			watchDir = f
			scanner.AddDir(f, false)
			continue
		}
		sourcePaths.Put(f)
	}
	if sourcePaths.Empty() && scanner.Empty() && *apiBase == "" {
		sourcePaths.Put("-")
	}
	if *apiBase != "" && watchDir == "" {
		dir, ok := iochan.CreateDirectory(filepath.Join(os.TempDir(), "marlinfeed-upload-??????"), 0o755)
		if !ok {
			echo.Warn("creating upload directory: no free template slot under %s", os.TempDir())
			return 1
		}
		watchDir = dir
		scanner.AddDir(dir, false)
	}

	state := printerstate.New()
	var stateMu sync.Mutex
	ctl := engine.NewControl()
	injectSrc := &fifoSource{q: fifo.New[string]()}

	// background supervises the process's long-lived goroutines (the HTTP
	// listener and the SIGUSR1 pause handler) so either one's unexpected
	// exit is logged rather than silently dropped.
	var background errgroup.Group

	if *apiBase != "" {
		base := *apiBase
		listenPort := *port
		portSet := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "port" {
				portSet = true
			}
		})
		if idx := strings.LastIndex(base, ":"); idx >= 0 && idx > strings.Index(base, "//")+1 {
			if p, err := strconv.Atoi(base[idx+1:]); err == nil {
				if !portSet {
					listenPort = p
				}
				base = base[:idx]
			}
		}
		host := ""
		if *localOnl {
			host = "127.0.0.1"
		}
		srv := api.New(base, watchDir, api.SnapshotState(&stateMu, state), ctl, injectSrc, 16)
		addr := net.JoinHostPort(host, strconv.Itoa(listenPort))
		background.Go(func() error {
			echo.Info("HTTP API listening on %s", addr)
			return http.ListenAndServe(addr, srv.Handler())
		})
	}

	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, syscall.SIGUSR1)
	background.Go(func() error {
		for range sigusr1 {
			ctl.TogglePause()
		}
		return nil
	})

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigterm
		stateMu.Lock()
		ready := state.ReadyForShutdown(true)
		stateMu.Unlock()
		if ready {
			echo.Info("%v received, hotend is cool, exiting", sig)
		} else {
			echo.Warn("%v received, exiting without waiting for hotend to cool", sig)
		}
		os.Exit(0)
	}()

	go func() {
		if err := background.Wait(); err != nil {
			echo.Warn("background goroutine exited: %v", err)
		}
	}()

	printer := iochan.New(printdev, -1)
	printer.Action("opening printer device")

	exitCode := 0
	for {
		path, ok := nextSource(sourcePaths, scanner)
		if !ok {
			break
		}

		result := runJob(path, printer, state, &stateMu, echo, ctl, injectSrc)
		switch result.Class {
		case engine.ClassSourceError:
			echo.Warn("source error: %s", result.Reason)
		case engine.ClassPrinterHard:
			echo.Warn("hard printer error: %s", result.Reason)
			time.Sleep(engine.HardReconnectSleep)
		case engine.ClassPrinterSoft:
			echo.Warn("printer error: %s", result.Reason)
		case engine.ClassUserAbort:
			echo.Info("job cancelled")
		case engine.ClassNone:
			result.Stats.Log(echo)
		}

		if result.Class != engine.ClassNone && result.Class != engine.ClassSourceError && result.Class != engine.ClassUserAbort && policy == "quit" {
			exitCode = 1
			break
		}
	}

	return exitCode
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: marlinfeed [options] [<infile>...] <printdev>\n\n")
	fmt.Fprintf(os.Stderr, "infile may be '-' for stdin or a directory to watch for uploads;\n")
	fmt.Fprintf(os.Stderr, "if omitted, marlinfeed reads stdin unless --api is set.\n\n")
	fs.PrintDefaults()
}

// fifoSource adapts a fifo.FIFO[string] of newline-joined command batches
// into both api.Injector (the write side the HTTP worker calls) and
// engine.Source (the read side the event loop pulls from), backed by an
// in-process queue rather than a real pipe fd since both ends live in the
// same process.
type fifoSource struct {
	mu      sync.Mutex
	q       *fifo.FIFO[string]
	pending []string
}

func (f *fifoSource) Inject(commands []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range commands {
		f.q.Put(c)
	}
}

func (f *fifoSource) HasNext() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) > 0 || !f.q.Empty()
}

func (f *fifoSource) Next() *gcodeline.Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) == 0 {
		line, ok := f.q.Get()
		if !ok {
			return nil
		}
		f.pending = strings.Split(line, "\n")
	}
	cmd := f.pending[0]
	f.pending = f.pending[1:]
	return gcodeline.NewLine(cmd)
}

func (f *fifoSource) EstimatedPrintTime() int { return 0 }

// HasError/Error always report clean: the injection queue is in-process and
// cannot fail the way a real byte source can.
func (f *fifoSource) HasError() bool { return false }
func (f *fifoSource) Error() string  { return "" }

// nextSource pulls the next infile path, draining explicitly queued sources
// first and falling back to the directory scanner, polling it until a ripe
// file appears or there is nothing left to ever watch.
func nextSource(paths *fifo.FIFO[string], scanner *dirscan.Scanner) (string, bool) {
	if p, ok := paths.Get(); ok {
		return p, true
	}
	for !scanner.Empty() {
		out := fifo.New[string]()
		scanner.Refill(out)
		if p, ok := out.Get(); ok {
			for more, ok := out.Get(); ok; more, ok = out.Get() {
				paths.Put(more)
			}
			return p, true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return "", false
}

// reconnectPrinter closes and reopens the printer connection, the hard-path
// half of the reconnect logic in spec.md §4.H: closes whatever is there,
// clears any sticky error, then reopens by the connection's own kind (unix
// socket vs TTY). failed reports whether the reopen still left an error.
func reconnectPrinter(printer *iochan.Channel) (reason string, failed bool) {
	printer.Close()
	printer.ClearError()
	if printer.IsSocket() {
		printer.Connect()
	} else {
		printer.Open(-1)
		printer.SetupTTY(115200)
	}
	if printer.HasError() {
		return printer.Error(), true
	}
	return "", false
}

// runJob streams one infile to the printer: opens the source, reconnects
// and re-handshakes the printer if the previous job left it closed or
// erroring, then runs the event loop to completion.
func runJob(path string, printer *iochan.Channel, state *printerstate.State, stateMu *sync.Mutex, echo *ioecho.Loggers, ctl *engine.Control, injectSrc *fifoSource) engine.StreamResult {
	stateMu.Lock()
	state.SetPrintName(path)
	stateMu.Unlock()

	var ch *iochan.Channel
	var fileSize int64
	if path == "-" {
		ch = iochan.New("-", int(os.Stdin.Fd()))
	} else {
		ch = iochan.New(path, -1)
		ch.Action("opening G-code file")
		if info, err := os.Stat(path); err == nil {
			fileSize = info.Size()
		}
		if !ch.Open(-1) {
			return engine.StreamResult{Class: engine.ClassSourceError, Reason: ch.Error()}
		}
	}
	defer ch.Close()

	stateMu.Lock()
	state.SetPrintSize(fileSize)
	stateMu.Unlock()

	hard := printer.IsClosed() || printer.HasError() || printer.EndOfFile()
	if hard {
		if reason, failed := reconnectPrinter(printer); failed {
			return engine.StreamResult{Class: engine.ClassPrinterHard, Reason: reason}
		}
	}

	// spec.md §4.H: a handshake failure on the soft path, or one that merely
	// exhausted its attempts without ever seeing an I/O error, gets exactly
	// one hard-reconnect retry before being reported. A failure already on
	// the hard path is terminal and costs HardReconnectSleep.
	outcome, reason := engine.Handshake(printer, hard)
	if outcome == engine.HandshakeRetryHard {
		if reason, failed := reconnectPrinter(printer); failed {
			return engine.StreamResult{Class: engine.ClassPrinterHard, Reason: reason}
		}
		hard = true
		outcome, reason = engine.Handshake(printer, true)
	}
	if outcome != engine.HandshakeOK {
		time.Sleep(engine.HardReconnectSleep)
		return engine.StreamResult{Class: engine.ClassPrinterHard, Reason: reason}
	}
	if hard {
		printer.WriteAll([]byte(engine.ResetSDGCode))
	}

	src := iochan.NewSource(ch, 0, 50*time.Millisecond, 0)
	reader := gcodeline.NewReader(src)

	window := sendwindow.New(128)
	driver := engine.NewDriver(window, state, echo)

	replySrc := iochan.NewSource(printer, 0, 50*time.Millisecond, 0)
	replyReader := gcodeline.NewReader(replySrc)
	replyReader.WhitespaceCompression(1)

	write := func(line string) bool {
		rest, ok := printer.WriteAll([]byte(line))
		return ok && len(rest) == 0
	}

	return engine.Stream(printer, driver, replyReader, reader, injectSrc, ctl, write)
}

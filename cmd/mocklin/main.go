// Command mocklin is a small Marlin printer simulator: it listens on a
// Unix domain socket and speaks just enough of the Marlin serial protocol
// (line numbers, checksums, ok/Resend/Error replies, M105 temperature
// reports) to exercise marlinfeed's engine package without real hardware.
// Ported from the original implementation's mocklin.cpp.
package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"marlinfeed/internal/gcodeline"
	"marlinfeed/internal/iochan"
)

const (
	msgErrorMagic        = "Error:"
	msgEchoMagic         = "echo:"
	msgOK                = "ok"
	msgResend            = "Resend: "
	msgErrLineNo         = "Line Number is not Last Line Number+1, Last Line: "
	msgErrChecksumBad    = "checksum mismatch, Last Line: "
	msgErrNoChecksum     = "No Checksum with line number, Last Line: "
	msgUnknownCommand    = "Unknown command: \""
)

const welcomeText = "start\n" +
	"echo: External Reset\n" +
	"Marlin \n" +
	"echo: Last Updated: 2015-12-01 12:00 | Author: (none, default config)\n" +
	"Compiled: Sep  4 2017\n" +
	"echo: Free Memory: 1454  PlannerBufferBytes: 1232\n" +
	"echo:Hardcoded Default Settings Loaded\n"

const welcomeText2 = "echo:SD card ok\n" +
	"Init power off infomation.\n" +
	"size: \n" +
	"591\n"

// printerModel is the mutable simulated machine state, one per connection.
type printerModel struct {
	x, y, z, f    float64
	bed           float64
	bedTarget     float64
	nozzle        float64
	nozzleTarget  float64
	relative      bool
}

func newPrinterModel() *printerModel {
	return &printerModel{bed: 20.1, bedTarget: 21.2, nozzle: 22.3, nozzleTarget: 23.4}
}

func (p *printerModel) reportPosition() string {
	return fmt.Sprintf("X %5.1f  Y %5.1f  Z %5.1f\n", p.x, p.y, p.z)
}

func (p *printerModel) reportTemperatures() string {
	return fmt.Sprintf("ok T:%.1f /%.1f B:%.1f /%.1f T0:%.1f /%.1f @:0 B@:0\n",
		p.nozzle, p.nozzleTarget, p.bed, p.bedTarget, p.nozzle, p.nozzleTarget)
}

// planMove computes how long a linear move would take at feed (mm/min,
// clamped to a 1mm/s floor) and blocks the caller for that long, mirroring
// plan_move+sync_planner's behavior collapsed into one synchronous call
// since mocklin's simulator does not need a separate planner queue for its
// purpose here (exercising the engine's reply handling, not real motion
// timing fidelity).
func (p *printerModel) planMove(x, y, z, feed float64) {
	if feed < 60 {
		feed = 60
	}
	dx, dy, dz := x-p.x, y-p.y, z-p.z
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
	minutes := dist / feed
	wait := time.Duration(minutes * 60 * float64(time.Second))
	p.x, p.y, p.z = x, y, z
	if wait > 0 {
		time.Sleep(wait)
	}
}

type options struct {
	resendWhen, resendWhat int64
	haveResend             bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var opts options
	var sockPath string
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		switch {
		case a == "--help" || a == "-h":
			usage()
			return 0
		case strings.HasPrefix(a, "--resend="):
			parts := strings.SplitN(strings.TrimPrefix(a, "--resend="), ",", 2)
			if len(parts) == 2 {
				w, err1 := strconv.ParseInt(parts[0], 10, 64)
				wh, err2 := strconv.ParseInt(parts[1], 10, 64)
				if err1 == nil && err2 == nil {
					opts.resendWhen, opts.resendWhat, opts.haveResend = w, wh, true
				}
			}
		default:
			sockPath = a
		}
	}
	if sockPath == "" {
		usage()
		return 1
	}

	sock := iochan.New(sockPath, -1)
	sock.Action("listening on socket")
	sock.Unlink()
	sock.ClearError()
	if !sock.Listen(4) {
		fmt.Fprintln(os.Stderr, sock.Error())
		return 1
	}

	sock.Action("accepting connections")
	for {
		peer, ok := sock.Accept()
		if !ok {
			fmt.Fprintln(os.Stderr, sock.Error())
			return 1
		}
		go handleConnection(peer, opts)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mocklin [--resend=<when>,<what>] <printdev>")
	fmt.Fprintln(os.Stderr, "printdev must be a path that does not exist or refers to a socket;")
	fmt.Fprintln(os.Stderr, "it is replaced by a new socket mocklin listens on.")
}

// connState is the per-connection line-number/resend bookkeeping, split out
// from printerModel since it belongs to the protocol layer, not the
// simulated machine.
type connState struct {
	lastN        int64
	resendToggle bool
}

func handleConnection(peer *iochan.Channel, opts options) {
	fmt.Println("New connection")
	defer peer.Close()

	src := iochan.NewSource(peer, 0, 50*time.Millisecond, 0)
	reader := gcodeline.NewReader(src)
	reader.WhitespaceCompression(0) // don't mess up checksums

	time.Sleep(1 * time.Second)
	if _, ok := peer.WriteAll([]byte(welcomeText)); !ok {
		return
	}
	time.Sleep(1 * time.Second)
	if _, ok := peer.WriteAll([]byte(welcomeText2)); !ok {
		return
	}

	model := newPrinterModel()
	state := &connState{resendToggle: true}

	for {
		for reader.HasNext() {
			line := reader.Next()
			raw := line.String()
			fmt.Print(raw)

			if !strings.HasPrefix(raw, "N") {
				processCommand(peer, model, line)
				continue
			}

			if abort := handleNumberedLine(peer, reader, state, opts, line, raw); abort {
				continue
			}
			processCommand(peer, model, line)
		}

		if peer.HasError() || peer.EndOfFile() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if peer.HasError() {
		fmt.Fprintln(os.Stderr, peer.Error())
	} else {
		fmt.Println("Connection closed")
	}
}

// handleNumberedLine validates the N<n> prefix and trailing *<checksum>,
// replies with the appropriate Error:/Resend: sequence on failure, and
// slices line down to the bare command on success. Returns true if the
// line was rejected (caller must not process it as a command).
func handleNumberedLine(peer *iochan.Channel, reader *gcodeline.Reader, state *connState, opts options, line *gcodeline.Line, raw string) bool {
	isM110 := strings.Contains(raw, "M110")

	nStart := 1
	if isM110 {
		if idx := strings.IndexByte(raw[4:], 'N'); idx >= 0 {
			nStart = 4 + idx + 1
		}
	}

	rest := gcodeline.NewLine(raw[nStart:])
	n, valid := rest.Number(10)
	cmdStart := nStart + valid

	if n != state.lastN+1 && !isM110 {
		sendError(peer, reader, msgErrLineNo, state.lastN)
		return true
	}

	if opts.haveResend && n == opts.resendWhen {
		state.resendToggle = !state.resendToggle
		if !state.resendToggle {
			sendResendTriggered(peer, reader, opts.resendWhen, opts.resendWhat)
			state.lastN = opts.resendWhat - 1
			return true
		}
	}

	starAt := strings.LastIndexByte(raw, '*')
	if starAt < 0 {
		sendError(peer, reader, msgErrNoChecksum, state.lastN)
		return true
	}
	var checksum byte
	for i := 0; i < starAt; i++ {
		checksum ^= raw[i]
	}
	given, err := strconv.ParseInt(strings.TrimSpace(raw[starAt+1:]), 10, 64)
	if err != nil || byte(given) != checksum {
		sendError(peer, reader, msgErrChecksumBad, state.lastN)
		return true
	}

	state.lastN = n
	line.Slice(cmdStart, starAt)
	return false
}

func sendError(peer *iochan.Channel, reader *gcodeline.Reader, reason string, lastN int64) {
	msg := fmt.Sprintf("%s%s%d\n", msgErrorMagic, reason, lastN)
	peer.WriteAll([]byte(msg))
	fmt.Print(msg)
	flushAndRequestResend(peer, reader, lastN)
}

func sendResendTriggered(peer *iochan.Channel, reader *gcodeline.Reader, when, what int64) {
	msg := fmt.Sprintf("%sResend request triggered by line: %d\n", msgErrorMagic, when)
	peer.WriteAll([]byte(msg))
	fmt.Print(msg)
	flushAndRequestResend(peer, reader, what-1)
}

func flushAndRequestResend(peer *iochan.Channel, reader *gcodeline.Reader, lastN int64) {
	reader.Discard()
	buf := make([]byte, 1024)
	peer.Tail(buf, 0, 0, 0)
	msg := fmt.Sprintf("%s%d\nok\n", msgResend, lastN+1)
	peer.WriteAll([]byte(msg))
	fmt.Print(msg)
}

// processCommand interprets one already-validated command line against the
// simulated machine, a direct translation of process_next_command's switch.
func processCommand(peer *iochan.Channel, model *printerModel, line *gcodeline.Line) {
	raw := line.String()
	sendOK := true

	switch gcodeCommand(raw) {
	case "G0", "G1":
		x := model.reportedGetDouble(line, "X", model.x)
		y := model.reportedGetDouble(line, "Y", model.y)
		z := model.reportedGetDouble(line, "Z", model.z)
		model.f = line.GetDouble("F", model.f, false)
		model.planMove(x, y, z, model.f)
	case "G28":
		model.planMove(0, 0, 0, 1500)
	case "G90":
		model.relative = false
	case "G91":
		model.relative = true
	case "G92":
		model.x = line.GetDouble("X", model.x, false)
		model.y = line.GetDouble("Y", model.y, false)
		model.z = line.GetDouble("Z", model.z, false)
	case "M105":
		sendOK = false
		reply := model.reportTemperatures()
		peer.WriteAll([]byte(reply))
		fmt.Print(reply)
	case "M82", "M18", "M84", "M104", "M106", "M107", "M108", "M109", "M110",
		"M115", "M117", "M140", "M190", "M201", "M203", "M204", "M205", "M209",
		"M220", "M221":
		// accepted, no simulated effect
	default:
		msg := fmt.Sprintf("%s%s%s\"\n", msgEchoMagic, msgUnknownCommand, raw)
		peer.WriteAll([]byte(msg))
		fmt.Print(msg)
	}

	if sendOK {
		peer.WriteAll([]byte(msgOK + "\n"))
		fmt.Println(msgOK)
	}
}

// reportedGetDouble applies relative-mode accumulation the way
// gcode::Line::getDouble(id, base, relative) does in the original.
func (p *printerModel) reportedGetDouble(line *gcodeline.Line, id string, base float64) float64 {
	return line.GetDouble(id, base, p.relative)
}

// gcodeCommand extracts the leading "G0"/"M105"/"T0"-style token used to
// dispatch processCommand, mirroring the original's G/M/T*0x10000 encoding
// collapsed into a plain string switch.
func gcodeCommand(raw string) string {
	if len(raw) < 2 {
		return ""
	}
	letter := raw[0]
	if letter != 'G' && letter != 'M' && letter != 'T' {
		return ""
	}
	i := 1
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i == 1 {
		return ""
	}
	return raw[:i]
}

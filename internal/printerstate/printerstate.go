// Package printerstate tracks the derived status of the attached printer:
// tool/bed temperatures, the current job's progress, and the Octoprint-shaped
// JSON views the HTTP API serves. Ported from the PrinterState class in the
// original marlinfeed.cpp.
package printerstate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the printer's coarse-grained state.
type Status int

const (
	Disconnected Status = iota // not currently sync'ed with the printer
	Printing                   // commands are flowing from an infile to the printer
	Idle                       // sync'ed with the printer but no active infile
	Stalled                    // commands are waiting because the send window has been full for a while
	Paused                     // paused by the user
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Printing:
		return "Printing"
	case Idle:
		return "Idle"
	case Stalled:
		return "Stalled"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// temp is a reported {actual, target} pair for one heater.
type temp struct {
	actual, target float64
}

// State is the printer's full derived state. Not safe for concurrent use —
// the engine owns it and the API worker reads a snapshot under its own lock.
type State struct {
	Status Status

	tool [2]temp
	bed  temp

	startTime      int64 // ms, monotonic clock
	endTime        int64 // ms, monotonic clock; estimated completion
	pauseStartTime int64 // ms, monotonic clock; 0 when not paused
	pausedAccum    int64 // ms accumulated across all pauses of this job

	printName    string
	printSize    int64
	printedBytes int64
}

// New returns a freshly Disconnected state with no active job.
func New() *State {
	s := &State{printName: "None"}
	return s
}

// nowMillis is the monotonic millisecond clock PrinterState's transitions
// run on. A var so tests can stub it.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// clearJob resets all fields describing the current/last job.
func (s *State) clearJob() {
	s.startTime = 0
	s.endTime = 0
	s.pauseStartTime = 0
	s.pausedAccum = 0
	s.printName = "None"
	s.printSize = 0
	s.printedBytes = 0
}

// SetStatus applies the status transition rule: leaving
// the "active" statuses (Printing/Stalled/Paused) clears the job, entering
// Printing from a non-active status starts the clock, and pause spans
// accumulate into pausedAccum as they close.
func (s *State) SetStatus(next Status) {
	if next != Printing && next != Stalled && next != Paused {
		s.clearJob()
	}
	if next == Printing && s.Status != Printing && s.Status != Stalled && s.Status != Paused {
		s.startTime = nowMillis()
	}
	if next == Paused && s.Status != Paused {
		s.pauseStartTime = nowMillis()
	}
	if s.Status == Paused && next != Paused {
		s.pausedAccum += nowMillis() - s.pauseStartTime
		s.pauseStartTime = 0
	}
	s.Status = next
}

// SetPrintName records the path of the file currently being printed.
func (s *State) SetPrintName(name string) { s.printName = name }

// SetPrintSize records the total byte size of the current print's source.
func (s *State) SetPrintSize(n int64) { s.printSize = n }

// SetPrintedBytes records how many bytes of the source have been consumed.
func (s *State) SetPrintedBytes(n int64) { s.printedBytes = n }

// SetEstimatedPrintTime sets endTime to startTime plus the given duration,
// if positive. Ignored before startTime is set (e.g. seconds<=0, or no job).
func (s *State) SetEstimatedPrintTime(d time.Duration) {
	if d > 0 && s.startTime > 0 {
		s.endTime = s.startTime + d.Milliseconds()
	}
}

// ParseTemperatureReport updates tool/bed temperatures from a line of
// Marlin's M105/M109/M190 temperature report, e.g.
// "ok T:25.9 /0.0 B:50.0 /50.0 T0:25.9 /0.0 @:0 B@:0". Recognizes T:, T0:,
// T1:, and B: followed by a number, optionally followed by "/" and a target.
// Unknown keys are skipped by advancing to the next ':'.
func (s *State) ParseTemperatureReport(line string) {
	p := line
	var component *temp
	idx := 0 // 0 = actual, 1 = target

	for len(p) > 0 {
		switch {
		case strings.HasPrefix(p, "T:"):
			p = p[2:]
			component = &s.tool[0]
			idx = 0
		case strings.HasPrefix(p, "T0:"):
			p = p[3:]
			component = &s.tool[0]
			idx = 0
		case strings.HasPrefix(p, "T1:"):
			p = p[3:]
			component = &s.tool[1]
			idx = 0
		case strings.HasPrefix(p, "B:"):
			p = p[2:]
			component = &s.bed
			idx = 0
		case p[0] == '/':
			idx = 1
			p = p[1:]
		default:
			colon := strings.IndexByte(p, ':')
			if colon < 0 {
				return
			}
			p = p[colon+1:]
			component = nil
		}

		n, rest := leadingNumber(p)
		p = rest
		for len(p) > 0 && p[0] == ' ' {
			p = p[1:]
		}
		if component != nil && n != nil {
			if idx == 0 {
				component.actual = *n
			} else {
				component.target = *n
			}
		}
	}
}

// leadingNumber parses the floating-point number at the start of p, if any,
// returning it along with the remainder of the string past it.
func leadingNumber(p string) (*float64, string) {
	end := 0
	for end < len(p) && (p[end] == '+' || p[end] == '-' || p[end] == '.' || (p[end] >= '0' && p[end] <= '9')) {
		end++
	}
	if end == 0 {
		return nil, p
	}
	v, err := strconv.ParseFloat(p[:end], 64)
	if err != nil {
		return nil, p[end:]
	}
	return &v, p[end:]
}

// ReadyForShutdown reports whether the hotend is cool enough that turning
// off its fan won't let heat creep upward and jam the hotend. shutdown
// must be true for the caller to even be considering shutdown.
func (s *State) ReadyForShutdown(shutdown bool) bool {
	return shutdown && s.tool[0].actual > 0.0 && s.tool[0].actual < 100.0
}

// elapsedMillis is the job's running time so far, excluding paused spans.
func (s *State) elapsedMillis() int64 {
	if s.startTime == 0 {
		return 0
	}
	var d int64
	if s.pauseStartTime > 0 {
		d = s.pauseStartTime - s.startTime
	} else {
		d = nowMillis() - s.startTime
	}
	return d - s.pausedAccum
}

// completion is the job's progress in percent, 0-100.
func (s *State) completion() float64 {
	if s.startTime > 0 && s.endTime > s.startTime {
		return 100.0 * float64(s.elapsedMillis()) / float64(s.endTime-s.startTime)
	}
	if s.printSize > 0 {
		return 100.0 * float64(s.printedBytes) / float64(s.printSize)
	}
	return 0
}

func (s *State) jobStateText() string {
	switch s.Status {
	case Printing, Stalled:
		return "Printing"
	case Paused:
		return "Paused"
	default:
		return "Operational"
	}
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// JobJSON renders the Octoprint /api/job response body.
func (s *State) JobJSON() string {
	deltaSeconds := float64(s.elapsedMillis()) / 1000.0
	return fmt.Sprintf(
		"{\r\n"+
			"  \"state\": %q,\r\n"+
			"  \"job\": {\r\n"+
			"    \"file\": {\r\n"+
			"      \"name\": %q\r\n"+
			"    }\r\n"+
			"  },\r\n"+
			"  \"progress\": {\r\n"+
			"      \"printTime\": %f,\r\n"+
			"      \"printTimeLeft\": null,\r\n"+
			"      \"completion\": %f\r\n"+
			"  }\r\n"+
			"}\r\n",
		s.jobStateText(), baseName(s.printName), deltaSeconds, s.completion())
}

func (s *State) statusText() string {
	switch s.Status {
	case Printing:
		return "Printing"
	case Stalled:
		return "Stalled"
	case Paused:
		return "Paused"
	default:
		return "Operational"
	}
}

// ToJSON renders the Octoprint /api/printer response body.
func (s *State) ToJSON() string {
	printing := s.Status == Printing || s.Status == Stalled
	return fmt.Sprintf(
		"{\r\n"+
			"  \"sd\": {\r\n"+
			"    \"ready\": false\r\n"+
			"  },\r\n"+
			"  \"state\": {\r\n"+
			"    \"text\": %q,\r\n"+
			"    \"flags\": {\r\n"+
			"      \"operational\": true,\r\n"+
			"      \"paused\": %t,\r\n"+
			"      \"printing\": %t,\r\n"+
			"      \"cancelling\": false,\r\n"+
			"      \"pausing\": false,\r\n"+
			"      \"sdReady\": false,\r\n"+
			"      \"error\": false,\r\n"+
			"      \"ready\": true,\r\n"+
			"      \"closedOrError\": false\r\n"+
			"    }\r\n"+
			"  },\r\n"+
			"  \"temperature\": {\r\n"+
			"    \"tool0\": {\r\n"+
			"      \"actual\": %.1f,\r\n"+
			"      \"target\": %.1f,\r\n"+
			"      \"offset\": 0\r\n"+
			"    },\r\n"+
			"    \"tool1\": {\r\n"+
			"      \"actual\": %.1f,\r\n"+
			"      \"target\": %.1f,\r\n"+
			"      \"offset\": 0\r\n"+
			"    },\r\n"+
			"    \"bed\": {\r\n"+
			"      \"actual\": %.1f,\r\n"+
			"      \"target\": %.1f,\r\n"+
			"      \"offset\": 0\r\n"+
			"    }\r\n"+
			"  }\r\n"+
			"}\r\n",
		s.statusText(), s.Status == Paused, printing,
		s.tool[0].actual, s.tool[0].target,
		s.tool[1].actual, s.tool[1].target,
		s.bed.actual, s.bed.target)
}

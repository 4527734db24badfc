package engine

import (
	"testing"
	"time"

	"marlinfeed/internal/ioecho"
	"marlinfeed/internal/printerstate"
	"marlinfeed/internal/sendwindow"
)

func newTestDriver() *Driver {
	w := sendwindow.New(128)
	st := printerstate.New()
	echo := ioecho.New(discardWriter{}, 4)
	return NewDriver(w, st, echo)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleReplyOkAcksWindow(t *testing.T) {
	d := newTestDriver()
	d.Window.Append("G28")
	d.Window.Next()

	out := d.HandleReply("ok", time.Now())
	if out.Abort {
		t.Fatalf("unexpected abort: %+v", out)
	}
	if d.Window.NeedsAck() {
		t.Fatal("expected ok to ack the outstanding line")
	}
}

func TestHandleReplyUnsolicitedOkWarnsButDoesNotAbort(t *testing.T) {
	d := newTestDriver()
	out := d.HandleReply("ok", time.Now())
	if out.Abort {
		t.Fatalf("unexpected abort on unsolicited ok: %+v", out)
	}
}

func TestHandleReplyResendSeeksWindow(t *testing.T) {
	d := newTestDriver()
	d.Window.Append("G28")
	d.Window.Append("G1 X10")
	d.Window.Next()
	d.Window.Next()

	out := d.HandleReply("Resend: 0", time.Now())
	if out.Abort {
		t.Fatalf("unexpected abort: %+v", out)
	}
	if !d.Window.HasNext() {
		t.Fatal("expected Seek to make line 0 available again")
	}
	if d.ResendCount() != 1 {
		t.Fatalf("resendCount = %d, want 1", d.ResendCount())
	}
}

func TestHandleReplyIllegalResendAborts(t *testing.T) {
	d := newTestDriver()
	out := d.HandleReply("Resend: 50", time.Now())
	if !out.Abort || out.Class != ClassPrinterSoft {
		t.Fatalf("out = %+v, want abort with ClassPrinterSoft", out)
	}
}

func TestHandleReplyPersistentErrorAborts(t *testing.T) {
	d := newTestDriver()
	base := time.Now()
	d.HandleReply("Error: thermal runaway", base)
	out := d.HandleReply("Error: thermal runaway", base.Add(6*time.Second))
	if !out.Abort || out.Reason != "Persistent error state on printer => abort current job" {
		t.Fatalf("out = %+v, want persistent-error abort", out)
	}
}

func TestHandleReplyTemperatureReportUpdatesState(t *testing.T) {
	d := newTestDriver()
	d.HandleReply("ok T:25.9 /0.0 B:50.0 /50.0", time.Now())
	if !contains(d.State.ToJSON(), `"actual": 25.9`) {
		t.Fatalf("ToJSON() = %s, want tool0 actual 25.9", d.State.ToJSON())
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestSilenceExceededTracksAckOutstanding(t *testing.T) {
	d := newTestDriver()
	base := time.Now()
	if d.SilenceExceeded(base) {
		t.Fatal("expected no silence violation with nothing outstanding")
	}
	d.Window.Append("G28")
	d.Window.Next()
	if d.SilenceExceeded(base) {
		t.Fatal("expected no violation immediately after an ack becomes outstanding")
	}
	if !d.SilenceExceeded(base.Add(121 * time.Second)) {
		t.Fatal("expected silence violation after MaxTimeSilence elapses")
	}
}

func TestPushToWindowAppendsPulledLine(t *testing.T) {
	d := newTestDriver()
	calls := 0
	pull := func() (string, int, bool) {
		calls++
		if calls > 1 {
			return "", 0, false
		}
		return "G28", 0, true
	}
	var held string
	d.PushToWindow(&held, 0, pull)
	if !d.Window.HasNext() {
		t.Fatal("expected the pulled line to be appended")
	}
}

func TestFlushToPrinterStopsOnWriteFailure(t *testing.T) {
	d := newTestDriver()
	d.Window.Append("G28")
	d.Window.Append("G1 X1")
	writes := 0
	ok := d.FlushToPrinter(func(string) bool {
		writes++
		return writes < 1 // fail on the very first write
	})
	if ok {
		t.Fatal("expected FlushToPrinter to report failure")
	}
	if writes != 1 {
		t.Fatalf("writes = %d, want exactly 1 (stopped on first failure)", writes)
	}
}

func TestUpdateStatusPausedTakesPriority(t *testing.T) {
	d := newTestDriver()
	d.State.SetStatus(printerstate.Printing)
	d.UpdateStatus(true, false, time.Now())
	if d.State.Status != printerstate.Paused {
		t.Fatalf("Status = %v, want Paused", d.State.Status)
	}
}

package sendwindow

import "testing"

func TestAppendProducesLineNumberAndChecksum(t *testing.T) {
	w := New(128)
	w.Append("G28")
	line := w.Next()
	if line != "N0G28*51\n" {
		t.Fatalf("got %q, want %q", line, "N0G28*51\n")
	}
}

func TestAppendStripsCommentAndWhitespace(t *testing.T) {
	w := New(128)
	w.Append("   G28 ; home all axes\n")
	line := w.Next()
	if line != "N0G28*51\n" {
		t.Fatalf("got %q, want %q", line, "N0G28*51\n")
	}
}

func TestAppendEmptyAfterStripIsNoOp(t *testing.T) {
	w := New(128)
	w.Append("   ; just a comment\n")
	if w.HasNext() {
		t.Fatalf("expected no queued line for a comment-only append")
	}
}

func TestMaxAppendLenAccountsForHeaderAndTrailer(t *testing.T) {
	w := New(128)
	// empty line 0: Nx(2) + *chk(4) + \n(1) = 7 bytes of overhead.
	if got, want := w.MaxAppendLen(), 128-2-4-1; got != want {
		t.Fatalf("MaxAppendLen() = %d, want %d", got, want)
	}
}

func TestMaxAppendLenShrinksAsBufferFills(t *testing.T) {
	w := New(128)
	before := w.MaxAppendLen()
	w.Append("G28")
	after := w.MaxAppendLen()
	if after >= before {
		t.Fatalf("MaxAppendLen did not shrink: before=%d after=%d", before, after)
	}
}

func TestMaxAppendLenZeroWhenAllNinetyEightSlotsFull(t *testing.T) {
	w := New(1 << 20) // byte budget large enough to never be the limiting factor
	for i := 0; i < 98; i++ {
		if w.MaxAppendLen() <= 0 {
			t.Fatalf("slot %d: MaxAppendLen() unexpectedly non-positive before full", i)
		}
		w.Append("G1 X1")
	}
	if got := w.MaxAppendLen(); got != 0 {
		t.Errorf("MaxAppendLen() = %d, want 0 once 98 slots are queued", got)
	}
}

func TestHasNextAndNextDrainInOrder(t *testing.T) {
	w := New(128)
	w.Append("G28")
	w.Append("G1 X1")
	if !w.HasNext() {
		t.Fatal("expected a line queued")
	}
	first := w.Next()
	second := w.Next()
	if w.HasNext() {
		t.Fatal("expected queue drained after two Next calls")
	}
	if first[:2] != "N0" || second[:2] != "N1" {
		t.Errorf("unexpected line numbers: %q, %q", first, second)
	}
}

func TestAckRequiresPriorNext(t *testing.T) {
	w := New(128)
	w.Append("G28")
	if w.Ack() {
		t.Fatal("Ack should fail before the line was sent via Next")
	}
	w.Next()
	if !w.Ack() {
		t.Fatal("Ack should succeed after Next")
	}
	if w.Ack() {
		t.Fatal("second Ack with nothing outstanding should fail")
	}
}

func TestNeedsAckTracksOutstandingLines(t *testing.T) {
	w := New(128)
	w.Append("G28")
	if w.NeedsAck() {
		t.Fatal("nothing sent yet, should not need ack")
	}
	w.Next()
	if !w.NeedsAck() {
		t.Fatal("line sent but not ack'd, should need ack")
	}
	w.Ack()
	if w.NeedsAck() {
		t.Fatal("line ack'd, should no longer need ack")
	}
}

func TestSeekRewindsToUnackedLine(t *testing.T) {
	w := New(128)
	w.Append("G28")
	w.Append("G1 X1")
	w.Append("G1 X2")
	w.Next()
	w.Next()
	w.Next() // all three sent, none ack'd
	if !w.Seek(1) {
		t.Fatal("expected seek to line 1 (sent, unack'd) to succeed")
	}
	if got := w.Next(); got[:2] != "N1" {
		t.Errorf("after seek(1), Next() = %q, want line N1...", got)
	}
}

func TestSeekRejectsAckedLine(t *testing.T) {
	w := New(128)
	w.Append("G28")
	w.Append("G1 X1")
	w.Next()
	w.Ack()
	w.Next()
	if w.Seek(0) {
		t.Fatal("seek to an already-ack'd line must fail")
	}
}

func TestSeekRejectsOutOfRangeLine(t *testing.T) {
	w := New(128)
	w.Append("G28")
	if w.Seek(50) {
		t.Fatal("seek to a line never appended must fail")
	}
}

func TestSeekFailsOnEmptyBuffer(t *testing.T) {
	w := New(128)
	if w.Seek(0) {
		t.Fatal("seek on an empty window must fail")
	}
}

func TestWraparoundAutoAppendsAfterSlotNinetyEight(t *testing.T) {
	w := New(1 << 20)
	// Fill all 98 usable slots (0..97); the input cursor now sits at 98 and
	// MaxAppendLen reports 0 since nothing has been ack'd to free a slot.
	for i := 0; i < 98; i++ {
		w.Append("G1 X1")
	}
	if got := w.MaxAppendLen(); got != 0 {
		t.Fatalf("MaxAppendLen() = %d, want 0 with all 98 slots queued", got)
	}

	// Drain and ack the oldest line, freeing slot 0 and allowing one more
	// append — which writes to slot 98 and triggers the automatic M110
	// wraparound line at slot 99, rolling the input cursor back to 0.
	w.Next()
	if !w.Ack() {
		t.Fatal("expected first Ack to succeed")
	}
	if w.MaxAppendLen() <= 0 {
		t.Fatal("expected room for one more append after freeing a slot")
	}
	w.Append("G1 X1")

	// The 97 lines in slots 1-97 (queued but never sent), plus the one
	// just appended to slot 98, plus the auto-appended wraparound: 99
	// lines still queued for transmission.
	count := 0
	for w.HasNext() {
		w.Next()
		count++
	}
	if count != 99 {
		t.Fatalf("got %d queued lines after wraparound, want 99", count)
	}
}

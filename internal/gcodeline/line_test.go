package gcodeline

import "testing"

func TestLineDataRoundTrip(t *testing.T) {
	for _, s := range []string{"", "G28", "G1 X2 Y3", "M115 ; hi"} {
		l := NewLine(s)
		if l.String() != s {
			t.Errorf("String() = %q, want %q", l.String(), s)
		}
	}
}

func TestLineSliceThenSliceFromZeroIsIdempotent(t *testing.T) {
	l := NewLine("N0 G28*19\n")
	l.Slice(3, 7)
	want := l.String()
	l.SliceFrom(0)
	if l.String() != want {
		t.Errorf("slice(0,inf) changed %q to %q", want, l.String())
	}
}

func TestLineSliceNegativeIndices(t *testing.T) {
	l := NewLine("abcdef")
	l.Slice(-3, -1)
	if l.String() != "de" {
		t.Errorf("got %q, want %q", l.String(), "de")
	}
}

func TestLineSliceEmptyWhenJLessEqualI(t *testing.T) {
	l := NewLine("abcdef")
	l.Slice(4, 2)
	if l.String() != "" {
		t.Errorf("got %q, want empty", l.String())
	}
}

func TestStartsWithEmptyPrefixReturnsZero(t *testing.T) {
	l := NewLine("anything at all")
	if got := l.StartsWith(""); got != 0 {
		t.Errorf("StartsWith(\"\") = %d, want 0", got)
	}
}

func TestStartsWithBoundaryAtStartCountsLeadingWhitespace(t *testing.T) {
	l := NewLine("   ok")
	if got := l.StartsWith("\bok"); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
}

func TestStartsWithOkBoundary(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"ok\n", 3},
		{"ok T:1\n", 3},
		{"okay\n", 0}, // 'a' after "ok" is alnum, no boundary
	}
	for _, c := range cases {
		l := NewLine(c.in)
		if got := l.StartsWith("ok\b"); got != c.want {
			t.Errorf("StartsWith(%q, ok\\b) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestNumberBaseAutoDetect(t *testing.T) {
	cases := []struct {
		s    string
		base int
		want int64
	}{
		{"011", 0, 9},
		{"011", 10, 11},
		{"011", 16, 17},
	}
	for _, c := range cases {
		l := NewLine(c.s)
		got, _ := l.Number(c.base)
		if got != c.want {
			t.Errorf("Number(%q, base=%d) = %d, want %d", c.s, c.base, got, c.want)
		}
	}
}

func TestGetDoubleFound(t *testing.T) {
	l := NewLine("T:25.9 /0.0 B:50.0")
	if got := l.GetDouble("T", 0, false); got != 25.9 {
		t.Errorf("got %v, want 25.9", got)
	}
	if got := l.GetDouble("B", 0, false); got != 50.0 {
		t.Errorf("got %v, want 50.0", got)
	}
}

func TestGetDoubleMissingReturnsBase(t *testing.T) {
	l := NewLine("T:25.9")
	if got := l.GetDouble("Z", 42, false); got != 42 {
		t.Errorf("got %v, want 42", got)
	}
}

func TestGetStringQuoted(t *testing.T) {
	l := NewLine(`Content-Disposition: form-data; name="file"; filename="part.gcode"`)
	if got := l.GetString("filename", ""); got != "part.gcode" {
		t.Errorf("got %q, want part.gcode", got)
	}
}

func TestGetStringDefault(t *testing.T) {
	l := NewLine("nothing here")
	if got := l.GetString("filename", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

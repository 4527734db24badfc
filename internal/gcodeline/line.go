// Package gcodeline implements the line buffer and buffered reader that
// front every G-code source in marlinfeed: files, stdin, watched
// directories, and the printer's own reply stream.
package gcodeline

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// Line is a mutable, owned byte buffer holding one logical G-code line (or
// printer reply line). Operations are purely local and replace the
// contents in place by slicing, mirroring gcode::Line from the original
// implementation this package is ported from.
type Line struct {
	data []byte
}

// NewLine copies s into a new Line.
func NewLine(s string) *Line {
	return &Line{data: []byte(s)}
}

// NewLineBytes takes ownership of b (no copy) and wraps it in a Line.
func NewLineBytes(b []byte) *Line {
	return &Line{data: b}
}

// Length returns the number of bytes currently in the line.
func (l *Line) Length() int { return len(l.data) }

// Data returns the line's raw bytes. Callers must not retain the slice
// across further operations on the Line; take a copy if you need to.
func (l *Line) Data() []byte { return l.data }

// String returns a copy of the line's contents as a string.
func (l *Line) String() string { return string(l.data) }

// Set replaces the line's contents with a copy of s.
func (l *Line) Set(s string) { l.data = []byte(s) }

// Number parses the leading integer per strconv/strtol semantics. base==0
// means auto-detect (0x hex, leading 0 octal, else decimal). valid reports
// how many leading bytes were consumed by the number, mirroring
// gcode::Line::number's "valid" out-parameter.
func (l *Line) Number(base int) (value int64, valid int) {
	s := l.data
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	start := i
	for i < len(s) && isNumberByte(s[i], base) {
		i++
	}
	if i == start {
		return 0, 0
	}
	n, err := strconv.ParseInt(string(s[:i]), base, 64)
	if err != nil {
		// ParseInt is stricter than strtol about overflow; clamp instead of
		// erroring since callers only care about "as much as was valid".
		// (on ErrRange, ParseInt already returns the clamped value).
		if !errors.Is(err, strconv.ErrRange) {
			n = 0
		}
	}
	return n, i
}

func isNumberByte(b byte, base int) bool {
	switch {
	case base == 16:
		return isHex(b)
	case base == 8:
		return b >= '0' && b <= '7'
	case base == 0:
		return isHex(b) || b == 'x' || b == 'X'
	default:
		return b >= '0' && b <= '9'
	}
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// boundary is the sentinel byte used in startsWith patterns to mean "a
// word boundary here", matching the original's use of '\b'.
const boundary = '\b'

// StartsWith returns 0 if the line does not start with prefix; otherwise
// the length of the matched prefix in the line (normally len(prefix),
// unless the pattern contains boundary markers, which can consume
// whitespace and thus match more bytes than they occupy in prefix).
//
// The boundary byte in prefix matches a zero-width word boundary: start of
// string, end of string, or a transition across the alnum/non-alnum
// predicate. If the boundary touches a run of whitespace, that whitespace
// is consumed and its length added to the returned count.
func (l *Line) StartsWith(prefix string) int {
	equal := 0
	remain := len(l.data)
	a := 0
	b := 0
	for {
		if b < len(prefix) && prefix[b] == boundary {
			b++
			skipWS := equal == 0 // start of string is always a boundary
			if !skipWS {
				if remain == 0 {
					skipWS = true // end of string is always a boundary
				} else if !isAlnum(l.data[a]) || !isAlnum(l.data[a-1]) {
					skipWS = true
				} else {
					return 0
				}
			}
			if skipWS {
				for remain > 0 && isSpace(l.data[a]) {
					a++
					equal++
					remain--
				}
			}
			continue
		}
		if b == len(prefix) {
			return equal
		}
		if remain > 0 && prefix[b] == l.data[a] {
			equal++
			b++
			a++
			remain--
			continue
		}
		return 0
	}
}

func isAlnum(b byte) bool {
	return unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

// Slice crops the line to [i, j). Negative indices are translated by
// adding the line length and clamped to 0. j <= i (after translation and
// clamping to length) yields the empty line.
func (l *Line) Slice(i, j int) {
	n := len(l.data)
	if i < 0 {
		i += n
		if i < 0 {
			i = 0
		}
	}
	if j < 0 {
		j += n
		if j < 0 {
			j = 0
		}
	}
	if i > n {
		i = n
	}
	if j > n {
		j = n
	}
	if j <= i {
		l.data = l.data[:0]
		return
	}
	l.data = append(l.data[:0], l.data[i:j]...)
}

// SliceFrom is Slice(i, len) — a common case ported from the C++ default
// argument idx2 = INT_MAX.
func (l *Line) SliceFrom(i int) { l.Slice(i, len(l.data)) }

// GetDouble finds id surrounded by non-letters, skips whitespace/':'/'=',
// and parses a double. If id is not found, base is returned unchanged. If
// add is true, the parsed value is added to base instead of replacing it.
func (l *Line) GetDouble(id string, base float64, add bool) float64 {
	found := base
	if add {
		found = 0
	}
	s := string(l.data)
	search := s
	offset := 0
	for {
		idx := strings.Index(search, id)
		if idx == -1 {
			break
		}
		abs := offset + idx
		before := abs == 0 || !isLetterByte(s[abs-1])
		afterIdx := abs + len(id)
		after := afterIdx >= len(s) || !isLetterByte(s[afterIdx])
		if before && after {
			p := afterIdx
			for p < len(s) && (isSpace(s[p]) || s[p] == ':' || s[p] == '=') {
				p++
			}
			found = parseDoublePrefix(s[p:])
			break
		}
		offset = abs + 1
		search = s[offset:]
	}
	if add {
		found += base
	}
	return found
}

func isLetterByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// parseDoublePrefix mimics strtod: parses as much of a leading float as
// possible, returning 0 if none.
func parseDoublePrefix(s string) float64 {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && s[j] >= '0' && s[j] <= '9' {
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			i = j
		}
	}
	if i == start || (i == start+1 && s[start] == '.') {
		return 0
	}
	v, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0
	}
	return v
}

// GetString finds id the same way GetDouble does and extracts a single- or
// double-quoted substring following it. If id is not found or there is no
// quoted substring, def is returned.
func (l *Line) GetString(id, def string) string {
	s := string(l.data)
	search := s
	offset := 0
	for {
		idx := strings.Index(search, id)
		if idx == -1 {
			break
		}
		abs := offset + idx
		before := abs == 0 || !isLetterByte(s[abs-1])
		afterIdx := abs + len(id)
		after := afterIdx >= len(s) || !isLetterByte(s[afterIdx])
		if before && after {
			p := afterIdx
			for p < len(s) && (isSpace(s[p]) || s[p] == ':' || s[p] == '=') {
				p++
			}
			if p < len(s) && (s[p] == '"' || s[p] == '\'') {
				quote := s[p]
				end := strings.IndexByte(s[p+1:], quote)
				if end != -1 {
					return s[p+1 : p+1+end]
				}
			}
			break
		}
		offset = abs + 1
		search = s[offset:]
	}
	return def
}

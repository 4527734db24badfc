package iochan

import (
	"time"

	"marlinfeed/internal/gcodeline"
)

// Source adapts a Channel to gcodeline.Source, translating iochan's would-
// block/EOF reporting into the sentinels gcodeline.Reader expects. The
// three time budgets are fixed per adapter; the engine builds one per call
// shape it needs (a non-blocking poll for the source reader, a blocking
// handshake read, and so on).
type Source struct {
	ch                          *Channel
	moreWait, maxTime, initWait time.Duration
}

// NewSource wraps ch with the given time budgets (see Channel.Read).
func NewSource(ch *Channel, moreWait, maxTime, initialWait time.Duration) *Source {
	return &Source{ch: ch, moreWait: moreWait, maxTime: maxTime, initWait: initialWait}
}

func (s *Source) Read(p []byte) (int, error) {
	n, err := s.ch.Read(p, s.moreWait, s.maxTime, s.initWait)
	if err == ErrWouldBlock {
		s.ch.ClearError()
		return n, gcodeline.ErrWouldBlock
	}
	if err != nil {
		return n, err
	}
	if n == 0 && s.ch.EndOfFile() {
		return 0, gcodeline.ErrEOF
	}
	return n, nil
}

// HasError and Error surface the wrapped Channel's sticky error state
// directly, so a caller holding only the Source can tell a real failure
// apart from "nothing ready yet" without going through Read's return value.
func (s *Source) HasError() bool { return s.ch.HasError() }
func (s *Source) Error() string  { return s.ch.Error() }

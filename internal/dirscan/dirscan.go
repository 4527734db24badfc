// Package dirscan watches directories for regular files that have
// finished being written, ports of the original implementation's
// DirScanner. A file is reported only once its modification time is at
// least MinAge old, so a slicer still writing its output is never picked
// up mid-write.
package dirscan

import (
	"os"
	"path/filepath"
	"time"

	"marlinfeed/internal/fifo"
)

// MinAge is the minimum time that must have passed since a file's last
// modification before the scanner reports it.
const MinAge = 2000 * time.Millisecond

type watchedDir struct {
	path string
	once bool
}

// Scanner watches a set of directories and produces ripe file paths.
// Not safe for concurrent use — matches the engine's single-threaded
// event loop.
type Scanner struct {
	dirs       *fifo.FIFO[watchedDir]
	candidates *fifo.FIFO[candidate]
	lastScan   time.Time
}

type candidate struct {
	path  string
	mtime time.Time
}

// New returns an empty Scanner.
func New() *Scanner {
	return &Scanner{dirs: fifo.New[watchedDir](), candidates: fifo.New[candidate]()}
}

// AddDir adds dpath to the set of watched directories. If once is true,
// the directory is scanned exactly one time and then dropped; otherwise
// it is rescanned on every Refill. An empty dpath is ignored.
func (s *Scanner) AddDir(dpath string, once bool) {
	if dpath == "" {
		return
	}
	s.dirs.Put(watchedDir{path: dpath, once: once})
}

// Empty reports whether Refill can never produce another entry again —
// i.e. there are no watched directories left and no pending candidates.
// A false return does not guarantee Refill will actually produce
// anything on the next call.
func (s *Scanner) Empty() bool { return s.candidates.Empty() && s.dirs.Empty() }

// Refill rescans all watched directories and appends every candidate
// that is now ripe (last modified at least MinAge ago) to out.
//
// Nanosecond precision of mtime is intentionally discarded — some
// filesystems report an mtime that lags the wall clock by a few
// milliseconds, which caused files written in the same second as a scan
// to be missed entirely.
func (s *Scanner) Refill(out *fifo.FIFO[string]) {
	s.scan()

	remaining := s.candidates.Len()
	for i := 0; i < remaining; i++ {
		c, ok := s.candidates.Get()
		if !ok {
			break
		}
		if time.Since(c.mtime.Truncate(time.Second)) >= MinAge {
			out.Put(c.path)
		} else {
			s.candidates.Put(c)
		}
	}
}

func (s *Scanner) scan() {
	last := s.lastScan
	now := time.Now()
	if !last.IsZero() && now.Equal(last) {
		return // prevents rediscovering the same files within one instant
	}
	s.lastScan = now

	seen := make(map[string]bool, s.candidates.Len())
	s.candidates.Visit(func(c candidate) bool {
		seen[c.path] = true
		return true
	})

	remaining := s.dirs.Len()
	for i := 0; i < remaining; i++ {
		wd, ok := s.dirs.Get()
		if !ok {
			break
		}
		s.scanOne(wd, last, now, seen)
		if !wd.once {
			s.dirs.Put(wd)
		}
	}
}

func (s *Scanner) scanOne(wd watchedDir, last, cur time.Time, seen map[string]bool) {
	entries, err := os.ReadDir(wd.path)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mtime := info.ModTime().Truncate(time.Second)
		if !last.IsZero() && mtime.Before(last.Truncate(time.Second)) {
			continue
		}
		if !mtime.Before(cur.Truncate(time.Second)) {
			continue
		}
		path := filepath.Join(wd.path, e.Name())
		if seen[path] {
			continue
		}
		seen[path] = true
		s.candidates.Put(candidate{path: path, mtime: info.ModTime()})
	}
}

package querylog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/masqctl/masqctl/internal/logging"
)

// ChanSource is fed by the native supervisor's output line handler.
type ChanSource struct {
	lines   chan string
	dropped atomic.Uint64
}

// NewChanSource creates a source buffering up to size lines.
func NewChanSource(size int) *ChanSource {
	if size <= 0 {
		size = 1024
	}
	return &ChanSource{lines: make(chan string, size)}
}

// Handler returns a line handler that never blocks the daemon's output
// pump; lines arriving while the buffer is full are dropped.
func (c *ChanSource) Handler() logging.LineHandler {
	return func(_, line string) {
		select {
		case c.lines <- line:
		default:
			c.dropped.Add(1)
		}
	}
}

// Dropped returns how many lines were discarded because the buffer was full.
func (c *ChanSource) Dropped() uint64 { return c.dropped.Load() }

// Run implements LineSource.
func (c *ChanSource) Run(ctx context.Context, emit func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-c.lines:
			emit(line)
		}
	}
}

// FileFollower tails a log file written by the daemon. It starts at the end
// of the file and keeps following across truncation and rotation.
type FileFollower struct {
	Path   string
	Logger *slog.Logger
	// Poll re-checks the file even without filesystem events, covering
	// filesystems where inotify is unreliable. Zero means 2s.
	Poll time.Duration
}

type followState struct {
	f       *os.File
	offset  int64
	partial []byte
}

// Run implements LineSource.
func (ff *FileFollower) Run(ctx context.Context, emit func(string)) error {
	logger := ff.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	poll := ff.Poll
	if poll <= 0 {
		poll = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so rotation (rename + create) is seen.
	dir := filepath.Dir(ff.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	st := &followState{}
	defer st.close()
	if err := st.open(ff.Path, true); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("cannot open query log", "path", ff.Path, "error", err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(ff.Path) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// Drain what was written before the rotation.
				st.read(emit)
				st.close()
			case ev.Op&fsnotify.Create != 0:
				st.close()
				if err := st.open(ff.Path, false); err != nil {
					logger.Warn("cannot reopen query log", "path", ff.Path, "error", err)
				}
				st.read(emit)
			case ev.Op&fsnotify.Write != 0:
				ff.sync(st, logger)
				st.read(emit)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("query log watcher error", "error", err)
		case <-ticker.C:
			ff.sync(st, logger)
			st.read(emit)
		}
	}
}

// sync opens the file if it appeared and rewinds after truncation.
func (ff *FileFollower) sync(st *followState, logger *slog.Logger) {
	if st.f == nil {
		if err := st.open(ff.Path, false); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("cannot open query log", "path", ff.Path, "error", err)
			}
			return
		}
	}
	info, err := st.f.Stat()
	if err != nil {
		return
	}
	if info.Size() < st.offset {
		logger.Info("query log truncated, rewinding", "path", ff.Path)
		st.offset = 0
		st.partial = st.partial[:0]
		st.f.Seek(0, io.SeekStart)
	}
	if cur, err := os.Stat(ff.Path); err == nil && !os.SameFile(info, cur) {
		// Replaced without an event we saw: finish the old file, move on.
		st.close()
		if err := st.open(ff.Path, false); err != nil {
			logger.Warn("cannot reopen query log", "path", ff.Path, "error", err)
		}
	}
}

func (st *followState) open(path string, atEnd bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	st.f, st.offset, st.partial = f, 0, nil
	if atEnd {
		off, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			st.f = nil
			return err
		}
		st.offset = off
	}
	return nil
}

func (st *followState) close() {
	if st.f != nil {
		st.f.Close()
		st.f = nil
	}
	st.partial = nil
}

// read emits every complete line appended since the last read.
func (st *followState) read(emit func(string)) {
	if st.f == nil {
		return
	}
	r := bufio.NewReader(st.f)
	for {
		chunk, err := r.ReadBytes('\n')
		st.offset += int64(len(chunk))
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] == '\n' {
				line := append(st.partial, chunk...)
				st.partial = nil
				emit(string(bytes.TrimRight(line, "\r\n")))
			} else {
				st.partial = append(st.partial, chunk...)
			}
		}
		if err != nil {
			return
		}
	}
}

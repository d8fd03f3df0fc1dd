package logging

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// LineHandler receives one complete line of daemon output, without the
// trailing newline. Stream is "stdout" or "stderr".
type LineHandler func(stream, line string)

// CaptureWriter collects daemon output into a shared ring buffer and
// dispatches complete lines to registered handlers. Partial lines are held
// until their newline arrives.
type CaptureWriter struct {
	mu       sync.Mutex
	stream   string
	ring     *RingBuffer
	pending  []byte
	handlers []LineHandler
}

// NewCaptureWriter creates a capture writer for one output stream. Several
// writers may share the same ring so the tail interleaves both streams.
func NewCaptureWriter(stream string, ring *RingBuffer) *CaptureWriter {
	return &CaptureWriter{stream: stream, ring: ring}
}

// AddHandler adds a callback for captured lines.
func (cw *CaptureWriter) AddHandler(h LineHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, h)
}

// Write implements io.Writer.
func (cw *CaptureWriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.ring != nil {
		_, _ = cw.ring.Write(p)
	}

	cw.pending = append(cw.pending, p...)
	for {
		i := bytes.IndexByte(cw.pending, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(cw.pending[:i], "\r"))
		cw.pending = cw.pending[i+1:]
		for _, h := range cw.handlers {
			h(cw.stream, line)
		}
	}
	// Cap a runaway partial line rather than growing without bound.
	if len(cw.pending) > maxPendingLine {
		cw.pending = cw.pending[:0]
	}
	return len(p), nil
}

// Flush delivers any buffered partial line to the handlers.
func (cw *CaptureWriter) Flush() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.pending) == 0 {
		return
	}
	line := string(cw.pending)
	cw.pending = cw.pending[:0]
	for _, h := range cw.handlers {
		h(cw.stream, line)
	}
}

const maxPendingLine = 64 * 1024

// Pump copies r into cw until EOF or a read error, then flushes the
// trailing partial line. It is meant to run in its own goroutine per pipe.
func Pump(r io.Reader, cw *CaptureWriter) {
	if r == nil {
		return
	}
	br := bufio.NewReaderSize(r, 8192)
	buf := make([]byte, 8192)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			_, _ = cw.Write(buf[:n])
		}
		if err != nil {
			cw.Flush()
			return
		}
	}
}

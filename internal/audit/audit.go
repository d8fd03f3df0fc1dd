// Package audit records configuration and restart activity as JSON lines.
// It listens on the event bus, so nothing in the apply path depends on it.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/masqctl/masqctl/internal/events"
)

// Entry is one line of the audit trail.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      events.EventType  `json:"type"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	ProcessID int               `json:"process_id"`
}

var audited = map[events.EventType]struct {
	severity string
	message  string
}{
	events.ConfigStaged:       {"info", "configuration staged"},
	events.ApplyStarted:       {"info", "apply started"},
	events.ApplyCompleted:     {"info", "apply completed"},
	events.ApplyRejected:      {"warning", "apply rejected"},
	events.ApplyRolledBack:    {"warning", "apply rolled back"},
	events.ApplyFatal:         {"critical", "apply failed and rollback failed"},
	events.DaemonRestarted:    {"info", "daemon restarted"},
	events.DaemonStateCrashed: {"critical", "daemon crashed"},
	events.ServiceStarted:     {"info", "service started"},
	events.ServiceStopping:    {"info", "service stopping"},
}

// Logger appends audit entries to a writer.
type Logger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	logger *slog.Logger
	subID  uint64
	bus    *events.Bus
}

// Open creates the audit file (and its directory) for appending.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	l := NewLogger(f, logger)
	l.closer = f
	return l, nil
}

// NewLogger writes entries to w.
func NewLogger(w io.Writer, logger *slog.Logger) *Logger {
	return &Logger{enc: json.NewEncoder(w), logger: logger}
}

// Attach subscribes the logger to every audited event on bus.
func (l *Logger) Attach(bus *events.Bus) {
	l.bus = bus
	l.subID = bus.SubscribeAll(l.handle)
}

func (l *Logger) handle(e events.Event) {
	a, ok := audited[e.Type]
	if !ok {
		return
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	l.Write(Entry{
		Timestamp: ts,
		Type:      e.Type,
		Severity:  a.severity,
		Message:   a.message,
		Details:   e.Data,
		ProcessID: os.Getpid(),
	})
}

// Write appends one entry. Write failures are logged, never returned.
func (l *Logger) Write(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(e); err != nil {
		l.logger.Error("audit write failed", "type", e.Type, "error", err)
	}
}

// Close detaches from the bus and closes the file, if any.
func (l *Logger) Close() error {
	if l.bus != nil {
		l.bus.Unsubscribe(l.subID)
		l.bus = nil
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

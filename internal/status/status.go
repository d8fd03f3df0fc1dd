// Package status keeps a periodically refreshed snapshot of the daemon's
// health and resource usage. Readers never block: each tick builds a new
// DaemonStatus and swaps it in atomically.
package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/masqctl/masqctl/internal/process"
)

// DaemonStatus is an immutable point-in-time view of the daemon.
type DaemonStatus struct {
	Active        bool      `json:"active"`
	PID           int       `json:"pid"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryBytes   uint64    `json:"memoryBytes"`
	Connected     bool      `json:"connected"`
	Mode          string    `json:"mode"`
	State         string    `json:"state,omitempty"`
	Target        string    `json:"target,omitempty"`
	ObservedAt    time.Time `json:"observedAt"`
	ActiveVersion uint64    `json:"activeVersion,omitempty"`
}

// Source is the part of process.Supervisor the aggregator reads.
type Source interface {
	Mode() process.Mode
	Target() string
	Status(ctx context.Context) (process.Status, error)
	ResourceUsage(ctx context.Context) (process.Usage, error)
}

// Recorder receives per-tick measurements, normally the Prometheus collector.
type Recorder interface {
	SetDaemon(mode string, up bool, stateCode int, cpuPercent float64, memoryBytes uint64, uptimeSeconds float64)
	IncStatusTickError()
}

// Aggregator polls a Source on a fixed interval.
type Aggregator struct {
	src      Source
	interval time.Duration
	logger   *slog.Logger
	recorder Recorder
	version  func() uint64
	now      func() time.Time

	tickMu sync.Mutex // one tick at a time
	snap   atomic.Pointer[DaemonStatus]
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRecorder reports every tick to r.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// WithActiveVersion sets the function reporting the active config version.
func WithActiveVersion(fn func() uint64) Option {
	return func(a *Aggregator) { a.version = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator. A non-positive interval defaults to 3s.
func New(src Source, interval time.Duration, logger *slog.Logger, opts ...Option) *Aggregator {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	a := &Aggregator{
		src:      src,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Interval returns the tick interval.
func (a *Aggregator) Interval() time.Duration { return a.interval }

// Snapshot returns the latest published status. Before the first tick it
// reports the daemon as not connected.
func (a *Aggregator) Snapshot() DaemonStatus {
	if s := a.snap.Load(); s != nil {
		return *s
	}
	return DaemonStatus{Mode: string(a.src.Mode()), Target: a.src.Target()}
}

// Run ticks until ctx is cancelled. Tick failures never stop the loop.
func (a *Aggregator) Run(ctx context.Context) error {
	a.Refresh(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Refresh(ctx)
		}
	}
}

// Refresh performs one tick synchronously and returns the status it
// published.
func (a *Aggregator) Refresh(ctx context.Context) DaemonStatus {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	// A tick never outlives its interval, which bounds snapshot age.
	ctx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()

	s := a.collect(ctx)
	if !a.publish(s) {
		return a.Snapshot()
	}
	return s
}

func (a *Aggregator) collect(ctx context.Context) DaemonStatus {
	s := DaemonStatus{
		Mode:   string(a.src.Mode()),
		Target: a.src.Target(),
	}

	st, err := a.src.Status(ctx)
	if err != nil {
		if errors.Is(err, process.ErrUnreachable) {
			a.logger.Warn("daemon unreachable", "error", err)
		} else {
			a.logger.Warn("status tick failed", "error", err)
		}
		s.ObservedAt = a.now()
		if a.recorder != nil {
			a.recorder.IncStatusTickError()
			a.recorder.SetDaemon(s.Mode, false, int(st.State), 0, 0, 0)
		}
		return s
	}

	s.Connected = true
	s.State = st.State.String()
	s.Active = st.Running()
	s.PID = st.PID

	if s.Active {
		usage, err := a.src.ResourceUsage(ctx)
		if err != nil {
			a.logger.Debug("resource sample failed", "pid", st.PID, "error", err)
		} else {
			s.CPUPercent = usage.CPUPercent
			s.MemoryBytes = usage.MemoryBytes
		}
	}
	if a.version != nil {
		s.ActiveVersion = a.version()
	}

	s.ObservedAt = a.now()
	if s.Active && !st.StartedAt.IsZero() && s.ObservedAt.After(st.StartedAt) {
		s.UptimeSeconds = int64(s.ObservedAt.Sub(st.StartedAt) / time.Second)
	}
	if a.recorder != nil {
		a.recorder.SetDaemon(s.Mode, s.Active, int(st.State), s.CPUPercent, s.MemoryBytes, float64(s.UptimeSeconds))
	}
	return s
}

// publish swaps s in unless a fresher snapshot is already visible.
func (a *Aggregator) publish(s DaemonStatus) bool {
	next := &s
	for {
		cur := a.snap.Load()
		if cur != nil && s.ObservedAt.Before(cur.ObservedAt) {
			return false
		}
		if a.snap.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Package process supervises the DNS/DHCP daemon: as a native child
// process, as a local containerd task, or as a task behind a remote
// containerd socket. All three satisfy Supervisor.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/masqctl/masqctl/internal/events"
)

// Mode names how the daemon is run.
type Mode string

// Supervision modes.
const (
	ModeNative    Mode = "native-host"
	ModeContainer Mode = "standalone-container"
	ModeSidecar   Mode = "sidecar-remote-container"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeNative, ModeContainer, ModeSidecar:
		return m, nil
	default:
		return "", fmt.Errorf("unknown supervision mode %q", s)
	}
}

// Status is a point-in-time view of the daemon.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Target    string    `json:"target,omitempty"`
}

// Running reports whether the daemon is up and has a process.
func (s Status) Running() bool {
	return s.State == Running && s.PID > 0
}

// Usage is the daemon's resource consumption.
type Usage struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes uint64  `json:"memoryBytes"`
}

// RestartOutcome describes a completed restart.
type RestartOutcome struct {
	PID      int           `json:"pid"`
	Duration time.Duration `json:"duration"`
	Output   []byte        `json:"-"`
}

// Supervisor controls one daemon instance. Callers never branch on mode.
type Supervisor interface {
	Mode() Mode
	Target() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Restart stops and starts the daemon and returns only once the
	// liveness probe succeeds, or fails with a *SupervisorError.
	Restart(ctx context.Context, timeout time.Duration) (RestartOutcome, error)
	Status(ctx context.Context) (Status, error)
	ResourceUsage(ctx context.Context) (Usage, error)
	// OutputTail returns up to n bytes of recent daemon output.
	OutputTail(n int) []byte
	Close() error
}

// publishState is installed as the state machine's change hook.
func publishState(bus *events.Bus, logger *slog.Logger, mode Mode, target string, pid func() int) func(from, to State) {
	return func(from, to State) {
		logger.Info("daemon state changed", "from", from.String(), "to", to.String())
		if bus == nil {
			return
		}
		var et events.EventType
		switch to {
		case Stopped:
			et = events.DaemonStateStopped
		case Starting:
			et = events.DaemonStateStarting
		case Running:
			et = events.DaemonStateRunning
		case Stopping:
			et = events.DaemonStateStopping
		case Crashed:
			et = events.DaemonStateCrashed
		default:
			return
		}
		bus.Publish(events.Event{
			Type: et,
			Data: map[string]string{
				"mode":   string(mode),
				"target": target,
				"from":   from.String(),
				"state":  to.String(),
				"pid":    fmt.Sprintf("%d", pid()),
			},
		})
	}
}

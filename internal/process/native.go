package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/masqctl/masqctl/internal/events"
	"github.com/masqctl/masqctl/internal/logging"
)

// NativeConfig configures a NativeSupervisor.
type NativeConfig struct {
	Command       string // full command line, split on whitespace
	Dir           string
	StopSignal    os.Signal
	StopGrace     time.Duration
	ProbeInterval time.Duration
	OutputBytes   int // size of the output ring buffer
}

// NativeSupervisor runs the daemon as a child process of masqctl.
type NativeSupervisor struct {
	opMu sync.Mutex // serializes Start, Stop and Restart

	mu       sync.Mutex // guards the fields below
	spawned  SpawnedProcess
	exited   chan struct{} // closed when spawned exits
	exitCode int

	cfg     NativeConfig
	sm      *StateMachine
	spawner ProcessSpawner
	prober  Prober
	sampler UsageSampler
	output  *logging.RingBuffer
	stdout  *logging.CaptureWriter
	stderr  *logging.CaptureWriter
	logger  *slog.Logger
}

// NativeOption configures a NativeSupervisor.
type NativeOption func(*NativeSupervisor)

// WithSampler overrides the resource sampler.
func WithSampler(s UsageSampler) NativeOption {
	return func(n *NativeSupervisor) { n.sampler = s }
}

// WithClock overrides the state machine clock.
func WithClock(c Clock) NativeOption {
	return func(n *NativeSupervisor) { n.sm = NewStateMachine(c) }
}

// NewNativeSupervisor creates a supervisor for a child-process daemon.
func NewNativeSupervisor(cfg NativeConfig, spawner ProcessSpawner, prober Prober, bus *events.Bus, logger *slog.Logger, opts ...NativeOption) *NativeSupervisor {
	if cfg.StopSignal == nil {
		cfg.StopSignal = syscall.SIGTERM
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.OutputBytes <= 0 {
		cfg.OutputBytes = 64 * 1024
	}

	ring := logging.NewRingBuffer(cfg.OutputBytes)
	n := &NativeSupervisor{
		cfg:     cfg,
		sm:      NewStateMachine(nil),
		spawner: spawner,
		prober:  prober,
		sampler: &PIDSampler{},
		output:  ring,
		stdout:  logging.NewCaptureWriter("stdout", ring),
		stderr:  logging.NewCaptureWriter("stderr", ring),
		logger:  logger.With("mode", string(ModeNative)),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.sm.OnChange(publishState(bus, n.logger, ModeNative, "", n.pid))
	return n
}

// OnOutputLine registers a handler for every complete line the daemon
// writes to stdout or stderr.
func (n *NativeSupervisor) OnOutputLine(h logging.LineHandler) {
	n.stdout.AddHandler(h)
	n.stderr.AddHandler(h)
}

// Mode implements Supervisor.
func (n *NativeSupervisor) Mode() Mode { return ModeNative }

// Target implements Supervisor.
func (n *NativeSupervisor) Target() string { return "" }

// State returns the current lifecycle state.
func (n *NativeSupervisor) State() State { return n.sm.State() }

func (n *NativeSupervisor) pid() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.spawned != nil {
		return n.spawned.Pid()
	}
	return 0
}

// ExitCode returns the exit code of the last process that exited.
func (n *NativeSupervisor) ExitCode() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.exitCode
}

// Start implements Supervisor.
func (n *NativeSupervisor) Start(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.startLocked(ctx)
}

func (n *NativeSupervisor) startLocked(ctx context.Context) error {
	if err := n.sm.Transition(Starting); err != nil {
		return &SupervisorError{Kind: StartFailed, Err: err}
	}

	cmd, args := n.parseCommand()
	if cmd == "" {
		n.sm.Transition(Crashed)
		return &SupervisorError{Kind: StartFailed, Err: errors.New("empty daemon command")}
	}

	spawned, err := n.spawner.Spawn(SpawnConfig{Command: cmd, Args: args, Dir: n.cfg.Dir})
	if err != nil {
		n.logger.Error("spawn failed", "error", err)
		n.sm.Transition(Crashed)
		return startError(err)
	}

	exited := make(chan struct{})
	n.mu.Lock()
	n.spawned = spawned
	n.exited = exited
	n.mu.Unlock()
	n.logger.Info("started", "pid", spawned.Pid())

	go n.pump(spawned.StdoutPipe(), n.stdout)
	go n.pump(spawned.StderrPipe(), n.stderr)
	go n.watchExit(spawned, exited)

	if err := waitAlive(ctx, n.prober, n.cfg.ProbeInterval, exited); err != nil {
		kind := StartFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = Timeout
		}
		n.abortStart(spawned, exited)
		return &SupervisorError{Kind: kind, Err: err, Output: n.OutputTail(4096)}
	}

	if err := n.sm.Transition(Running); err != nil {
		// The process died between the probe and here.
		return &SupervisorError{Kind: StartFailed, Err: err, Output: n.OutputTail(4096)}
	}
	return nil
}

// abortStart kills a daemon that never answered the probe and waits for
// it to exit. watchExit records the exit as CRASHED.
func (n *NativeSupervisor) abortStart(spawned SpawnedProcess, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}
	n.logger.Warn("daemon did not become ready, killing it", "pid", spawned.Pid())
	ctx, cancel := context.WithTimeout(context.Background(), 2*n.cfg.StopGrace+time.Second)
	defer cancel()
	if err := n.terminate(ctx, spawned, exited); err != nil {
		n.logger.Error("kill unready daemon", "pid", spawned.Pid(), "error", err)
	}
}

func (n *NativeSupervisor) pump(r io.ReadCloser, cw *logging.CaptureWriter) {
	if r == nil {
		return
	}
	logging.Pump(r, cw)
	r.Close()
}

func (n *NativeSupervisor) watchExit(spawned SpawnedProcess, exited chan struct{}) {
	state, err := spawned.Wait()

	code := 0
	if state != nil {
		code = state.ExitCode()
		if code < 0 {
			if ws, ok := state.Sys().(syscall.WaitStatus); ok {
				code = 128 + int(ws.Signal())
			}
		}
	}

	n.mu.Lock()
	n.exitCode = code
	if n.spawned == spawned {
		n.spawned = nil
	}
	n.mu.Unlock()

	if err != nil {
		n.logger.Warn("wait failed", "error", err)
	}

	if n.sm.TransitionFrom(Stopped, Stopping) {
		n.logger.Info("exited", "exit_code", code)
	} else if n.sm.TransitionFrom(Crashed, Starting, Running) {
		n.logger.Error("daemon exited unexpectedly", "exit_code", code)
	}
	close(exited)
}

// Stop implements Supervisor.
func (n *NativeSupervisor) Stop(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.stopLocked(ctx)
}

func (n *NativeSupervisor) stopLocked(ctx context.Context) error {
	n.mu.Lock()
	spawned, exited := n.spawned, n.exited
	n.mu.Unlock()

	if spawned == nil {
		// Nothing running; settle a crashed daemon into STOPPED.
		n.sm.TransitionFrom(Stopped, Crashed)
		return nil
	}

	if err := n.sm.Transition(Stopping); err != nil {
		return &SupervisorError{Kind: StartFailed, Err: err}
	}

	return n.terminate(ctx, spawned, exited)
}

// terminate sends the stop signal, escalates to SIGKILL after the grace
// period and waits for the process to exit.
func (n *NativeSupervisor) terminate(ctx context.Context, spawned SpawnedProcess, exited <-chan struct{}) error {
	if err := spawned.Signal(n.cfg.StopSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if errors.Is(err, os.ErrPermission) {
			return &SupervisorError{Kind: PermissionDenied, Err: err}
		}
		n.logger.Warn("stop signal failed", "error", err)
	}

	timer := time.NewTimer(n.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		n.logger.Warn("escalating to SIGKILL", "pid", spawned.Pid())
		_ = spawned.Signal(syscall.SIGKILL)
	case <-ctx.Done():
		_ = spawned.Signal(syscall.SIGKILL)
		return &SupervisorError{Kind: Timeout, Err: fmt.Errorf("stop: %w", ctx.Err())}
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return &SupervisorError{Kind: Timeout, Err: fmt.Errorf("stop after SIGKILL: %w", ctx.Err())}
	}
}

// Restart implements Supervisor.
func (n *NativeSupervisor) Restart(ctx context.Context, timeout time.Duration) (RestartOutcome, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	if err := n.stopLocked(ctx); err != nil {
		return RestartOutcome{}, err
	}
	if err := n.startLocked(ctx); err != nil {
		return RestartOutcome{Duration: time.Since(began), Output: n.OutputTail(4096)}, err
	}
	return RestartOutcome{
		PID:      n.pid(),
		Duration: time.Since(began),
		Output:   n.OutputTail(4096),
	}, nil
}

// Status implements Supervisor. The native target is always reachable.
func (n *NativeSupervisor) Status(_ context.Context) (Status, error) {
	return Status{
		State:     n.sm.State(),
		PID:       n.pid(),
		StartedAt: n.sm.StartedAt(),
	}, nil
}

// ResourceUsage implements Supervisor. A stopped daemon uses nothing.
func (n *NativeSupervisor) ResourceUsage(ctx context.Context) (Usage, error) {
	pid := n.pid()
	if pid == 0 {
		return Usage{}, nil
	}
	return n.sampler.Sample(ctx, pid)
}

// OutputTail implements Supervisor.
func (n *NativeSupervisor) OutputTail(size int) []byte {
	return n.output.Read(size)
}

// Close stops the daemon.
func (n *NativeSupervisor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.StopGrace+time.Second)
	defer cancel()
	return n.Stop(ctx)
}

func (n *NativeSupervisor) parseCommand() (string, []string) {
	parts := strings.Fields(n.cfg.Command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/masqctl/masqctl/internal/events"
)

// TaskInfo describes a container's current task.
type TaskInfo struct {
	Exists  bool
	Running bool
	PID     uint32
}

// TaskRuntime is the container runtime surface ContainerSupervisor needs.
// Errors meaning the runtime cannot be contacted wrap ErrUnreachable.
type TaskRuntime interface {
	Task(ctx context.Context, id string) (TaskInfo, error)
	// Watch returns a channel closed when the current task exits.
	Watch(ctx context.Context, id string) (<-chan struct{}, error)
	// StopTask signals the task, escalates to SIGKILL after grace, and
	// deletes it. A missing task is not an error.
	StopTask(ctx context.Context, id string, sig syscall.Signal, grace time.Duration) error
	// StartTask creates and starts a fresh task and returns its PID and a
	// channel closed when it exits.
	StartTask(ctx context.Context, id string) (uint32, <-chan struct{}, error)
	// Metrics returns the raw cgroup metrics payload and its type URL.
	Metrics(ctx context.Context, id string) (typeURL string, value []byte, err error)
	Close() error
}

// ContainerConfig configures a ContainerSupervisor.
type ContainerConfig struct {
	Mode          Mode // ModeContainer or ModeSidecar
	ID            string
	StopSignal    syscall.Signal
	StopGrace     time.Duration
	ProbeInterval time.Duration
	LogFile       string // task stdio file, read by OutputTail
}

// ContainerSupervisor runs the daemon as a containerd task. In
// standalone-container mode the task's host PID is sampled directly; in
// sidecar-remote-container mode usage comes from cgroup metrics.
type ContainerSupervisor struct {
	opMu sync.Mutex

	mu      sync.Mutex
	pidNow  uint32
	gen     uint64 // bumped per task so stale exit watchers are ignored
	lastCPU CgroupSample

	cfg     ContainerConfig
	rt      TaskRuntime
	sm      *StateMachine
	prober  Prober
	sampler UsageSampler
	logger  *slog.Logger

	ctx    context.Context // lifetime of exit watchers
	cancel context.CancelFunc
}

// NewContainerSupervisor creates a supervisor for a containerd task.
func NewContainerSupervisor(cfg ContainerConfig, rt TaskRuntime, prober Prober, bus *events.Bus, logger *slog.Logger) *ContainerSupervisor {
	if cfg.StopSignal == 0 {
		cfg.StopSignal = syscall.SIGTERM
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &ContainerSupervisor{
		cfg:     cfg,
		rt:      rt,
		sm:      NewStateMachine(nil),
		prober:  prober,
		sampler: &PIDSampler{},
		logger:  logger.With("mode", string(cfg.Mode), "container", cfg.ID),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.sm.OnChange(publishState(bus, c.logger, cfg.Mode, cfg.ID, c.pid))
	return c
}

// Mode implements Supervisor.
func (c *ContainerSupervisor) Mode() Mode { return c.cfg.Mode }

// Target implements Supervisor.
func (c *ContainerSupervisor) Target() string { return c.cfg.ID }

func (c *ContainerSupervisor) pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.pidNow)
}

// reconcile aligns the state machine with what the runtime reports, e.g.
// adopting a task started before masqctl or noticing a missed exit.
func (c *ContainerSupervisor) reconcile(ctx context.Context) (TaskInfo, error) {
	info, err := c.rt.Task(ctx, c.cfg.ID)
	if err != nil {
		return info, err
	}

	state := c.sm.State()
	switch {
	case info.Running && (state == Stopped || state == Crashed):
		exited, err := c.rt.Watch(ctx, c.cfg.ID)
		if err != nil {
			return info, err
		}
		gen := c.setTask(info.PID)
		c.sm.Transition(Starting)
		c.sm.Transition(Running)
		c.logger.Info("adopted running task", "pid", info.PID)
		go c.watchExit(exited, gen)
	case !info.Running && (state == Running || state == Starting) && c.pid() != 0:
		c.setTask(0)
		c.sm.TransitionFrom(Crashed, Starting, Running)
	}
	return info, nil
}

func (c *ContainerSupervisor) setTask(pid uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.pidNow = pid
	c.lastCPU = CgroupSample{}
	return c.gen
}

func (c *ContainerSupervisor) watchExit(exited <-chan struct{}, gen uint64) {
	select {
	case <-exited:
	case <-c.ctx.Done():
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	current := c.gen == gen
	if current {
		c.pidNow = 0
	}
	c.mu.Unlock()
	if !current {
		return
	}

	if c.sm.TransitionFrom(Stopped, Stopping) {
		c.logger.Info("task exited")
	} else if c.sm.TransitionFrom(Crashed, Starting, Running) {
		c.logger.Error("task exited unexpectedly")
	}
}

// Start implements Supervisor. A task that is already running is adopted.
func (c *ContainerSupervisor) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	info, err := c.reconcile(ctx)
	if err != nil {
		return err
	}
	if info.Running {
		return waitAliveErr(ctx, c.prober, c.cfg.ProbeInterval, nil)
	}
	return c.startLocked(ctx)
}

func (c *ContainerSupervisor) startLocked(ctx context.Context) error {
	if err := c.sm.Transition(Starting); err != nil {
		return &SupervisorError{Kind: StartFailed, Err: err}
	}

	pid, exited, err := c.rt.StartTask(ctx, c.cfg.ID)
	if err != nil {
		c.logger.Error("task start failed", "error", err)
		c.sm.Transition(Crashed)
		return startError(err)
	}
	gen := c.setTask(pid)
	c.logger.Info("task started", "pid", pid)
	go c.watchExit(exited, gen)

	if err := waitAliveErr(ctx, c.prober, c.cfg.ProbeInterval, exited); err != nil {
		c.abortStart(exited)
		var se *SupervisorError
		if errors.As(err, &se) {
			se.Output = c.OutputTail(4096)
		}
		return err
	}
	if err := c.sm.Transition(Running); err != nil {
		return &SupervisorError{Kind: StartFailed, Err: err, Output: c.OutputTail(4096)}
	}
	return nil
}

// abortStart kills a task that never answered the probe and marks the
// daemon CRASHED.
func (c *ContainerSupervisor) abortStart(exited <-chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}
	c.logger.Warn("task did not become ready, killing it")
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.StopGrace+5*time.Second)
	defer cancel()
	c.setTask(0)
	if err := c.stopTask(ctx); err != nil {
		c.logger.Error("kill unready task", "error", err)
	}
	c.sm.TransitionFrom(Crashed, Starting)
}

// waitAliveErr wraps waitAlive failures as SupervisorErrors.
func waitAliveErr(ctx context.Context, prober Prober, interval time.Duration, exited <-chan struct{}) error {
	err := waitAlive(ctx, prober, interval, exited)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &SupervisorError{Kind: Timeout, Err: err}
	}
	return &SupervisorError{Kind: StartFailed, Err: err}
}

// Stop implements Supervisor.
func (c *ContainerSupervisor) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

func (c *ContainerSupervisor) stopLocked(ctx context.Context) error {
	info, err := c.reconcile(ctx)
	if err != nil {
		return err
	}
	if !info.Running {
		c.sm.TransitionFrom(Stopped, Crashed)
		if info.Exists {
			// Clear the dead task so a new one can be created.
			return c.stopTask(ctx)
		}
		return nil
	}

	if err := c.sm.Transition(Stopping); err != nil {
		return &SupervisorError{Kind: StartFailed, Err: err}
	}
	if err := c.stopTask(ctx); err != nil {
		return err
	}
	c.setTask(0)
	c.sm.TransitionFrom(Stopped, Stopping)
	return nil
}

func (c *ContainerSupervisor) stopTask(ctx context.Context) error {
	err := c.rt.StopTask(ctx, c.cfg.ID, c.cfg.StopSignal, c.cfg.StopGrace)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnreachable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &SupervisorError{Kind: Timeout, Err: fmt.Errorf("stop task: %w", err)}
	case errors.Is(err, os.ErrPermission):
		return &SupervisorError{Kind: PermissionDenied, Err: err}
	default:
		return &SupervisorError{Kind: StartFailed, Err: fmt.Errorf("stop task: %w", err)}
	}
}

// Restart implements Supervisor.
func (c *ContainerSupervisor) Restart(ctx context.Context, timeout time.Duration) (RestartOutcome, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	if err := c.stopLocked(ctx); err != nil {
		return RestartOutcome{Duration: time.Since(began)}, err
	}
	if err := c.startLocked(ctx); err != nil {
		return RestartOutcome{Duration: time.Since(began), Output: c.OutputTail(4096)}, err
	}
	return RestartOutcome{PID: c.pid(), Duration: time.Since(began), Output: c.OutputTail(4096)}, nil
}

// Status implements Supervisor. It returns ErrUnreachable when the
// runtime cannot be contacted.
func (c *ContainerSupervisor) Status(ctx context.Context) (Status, error) {
	if _, err := c.reconcile(ctx); err != nil {
		return Status{State: c.sm.State(), Target: c.cfg.ID}, err
	}
	return Status{
		State:     c.sm.State(),
		PID:       c.pid(),
		StartedAt: c.sm.StartedAt(),
		Target:    c.cfg.ID,
	}, nil
}

// ResourceUsage implements Supervisor.
func (c *ContainerSupervisor) ResourceUsage(ctx context.Context) (Usage, error) {
	pid := c.pid()
	if pid == 0 {
		return Usage{}, nil
	}
	if c.cfg.Mode == ModeContainer {
		return c.sampler.Sample(ctx, pid)
	}

	typeURL, value, err := c.rt.Metrics(ctx, c.cfg.ID)
	if err != nil {
		return Usage{}, err
	}
	cur, err := decodeCgroupMetrics(typeURL, value, time.Now())
	if err != nil {
		return Usage{}, err
	}
	c.mu.Lock()
	prev := c.lastCPU
	c.lastCPU = cur
	c.mu.Unlock()
	return cgroupUsage(prev, cur), nil
}

// OutputTail implements Supervisor, reading the task's log file if one is
// configured.
func (c *ContainerSupervisor) OutputTail(n int) []byte {
	if c.cfg.LogFile == "" || n <= 0 {
		return nil
	}
	f, err := os.Open(c.cfg.LogFile)
	if err != nil {
		return nil
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil
	}
	off := st.Size() - int64(n)
	if off < 0 {
		off = 0
	}
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil
	}
	return buf
}

// Close stops exit watchers and releases the runtime connection. The
// container itself is left running.
func (c *ContainerSupervisor) Close() error {
	c.cancel()
	return c.rt.Close()
}

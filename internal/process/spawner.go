package process

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// SpawnConfig holds the parameters needed to spawn the daemon.
type SpawnConfig struct {
	Command string    // absolute path or $PATH-resolved binary
	Args    []string  // command arguments (not including argv[0])
	Dir     string    // working directory
	Env     []string  // environment variables (KEY=VALUE); nil inherits
	Stdout  io.Writer // stdout destination (nil = pipe via StdoutPipe)
	Stderr  io.Writer // stderr destination (nil = pipe via StderrPipe)
}

// SpawnedProcess represents a running child process.
type SpawnedProcess interface {
	Pid() int
	Wait() (*os.ProcessState, error)
	Signal(os.Signal) error
	StdoutPipe() io.ReadCloser
	StderrPipe() io.ReadCloser
}

// ProcessSpawner creates child processes. Implementations include
// ExecSpawner (real) and MockSpawner (testing).
type ProcessSpawner interface {
	Spawn(cfg SpawnConfig) (SpawnedProcess, error)
}

// ExecSpawner spawns real OS processes via os/exec.
type ExecSpawner struct{}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Spawn starts a real child process with the given config.
func (s *ExecSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}

	// Own process group so terminal signals to masqctl do not hit the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &execProcess{cmd: cmd}
	var err error
	if cfg.Stdout != nil {
		cmd.Stdout = cfg.Stdout
	} else if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, err
	}
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	} else if p.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *execProcess) Pid() int                        { return p.cmd.Process.Pid }
func (p *execProcess) Wait() (*os.ProcessState, error) { return p.cmd.Process.Wait() }
func (p *execProcess) Signal(sig os.Signal) error      { return p.cmd.Process.Signal(sig) }
func (p *execProcess) StdoutPipe() io.ReadCloser       { return p.stdout }
func (p *execProcess) StderrPipe() io.ReadCloser       { return p.stderr }

// MockSpawner is a test double for ProcessSpawner.
type MockSpawner struct {
	mu         sync.Mutex
	SpawnFn    func(cfg SpawnConfig) (SpawnedProcess, error)
	SpawnCalls []SpawnConfig
	procs      []*MockProcess
}

// Spawn records the call and delegates to SpawnFn. Without SpawnFn it
// returns a MockProcess that exits when signalled.
func (m *MockSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	m.mu.Lock()
	m.SpawnCalls = append(m.SpawnCalls, cfg)
	n := len(m.SpawnCalls)
	fn := m.SpawnFn
	m.mu.Unlock()

	if fn != nil {
		return fn(cfg)
	}
	p := NewMockProcess(1000 + n)
	m.mu.Lock()
	m.procs = append(m.procs, p)
	m.mu.Unlock()
	return p, nil
}

// Calls returns how many times Spawn was called.
func (m *MockSpawner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SpawnCalls)
}

// Last returns the most recent default MockProcess, or nil.
func (m *MockSpawner) Last() *MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.procs) == 0 {
		return nil
	}
	return m.procs[len(m.procs)-1]
}

// MockProcess is a test double for SpawnedProcess. Wait blocks until Exit
// is called or, unless IgnoreSignals is set, a signal is delivered.
type MockProcess struct {
	pid  int
	once sync.Once
	done chan struct{}

	mu            sync.Mutex
	signals       []os.Signal
	IgnoreSignals bool // ignore everything except SIGKILL

	stdout io.ReadCloser
	stderr io.ReadCloser
}

// NewMockProcess creates a MockProcess with the given PID and empty output.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{
		pid:    pid,
		done:   make(chan struct{}),
		stdout: io.NopCloser(strings.NewReader("")),
		stderr: io.NopCloser(strings.NewReader("")),
	}
}

// WithOutput sets the content the process writes to stdout and stderr.
func (p *MockProcess) WithOutput(stdout, stderr io.Reader) *MockProcess {
	p.stdout = io.NopCloser(stdout)
	p.stderr = io.NopCloser(stderr)
	return p
}

func (p *MockProcess) Pid() int { return p.pid }

// Exit makes Wait return.
func (p *MockProcess) Exit() { p.once.Do(func() { close(p.done) }) }

// Exited reports whether the process has exited.
func (p *MockProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *MockProcess) Wait() (*os.ProcessState, error) {
	<-p.done
	return nil, nil
}

func (p *MockProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.IgnoreSignals
	p.mu.Unlock()

	if p.Exited() {
		return os.ErrProcessDone
	}
	if !ignore || sig == syscall.SIGKILL {
		p.Exit()
	}
	return nil
}

// Signals returns the signals delivered so far.
func (p *MockProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *MockProcess) StdoutPipe() io.ReadCloser { return p.stdout }
func (p *MockProcess) StderrPipe() io.ReadCloser { return p.stderr }

package process

import (
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestExecSpawnerSpawn(t *testing.T) {
	s := &ExecSpawner{}
	sp, err := s.Spawn(SpawnConfig{
		Command: "/bin/echo",
		Args:    []string{"hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sp.Pid() <= 0 {
		t.Fatalf("pid = %d, want > 0", sp.Pid())
	}

	out, _ := io.ReadAll(sp.StdoutPipe())
	if strings.TrimSpace(string(out)) != "hello" {
		t.Fatalf("stdout = %q, want hello", out)
	}

	state, err := sp.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !state.Success() {
		t.Fatalf("exit code = %d, want 0", state.ExitCode())
	}
}

func TestExecSpawnerSpawnInvalidCommand(t *testing.T) {
	s := &ExecSpawner{}
	_, err := s.Spawn(SpawnConfig{Command: "/nonexistent/dnsmasq"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestExecSpawnerSignal(t *testing.T) {
	s := &ExecSpawner{}
	sp, err := s.Spawn(SpawnConfig{Command: "/bin/sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	state, _ := sp.Wait()
	if state.Success() {
		t.Fatal("expected non-zero exit after SIGTERM")
	}
}

func TestMockSpawnerRecordsCalls(t *testing.T) {
	m := &MockSpawner{}
	p, err := m.Spawn(SpawnConfig{Command: "dnsmasq", Args: []string{"-k"}})
	if err != nil {
		t.Fatal(err)
	}
	if m.Calls() != 1 || m.SpawnCalls[0].Command != "dnsmasq" {
		t.Fatalf("calls = %+v", m.SpawnCalls)
	}
	if m.Last() != p {
		t.Fatal("Last should return the spawned mock")
	}
}

func TestMockProcessSignals(t *testing.T) {
	p := NewMockProcess(7)
	p.IgnoreSignals = true

	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	if p.Exited() {
		t.Fatal("ignored signal should not exit")
	}
	if err := p.Signal(syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after SIGKILL")
	}

	if err := p.Signal(syscall.SIGTERM); err != os.ErrProcessDone {
		t.Fatalf("signal after exit = %v, want ErrProcessDone", err)
	}
	if n := len(p.Signals()); n != 3 {
		t.Fatalf("signals recorded = %d, want 3", n)
	}
}

func TestParseSignal(t *testing.T) {
	tests := map[string]os.Signal{
		"TERM":    syscall.SIGTERM,
		"sigterm": syscall.SIGTERM,
		"HUP":     syscall.SIGHUP,
		"KILL":    syscall.SIGKILL,
		"USR2":    syscall.SIGUSR2,
		"BOGUS":   nil,
	}
	for in, want := range tests {
		if got := ParseSignal(in); got != want {
			t.Errorf("ParseSignal(%q) = %v, want %v", in, got, want)
		}
	}
}

//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/masqctl/masqctl/internal/ctl"
	"github.com/masqctl/masqctl/internal/querylog"
	"github.com/masqctl/masqctl/internal/status"
	"github.com/masqctl/masqctl/internal/testutil"
)

// masqctlBinary is the path to the built masqctl binary, set by TestMain.
var masqctlBinary string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "masqctl-e2e-bin-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	masqctlBinary = filepath.Join(tmpDir, "masqctl")
	cmd := exec.Command("go", "build", "-race", "-o", masqctlBinary, "github.com/masqctl/masqctl/cmd/masqctl")
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build masqctl binary: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	go func() {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(os.Stderr, "E2E suite timeout exceeded (10 minutes)")
			os.Exit(2)
		}
	}()

	os.Exit(m.Run())
}

// service is a running masqctl supervising a real dnsmasq.
type service struct {
	client   *ctl.Client
	dir      string
	live     string // dnsmasq config path
	dnsAddr  string // dnsmasq listen address
	dnsPort  int
	httpAddr string
}

// baseConfig is a dnsmasq config that answers test.lan locally.
func (s *service) baseConfig(answer string) string {
	return fmt.Sprintf("port=%d\nlisten-address=127.0.0.1\nbind-interfaces\nno-resolv\nno-hosts\naddress=/test.lan/%s\n",
		s.dnsPort, answer)
}

// startService writes masqctl.toml and an initial dnsmasq config, starts
// masqctl serve, and waits until it reports ready.
func startService(t *testing.T, extraTOML string) *service {
	t.Helper()
	dnsmasq := testutil.RequireBinary(t, "dnsmasq")

	dir := t.TempDir()
	s := &service{
		dir:      dir,
		live:     filepath.Join(dir, "dnsmasq.conf"),
		dnsPort:  testutil.FreeUDPPort(t),
		httpAddr: "127.0.0.1:" + strconv.Itoa(testutil.FreeTCPPort(t)),
	}
	s.dnsAddr = "127.0.0.1:" + strconv.Itoa(s.dnsPort)
	testutil.WriteFile(t, dir, "dnsmasq.conf", s.baseConfig("10.0.0.1"))

	socketPath := filepath.Join(dir, "masqctl.sock")
	configPath := testutil.WriteFile(t, dir, "masqctl.toml", fmt.Sprintf(`
[log]
level = "debug"
format = "text"

[server]
listen = %q
unix_socket = %q
rate_limit = 100
rate_burst = 100

[daemon]
config_path = %q
command = "%s --keep-in-foreground --log-facility=- --log-queries=extra --pid-file=%s --conf-file=%%(config_path)s"
probe_addr = %q
probe_name = "test.lan"
stop_grace = "2s"
restart_timeout = "10s"

[store]
path = %q

[status]
interval = "200ms"

%s
`, s.httpAddr, socketPath, s.live, dnsmasq, filepath.Join(dir, "dnsmasq.pid"), s.dnsAddr,
		filepath.Join(dir, "history.db"), extraTOML))

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, masqctlBinary, "serve", "-c", configPath)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("start masqctl: %v", err)
	}

	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		case <-done:
		}
		cancel()
	})

	waitForSocket(t, socketPath, 5*time.Second)
	s.client = ctl.NewUnixClient(socketPath)
	waitForReady(t, s.client, 15*time.Second)
	return s
}

// waitForSocket polls for a connectable Unix socket.
func waitForSocket(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	testutil.WaitFor(t, func() bool {
		conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, timeout)
}

// waitForReady polls the readiness endpoint until it reports ready.
func waitForReady(t *testing.T, client *ctl.Client, timeout time.Duration) {
	t.Helper()
	testutil.WaitFor(t, func() bool {
		r, err := client.Ready(context.Background())
		return err == nil && r == "ready"
	}, timeout)
}

// daemonStatus fetches the status snapshot as JSON.
func daemonStatus(t *testing.T, client *ctl.Client) status.DaemonStatus {
	t.Helper()
	var buf bytes.Buffer
	if err := client.Status(t.Context(), true, true, &buf); err != nil {
		t.Fatalf("status: %v", err)
	}
	var st status.DaemonStatus
	if err := json.Unmarshal(buf.Bytes(), &st); err != nil {
		t.Fatalf("parse status: %v (raw: %s)", err, buf.String())
	}
	return st
}

// recentLogs fetches the query log as JSON.
func recentLogs(t *testing.T, client *ctl.Client) []querylog.LogRecord {
	t.Helper()
	var buf bytes.Buffer
	if err := client.Logs(t.Context(), 100, true, &buf); err != nil {
		t.Fatalf("logs: %v", err)
	}
	var recs []querylog.LogRecord
	if err := json.Unmarshal(buf.Bytes(), &recs); err != nil {
		t.Fatalf("parse logs: %v", err)
	}
	return recs
}

// resolveA asks the daemon for name's A record and returns the first answer.
func resolveA(t *testing.T, addr, name string) string {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	c := &dns.Client{Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatalf("query %s: %v", name, err)
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String()
		}
	}
	t.Fatalf("no A record for %s (rcode %s)", name, dns.RcodeToString[resp.Rcode])
	return ""
}

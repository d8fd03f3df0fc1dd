package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masqctl/masqctl/internal/advisor"
	"github.com/masqctl/masqctl/internal/apply"
	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/events"
	"github.com/masqctl/masqctl/internal/logging"
	"github.com/masqctl/masqctl/internal/process"
	"github.com/masqctl/masqctl/internal/querylog"
	"github.com/masqctl/masqctl/internal/status"
	"github.com/masqctl/masqctl/internal/store"
)

const (
	initialConf = "domain-needed\nbogus-priv\ncache-size=150\n"
	newConf     = "domain-needed\nno-resolv\nserver=9.9.9.9\ncache-size=1000\n"
)

// fakeDaemon serves both the apply workflow and the status aggregator.
type fakeDaemon struct {
	mu          sync.Mutex
	pid         int
	failRestart bool
	unreachable bool
	restarts    int

	entered chan struct{} // signalled when Restart is called
	release chan struct{} // Restart waits on it when set
}

func (d *fakeDaemon) Mode() process.Mode { return process.ModeNative }
func (d *fakeDaemon) Target() string     { return "dnsmasq" }

func (d *fakeDaemon) Restart(context.Context, time.Duration) (process.RestartOutcome, error) {
	if d.entered != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
	}
	if d.release != nil {
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts++
	// Only the first restart of a request fails, so rollback succeeds.
	if d.failRestart && d.restarts%2 == 1 {
		return process.RestartOutcome{}, &process.SupervisorError{
			Kind:   process.StartFailed,
			Err:    errors.New("exit status 2"),
			Output: []byte("dnsmasq: failed to create listening socket\n"),
		}
	}
	d.pid += 100
	return process.RestartOutcome{PID: d.pid, Output: []byte("started\n")}, nil
}

func (d *fakeDaemon) Status(context.Context) (process.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unreachable {
		return process.Status{}, process.ErrUnreachable
	}
	return process.Status{State: process.Running, PID: d.pid, StartedAt: time.Now().Add(-time.Minute)}, nil
}

func (d *fakeDaemon) ResourceUsage(context.Context) (process.Usage, error) {
	return process.Usage{CPUPercent: 1.5, MemoryBytes: 4 << 20}, nil
}

type fakeAdvisor struct{ fail bool }

func (a fakeAdvisor) Analyze(_ context.Context, cfg string) (advisor.Analysis, error) {
	if a.fail {
		return advisor.Analysis{}, advisor.ErrUnavailable
	}
	return advisor.Analysis{Summary: "ok: " + strings.TrimSpace(cfg), Security: []string{}, Issues: []string{}}, nil
}

func (a fakeAdvisor) SuggestRecord(_ context.Context, desc string) (advisor.RecordSuggestion, error) {
	if a.fail {
		return advisor.RecordSuggestion{}, advisor.ErrUnavailable
	}
	return advisor.RecordSuggestion{Domain: "nas.lan", IP: "192.168.1.10", Explanation: desc}, nil
}

type harness struct {
	srv    *Server
	ts     *httptest.Server
	daemon *fakeDaemon
	store  *store.Store
	live   *store.LiveFile
	agg    *status.Aggregator
	logs   *querylog.Tailer
	bus    *events.Bus
}

func newHarness(t *testing.T, cfg Config, adv advisor.Client) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "history.db"), 20, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	live := &store.LiveFile{Path: filepath.Join(dir, "dnsmasq.conf")}
	require.NoError(t, live.Write([]byte(initialConf)))
	_, err = st.Bootstrap([]byte(initialConf), true)
	require.NoError(t, err)

	d := &fakeDaemon{pid: 100}
	bus := events.NewBus(logging.Discard())
	agg := status.New(d, time.Hour, logging.Discard(), status.WithActiveVersion(func() uint64 {
		c, err := st.Active()
		if err != nil {
			return 0
		}
		return c.ID
	}))
	agg.Refresh(t.Context())

	if cfg.MaxConfigBytes == 0 {
		cfg.MaxConfigBytes = 4096
	}
	validator := dnsconf.New(cfg.MaxConfigBytes, "", false)
	coord := apply.New(apply.Config{
		Validator: validator,
		Store:     st,
		Live:      live,
		Daemon:    d,
		Bus:       bus,
		Refresh:   func(ctx context.Context) { agg.Refresh(ctx) },
	}, logging.Discard())
	logs := querylog.New(querylog.Options{Buffer: 10}, logging.Discard())

	srv := NewServer(cfg, Deps{
		Status:    agg,
		Validator: validator,
		Workflow:  coord,
		History:   st,
		Logs:      logs,
		Advisor:   adv,
		Bus:       bus,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "# metrics\n") }),
	}, logging.Discard())
	srv.SetReady(true)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, ts: ts, daemon: d, store: st, live: live, agg: agg, logs: logs, bus: bus}
}

func (h *harness) post(t *testing.T, path, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) liveContent(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(h.live.Path)
	require.NoError(t, err)
	return string(data)
}

func TestTestConfigMalformedDirective(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	resp := h.post(t, "/api/test-config", "text/plain", "domain-needed\ndhcp-range=bad\n")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	res := decodeBody[dnsconf.Result](t, resp)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 2, res.Line)

	assert.Equal(t, initialConf, h.liveContent(t))
	active, err := h.store.Active()
	require.NoError(t, err)
	assert.Equal(t, initialConf, string(active.Content))
}

func TestTestConfigValid(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	resp := h.post(t, "/api/test-config", "", newConf)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[dnsconf.Result](t, resp).Valid)
}

func TestConfigBodyChecks(t *testing.T) {
	h := newHarness(t, Config{MaxConfigBytes: 64}, nil)

	resp := h.post(t, "/api/test-config", "text/plain", strings.Repeat("#", 100))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, CodeConfigTooLarge, decodeBody[map[string]string](t, resp)["code"])

	resp = h.post(t, "/api/apply", "application/json", `{"config":"port=53"}`)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp = h.post(t, "/api/apply", "text/plain; charset=utf-8", "port=53\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApplySuccessReportsNewPID(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	before := decodeBody[status.DaemonStatus](t, h.get(t, "/api/status"))
	require.True(t, before.Connected)

	resp := h.post(t, "/api/apply", "text/plain", newConf)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[apply.Result](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, apply.PhaseDone, res.Phase)
	assert.NotEmpty(t, res.RequestID)

	after := decodeBody[status.DaemonStatus](t, h.get(t, "/api/status"))
	assert.True(t, after.Active)
	assert.NotEqual(t, before.PID, after.PID)
	assert.Equal(t, res.VersionID, after.ActiveVersion)

	assert.Equal(t, newConf, h.liveContent(t))
	cfg := h.get(t, "/api/config")
	assert.Equal(t, http.StatusOK, cfg.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", cfg.Header.Get("Content-Type"))
	body, _ := io.ReadAll(cfg.Body)
	assert.Equal(t, newConf, string(body))
}

func TestApplyRestartFailureRollsBack(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.daemon.failRestart = true

	resp := h.post(t, "/api/apply", "text/plain", newConf)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["rolledBack"])
	assert.Equal(t, CodeRestartFailed, body["code"])
	assert.Equal(t, apply.KindRestartFailed, body["errorKind"])
	assert.Contains(t, body["log"], "failed to create listening socket")

	assert.Equal(t, initialConf, h.liveContent(t), "live file restored byte for byte")
	active, err := h.store.Active()
	require.NoError(t, err)
	assert.Equal(t, initialConf, string(active.Content))
}

func TestApplyInvalidConfig(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	resp := h.post(t, "/api/apply", "text/plain", "dhcp-range=bad\n")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, CodeInvalidConfig, body["code"])
	assert.Equal(t, apply.KindInvalidConfig, body["errorKind"])
	assert.Equal(t, string(apply.PhaseValidate), body["phase"])
	assert.Equal(t, 0, h.daemon.restarts)
}

func TestApplyInProgress(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.daemon.entered = make(chan struct{}, 1)
	h.daemon.release = make(chan struct{})

	done := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/api/apply", strings.NewReader(newConf))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-h.daemon.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first apply never reached restart")
	}

	for _, path := range []string{"/api/apply", "/api/config", "/api/restart"} {
		resp := h.post(t, path, "text/plain", newConf)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, path)
		assert.Equal(t, CodeApplyInProgress, decodeBody[map[string]string](t, resp)["code"], path)
	}

	close(h.daemon.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestStageThenRestart(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	resp := h.post(t, "/api/config", "text/plain", newConf)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	staged := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, staged["success"])
	assert.NotZero(t, staged["versionId"])
	assert.Equal(t, initialConf, h.liveContent(t), "staging does not touch the live file")
	assert.Equal(t, http.StatusOK, h.get(t, "/api/config/pending").StatusCode)

	resp = h.post(t, "/api/restart", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rr := decodeBody[apply.RestartResult](t, resp)
	assert.True(t, rr.Success)
	require.NotNil(t, rr.Result)
	assert.Equal(t, apply.PhaseDone, rr.Result.Phase)
	assert.Equal(t, newConf, h.liveContent(t))
	assert.Equal(t, http.StatusNotFound, h.get(t, "/api/config/pending").StatusCode)
}

func TestStageInvalidKeepsDraft(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	resp := h.post(t, "/api/config", "text/plain", "dhcp-range=bad\n")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, CodeInvalidConfig, body["code"])
	assert.NotEmpty(t, body["message"])

	hist := decodeBody[[]store.Configuration](t, h.get(t, "/api/config/history"))
	require.Len(t, hist, 2)
	assert.False(t, hist[0].Validated)
	assert.False(t, hist[0].Active)
	assert.True(t, hist[1].Active)
}

func TestPlainRestart(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	resp := h.post(t, "/api/restart", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "started\n", body["log"])
	assert.NotContains(t, body, "result")
	assert.Equal(t, 200, decodeBody[status.DaemonStatus](t, h.get(t, "/api/status")).PID)
}

func TestHistoryVersionsAndRollback(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.Equal(t, http.StatusOK, h.post(t, "/api/apply", "text/plain", newConf).StatusCode)

	hist := decodeBody[[]store.Configuration](t, h.get(t, "/api/config/history?limit=10"))
	require.Len(t, hist, 2)
	assert.Greater(t, hist[0].ID, hist[1].ID, "newest first")
	first := hist[1].ID

	v := h.get(t, "/api/config/versions/"+itoa(first))
	require.Equal(t, http.StatusOK, v.StatusCode)
	data, _ := io.ReadAll(v.Body)
	assert.Equal(t, initialConf, string(data))

	resp := h.post(t, "/api/config/rollback/"+itoa(first), "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[apply.Result](t, resp).Success)
	assert.Equal(t, initialConf, h.liveContent(t))

	assert.Equal(t, http.StatusNotFound, h.post(t, "/api/config/rollback/999", "", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, h.get(t, "/api/config/versions/999").StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.get(t, "/api/config/versions/abc").StatusCode)
}

func TestStatusUnreachable(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.daemon.mu.Lock()
	h.daemon.unreachable = true
	h.daemon.mu.Unlock()
	h.agg.Refresh(t.Context())

	resp := h.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeBody[status.DaemonStatus](t, resp).Connected)
}

func TestRateLimitMutatingOnly(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 0.001, RateBurst: 2}, nil)

	for range 2 {
		assert.Equal(t, http.StatusOK, h.post(t, "/api/test-config", "", newConf).StatusCode)
	}
	resp := h.post(t, "/api/test-config", "", newConf)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, h.get(t, "/api/status").StatusCode)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, Config{CORSOrigin: "http://ui.local"}, nil)

	req, _ := http.NewRequest(http.MethodOptions, h.ts.URL+"/api/apply", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://ui.local", resp.Header.Get("Access-Control-Allow-Origin"))

	assert.Equal(t, "http://ui.local", h.get(t, "/api/status").Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	assert.Equal(t, http.StatusOK, h.get(t, "/healthz").StatusCode)
	assert.Equal(t, http.StatusOK, h.get(t, "/readyz").StatusCode)
	assert.Equal(t, http.StatusOK, h.get(t, "/metrics").StatusCode)

	h.srv.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, h.get(t, "/readyz").StatusCode)

	require.NoError(t, h.srv.Stop(t.Context()))
	assert.Equal(t, http.StatusServiceUnavailable, h.get(t, "/healthz").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, h.post(t, "/api/apply", "", newConf).StatusCode)
}

func ingestQuery(h *harness, domain string) {
	now := time.Now()
	h.logs.Ingest("dnsmasq[1]: query[A] "+domain+" from 10.0.0.9", now)
	h.logs.Ingest("dnsmasq[1]: cached "+domain+" is 1.2.3.4", now)
}

func TestLogsAndStats(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ingestQuery(h, "a.example")
	ingestQuery(h, "b.example")
	h.logs.Ingest("dnsmasq[1]: query[A] ads.example from 10.0.0.9", time.Now())
	h.logs.Ingest("dnsmasq[1]: config ads.example is 0.0.0.0", time.Now())

	recs := decodeBody[[]querylog.LogRecord](t, h.get(t, "/api/logs?limit=2"))
	require.Len(t, recs, 2)
	assert.Equal(t, "ads.example", recs[0].Domain)
	assert.Equal(t, querylog.StatusBlocked, recs[0].Status)
	assert.Equal(t, "b.example", recs[1].Domain)

	stats := decodeBody[querylog.QueryStats](t, h.get(t, "/api/stats"))
	assert.Equal(t, uint64(3), stats.TotalQueries)
	assert.Equal(t, uint64(1), stats.BlockedQueries)
}

func TestLogStreamWebSocket(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ingestQuery(h, "one.example")
	ingestQuery(h, "two.example")

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/logs/stream"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	read := func() querylog.LogRecord {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var rec querylog.LogRecord
		require.NoError(t, conn.ReadJSON(&rec))
		return rec
	}

	assert.Equal(t, "one.example", read().Domain)
	assert.Equal(t, "two.example", read().Domain)

	ingestQuery(h, "three.example")
	assert.Equal(t, "three.example", read().Domain)
}

func TestLogStreamRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, Config{CORSOrigin: "http://ui.local"}, nil)

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/logs/stream"
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/api/events?types=apply", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		buf := make([]byte, 4096)
		var acc string
		for {
			n, err := resp.Body.Read(buf)
			acc += string(buf[:n])
			for {
				i := strings.IndexByte(acc, '\n')
				if i < 0 {
					break
				}
				lines <- acc[:i]
				acc = acc[i+1:]
			}
			if err != nil {
				return
			}
		}
	}()

	require.Equal(t, http.StatusOK, h.post(t, "/api/apply", "text/plain", newConf).StatusCode)

	var seen []string
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream ended early")
			if name, found := strings.CutPrefix(l, "event: "); found {
				seen = append(seen, name)
			}
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []string{string(events.ApplyStarted), string(events.ApplyCompleted)}, seen)

	assert.Equal(t, http.StatusBadRequest, h.get(t, "/api/events?types=bogus").StatusCode)
}

func TestAdvisorEndpoints(t *testing.T) {
	h := newHarness(t, Config{}, fakeAdvisor{})

	resp := h.post(t, "/api/advisor/analyze", "text/plain", "port=53\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok: port=53", decodeBody[advisor.Analysis](t, resp).Summary)

	resp = h.post(t, "/api/advisor/suggest-record", "application/json", `{"description":"nas"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nas.lan", decodeBody[advisor.RecordSuggestion](t, resp).Domain)

	assert.Equal(t, http.StatusBadRequest,
		h.post(t, "/api/advisor/suggest-record", "application/json", `{}`).StatusCode)
}

func TestAdvisorUnavailableIsNoContent(t *testing.T) {
	for name, adv := range map[string]advisor.Client{
		"failing":  fakeAdvisor{fail: true},
		"disabled": nil,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{}, adv)
			assert.Equal(t, http.StatusNoContent,
				h.post(t, "/api/advisor/analyze", "text/plain", "port=53\n").StatusCode)
			assert.Equal(t, http.StatusNoContent,
				h.post(t, "/api/advisor/suggest-record", "", `{"description":"x"}`).StatusCode)
		})
	}
}

func TestUnixSocket(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	sock := filepath.Join(t.TempDir(), "api.sock")
	require.NoError(t, h.srv.StartUnix(sock, 0o600))
	t.Cleanup(func() { h.srv.Stop(context.Background()) })
	assert.Equal(t, sock, h.srv.UnixAddr())

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	resp, err := client.Get("http://masqctl/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRemoveStaleSocketRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.Error(t, removeStaleSocket(path))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apply.ErrApplyInProgress, http.StatusConflict, CodeApplyInProgress},
		{&dnsconf.ValidationError{Kind: dnsconf.KindSyntax, Msg: "bad"}, http.StatusUnprocessableEntity, CodeInvalidConfig},
		{&dnsconf.ValidationError{Kind: dnsconf.KindTooLarge, Msg: "big"}, http.StatusRequestEntityTooLarge, CodeConfigTooLarge},
		{dnsconf.ErrValidatorUnavailable, http.StatusServiceUnavailable, CodeValidatorUnavailable},
		{&store.PersistenceError{Op: "stage", Err: errors.New("disk full")}, http.StatusInternalServerError, CodePersistenceError},
		{store.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{process.ErrUnreachable, http.StatusServiceUnavailable, CodeDaemonUnreachable},
		{&process.SupervisorError{Kind: process.Timeout, Err: errors.New("probe")}, http.StatusBadGateway, CodeRestartFailed},
		{&process.SupervisorError{Kind: process.StartFailed, Err: process.ErrUnreachable}, http.StatusServiceUnavailable, CodeDaemonUnreachable},
		{apply.ErrVerifyFailed, http.StatusBadGateway, CodeRestartFailed},
		{&apply.FatalError{Cause: process.ErrUnreachable, Rollback: errors.New("x")}, http.StatusBadGateway, CodeRestartFailed},
		{&apply.FatalError{Cause: &store.PersistenceError{Op: "promote", Err: errors.New("disk full")}, Rollback: errors.New("x")}, http.StatusBadGateway, CodeRestartFailed},
		{&apply.FatalError{Cause: store.ErrNotFound, Rollback: errors.New("x")}, http.StatusBadGateway, CodeRestartFailed},
		{errors.New("boom"), http.StatusInternalServerError, CodeServerError},
	}
	for _, tt := range tests {
		status, code := classifyError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }

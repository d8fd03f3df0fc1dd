package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	body, _ := io.ReadAll(w.Body)
	return string(body)
}

func TestMetricsHandler(t *testing.T) {
	c := New()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("expected go_goroutines metric")
	}
}

func TestDaemonGauges(t *testing.T) {
	c := New()
	c.SetDaemon("native-host", true, 2, 12.5, 2048, 30)

	body := scrape(t, c)
	for _, want := range []string{
		`masqctl_daemon_up{mode="native-host"} 1`,
		"masqctl_daemon_state 2",
		"masqctl_daemon_cpu_percent 12.5",
		"masqctl_daemon_memory_bytes 2048",
		"masqctl_daemon_uptime_seconds 30",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}

	c.SetDaemon("native-host", false, 0, 0, 0, 0)
	if !strings.Contains(scrape(t, c), `masqctl_daemon_up{mode="native-host"} 0`) {
		t.Fatal("expected daemon_up 0 after stop")
	}
}

func TestApplyCounters(t *testing.T) {
	c := New()
	c.ObserveApply("done", 1.2)
	c.ObserveApply("done", 0.8)
	c.ObserveApply("rejected", 0)
	c.IncRestart(true)
	c.IncRestart(false)

	body := scrape(t, c)
	for _, want := range []string{
		`masqctl_apply_total{outcome="done"} 2`,
		`masqctl_apply_total{outcome="rejected"} 1`,
		"masqctl_apply_duration_seconds_count 2",
		`masqctl_daemon_restart_total{result="ok"} 1`,
		`masqctl_daemon_restart_total{result="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestQueryCounters(t *testing.T) {
	c := New()
	c.IncQueryRecord("cached")
	c.IncQueryRecord("cached")
	c.IncQueryMalformed()
	c.AddQueryDropped(3)
	c.IncStatusTickError()

	body := scrape(t, c)
	for _, want := range []string{
		`masqctl_query_records_total{status="cached"} 2`,
		"masqctl_query_malformed_lines_total 1",
		"masqctl_query_subscriber_dropped_total 3",
		"masqctl_status_tick_errors_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestBuildInfo(t *testing.T) {
	c := New()
	c.SetBuildInfo("1.0.0", "go1.24.0")

	body := scrape(t, c)
	if !strings.Contains(body, `masqctl_info{go_version="go1.24.0",version="1.0.0"} 1`) {
		t.Fatalf("expected build info metric, got:\n%s", body)
	}
}

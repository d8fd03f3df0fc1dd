package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Webhook body formats.
const (
	FormatGeneric   = "generic"
	FormatSlack     = "slack"
	FormatPagerDuty = "pagerduty"
)

const (
	breakerThreshold = 5 // consecutive failed deliveries before a hook is paused
	breakerCooldown  = 5 * time.Minute
)

// WebhookConfig describes a single webhook destination.
type WebhookConfig struct {
	Name       string
	URL        string
	Events     []EventType
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	Template   string // body format: generic, slack or pagerduty
	RoutingKey string // PagerDuty integration key
}

// Notification is what masqctl reports about one event. The generic
// format posts it as is; the others wrap it.
type Notification struct {
	Event      EventType `json:"event"`
	Severity   string    `json:"severity"`
	Summary    string    `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
	Mode       string    `json:"mode,omitempty"`
	Target     string    `json:"target,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	VersionID  uint64    `json:"versionId,omitempty"`
	RolledBack bool      `json:"rolledBack"`
	Fatal      bool      `json:"fatal"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	From       string    `json:"from,omitempty"`
	State      string    `json:"state,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

// NewNotification lifts the string data of an apply, restart or daemon
// state event into typed fields.
func NewNotification(e Event) Notification {
	d := e.Data
	n := Notification{
		Event:      e.Type,
		Timestamp:  e.Timestamp.UTC(),
		Mode:       d["mode"],
		Target:     d["target"],
		RequestID:  d["requestId"],
		Phase:      d["phase"],
		Error:      d["error"],
		ErrorKind:  d["errorKind"],
		From:       d["from"],
		State:      d["state"],
		RolledBack: e.Type == ApplyRolledBack,
		Fatal:      e.Type == ApplyFatal,
	}
	n.VersionID, _ = strconv.ParseUint(d["versionId"], 10, 64)
	n.PID, _ = strconv.Atoi(d["pid"])
	n.Severity = severityOf(n)
	n.Summary = summarize(n)
	return n
}

// severityOf uses PagerDuty's scale: critical, error, warning, info.
func severityOf(n Notification) string {
	switch {
	case n.Fatal:
		return "critical"
	case n.Event == DaemonStateCrashed:
		return "error"
	case n.Event == DaemonRestarted && n.Error != "":
		return "error"
	case n.RolledBack, n.Event == ApplyRejected:
		return "warning"
	default:
		return "info"
	}
}

func summarize(n Notification) string {
	switch n.Event {
	case ApplyFatal:
		return fmt.Sprintf("apply %s failed and rollback did not bring the daemon back: %s", n.RequestID, n.Error)
	case ApplyRolledBack:
		return fmt.Sprintf("apply %s failed at %s and was rolled back: %s", n.RequestID, n.Phase, n.Error)
	case ApplyRejected:
		return fmt.Sprintf("apply %s rejected: %s", n.RequestID, n.Error)
	case ApplyCompleted:
		return fmt.Sprintf("version %d applied", n.VersionID)
	case ApplyStarted:
		return fmt.Sprintf("apply %s started", n.RequestID)
	case ConfigStaged:
		return fmt.Sprintf("version %d staged for the next restart", n.VersionID)
	case DaemonRestarted:
		if n.Error != "" {
			return "daemon restart failed: " + n.Error
		}
		return fmt.Sprintf("daemon restarted with pid %d", n.PID)
	case ServiceStarted:
		return "masqctl started"
	case ServiceStopping:
		return "masqctl stopping"
	}
	if n.State != "" {
		return fmt.Sprintf("daemon %s -> %s", n.From, n.State)
	}
	return string(n.Event)
}

type slackMessage struct {
	Text string `json:"text"`
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string       `json:"summary"`
	Source        string       `json:"source"`
	Severity      string       `json:"severity"`
	Timestamp     string       `json:"timestamp"`
	Component     string       `json:"component"`
	CustomDetails Notification `json:"custom_details"`
}

// encodeNotification renders n in the hook's format. PagerDuty incidents
// are keyed per supervised daemon: problems trigger, recoveries resolve.
func encodeNotification(cfg WebhookConfig, n Notification) ([]byte, error) {
	switch cfg.Template {
	case FormatSlack:
		return json.Marshal(slackMessage{Text: fmt.Sprintf("[%s] %s", n.Severity, n.Summary)})
	case FormatPagerDuty:
		action := "trigger"
		if n.Severity == "info" {
			action = "resolve"
		}
		component := n.Target
		if component == "" {
			component = "dnsmasq"
		}
		return json.Marshal(pagerDutyEvent{
			RoutingKey:  cfg.RoutingKey,
			EventAction: action,
			DedupKey:    "masqctl/" + n.Mode + "/" + component,
			Payload: pagerDutyPayload{
				Summary:       n.Summary,
				Source:        "masqctl",
				Severity:      n.Severity,
				Timestamp:     n.Timestamp.Format(time.RFC3339),
				Component:     component,
				CustomDetails: n,
			},
		})
	default:
		return json.Marshal(n)
	}
}

// hook is one destination with its own circuit breaker.
type hook struct {
	cfg    WebhookConfig
	events map[EventType]bool
	client *http.Client

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// allow reports whether a delivery may be attempted. Once the cooldown
// passes, deliveries resume; the next failure pauses the hook again.
func (h *hook) allow(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !now.Before(h.openUntil)
}

func (h *hook) record(ok bool, now time.Time) (tripped bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ok {
		h.failures = 0
		return false
	}
	h.failures++
	if h.failures >= breakerThreshold {
		h.openUntil = now.Add(breakerCooldown)
		return true
	}
	return false
}

// WebhookManager delivers notifications for selected events as HTTP POSTs.
type WebhookManager struct {
	bus    *Bus
	logger *slog.Logger
	hooks  []*hook
	subIDs []uint64
	wg     sync.WaitGroup

	backoff time.Duration // first retry delay, doubled per attempt
	now     func() time.Time
}

// NewWebhookManager creates a webhook manager and subscribes to events.
func NewWebhookManager(bus *Bus, configs []WebhookConfig, logger *slog.Logger) *WebhookManager {
	wm := &WebhookManager{
		bus:     bus,
		logger:  logger,
		backoff: time.Second,
		now:     time.Now,
	}

	subscribed := make(map[EventType]bool)
	for _, cfg := range configs {
		if cfg.Timeout <= 0 {
			cfg.Timeout = 5 * time.Second
		}
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = 3
		}
		if cfg.Template == "" {
			cfg.Template = FormatGeneric
		}
		h := &hook{
			cfg:    cfg,
			events: make(map[EventType]bool, len(cfg.Events)),
			client: &http.Client{Timeout: cfg.Timeout},
		}
		for _, et := range cfg.Events {
			h.events[et] = true
			if !subscribed[et] {
				subscribed[et] = true
				wm.subIDs = append(wm.subIDs, bus.Subscribe(et, wm.dispatch))
			}
		}
		wm.hooks = append(wm.hooks, h)
	}
	return wm
}

// Stop unsubscribes from all events and waits for in-flight deliveries.
func (wm *WebhookManager) Stop() {
	for _, id := range wm.subIDs {
		wm.bus.Unsubscribe(id)
	}
	wm.wg.Wait()
}

func (wm *WebhookManager) dispatch(e Event) {
	n := NewNotification(e)
	for _, h := range wm.hooks {
		if !h.events[e.Type] {
			continue
		}
		wm.wg.Add(1)
		go func() {
			defer wm.wg.Done()
			wm.deliver(h, n)
		}()
	}
}

func (wm *WebhookManager) deliver(h *hook, n Notification) {
	if !h.allow(wm.now()) {
		wm.logger.Debug("webhook paused, dropping notification", "name", h.cfg.Name, "event", n.Event)
		return
	}
	body, err := encodeNotification(h.cfg, n)
	if err != nil {
		wm.logger.Error("encode webhook body", "name", h.cfg.Name, "error", err)
		return
	}

	var lastErr error
	for attempt := range h.cfg.MaxRetries {
		if attempt > 0 {
			time.Sleep(wm.backoff << uint(attempt-1))
		}
		if lastErr = wm.post(h, body); lastErr == nil {
			h.record(true, wm.now())
			return
		}
	}

	wm.logger.Error("webhook delivery failed",
		"name", h.cfg.Name, "event", n.Event, "attempts", h.cfg.MaxRetries, "error", lastErr)
	if h.record(false, wm.now()) {
		wm.logger.Warn("webhook paused after repeated failures",
			"name", h.cfg.Name, "url", h.cfg.URL, "cooldown", breakerCooldown)
	}
}

func (wm *WebhookManager) post(h *hook, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "masqctl-webhook/1.0")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// ValidateWebhookURL checks that a URL is absolute and uses HTTPS, unless
// it points at the loopback interface or allowInsecure is set.
func ValidateWebhookURL(rawURL string, allowInsecure bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid webhook URL format: %s", rawURL)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" || allowInsecure {
			return nil
		}
		return fmt.Errorf("webhook URL must use HTTPS: %s (set allow_insecure=true to override)", rawURL)
	default:
		return fmt.Errorf("unsupported webhook URL scheme %q", u.Scheme)
	}
}

// Package ctl implements the CLI control client for a running masqctl
// service, over its Unix socket or TCP API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/masqctl/masqctl/internal/apply"
	"github.com/masqctl/masqctl/internal/querylog"
	"github.com/masqctl/masqctl/internal/status"
	"github.com/masqctl/masqctl/internal/store"
)

// DefaultSocket is the Unix socket the CLI dials when none is given.
const DefaultSocket = "/run/masqctl.sock"

// APIError is an error body returned by the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Client communicates with the masqctl API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	dialer     *websocket.Dialer
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   2 * time.Minute, // applies wait for the daemon to restart
		},
		baseURL: "http://unix",
		dialer:  &websocket.Dialer{NetDialContext: dial, HandshakeTimeout: 10 * time.Second},
	}
}

// NewTCPClient creates a client that connects via TCP.
func NewTCPClient(addr string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    "http://" + addr,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return resp, nil
}

// doJSON sends a request and decodes the response into out. Error
// statuses whose body does not decode into out become *APIError.
func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) (int, error) {
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, apiError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("invalid response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func apiError(status int, data []byte) *APIError {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return &APIError{StatusCode: status, Message: fmt.Sprintf("server error (status %d)", status)}
	}
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Code: body.Code, Message: msg}
}

// --- Status display ---

// Status retrieves and prints the daemon status.
func (c *Client) Status(ctx context.Context, jsonOutput, noColor bool, w io.Writer) error {
	var st status.DaemonStatus
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/status", "", nil, &st); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, st)
	}
	return formatStatus(st, w, !noColor && isTerminal(w))
}

func formatStatus(st status.DaemonStatus, w io.Writer, color bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	state := strings.ToUpper(st.State)
	if state == "" {
		state = "UNKNOWN"
	}
	if !st.Connected {
		state = "UNREACHABLE"
	}
	if color {
		state = colorState(state)
	}

	pid := "-"
	if st.PID > 0 {
		pid = strconv.Itoa(st.PID)
	}
	uptime := "-"
	if st.UptimeSeconds > 0 {
		uptime = formatDuration(time.Duration(st.UptimeSeconds) * time.Second)
	}
	version := "-"
	if st.ActiveVersion > 0 {
		version = strconv.FormatUint(st.ActiveVersion, 10)
	}

	fmt.Fprintf(tw, "MODE\tSTATE\tPID\tUPTIME\tCPU\tMEMORY\tCONFIG\n")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%s\t%s\n",
		st.Mode, state, pid, uptime, st.CPUPercent, formatBytes(st.MemoryBytes), version)
	return tw.Flush()
}

func colorState(state string) string {
	switch state {
	case "RUNNING":
		return "\033[32m" + state + "\033[0m"
	case "CRASHED", "UNREACHABLE":
		return "\033[31m" + state + "\033[0m"
	case "STARTING", "STOPPING":
		return "\033[33m" + state + "\033[0m"
	default:
		return state
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Configuration workflow ---

// TestResult is the verdict of a dry-run validation.
type TestResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Line  int    `json:"line,omitempty"`
}

// Test validates content without changing anything. An invalid config is
// reported in the result, not as an error.
func (c *Client) Test(ctx context.Context, content []byte) (TestResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/test-config", "text/plain", bytes.NewReader(content))
	if err != nil {
		return TestResult{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TestResult{}, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		var res TestResult
		if err := json.Unmarshal(data, &res); err == nil && (res.Valid || res.Error != "") {
			return res, nil
		}
	}
	return TestResult{}, apiError(resp.StatusCode, data)
}

// StageResult is the response to staging a configuration.
type StageResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	VersionID uint64 `json:"versionId,omitempty"`
}

// Stage saves content as the pending version without restarting.
func (c *Client) Stage(ctx context.Context, content []byte) (StageResult, error) {
	var res StageResult
	_, err := c.doJSON(ctx, http.MethodPost, "/api/config", "text/plain", bytes.NewReader(content), &res)
	return res, err
}

// Apply runs the full validate, stage, restart and verify workflow. A
// failed workflow returns both its Result and an error.
func (c *Client) Apply(ctx context.Context, content []byte) (apply.Result, error) {
	return c.workflow(ctx, "/api/apply", bytes.NewReader(content))
}

// Rollback re-applies a stored version.
func (c *Client) Rollback(ctx context.Context, id uint64) (apply.Result, error) {
	return c.workflow(ctx, "/api/config/rollback/"+strconv.FormatUint(id, 10), nil)
}

func (c *Client) workflow(ctx context.Context, path string, body io.Reader) (apply.Result, error) {
	ct := ""
	if body != nil {
		ct = "text/plain"
	}
	resp, err := c.do(ctx, http.MethodPost, path, ct, body)
	if err != nil {
		return apply.Result{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apply.Result{}, fmt.Errorf("read response: %w", err)
	}

	var res apply.Result
	if json.Unmarshal(data, &res) != nil || res.RequestID == "" {
		if resp.StatusCode >= 400 {
			return apply.Result{}, apiError(resp.StatusCode, data)
		}
		return apply.Result{}, fmt.Errorf("invalid response (status %d)", resp.StatusCode)
	}
	if !res.Success {
		return res, apiError(resp.StatusCode, data)
	}
	return res, nil
}

// Restart restarts the daemon, applying the pending version if any.
func (c *Client) Restart(ctx context.Context) (apply.RestartResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/restart", "", nil)
	if err != nil {
		return apply.RestartResult{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apply.RestartResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		var res apply.RestartResult
		if err := json.Unmarshal(data, &res); err != nil {
			return res, fmt.Errorf("invalid response: %w", err)
		}
		return res, nil
	}

	var res apply.RestartResult
	_ = json.Unmarshal(data, &res)
	e := apiError(resp.StatusCode, data)
	if res.Result != nil && res.Result.Error != "" {
		e.Message = res.Result.Error
	}
	return res, e
}

// --- History ---

// History prints stored configuration versions, newest first.
func (c *Client) History(ctx context.Context, limit int, jsonOutput bool, w io.Writer) error {
	var list []store.Configuration
	path := "/api/config/history?limit=" + strconv.Itoa(limit)
	if _, err := c.doJSON(ctx, http.MethodGet, path, "", nil, &list); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, list)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "VERSION\tCREATED\tSOURCE\tSIZE\tVALID\tSHA256\t\n")
	for _, cfg := range list {
		active := ""
		if cfg.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%t\t%.12s\t%s\n",
			cfg.ID, cfg.CreatedAt.Local().Format(time.DateTime), cfg.Source,
			cfg.Size, cfg.Validated, cfg.SHA256, active)
	}
	return tw.Flush()
}

// Show writes a version's content; id 0 means the active version.
func (c *Client) Show(ctx context.Context, id uint64, w io.Writer) error {
	path := "/api/config"
	if id > 0 {
		path = "/api/config/versions/" + strconv.FormatUint(id, 10)
	}
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, data)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// --- Query log ---

// Logs prints the most recent query records.
func (c *Client) Logs(ctx context.Context, limit int, jsonOutput bool, w io.Writer) error {
	var recs []querylog.LogRecord
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/logs?limit="+strconv.Itoa(limit), "", nil, &recs); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, recs)
	}
	// The API returns newest first; print in arrival order.
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TIME\tCLIENT\tTYPE\tDOMAIN\tSTATUS\tANSWER\n")
	for i := len(recs) - 1; i >= 0; i-- {
		writeRecord(tw, recs[i])
	}
	return tw.Flush()
}

func writeRecord(w io.Writer, r querylog.LogRecord) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		r.Timestamp.Local().Format(time.TimeOnly), r.ClientAddress, r.QueryType,
		r.Domain, r.Status, r.Answer)
}

// LogsFollow streams query records over the websocket until ctx ends.
func (c *Client) LogsFollow(ctx context.Context, jsonOutput bool, w io.Writer) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/logs/stream"
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			return apiError(resp.StatusCode, data)
		}
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var rec querylog.LogRecord
		if err := conn.ReadJSON(&rec); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if jsonOutput {
			if err := json.NewEncoder(w).Encode(rec); err != nil {
				return err
			}
			continue
		}
		writeRecord(w, rec)
	}
}

// Stats prints aggregate query statistics.
func (c *Client) Stats(ctx context.Context, w io.Writer) error {
	var st querylog.QueryStats
	if _, err := c.doJSON(ctx, http.MethodGet, "/api/stats", "", nil, &st); err != nil {
		return err
	}
	return writeJSON(w, st)
}

// --- Events ---

// Events streams lifecycle events via SSE until ctx ends.
func (c *Client) Events(ctx context.Context, types []string, w io.Writer) error {
	path := "/api/events"
	if len(types) > 0 {
		path += "?types=" + strings.Join(types, ",")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, data)
	}

	// Parse SSE stream.
	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			pending += string(buf[:n])
			for {
				i := strings.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := pending[:i]
				pending = pending[i+1:]
				if data, ok := strings.CutPrefix(line, "data: "); ok {
					fmt.Fprintln(w, data)
				}
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// --- Health checks ---

// Health checks service liveness.
func (c *Client) Health(ctx context.Context) (string, error) {
	return c.probe(ctx, "/healthz")
}

// Ready checks service readiness.
func (c *Client) Ready(ctx context.Context) (string, error) {
	return c.probe(ctx, "/readyz")
}

func (c *Client) probe(ctx context.Context, path string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	status, _ := body["status"].(string)
	return status, nil
}

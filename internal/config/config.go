// Package config handles loading and validating the masqctl control-plane
// configuration (masqctl.toml). It does not parse the supervised daemon's
// own configuration; see package dnsconf for that.
package config

import (
	"fmt"
	"time"
)

// Supported daemon supervision modes.
const (
	ModeNative    = "native-host"
	ModeContainer = "standalone-container"
	ModeSidecar   = "sidecar-remote-container"
)

// Query log sources.
const (
	LogSourceDaemon = "daemon-output"
	LogSourceFile   = "file"
	LogSourceNone   = "none"
)

// Config is the top-level masqctl configuration.
type Config struct {
	Log      LogConfig                `toml:"log"`
	Server   ServerConfig             `toml:"server"`
	Daemon   DaemonConfig             `toml:"daemon"`
	Store    StoreConfig              `toml:"store"`
	Status   StatusConfig             `toml:"status"`
	Logs     QueryLogConfig           `toml:"logs"`
	Advisor  AdvisorConfig            `toml:"advisor"`
	Audit    AuditConfig              `toml:"audit"`
	Webhooks map[string]WebhookConfig `toml:"webhooks"`
}

// LogConfig holds settings for masqctl's own structured log.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// ServerConfig holds ControlAPI listener settings.
type ServerConfig struct {
	Listen          string   `toml:"listen"`
	UnixSocket      string   `toml:"unix_socket"`
	SocketMode      string   `toml:"socket_mode"`
	CORSOrigin      string   `toml:"cors_origin"`
	StaticDir       string   `toml:"static_dir"`
	MaxConfigBytes  int64    `toml:"max_config_bytes"`
	RateLimit       float64  `toml:"rate_limit"` // mutating requests per second
	RateBurst       int      `toml:"rate_burst"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	PIDFile         string   `toml:"pidfile"`
}

// DaemonConfig describes the supervised DNS/DHCP daemon.
type DaemonConfig struct {
	Mode           string          `toml:"mode"`
	Command        string          `toml:"command"`
	ConfigPath     string          `toml:"config_path"`
	Binary         string          `toml:"binary"`
	TestWithBinary bool            `toml:"test_with_binary"`
	Autostart      *bool           `toml:"autostart"`
	StopSignal     string          `toml:"stop_signal"`
	StopGrace      Duration        `toml:"stop_grace"`
	RestartTimeout Duration        `toml:"restart_timeout"`
	ProbeAddr      string          `toml:"probe_addr"`
	ProbeName      string          `toml:"probe_name"`
	ProbeInterval  Duration        `toml:"probe_interval"`
	Container      ContainerConfig `toml:"container"`
}

// ContainerConfig selects the container running the daemon in the two
// container modes.
type ContainerConfig struct {
	Socket    string `toml:"socket"`
	Namespace string `toml:"namespace"`
	ID        string `toml:"id"`
	LogFile   string `toml:"log_file"` // task stdio destination; empty discards
}

// StoreConfig holds ConfigStore settings.
type StoreConfig struct {
	Path         string `toml:"path"`
	HistoryLimit int    `toml:"history_limit"`
}

// StatusConfig holds StatusAggregator settings.
type StatusConfig struct {
	Interval Duration `toml:"interval"`
}

// QueryLogConfig holds LogTailer settings.
type QueryLogConfig struct {
	Source           string   `toml:"source"`
	File             string   `toml:"file"`
	Buffer           int      `toml:"buffer"`
	SubscriberBuffer int      `toml:"subscriber_buffer"`
	PendingTTL       Duration `toml:"pending_ttl"`
}

// AdvisorConfig configures the optional advisory text generator.
type AdvisorConfig struct {
	Enabled   bool     `toml:"enabled"`
	Model     string   `toml:"model"`
	BaseURL   string   `toml:"base_url"`
	APIKeyEnv string   `toml:"api_key_env"`
	Timeout   Duration `toml:"timeout"`
}

// AuditConfig configures the apply/restart audit trail.
type AuditConfig struct {
	File string `toml:"file"`
}

// WebhookConfig holds per-webhook settings.
type WebhookConfig struct {
	URL      string            `toml:"url"`
	Events   []string          `toml:"events"`
	Headers  map[string]string `toml:"headers"`
	Timeout  Duration          `toml:"timeout"`
	Retries  int               `toml:"retries"`
	Template string            `toml:"template"`

	// RoutingKey is the PagerDuty integration key; ${ENV} is expanded.
	RoutingKey string `toml:"routing_key"`

	AllowInsecure bool `toml:"allow_insecure"`
}

// Duration is a time.Duration written as a Go duration string ("3s").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration in code and tests.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// AutostartEnabled reports whether the daemon should be started (native
// mode) or attached to (container modes) when masqctl starts.
func (d DaemonConfig) AutostartEnabled() bool {
	return d.Autostart == nil || *d.Autostart
}

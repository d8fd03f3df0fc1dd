package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

var validModes = map[string]bool{
	ModeNative: true, ModeContainer: true, ModeSidecar: true,
}

var validLogSources = map[string]bool{
	LogSourceDaemon: true, LogSourceFile: true, LogSourceNone: true,
}

// validSignals lists the supported stop signals.
var validSignals = map[string]bool{
	"TERM": true, "HUP": true, "INT": true, "QUIT": true,
	"KILL": true, "USR1": true, "USR2": true,
}

var validTemplates = map[string]bool{
	"generic": true, "slack": true, "pagerduty": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if !validModes[cfg.Daemon.Mode] {
		errs = append(errs, fmt.Errorf("daemon.mode must be one of %s, %s, %s; got %q",
			ModeNative, ModeContainer, ModeSidecar, cfg.Daemon.Mode))
	}

	switch cfg.Daemon.Mode {
	case ModeNative:
		if strings.TrimSpace(cfg.Daemon.Command) == "" {
			errs = append(errs, fmt.Errorf("daemon.command is required in %s mode", ModeNative))
		}
		if cfg.Logs.Source == LogSourceDaemon && !strings.Contains(cfg.Daemon.Command, "log-facility=-") {
			errs = append(errs, fmt.Errorf("logs.source %q requires the daemon command to log to stderr (--log-facility=-)", LogSourceDaemon))
		}
	case ModeContainer, ModeSidecar:
		if cfg.Daemon.Container.ID == "" {
			errs = append(errs, fmt.Errorf("daemon.container.id is required in %s mode", cfg.Daemon.Mode))
		}
		if cfg.Logs.Source == LogSourceDaemon {
			errs = append(errs, fmt.Errorf("logs.source %q is only available in %s mode", LogSourceDaemon, ModeNative))
		}
	}

	if cfg.Daemon.ConfigPath == "" {
		errs = append(errs, fmt.Errorf("daemon.config_path is required"))
	}

	sig := strings.TrimPrefix(strings.ToUpper(cfg.Daemon.StopSignal), "SIG")
	if !validSignals[sig] {
		errs = append(errs, fmt.Errorf("daemon.stop_signal: invalid signal %q", cfg.Daemon.StopSignal))
	}

	if _, _, err := net.SplitHostPort(cfg.Daemon.ProbeAddr); err != nil {
		errs = append(errs, fmt.Errorf("daemon.probe_addr: %w", err))
	}

	if cfg.Daemon.RestartTimeout.Duration <= cfg.Daemon.StopGrace.Duration {
		errs = append(errs, fmt.Errorf("daemon.restart_timeout (%s) must exceed daemon.stop_grace (%s)",
			cfg.Daemon.RestartTimeout, cfg.Daemon.StopGrace))
	}

	if cfg.Server.Listen == "" && cfg.Server.UnixSocket == "" {
		errs = append(errs, fmt.Errorf("server: at least one of listen or unix_socket must be set"))
	}
	if _, err := strconv.ParseUint(cfg.Server.SocketMode, 8, 32); err != nil {
		errs = append(errs, fmt.Errorf("server.socket_mode must be octal, got %q", cfg.Server.SocketMode))
	}
	if cfg.Server.MaxConfigBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_config_bytes must be positive, got %d", cfg.Server.MaxConfigBytes))
	}
	if cfg.Server.RateLimit < 0 || cfg.Server.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit and server.rate_burst must not be negative"))
	}

	if cfg.Store.HistoryLimit < 2 {
		errs = append(errs, fmt.Errorf("store.history_limit must be >= 2, got %d", cfg.Store.HistoryLimit))
	}

	if cfg.Status.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("status.interval must be positive"))
	}

	if !validLogSources[cfg.Logs.Source] {
		errs = append(errs, fmt.Errorf("logs.source must be %s, %s or %s; got %q",
			LogSourceDaemon, LogSourceFile, LogSourceNone, cfg.Logs.Source))
	}
	if cfg.Logs.Buffer < 1 || cfg.Logs.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("logs.buffer and logs.subscriber_buffer must be >= 1"))
	}

	for name, w := range cfg.Webhooks {
		prefix := fmt.Sprintf("webhooks.%s", name)
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("%s: url is required", prefix))
		}
		if len(w.Events) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one event is required", prefix))
		}
		if !validTemplates[w.Template] {
			errs = append(errs, fmt.Errorf("%s: template must be generic, slack or pagerduty, got %q", prefix, w.Template))
		}
		if w.Template == "pagerduty" && w.RoutingKey == "" {
			errs = append(errs, fmt.Errorf("%s: routing_key is required for the pagerduty template", prefix))
		}
	}

	return errs
}

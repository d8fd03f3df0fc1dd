package config

import "time"

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:3000"
	}
	if cfg.Server.SocketMode == "" {
		cfg.Server.SocketMode = "0700"
	}
	if cfg.Server.MaxConfigBytes == 0 {
		cfg.Server.MaxConfigBytes = 1 << 20
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 2
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 5
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout = D(10 * time.Second)
	}

	d := &cfg.Daemon
	if d.Mode == "" {
		d.Mode = ModeNative
	}
	if d.ConfigPath == "" {
		d.ConfigPath = "/etc/dnsmasq.conf"
	}
	if d.Binary == "" {
		d.Binary = "dnsmasq"
	}
	if d.Command == "" && d.Mode == ModeNative {
		d.Command = d.Binary + " --keep-in-foreground --log-facility=- --log-queries=extra --conf-file=%(config_path)s"
	}
	if d.StopSignal == "" {
		d.StopSignal = "TERM"
	}
	if d.StopGrace.Duration == 0 {
		d.StopGrace = D(5 * time.Second)
	}
	if d.RestartTimeout.Duration == 0 {
		d.RestartTimeout = D(15 * time.Second)
	}
	if d.ProbeAddr == "" {
		d.ProbeAddr = "127.0.0.1:53"
	}
	if d.ProbeName == "" {
		d.ProbeName = "."
	}
	if d.ProbeInterval.Duration == 0 {
		d.ProbeInterval = D(200 * time.Millisecond)
	}
	if d.Container.Socket == "" {
		d.Container.Socket = "/run/containerd/containerd.sock"
	}
	if d.Container.Namespace == "" {
		d.Container.Namespace = "default"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "/var/lib/masqctl/history.db"
	}
	if cfg.Store.HistoryLimit == 0 {
		cfg.Store.HistoryLimit = 20
	}

	if cfg.Status.Interval.Duration == 0 {
		cfg.Status.Interval = D(3 * time.Second)
	}

	if cfg.Logs.Source == "" {
		if d.Mode == ModeNative {
			cfg.Logs.Source = LogSourceDaemon
		} else {
			cfg.Logs.Source = LogSourceFile
		}
	}
	if cfg.Logs.File == "" {
		cfg.Logs.File = "/var/log/dnsmasq.log"
	}
	if cfg.Logs.Buffer == 0 {
		cfg.Logs.Buffer = 500
	}
	if cfg.Logs.SubscriberBuffer == 0 {
		cfg.Logs.SubscriberBuffer = 256
	}
	if cfg.Logs.PendingTTL.Duration == 0 {
		cfg.Logs.PendingTTL = D(5 * time.Second)
	}

	if cfg.Advisor.Model == "" {
		cfg.Advisor.Model = "gpt-4o-mini"
	}
	if cfg.Advisor.APIKeyEnv == "" {
		cfg.Advisor.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Advisor.Timeout.Duration == 0 {
		cfg.Advisor.Timeout = D(20 * time.Second)
	}

	for name, w := range cfg.Webhooks {
		if w.Timeout.Duration == 0 {
			w.Timeout = D(5 * time.Second)
		}
		if w.Retries == 0 {
			w.Retries = 3
		}
		if w.Template == "" {
			w.Template = "generic"
		}
		cfg.Webhooks[name] = w
	}
}

package config

// DefaultConfigTOML is a complete, commented sample masqctl.toml.
const DefaultConfigTOML = `# masqctl configuration file

[log]
# level = "info"                 # debug, info, warn, error
# format = "json"                # json, text
# file = ""                      # masqctl's own log (default: stdout)

[server]
# listen = "127.0.0.1:3000"      # HTTP listen address; "" disables TCP
# unix_socket = ""               # optional Unix socket for masqctl ctl
# socket_mode = "0700"
# cors_origin = ""               # e.g. "http://localhost:5173"
# static_dir = ""                # serve a built web UI from this directory
# max_config_bytes = 1048576     # reject larger config bodies with 413
# rate_limit = 2                 # mutating requests per second
# rate_burst = 5
# shutdown_timeout = "10s"
# pidfile = ""

[daemon]
# mode = "native-host"           # native-host, standalone-container, sidecar-remote-container
# config_path = "/etc/dnsmasq.conf"
# binary = "dnsmasq"
# command = "dnsmasq --keep-in-foreground --log-facility=- --log-queries=extra --conf-file=%(config_path)s"
# test_with_binary = false       # also run "dnsmasq --test" before accepting config
# autostart = true
# stop_signal = "TERM"
# stop_grace = "5s"              # wait this long before SIGKILL
# restart_timeout = "15s"        # stop + start + liveness must finish within this
# probe_addr = "127.0.0.1:53"    # DNS liveness probe target
# probe_name = "."
# probe_interval = "200ms"

[daemon.container]
# socket = "/run/containerd/containerd.sock"
# namespace = "default"
# id = ""                        # required in container modes
# log_file = ""                  # task stdio file for standalone-container

[store]
# path = "/var/lib/masqctl/history.db"
# history_limit = 20

[status]
# interval = "3s"

[logs]
# source = "daemon-output"       # daemon-output (native only), file, none
# file = "/var/log/dnsmasq.log"
# buffer = 500
# subscriber_buffer = 256
# pending_ttl = "5s"

[advisor]
# enabled = false
# model = "gpt-4o-mini"
# base_url = ""
# api_key_env = "OPENAI_API_KEY"
# timeout = "20s"

[audit]
# file = ""                      # JSON lines audit trail of applies and restarts

# [webhooks.ops]
# url = "https://hooks.slack.com/..."
# events = ["apply_rolled_back", "apply_fatal", "daemon_state"]
# template = "slack"             # generic, slack, pagerduty
# routing_key = "${PD_ROUTING_KEY}"  # pagerduty only
# timeout = "5s"
# retries = 3
# [webhooks.ops.headers]
# Authorization = "Bearer ${OPS_TOKEN}"
`

// Package daemon builds masqctl's components from a loaded configuration
// and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"runtime"
	"slices"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/masqctl/masqctl/internal/advisor"
	"github.com/masqctl/masqctl/internal/api"
	"github.com/masqctl/masqctl/internal/apply"
	"github.com/masqctl/masqctl/internal/audit"
	"github.com/masqctl/masqctl/internal/config"
	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/events"
	"github.com/masqctl/masqctl/internal/logging"
	"github.com/masqctl/masqctl/internal/metrics"
	"github.com/masqctl/masqctl/internal/process"
	"github.com/masqctl/masqctl/internal/querylog"
	"github.com/masqctl/masqctl/internal/status"
	"github.com/masqctl/masqctl/internal/store"
	"github.com/masqctl/masqctl/internal/version"
)

// Options configures New.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Spawner and Prober replace the native-host defaults.
	Spawner process.ProcessSpawner
	Prober  process.Prober
	// Advisor replaces the client built from [advisor].
	Advisor advisor.Client
}

// Daemon owns every long-lived component of a running masqctl.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *events.Bus
	metrics  *metrics.Collector
	sup      process.Supervisor
	store    *store.Store
	status   *status.Aggregator
	workflow *apply.Coordinator
	tailer   *querylog.Tailer
	source   querylog.LineSource // nil when the query log is disabled
	audit    *audit.Logger
	hooks    *events.WebhookManager
	server   *api.Server

	signals chan os.Signal
}

// New builds all components. Nothing is started and no listener is bound
// until Run.
func New(opts Options) (_ *Daemon, err error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(logging.Component(logger, "events")),
		metrics: metrics.New(),
		signals: make(chan os.Signal, 4),
	}
	d.metrics.SetBuildInfo(version.Version, runtime.Version())

	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.store, err = store.Open(cfg.Store.Path, cfg.Store.HistoryLimit, logging.Component(logger, "store"))
	if err != nil {
		return nil, err
	}
	live := &store.LiveFile{Path: cfg.Daemon.ConfigPath}
	validator := dnsconf.New(cfg.Server.MaxConfigBytes, cfg.Daemon.Binary, cfg.Daemon.TestWithBinary)
	if err := d.bootstrap(live, validator); err != nil {
		return nil, err
	}

	d.sup, err = d.buildSupervisor(opts)
	if err != nil {
		return nil, err
	}

	d.status = status.New(d.sup, cfg.Status.Interval.Duration, logging.Component(logger, "status"),
		status.WithRecorder(d.metrics),
		status.WithActiveVersion(d.activeVersion),
	)

	d.workflow = apply.New(apply.Config{
		Validator:      validator,
		Store:          d.store,
		Live:           live,
		Daemon:         d.sup,
		Bus:            d.bus,
		Recorder:       d.metrics,
		RestartTimeout: cfg.Daemon.RestartTimeout.Duration,
		Refresh:        func(ctx context.Context) { d.status.Refresh(ctx) },
	}, logging.Component(logger, "apply"))
	if err := d.workflow.RestorePending(); err != nil {
		return nil, fmt.Errorf("restore pending version: %w", err)
	}

	d.buildQueryLog()

	if cfg.Audit.File != "" {
		d.audit, err = audit.Open(cfg.Audit.File, logging.Component(logger, "audit"))
		if err != nil {
			return nil, err
		}
		d.audit.Attach(d.bus)
	}

	hooks, err := webhookConfigs(cfg.Webhooks)
	if err != nil {
		return nil, err
	}
	if len(hooks) > 0 {
		d.hooks = events.NewWebhookManager(d.bus, hooks, logging.Component(logger, "webhooks"))
	}

	deps := api.Deps{
		Status:    d.status,
		Validator: validator,
		Workflow:  d.workflow,
		History:   d.store,
		Advisor:   d.buildAdvisor(opts.Advisor),
		Bus:       d.bus,
		Metrics:   d.metrics.Handler(),
	}
	if d.tailer != nil {
		deps.Logs = d.tailer
	}
	d.server = api.NewServer(api.Config{
		MaxConfigBytes: cfg.Server.MaxConfigBytes,
		CORSOrigin:     cfg.Server.CORSOrigin,
		StaticDir:      cfg.Server.StaticDir,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, deps, logging.Component(logger, "api"))

	return d, nil
}

// bootstrap records whatever the daemon currently runs as the first
// active version, along with whether it passes validation.
func (d *Daemon) bootstrap(live *store.LiveFile, validator dnsconf.Validator) error {
	if _, err := d.store.Active(); !errors.Is(err, store.ErrNotFound) {
		return err
	}
	content, err := live.Read()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	verr := validator.Validate(ctx, content)
	if verr != nil {
		d.logger.Warn("existing daemon config does not validate", "path", live.Path, "error", verr)
	}

	created, err := d.store.Bootstrap(content, verr == nil)
	if err != nil {
		return err
	}
	if created {
		d.logger.Info("recorded existing daemon config", "path", live.Path, "bytes", len(content), "validated", verr == nil)
	}
	return nil
}

func (d *Daemon) buildSupervisor(opts Options) (process.Supervisor, error) {
	dc := d.cfg.Daemon
	mode, err := process.ParseMode(dc.Mode)
	if err != nil {
		return nil, err
	}

	prober := opts.Prober
	if prober == nil {
		prober = &process.DNSProber{Addr: dc.ProbeAddr, Name: dc.ProbeName}
	}
	stopSignal := process.ParseSignal(dc.StopSignal)
	if stopSignal == nil {
		stopSignal = syscall.SIGTERM
	}
	logger := logging.Component(d.logger, "process")

	if mode == process.ModeNative {
		spawner := opts.Spawner
		if spawner == nil {
			spawner = &process.ExecSpawner{}
		}
		return process.NewNativeSupervisor(process.NativeConfig{
			Command:       dc.Command,
			StopSignal:    stopSignal,
			StopGrace:     dc.StopGrace.Duration,
			ProbeInterval: dc.ProbeInterval.Duration,
		}, spawner, prober, d.bus, logger), nil
	}

	sig, ok := stopSignal.(syscall.Signal)
	if !ok {
		return nil, fmt.Errorf("unsupported stop signal %q", dc.StopSignal)
	}
	rt := process.NewContainerdRuntime(dc.Container.Socket, dc.Container.Namespace, dc.Container.LogFile)
	return process.NewContainerSupervisor(process.ContainerConfig{
		Mode:          mode,
		ID:            dc.Container.ID,
		StopSignal:    sig,
		StopGrace:     dc.StopGrace.Duration,
		ProbeInterval: dc.ProbeInterval.Duration,
		LogFile:       dc.Container.LogFile,
	}, rt, prober, d.bus, logger), nil
}

func (d *Daemon) buildQueryLog() {
	lc := d.cfg.Logs
	var src querylog.LineSource
	switch lc.Source {
	case config.LogSourceDaemon:
		native, ok := d.sup.(*process.NativeSupervisor)
		if !ok {
			d.logger.Warn("query log source daemon-output needs native-host mode; query log disabled")
			return
		}
		ch := querylog.NewChanSource(lc.Buffer)
		native.OnOutputLine(ch.Handler())
		src = ch
	case config.LogSourceFile:
		src = &querylog.FileFollower{Path: lc.File, Logger: logging.Component(d.logger, "follower")}
	default:
		return
	}

	d.source = src
	d.tailer = querylog.New(querylog.Options{
		Buffer:           lc.Buffer,
		SubscriberBuffer: lc.SubscriberBuffer,
		PendingTTL:       lc.PendingTTL.Duration,
		Recorder:         d.metrics,
	}, logging.Component(d.logger, "querylog"))
}

func (d *Daemon) buildAdvisor(override advisor.Client) advisor.Client {
	if override != nil {
		return override
	}
	ac := d.cfg.Advisor
	if !ac.Enabled {
		return advisor.Disabled{}
	}
	client, err := advisor.NewOpenAIClient(advisor.OpenAIConfig{
		APIKey:  os.Getenv(ac.APIKeyEnv),
		Model:   ac.Model,
		BaseURL: ac.BaseURL,
		Timeout: ac.Timeout.Duration,
	}, logging.Component(d.logger, "advisor"))
	if err != nil {
		d.logger.Warn("advisor disabled", "error", err)
		return advisor.Disabled{}
	}
	return client
}

func (d *Daemon) activeVersion() uint64 {
	active, err := d.store.Active()
	if err != nil {
		return 0
	}
	return active.ID
}

// webhookConfigs converts [webhooks.<name>] tables in name order.
func webhookConfigs(in map[string]config.WebhookConfig) ([]events.WebhookConfig, error) {
	var out []events.WebhookConfig
	for _, name := range slices.Sorted(maps.Keys(in)) {
		w := in[name]
		if err := events.ValidateWebhookURL(w.URL, w.AllowInsecure); err != nil {
			return nil, fmt.Errorf("webhooks.%s: %w", name, err)
		}
		types, err := events.ParseEventTypes(w.Events)
		if err != nil {
			return nil, fmt.Errorf("webhooks.%s.events: %w", name, err)
		}
		out = append(out, events.WebhookConfig{
			Name:       name,
			URL:        w.URL,
			Events:     types,
			Headers:    w.Headers,
			Timeout:    w.Timeout.Duration,
			MaxRetries: w.Retries,
			Template:   w.Template,
			RoutingKey: w.RoutingKey,
		})
	}
	return out, nil
}

// Addr returns the bound TCP address, or empty before Run.
func (d *Daemon) Addr() string { return d.server.TCPAddr() }

// SocketPath returns the bound Unix socket path, or empty.
func (d *Daemon) SocketPath() string { return d.server.UnixAddr() }

// Bus returns the event bus.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Run binds the listeners, starts the daemon if autostart is on, and
// blocks until ctx is cancelled. Shutdown stops the listeners and, in
// native-host mode, the daemon. Container tasks are left running.
func (d *Daemon) Run(ctx context.Context) error {
	if err := WritePIDFile(d.cfg.Server.PIDFile); err != nil {
		return err
	}
	defer RemovePIDFile(d.cfg.Server.PIDFile)
	defer d.close()

	if err := d.listen(); err != nil {
		return err
	}

	stopSignals := watchSignals(d.signals)
	defer stopSignals()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.status.Run(gctx) })
	if d.source != nil {
		g.Go(func() error {
			if err := d.tailer.Run(gctx, d.source); err != nil {
				return fmt.Errorf("query log: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		d.handleSignals(gctx)
		return nil
	})
	g.Go(func() error {
		d.autostart(gctx)
		d.server.SetReady(true)
		d.bus.Publish(events.Event{
			Type: events.ServiceStarted,
			Data: map[string]string{"pid": strconv.Itoa(os.Getpid()), "mode": string(d.sup.Mode())},
		})
		d.logger.Info("masqctl running", "pid", os.Getpid(), "mode", d.sup.Mode(), "addr", d.Addr())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	return g.Wait()
}

func (d *Daemon) listen() error {
	sc := d.cfg.Server
	if sc.Listen != "" {
		if err := d.server.StartTCP(sc.Listen); err != nil {
			return err
		}
	}
	if sc.UnixSocket != "" {
		mode, err := parseSocketMode(sc.SocketMode)
		if err != nil {
			return err
		}
		if err := ValidateSocketPermissions(sc.UnixSocket); err != nil {
			return err
		}
		if err := d.server.StartUnix(sc.UnixSocket, mode); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) autostart(ctx context.Context) {
	if !d.cfg.Daemon.AutostartEnabled() {
		return
	}
	timeout := d.cfg.Daemon.RestartTimeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.sup.Start(startCtx); err != nil {
		d.logger.Error("daemon autostart failed", "error", err)
	}
	d.status.Refresh(ctx)
}

func (d *Daemon) shutdown() error {
	d.logger.Info("shutting down")
	d.bus.Publish(events.Event{Type: events.ServiceStopping, Data: map[string]string{}})

	timeout := d.cfg.Server.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := d.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.sup.Mode() == process.ModeNative {
		if err := d.sup.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop daemon: %w", err))
		}
	}
	d.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// close releases everything New acquired. Safe on a partially built Daemon.
func (d *Daemon) close() {
	if d.hooks != nil {
		d.hooks.Stop()
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warn("close audit log", "error", err)
		}
	}
	if d.sup != nil {
		if err := d.sup.Close(); err != nil {
			d.logger.Warn("close supervisor", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", "error", err)
		}
	}
}

func parseSocketMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0o700, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("server.socket_mode: invalid octal mode %q", s)
	}
	return os.FileMode(m), nil
}

// Package apply runs the configuration apply workflow: validate, stage,
// restart, verify and promote, with rollback to the previous file when the
// daemon does not come back. At most one workflow runs at a time.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/events"
	"github.com/masqctl/masqctl/internal/process"
	"github.com/masqctl/masqctl/internal/store"
)

// Store is the version history the coordinator stages into and promotes.
type Store interface {
	Stage(content []byte, validated bool, source string) (uint64, error)
	Promote(id uint64) error
	Get(id uint64) (store.Configuration, error)
	SetPending(id uint64) error
	Pending() (store.Configuration, error)
}

// LiveFile is the file the daemon reads its configuration from.
type LiveFile interface {
	Snapshot() (store.Snapshot, error)
	Restore(snap store.Snapshot) error
	Write(content []byte) error
}

// Daemon is the part of process.Supervisor the workflow drives.
type Daemon interface {
	Mode() process.Mode
	Restart(ctx context.Context, timeout time.Duration) (process.RestartOutcome, error)
	Status(ctx context.Context) (process.Status, error)
}

// Recorder receives workflow outcomes, normally the Prometheus collector.
type Recorder interface {
	ObserveApply(outcome string, seconds float64)
	IncRestart(ok bool)
}

// Config holds the coordinator's collaborators.
type Config struct {
	Validator      dnsconf.Validator
	Store          Store
	Live           LiveFile
	Daemon         Daemon
	Bus            *events.Bus // optional
	Recorder       Recorder    // optional
	RestartTimeout time.Duration
	// Refresh is called after the daemon was restarted so status readers
	// see the new PID without waiting for the next tick. Optional.
	Refresh func(ctx context.Context)
}

// Coordinator serializes every operation that mutates the live file or
// restarts the daemon.
type Coordinator struct {
	mu sync.Mutex // single-flight; acquired with TryLock only

	pendingMu sync.Mutex
	pending   *Pending

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// onPhase observes phase transitions; tests use it to check
	// single-flight.
	onPhase func(requestID string, p Phase)
}

// New creates a coordinator.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 15 * time.Second
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Apply validates content and, if it is valid, makes it the running
// configuration. The returned error is ErrApplyInProgress when another
// workflow holds the lock; otherwise it is the failure cause, and the
// Result always describes the outcome.
func (c *Coordinator) Apply(ctx context.Context, content []byte) (Result, error) {
	if !c.mu.TryLock() {
		c.busy("apply")
		return Result{}, ErrApplyInProgress
	}
	defer c.mu.Unlock()
	return c.apply(ctx, content, store.SourceAPI)
}

// Rollback re-applies a historical version as a new version.
func (c *Coordinator) Rollback(ctx context.Context, id uint64) (Result, error) {
	if !c.mu.TryLock() {
		c.busy("rollback")
		return Result{}, ErrApplyInProgress
	}
	defer c.mu.Unlock()

	cfg, err := c.cfg.Store.Get(id)
	if err != nil {
		return Result{}, err
	}
	return c.apply(ctx, cfg.Content, store.SourceRollback)
}

// Stage validates content and records it as a version without touching the
// live file. A valid version becomes the pending version applied by the
// next Restart. Content that fails validation is still kept in history,
// unvalidated, and the validation error is returned.
func (c *Coordinator) Stage(ctx context.Context, content []byte) (StageResult, error) {
	if !c.mu.TryLock() {
		c.busy("stage")
		return StageResult{}, ErrApplyInProgress
	}
	defer c.mu.Unlock()

	verr := c.cfg.Validator.Validate(ctx, content)
	var ve *dnsconf.ValidationError
	if verr != nil && (!errors.As(verr, &ve) || ve.Kind == dnsconf.KindTooLarge) {
		return StageResult{}, verr
	}

	id, err := c.cfg.Store.Stage(content, verr == nil, store.SourceAPI)
	if err != nil {
		return StageResult{}, err
	}
	if verr != nil {
		c.logger.Info("draft staged", "version", id, "error", verr)
		return StageResult{VersionID: id}, verr
	}

	if err := c.cfg.Store.SetPending(id); err != nil {
		return StageResult{VersionID: id}, err
	}
	c.pendingMu.Lock()
	c.pending = &Pending{VersionID: id, StagedAt: c.now()}
	c.pendingMu.Unlock()

	c.logger.Info("version staged", "version", id, "bytes", len(content))
	c.publish(events.ConfigStaged, map[string]string{"versionId": strconv.FormatUint(id, 10)})
	return StageResult{VersionID: id, Validated: true}, nil
}

// Pending returns the staged version awaiting restart, if any.
func (c *Coordinator) Pending() (Pending, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}

// RestorePending reloads the version the store marks as pending, so a
// staged config survives a masqctl restart.
func (c *Coordinator) RestorePending() error {
	cfg, err := c.cfg.Store.Pending()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.pendingMu.Lock()
	c.pending = &Pending{VersionID: cfg.ID, StagedAt: cfg.CreatedAt}
	c.pendingMu.Unlock()
	c.logger.Info("restored pending version", "version", cfg.ID)
	return nil
}

func (c *Coordinator) takePending() *Pending {
	c.pendingMu.Lock()
	p := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if p != nil {
		if err := c.cfg.Store.SetPending(0); err != nil {
			c.logger.Warn("clear pending mark", "version", p.VersionID, "error", err)
		}
	}
	return p
}

// Restart applies the pending version through the full workflow if there
// is one; otherwise it restarts the daemon with its current file.
func (c *Coordinator) Restart(ctx context.Context) (RestartResult, error) {
	if !c.mu.TryLock() {
		c.busy("restart")
		return RestartResult{}, ErrApplyInProgress
	}
	defer c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	if p := c.takePending(); p != nil {
		r := c.begin()
		r.VersionID = p.VersionID
		c.phase(&r, PhaseStage)
		c.logger.Info("applying pending version", "request_id", r.RequestID, "version", p.VersionID)
		cfg, err := c.cfg.Store.Get(p.VersionID)
		if err != nil {
			res, err := c.finish(r, fmt.Errorf("pending version %d: %w", p.VersionID, err))
			return RestartResult{Result: &res}, err
		}
		res, err := c.deploy(ctx, r, cfg.Content)
		return RestartResult{Success: res.Success, Log: res.Log, Result: &res}, err
	}

	began := c.now()
	out, err := c.cfg.Daemon.Restart(ctx, c.cfg.RestartTimeout)
	c.recordRestart(err == nil)
	c.refresh(ctx)

	data := map[string]string{
		"mode":     string(c.cfg.Daemon.Mode()),
		"success":  strconv.FormatBool(err == nil),
		"duration": c.now().Sub(began).String(),
	}
	if err != nil {
		data["error"] = err.Error()
		c.logger.Error("daemon restart failed", "error", err)
	} else {
		data["pid"] = strconv.Itoa(out.PID)
		c.logger.Info("daemon restarted", "pid", out.PID, "duration", out.Duration)
	}
	c.publish(events.DaemonRestarted, data)
	return RestartResult{Success: err == nil, Log: string(out.Output)}, err
}

func (c *Coordinator) busy(op string) {
	c.logger.Warn("rejected: workflow in progress", "operation", op)
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.ObserveApply("in_progress", 0)
	}
}

// apply runs the whole workflow. The caller holds c.mu.
func (c *Coordinator) apply(ctx context.Context, content []byte, source string) (Result, error) {
	r := c.begin()

	c.phase(&r, PhaseValidate)
	if err := c.cfg.Validator.Validate(ctx, content); err != nil {
		return c.finish(r, err)
	}

	// Past this point the workflow runs to completion.
	ctx = context.WithoutCancel(ctx)

	c.phase(&r, PhaseStage)
	id, err := c.cfg.Store.Stage(content, true, source)
	if err != nil {
		return c.finish(r, err)
	}
	r.VersionID = id

	// A direct apply supersedes anything staged for restart.
	c.takePending()

	return c.deploy(ctx, r, content)
}

// deploy writes content to the live file, restarts the daemon, verifies it
// and promotes r.VersionID. Any failure after the write restores the
// previous file, or its absence, and restarts once more.
func (c *Coordinator) deploy(ctx context.Context, r Result, content []byte) (Result, error) {
	previous, err := c.cfg.Live.Snapshot()
	if err != nil {
		return c.finish(r, err)
	}
	if err := c.cfg.Live.Write(content); err != nil {
		return c.finish(r, err)
	}

	c.phase(&r, PhaseRestart)
	out, err := c.cfg.Daemon.Restart(ctx, c.cfg.RestartTimeout)
	c.recordRestart(err == nil)
	r.Log = outputOf(out, err)
	if err != nil {
		return c.rollback(ctx, r, previous, err)
	}

	c.phase(&r, PhaseVerify)
	if err := c.verify(ctx); err != nil {
		return c.rollback(ctx, r, previous, err)
	}
	if err := c.cfg.Store.Promote(r.VersionID); err != nil {
		return c.rollback(ctx, r, previous, err)
	}

	c.phase(&r, PhaseDone)
	r.Success = true
	c.refresh(ctx)
	return c.finish(r, nil)
}

func (c *Coordinator) verify(ctx context.Context) error {
	st, err := c.cfg.Daemon.Status(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if !st.Running() {
		return fmt.Errorf("%w: state %s", ErrVerifyFailed, st.State)
	}
	return nil
}

// rollback restores the pre-apply file and restarts the daemon on it. The
// store's active pointer was never moved, so it already names the version
// matching that file.
func (c *Coordinator) rollback(ctx context.Context, r Result, previous store.Snapshot, cause error) (Result, error) {
	c.logger.Warn("apply failed, rolling back",
		"request_id", r.RequestID, "phase", string(r.Phase), "error", cause)

	if err := c.cfg.Live.Restore(previous); err != nil {
		return c.fatal(ctx, r, cause, err)
	}
	out, err := c.cfg.Daemon.Restart(ctx, c.cfg.RestartTimeout)
	c.recordRestart(err == nil)
	if tail := outputOf(out, err); tail != "" {
		r.Log += "\n--- rollback ---\n" + tail
	}
	if err != nil {
		return c.fatal(ctx, r, cause, err)
	}

	r.RolledBack = true
	c.refresh(ctx)
	return c.finish(r, cause)
}

func (c *Coordinator) fatal(ctx context.Context, r Result, cause, rbErr error) (Result, error) {
	r.Fatal = true
	c.refresh(ctx)
	return c.finish(r, &FatalError{Cause: cause, Rollback: rbErr})
}

func (c *Coordinator) begin() Result {
	r := Result{RequestID: c.newID(), StartedAt: c.now()}
	c.publish(events.ApplyStarted, map[string]string{
		"requestId": r.RequestID,
		"mode":      string(c.cfg.Daemon.Mode()),
	})
	return r
}

func (c *Coordinator) phase(r *Result, p Phase) {
	r.Phase = p
	if c.onPhase != nil {
		c.onPhase(r.RequestID, p)
	}
}

// finish stamps r, logs it, records it and publishes its event.
func (c *Coordinator) finish(r Result, err error) (Result, error) {
	r.FinishedAt = c.now()
	if err != nil {
		r.Success = false
		r.Error = err.Error()
		r.ErrorKind = errorKind(err)
	}

	data := map[string]string{
		"requestId": r.RequestID,
		"mode":      string(c.cfg.Daemon.Mode()),
		"phase":     string(r.Phase),
		"success":   strconv.FormatBool(r.Success),
	}
	if r.VersionID != 0 {
		data["versionId"] = strconv.FormatUint(r.VersionID, 10)
	}
	if err != nil {
		data["error"] = r.Error
		data["errorKind"] = r.ErrorKind
	}

	var (
		et      events.EventType
		outcome string
	)
	logArgs := []any{"request_id", r.RequestID, "phase", string(r.Phase), "version", r.VersionID}
	switch {
	case r.Success:
		et, outcome = events.ApplyCompleted, "done"
		c.logger.Info("apply completed", logArgs...)
	case r.Fatal:
		et, outcome = events.ApplyFatal, "fatal"
		c.logger.Error("apply failed and rollback failed; daemon needs operator attention",
			append(logArgs, "error", r.Error)...)
	case r.RolledBack:
		et, outcome = events.ApplyRolledBack, "rolled_back"
		c.logger.Warn("apply rolled back", append(logArgs, "error", r.Error)...)
	default:
		et, outcome = events.ApplyRejected, "rejected"
		c.logger.Info("apply rejected", append(logArgs, "error", r.Error)...)
	}

	if c.cfg.Recorder != nil {
		var secs float64
		if r.Phase != PhaseValidate && r.Phase != PhaseStage {
			secs = r.FinishedAt.Sub(r.StartedAt).Seconds()
		}
		c.cfg.Recorder.ObserveApply(outcome, secs)
	}
	c.publish(et, data)
	return r, err
}

func (c *Coordinator) recordRestart(ok bool) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.IncRestart(ok)
	}
}

func (c *Coordinator) refresh(ctx context.Context) {
	if c.cfg.Refresh != nil {
		c.cfg.Refresh(ctx)
	}
}

func (c *Coordinator) publish(et events.EventType, data map[string]string) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(events.Event{Type: et, Data: data})
	}
}

// outputOf returns the daemon output captured around a restart.
func outputOf(out process.RestartOutcome, err error) string {
	if len(out.Output) > 0 {
		return string(out.Output)
	}
	var se *process.SupervisorError
	if errors.As(err, &se) {
		return string(se.Output)
	}
	return ""
}

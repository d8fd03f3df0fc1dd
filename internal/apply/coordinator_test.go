package apply

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/events"
	"github.com/masqctl/masqctl/internal/logging"
	"github.com/masqctl/masqctl/internal/process"
	"github.com/masqctl/masqctl/internal/store"
)

var (
	initialConf = []byte("domain-needed\nbogus-priv\ncache-size=150\n")
	newConf     = []byte("domain-needed\nno-resolv\nserver=9.9.9.9\ncache-size=1000\n")
	badConf     = []byte("domain-needed\ndhcp-range=bad\n")
)

// fakeDaemon restarts instantly; failures are injected per call.
type fakeDaemon struct {
	mu        sync.Mutex
	restarts  int
	pid       int
	running   bool
	fail      func(call int) error
	statusErr error
	delay     time.Duration
	onRestart func(call int)
}

func (d *fakeDaemon) Mode() process.Mode { return process.ModeNative }

func (d *fakeDaemon) Restart(_ context.Context, _ time.Duration) (process.RestartOutcome, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.restarts++
	call := d.restarts
	var err error
	if d.fail != nil {
		err = d.fail(call)
	}
	hook := d.onRestart
	if err != nil {
		d.running = false
		d.mu.Unlock()
		if hook != nil {
			hook(call)
		}
		return process.RestartOutcome{}, &process.SupervisorError{
			Kind: process.StartFailed, Err: err, Output: []byte("dnsmasq: failed to start\n"),
		}
	}
	d.pid++
	d.running = true
	pid := d.pid
	d.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return process.RestartOutcome{PID: pid, Output: []byte("dnsmasq: started\n")}, nil
}

func (d *fakeDaemon) Status(ctx context.Context) (process.Status, error) {
	if err := ctx.Err(); err != nil {
		return process.Status{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statusErr != nil {
		return process.Status{}, d.statusErr
	}
	if !d.running {
		return process.Status{State: process.Crashed}, nil
	}
	return process.Status{State: process.Running, PID: d.pid}, nil
}

func (d *fakeDaemon) restartCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

type harness struct {
	c         *Coordinator
	st        *store.Store
	live      *store.LiveFile
	d         *fakeDaemon
	refreshes atomic.Int32

	mu     sync.Mutex
	events []events.EventType
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "history.db"), 20, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	live := &store.LiveFile{Path: filepath.Join(dir, "dnsmasq.conf")}
	require.NoError(t, os.WriteFile(live.Path, initialConf, 0o640))
	_, err = st.Bootstrap(initialConf, true)
	require.NoError(t, err)

	h := &harness{st: st, live: live, d: &fakeDaemon{pid: 100, running: true}}
	bus := events.NewBus(logging.Discard())
	bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e.Type)
		h.mu.Unlock()
	})

	h.c = New(Config{
		Validator:      dnsconf.New(1<<20, "", false),
		Store:          st,
		Live:           live,
		Daemon:         h.d,
		Bus:            bus,
		RestartTimeout: time.Second,
		Refresh:        func(context.Context) { h.refreshes.Add(1) },
	}, logging.Discard())
	return h
}

func (h *harness) liveContent(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile(h.live.Path)
	require.NoError(t, err)
	return b
}

func (h *harness) active(t *testing.T) store.Configuration {
	t.Helper()
	cfg, err := h.st.Active()
	require.NoError(t, err)
	return cfg
}

func (h *harness) sawEvent(et events.EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == et {
			return true
		}
	}
	return false
}

func TestApplySuccess(t *testing.T) {
	h := newHarness(t)

	r, err := h.c.Apply(t.Context(), newConf)
	require.NoError(t, err)

	assert.True(t, r.Success)
	assert.Equal(t, PhaseDone, r.Phase)
	assert.False(t, r.RolledBack)
	assert.NotEmpty(t, r.RequestID)
	assert.Contains(t, r.Log, "started")
	assert.Equal(t, newConf, h.liveContent(t))

	active := h.active(t)
	assert.Equal(t, r.VersionID, active.ID)
	assert.Equal(t, newConf, active.Content)
	assert.True(t, active.Validated)
	assert.NotNil(t, active.AppliedAt)

	st, _ := h.d.Status(t.Context())
	assert.Equal(t, 101, st.PID, "the daemon came back with a new PID")
	assert.EqualValues(t, 1, h.refreshes.Load())
	assert.True(t, h.sawEvent(events.ApplyStarted))
	assert.True(t, h.sawEvent(events.ApplyCompleted))
}

func TestApplyValidationFailureTouchesNothing(t *testing.T) {
	h := newHarness(t)
	before := h.active(t)

	r, err := h.c.Apply(t.Context(), badConf)
	var ve *dnsconf.ValidationError
	require.ErrorAs(t, err, &ve)

	assert.False(t, r.Success)
	assert.Equal(t, PhaseValidate, r.Phase)
	assert.Equal(t, KindInvalidConfig, r.ErrorKind)
	assert.Contains(t, r.Error, "line 2")
	assert.Equal(t, initialConf, h.liveContent(t))
	assert.Equal(t, before.ID, h.active(t).ID)
	assert.Zero(t, h.d.restartCount())

	hist, err := h.st.History(0)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "nothing staged")
	assert.True(t, h.sawEvent(events.ApplyRejected))
}

func TestApplyValidatorUnavailable(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.Validator = dnsconf.ValidatorFunc(func(context.Context, []byte) error {
		return fmt.Errorf("%w: exec: dnsmasq: not found", dnsconf.ErrValidatorUnavailable)
	})

	r, err := h.c.Apply(t.Context(), newConf)
	require.ErrorIs(t, err, dnsconf.ErrValidatorUnavailable)
	assert.Equal(t, KindValidatorUnavailable, r.ErrorKind)
	assert.Equal(t, PhaseValidate, r.Phase)
}

func TestApplyRestartFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	before := h.active(t)
	h.d.fail = func(call int) error {
		if call == 1 {
			return errors.New("dnsmasq: unknown interface eth9")
		}
		return nil
	}

	r, err := h.c.Apply(t.Context(), newConf)
	var se *process.SupervisorError
	require.ErrorAs(t, err, &se)

	assert.False(t, r.Success)
	assert.True(t, r.RolledBack)
	assert.False(t, r.Fatal)
	assert.Equal(t, PhaseRestart, r.Phase)
	assert.Equal(t, KindRestartFailed, r.ErrorKind)
	assert.Contains(t, r.Log, "failed to start")
	assert.Contains(t, r.Log, "--- rollback ---")

	assert.Equal(t, initialConf, h.liveContent(t), "file restored byte for byte")
	assert.Equal(t, before.ID, h.active(t).ID)
	assert.Equal(t, 2, h.d.restartCount())
	assert.True(t, h.sawEvent(events.ApplyRolledBack))

	staged, err := h.st.Get(r.VersionID)
	require.NoError(t, err)
	assert.Nil(t, staged.AppliedAt, "failed version is never promoted")
}

func TestApplyRollbackFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	before := h.active(t)
	h.d.fail = func(int) error { return errors.New("port 53 in use") }

	r, err := h.c.Apply(t.Context(), newConf)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)

	assert.True(t, r.Fatal)
	assert.False(t, r.RolledBack)
	assert.Equal(t, KindRestartFailedAfterRollback, r.ErrorKind)
	assert.Equal(t, initialConf, h.liveContent(t), "previous file is restored even though the daemon is down")
	assert.Equal(t, before.ID, h.active(t).ID)
	assert.Equal(t, 2, h.d.restartCount(), "rollback restarts exactly once")
	assert.True(t, h.sawEvent(events.ApplyFatal))
}

func TestApplyRollbackRemovesFileThatDidNotExist(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.live.Path))
	h.d.fail = func(call int) error {
		if call == 1 {
			return errors.New("bad config")
		}
		return nil
	}

	r, err := h.c.Apply(t.Context(), newConf)
	require.Error(t, err)
	assert.True(t, r.RolledBack)
	_, statErr := os.Stat(h.live.Path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "live file is absent again after rollback")
}

func TestApplyVerifyFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	var once sync.Once
	h.d.onRestart = func(int) {
		once.Do(func() {
			h.d.mu.Lock()
			h.d.running = false
			h.d.mu.Unlock()
		})
	}

	r, err := h.c.Apply(t.Context(), newConf)
	require.ErrorIs(t, err, ErrVerifyFailed)
	assert.Equal(t, PhaseVerify, r.Phase)
	assert.Equal(t, KindVerifyFailed, r.ErrorKind)
	assert.True(t, r.RolledBack)
	assert.Equal(t, initialConf, h.liveContent(t))
}

func TestApplyPersistenceFailureBeforeDaemon(t *testing.T) {
	h := newHarness(t)
	h.live.Path = filepath.Join(t.TempDir(), "missing-dir", "dnsmasq.conf")

	r, err := h.c.Apply(t.Context(), newConf)
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseStage, r.Phase)
	assert.Equal(t, KindPersistence, r.ErrorKind)
	assert.Zero(t, h.d.restartCount(), "the daemon is never touched")
	assert.Equal(t, uint64(1), h.active(t).ID)
}

func TestApplyNotCancellablePastStaging(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	h.d.onRestart = func(int) { cancel() }

	r, err := h.c.Apply(ctx, newConf)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, newConf, h.active(t).Content)
}

func TestApplySingleFlight(t *testing.T) {
	h := newHarness(t)
	h.d.delay = 20 * time.Millisecond

	var inStaging, maxStaging atomic.Int32
	h.c.onPhase = func(_ string, p Phase) {
		switch p {
		case PhaseStage:
			n := inStaging.Add(1)
			for {
				m := maxStaging.Load()
				if n <= m || maxStaging.CompareAndSwap(m, n) {
					break
				}
			}
		case PhaseDone:
			inStaging.Add(-1)
		}
	}

	const callers = 8
	var (
		wg       sync.WaitGroup
		ok, busy atomic.Int32
		start    = make(chan struct{})
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			content := fmt.Appendf(nil, "domain-needed\ncache-size=%d\n", 100+i)
			_, err := h.c.Apply(context.Background(), content)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrApplyInProgress):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, maxStaging.Load(), "at most one workflow past validation at a time")
	assert.EqualValues(t, callers, ok.Load()+busy.Load())
	assert.GreaterOrEqual(t, ok.Load(), int32(1))
	assert.Equal(t, int(ok.Load()), h.d.restartCount())
}

func TestStageThenRestartAppliesPending(t *testing.T) {
	h := newHarness(t)

	sr, err := h.c.Stage(t.Context(), newConf)
	require.NoError(t, err)
	assert.True(t, sr.Validated)

	p, ok := h.c.Pending()
	require.True(t, ok)
	assert.Equal(t, sr.VersionID, p.VersionID)
	assert.Equal(t, initialConf, h.liveContent(t), "staging never writes the live file")
	assert.Equal(t, uint64(1), h.active(t).ID)
	assert.True(t, h.sawEvent(events.ConfigStaged))

	rr, err := h.c.Restart(t.Context())
	require.NoError(t, err)
	assert.True(t, rr.Success)
	require.NotNil(t, rr.Result)
	assert.Equal(t, PhaseDone, rr.Result.Phase)
	assert.Equal(t, sr.VersionID, h.active(t).ID)
	assert.Equal(t, newConf, h.liveContent(t))

	_, ok = h.c.Pending()
	assert.False(t, ok)
}

func TestStagedRestartFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.d.fail = func(call int) error {
		if call == 1 {
			return errors.New("bad config")
		}
		return nil
	}

	_, err := h.c.Stage(t.Context(), newConf)
	require.NoError(t, err)
	rr, err := h.c.Restart(t.Context())
	require.Error(t, err)
	assert.False(t, rr.Success)
	require.NotNil(t, rr.Result)
	assert.True(t, rr.Result.RolledBack)
	assert.Equal(t, initialConf, h.liveContent(t))
	assert.Equal(t, uint64(1), h.active(t).ID)
}

func TestPendingSurvivesDraftFlood(t *testing.T) {
	h := newHarness(t)

	sr, err := h.c.Stage(t.Context(), newConf)
	require.NoError(t, err)
	for range 25 {
		_, err := h.c.Stage(t.Context(), badConf)
		require.Error(t, err)
	}

	rr, err := h.c.Restart(t.Context())
	require.NoError(t, err)
	assert.True(t, rr.Success)
	assert.Equal(t, 1, h.d.restartCount())
	assert.Equal(t, sr.VersionID, h.active(t).ID)
	assert.Equal(t, newConf, h.liveContent(t))
}

func TestRestorePending(t *testing.T) {
	h := newHarness(t)
	sr, err := h.c.Stage(t.Context(), newConf)
	require.NoError(t, err)

	c := New(Config{
		Validator: dnsconf.New(1<<20, "", false),
		Store:     h.st,
		Live:      h.live,
		Daemon:    h.d,
	}, logging.Discard())
	require.NoError(t, c.RestorePending())
	p, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, sr.VersionID, p.VersionID)

	_, err = c.Restart(t.Context())
	require.NoError(t, err)
	assert.Equal(t, newConf, h.liveContent(t))
	_, err = h.st.Pending()
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, c.RestorePending())
	_, ok = c.Pending()
	assert.False(t, ok)
}

// missingStore loses one version between staging and restart.
type missingStore struct {
	*store.Store
	missing uint64
}

func (s *missingStore) Get(id uint64) (store.Configuration, error) {
	if id == s.missing {
		return store.Configuration{}, fmt.Errorf("%w: %d", store.ErrNotFound, id)
	}
	return s.Store.Get(id)
}

func TestRestartWithMissingPendingTouchesNothing(t *testing.T) {
	h := newHarness(t)
	ms := &missingStore{Store: h.st}
	c := New(Config{
		Validator: dnsconf.New(1<<20, "", false),
		Store:     ms,
		Live:      h.live,
		Daemon:    h.d,
	}, logging.Discard())

	sr, err := c.Stage(t.Context(), newConf)
	require.NoError(t, err)
	ms.missing = sr.VersionID

	rr, err := c.Restart(t.Context())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NotNil(t, rr.Result)
	assert.False(t, rr.Success)
	assert.False(t, rr.Result.RolledBack)
	assert.Equal(t, KindVersionNotFound, rr.Result.ErrorKind)
	assert.Equal(t, 0, h.d.restartCount())
	assert.Equal(t, initialConf, h.liveContent(t))
	assert.Equal(t, uint64(1), h.active(t).ID)
}

func TestStageInvalidKeepsDraft(t *testing.T) {
	h := newHarness(t)

	sr, err := h.c.Stage(t.Context(), badConf)
	var ve *dnsconf.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, sr.Validated)
	require.NotZero(t, sr.VersionID)

	draft, err := h.st.Get(sr.VersionID)
	require.NoError(t, err)
	assert.False(t, draft.Validated)
	_, ok := h.c.Pending()
	assert.False(t, ok)

	// Re-applying an unvalidated draft is refused at validation.
	r, err := h.c.Rollback(t.Context(), sr.VersionID)
	require.Error(t, err)
	assert.Equal(t, PhaseValidate, r.Phase)
	assert.Equal(t, uint64(1), h.active(t).ID)
}

func TestStageTooLargeStoresNothing(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.Validator = dnsconf.New(8, "", false)

	_, err := h.c.Stage(t.Context(), newConf)
	var ve *dnsconf.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, dnsconf.KindTooLarge, ve.Kind)

	hist, err := h.st.History(0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestPlainRestart(t *testing.T) {
	h := newHarness(t)

	rr, err := h.c.Restart(t.Context())
	require.NoError(t, err)
	assert.True(t, rr.Success)
	assert.Nil(t, rr.Result)
	assert.Contains(t, rr.Log, "started")
	assert.Equal(t, 1, h.d.restartCount())
	assert.True(t, h.sawEvent(events.DaemonRestarted))
	assert.EqualValues(t, 1, h.refreshes.Load())
}

func TestApplySupersedesPending(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Stage(t.Context(), newConf)
	require.NoError(t, err)

	other := []byte("domain-needed\ncache-size=42\n")
	_, err = h.c.Apply(t.Context(), other)
	require.NoError(t, err)

	_, ok := h.c.Pending()
	assert.False(t, ok)
	rr, err := h.c.Restart(t.Context())
	require.NoError(t, err)
	assert.Nil(t, rr.Result, "restart after apply has nothing pending")
	assert.Equal(t, other, h.liveContent(t))
}

func TestRollbackToVersion(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Apply(t.Context(), newConf)
	require.NoError(t, err)

	r, err := h.c.Rollback(t.Context(), 1)
	require.NoError(t, err)
	assert.True(t, r.Success)

	active := h.active(t)
	assert.Equal(t, initialConf, active.Content)
	assert.Equal(t, store.SourceRollback, active.Source)
	assert.Equal(t, initialConf, h.liveContent(t))

	_, err = h.c.Rollback(t.Context(), 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBusyDuringRestart(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	h.d.onRestart = func(int) {
		close(entered)
		<-release
	}

	done := make(chan struct{})
	go func() {
		h.c.Restart(context.Background())
		close(done)
	}()
	<-entered

	_, err := h.c.Apply(t.Context(), newConf)
	assert.ErrorIs(t, err, ErrApplyInProgress)
	_, err = h.c.Stage(t.Context(), newConf)
	assert.ErrorIs(t, err, ErrApplyInProgress)
	_, err = h.c.Rollback(t.Context(), 1)
	assert.ErrorIs(t, err, ErrApplyInProgress)

	close(release)
	<-done
}

// Randomized sequences of applies with injected failures: the active
// version is always validated, and a failed apply leaves the active
// version and live file exactly as they were.
func TestApplyInvariantsUnderRandomFailures(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewPCG(1, 2))

	var failNext atomic.Int32 // restarts left to fail
	h.d.fail = func(int) error {
		if failNext.Load() > 0 {
			failNext.Add(-1)
			return errors.New("injected")
		}
		return nil
	}

	for i := range 40 {
		content := fmt.Appendf(nil, "domain-needed\ncache-size=%d\n", i)
		if rng.IntN(4) == 0 {
			content = append(content, "dhcp-range=bad\n"...)
		}
		failNext.Store(int32(rng.IntN(3))) // 0: ok, 1: rollback, 2: fatal

		before := h.active(t)
		beforeFile := h.liveContent(t)

		r, err := h.c.Apply(t.Context(), content)
		after := h.active(t)
		require.True(t, after.Validated, "iteration %d: active version must be validated", i)

		if err == nil {
			require.True(t, r.Success)
			require.Equal(t, content, after.Content)
			require.Equal(t, content, h.liveContent(t))
			continue
		}
		require.False(t, r.Success)
		require.Equal(t, before.ID, after.ID, "iteration %d: active pointer moved on failure", i)
		require.Equal(t, beforeFile, h.liveContent(t), "iteration %d: live file changed on failure", i)

		// Bring the daemon back for the next round.
		if r.Fatal {
			failNext.Store(0)
			_, err := h.c.Restart(t.Context())
			require.NoError(t, err)
		}
	}
}

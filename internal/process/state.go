package process

import (
	"fmt"
	"sync"
	"time"
)

// State represents the supervised daemon's lifecycle state.
type State int

const (
	Stopped  State = iota // STOPPED: not running
	Starting              // STARTING: launched, waiting for the liveness probe
	Running               // RUNNING: answered a probe
	Stopping              // STOPPING: stop signal sent, waiting for exit
	Crashed               // CRASHED: exited without being asked to
)

var stateNames = [...]string{
	"STOPPED", "STARTING", "RUNNING", "STOPPING", "CRASHED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Stopped:  {Starting},
	Starting: {Running, Crashed, Stopping},
	Running:  {Stopping, Crashed},
	Stopping: {Stopped},
	Crashed:  {Starting, Stopped},
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// realClock uses the system clock.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock { return realClock{} }

// StateMachine tracks the daemon state and when it last started.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	startedAt time.Time
	clock     Clock
	onChange  func(from, to State)
}

// NewStateMachine creates a state machine in STOPPED state.
func NewStateMachine(clk Clock) *StateMachine {
	if clk == nil {
		clk = RealClock()
	}
	return &StateMachine{state: Stopped, clock: clk}
}

// OnChange registers a callback run after every successful transition,
// outside the lock.
func (sm *StateMachine) OnChange(fn func(from, to State)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onChange = fn
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// StartedAt returns when the daemon last entered STARTING.
func (sm *StateMachine) StartedAt() time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.startedAt
}

// Uptime returns the time since the last start while RUNNING, else zero.
func (sm *StateMachine) Uptime() time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != Running || sm.startedAt.IsZero() {
		return 0
	}
	return sm.clock.Now().Sub(sm.startedAt)
}

// Transition attempts a state transition. Returns an error if the
// transition is invalid.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()
	from := sm.state
	err := sm.transitionLocked(target)
	fn := sm.onChange
	sm.mu.Unlock()

	if err == nil && fn != nil {
		fn(from, target)
	}
	return err
}

// TransitionFrom transitions only if the current state is one of from.
// It reports whether the transition happened.
func (sm *StateMachine) TransitionFrom(target State, from ...State) bool {
	sm.mu.Lock()
	cur := sm.state
	ok := false
	for _, f := range from {
		if cur == f {
			ok = sm.transitionLocked(target) == nil
			break
		}
	}
	fn := sm.onChange
	sm.mu.Unlock()

	if ok && fn != nil {
		fn(cur, target)
	}
	return ok
}

func (sm *StateMachine) transitionLocked(target State) error {
	for _, a := range validTransitions[sm.state] {
		if a == target {
			sm.state = target
			if target == Starting {
				sm.startedAt = sm.clock.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", sm.state, target)
}

// SetStartedAt overrides the start time, for daemons adopted already
// running (containers started before masqctl).
func (sm *StateMachine) SetStartedAt(t time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.startedAt = t
}

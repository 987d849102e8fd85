package trigger

import "time"

// State is a hotkey machine state. HeldLongEnough and Fired are passed through
// within a single Tick or Release; a Machine at rest is Idle or KeyDown.
type State int

const (
	StateIdle State = iota
	StateKeyDown
	StateHeldLongEnough
	StateFired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyDown:
		return "key_down"
	case StateHeldLongEnough:
		return "held_long_enough"
	case StateFired:
		return "fired"
	default:
		return "unknown"
	}
}

// Fired is emitted once per completed hold.
type Fired struct {
	Key       rune
	PressedAt time.Time
	FiredAt   time.Time
}

// Machine is the hold-to-fire state machine. It is not safe for concurrent use;
// the Monitor drives it from a single goroutine.
//
// The key that arms a candidate is fixed at press time, so a hold spanning a minute
// boundary still counts. A fired key that is still held is latched and its repeats
// are ignored until it is released.
type Machine struct {
	state     State
	candidate rune
	pressedAt time.Time
	latched   rune
}

// State returns the resting state.
func (m *Machine) State() State {
	return m.state
}

// Reset drops any candidate and latch.
func (m *Machine) Reset() {
	*m = Machine{}
}

// Press records a key going down at the given time.
func (m *Machine) Press(key rune, at time.Time, cfg Config) {
	if !cfg.Enabled {
		m.Reset()
		return
	}
	if key == m.latched || m.state == StateKeyDown {
		return
	}
	if key != ActiveKey(at) {
		return
	}
	m.state = StateKeyDown
	m.candidate = key
	m.pressedAt = at
}

// Release records a key going up. It reports a firing when the candidate was held
// for at least the configured duration.
func (m *Machine) Release(key rune, at time.Time, cfg Config) (Fired, bool) {
	if !cfg.Enabled {
		m.Reset()
		return Fired{}, false
	}
	if key == m.latched {
		m.latched = 0
	}
	if m.state != StateKeyDown || key != m.candidate {
		return Fired{}, false
	}
	if at.Sub(m.pressedAt) >= cfg.HoldDuration {
		f := m.fire(at)
		m.latched = 0
		return f, true
	}
	m.state = StateIdle
	m.candidate = 0
	return Fired{}, false
}

// Tick evaluates the hold deadline at the given time.
func (m *Machine) Tick(at time.Time, cfg Config) (Fired, bool) {
	if !cfg.Enabled {
		m.Reset()
		return Fired{}, false
	}
	if m.state != StateKeyDown || at.Sub(m.pressedAt) < cfg.HoldDuration {
		return Fired{}, false
	}
	return m.fire(at), true
}

func (m *Machine) fire(at time.Time) Fired {
	f := Fired{Key: m.candidate, PressedAt: m.pressedAt, FiredAt: at}
	m.latched = m.candidate
	m.candidate = 0
	m.pressedAt = time.Time{}
	m.state = StateIdle
	return f
}

package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often the monitor checks a held key against its deadline.
const DefaultPollInterval = 50 * time.Millisecond

var (
	// ErrSourceLost is reported when the key event stream ends unexpectedly.
	ErrSourceLost = errors.New("key event source lost")

	errDisabled = errors.New("hotkeys disabled")
)

// KeyEvent is a digit key transition.
type KeyEvent struct {
	Key  rune
	Down bool
	At   time.Time
}

// KeySource delivers global key events.
type KeySource interface {
	// Start begins delivering events. The channel is closed when the source stops.
	Start(ctx context.Context) (<-chan KeyEvent, error)
	// Stop releases the source.
	Stop()
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Monitor watches a KeySource and emits Fired into a single-slot channel.
type Monitor struct {
	source    KeySource
	settings  *Settings
	interval  time.Duration
	clock     TimeSource
	machine   Machine
	fired     chan Fired
	onWarning func(error)
}

// NewMonitor creates a Monitor using the wall clock.
func NewMonitor(source KeySource, settings *Settings, interval time.Duration) *Monitor {
	return NewMonitorWithClock(source, settings, interval, defaultTimeSource{})
}

// NewMonitorWithClock creates a Monitor with a custom clock for testing
func NewMonitorWithClock(source KeySource, settings *Settings, interval time.Duration, clock TimeSource) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		source:    source,
		settings:  settings,
		interval:  interval,
		clock:     clock,
		fired:     make(chan Fired, 1),
		onWarning: func(error) {},
	}
}

// Fired returns the channel of completed holds. It holds at most one pending event.
func (m *Monitor) Fired() <-chan Fired {
	return m.fired
}

// OnWarning registers fn to be called when the key source is lost. Call before Run.
func (m *Monitor) OnWarning(fn func(error)) {
	m.onWarning = fn
}

// Run drives the monitor until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	changes := m.settings.Subscribe()

	for {
		if !m.settings.Get().Enabled {
			slog.Info("Hotkeys disabled, monitor idle")
			if !m.waitForEnabled(ctx, changes) {
				return nil
			}
		}

		events, err := m.source.Start(ctx)
		if err != nil {
			m.sourceLost(err)
			if !m.waitForChange(ctx, changes) {
				return nil
			}
			continue
		}
		slog.Info("Hotkey monitor started", "poll_interval", m.interval)

		err = m.poll(ctx, events, changes)
		m.source.Stop()
		m.machine.Reset()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrSourceLost):
			m.sourceLost(err)
			if !m.waitForChange(ctx, changes) {
				return nil
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context, events <-chan KeyEvent, changes <-chan struct{}) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return ErrSourceLost
			}
			at := ev.At
			if at.IsZero() {
				at = m.clock.Now()
			}
			cfg := m.settings.Get()
			if ev.Down {
				m.machine.Press(ev.Key, at, cfg)
			} else if f, ok := m.machine.Release(ev.Key, at, cfg); ok {
				m.emit(f)
			}

		case <-ticker.C:
			cfg := m.settings.Get()
			if !cfg.Enabled {
				return errDisabled
			}
			if f, ok := m.machine.Tick(m.clock.Now(), cfg); ok {
				m.emit(f)
			}

		case <-changes:
			if !m.settings.Get().Enabled {
				return errDisabled
			}
		}
	}
}

func (m *Monitor) emit(f Fired) {
	select {
	case m.fired <- f:
		slog.Info("Hotkey fired", "key", string(f.Key), "held", f.FiredAt.Sub(f.PressedAt))
	default:
		slog.Warn("Hotkey fired while previous event pending, dropping", "key", string(f.Key))
	}
}

func (m *Monitor) sourceLost(err error) {
	slog.Warn("Hotkey source unavailable, monitor idle until re-enabled", "error", err)
	m.onWarning(err)
}

// waitForEnabled blocks until the settings are enabled. It returns false if ctx ends first.
func (m *Monitor) waitForEnabled(ctx context.Context, changes <-chan struct{}) bool {
	for !m.settings.Get().Enabled {
		select {
		case <-ctx.Done():
			return false
		case <-changes:
		}
	}
	return true
}

// waitForChange blocks until a configuration change leaves hotkeys enabled.
func (m *Monitor) waitForChange(ctx context.Context, changes <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-changes:
	}
	return m.waitForEnabled(ctx, changes)
}

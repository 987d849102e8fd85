package trigger

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHoldDuration is how long the active key must be held before a run fires.
const DefaultHoldDuration = 2 * time.Second

// Config is the user-adjustable hotkey behaviour.
type Config struct {
	Enabled      bool          `json:"enabled"`
	HoldDuration time.Duration `json:"hold_duration"`
}

// DefaultConfig returns hotkeys enabled with the default hold.
func DefaultConfig() Config {
	return Config{Enabled: true, HoldDuration: DefaultHoldDuration}
}

// Validate rejects configurations the monitor cannot act on.
func (c Config) Validate() error {
	if c.HoldDuration <= 0 {
		return fmt.Errorf("hold duration must be positive, got %s", c.HoldDuration)
	}
	return nil
}

// ActiveKey returns the digit key that arms the hotkey at t: the last digit of the minute.
func ActiveKey(t time.Time) rune {
	return rune('0' + t.Minute()%10)
}

// Persister saves configuration changes.
type Persister interface {
	SaveTriggerConfig(cfg Config) error
}

// Settings holds the live Config. Readers always see a complete snapshot.
type Settings struct {
	current   atomic.Pointer[Config]
	persister Persister

	mu          sync.Mutex
	subscribers []chan struct{}
}

// NewSettings creates Settings seeded with initial. persister may be nil.
func NewSettings(initial Config, persister Persister) *Settings {
	s := &Settings{persister: persister}
	s.current.Store(&initial)
	return s
}

// Get returns the current snapshot.
func (s *Settings) Get() Config {
	return *s.current.Load()
}

// Set validates, persists and publishes cfg.
func (s *Settings) Set(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.persister != nil {
		if err := s.persister.SaveTriggerConfig(cfg); err != nil {
			return fmt.Errorf("saving trigger config: %w", err)
		}
	}
	s.current.Store(&cfg)
	slog.Info("Trigger config updated", "enabled", cfg.Enabled, "hold_duration", cfg.HoldDuration)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that receives a signal after each change.
// Signals coalesce; read Get for the value.
func (s *Settings) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

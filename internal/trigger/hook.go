package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	hook "github.com/robotn/gohook"
)

const defaultHookEnableTimeout = 3 * time.Second

// libuiohook virtual key codes for the digit keys.
var digitKeycodes = map[uint16]rune{
	0x0002: '1', 0x0003: '2', 0x0004: '3', 0x0005: '4', 0x0006: '5',
	0x0007: '6', 0x0008: '7', 0x0009: '8', 0x000A: '9', 0x000B: '0',
	// keypad
	0x004F: '1', 0x0050: '2', 0x0051: '3', 0x004B: '4', 0x004C: '5',
	0x004D: '6', 0x0047: '7', 0x0048: '8', 0x0049: '9', 0x0052: '0',
}

// keyEvent maps a hook event to a digit press or release. KeyHold is the
// typed-character event and carries no keycode, so only KeyDown counts as a press.
func keyEvent(ev hook.Event) (KeyEvent, bool) {
	var down bool
	switch ev.Kind {
	case hook.KeyDown:
		down = true
	case hook.KeyUp:
		down = false
	default:
		return KeyEvent{}, false
	}
	key, ok := digitKeycodes[ev.Keycode]
	if !ok {
		return KeyEvent{}, false
	}
	return KeyEvent{Key: key, Down: down, At: ev.When}, true
}

// HookSource reads global key events through a system keyboard hook.
type HookSource struct {
	mu            sync.Mutex
	running       bool
	start         func() chan hook.Event
	end           func()
	enableTimeout time.Duration
}

// NewHookSource creates a HookSource.
func NewHookSource() *HookSource {
	return newHookSourceWithDeps(func() chan hook.Event { return hook.Start() }, hook.End, defaultHookEnableTimeout)
}

func newHookSourceWithDeps(start func() chan hook.Event, end func(), enableTimeout time.Duration) *HookSource {
	return &HookSource{start: start, end: end, enableTimeout: enableTimeout}
}

// Start installs the hook and forwards digit presses and releases. It fails
// when the hook does not report itself enabled in time. The returned channel
// closes when the hook is disabled.
func (h *HookSource) Start(ctx context.Context) (<-chan KeyEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	raw := h.start()
	h.running = true

	if err := h.awaitEnabled(ctx, raw); err != nil {
		h.end()
		h.running = false
		return nil, err
	}

	out := make(chan KeyEvent, 16)
	go func() {
		defer close(out)
		for ev := range raw {
			if ev.Kind == hook.HookDisabled {
				return
			}
			ke, ok := keyEvent(ev)
			if !ok {
				continue
			}
			select {
			case out <- ke:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (h *HookSource) awaitEnabled(ctx context.Context, raw <-chan hook.Event) error {
	deadline := time.NewTimer(h.enableTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-raw:
			if !ok {
				return fmt.Errorf("starting keyboard hook: %w", ErrSourceLost)
			}
			if ev.Kind == hook.HookEnabled {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("keyboard hook not enabled after %s: %w", h.enableTimeout, ErrSourceLost)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop removes the hook.
func (h *HookSource) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.end()
		h.running = false
	}
}

package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zombor/quiz-relay/internal/extract"
)

const (
	// DefaultMaxTokens bounds the response length.
	DefaultMaxTokens = 1000
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
)

// Completer sends one prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, prompt, system string, maxTokens int) (string, error)
	Close() error
}

// Answer is the remote service's reply to a Question.
type Answer struct {
	// Text is the response as returned, trimmed.
	Text string `json:"text"`
	// Label is the option the response resolves to, for multiple choice.
	Label      string            `json:"label,omitempty"`
	Question   *extract.Question `json:"question"`
	ReceivedAt time.Time         `json:"received_at"`
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Answerer asks a Completer for answers, retrying once on transient failures
// and timeouts. An authentication failure is latched until Reconfigure.
type Answerer struct {
	mu        sync.RWMutex
	completer Completer
	authFault error
	clock     TimeSource
}

// NewAnswerer creates an Answerer.
func NewAnswerer(completer Completer) *Answerer {
	return NewAnswererWithClock(completer, defaultTimeSource{})
}

// NewAnswererWithClock creates an Answerer with a custom clock for testing
func NewAnswererWithClock(completer Completer, clock TimeSource) *Answerer {
	return &Answerer{completer: completer, clock: clock}
}

// Reconfigure installs a new completer and clears a latched auth fault.
func (a *Answerer) Reconfigure(completer Completer) {
	a.mu.Lock()
	old := a.completer
	a.completer = completer
	a.authFault = nil
	a.mu.Unlock()

	if old != nil && old != completer {
		if err := old.Close(); err != nil {
			slog.Warn("Closing previous completer", "error", err)
		}
	}
	slog.Info("Answer service reconfigured")
}

// AuthFault returns the latched authentication error, if any.
func (a *Answerer) AuthFault() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authFault
}

// Close releases the completer.
func (a *Answerer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completer == nil {
		return nil
	}
	return a.completer.Close()
}

// Ask submits q and waits for the answer. Each attempt is bounded by timeout.
func (a *Answerer) Ask(ctx context.Context, q extract.Question, maxTokens int, timeout time.Duration) (*Answer, error) {
	a.mu.RLock()
	completer, fault := a.completer, a.authFault
	a.mu.RUnlock()

	if fault != nil {
		return nil, fault
	}
	if completer == nil {
		return nil, fmt.Errorf("%w: no answer service configured", ErrAuth)
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	prompt := buildPrompt(q)
	system := systemInstruction(q.Type)

	const attempts = 2
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := a.attempt(ctx, completer, prompt, system, maxTokens, timeout)
		if err == nil {
			return a.buildAnswer(q, text)
		}

		switch {
		case errors.Is(err, ErrAuth):
			a.latch(err)
			return nil, err
		case ctx.Err() != nil:
			return nil, fmt.Errorf("asking remote service: %w", ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			lastErr = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case errors.Is(err, ErrTransient):
			lastErr = err
		default:
			return nil, asRemoteError(err)
		}

		if attempt < attempts {
			slog.Warn("Retrying answer request", "attempt", attempt, "error", lastErr)
		}
	}

	if errors.Is(lastErr, ErrTimeout) {
		return nil, lastErr
	}
	return nil, asRemoteError(lastErr)
}

// attempt runs one completion, abandoning it when its deadline passes.
func (a *Answerer) attempt(ctx context.Context, completer Completer, prompt, system string, maxTokens int, timeout time.Duration) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := completer.Complete(actx, prompt, system, maxTokens)
		done <- result{text, err}
	}()

	select {
	case <-actx.Done():
		return "", actx.Err()
	case res := <-done:
		return res.text, res.err
	}
}

func (a *Answerer) buildAnswer(q extract.Question, text string) (*Answer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &RemoteError{Message: "empty response"}
	}
	ans := &Answer{
		Text:       text,
		Question:   &q,
		ReceivedAt: a.clock.Now(),
	}
	if q.Type == extract.MultipleChoice {
		ans.Label = matchLabel(text, q.Options)
	}
	slog.Info("Answer received", "type", q.Type, "label", ans.Label, "length", len(text))
	return ans, nil
}

func (a *Answerer) latch(err error) {
	a.mu.Lock()
	a.authFault = err
	a.mu.Unlock()
	slog.Error("Answer service rejected credentials; reconfigure to retry", "error", err)
}

func asRemoteError(err error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Message: err.Error(), Err: err}
}

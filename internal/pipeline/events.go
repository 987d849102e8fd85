package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/quiz-relay/internal/answer"
	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/extract"
)

// EventType names a lifecycle event.
type EventType string

const (
	RunStarted       EventType = "run_started"
	StageProgress    EventType = "stage_progress"
	QuestionReady    EventType = "question_ready"
	RunCompleted     EventType = "run_completed"
	RunFailed        EventType = "run_failed"
	DeliveryReported EventType = "delivery_reported"
	TriggerWarning   EventType = "trigger_warning"
	TriggerFired     EventType = "trigger_fired"
)

// Event is published to observers as a run progresses.
type Event struct {
	Type        EventType               `json:"type"`
	RunID       string                  `json:"run_id,omitempty"`
	Trigger     Trigger                 `json:"trigger,omitempty"`
	Time        time.Time               `json:"time"`
	Stage       Stage                   `json:"stage,omitempty"`
	Reason      Reason                  `json:"reason,omitempty"`
	Message     string                  `json:"message,omitempty"`
	Remediation string                  `json:"remediation,omitempty"`
	Question    *extract.Question       `json:"question,omitempty"`
	Confidence  *float64                `json:"confidence,omitempty"`
	Answer      *answer.Answer          `json:"answer,omitempty"`
	Delivery    *deliver.DeliveryResult `json:"delivery,omitempty"`
}

// Observer receives events. OnEvent must not block.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Bus fans events out to observers.
type Bus struct {
	mu        sync.RWMutex
	observers map[int]Observer
	next      int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{observers: map[int]Observer{}}
}

// Subscribe registers o and returns a function that removes it.
func (b *Bus) Subscribe(o Observer) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.observers[id] = o
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Channel subscribes a buffered channel. Events are dropped for a full channel.
func (b *Bus) Channel(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var once sync.Once
	var closed bool
	var mu sync.Mutex

	unsubscribe := b.Subscribe(ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			slog.Warn("Event subscriber full, dropping event", "type", ev.Type, "run_id", ev.RunID)
		}
	}))

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// Publish delivers ev to every observer.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o.OnEvent(ev)
	}
}

// LoggingObserver writes lifecycle events to the default logger.
type LoggingObserver struct{}

func (LoggingObserver) OnEvent(ev Event) {
	switch ev.Type {
	case RunStarted:
		slog.Info("Run started", "run_id", ev.RunID, "trigger", ev.Trigger)
	case StageProgress:
		slog.Debug("Run stage", "run_id", ev.RunID, "stage", ev.Stage)
	case QuestionReady:
		slog.Info("Question ready", "run_id", ev.RunID, "type", ev.Question.Type)
	case RunCompleted:
		slog.Info("Run completed", "run_id", ev.RunID, "label", ev.Answer.Label)
	case RunFailed:
		slog.Warn("Run failed", "run_id", ev.RunID, "stage", ev.Stage, "reason", ev.Reason, "message", ev.Message)
	case DeliveryReported:
		slog.Info("Delivery reported", "run_id", ev.RunID, "sent", ev.Delivery.Sent(), "recipients", len(ev.Delivery.Recipients))
	case TriggerWarning:
		slog.Warn("Trigger warning", "message", ev.Message)
	case TriggerFired:
		slog.Debug("Trigger fired", "message", ev.Message)
	}
}

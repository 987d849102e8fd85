package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/quiz-relay/internal/answer"
	"github.com/zombor/quiz-relay/internal/capture"
	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/extract"
	"github.com/zombor/quiz-relay/internal/trigger"
)

const (
	DefaultCaptureTimeout = 10 * time.Second
	DefaultExtractTimeout = 30 * time.Second
	DefaultDeliverTimeout = time.Minute
	DefaultPreviewWidth   = 800
	DefaultPreviewHeight  = 600
)

// Extractor turns a captured image into a Question.
type Extractor interface {
	Extract(ctx context.Context, img *capture.Image) (extract.Question, extract.RawText, error)
}

// Answerer asks the remote service for an answer.
type Answerer interface {
	Ask(ctx context.Context, q extract.Question, maxTokens int, timeout time.Duration) (*answer.Answer, error)
}

// Deliverer sends answers to recipients.
type Deliverer interface {
	Send(ctx context.Context, msg deliver.Message, recipients []deliver.Recipient) deliver.DeliveryResult
}

// RecipientSource lists the configured recipients.
type RecipientSource interface {
	ListRecipients() ([]deliver.Recipient, error)
}

// IDGenerator generates unique run IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds pipeline limits. Zero values take the package defaults.
type Config struct {
	MaxTokens      int
	AnswerTimeout  time.Duration
	CaptureTimeout time.Duration
	ExtractTimeout time.Duration
	DeliverTimeout time.Duration
	// ReviewTimeout resumes a paused manual run with its current question; zero waits indefinitely.
	ReviewTimeout time.Duration
	// Region is used when a request does not name one.
	Region capture.Region
	// HotkeyDeliver sends hotkey answers to the enabled recipients.
	HotkeyDeliver bool
	PreviewWidth  int
	PreviewHeight int
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = answer.DefaultMaxTokens
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = answer.DefaultTimeout
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = DefaultExtractTimeout
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = DefaultDeliverTimeout
	}
	if c.PreviewWidth <= 0 {
		c.PreviewWidth = DefaultPreviewWidth
	}
	if c.PreviewHeight <= 0 {
		c.PreviewHeight = DefaultPreviewHeight
	}
	return c
}

// Orchestrator drives runs through capture, extraction, review, answer and delivery.
// At most one run is live at a time.
type Orchestrator struct {
	capturer   capture.Capturer
	extractor  Extractor
	answerer   Answerer
	deliverer  Deliverer
	recipients RecipientSource
	bus        *Bus
	cfg        Config

	idGenerator IDGenerator
	timeSource  TimeSource

	mu      sync.Mutex
	current *Run
	last    *Run
	closed  bool

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator publishing to bus.
func NewOrchestrator(capturer capture.Capturer, extractor Extractor, answerer Answerer, deliverer Deliverer, recipients RecipientSource, bus *Bus, cfg Config) *Orchestrator {
	return NewOrchestratorWithDeps(capturer, extractor, answerer, deliverer, recipients, bus, cfg, uuidGenerator{}, defaultTimeSource{})
}

// NewOrchestratorWithDeps creates an Orchestrator with custom dependencies for testing
func NewOrchestratorWithDeps(capturer capture.Capturer, extractor Extractor, answerer Answerer, deliverer Deliverer, recipients RecipientSource, bus *Bus, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Orchestrator {
	if bus == nil {
		bus = NewBus()
	}
	return &Orchestrator{
		capturer:    capturer,
		extractor:   extractor,
		answerer:    answerer,
		deliverer:   deliverer,
		recipients:  recipients,
		bus:         bus,
		cfg:         cfg.withDefaults(),
		idGenerator: idGen,
		timeSource:  timeSrc,
		shutdown:    make(chan struct{}),
	}
}

// Bus returns the event bus runs publish to.
func (o *Orchestrator) Bus() *Bus {
	return o.bus
}

// Request starts a run unless one is already live.
func (o *Orchestrator) Request(t Trigger, opts RunOptions) (*Run, error) {
	if opts.Region.IsZero() {
		opts.Region = o.cfg.Region
	} else if err := opts.Region.Validate(); err != nil {
		return nil, fmt.Errorf("invalid region: %w", err)
	}
	if t == TriggerHotkey {
		opts.Deliver = o.cfg.HotkeyDeliver
		opts.Attach = o.cfg.HotkeyDeliver
		opts.SkipReview = true
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if o.current != nil {
		busy := o.current.ID
		o.mu.Unlock()
		slog.Info("Run request dropped", "trigger", t, "active_run", busy)
		return nil, ErrRunInProgress
	}
	run := newRun(o.idGenerator.Generate(), t, opts, o.timeSource.Now())
	o.current = run
	o.wg.Add(1)
	o.mu.Unlock()

	o.publish(run, Event{Type: RunStarted})
	go o.execute(run)
	return run, nil
}

// EditQuestion replaces the question of a run paused for review and resumes it.
func (o *Orchestrator) EditQuestion(q extract.Question) error {
	run := o.active()
	if run == nil {
		return ErrNoActiveRun
	}
	if run.currentState() != StateAwaitingReview {
		return ErrNotAwaitingReview
	}
	if err := q.Validate(); err != nil {
		return fmt.Errorf("invalid question: %w", err)
	}

	select {
	case run.edits <- q:
		return nil
	default:
		return ErrNotAwaitingReview
	}
}

// Cancel stops the live run at the next stage boundary.
func (o *Orchestrator) Cancel() error {
	run := o.active()
	if run == nil {
		return ErrNoActiveRun
	}
	slog.Info("Cancelling run", "run_id", run.ID)
	run.cancel()
	return nil
}

// Current returns the live run, or the most recent one when idle.
func (o *Orchestrator) Current() (Status, bool) {
	o.mu.Lock()
	run := o.current
	if run == nil {
		run = o.last
	}
	o.mu.Unlock()

	if run == nil {
		return Status{}, false
	}
	return run.Status(), true
}

// Preview returns the scaled capture of the live or most recent run.
func (o *Orchestrator) Preview() image.Image {
	o.mu.Lock()
	run := o.current
	if run == nil {
		run = o.last
	}
	o.mu.Unlock()

	if run == nil {
		return nil
	}
	return run.Preview()
}

// Busy reports whether a run is live.
func (o *Orchestrator) Busy() bool {
	return o.active() != nil
}

// Listen turns fired hotkeys into run requests until ctx is done or fired closes.
func (o *Orchestrator) Listen(ctx context.Context, fired <-chan trigger.Fired) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fired:
			if !ok {
				return
			}
			o.bus.Publish(Event{
				Type:    TriggerFired,
				Trigger: TriggerHotkey,
				Time:    o.timeSource.Now(),
				Message: fmt.Sprintf("key %c held %s", f.Key, f.FiredAt.Sub(f.PressedAt).Round(time.Millisecond)),
			})
			if _, err := o.Request(TriggerHotkey, RunOptions{}); err != nil {
				slog.Info("Hotkey ignored", "key", string(f.Key), "error", err)
			}
		}
	}
}

// WarnTrigger publishes a trigger monitor warning.
func (o *Orchestrator) WarnTrigger(err error) {
	o.bus.Publish(Event{Type: TriggerWarning, Time: o.timeSource.Now(), Message: err.Error()})
}

// Close cancels the live run and waits for it to finish. Later requests fail.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		run := o.current
		o.mu.Unlock()

		close(o.shutdown)
		if run != nil {
			run.cancel()
		}
	})
	o.wg.Wait()
}

func (o *Orchestrator) active() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) release(run *Run) {
	o.mu.Lock()
	if o.current == run {
		o.current = nil
	}
	o.last = run
	o.mu.Unlock()
	run.stop()
}

func (o *Orchestrator) execute(run *Run) {
	defer o.wg.Done()
	defer o.release(run)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Run panicked", "run_id", run.ID, "panic", p)
			o.fail(run, &StageError{Stage: run.Status().Stage, Reason: ReasonInternal, Err: fmt.Errorf("panic: %v", p)})
		}
	}()

	if err := o.runStages(run); err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Stage: run.Status().Stage, Reason: ReasonInternal, Err: err}
		}
		o.fail(run, stageErr)
	}
}

func (o *Orchestrator) runStages(run *Run) error {
	if err := o.enter(run, StageCapture, StateCapturing); err != nil {
		return err
	}
	img, err := o.capture(run)
	if err != nil {
		return stageError(StageCapture, err)
	}

	var screenshot []byte
	if run.Options.Attach {
		if screenshot, err = capture.EncodePNG(img.Pixels); err != nil {
			slog.Warn("Screenshot not attached", "run_id", run.ID, "error", err)
		}
	}

	if err := o.enter(run, StageExtract, StateExtracting); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), o.cfg.ExtractTimeout)
	q, raw, err := o.extractor.Extract(ctx, img)
	cancel()
	if err != nil {
		return stageError(StageExtract, err)
	}
	run.setQuestion(q)
	o.publish(run, Event{Type: QuestionReady, Question: &q, Confidence: raw.Confidence})

	if run.Trigger == TriggerManual && !run.Options.SkipReview {
		if err := o.enter(run, StageReview, StateAwaitingReview); err != nil {
			return err
		}
		if q, err = o.review(run, q); err != nil {
			return err
		}
	}

	if err := o.enter(run, StageAnswer, StateAnswering); err != nil {
		return err
	}
	ans, err := o.answerer.Ask(context.WithoutCancel(run.ctx), q, o.cfg.MaxTokens, o.cfg.AnswerTimeout)
	if err != nil {
		return stageError(StageAnswer, err)
	}
	if run.isCancelled() {
		return &StageError{Stage: StageAnswer, Reason: ReasonCancelled, Err: errCancelled}
	}

	run.mu.Lock()
	run.answer = ans
	run.mu.Unlock()

	if !run.Options.Deliver {
		run.finish(StateCompleted)
		o.publish(run, Event{Type: RunCompleted, Answer: ans})
		return nil
	}

	run.enter(StageDeliver, StateDelivering)
	o.publish(run, Event{Type: RunCompleted, Answer: ans})
	o.deliver(run, q, ans, screenshot)
	run.finish(StateCompleted)
	return nil
}

// enter moves run to stage unless it was cancelled or the orchestrator is closing.
func (o *Orchestrator) enter(run *Run, stage Stage, state State) error {
	if run.isCancelled() {
		return &StageError{Stage: stage, Reason: ReasonCancelled, Err: errCancelled}
	}
	run.enter(stage, state)
	o.publish(run, Event{Type: StageProgress, Stage: stage})
	return nil
}

func (o *Orchestrator) capture(run *Run) (*capture.Image, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), o.cfg.CaptureTimeout)
	defer cancel()

	var (
		img *capture.Image
		err error
	)
	if run.Options.Region.IsZero() {
		img, err = o.capturer.CaptureFull(ctx)
	} else {
		img, err = o.capturer.CaptureRegion(ctx, run.Options.Region)
	}
	if err != nil {
		return nil, err
	}

	preview := capture.Preview(img, o.cfg.PreviewWidth, o.cfg.PreviewHeight)
	run.mu.Lock()
	run.preview = preview
	run.mu.Unlock()
	slog.Debug("Captured", "run_id", run.ID, "width", img.Width, "height", img.Height)
	return img, nil
}

// review waits for an edit, cancellation, shutdown or the review timeout.
func (o *Orchestrator) review(run *Run, q extract.Question) (extract.Question, error) {
	var timeout <-chan time.Time
	if o.cfg.ReviewTimeout > 0 {
		t := time.NewTimer(o.cfg.ReviewTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case edited := <-run.edits:
		run.setQuestion(edited)
		slog.Info("Question confirmed", "run_id", run.ID, "type", edited.Type, "options", len(edited.Options))
		return edited, nil
	case <-timeout:
		slog.Info("Review timed out, answering current question", "run_id", run.ID)
		return q, nil
	case <-run.ctx.Done():
	case <-o.shutdown:
	}
	return q, &StageError{Stage: StageReview, Reason: ReasonCancelled, Err: errCancelled}
}

func (o *Orchestrator) deliver(run *Run, q extract.Question, ans *answer.Answer, screenshot []byte) {
	if run.isCancelled() {
		slog.Info("Delivery skipped, run cancelled", "run_id", run.ID)
		return
	}
	if o.deliverer == nil || o.recipients == nil {
		slog.Warn("Delivery requested but not configured", "run_id", run.ID)
		return
	}

	recipients, err := o.recipients.ListRecipients()
	if err != nil {
		slog.Error("Failed to load recipients", "run_id", run.ID, "error", err)
		return
	}

	msg := deliver.Message{
		Subject:    deliver.DefaultSubject,
		Question:   q.Body,
		Options:    q.OptionLines(),
		Answer:     ans.Text,
		Screenshot: screenshot,
		AnsweredAt: ans.ReceivedAt,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), o.cfg.DeliverTimeout)
	result := o.deliverer.Send(ctx, msg, deliver.Enabled(recipients))
	cancel()

	run.mu.Lock()
	run.delivery = &result
	run.mu.Unlock()

	if err := result.Err(); err != nil && run.Trigger == TriggerHotkey {
		slog.Warn("Hotkey delivery incomplete", "run_id", run.ID, "sent", result.Sent(), "error", err)
	}
	o.publish(run, Event{Type: DeliveryReported, Stage: StageDeliver, Delivery: &result})
}

func (o *Orchestrator) fail(run *Run, err *StageError) {
	run.mu.Lock()
	run.state = StateFailed
	run.stage = err.Stage
	run.failure = err
	run.mu.Unlock()

	o.publish(run, Event{
		Type:        RunFailed,
		Stage:       err.Stage,
		Reason:      err.Reason,
		Message:     err.Err.Error(),
		Remediation: extract.Remediation(err.Err),
	})
}

func (o *Orchestrator) publish(run *Run, ev Event) {
	ev.RunID = run.ID
	ev.Trigger = run.Trigger
	ev.Time = o.timeSource.Now()
	o.bus.Publish(ev)
}

func stageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Reason: classify(stage, err), Err: err}
}

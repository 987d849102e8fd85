package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/zombor/quiz-relay/internal/answer"
	"github.com/zombor/quiz-relay/internal/capture"
	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/extract"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is live.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoActiveRun is returned by commands that need a live run.
	ErrNoActiveRun = errors.New("no active run")
	// ErrNotAwaitingReview is returned when a question edit arrives outside the review pause.
	ErrNotAwaitingReview = errors.New("run is not awaiting review")
	// ErrShuttingDown is returned by Request after Close.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerHotkey Trigger = "hotkey"
)

// Stage is a pipeline step.
type Stage string

const (
	StageCapture Stage = "capture"
	StageExtract Stage = "extract"
	StageReview  Stage = "review"
	StageAnswer  Stage = "answer"
	StageDeliver Stage = "deliver"
)

// State is the lifecycle state of a run.
type State string

const (
	StateCapturing      State = "capturing"
	StateExtracting     State = "extracting"
	StateAwaitingReview State = "awaiting_review"
	StateAnswering      State = "answering"
	StateDelivering     State = "delivering"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Reason classifies a run failure.
type Reason string

const (
	ReasonCaptureError   Reason = "capture_error"
	ReasonOCRUnavailable Reason = "ocr_unavailable"
	ReasonOCREmptyResult Reason = "ocr_empty_result"
	ReasonAuthError      Reason = "auth_error"
	ReasonTimeout        Reason = "timeout"
	ReasonRemoteError    Reason = "remote_error"
	ReasonCancelled      Reason = "cancelled"
	ReasonInternal       Reason = "internal"
)

// StageError records where and why a run failed.
type StageError struct {
	Stage  Stage
	Reason Reason
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Reason, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// classify maps a stage error to its Reason.
func classify(stage Stage, err error) Reason {
	var remote *answer.RemoteError
	switch {
	case errors.Is(err, errCancelled):
		return ReasonCancelled
	case errors.Is(err, capture.ErrCapture):
		return ReasonCaptureError
	case errors.Is(err, extract.ErrOCRUnavailable):
		return ReasonOCRUnavailable
	case errors.Is(err, extract.ErrOCREmptyResult):
		return ReasonOCREmptyResult
	case errors.Is(err, answer.ErrAuth):
		return ReasonAuthError
	case errors.Is(err, answer.ErrTimeout):
		return ReasonTimeout
	case errors.As(err, &remote):
		return ReasonRemoteError
	}

	switch stage {
	case StageCapture:
		return ReasonCaptureError
	case StageAnswer:
		return ReasonRemoteError
	default:
		return ReasonInternal
	}
}

var errCancelled = errors.New("run cancelled")

// RunOptions adjusts a single run.
type RunOptions struct {
	// Region limits capture to part of the screen; zero means full screen.
	Region capture.Region `json:"region"`
	// Deliver sends the answer to the enabled recipients.
	Deliver bool `json:"deliver"`
	// Attach includes the screenshot in deliveries.
	Attach bool `json:"attach"`
	// SkipReview answers without pausing for edits on manual runs.
	SkipReview bool `json:"skip_review"`
}

// Run is one pass through the pipeline.
type Run struct {
	ID        string
	Trigger   Trigger
	StartedAt time.Time
	Options   RunOptions

	mu       sync.Mutex
	state    State
	stage    Stage
	question *extract.Question
	answer   *answer.Answer
	failure  *StageError
	delivery *deliver.DeliveryResult
	preview  image.Image

	edits chan extract.Question
	// ctx is cancelled by CancelRun; stage calls detach from it.
	ctx  context.Context
	stop context.CancelFunc
}

func newRun(id string, trigger Trigger, opts RunOptions, startedAt time.Time) *Run {
	ctx, stop := context.WithCancel(context.Background())
	return &Run{
		ID:        id,
		Trigger:   trigger,
		StartedAt: startedAt,
		Options:   opts,
		state:     StateCapturing,
		stage:     StageCapture,
		edits:     make(chan extract.Question, 1),
		ctx:       ctx,
		stop:      stop,
	}
}

// Status is a point-in-time copy of a Run.
type Status struct {
	ID        string                  `json:"id"`
	Trigger   Trigger                 `json:"trigger"`
	StartedAt time.Time               `json:"started_at"`
	State     State                   `json:"state"`
	Stage     Stage                   `json:"stage"`
	Question  *extract.Question       `json:"question,omitempty"`
	Answer    *answer.Answer          `json:"answer,omitempty"`
	Reason    Reason                  `json:"reason,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Delivery  *deliver.DeliveryResult `json:"delivery,omitempty"`
}

// Status returns a snapshot of the run.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		ID:        r.ID,
		Trigger:   r.Trigger,
		StartedAt: r.StartedAt,
		State:     r.state,
		Stage:     r.stage,
		Answer:    r.answer,
		Delivery:  r.delivery,
	}
	if r.question != nil {
		q := *r.question
		s.Question = &q
	}
	if r.failure != nil {
		s.Reason = r.failure.Reason
		s.Error = r.failure.Err.Error()
	}
	return s
}

// Preview returns the scaled capture kept for display, if any.
func (r *Run) Preview() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preview
}

func (r *Run) enter(stage Stage, state State) {
	r.mu.Lock()
	r.stage, r.state = stage, state
	r.mu.Unlock()
}

func (r *Run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) cancel() {
	r.stop()
}

func (r *Run) isCancelled() bool {
	return r.ctx.Err() != nil
}

func (r *Run) setQuestion(q extract.Question) {
	r.mu.Lock()
	r.question = &q
	r.mu.Unlock()
}

func (r *Run) finish(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

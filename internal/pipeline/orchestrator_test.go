package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/quiz-relay/internal/answer"
	"github.com/zombor/quiz-relay/internal/capture"
	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/extract"
	"github.com/zombor/quiz-relay/internal/trigger"
)

type mockCapturer struct {
	mu      sync.Mutex
	err     error
	panics  bool
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
	full    int
	regions []capture.Region
}

func (m *mockCapturer) CaptureFull(ctx context.Context) (*capture.Image, error) {
	m.mu.Lock()
	m.full++
	m.mu.Unlock()
	return m.grab()
}

func (m *mockCapturer) CaptureRegion(ctx context.Context, r capture.Region) (*capture.Image, error) {
	m.mu.Lock()
	m.regions = append(m.regions, r)
	m.mu.Unlock()
	return m.grab()
}

func (m *mockCapturer) grab() (*capture.Image, error) {
	if m.entered != nil {
		m.once.Do(func() { close(m.entered) })
	}
	if m.gate != nil {
		<-m.gate
	}
	if m.panics {
		panic("display went away")
	}
	if m.err != nil {
		return nil, m.err
	}
	return capture.NewImage(image.NewRGBA(image.Rect(0, 0, 40, 20)), time.Time{}), nil
}

type mockExtractor struct {
	text string
	err  error
}

func (m *mockExtractor) Extract(ctx context.Context, img *capture.Image) (extract.Question, extract.RawText, error) {
	if m.err != nil {
		return extract.Question{}, extract.RawText{}, m.err
	}
	confidence := 91.5
	return extract.Parse(m.text, extract.Classify(m.text)), extract.RawText{Text: m.text, Confidence: &confidence}, nil
}

type mockAnswerer struct {
	mu        sync.Mutex
	text      string
	err       error
	questions []extract.Question
}

func (m *mockAnswerer) Ask(ctx context.Context, q extract.Question, maxTokens int, timeout time.Duration) (*answer.Answer, error) {
	m.mu.Lock()
	m.questions = append(m.questions, q)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &answer.Answer{Text: m.text, Label: m.text, Question: &q}, nil
}

func (m *mockAnswerer) Questions() []extract.Question {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]extract.Question(nil), m.questions...)
}

type slowCompleter struct {
	delay time.Duration
}

func (c slowCompleter) Complete(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
	select {
	case <-time.After(c.delay):
		return "B", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c slowCompleter) Close() error { return nil }

type mockTransport struct {
	mu   sync.Mutex
	sent []deliver.Message
}

func (m *mockTransport) Send(ctx context.Context, to deliver.Recipient, msg deliver.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

type mockRecipients struct {
	recipients []deliver.Recipient
	err        error
}

func (m *mockRecipients) ListRecipients() ([]deliver.Recipient, error) {
	return m.recipients, m.err
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) Types() []EventType {
	var types []EventType
	for _, ev := range r.Events() {
		types = append(types, ev.Type)
	}
	return types
}

func (r *recorder) Last(t EventType) Event {
	events := r.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return events[i]
		}
	}
	return Event{}
}

const multipleChoice = "What is 2+2?\nA) 3\nB) 4\nC) 5"

var _ = Describe("Orchestrator", func() {
	var (
		capturer   *mockCapturer
		extractor  *mockExtractor
		answerer   Answerer
		mockAns    *mockAnswerer
		transport  *mockTransport
		recipients *mockRecipients
		bus        *Bus
		events     *recorder
		cfg        Config
		o          *Orchestrator
	)

	idle := func() bool { return !o.Busy() }

	BeforeEach(func() {
		capturer = &mockCapturer{}
		extractor = &mockExtractor{text: multipleChoice}
		mockAns = &mockAnswerer{text: "B"}
		answerer = mockAns
		transport = &mockTransport{}
		recipients = &mockRecipients{}
		bus = NewBus()
		events = &recorder{}
		bus.Subscribe(events)
		cfg = Config{}
	})

	JustBeforeEach(func() {
		deliverer := deliver.NewDeliverer(map[deliver.Channel]deliver.Transport{deliver.ChannelEmail: transport}, 2)
		o = NewOrchestratorWithDeps(capturer, extractor, answerer, deliverer, recipients, bus, cfg,
			&sequentialIDs{}, fixedClock{time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)})
	})

	AfterEach(func() {
		o.Close()
	})

	When("a manual run skips review", func() {
		It("should answer the captured question", func() {
			run, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(run.ID).To(Equal("run-1"))

			Eventually(idle).Should(BeTrue())
			Expect(events.Types()).To(Equal([]EventType{
				RunStarted,
				StageProgress, StageProgress, QuestionReady,
				StageProgress, RunCompleted,
			}))

			completed := events.Last(RunCompleted)
			Expect(completed.RunID).To(Equal("run-1"))
			Expect(completed.Answer.Text).To(Equal("B"))

			ready := events.Last(QuestionReady)
			Expect(ready.Question.Type).To(Equal(extract.MultipleChoice))
			Expect(ready.Question.Options).To(HaveLen(3))
			Expect(*ready.Confidence).To(Equal(91.5))

			status, ok := o.Current()
			Expect(ok).To(BeTrue())
			Expect(status.State).To(Equal(StateCompleted))
			Expect(status.Answer.Text).To(Equal("B"))
		})

		It("should capture the full screen and keep a preview", func() {
			run, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())
			Expect(capturer.full).To(Equal(1))
			Expect(run.Preview()).NotTo(BeNil())
		})
	})

	When("a region is configured", func() {
		BeforeEach(func() {
			cfg.Region = capture.Region{X: 10, Y: 20, Width: 300, Height: 200}
		})

		It("should capture that region unless the request names another", func() {
			_, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())

			_, err = o.Request(TriggerManual, RunOptions{SkipReview: true, Region: capture.Region{Width: 5, Height: 5}})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())

			Expect(capturer.regions).To(Equal([]capture.Region{
				{X: 10, Y: 20, Width: 300, Height: 200},
				{Width: 5, Height: 5},
			}))
		})
	})

	It("should reject an invalid region", func() {
		_, err := o.Request(TriggerManual, RunOptions{Region: capture.Region{X: -1, Width: 5, Height: 5}})
		Expect(err).To(MatchError(capture.ErrCapture))
		Expect(o.Busy()).To(BeFalse())
	})

	When("a manual and a hotkey request arrive together", func() {
		BeforeEach(func() {
			capturer.gate = make(chan struct{})
		})

		It("should run exactly one pipeline", func() {
			var wg sync.WaitGroup
			errs := make([]error, 2)
			start := make(chan struct{})
			for i, t := range []Trigger{TriggerManual, TriggerHotkey} {
				wg.Add(1)
				go func(i int, t Trigger) {
					defer GinkgoRecover()
					defer wg.Done()
					<-start
					_, errs[i] = o.Request(t, RunOptions{SkipReview: true})
				}(i, t)
			}
			close(start)
			wg.Wait()

			failures := 0
			for _, err := range errs {
				if err != nil {
					Expect(err).To(MatchError(ErrRunInProgress))
					failures++
				}
			}
			Expect(failures).To(Equal(1))

			close(capturer.gate)
			Eventually(idle).Should(BeTrue())

			started := 0
			for _, t := range events.Types() {
				if t == RunStarted {
					started++
				}
			}
			Expect(started).To(Equal(1))
		})
	})

	When("capture fails", func() {
		BeforeEach(func() {
			capturer.err = fmt.Errorf("%w: permission denied", capture.ErrCapture)
		})

		It("should fail the capture stage and skip the rest", func() {
			_, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())

			failed := events.Last(RunFailed)
			Expect(failed.Stage).To(Equal(StageCapture))
			Expect(failed.Reason).To(Equal(ReasonCaptureError))
			Expect(mockAns.Questions()).To(BeEmpty())
		})
	})

	When("OCR finds nothing", func() {
		BeforeEach(func() {
			extractor.err = extract.ErrOCREmptyResult
		})

		It("should fail with a remediation hint", func() {
			_, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())

			failed := events.Last(RunFailed)
			Expect(failed.Stage).To(Equal(StageExtract))
			Expect(failed.Reason).To(Equal(ReasonOCREmptyResult))
			Expect(failed.Remediation).NotTo(BeEmpty())
		})
	})

	When("the remote service times out twice", func() {
		BeforeEach(func() {
			answerer = answer.NewAnswerer(slowCompleter{delay: time.Second})
			cfg.AnswerTimeout = 20 * time.Millisecond
		})

		It("should fail the answer stage with a timeout", func() {
			_, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())

			failed := events.Last(RunFailed)
			Expect(failed.Stage).To(Equal(StageAnswer))
			Expect(failed.Reason).To(Equal(ReasonTimeout))

			status, _ := o.Current()
			Expect(status.State).To(Equal(StateFailed))
			Expect(status.Reason).To(Equal(ReasonTimeout))
		})
	})

	DescribeTable("answer failures",
		func(err error, reason Reason) {
			mockAns.err = err
			_, reqErr := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(reqErr).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())
			Expect(events.Last(RunFailed).Reason).To(Equal(reason))
		},
		Entry("rejected credential", fmt.Errorf("asking: %w", answer.ErrAuth), ReasonAuthError),
		Entry("provider error", &answer.RemoteError{StatusCode: 400, Message: "bad model", Err: answer.ErrMalformed}, ReasonRemoteError),
		Entry("unclassified", errors.New("boom"), ReasonRemoteError),
	)

	When("a stage panics", func() {
		BeforeEach(func() {
			capturer.panics = true
		})

		It("should report an internal failure and release the slot", func() {
			_, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())

			failed := events.Last(RunFailed)
			Expect(failed.Reason).To(Equal(ReasonInternal))
			Expect(failed.Message).To(ContainSubstring("display went away"))

			capturer.panics = false
			_, err = o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("a manual run pauses for review", func() {
		awaitingReview := func() State {
			status, _ := o.Current()
			return status.State
		}

		It("should answer the edited question", func() {
			_, err := o.Request(TriggerManual, RunOptions{})
			Expect(err).NotTo(HaveOccurred())
			Eventually(awaitingReview).Should(Equal(StateAwaitingReview))

			edited := extract.Parse("What is 3+3?\nA) 6\nB) 7", extract.MultipleChoice)
			Expect(o.EditQuestion(edited)).To(Succeed())
			Eventually(idle).Should(BeTrue())

			asked := mockAns.Questions()
			Expect(asked).To(HaveLen(1))
			Expect(asked[0].Body).To(Equal("What is 3+3?"))
			Expect(events.Last(RunCompleted).Answer.Question.Body).To(Equal("What is 3+3?"))
		})

		It("should reject an invalid edit and keep waiting", func() {
			_, err := o.Request(TriggerManual, RunOptions{})
			Expect(err).NotTo(HaveOccurred())
			Eventually(awaitingReview).Should(Equal(StateAwaitingReview))

			bad := extract.Question{Body: "x", Type: extract.MultipleChoice}
			Expect(o.EditQuestion(bad)).NotTo(Succeed())
			Expect(o.Busy()).To(BeTrue())
			Expect(o.Cancel()).To(Succeed())
			Eventually(idle).Should(BeTrue())
		})

		It("should fail as cancelled and accept the next request", func() {
			_, err := o.Request(TriggerManual, RunOptions{})
			Expect(err).NotTo(HaveOccurred())
			Eventually(awaitingReview).Should(Equal(StateAwaitingReview))

			Expect(o.Cancel()).To(Succeed())
			Eventually(idle).Should(BeTrue())

			failed := events.Last(RunFailed)
			Expect(failed.Stage).To(Equal(StageReview))
			Expect(failed.Reason).To(Equal(ReasonCancelled))
			Expect(mockAns.Questions()).To(BeEmpty())

			_, err = o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
		})

		When("the review times out", func() {
			BeforeEach(func() {
				cfg.ReviewTimeout = 20 * time.Millisecond
			})

			It("should answer the extracted question", func() {
				_, err := o.Request(TriggerManual, RunOptions{})
				Expect(err).NotTo(HaveOccurred())
				Eventually(idle).Should(BeTrue())
				Expect(mockAns.Questions()).To(HaveLen(1))
				Expect(events.Last(RunCompleted).Answer.Text).To(Equal("B"))
			})
		})
	})

	It("should refuse edits when no run is paused", func() {
		Expect(o.EditQuestion(extract.Question{Body: "x", Type: extract.OpenForm})).To(MatchError(ErrNoActiveRun))
		Expect(o.Cancel()).To(MatchError(ErrNoActiveRun))
	})

	When("cancelled while capturing", func() {
		BeforeEach(func() {
			capturer.gate = make(chan struct{})
			capturer.entered = make(chan struct{})
		})

		It("should let the capture finish and stop before extraction", func() {
			_, err := o.Request(TriggerManual, RunOptions{SkipReview: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(capturer.entered).Should(BeClosed())
			Expect(o.Cancel()).To(Succeed())
			close(capturer.gate)
			Eventually(idle).Should(BeTrue())

			failed := events.Last(RunFailed)
			Expect(failed.Stage).To(Equal(StageExtract))
			Expect(failed.Reason).To(Equal(ReasonCancelled))
		})
	})

	When("delivery is requested and one recipient is malformed", func() {
		BeforeEach(func() {
			recipients.recipients = []deliver.Recipient{
				{Name: "Ada", Address: "ada@example.com", Enabled: true},
				{Name: "Typo", Address: "not-an-address", Enabled: true},
				{Name: "Off", Address: "off@example.com", Enabled: false},
			}
		})

		It("should complete the run and report each recipient", func() {
			_, err := o.Request(TriggerManual, RunOptions{SkipReview: true, Deliver: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(idle).Should(BeTrue())

			Expect(events.Types()).To(ContainElement(RunCompleted))
			Expect(events.Types()).NotTo(ContainElement(RunFailed))

			report := events.Last(DeliveryReported)
			Expect(report.Delivery.Recipients).To(HaveLen(2))
			Expect(report.Delivery.Recipients[0].Status).To(Equal(deliver.StatusSent))
			Expect(report.Delivery.Recipients[1].Status).To(Equal(deliver.StatusInvalid))
			Expect(report.Delivery.Err()).To(MatchError(deliver.ErrPartialFailure))

			Expect(transport.sent).To(HaveLen(1))
			Expect(transport.sent[0].Answer).To(Equal("B"))
			Expect(transport.sent[0].Question).To(Equal("What is 2+2?"))
			Expect(transport.sent[0].Screenshot).To(BeNil())

			status, _ := o.Current()
			Expect(status.State).To(Equal(StateCompleted))
		})
	})

	When("a hotkey fires", func() {
		BeforeEach(func() {
			cfg.HotkeyDeliver = true
			recipients.recipients = []deliver.Recipient{{Name: "Ada", Address: "ada@example.com", Enabled: true}}
		})

		It("should run without review and deliver with the screenshot", func() {
			fired := make(chan trigger.Fired, 1)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go o.Listen(ctx, fired)

			at := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
			fired <- trigger.Fired{Key: '7', PressedAt: at, FiredAt: at.Add(2 * time.Second)}

			Eventually(func() []EventType { return events.Types() }).Should(ContainElement(DeliveryReported))
			Eventually(idle).Should(BeTrue())

			Expect(events.Types()[0]).To(Equal(TriggerFired))
			Expect(events.Last(RunStarted).Trigger).To(Equal(TriggerHotkey))
			Expect(events.Types()).NotTo(ContainElement(RunFailed))

			transport.mu.Lock()
			defer transport.mu.Unlock()
			Expect(transport.sent).To(HaveLen(1))
			Expect(transport.sent[0].Screenshot).NotTo(BeEmpty())
		})
	})

	When("a hotkey fires without delivery", func() {
		It("should neither attach nor deliver", func() {
			run, err := o.Request(TriggerHotkey, RunOptions{Attach: true, Deliver: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Options.Attach).To(BeFalse())
			Expect(run.Options.Deliver).To(BeFalse())
			Expect(run.Options.SkipReview).To(BeTrue())

			Eventually(idle).Should(BeTrue())
			Expect(events.Types()).To(ContainElement(RunCompleted))
			Expect(events.Types()).NotTo(ContainElement(DeliveryReported))
		})
	})

	When("the orchestrator closes during review", func() {
		It("should cancel the run and refuse new requests", func() {
			_, err := o.Request(TriggerManual, RunOptions{})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() State {
				status, _ := o.Current()
				return status.State
			}).Should(Equal(StateAwaitingReview))

			o.Close()
			Expect(events.Last(RunFailed).Reason).To(Equal(ReasonCancelled))

			_, err = o.Request(TriggerManual, RunOptions{})
			Expect(err).To(MatchError(ErrShuttingDown))
		})
	})

	It("should publish trigger warnings", func() {
		o.WarnTrigger(trigger.ErrSourceLost)
		warning := events.Last(TriggerWarning)
		Expect(warning.Message).To(Equal(trigger.ErrSourceLost.Error()))
	})
})

var _ = Describe("Bus", func() {
	It("should fan out to channels and stop after unsubscribe", func() {
		bus := NewBus()
		ch, unsubscribe := bus.Channel(1)

		bus.Publish(Event{Type: RunStarted, RunID: "a"})
		bus.Publish(Event{Type: RunStarted, RunID: "b"})

		Expect((<-ch).RunID).To(Equal("a"))
		Consistently(ch).ShouldNot(Receive())

		unsubscribe()
		Eventually(ch).Should(BeClosed())
		bus.Publish(Event{Type: RunStarted, RunID: "c"})
		unsubscribe()
	})
})

package answer

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/quiz-relay/internal/extract"
)

type completion struct {
	text  string
	err   error
	delay time.Duration
}

type mockCompleter struct {
	mu        sync.Mutex
	responses []completion
	calls     int
	prompts   []string
	systems   []string
	maxTokens []int
	closed    bool
}

func (m *mockCompleter) Complete(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.prompts = append(m.prompts, prompt)
	m.systems = append(m.systems, system)
	m.maxTokens = append(m.maxTokens, maxTokens)
	var c completion
	if i < len(m.responses) {
		c = m.responses[i]
	} else if len(m.responses) > 0 {
		c = m.responses[len(m.responses)-1]
	}
	m.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.text, c.err
}

func (m *mockCompleter) Close() error {
	m.closed = true
	return nil
}

func (m *mockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var _ = Describe("Answerer", func() {
	var (
		completer *mockCompleter
		answerer  *Answerer
		question  extract.Question
		timeout   time.Duration
		answer    *Answer
		err       error
		now       time.Time
	)

	BeforeEach(func() {
		completer = &mockCompleter{responses: []completion{{text: "B"}}}
		now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		answerer = NewAnswererWithClock(completer, fixedClock{now})
		question = extract.Parse("What is 2+2?\nA) 3\nB) 4\nC) 5", extract.MultipleChoice)
		timeout = time.Second
	})

	JustBeforeEach(func() {
		answer, err = answerer.Ask(context.Background(), question, 1000, timeout)
	})

	When("the service answers a multiple choice question", func() {
		It("should return the reply verbatim with its label", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(answer.Text).To(Equal("B"))
			Expect(answer.Label).To(Equal("B"))
			Expect(answer.ReceivedAt).To(Equal(now))
			Expect(answer.Question.Body).To(Equal("What is 2+2?"))
		})

		It("should send the options and the multiple choice instruction", func() {
			Expect(completer.prompts[0]).To(ContainSubstring("What is 2+2?"))
			Expect(completer.prompts[0]).To(ContainSubstring("B) 4"))
			Expect(completer.systems[0]).To(ContainSubstring("multiple choice"))
			Expect(completer.maxTokens[0]).To(Equal(1000))
		})
	})

	When("the question is open form", func() {
		BeforeEach(func() {
			question = extract.Parse("Explain photosynthesis.", extract.OpenForm)
			completer.responses = []completion{{text: "  Plants turn light into sugar.  "}}
		})

		It("should ask for a concise answer without options", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(answer.Text).To(Equal("Plants turn light into sugar."))
			Expect(answer.Label).To(BeEmpty())
			Expect(completer.systems[0]).To(ContainSubstring("concise"))
			Expect(completer.prompts[0]).NotTo(ContainSubstring("Options:"))
		})
	})

	When("the service times out twice", func() {
		BeforeEach(func() {
			timeout = 20 * time.Millisecond
			completer.responses = []completion{{text: "B", delay: time.Second}}
		})

		It("should retry once and report a timeout", func() {
			Expect(err).To(MatchError(ErrTimeout))
			Expect(completer.Calls()).To(Equal(2))
		})
	})

	When("the first attempt times out and the retry succeeds", func() {
		BeforeEach(func() {
			timeout = 20 * time.Millisecond
			completer.responses = []completion{{text: "A", delay: time.Second}, {text: "C"}}
		})

		It("should return the retry's answer", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(answer.Label).To(Equal("C"))
		})
	})

	When("a transient failure persists", func() {
		BeforeEach(func() {
			completer.responses = []completion{{err: &RemoteError{StatusCode: 503, Message: "overloaded", Err: ErrTransient}}}
		})

		It("should retry once and surface the remote message", func() {
			var remote *RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Message).To(Equal("overloaded"))
			Expect(completer.Calls()).To(Equal(2))
		})
	})

	When("the request is malformed", func() {
		BeforeEach(func() {
			completer.responses = []completion{{err: &RemoteError{StatusCode: 400, Message: "bad model", Err: ErrMalformed}}}
		})

		It("should not retry", func() {
			Expect(err).To(MatchError(ErrMalformed))
			Expect(completer.Calls()).To(Equal(1))
		})
	})

	When("the credential is rejected", func() {
		BeforeEach(func() {
			completer.responses = []completion{{err: classifyStatus(401, "invalid key")}}
		})

		It("should not retry and latch the fault", func() {
			Expect(err).To(MatchError(ErrAuth))
			Expect(completer.Calls()).To(Equal(1))
			Expect(answerer.AuthFault()).To(MatchError(ErrAuth))

			_, again := answerer.Ask(context.Background(), question, 1000, timeout)
			Expect(again).To(MatchError(ErrAuth))
			Expect(completer.Calls()).To(Equal(1))
		})

		It("should recover after Reconfigure", func() {
			fresh := &mockCompleter{responses: []completion{{text: "B"}}}
			answerer.Reconfigure(fresh)
			Expect(answerer.AuthFault()).To(BeNil())
			Expect(completer.closed).To(BeTrue())

			ans, again := answerer.Ask(context.Background(), question, 1000, timeout)
			Expect(again).NotTo(HaveOccurred())
			Expect(ans.Text).To(Equal("B"))
		})
	})

	When("the service returns an empty reply", func() {
		BeforeEach(func() {
			completer.responses = []completion{{text: "   "}}
		})

		It("should report a remote error", func() {
			var remote *RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Message).To(Equal("empty response"))
		})
	})
})

var _ = Describe("matchLabel", func() {
	options := []extract.Option{
		{Label: "A", Text: "Paris"},
		{Label: "B", Text: "London"},
		{Label: "C", Text: "Berlin"},
	}

	DescribeTable("resolution",
		func(response, expected string) {
			Expect(matchLabel(response, options)).To(Equal(expected))
		},
		Entry("bare label", "B", "B"),
		Entry("label with text", "B) London", "B"),
		Entry("lowercase parenthesised", "(c)", "C"),
		Entry("markdown", "**A**", "A"),
		Entry("answer prefix", "Answer: C", "C"),
		Entry("sentence prefix", "The correct answer is B.", "B"),
		Entry("option text only", "It is Berlin, the capital.", "C"),
		Entry("misspelled option", "Londn", "B"),
		Entry("unrelated", "I am not sure about this one", ""),
		Entry("word starting with a label letter", "Because of history", ""),
		Entry("unknown label", "D", ""),
		Entry("sentence starting with a label letter", "A triangle has three sides", ""),
		Entry("label on its own line", "B\nLondon is the capital.", "B"),
		Entry("label with dot", "c. Berlin", "C"),
		Entry("prefix followed by explanation", "The answer is B because London is the capital.", "B"),
		Entry("prefix followed by a lowercase word", "The answer is a city in Germany", ""),
	)
})

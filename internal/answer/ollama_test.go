package answer

import (
	"context"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/googleapi"
)

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		completer *Ollama
		text      string
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var newErr error
		completer, newErr = NewOllama(server.URL()+"/", "llama3.1")
		Expect(newErr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = completer.Complete(context.Background(), "Question:\nWhat is 2+2?", "be brief", 200)
	})

	When("the server answers", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.VerifyJSONRepresenting(ollamaChatRequest{
					Model:  "llama3.1",
					Stream: false,
					Messages: []ollamaMessage{
						{Role: "system", Content: "be brief"},
						{Role: "user", Content: "Question:\nWhat is 2+2?"},
					},
					Options: ollamaOptions{NumPredict: 200},
				}),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: " 4 \n"},
					Done:    true,
				}),
			))
		})

		It("should return the trimmed reply", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("4"))
		})
	})

	When("the model is missing", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model \"llama3.1\" not found"}`))
		})

		It("should return a malformed remote error with the server message", func() {
			Expect(err).To(MatchError(ErrMalformed))
			var remote *RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Message).To(Equal(`model "llama3.1" not found`))
		})
	})

	When("the server is overloaded", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "busy"))
		})

		It("should return a transient error", func() {
			Expect(err).To(MatchError(ErrTransient))
		})
	})

	When("a proxy rejects the request", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, "no"))
		})

		It("should return an auth error", func() {
			Expect(err).To(MatchError(ErrAuth))
		})
	})

	When("the server is unreachable", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("should return a transient error", func() {
			Expect(err).To(MatchError(ErrTransient))
		})
	})
})

var _ = Describe("classifyGoogleError", func() {
	DescribeTable("error kinds",
		func(code int, expected error) {
			err := classifyGoogleError(&googleapi.Error{Code: code, Message: "boom"})
			Expect(err).To(MatchError(expected))
		},
		Entry("unauthenticated", 401, ErrAuth),
		Entry("forbidden", 403, ErrAuth),
		Entry("bad request", 400, ErrMalformed),
		Entry("rate limited", 429, ErrTransient),
		Entry("server error", 500, ErrTransient),
	)

	It("should pass deadlines through", func() {
		Expect(classifyGoogleError(context.DeadlineExceeded)).To(Equal(context.DeadlineExceeded))
	})

	It("should leave unknown errors alone", func() {
		plain := errors.New("plain")
		Expect(classifyGoogleError(plain)).To(Equal(plain))
	})
})

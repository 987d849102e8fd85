package server

import (
	"crypto/subtle"
	"encoding/base64"
	"image"
	"net/http"
	"strings"

	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/extract"
	"github.com/zombor/quiz-relay/internal/pipeline"
	"github.com/zombor/quiz-relay/internal/trigger"
)

// Orchestrator is the run control surface the server drives.
type Orchestrator interface {
	Request(t pipeline.Trigger, opts pipeline.RunOptions) (*pipeline.Run, error)
	EditQuestion(q extract.Question) error
	Cancel() error
	Current() (pipeline.Status, bool)
	Preview() image.Image
}

// TriggerSettings reads and replaces the hotkey configuration.
type TriggerSettings interface {
	Get() trigger.Config
	Set(cfg trigger.Config) error
}

// RecipientStore persists delivery recipients.
type RecipientStore interface {
	SaveRecipient(r deliver.Recipient) error
	ListRecipients() ([]deliver.Recipient, error)
	DeleteRecipient(address string) error
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Channel(buffer int) (<-chan pipeline.Event, func())
}

// Server handles HTTP requests for the interactive surface
type Server struct {
	orchestrator Orchestrator
	settings     TriggerSettings
	recipients   RecipientStore
	events       EventSource
	clock        pipeline.TimeSource
	basicAuth    BasicAuth
	mux          *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Deps groups the collaborators a Server needs.
type Deps struct {
	Orchestrator Orchestrator
	Settings     TriggerSettings
	Recipients   RecipientStore
	Events       EventSource
	// Clock defaults to the wall clock.
	Clock pipeline.TimeSource
}

// NewServer creates a new Server with default mux
func NewServer(deps Deps, basicAuth BasicAuth) *Server {
	return NewServerWithMux(deps, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(deps Deps, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	clock := deps.Clock
	if clock == nil {
		clock = wallClock{}
	}
	s := &Server{
		orchestrator: deps.Orchestrator,
		settings:     deps.Settings,
		recipients:   deps.Recipients,
		events:       deps.Events,
		clock:        clock,
		basicAuth:    basicAuth,
		mux:          mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(credentials[0]), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(credentials[1]), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Quiz Relay"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))

	// Runs
	s.mux.HandleFunc("GET /api/runs/current/preview", s.requireAuth(s.handlePreview))
	s.mux.HandleFunc("PUT /api/runs/current/question", s.requireAuth(s.handleEditQuestion))
	s.mux.HandleFunc("GET /api/runs/current", s.requireAuth(s.handleCurrentRun))
	s.mux.HandleFunc("DELETE /api/runs/current", s.requireAuth(s.handleCancelRun))
	s.mux.HandleFunc("POST /api/runs", s.requireAuth(s.handleStartRun))

	// Configuration
	s.mux.HandleFunc("GET /api/trigger", s.requireAuth(s.handleGetTrigger))
	s.mux.HandleFunc("PUT /api/trigger", s.requireAuth(s.handlePutTrigger))
	s.mux.HandleFunc("DELETE /api/recipients/{address}", s.requireAuth(s.handleDeleteRecipient))
	s.mux.HandleFunc("GET /api/recipients", s.requireAuth(s.handleListRecipients))
	s.mux.HandleFunc("POST /api/recipients", s.requireAuth(s.handleSaveRecipient))

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /{$}", s.requireAuth(s.handleIndex))
}

// Handler returns the mux wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(s.mux.ServeHTTP)(w, r)
	})
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

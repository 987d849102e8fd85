package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/quiz-relay/internal/capture"
	"github.com/zombor/quiz-relay/internal/deliver"
	"github.com/zombor/quiz-relay/internal/extract"
	"github.com/zombor/quiz-relay/internal/pipeline"
	"github.com/zombor/quiz-relay/internal/store"
	"github.com/zombor/quiz-relay/internal/trigger"
)

const (
	maxBodySize     = 1 << 20
	eventBuffer     = 32
	keepAlivePeriod = 15 * time.Second
)

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes {"error": message} with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleEvents streams run events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		corsError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.events.Channel(eventBuffer)
	defer unsubscribe()

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Error encoding event", "type", ev.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleStartRun starts a manual run
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var opts pipeline.RunOptions
	if err := decodeBody(r, &opts); err != nil {
		jsonError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	run, err := s.orchestrator.Request(pipeline.TriggerManual, opts)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		jsonError(w, "A run is already in progress", http.StatusConflict)
		return
	case errors.Is(err, pipeline.ErrShuttingDown):
		jsonError(w, "Shutting down", http.StatusServiceUnavailable)
		return
	case errors.Is(err, capture.ErrCapture):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("Error starting run", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusAccepted, run.Status())
}

// handleCurrentRun returns the live or most recent run
func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	status, ok := s.orchestrator.Current()
	if !ok {
		jsonError(w, "No run yet", http.StatusNotFound)
		return
	}
	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, status)
}

// handleEditQuestion confirms or replaces the question of a run awaiting review
func (s *Server) handleEditQuestion(w http.ResponseWriter, r *http.Request) {
	var q extract.Question
	if err := decodeBody(r, &q); err != nil {
		jsonError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	err := s.orchestrator.EditQuestion(q)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNoActiveRun):
		jsonError(w, "No active run", http.StatusNotFound)
		return
	case errors.Is(err, pipeline.ErrNotAwaitingReview):
		jsonError(w, "Run is not awaiting review", http.StatusConflict)
		return
	default:
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelRun cancels the live run
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Cancel(); err != nil {
		if errors.Is(err, pipeline.ErrNoActiveRun) {
			jsonError(w, "No active run", http.StatusNotFound)
			return
		}
		slog.Error("Error cancelling run", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusAccepted)
}

// handlePreview serves the scaled capture as PNG
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	img := s.orchestrator.Preview()
	if img == nil {
		corsError(w, "No preview available", http.StatusNotFound)
		return
	}

	data, err := capture.EncodePNG(img)
	if err != nil {
		slog.Error("Error encoding preview", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// triggerView is the wire form of the hotkey configuration.
type triggerView struct {
	Enabled    bool   `json:"enabled"`
	HoldMillis int64  `json:"hold_ms"`
	ActiveKey  string `json:"active_key,omitempty"`
}

// handleGetTrigger returns the hotkey configuration and the key armed right now
func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.Get()
	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, triggerView{
		Enabled:    cfg.Enabled,
		HoldMillis: cfg.HoldDuration.Milliseconds(),
		ActiveKey:  string(trigger.ActiveKey(s.clock.Now())),
	})
}

// handlePutTrigger replaces the hotkey configuration
func (s *Server) handlePutTrigger(w http.ResponseWriter, r *http.Request) {
	current := s.settings.Get()
	view := triggerView{Enabled: current.Enabled, HoldMillis: current.HoldDuration.Milliseconds()}
	if err := decodeBody(r, &view); err != nil {
		jsonError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	cfg := trigger.Config{Enabled: view.Enabled, HoldDuration: time.Duration(view.HoldMillis) * time.Millisecond}
	if err := cfg.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.settings.Set(cfg); err != nil {
		slog.Error("Error saving trigger config", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, triggerView{
		Enabled:    cfg.Enabled,
		HoldMillis: cfg.HoldDuration.Milliseconds(),
		ActiveKey:  string(trigger.ActiveKey(s.clock.Now())),
	})
}

// handleListRecipients returns all recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	recipients, err := s.recipients.ListRecipients()
	if err != nil {
		slog.Error("Error listing recipients", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, recipients)
}

// handleSaveRecipient adds or replaces a recipient
func (s *Server) handleSaveRecipient(w http.ResponseWriter, r *http.Request) {
	var recipient deliver.Recipient
	if err := decodeBody(r, &recipient); err != nil {
		jsonError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	recipient.Name = strings.TrimSpace(recipient.Name)
	recipient.Address = strings.TrimSpace(recipient.Address)

	if err := recipient.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.recipients.SaveRecipient(recipient); err != nil {
		slog.Error("Error saving recipient", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusCreated, recipient)
}

// handleDeleteRecipient removes a recipient by address
func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if address == "" {
		corsError(w, "Address is required", http.StatusBadRequest)
		return
	}

	if err := s.recipients.DeleteRecipient(address); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			corsError(w, "Recipient not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting recipient", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

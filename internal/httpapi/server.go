// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi exposes casebridge to the application in front of it: the
// dual-write commit path, job status and queue health, triage intake and
// decisions, the automation session and the outbox.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bcem/casebridge/internal/automation"
	"github.com/bcem/casebridge/internal/config"
	"github.com/bcem/casebridge/internal/dualwrite"
	"github.com/bcem/casebridge/internal/lease"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/outbox"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
	"github.com/bcem/casebridge/internal/triage"
)

// Jobs is the worker pool's query surface.
type Jobs interface {
	Status(ctx context.Context, id string) (models.JobStatus, error)
	Cancel(ctx context.Context, id string) (models.JobStatus, error)
	Health(ctx context.Context) (models.QueueHealth, error)
}

// Committer is the sync engine's commit path.
type Committer interface {
	Commit(ctx context.Context, officeID string, c dualwrite.Change) (dualwrite.Result, error)
}

// Entities reads shadow rows.
type Entities interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
}

// Intake enqueues triage on request.
type Intake interface {
	Submit(ctx context.Context, officeID, messageID string) (*models.Job, bool, error)
}

// Suggestions reads triage suggestions.
type Suggestions interface {
	GetSuggestion(ctx context.Context, id string) (*models.TriageSuggestion, error)
	SuggestionForMessage(ctx context.Context, officeID, messageID string) (*models.TriageSuggestion, error)
}

// Decider records triage decisions.
type Decider interface {
	Decide(ctx context.Context, officeID, suggestionID string, d models.Decision) (*triage.DecisionOutcome, error)
}

// Sessions couples the automation lease with the bot.
type Sessions interface {
	Start(ctx context.Context, officeID, holder string) (*automation.Handle, error)
	Renew(ctx context.Context, token string) (*models.Lease, error)
	Capture(ctx context.Context, token, sessionID string) error
	Cancel(ctx context.Context, token, sessionID string) error
}

// Outbox lists queued outbound email.
type Outbox interface {
	List(ctx context.Context, officeID, status string, limit int) ([]models.OutboxMessage, error)
}

// Deps wires the handler. Health checks are named probes run by /health.
type Deps struct {
	Offices     []config.OfficeConfig
	Jobs        Jobs
	Writes      Committer
	Entities    Entities
	Intake      Intake
	Suggestions Suggestions
	Decider     Decider
	Sessions    Sessions
	Outbox      Outbox
	Health      map[string]func(context.Context) error
}

// Handler serves the casebridge API.
type Handler struct {
	deps    Deps
	offices map[string]string // id or alias -> id
}

// NewHandler creates the API handler.
func NewHandler(deps Deps) *Handler {
	h := &Handler{deps: deps, offices: make(map[string]string)}
	for _, o := range deps.Offices {
		h.offices[o.ID] = o.ID
		h.offices[o.Alias] = o.ID
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.health)

	r.Get("/jobs/{jobID}", h.getJob)
	r.Post("/jobs/{jobID}/cancel", h.cancelJob)
	r.Get("/queue/health", h.queueHealth)

	r.Route("/automation/session", func(r chi.Router) {
		r.Post("/renew", h.renewSession)
		r.Post("/capture", h.captureSession)
		r.Post("/cancel", h.cancelSession)
	})

	r.Route("/offices/{office}", func(r chi.Router) {
		r.Use(h.officeScope)
		r.Post("/entities", h.commitEntity)
		r.Get("/entities/{entityID}", h.getEntity)
		r.Post("/messages/{messageID}/triage", h.submitTriage)
		r.Get("/messages/{messageID}/suggestion", h.messageSuggestion)
		r.Get("/suggestions/{suggestionID}", h.getSuggestion)
		r.Post("/suggestions/{suggestionID}/decision", h.decide)
		r.Post("/automation/session", h.startSession)
		r.Get("/outbox", h.listOutbox)
	})
	return r
}

type officeKey struct{}

func (h *Handler) officeScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.offices[chi.URLParam(r, "office")]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown office %q", chi.URLParam(r, "office")))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), officeKey{}, id)))
	})
}

func officeFrom(r *http.Request) string {
	id, _ := r.Context().Value(officeKey{}).(string)
	return id
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	for name, check := range h.deps.Health {
		if err := check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": name + " unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var busy *automation.BusyError
	switch {
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, shadow.ErrNotFound),
		errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shadow.ErrFrozen),
		errors.Is(err, shadow.ErrVersionConflict),
		errors.Is(err, queue.ErrTerminal),
		errors.Is(err, lease.ErrLeaseLost),
		errors.As(err, &busy):
		return http.StatusConflict
	case errors.Is(err, triage.ErrInvalidDecision),
		errors.Is(err, triage.ErrNotTriageable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, automation.ErrBotUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, automation.ErrNotLoggedIn):
		return http.StatusPreconditionRequired
	case errors.Is(err, automation.ErrRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// Serve starts the API server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// accepting connections. The server shuts down when ctx is cancelled.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, <-chan error, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind api port %d: %w", port, err)
	}

	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("api server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("api server listening", "port", port)
		close(ready)
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()

	return ready, done, nil
}

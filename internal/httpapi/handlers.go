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

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcem/casebridge/internal/dualwrite"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/shadow"
)

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Jobs.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) queueHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.deps.Jobs.Health(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	code := http.StatusOK
	if health.Stalled {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (h *Handler) commitEntity(w http.ResponseWriter, r *http.Request) {
	var c dualwrite.Change
	if err := decodeBody(w, r, &c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.deps.Writes.Commit(r.Context(), officeFrom(r), c)
	if err != nil {
		fail(w, r, err)
		return
	}
	code := http.StatusOK
	switch res.Status {
	case dualwrite.QueuedForRetry:
		code = http.StatusAccepted
	case dualwrite.Rejected:
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	e, err := h.deps.Entities.Get(r.Context(), id)
	if err == nil && e.OfficeID != officeFrom(r) {
		err = fmt.Errorf("%w: %s", shadow.ErrNotFound, id)
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) submitTriage(w http.ResponseWriter, r *http.Request) {
	job, created, err := h.deps.Intake.Submit(r.Context(), officeFrom(r), chi.URLParam(r, "messageID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusAccepted
	}
	writeJSON(w, code, job.Status())
}

func (h *Handler) messageSuggestion(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Suggestions.SuggestionForMessage(r.Context(), officeFrom(r), chi.URLParam(r, "messageID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) getSuggestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "suggestionID")
	s, err := h.deps.Suggestions.GetSuggestion(r.Context(), id)
	if err == nil && s.OfficeID != officeFrom(r) {
		err = fmt.Errorf("%w: %s", shadow.ErrNotFound, id)
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var d models.Decision
	if err := decodeBody(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if d.DecidedBy == "" {
		writeError(w, http.StatusBadRequest, errors.New("decided_by is required"))
		return
	}
	out, err := h.deps.Decider.Decide(r.Context(), officeFrom(r), chi.URLParam(r, "suggestionID"), d)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionRequest struct {
	Holder    string `json:"holder,omitempty"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil || req.Holder == "" {
		writeError(w, http.StatusBadRequest, errors.New("holder is required"))
		return
	}
	handle, err := h.deps.Sessions.Start(r.Context(), officeFrom(r), req.Holder)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (h *Handler) renewSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	l, err := h.deps.Sessions.Renew(r.Context(), req.Token)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) captureSession(w http.ResponseWriter, r *http.Request) {
	h.endSession(w, r, h.deps.Sessions.Capture)
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	h.endSession(w, r, h.deps.Sessions.Cancel)
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, end func(ctx context.Context, token, sessionID string) error) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil || req.Token == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("token and session_id are required"))
		return
	}
	if err := end(r.Context(), req.Token, req.SessionID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listOutbox(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Outbox.List(r.Context(), officeFrom(r), r.URL.Query().Get("status"), queryInt(r, "limit", 100))
	if err != nil {
		fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.OutboxMessage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

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

// Package automation talks to the external browser-automation bot that
// drives the legacy web UI for work the legacy API cannot do: logging a
// caseworker in interactively and sending email. The bot has one browser
// session, so every call is made under the automation lease.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrBotUnavailable marks transport failures and bot-side errors. The
	// call may be retried.
	ErrBotUnavailable = errors.New("automation bot unavailable")
	// ErrNotLoggedIn means the bot has no captured legacy session; a human
	// must log in through a session first.
	ErrNotLoggedIn = errors.New("automation bot has no legacy session")
	// ErrRejected marks a request the bot refused.
	ErrRejected = errors.New("automation bot rejected request")
)

// Session is an interactive browser session handle.
type Session struct {
	ID        string     `json:"session_id"`
	ViewURL   string     `json:"view_url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SendRequest is one outbound email sent through the legacy UI.
type SendRequest struct {
	OfficeID       string `json:"office_id"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	BodyHTML       string `json:"body_html"`
	CaseRef        string `json:"case_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SendResult is the bot's acknowledgement of a sent email.
type SendResult struct {
	MessageRef string `json:"message_ref,omitempty"`
}

// Client calls the bot's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a bot client. A nil httpClient gets a 60s timeout; the
// bot drives a real browser and is slow.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// StartSession opens an interactive session for a caseworker to log in.
func (c *Client) StartSession(ctx context.Context, officeID, leaseToken string) (*Session, error) {
	var s Session
	err := c.post(ctx, "/session/start", map[string]string{
		"office_id":   officeID,
		"lease_token": leaseToken,
	}, &s)
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: start returned no session id", ErrBotUnavailable)
	}
	slog.Info("automation session started", "office", officeID, "session_id", s.ID)
	return &s, nil
}

// CaptureSession persists the logged-in session's credentials in the bot.
func (c *Client) CaptureSession(ctx context.Context, sessionID string) error {
	if err := c.post(ctx, "/session/capture", map[string]string{"session_id": sessionID}, nil); err != nil {
		return err
	}
	slog.Info("automation session captured", "session_id", sessionID)
	return nil
}

// CancelSession aborts an interactive session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	if err := c.post(ctx, "/session/cancel", map[string]string{"session_id": sessionID}, nil); err != nil {
		return err
	}
	slog.Info("automation session cancelled", "session_id", sessionID)
	return nil
}

// SendEmail sends one email through the legacy UI.
func (c *Client) SendEmail(ctx context.Context, req SendRequest) (*SendResult, error) {
	var res SendResult
	if err := c.post(ctx, "/email/send", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBotUnavailable, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned HTTP %d: %s", ErrBotUnavailable, path, resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPreconditionRequired:
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, respBody)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s returned HTTP %d: %s", ErrRejected, path, resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrBotUnavailable, path, err)
	}
	return nil
}

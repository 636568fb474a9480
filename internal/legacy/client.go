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

// Package legacy implements the authenticated, rate-limited client for the
// legacy casework API. It owns the per-office session lifecycle and decides
// when a failed call may be replayed and when its outcome is ambiguous.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Office identifies one legacy instance and its service credentials.
type Office struct {
	ID       string
	BaseURL  string
	Username string
	Password string
}

// Options tune the client. Zero values take the documented defaults.
type Options struct {
	Rate       float64 // requests per second per office (default 8)
	Burst      int
	GlobalRate float64
	QueueDepth int
	SessionTTL time.Duration
	MaxReplays int
	HTTPClient *http.Client
	Sessions   SessionCache
}

// Request is one legacy API call.
type Request struct {
	Method string
	Path   string // e.g. "/cases/42"
	Body   any

	// IdempotencyKey tags non-idempotent calls for the client's own replay
	// decision. It is never sent to the legacy system.
	IdempotencyKey string

	// Reconciled tells the client the caller has read back the entity after
	// an ambiguous outcome and found the call was not applied.
	Reconciled bool

	// Safe marks a POST that changes nothing in legacy, such as a search.
	// It is replayed like a GET and needs no idempotency key.
	Safe bool
}

// Response is a successful legacy response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode legacy response: %w", err)
	}
	return nil
}

// Caller is the part of Client the sync engine and poller depend on.
type Caller interface {
	Do(ctx context.Context, officeID string, req Request) (*Response, error)
}

type office struct {
	id       string
	baseURL  string
	username string
	password string
	limiter  *Limiter
}

// Client talks to every configured office's legacy instance.
type Client struct {
	httpClient *http.Client
	offices    map[string]*office
	sessions   SessionCache
	ledger     *ambiguityLedger
	authGroup  singleflight.Group
	sessionTTL time.Duration
	maxReplays int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	calls atomic.Int64
}

// NewClient creates a client for the given offices.
func NewClient(offices []Office, opts Options) *Client {
	if opts.Rate <= 0 {
		opts.Rate = 8
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.MaxReplays < 0 {
		opts.MaxReplays = 0
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.Sessions == nil {
		opts.Sessions = NewMemorySessionCache()
	}

	global := NewGlobalLimiter(opts.GlobalRate, opts.Burst)
	c := &Client{
		httpClient: opts.HTTPClient,
		offices:    make(map[string]*office, len(offices)),
		sessions:   opts.Sessions,
		ledger:     newAmbiguityLedger(24 * time.Hour),
		sessionTTL: opts.SessionTTL,
		maxReplays: opts.MaxReplays,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, o := range offices {
		c.offices[o.ID] = &office{
			id:       o.ID,
			baseURL:  o.BaseURL,
			username: o.Username,
			password: o.Password,
			limiter:  NewLimiter(opts.Rate, opts.Burst, opts.QueueDepth, global),
		}
	}
	return c
}

// Calls returns the number of HTTP requests sent, including /auth.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// Resolve clears an ambiguous idempotency key after the caller confirmed by
// reading that the call was applied.
func (c *Client) Resolve(key string) {
	c.ledger.clear(key)
}

func (c *Client) office(id string) (*office, error) {
	o, ok := c.offices[id]
	if !ok {
		return nil, fmt.Errorf("unknown office %q", id)
	}
	return o, nil
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Do performs req against the office's legacy instance. Non-2xx outcomes are
// returned as *APIError wrapping one of the package's error kinds.
//
// On 401 the client re-authenticates once and replays; a second 401 returns
// ErrAuthExpired. On 429 it replays up to MaxReplays honouring Retry-After.
// A transport failure is replayed only when the request provably never left
// the client; otherwise a non-idempotent call returns ErrAmbiguous and its
// key is held until the caller reconciles.
func (c *Client) Do(ctx context.Context, officeID string, req Request) (*Response, error) {
	o, err := c.office(officeID)
	if err != nil {
		return nil, err
	}

	mutating := !idempotent(req.Method) && !req.Safe
	if mutating {
		if req.IdempotencyKey == "" {
			return nil, fmt.Errorf("%s %s: idempotency key required", req.Method, req.Path)
		}
		if req.Reconciled {
			c.ledger.clear(req.IdempotencyKey)
		} else if c.ledger.blocked(req.IdempotencyKey, c.now()) {
			return nil, &APIError{Kind: ErrAmbiguous, Method: req.Method, Path: req.Path,
				Err: errors.New("previous attempt unreconciled")}
		}
	}

	var body []byte
	if req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", req.Method, req.Path, err)
		}
	}

	reauthed := false
	replays := 0
	for {
		sess, err := c.session(ctx, o)
		if err != nil {
			return nil, err
		}

		resp, written, err := c.send(ctx, o, req.Method, req.Path, body, sess.AccessToken)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				return nil, &APIError{Kind: ErrRateLimited, Method: req.Method, Path: req.Path, Err: err}
			}
			if mutating && written {
				c.ledger.mark(req.IdempotencyKey, c.now())
				slog.Warn("legacy call outcome ambiguous",
					"office", o.id, "method", req.Method, "path", req.Path,
					"idempotency_key", req.IdempotencyKey, "error", err)
				return nil, &APIError{Kind: ErrAmbiguous, Method: req.Method, Path: req.Path, Err: err}
			}
			if ctx.Err() == nil && replays < c.maxReplays {
				replays++
				if serr := c.sleep(ctx, backoff(replays)); serr == nil {
					continue
				}
			}
			return nil, &APIError{Kind: ErrTransport, Method: req.Method, Path: req.Path, Err: err}
		}

		kind := kindForStatus(resp.Status)
		switch {
		case kind == nil:
			if mutating {
				c.ledger.clear(req.IdempotencyKey)
			}
			return resp, nil

		case errors.Is(kind, ErrAuthExpired) && !reauthed:
			reauthed = true
			c.sessions.Invalidate(ctx, o.id)
			slog.Info("legacy session rejected, re-authenticating", "office", o.id)
			continue

		case errors.Is(kind, ErrRateLimited) && replays < c.maxReplays:
			replays++
			wait := retryAfter(resp.Header, backoff(replays))
			slog.Warn("legacy rate limited, backing off",
				"office", o.id, "path", req.Path, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, &APIError{Kind: ErrRateLimited, Method: req.Method, Path: req.Path, Status: resp.Status, Err: err}
			}
			continue
		}

		return nil, &APIError{
			Kind:   kind,
			Method: req.Method,
			Path:   req.Path,
			Status: resp.Status,
			Body:   truncate(resp.Body),
		}
	}
}

// send waits on the office bucket, then issues one HTTP request. written
// reports whether the request was fully handed to the connection.
func (c *Client) send(ctx context.Context, o *office, method, path string, body []byte, token string) (*Response, bool, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	var written atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				written.Store(true)
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, o.baseURL+path, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	c.calls.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, written.Load(), err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// Status line arrived, so the request was received.
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, true, nil
}

func backoff(attempt int) time.Duration {
	d := 250 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 && d <= 30*time.Second {
			return d
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

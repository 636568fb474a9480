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

package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// Session is a legacy bearer token. The legacy system issues opaque tokens
// with a lifetime, which is exactly the shape of an oauth2 token.
type Session = oauth2.Token

// SessionCache stores one session per office. Implementations must be safe
// for concurrent use.
type SessionCache interface {
	Get(ctx context.Context, officeID string) (*Session, bool)
	Set(ctx context.Context, officeID string, s *Session)
	Invalidate(ctx context.Context, officeID string)
}

// MemorySessionCache is a process-local SessionCache.
type MemorySessionCache struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySessionCache creates an empty in-process cache.
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{sessions: make(map[string]*Session)}
}

func (m *MemorySessionCache) Get(_ context.Context, officeID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[officeID]
	if !ok || !s.Valid() {
		return nil, false
	}
	return s, true
}

func (m *MemorySessionCache) Set(_ context.Context, officeID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[officeID] = s
}

func (m *MemorySessionCache) Invalidate(_ context.Context, officeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, officeID)
}

// RedisSessionCache shares sessions between server replicas and the CLI so
// that they do not each burn rate-limit budget on /auth.
type RedisSessionCache struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionCache creates a redis-backed cache.
func NewRedisSessionCache(client *redis.Client) *RedisSessionCache {
	return &RedisSessionCache{client: client, prefix: "casebridge:session:"}
}

func (r *RedisSessionCache) Get(ctx context.Context, officeID string) (*Session, bool) {
	data, err := r.client.Get(ctx, r.prefix+officeID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("session cache read failed", "office", officeID, "error", err)
		}
		return nil, false
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	if !s.Valid() {
		return nil, false
	}
	return &s, true
}

func (r *RedisSessionCache) Set(ctx context.Context, officeID string, s *Session) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	ttl := time.Until(s.Expiry)
	if ttl <= 0 {
		return
	}
	if err := r.client.Set(ctx, r.prefix+officeID, data, ttl).Err(); err != nil {
		slog.Warn("session cache write failed", "office", officeID, "error", err)
	}
}

func (r *RedisSessionCache) Invalidate(ctx context.Context, officeID string) {
	if err := r.client.Del(ctx, r.prefix+officeID).Err(); err != nil {
		slog.Warn("session cache delete failed", "office", officeID, "error", err)
	}
}

// authRequest is the legacy /auth body.
type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Locale   string `json:"locale"`
}

type authResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// officeTokenSource adapts one office's /auth exchange to oauth2.TokenSource.
type officeTokenSource struct {
	ctx    context.Context
	client *Client
	office *office
}

func (s *officeTokenSource) Token() (*oauth2.Token, error) {
	return s.client.authenticate(s.ctx, s.office)
}

// TokenSource returns an oauth2.TokenSource that authenticates against the
// office's legacy instance. Tokens it returns are not cached.
func (c *Client) TokenSource(ctx context.Context, officeID string) (oauth2.TokenSource, error) {
	o, err := c.office(officeID)
	if err != nil {
		return nil, err
	}
	return &officeTokenSource{ctx: ctx, client: c, office: o}, nil
}

// Authenticate exchanges the office credentials for a fresh session and
// caches it.
func (c *Client) Authenticate(ctx context.Context, officeID string) (*Session, error) {
	o, err := c.office(officeID)
	if err != nil {
		return nil, err
	}
	s, err := c.authenticate(ctx, o)
	if err != nil {
		return nil, err
	}
	c.sessions.Set(ctx, o.id, s)
	return s, nil
}

// session returns the cached session for o, authenticating when absent.
// Concurrent callers for one office share a single /auth request.
func (c *Client) session(ctx context.Context, o *office) (*Session, error) {
	if s, ok := c.sessions.Get(ctx, o.id); ok {
		return s, nil
	}
	v, err, _ := c.authGroup.Do(o.id, func() (any, error) {
		if s, ok := c.sessions.Get(ctx, o.id); ok {
			return s, nil
		}
		s, err := c.authenticate(ctx, o)
		if err != nil {
			return nil, err
		}
		c.sessions.Set(ctx, o.id, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Client) authenticate(ctx context.Context, o *office) (*Session, error) {
	body, err := json.Marshal(authRequest{Email: o.username, Password: o.password, Locale: "en_GB"})
	if err != nil {
		return nil, fmt.Errorf("marshal auth request: %w", err)
	}

	resp, _, err := c.send(ctx, o, "POST", "/auth", body, "")
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return nil, &APIError{Kind: ErrRateLimited, Method: "POST", Path: "/auth", Err: err}
		}
		return nil, &APIError{Kind: ErrTransport, Method: "POST", Path: "/auth", Err: err}
	}
	if resp.Status == 401 || resp.Status == 403 || resp.Status == 400 {
		return nil, &APIError{Kind: ErrAuthFailed, Method: "POST", Path: "/auth", Status: resp.Status, Body: truncate(resp.Body)}
	}
	if kind := kindForStatus(resp.Status); kind != nil {
		return nil, &APIError{Kind: kind, Method: "POST", Path: "/auth", Status: resp.Status, Body: truncate(resp.Body)}
	}

	var ar authResponse
	if err := json.Unmarshal(resp.Body, &ar); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if ar.Token == "" {
		return nil, &APIError{Kind: ErrAuthFailed, Method: "POST", Path: "/auth", Status: resp.Status, Body: "empty token"}
	}

	ttl := c.sessionTTL
	if ar.ExpiresIn > 0 {
		ttl = time.Duration(ar.ExpiresIn) * time.Second
	}
	slog.Debug("legacy session established", "office", o.id, "ttl", ttl)
	return &Session{
		AccessToken: ar.Token,
		TokenType:   "Bearer",
		Expiry:      c.now().Add(ttl),
	}, nil
}

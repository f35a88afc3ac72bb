package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/metrics"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultSessionTTL = 20 * time.Minute
)

// Session is a live authenticated channel to one backend.
type Session struct {
	Backend    Tag
	ValidUntil time.Time
	cred       credential
}

type Config struct {
	// Timeout bounds every request, login included.
	Timeout time.Duration
	// SessionTTL is the estimated lifetime of a station session.
	SessionTTL time.Duration
	// MaxResponseSize caps every response body, DefaultMaxResponseSize when 0.
	MaxResponseSize int64
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
	Now       func() time.Time
}

// Manager owns one session slot per configured backend.
type Manager struct {
	slots map[Tag]*slot
}

type slot struct {
	backend Backend
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration
	maxBody int64
	now     func() time.Time

	mu    sync.Mutex
	cur   *Session
	login singleflight.Group
}

func NewManager(cfg Config, backends ...Backend) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{slots: make(map[Tag]*slot, len(backends))}
	for _, b := range backends {
		if b == nil {
			continue
		}
		transport := cfg.Transport
		if transport == nil {
			t := http.DefaultTransport.(*http.Transport).Clone()
			if !b.TLSVerify() {
				t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			}
			transport = t
		}
		m.slots[b.Tag()] = &slot{
			backend: b,
			client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
			timeout: cfg.Timeout,
			ttl:     cfg.SessionTTL,
			maxBody: cfg.MaxResponseSize,
			now:     cfg.Now,
		}
	}
	return m
}

// Backend returns the backend configured for tag.
func (m *Manager) Backend(tag Tag) (Backend, bool) {
	s, ok := m.slots[tag]
	if !ok {
		return nil, false
	}
	return s.backend, true
}

// Execute runs req against the backend identified by tag. A rejected session
// is re-established once and the request retried once.
func (m *Manager) Execute(ctx context.Context, tag Tag, req Request) (*haystack.Grid, error) {
	s, ok := m.slots[tag]
	if !ok {
		return nil, fmt.Errorf("%s: %w", tag, ErrNoBackend)
	}
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	g, status, err := s.do(ctx, sess, req)
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return g, err
	}

	slog.Warn("session rejected, re-authenticating", "backend", tag, "op", req.Op, "status", status)
	s.invalidate(sess)
	sess, err = s.session(ctx)
	if err != nil {
		return nil, err
	}
	g, status, err = s.do(ctx, sess, req)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &AuthError{Backend: tag, Op: req.Op, Status: status}
	}
	return g, err
}

// Close drops every cached session.
func (m *Manager) Close() {
	for _, s := range m.slots {
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
		s.client.CloseIdleConnections()
	}
}

func (s *slot) session(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur != nil {
		if s.now().Before(cur.ValidUntil) {
			return cur, nil
		}
		s.invalidate(cur)
	}

	ch := s.login.DoChan("login", func() (any, error) {
		s.mu.Lock()
		if c := s.cur; c != nil && s.now().Before(c.ValidUntil) {
			s.mu.Unlock()
			return c, nil
		}
		s.mu.Unlock()

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		cred, err := s.backend.login(lctx, s.client)
		if err != nil {
			metrics.Logins.WithLabelValues(string(s.backend.Tag()), "error").Inc()
			slog.Error("login failed", "backend", s.backend.Tag(), "endpoint", s.backend.Endpoint(), "error", err)
			return nil, err
		}
		metrics.Logins.WithLabelValues(string(s.backend.Tag()), "ok").Inc()
		sess := &Session{Backend: s.backend.Tag(), ValidUntil: s.now().Add(s.ttl), cred: cred}
		s.mu.Lock()
		s.cur = sess
		s.mu.Unlock()
		slog.Info("session established", "backend", sess.Backend, "endpoint", s.backend.Endpoint(), "credential", cred.header)
		return sess, nil
	})
	select {
	case <-ctx.Done():
		return nil, &ConnectionError{Backend: s.backend.Tag(), Op: "login", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// invalidate drops sess only if it is still the cached session, so a storm
// of rejections against one stale session causes a single re-login.
func (s *slot) invalidate(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == sess {
		s.cur = nil
	}
}

func (s *slot) do(ctx context.Context, sess *Session, req Request) (g *haystack.Grid, status int, err error) {
	tag := s.backend.Tag()
	hr, err := s.backend.newRequest(ctx, sess.cred, req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %s: build request: %w", tag, req.Op, err)
	}
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(string(tag), req.Op).Observe(time.Since(start).Seconds())
		metrics.Requests.WithLabelValues(string(tag), req.Op, outcome(err)).Inc()
	}()
	resp, err := s.client.Do(hr)
	if err != nil {
		return nil, 0, &ConnectionError{Backend: tag, Op: req.Op, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return nil, resp.StatusCode, &ConnectionError{Backend: tag, Op: req.Op, Err: err}
	}
	slog.Debug("haystack request", "backend", tag, "op", req.Op, "method", hr.Method, "status", resp.StatusCode, "duration", time.Since(start))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, &AuthError{Backend: tag, Op: req.Op, Status: resp.StatusCode}
	}
	g, err = s.backend.parse(req, resp.StatusCode, body)
	return g, resp.StatusCode, err
}

func outcome(err error) string {
	var (
		authErr    *AuthError
		backendErr *BackendError
	)
	switch {
	case err == nil:
		return "ok"
	case IsConnection(err):
		return "connection_error"
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &backendErr):
		return "backend_error"
	}
	return "error"
}

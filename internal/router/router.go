// Package router selects the backend serving each Haystack call according to
// the deployment mode.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/metrics"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
)

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRelay  Mode = "relay"
	ModeHybrid Mode = "hybrid"
)

const DefaultLocalTimeout = 5 * time.Second

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := policies[m]; !ok {
		return "", fmt.Errorf("invalid deployment mode %q (local|relay|hybrid)", s)
	}
	return m, nil
}

// DeploymentConfig is the resolved routing configuration.
type DeploymentConfig struct {
	Mode Mode
	// LocalTimeout bounds the local attempt in hybrid mode.
	LocalTimeout time.Duration
}

// Executor runs a request against one backend. *session.Manager implements it.
type Executor interface {
	Execute(ctx context.Context, tag session.Tag, req session.Request) (*haystack.Grid, error)
}

// policy is a two step plan: the primary backend, then the fallback which is
// only tried when the primary is unreachable.
type policy struct {
	primary  session.Tag
	fallback session.Tag
}

var policies = map[Mode]policy{
	ModeLocal:  {primary: session.TagLocal},
	ModeRelay:  {primary: session.TagRelay},
	ModeHybrid: {primary: session.TagLocal, fallback: session.TagRelay},
}

type Router struct {
	cfg    DeploymentConfig
	exec   Executor
	policy policy
}

func New(cfg DeploymentConfig, exec Executor) (*Router, error) {
	p, ok := policies[cfg.Mode]
	if !ok {
		return nil, fmt.Errorf("invalid deployment mode %q", cfg.Mode)
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = DefaultLocalTimeout
	}
	return &Router{cfg: cfg, exec: exec, policy: p}, nil
}

func (r *Router) Mode() Mode {
	return r.cfg.Mode
}

// Tags lists the backends this router may use, primary first.
func (r *Router) Tags() []session.Tag {
	if r.policy.fallback == "" {
		return []session.Tag{r.policy.primary}
	}
	return []session.Tag{r.policy.primary, r.policy.fallback}
}

// Execute runs req on the primary backend and, in hybrid mode, retries it once
// on the fallback when the primary cannot be reached. It returns the tag of the
// backend that produced the result or the final error.
func (r *Router) Execute(ctx context.Context, req session.Request) (*haystack.Grid, session.Tag, error) {
	primary, fallback := r.policy.primary, r.policy.fallback
	if fallback == "" {
		g, err := r.exec.Execute(ctx, primary, req)
		return g, primary, err
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.LocalTimeout)
	g, err := r.exec.Execute(pctx, primary, req)
	cancel()
	if err == nil {
		return g, primary, nil
	}
	if !unreachable(err) || ctx.Err() != nil {
		return nil, primary, err
	}
	slog.Warn("backend unreachable, falling back", "from", primary, "to", fallback, "op", req.Op, "error", err)
	metrics.Failovers.WithLabelValues(string(primary), string(fallback)).Inc()
	g, err = r.exec.Execute(ctx, fallback, req)
	return g, fallback, err
}

// ExecuteOn runs req on tag without failover.
func (r *Router) ExecuteOn(ctx context.Context, tag session.Tag, req session.Request) (*haystack.Grid, error) {
	if tag != r.policy.primary && tag != r.policy.fallback {
		return nil, fmt.Errorf("%s: %w for mode %s", tag, session.ErrNoBackend, r.cfg.Mode)
	}
	return r.exec.Execute(ctx, tag, req)
}

// unreachable reports failures of connectivity. Auth and backend errors mean
// the backend answered and are never retried elsewhere.
func unreachable(err error) bool {
	return session.IsConnection(err) || errors.Is(err, context.DeadlineExceeded)
}

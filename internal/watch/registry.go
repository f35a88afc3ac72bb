// Package watch keeps track of server side watch subscriptions and reconciles
// on-demand polling with lease expiry.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/niagara-mcp/niagara-mcp/internal/filter"
	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
)

var (
	ErrUnknownWatch = errors.New("unknown watch")
	ErrWatchExpired = errors.New("watch expired, subscribe again")
	ErrNoPoints     = errors.New("filter matched no points")
)

// DefaultGrace is how long past its lease a watch is still polled before it
// is considered closed without asking the server.
const DefaultGrace = 30 * time.Second

// MaxLease caps both the requested lease and the one granted by the server.
const MaxLease = 24 * time.Hour

type State int

const (
	Active State = iota
	Expiring
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Expiring:
		return "expiring"
	}
	return "closed"
}

// Router is the subset of *router.Router used by the registry.
type Router interface {
	Execute(ctx context.Context, req session.Request) (*haystack.Grid, session.Tag, error)
	ExecuteOn(ctx context.Context, tag session.Tag, req session.Request) (*haystack.Grid, error)
}

// Event is emitted for every poll that returned changes.
type Event struct {
	WatchID string           `json:"watchId"`
	Backend session.Tag      `json:"backend"`
	Time    time.Time        `json:"time"`
	Rows    []map[string]any `json:"rows"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Watch is a snapshot of one subscription.
type Watch struct {
	ID             string        `json:"id"`
	Backend        session.Tag   `json:"backend"`
	Filter         string        `json:"filter"`
	Lease          time.Duration `json:"lease"`
	LeaseExpiresAt time.Time     `json:"leaseExpiresAt"`
	Refs           []string      `json:"refs"`
	CreatedAt      time.Time     `json:"createdAt"`
	State          State         `json:"-"`
}

type entry struct {
	mu     sync.Mutex
	w      Watch
	closed bool
}

type Registry struct {
	router    Router
	validator filter.Validator
	grace     time.Duration
	now       func() time.Time
	publisher Publisher

	mu      sync.Mutex
	watches map[string]*entry
}

type Option func(*Registry)

func WithGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithPublisher(p Publisher) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

func WithValidator(v filter.Validator) Option {
	return func(r *Registry) {
		r.validator = v
	}
}

func New(router Router, opts ...Option) *Registry {
	r := &Registry{
		router:    router,
		validator: filter.Validator{MaxLen: filter.DefaultMaxLen},
		grace:     DefaultGrace,
		now:       time.Now,
		watches:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) state(w Watch, now time.Time) State {
	switch {
	case now.Before(w.LeaseExpiresAt):
		return Active
	case now.Before(w.LeaseExpiresAt.Add(r.grace)):
		return Expiring
	}
	return Closed
}

// Subscribe resolves filter to points, opens a watch on the backend that
// answered and records it. The returned grid holds the current values.
func (r *Registry) Subscribe(ctx context.Context, filterExpr string, leaseMinutes int) (Watch, *haystack.Grid, error) {
	if leaseMinutes <= 0 {
		return Watch{}, nil, fmt.Errorf("lease must be at least 1 minute, got %d", leaseMinutes)
	}
	if _, err := r.validator.Validate(filterExpr); err != nil {
		return Watch{}, nil, err
	}
	r.Sweep()

	var params haystack.Dict
	params.Set("filter", haystack.Str(filterExpr))
	points, tag, err := r.router.Execute(ctx, session.Get("read", params))
	if err != nil {
		return Watch{}, nil, err
	}
	var ids []string
	for _, row := range points.Rows {
		if ref, ok := row.Get("id").(haystack.Ref); ok {
			ids = append(ids, ref.ID)
		}
	}
	if len(ids) == 0 {
		return Watch{}, nil, fmt.Errorf("%w: %s", ErrNoPoints, filterExpr)
	}

	lease := MaxLease
	if leaseMinutes < int(MaxLease/time.Minute) {
		lease = time.Duration(leaseMinutes) * time.Minute
	}
	req := haystack.NewGrid()
	req.Meta.Set("watchDis", haystack.Str("niagara-mcp "+filterExpr))
	req.Meta.Set("lease", leaseNumber(lease))
	for _, id := range ids {
		var row haystack.Dict
		row.Set("id", haystack.Ref{ID: id})
		req.AddRow(row)
	}
	// the watch id is only meaningful on the backend that resolved the points
	res, err := r.router.ExecuteOn(ctx, tag, session.Post("watchSub", req))
	if err != nil {
		return Watch{}, nil, err
	}
	id := res.Meta.Str("watchId")
	if id == "" {
		return Watch{}, nil, &session.BackendError{Backend: tag, Op: "watchSub", Msg: "response has no watchId"}
	}

	refs := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if ref, ok := row.Get("id").(haystack.Ref); ok {
			refs = append(refs, ref.ID)
		}
	}
	if len(refs) == 0 {
		refs = ids
	}
	slices.Sort(refs)
	refs = slices.Compact(refs)

	now := r.now()
	lease = leaseFrom(res.Meta, lease)
	w := Watch{
		ID:             id,
		Backend:        tag,
		Filter:         filterExpr,
		Lease:          lease,
		LeaseExpiresAt: now.Add(lease),
		Refs:           refs,
		CreatedAt:      now,
	}

	r.mu.Lock()
	old := r.watches[id]
	r.watches[id] = &entry{w: w}
	r.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.closed = true
		old.mu.Unlock()
	}
	slog.Info("watch subscribed", "watchId", id, "backend", tag, "points", len(refs), "lease", lease)
	w.State = Active
	return w, res, nil
}

// Poll returns the points changed since the previous poll, or every point of
// the watch when refresh is set. A successful poll renews the lease.
func (r *Registry) Poll(ctx context.Context, id string, refresh bool) (*haystack.Grid, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWatch, id)
	}
	g, ev, err := r.poll(ctx, e, refresh)
	if err != nil {
		return nil, err
	}
	if ev != nil && r.publisher != nil {
		if err := r.publisher.Publish(ctx, *ev); err != nil {
			slog.Warn("failed to publish watch event", "watchId", id, "error", err)
		}
	}
	return g, nil
}

func (r *Registry) poll(ctx context.Context, e *entry, refresh bool) (*haystack.Grid, *Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.w.ID
	if e.closed {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownWatch, id)
	}
	if r.state(e.w, r.now()) == Closed {
		r.remove(e)
		slog.Info("watch lease expired", "watchId", id, "leaseExpiresAt", e.w.LeaseExpiresAt)
		return nil, nil, fmt.Errorf("%w: %s", ErrWatchExpired, id)
	}

	req := haystack.NewGrid()
	req.Meta.Set("watchId", haystack.Str(id))
	req.Meta.Set("lease", leaseNumber(e.w.Lease))
	if refresh {
		req.Meta.Set("refresh", haystack.Marker{})
	}
	g, err := r.router.ExecuteOn(ctx, e.w.Backend, session.Post("watchPoll", req))
	if err != nil {
		if serverClosed(err) {
			r.remove(e)
			slog.Info("watch closed by server", "watchId", id, "error", err)
			return nil, nil, fmt.Errorf("%w: %s", ErrWatchExpired, id)
		}
		return nil, nil, err
	}
	if g.Meta.Has("watchClosed") || g.Meta.Has("closed") {
		r.remove(e)
		slog.Info("watch closed by server", "watchId", id)
		return nil, nil, fmt.Errorf("%w: %s", ErrWatchExpired, id)
	}

	now := r.now()
	e.w.Lease = leaseFrom(g.Meta, e.w.Lease)
	e.w.LeaseExpiresAt = now.Add(e.w.Lease)
	var ev *Event
	if len(g.Rows) > 0 {
		ev = &Event{WatchID: id, Backend: e.w.Backend, Time: now, Rows: g.ToNative()}
	}
	return g, ev, nil
}

// Close unsubscribes the watch on its backend when reachable and always drops
// the local record. It reports whether a record was removed.
func (r *Registry) Close(ctx context.Context, id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}

	req := haystack.NewGrid()
	req.Meta.Set("watchId", haystack.Str(id))
	req.Meta.Set("close", haystack.Marker{})
	if _, err := r.router.ExecuteOn(ctx, e.w.Backend, session.Post("watchUnsub", req)); err != nil {
		slog.Warn("watch unsubscribe failed, dropping record", "watchId", id, "backend", e.w.Backend, "error", err)
	}
	r.remove(e)
	slog.Info("watch closed", "watchId", id)
	return true
}

// Get returns a snapshot of the watch.
func (r *Registry) Get(id string) (Watch, bool) {
	e := r.lookup(id)
	if e == nil {
		return Watch{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Watch{}, false
	}
	return r.snapshot(e), true
}

// List returns snapshots of every recorded watch ordered by id.
func (r *Registry) List() []Watch {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.watches))
	for _, e := range r.watches {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Watch, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.closed {
			out = append(out, r.snapshot(e))
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Watch) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Sweep drops records whose lease and grace window have both elapsed. The
// server lets those leases lapse on its own. Entries busy with a poll or close
// are skipped.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.watches))
	for _, e := range r.watches {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	now := r.now()
	var removed []string
	for _, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		if !e.closed && r.state(e.w, now) == Closed {
			r.remove(e)
			removed = append(removed, e.w.ID)
		}
		e.mu.Unlock()
	}
	if len(removed) > 0 {
		slog.Info("swept expired watches", "count", len(removed))
	}
	return removed
}

func (r *Registry) lookup(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watches[id]
}

// remove must be called with e.mu held.
func (r *Registry) remove(e *entry) {
	e.closed = true
	r.mu.Lock()
	if r.watches[e.w.ID] == e {
		delete(r.watches, e.w.ID)
	}
	r.mu.Unlock()
}

func (r *Registry) snapshot(e *entry) Watch {
	w := e.w
	w.Refs = slices.Clone(e.w.Refs)
	w.State = r.state(w, r.now())
	return w
}

// serverClosed recognizes a station refusing a poll because it no longer
// knows the watch.
func serverClosed(err error) bool {
	var bErr *session.BackendError
	if !errors.As(err, &bErr) {
		return false
	}
	msg := strings.ToLower(bErr.Msg)
	if bErr.Grid != nil {
		msg += " " + strings.ToLower(bErr.Grid.ErrDis())
	}
	return strings.Contains(msg, "unknown watch") ||
		strings.Contains(msg, "watch closed") ||
		strings.Contains(msg, "watch not found")
}

func leaseNumber(d time.Duration) haystack.Number {
	return haystack.Number{Val: d.Minutes(), Unit: "min"}
}

// leaseFrom reads the lease granted by the server, keeping fallback when the
// meta carries none.
func leaseFrom(meta haystack.Dict, fallback time.Duration) time.Duration {
	n, ok := meta.Get("lease").(haystack.Number)
	if !ok || n.Val <= 0 {
		return fallback
	}
	var unit time.Duration
	switch n.Unit {
	case "ms":
		unit = time.Millisecond
	case "s", "sec":
		unit = time.Second
	case "h", "hr":
		unit = time.Hour
	case "", "min":
		unit = time.Minute
	default:
		return fallback
	}
	if v := n.Val * float64(unit); v < float64(MaxLease) {
		return time.Duration(v)
	}
	return MaxLease
}

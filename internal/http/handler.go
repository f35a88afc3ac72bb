// Package http serves the operational endpoints next to the MCP handler.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

// DefaultReadyTimeout bounds the about call of the readiness probe.
const DefaultReadyTimeout = 5 * time.Second

type Router interface {
	Execute(ctx context.Context, req session.Request) (*haystack.Grid, session.Tag, error)
}

type EventReader interface {
	Read(ctx context.Context, watchID, policy string, limit int) ([]watch.Event, error)
}

type Handlers struct {
	Router  Router
	Watches *watch.Registry
	// Events is nil when no event stream is configured.
	Events       EventReader
	ReadyTimeout time.Duration
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ReadyHandler reports whether the station answers about through the router.
func (h *Handlers) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	timeout := h.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	_, tag, err := h.Router.Execute(ctx, session.Get("about", haystack.Dict{}))
	if err != nil {
		slog.Warn("readiness check failed", "error", err)
		http.Error(w, fmt.Sprintf("station unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"served_by": string(tag),
	})
}

type watchInfo struct {
	ID             string   `json:"id"`
	Backend        string   `json:"backend"`
	Filter         string   `json:"filter"`
	State          string   `json:"state"`
	Refs           []string `json:"refs"`
	CreatedAt      string   `json:"created_at"`
	LeaseExpiresAt string   `json:"lease_expires_at"`
}

func (h *Handlers) WatchesHandler(w http.ResponseWriter, r *http.Request) {
	list := h.Watches.List()
	out := make([]watchInfo, 0, len(list))
	for _, wt := range list {
		out = append(out, watchInfo{
			ID:             wt.ID,
			Backend:        string(wt.Backend),
			Filter:         wt.Filter,
			State:          wt.State.String(),
			Refs:           wt.Refs,
			CreatedAt:      wt.CreatedAt.Format(time.RFC3339),
			LeaseExpiresAt: wt.LeaseExpiresAt.Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]watchInfo{
		"watches": out,
	})
}

func (h *Handlers) DeleteWatchHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.Watches.Close(r.Context(), id) {
		http.Error(w, fmt.Sprintf("unknown watch %q", id), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WatchEventsHandler replays stored events. The policy query parameter takes
// the same values as the watch_events tool.
func (h *Handlers) WatchEventsHandler(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		http.Error(w, "event stream not enabled", http.StatusNotImplemented)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", s), http.StatusBadRequest)
			return
		}
		limit = n
	}
	id := r.PathValue("id")
	events, err := h.Events.Read(r.Context(), id, r.URL.Query().Get("policy"), limit)
	if err != nil {
		slog.Error("failed to read watch events", "error", err, "watchId", id)
		http.Error(w, fmt.Sprintf("failed to read watch events: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]watch.Event{
		"events": events,
	})
}

// NewMux mounts the operational endpoints, mcp at /mcp and metrics at
// /metrics. Nil handlers are not mounted.
func NewMux(h *Handlers, mcp, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HealthHandler)
	mux.HandleFunc("GET /readyz", h.ReadyHandler)
	mux.HandleFunc("GET /watches", h.WatchesHandler)
	mux.HandleFunc("DELETE /watches/{id}", h.DeleteWatchHandler)
	mux.HandleFunc("GET /watches/{id}/events", h.WatchEventsHandler)
	if mcp != nil {
		mux.Handle("/mcp", mcp)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

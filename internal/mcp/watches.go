package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

const defaultLeaseMinutes = 5

type WatchValue struct {
	ID        string `json:"id"`
	Dis       string `json:"dis,omitempty"`
	CurVal    any    `json:"curVal,omitempty"`
	CurStatus string `json:"curStatus,omitempty"`
}

func watchValues(g *haystack.Grid) []WatchValue {
	out := make([]WatchValue, 0, len(g.Rows))
	for _, row := range g.Rows {
		out = append(out, WatchValue{
			ID:        refString(row.Get("id")),
			Dis:       dis(row),
			CurVal:    haystack.ToNative(row.Get("curVal")),
			CurStatus: row.Str("curStatus"),
		})
	}
	return out
}

type WatchSubscribeInput struct {
	Filter       string `json:"filter" jsonschema:"Haystack filter for the points to watch"`
	LeaseMinutes int    `json:"lease_minutes,omitempty" jsonschema:"Lease in minutes, renewed by every poll. Default 5, at most 1440"`
}

type WatchSubscribeOutput struct {
	WatchID        string       `json:"watch_id"`
	Filter         string       `json:"filter"`
	LeaseMinutes   float64      `json:"lease_minutes"`
	LeaseExpiresAt string       `json:"lease_expires_at"`
	Backend        string       `json:"backend"`
	PointCount     int          `json:"point_count"`
	Values         []WatchValue `json:"values"`
	Message        string       `json:"message"`
}

func (t *tools) WatchSubscribe(ctx context.Context, _ *mcp.CallToolRequest, in WatchSubscribeInput) (*mcp.CallToolResult, WatchSubscribeOutput, error) {
	lease := in.LeaseMinutes
	if lease == 0 {
		lease = defaultLeaseMinutes
	}
	if lease < 0 {
		return nil, WatchSubscribeOutput{}, invalidArgument("lease_minutes must be positive")
	}
	if limit := int(watch.MaxLease / time.Minute); lease > limit {
		return nil, WatchSubscribeOutput{}, invalidArgument(fmt.Sprintf("lease_minutes must be at most %d", limit))
	}
	w, g, err := t.cfg.Watches.Subscribe(ctx, in.Filter, lease)
	if err != nil {
		return nil, WatchSubscribeOutput{}, err
	}
	return nil, WatchSubscribeOutput{
		WatchID:        w.ID,
		Filter:         w.Filter,
		LeaseMinutes:   w.Lease.Minutes(),
		LeaseExpiresAt: w.LeaseExpiresAt.Format(time.RFC3339),
		Backend:        string(w.Backend),
		PointCount:     len(w.Refs),
		Values:         watchValues(g),
		Message:        "Watch subscription created. Use watch_poll with this id before the lease expires to get updates.",
	}, nil
}

type WatchPollInput struct {
	WatchID string `json:"watch_id" jsonschema:"Watch id returned by watch_subscribe"`
	Refresh bool   `json:"refresh,omitempty" jsonschema:"Return every point of the watch instead of the changes only"`
}

type WatchPollOutput struct {
	WatchID        string       `json:"watch_id"`
	Updates        []WatchValue `json:"updates"`
	Count          int          `json:"count"`
	LeaseExpiresAt string       `json:"lease_expires_at"`
}

func (t *tools) WatchPoll(ctx context.Context, _ *mcp.CallToolRequest, in WatchPollInput) (*mcp.CallToolResult, WatchPollOutput, error) {
	id := strings.TrimSpace(in.WatchID)
	if id == "" {
		return nil, WatchPollOutput{}, invalidArgument("watch_id is required")
	}
	g, err := t.cfg.Watches.Poll(ctx, id, in.Refresh)
	if err != nil {
		return nil, WatchPollOutput{}, err
	}
	out := WatchPollOutput{WatchID: id, Updates: watchValues(g)}
	out.Count = len(out.Updates)
	if w, ok := t.cfg.Watches.Get(id); ok {
		out.LeaseExpiresAt = w.LeaseExpiresAt.Format(time.RFC3339)
	}
	return nil, out, nil
}

type WatchUnsubscribeInput struct {
	WatchID string `json:"watch_id" jsonschema:"Watch id to close"`
}

type WatchUnsubscribeOutput struct {
	WatchID string `json:"watch_id"`
	Closed  bool   `json:"closed"`
}

func (t *tools) WatchUnsubscribe(ctx context.Context, _ *mcp.CallToolRequest, in WatchUnsubscribeInput) (*mcp.CallToolResult, WatchUnsubscribeOutput, error) {
	id := strings.TrimSpace(in.WatchID)
	if id == "" {
		return nil, WatchUnsubscribeOutput{}, invalidArgument("watch_id is required")
	}
	return nil, WatchUnsubscribeOutput{WatchID: id, Closed: t.cfg.Watches.Close(ctx, id)}, nil
}

type WatchListInput struct{}

type WatchInfo struct {
	ID             string `json:"id"`
	Backend        string `json:"backend"`
	Filter         string `json:"filter"`
	State          string `json:"state"`
	PointCount     int    `json:"point_count"`
	LeaseExpiresAt string `json:"lease_expires_at"`
	Expires        string `json:"expires"`
}

type WatchListOutput struct {
	Count   int         `json:"count"`
	Watches []WatchInfo `json:"watches"`
}

func (t *tools) WatchList(_ context.Context, _ *mcp.CallToolRequest, _ WatchListInput) (*mcp.CallToolResult, WatchListOutput, error) {
	list := t.cfg.Watches.List()
	out := WatchListOutput{Count: len(list), Watches: make([]WatchInfo, 0, len(list))}
	for _, w := range list {
		out.Watches = append(out.Watches, WatchInfo{
			ID:             w.ID,
			Backend:        string(w.Backend),
			Filter:         w.Filter,
			State:          w.State.String(),
			PointCount:     len(w.Refs),
			LeaseExpiresAt: w.LeaseExpiresAt.Format(time.RFC3339),
			Expires:        humanize.Time(w.LeaseExpiresAt),
		})
	}
	return nil, out, nil
}

type WatchEventsInput struct {
	WatchID string `json:"watch_id" jsonschema:"Watch id whose stored events to replay"`
	Since   string `json:"since,omitempty" jsonschema:"all, last, new, by_start_sequence=N or by_start_time=YYYY-MM-DD hh:mm:ss. Default all"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum number of events, default 50"`
}

type WatchEvent struct {
	Time    string           `json:"time"`
	Backend string           `json:"backend"`
	Rows    []map[string]any `json:"rows"`
}

type WatchEventsOutput struct {
	WatchID string       `json:"watch_id"`
	Count   int          `json:"count"`
	Events  []WatchEvent `json:"events"`
}

func (t *tools) WatchEvents(ctx context.Context, _ *mcp.CallToolRequest, in WatchEventsInput) (*mcp.CallToolResult, WatchEventsOutput, error) {
	id := strings.TrimSpace(in.WatchID)
	if id == "" {
		return nil, WatchEventsOutput{}, invalidArgument("watch_id is required")
	}
	events, err := t.cfg.Events.Read(ctx, id, in.Since, limitOr(in.Limit, 50))
	if err != nil {
		return nil, WatchEventsOutput{}, err
	}
	out := WatchEventsOutput{WatchID: id, Count: len(events), Events: make([]WatchEvent, 0, len(events))}
	for _, ev := range events {
		out.Events = append(out.Events, WatchEvent{Time: ev.Time.Format(time.RFC3339Nano), Backend: string(ev.Backend), Rows: ev.Rows})
	}
	return nil, out, nil
}

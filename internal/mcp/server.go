// Package mcp exposes the station to MCP clients as tools and resources.
package mcp

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/niagara-mcp/niagara-mcp/internal/filter"
	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/interceptor"
	"github.com/niagara-mcp/niagara-mcp/internal/router"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
	"github.com/niagara-mcp/niagara-mcp/internal/watch"
)

// Router is the part of *router.Router the tools use.
type Router interface {
	Execute(ctx context.Context, req session.Request) (*haystack.Grid, session.Tag, error)
	ExecuteOn(ctx context.Context, tag session.Tag, req session.Request) (*haystack.Grid, error)
	Mode() router.Mode
	Tags() []session.Tag
}

// EventReader replays stored watch events. *nats.EventReader implements it.
type EventReader interface {
	Read(ctx context.Context, watchID, policy string, limit int) ([]watch.Event, error)
}

type Config struct {
	Name    string
	Version string

	Router   Router
	Backends map[session.Tag]session.Backend
	Watches  *watch.Registry
	// Policy guards write_point, nil allows every write.
	Policy *interceptor.Policy
	// Events enables the watch_events tool.
	Events    EventReader
	Validator filter.Validator
}

type tools struct {
	cfg Config
}

func NewServer(cfg Config) *mcp.Server {
	if cfg.Name == "" {
		cfg.Name = "niagara-mcp"
	}
	if cfg.Validator.MaxLen == 0 {
		cfg.Validator.MaxLen = filter.DefaultMaxLen
	}
	server := mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, &mcp.ServerOptions{
		Instructions: instructions,
	})
	t := &tools{cfg: cfg}

	addTool(server, &mcp.Tool{Name: "get_connection_info", Description: "Get the deployment mode, backend endpoints and connection status"}, t.ConnectionInfo)
	addTool(server, &mcp.Tool{Name: "about", Description: "Get information about the Haystack server and its available operations"}, t.About)
	addTool(server, &mcp.Tool{Name: "read_points", Description: "Read points matching a Haystack filter expression, e.g. 'point and sensor' or 'point and temp'"}, t.ReadPoints)
	addTool(server, &mcp.Tool{Name: "batch_read", Description: "Read several points by id in a single request"}, t.BatchRead)
	addTool(server, &mcp.Tool{Name: "write_point", Description: "Write a value to a writable point at a priority level"}, t.WritePoint)
	addTool(server, &mcp.Tool{Name: "read_history", Description: "Read historical data for a point"}, t.ReadHistory)
	addTool(server, &mcp.Tool{Name: "nav", Description: "Navigate the station hierarchy, starting at the root"}, t.Nav)
	addTool(server, &mcp.Tool{Name: "get_equipment", Description: "Get equipment with a preview of its points"}, t.Equipment)
	addTool(server, &mcp.Tool{Name: "get_alarms", Description: "Get current alarms, unacknowledged and highest priority first"}, t.Alarms)
	addTool(server, &mcp.Tool{Name: "execute_custom_filter", Description: "Run an arbitrary Haystack filter and return the raw records"}, t.CustomFilter)
	addTool(server, &mcp.Tool{Name: "watch_subscribe", Description: "Subscribe to changes of the points matching a filter"}, t.WatchSubscribe)
	addTool(server, &mcp.Tool{Name: "watch_poll", Description: "Poll a watch for values changed since the previous poll"}, t.WatchPoll)
	addTool(server, &mcp.Tool{Name: "watch_unsubscribe", Description: "Close a watch"}, t.WatchUnsubscribe)
	addTool(server, &mcp.Tool{Name: "watch_list", Description: "List open watches and their lease state"}, t.WatchList)
	if cfg.Events != nil {
		addTool(server, &mcp.Tool{Name: "watch_events", Description: "Replay stored change events of a watch"}, t.WatchEvents)
	}

	server.AddResource(&mcp.Resource{
		URI:         filtersURI,
		Name:        "haystack_filters",
		Title:       "Common Haystack filters",
		Description: "Common Haystack filter expressions for reference",
		MIMEType:    "application/json",
	}, handleFiltersResource)
	return server
}

func NewHTTPHandler(server *mcp.Server) *mcp.StreamableHTTPHandler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, nil)
}

func addTool[In, Out any](server *mcp.Server, tool *mcp.Tool, h mcp.ToolHandlerFor[In, Out]) {
	mcp.AddTool(server, tool, withStructuredToolErrors(tool.Name, h))
}

const instructions = `Tools for a Niagara station reached through the Project Haystack API.
Point ids are Haystack refs such as @p:demo:r:1. Use read_points or
execute_custom_filter to discover ids, the haystack_filters resource for
example filters, and watch_subscribe/watch_poll to follow live values.
Watches expire when not polled within their lease.`

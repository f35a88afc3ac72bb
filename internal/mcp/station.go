package mcp

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/niagara-mcp/niagara-mcp/internal/filter"
	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
)

type ConnectionInfoInput struct{}

type Endpoint struct {
	Backend   string `json:"backend"`
	URL       string `json:"url"`
	TLS       bool   `json:"tls"`
	VerifySSL bool   `json:"verify_ssl"`
}

type ConnectionInfoOutput struct {
	Mode         string     `json:"mode"`
	Endpoints    []Endpoint `json:"endpoints"`
	Status       string     `json:"status"`
	ServedBy     string     `json:"served_by,omitempty"`
	AvailableOps []string   `json:"available_ops"`
	UsingRelay   bool       `json:"using_relay"`
	OpenWatches  int        `json:"open_watches"`
}

// ConnectionInfo never fails: an unreachable station is reported in Status.
func (t *tools) ConnectionInfo(ctx context.Context, _ *mcp.CallToolRequest, _ ConnectionInfoInput) (*mcp.CallToolResult, ConnectionInfoOutput, error) {
	out := ConnectionInfoOutput{Mode: string(t.cfg.Router.Mode()), AvailableOps: []string{}}
	for _, tag := range t.cfg.Router.Tags() {
		b, ok := t.cfg.Backends[tag]
		if !ok {
			continue
		}
		url := b.Endpoint()
		out.Endpoints = append(out.Endpoints, Endpoint{
			Backend:   string(tag),
			URL:       url,
			TLS:       strings.HasPrefix(url, "https://"),
			VerifySSL: b.TLSVerify(),
		})
	}
	if t.cfg.Watches != nil {
		out.OpenWatches = len(t.cfg.Watches.List())
	}

	_, tag, err := t.cfg.Router.Execute(ctx, session.Get("about", haystack.Dict{}))
	if err != nil {
		out.Status = "error: " + err.Error()
		return nil, out, nil
	}
	out.Status = "connected"
	out.ServedBy = string(tag)
	out.UsingRelay = tag == session.TagRelay
	out.AvailableOps = t.ops(ctx, tag)
	return nil, out, nil
}

type AboutInput struct{}

type AboutOutput struct {
	HaystackVersion string   `json:"haystack_version"`
	VendorName      string   `json:"vendor_name"`
	ProductName     string   `json:"product_name,omitempty"`
	ProductVersion  string   `json:"product_version,omitempty"`
	ServerName      string   `json:"server_name,omitempty"`
	ServerTime      any      `json:"server_time,omitempty"`
	TZ              string   `json:"tz,omitempty"`
	Ops             []string `json:"ops"`
	Summary         string   `json:"summary"`
	ServedBy        string   `json:"served_by"`
}

func (t *tools) About(ctx context.Context, _ *mcp.CallToolRequest, _ AboutInput) (*mcp.CallToolResult, AboutOutput, error) {
	g, tag, err := t.cfg.Router.Execute(ctx, session.Get("about", haystack.Dict{}))
	if err != nil {
		return nil, AboutOutput{}, err
	}
	var row haystack.Dict
	if len(g.Rows) > 0 {
		row = g.Rows[0]
	}
	out := AboutOutput{
		HaystackVersion: orUnknown(row.Str("haystackVersion")),
		VendorName:      orUnknown(row.Str("vendorName")),
		ProductName:     row.Str("productName"),
		ProductVersion:  row.Str("productVersion"),
		ServerName:      row.Str("serverName"),
		ServerTime:      haystack.ToNative(row.Get("serverTime")),
		TZ:              row.Str("tz"),
		Ops:             t.ops(ctx, tag),
		ServedBy:        string(tag),
	}
	out.Summary = fmt.Sprintf("Haystack %s by %s\nAvailable operations: %s", out.HaystackVersion, out.VendorName, strings.Join(out.Ops, ", "))
	return nil, out, nil
}

// ops lists the operations of the backend that answered about. Failures are
// not fatal since ops is optional on older stations.
func (t *tools) ops(ctx context.Context, tag session.Tag) []string {
	g, err := t.cfg.Router.ExecuteOn(ctx, tag, session.Get("ops", haystack.Dict{}))
	if err != nil {
		return []string{}
	}
	ops := make([]string, 0, len(g.Rows))
	for _, row := range g.Rows {
		if name := row.Str("name"); name != "" {
			ops = append(ops, name)
		}
	}
	return ops
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

type NavInput struct {
	NavID string `json:"nav_id,omitempty" jsonschema:"Navigation id to explore, empty for the root"`
}

type NavItem struct {
	NavID string   `json:"navId"`
	Dis   string   `json:"dis,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

type NavOutput struct {
	CurrentNavID string    `json:"current_nav_id"`
	Items        []NavItem `json:"items"`
	Count        int       `json:"count"`
	ServedBy     string    `json:"served_by"`
}

func (t *tools) Nav(ctx context.Context, _ *mcp.CallToolRequest, in NavInput) (*mcp.CallToolResult, NavOutput, error) {
	var params haystack.Dict
	navID := strings.TrimSpace(in.NavID)
	if navID != "" {
		params.Set("navId", haystack.Str(navID))
	}
	g, tag, err := t.cfg.Router.Execute(ctx, session.Get("nav", params))
	if err != nil {
		return nil, NavOutput{}, err
	}
	out := NavOutput{CurrentNavID: cmp.Or(navID, "root"), ServedBy: string(tag), Items: make([]NavItem, 0, len(g.Rows))}
	for _, row := range g.Rows {
		id := row.Str("navId")
		if id == "" {
			id = refString(row.Get("navId"))
		}
		out.Items = append(out.Items, NavItem{NavID: id, Dis: dis(row), Tags: tagNames(row, "navId", "dis")})
	}
	out.Count = len(out.Items)
	return nil, out, nil
}

const (
	equipPointLimit   = 10
	equipPointPreview = 5
)

type EquipmentInput struct {
	Filter        string `json:"filter,omitempty" jsonschema:"Haystack filter for equipment, default equip"`
	IncludePoints *bool  `json:"include_points,omitempty" jsonschema:"Include a preview of the points of each equipment, default true"`
}

type PointPreview struct {
	ID     string `json:"id"`
	Dis    string `json:"dis,omitempty"`
	CurVal any    `json:"curVal,omitempty"`
}

type Equip struct {
	ID         string         `json:"id"`
	Dis        string         `json:"dis,omitempty"`
	SiteRef    any            `json:"siteRef,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	PointCount *int           `json:"point_count,omitempty"`
	Points     []PointPreview `json:"points,omitempty"`
}

type EquipmentOutput struct {
	Count     int     `json:"count"`
	Equipment []Equip `json:"equipment"`
	ServedBy  string  `json:"served_by"`
}

func (t *tools) Equipment(ctx context.Context, _ *mcp.CallToolRequest, in EquipmentInput) (*mcp.CallToolResult, EquipmentOutput, error) {
	expr := cmp.Or(strings.TrimSpace(in.Filter), "equip")
	g, tag, err := t.read(ctx, expr, 0)
	if err != nil {
		return nil, EquipmentOutput{}, err
	}
	includePoints := in.IncludePoints == nil || *in.IncludePoints
	out := EquipmentOutput{ServedBy: string(tag), Equipment: make([]Equip, 0, len(g.Rows))}
	for _, row := range g.Rows {
		e := Equip{
			ID:      refString(row.Get("id")),
			Dis:     dis(row),
			SiteRef: haystack.ToNative(row.Get("siteRef")),
			Tags:    tagNames(row, "id", "dis", "siteRef"),
		}
		if includePoints && e.ID != "" {
			points, err := t.equipPoints(ctx, tag, e.ID)
			if err != nil {
				return nil, EquipmentOutput{}, err
			}
			n := len(points.Rows)
			e.PointCount = &n
			for _, p := range points.Rows[:min(n, equipPointPreview)] {
				e.Points = append(e.Points, PointPreview{
					ID:     refString(p.Get("id")),
					Dis:    dis(p),
					CurVal: haystack.ToNative(p.Get("curVal")),
				})
			}
		}
		out.Equipment = append(out.Equipment, e)
	}
	out.Count = len(out.Equipment)
	return nil, out, nil
}

// equipPoints reads on the backend that returned the equipment so ids stay
// consistent.
func (t *tools) equipPoints(ctx context.Context, tag session.Tag, equipID string) (*haystack.Grid, error) {
	var params haystack.Dict
	params.Set("filter", haystack.Str(filter.And("point", filter.RefEquals("equipRef", equipID))))
	params.Set("limit", haystack.Number{Val: equipPointLimit})
	return t.cfg.Router.ExecuteOn(ctx, tag, session.Get("read", params))
}

type AlarmsInput struct {
	Filter       string `json:"filter,omitempty" jsonschema:"Filter for alarms, default alarm"`
	IncludeAcked *bool  `json:"include_acked,omitempty" jsonschema:"Include acknowledged alarms, default true"`
}

type Alarm struct {
	ID         string `json:"id"`
	Dis        string `json:"dis,omitempty"`
	AlarmClass string `json:"alarmClass,omitempty"`
	Priority   *int   `json:"priority,omitempty"`
	Acked      bool   `json:"acked"`
	NormalTime any    `json:"normalTime,omitempty"`
	AckTime    any    `json:"ackTime,omitempty"`
	Equipment  any    `json:"equipment,omitempty"`
}

type AlarmsOutput struct {
	Count       int     `json:"count"`
	ActiveCount int     `json:"active_count"`
	Alarms      []Alarm `json:"alarms"`
	ServedBy    string  `json:"served_by"`
}

func (t *tools) Alarms(ctx context.Context, _ *mcp.CallToolRequest, in AlarmsInput) (*mcp.CallToolResult, AlarmsOutput, error) {
	expr := cmp.Or(strings.TrimSpace(in.Filter), "alarm")
	if in.IncludeAcked != nil && !*in.IncludeAcked {
		expr = filter.And(expr, filter.Not("acked"))
	}
	g, tag, err := t.read(ctx, expr, 0)
	if err != nil {
		return nil, AlarmsOutput{}, err
	}
	out := AlarmsOutput{ServedBy: string(tag), Alarms: make([]Alarm, 0, len(g.Rows))}
	for _, row := range g.Rows {
		a := Alarm{
			ID:         refString(row.Get("id")),
			Dis:        dis(row),
			AlarmClass: row.Str("alarmClass"),
			Acked:      truthy(row.Get("acked")),
			NormalTime: haystack.ToNative(row.Get("normalTime")),
			AckTime:    haystack.ToNative(row.Get("ackTime")),
			Equipment:  haystack.ToNative(row.Get("equipRef")),
		}
		if n, ok := row.Get("priority").(haystack.Number); ok && !math.IsNaN(n.Val) {
			p := int(n.Val)
			a.Priority = &p
		}
		if !a.Acked {
			out.ActiveCount++
		}
		out.Alarms = append(out.Alarms, a)
	}
	// unacknowledged first, then by priority with missing priorities last
	slices.SortStableFunc(out.Alarms, func(a, b Alarm) int {
		if a.Acked != b.Acked {
			if a.Acked {
				return 1
			}
			return -1
		}
		return cmp.Compare(priority(a), priority(b))
	})
	out.Count = len(out.Alarms)
	return nil, out, nil
}

func priority(a Alarm) int {
	if a.Priority == nil {
		return 999
	}
	return *a.Priority
}

// truthy treats markers and true booleans as set.
func truthy(v haystack.Value) bool {
	switch t := v.(type) {
	case haystack.Marker:
		return true
	case haystack.Bool:
		return bool(t)
	}
	return false
}

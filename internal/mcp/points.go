package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/niagara-mcp/niagara-mcp/internal/filter"
	"github.com/niagara-mcp/niagara-mcp/internal/haystack"
	"github.com/niagara-mcp/niagara-mcp/internal/session"
)

const defaultLimit = 100

type Point struct {
	ID        string   `json:"id"`
	Dis       string   `json:"dis,omitempty"`
	CurVal    any      `json:"curVal,omitempty"`
	Unit      string   `json:"unit,omitempty"`
	CurStatus string   `json:"curStatus,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

type ReadPointsInput struct {
	Filter string `json:"filter" jsonschema:"Haystack filter expression, e.g. point and sensor"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of results, default 100"`
}

type ReadPointsOutput struct {
	Count    int     `json:"count"`
	Filter   string  `json:"filter"`
	Points   []Point `json:"points"`
	ServedBy string  `json:"served_by"`
}

func (t *tools) ReadPoints(ctx context.Context, _ *mcp.CallToolRequest, in ReadPointsInput) (*mcp.CallToolResult, ReadPointsOutput, error) {
	g, tag, err := t.read(ctx, in.Filter, limitOr(in.Limit, defaultLimit))
	if err != nil {
		return nil, ReadPointsOutput{}, err
	}
	out := ReadPointsOutput{Filter: in.Filter, ServedBy: string(tag), Points: make([]Point, 0, len(g.Rows))}
	for _, row := range g.Rows {
		out.Points = append(out.Points, toPoint(row))
	}
	out.Count = len(out.Points)
	return nil, out, nil
}

type BatchReadInput struct {
	PointIDs []string `json:"point_ids" jsonschema:"Point ids to read, with or without the leading @"`
}

type BatchPoint struct {
	Dis       string `json:"dis,omitempty"`
	CurVal    any    `json:"curVal,omitempty"`
	Unit      string `json:"unit,omitempty"`
	CurStatus string `json:"curStatus"`
}

type BatchReadOutput struct {
	Requested int                   `json:"requested"`
	Found     int                   `json:"found"`
	Points    map[string]BatchPoint `json:"points"`
	Missing   []string              `json:"missing,omitempty"`
	ServedBy  string                `json:"served_by"`
}

func (t *tools) BatchRead(ctx context.Context, _ *mcp.CallToolRequest, in BatchReadInput) (*mcp.CallToolResult, BatchReadOutput, error) {
	expr := filter.IDs(in.PointIDs)
	if expr == "" {
		return nil, BatchReadOutput{}, invalidArgument("point_ids is required")
	}
	g, tag, err := t.read(ctx, expr, 0)
	if err != nil {
		return nil, BatchReadOutput{}, err
	}
	out := BatchReadOutput{Requested: len(in.PointIDs), Points: make(map[string]BatchPoint, len(g.Rows)), ServedBy: string(tag)}
	found := make(map[string]bool, len(g.Rows))
	for _, row := range g.Rows {
		p := toPoint(row)
		status := p.CurStatus
		if status == "" {
			status = "ok"
		}
		out.Points[p.ID] = BatchPoint{Dis: p.Dis, CurVal: p.CurVal, Unit: p.Unit, CurStatus: status}
		found[haystack.RefID(row.Get("id"))] = true
	}
	for _, id := range in.PointIDs {
		if id = strings.TrimSpace(id); id != "" && !found[strings.TrimPrefix(id, "@")] {
			out.Missing = append(out.Missing, id)
		}
	}
	out.Found = len(out.Points)
	return nil, out, nil
}

type WritePointInput struct {
	PointID         string `json:"point_id" jsonschema:"Id of the writable point"`
	Value           any    `json:"value" jsonschema:"Value to write: number, boolean or string. null releases the level"`
	Unit            string `json:"unit,omitempty" jsonschema:"Optional unit of a numeric value"`
	Level           int    `json:"level,omitempty" jsonschema:"Priority level 1-17, default 16"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"Duration of a temporary override in minutes"`
}

type WritePointOutput struct {
	Success         bool   `json:"success"`
	PointID         string `json:"point_id"`
	Value           any    `json:"value"`
	Level           int    `json:"level"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	ServedBy        string `json:"served_by"`
}

func (t *tools) WritePoint(ctx context.Context, _ *mcp.CallToolRequest, in WritePointInput) (*mcp.CallToolResult, WritePointOutput, error) {
	id := strings.TrimSpace(in.PointID)
	if id == "" {
		return nil, WritePointOutput{}, invalidArgument("point_id is required")
	}
	level := in.Level
	if level == 0 {
		level = 16
	}
	if level < 1 || level > 17 {
		return nil, WritePointOutput{}, invalidArgument(fmt.Sprintf("level must be between 1 and 17, got %d", level))
	}
	if in.DurationMinutes < 0 {
		return nil, WritePointOutput{}, invalidArgument("duration_minutes must not be negative")
	}
	val, err := writeValue(in.Value, in.Unit)
	if err != nil {
		return nil, WritePointOutput{}, err
	}
	if err := t.cfg.Policy.BeforeWrite(id, in.Value, level); err != nil {
		return nil, WritePointOutput{}, err
	}

	var row haystack.Dict
	row.Set("id", pointRef(id))
	row.Set("level", haystack.Number{Val: float64(level)})
	row.Set("val", val)
	row.Set("who", haystack.Str(t.cfg.Name))
	if in.DurationMinutes > 0 {
		row.Set("duration", haystack.Number{Val: float64(in.DurationMinutes), Unit: "min"})
	}
	body := haystack.NewGrid()
	body.AddRow(row)
	_, tag, err := t.cfg.Router.Execute(ctx, session.Post("pointWrite", body))
	if err := t.cfg.Policy.AfterWrite(id, in.Value, level, err); err != nil {
		return nil, WritePointOutput{}, err
	}
	return nil, WritePointOutput{
		Success:         true,
		PointID:         id,
		Value:           in.Value,
		Level:           level,
		DurationMinutes: in.DurationMinutes,
		ServedBy:        string(tag),
	}, nil
}

func writeValue(v any, unit string) (haystack.Value, error) {
	switch t := v.(type) {
	case nil:
		return haystack.Null{}, nil
	case float64:
		return haystack.Number{Val: t, Unit: unit}, nil
	case int:
		return haystack.Number{Val: float64(t), Unit: unit}, nil
	case bool:
		return haystack.Bool(t), nil
	case string:
		return haystack.Str(t), nil
	}
	return nil, invalidArgument(fmt.Sprintf("value must be a number, boolean, string or null, got %T", v))
}

type ReadHistoryInput struct {
	PointID string `json:"point_id" jsonschema:"Id of a historized point"`
	Range   string `json:"range,omitempty" jsonschema:"today, yesterday, a date 2024-01-01 or a range 2024-01-01,2024-01-07. Default today"`
}

type Sample struct {
	TS  any `json:"ts"`
	Val any `json:"val"`
}

type ReadHistoryOutput struct {
	PointID  string   `json:"point_id"`
	Range    string   `json:"range"`
	Count    int      `json:"count"`
	Data     []Sample `json:"data"`
	ServedBy string   `json:"served_by"`
}

func (t *tools) ReadHistory(ctx context.Context, _ *mcp.CallToolRequest, in ReadHistoryInput) (*mcp.CallToolResult, ReadHistoryOutput, error) {
	id := strings.TrimSpace(in.PointID)
	if id == "" {
		return nil, ReadHistoryOutput{}, invalidArgument("point_id is required")
	}
	rng := strings.TrimSpace(in.Range)
	if rng == "" {
		rng = "today"
	}
	if err := validateRange(rng); err != nil {
		return nil, ReadHistoryOutput{}, err
	}
	var params haystack.Dict
	params.Set("id", pointRef(id))
	params.Set("range", haystack.Str(rng))
	g, tag, err := t.cfg.Router.Execute(ctx, session.Get("hisRead", params))
	if err != nil {
		return nil, ReadHistoryOutput{}, err
	}
	out := ReadHistoryOutput{PointID: id, Range: rng, ServedBy: string(tag), Data: make([]Sample, 0, len(g.Rows))}
	for _, row := range g.Rows {
		out.Data = append(out.Data, Sample{TS: haystack.ToNative(row.Get("ts")), Val: haystack.ToNative(row.Get("val"))})
	}
	out.Count = len(out.Data)
	return nil, out, nil
}

// validateRange accepts the range forms understood by hisRead.
func validateRange(rng string) error {
	switch rng {
	case "today", "yesterday", "thisWeek", "lastWeek", "thisMonth", "lastMonth", "thisYear", "lastYear":
		return nil
	}
	for _, part := range strings.SplitN(rng, ",", 2) {
		// a DateTime may carry a timezone name after the offset
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return invalidArgument(fmt.Sprintf("invalid range %q: empty bound", rng))
		}
		if _, err := time.Parse(time.DateOnly, fields[0]); err == nil {
			continue
		}
		if _, err := time.Parse(time.RFC3339, fields[0]); err == nil {
			continue
		}
		return invalidArgument(fmt.Sprintf("invalid range %q: use today, yesterday, YYYY-MM-DD or a comma separated pair", rng))
	}
	return nil
}

type CustomFilterInput struct {
	Filter string `json:"filter" jsonschema:"Haystack filter expression"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of results, default 100"`
}

type CustomFilterOutput struct {
	Filter   string           `json:"filter"`
	Count    int              `json:"count"`
	Results  []map[string]any `json:"results"`
	ServedBy string           `json:"served_by"`
}

func (t *tools) CustomFilter(ctx context.Context, _ *mcp.CallToolRequest, in CustomFilterInput) (*mcp.CallToolResult, CustomFilterOutput, error) {
	limit := limitOr(in.Limit, defaultLimit)
	g, tag, err := t.read(ctx, in.Filter, limit)
	if err != nil {
		return nil, CustomFilterOutput{}, err
	}
	rows := g.ToNative()
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return nil, CustomFilterOutput{Filter: in.Filter, Count: len(rows), Results: rows, ServedBy: string(tag)}, nil
}

// read validates expr and runs a read op through the router.
func (t *tools) read(ctx context.Context, expr string, limit int) (*haystack.Grid, session.Tag, error) {
	if _, err := t.cfg.Validator.Validate(expr); err != nil {
		return nil, "", err
	}
	var params haystack.Dict
	params.Set("filter", haystack.Str(expr))
	if limit > 0 {
		params.Set("limit", haystack.Number{Val: float64(limit)})
	}
	return t.cfg.Router.Execute(ctx, session.Get("read", params))
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func toPoint(row haystack.Dict) Point {
	p := Point{
		ID:        refString(row.Get("id")),
		Dis:       dis(row),
		CurVal:    haystack.ToNative(row.Get("curVal")),
		Unit:      row.Str("unit"),
		CurStatus: row.Str("curStatus"),
		Tags:      tagNames(row, "id", "dis", "curVal", "unit", "curStatus"),
	}
	if n, ok := row.Get("curVal").(haystack.Number); ok && p.Unit == "" {
		p.Unit = n.Unit
	}
	return p
}

// dis is the display name of a record: dis, then navName, then the ref dis.
func dis(row haystack.Dict) string {
	if s := row.Str("dis"); s != "" {
		return s
	}
	if s := row.Str("navName"); s != "" {
		return s
	}
	if ref, ok := row.Get("id").(haystack.Ref); ok {
		return ref.Dis
	}
	return ""
}

// pointRef builds the Ref of a point id given with or without the leading '@'.
func pointRef(id string) haystack.Ref {
	return haystack.Ref{ID: "@" + strings.TrimPrefix(id, "@")}
}

func refString(v haystack.Value) string {
	switch t := v.(type) {
	case haystack.Ref:
		return t.ID
	case haystack.Str:
		return string(t)
	}
	return ""
}

// tagNames lists the non null tags of row except skip.
func tagNames(row haystack.Dict, skip ...string) []string {
	var names []string
	row.Each(func(name string, v haystack.Value) {
		if !haystack.IsNull(v) && !slices.Contains(skip, name) {
			names = append(names, name)
		}
	})
	return names
}

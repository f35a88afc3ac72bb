package haystack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// DecodeError reports a malformed grid payload. Values are never coerced:
// an unknown kind or a bad payload fails the whole decode.
type DecodeError struct {
	Path string
	Msg  string
	Err  error
}

func (e *DecodeError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Path == "" {
		return "haystack: decode: " + msg
	}
	return fmt.Sprintf("haystack: decode %s: %s", e.Path, msg)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

const timeLayout = "15:04:05.999999999"

// object keeps JSON object keys in wire order.
type object struct {
	keys []string
	vals []any
}

// Decode parses a Haystack JSON grid.
func Decode(data []byte) (*Grid, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := readJSON(dec)
	if err != nil {
		return nil, &DecodeError{Msg: "malformed json", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Msg: "trailing data after grid"}
	}
	obj, ok := root.(*object)
	if !ok {
		return nil, &DecodeError{Msg: "grid must be a json object"}
	}

	g := &Grid{}
	var rows []any
	for i, key := range obj.keys {
		switch key {
		case "meta":
			meta, err := decodeDict("meta", obj.vals[i])
			if err != nil {
				return nil, err
			}
			g.Meta = meta
		case "cols":
			cols, ok := obj.vals[i].([]any)
			if !ok {
				return nil, &DecodeError{Path: "cols", Msg: "must be an array"}
			}
			for j, c := range cols {
				col, err := decodeCol(fmt.Sprintf("cols[%d]", j), c)
				if err != nil {
					return nil, err
				}
				if g.HasCol(col.Name) {
					return nil, &DecodeError{Path: fmt.Sprintf("cols[%d]", j), Msg: "duplicate column " + strconv.Quote(col.Name)}
				}
				g.Cols = append(g.Cols, col)
			}
		case "rows":
			rows, ok = obj.vals[i].([]any)
			if !ok {
				return nil, &DecodeError{Path: "rows", Msg: "must be an array"}
			}
		}
	}
	for i, r := range rows {
		row, err := decodeDict(fmt.Sprintf("rows[%d]", i), r)
		if err != nil {
			return nil, err
		}
		g.AddRow(row)
	}
	return g, nil
}

func readJSON(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		obj := &object{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected object key %v", keyTok)
			}
			v, err := readJSON(dec)
			if err != nil {
				return nil, err
			}
			obj.keys = append(obj.keys, key)
			obj.vals = append(obj.vals, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := readJSON(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %v", delim)
}

func decodeCol(path string, raw any) (Col, error) {
	obj, ok := raw.(*object)
	if !ok {
		return Col{}, &DecodeError{Path: path, Msg: "column must be an object"}
	}
	var col Col
	for i, key := range obj.keys {
		if key == "name" {
			name, ok := obj.vals[i].(string)
			if !ok || name == "" {
				return Col{}, &DecodeError{Path: path + ".name", Msg: "must be a non-empty string"}
			}
			col.Name = name
			continue
		}
		v, err := decodeValue(path+"."+key, obj.vals[i])
		if err != nil {
			return Col{}, err
		}
		col.Meta.Set(key, v)
	}
	if col.Name == "" {
		return Col{}, &DecodeError{Path: path, Msg: "missing column name"}
	}
	return col, nil
}

func decodeDict(path string, raw any) (Dict, error) {
	obj, ok := raw.(*object)
	if !ok {
		return Dict{}, &DecodeError{Path: path, Msg: "must be an object"}
	}
	var d Dict
	for i, key := range obj.keys {
		v, err := decodeValue(path+"."+key, obj.vals[i])
		if err != nil {
			return Dict{}, err
		}
		d.Set(key, v)
	}
	return d, nil
}

func decodeValue(path string, raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return nil, &DecodeError{Path: path, Msg: "bad number", Err: err}
		}
		return Number{Val: f}, nil
	case string:
		return DecodeScalar(path, t)
	case []any:
		list := make(List, len(t))
		for i, item := range t {
			v, err := decodeValue(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	case *object:
		return decodeDict(path, t)
	}
	return nil, &DecodeError{Path: path, Msg: fmt.Sprintf("unexpected json value %T", raw)}
}

// splitKind recognizes the "<kind>:" prefix of a tagged string. A kind is one
// or two lowercase ASCII letters.
func splitKind(s string) (kind, payload string, tagged bool) {
	isLower := func(c byte) bool { return c >= 'a' && c <= 'z' }
	if len(s) >= 2 && isLower(s[0]) && s[1] == ':' {
		return s[:1], s[2:], true
	}
	if len(s) >= 3 && isLower(s[0]) && isLower(s[1]) && s[2] == ':' {
		return s[:2], s[3:], true
	}
	return "", "", false
}

// DecodeScalar decodes one string cell, bare or tagged.
func DecodeScalar(path, s string) (Value, error) {
	kind, p, tagged := splitKind(s)
	if !tagged {
		return Str(s), nil
	}
	bad := func(err error) error {
		return &DecodeError{Path: path, Msg: fmt.Sprintf("bad %q payload %q", kind, p), Err: err}
	}
	switch kind {
	case "s":
		return Str(p), nil
	case "m":
		if p != "" {
			return nil, bad(nil)
		}
		return Marker{}, nil
	case "x":
		if p != "" {
			return nil, bad(nil)
		}
		return Remove{}, nil
	case "n":
		n, err := parseNumber(p)
		if err != nil {
			return nil, bad(err)
		}
		return n, nil
	case "r":
		id, dis, _ := strings.Cut(p, " ")
		if id == "" {
			return nil, bad(nil)
		}
		return Ref{ID: id, Dis: dis}, nil
	case "u":
		return Uri(p), nil
	case "d":
		t, err := time.Parse(time.DateOnly, p)
		if err != nil {
			return nil, bad(err)
		}
		return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
	case "t":
		t, err := time.Parse(timeLayout, p)
		if err != nil {
			t, err = time.Parse("15:04", p)
			if err != nil {
				return nil, bad(err)
			}
		}
		return Time{Hour: t.Hour(), Min: t.Minute(), Sec: t.Second(), Nano: t.Nanosecond()}, nil
	case "ts":
		iso, tz, _ := strings.Cut(p, " ")
		t, err := time.Parse(time.RFC3339Nano, iso)
		if err != nil {
			return nil, bad(err)
		}
		return DateTime{T: t, TZ: tz}, nil
	case "c":
		lat, lng, ok := strings.Cut(p, ",")
		if !ok {
			return nil, bad(nil)
		}
		la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
		if err != nil {
			return nil, bad(err)
		}
		ln, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
		if err != nil {
			return nil, bad(err)
		}
		return Coord{Lat: la, Lng: ln}, nil
	case "xs":
		typ, val, ok := strings.Cut(p, ":")
		if !ok || typ == "" {
			return nil, bad(nil)
		}
		return XStr{Type: typ, Val: val}, nil
	}
	return nil, &DecodeError{Path: path, Msg: fmt.Sprintf("unknown kind %q", kind)}
}

func parseNumber(p string) (Number, error) {
	num, unit, _ := strings.Cut(p, " ")
	var f float64
	switch num {
	case "NaN":
		f = math.NaN()
	case "INF":
		f = math.Inf(1)
	case "-INF":
		f = math.Inf(-1)
	default:
		var err error
		f, err = strconv.ParseFloat(num, 64)
		if err != nil {
			return Number{}, err
		}
	}
	return Number{Val: f, Unit: unit}, nil
}

// Encode renders g as Haystack JSON. Null row cells are omitted.
func Encode(g *Grid) ([]byte, error) {
	if g == nil {
		return nil, errors.New("haystack: encode nil grid")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"meta":`)
	writeDict(&buf, g.Meta)
	buf.WriteString(`,"cols":[`)
	for i, c := range g.Cols {
		if c.Name == "" {
			return nil, fmt.Errorf("haystack: encode cols[%d]: empty column name", i)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"name":`)
		writeString(&buf, c.Name)
		c.Meta.Each(func(name string, v Value) {
			buf.WriteByte(',')
			writeString(&buf, name)
			buf.WriteByte(':')
			writeValue(&buf, v)
		})
		buf.WriteByte('}')
	}
	buf.WriteString(`],"rows":[`)
	for i, row := range g.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		first := true
		for _, c := range g.Cols {
			v := row.Get(c.Name)
			if IsNull(v) {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeString(&buf, c.Name)
			buf.WriteByte(':')
			writeValue(&buf, v)
		}
		buf.WriteByte('}')
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// EncodeValue renders a single value in its wire form.
func EncodeValue(v Value) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v)
	return buf.Bytes()
}

func writeDict(buf *bytes.Buffer, d Dict) {
	buf.WriteByte('{')
	first := true
	d.Each(func(name string, v Value) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(buf, name)
		buf.WriteByte(':')
		writeValue(buf, v)
	})
	buf.WriteByte('}')
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeValue(buf *bytes.Buffer, v Value) {
	switch t := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Marker:
		writeString(buf, "m:")
	case Remove:
		writeString(buf, "x:")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(t)))
	case Number:
		if t.Unit == "" && !math.IsNaN(t.Val) && !math.IsInf(t.Val, 0) {
			buf.WriteString(strconv.FormatFloat(t.Val, 'g', -1, 64))
			return
		}
		writeString(buf, "n:"+formatNumber(t))
	case Str:
		s := string(t)
		if _, _, tagged := splitKind(s); tagged {
			s = "s:" + s
		}
		writeString(buf, s)
	case Uri:
		writeString(buf, "u:"+string(t))
	case Ref:
		s := "r:" + t.ID
		if t.Dis != "" {
			s += " " + t.Dis
		}
		writeString(buf, s)
	case Date:
		writeString(buf, "d:"+t.String())
	case Time:
		writeString(buf, "t:"+formatTime(t))
	case DateTime:
		writeString(buf, "ts:"+formatDateTime(t))
	case Coord:
		writeString(buf, "c:"+strconv.FormatFloat(t.Lat, 'f', -1, 64)+","+strconv.FormatFloat(t.Lng, 'f', -1, 64))
	case XStr:
		writeString(buf, "xs:"+t.Type+":"+t.Val)
	case List:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	case Dict:
		writeDict(buf, t)
	}
}

func formatNumber(n Number) string {
	var s string
	switch {
	case math.IsNaN(n.Val):
		s = "NaN"
	case math.IsInf(n.Val, 1):
		s = "INF"
	case math.IsInf(n.Val, -1):
		s = "-INF"
	default:
		s = strconv.FormatFloat(n.Val, 'g', -1, 64)
	}
	if n.Unit != "" {
		s += " " + n.Unit
	}
	return s
}

func formatTime(t Time) string {
	s := fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Min, t.Sec)
	if t.Nano > 0 {
		frac := strings.TrimRight(fmt.Sprintf("%09d", t.Nano), "0")
		s += "." + frac
	}
	return s
}

func formatDateTime(dt DateTime) string {
	s := dt.T.Format(time.RFC3339Nano)
	if dt.TZ != "" {
		s += " " + dt.TZ
	}
	return s
}

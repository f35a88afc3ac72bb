package haystack

import (
	"math"
	"time"
)

// Value is one Haystack scalar or collection. The concrete types in this
// package are the only implementations.
type Value interface {
	Kind() Kind
	Equal(other Value) bool
	isValue()
}

type Kind uint8

const (
	KindNull Kind = iota
	KindMarker
	KindRemove
	KindBool
	KindNumber
	KindStr
	KindUri
	KindRef
	KindDate
	KindTime
	KindDateTime
	KindCoord
	KindXStr
	KindList
	KindDict
)

var kindNames = [...]string{
	KindNull:     "null",
	KindMarker:   "marker",
	KindRemove:   "remove",
	KindBool:     "bool",
	KindNumber:   "number",
	KindStr:      "str",
	KindUri:      "uri",
	KindRef:      "ref",
	KindDate:     "date",
	KindTime:     "time",
	KindDateTime: "dateTime",
	KindCoord:    "coord",
	KindXStr:     "xstr",
	KindList:     "list",
	KindDict:     "dict",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

type Null struct{}

type Marker struct{}

type Remove struct{}

type Bool bool

type Number struct {
	Val  float64
	Unit string
}

type Str string

type Uri string

type Ref struct {
	ID  string
	Dis string
}

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

type Time struct {
	Hour, Min, Sec int
	// Nano keeps sub-second precision as written on the wire.
	Nano int
}

type DateTime struct {
	T  time.Time
	TZ string
}

type Coord struct {
	Lat, Lng float64
}

type XStr struct {
	Type string
	Val  string
}

type List []Value

func (Null) Kind() Kind     { return KindNull }
func (Marker) Kind() Kind   { return KindMarker }
func (Remove) Kind() Kind   { return KindRemove }
func (Bool) Kind() Kind     { return KindBool }
func (Number) Kind() Kind   { return KindNumber }
func (Str) Kind() Kind      { return KindStr }
func (Uri) Kind() Kind      { return KindUri }
func (Ref) Kind() Kind      { return KindRef }
func (Date) Kind() Kind     { return KindDate }
func (Time) Kind() Kind     { return KindTime }
func (DateTime) Kind() Kind { return KindDateTime }
func (Coord) Kind() Kind    { return KindCoord }
func (XStr) Kind() Kind     { return KindXStr }
func (List) Kind() Kind     { return KindList }

func (Null) isValue()     {}
func (Marker) isValue()   {}
func (Remove) isValue()   {}
func (Bool) isValue()     {}
func (Number) isValue()   {}
func (Str) isValue()      {}
func (Uri) isValue()      {}
func (Ref) isValue()      {}
func (Date) isValue()     {}
func (Time) isValue()     {}
func (DateTime) isValue() {}
func (Coord) isValue()    {}
func (XStr) isValue()     {}
func (List) isValue()     {}

func (Null) Equal(o Value) bool {
	_, ok := o.(Null)
	return ok || o == nil
}

func (Marker) Equal(o Value) bool {
	_, ok := o.(Marker)
	return ok
}

func (Remove) Equal(o Value) bool {
	_, ok := o.(Remove)
	return ok
}

func (b Bool) Equal(o Value) bool {
	v, ok := o.(Bool)
	return ok && v == b
}

// Equal treats NaN as equal to NaN so decoded grids compare equal to
// themselves.
func (n Number) Equal(o Value) bool {
	v, ok := o.(Number)
	if !ok || v.Unit != n.Unit {
		return false
	}
	if math.IsNaN(n.Val) {
		return math.IsNaN(v.Val)
	}
	return v.Val == n.Val
}

func (s Str) Equal(o Value) bool {
	v, ok := o.(Str)
	return ok && v == s
}

func (u Uri) Equal(o Value) bool {
	v, ok := o.(Uri)
	return ok && v == u
}

func (r Ref) Equal(o Value) bool {
	v, ok := o.(Ref)
	return ok && v == r
}

func (d Date) Equal(o Value) bool {
	v, ok := o.(Date)
	return ok && v == d
}

func (t Time) Equal(o Value) bool {
	v, ok := o.(Time)
	return ok && v == t
}

func (dt DateTime) Equal(o Value) bool {
	v, ok := o.(DateTime)
	if !ok || v.TZ != dt.TZ || !v.T.Equal(dt.T) {
		return false
	}
	_, off1 := v.T.Zone()
	_, off2 := dt.T.Zone()
	return off1 == off2
}

func (c Coord) Equal(o Value) bool {
	v, ok := o.(Coord)
	return ok && v == c
}

func (x XStr) Equal(o Value) bool {
	v, ok := o.(XStr)
	return ok && v == x
}

func (l List) Equal(o Value) bool {
	v, ok := o.(List)
	if !ok || len(v) != len(l) {
		return false
	}
	for i := range l {
		if !equalValues(l[i], v[i]) {
			return false
		}
	}
	return true
}

func equalValues(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	return a.Equal(b)
}

func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	return d.Time(time.UTC).Format(time.DateOnly)
}

// IsNull reports whether v is absent or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// ToNative converts v to plain Go values suitable for encoding/json in tool
// responses. Markers become true, numbers with a unit become
// {"val":..,"unit":..}, refs become their id.
func ToNative(v Value) any {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case Marker:
		return true
	case Remove:
		return nil
	case Bool:
		return bool(t)
	case Number:
		if math.IsNaN(t.Val) || math.IsInf(t.Val, 0) {
			return formatNumber(t)
		}
		if t.Unit == "" {
			return t.Val
		}
		return map[string]any{"val": t.Val, "unit": t.Unit}
	case Str:
		return string(t)
	case Uri:
		return string(t)
	case Ref:
		if t.Dis == "" {
			return t.ID
		}
		return map[string]any{"id": t.ID, "dis": t.Dis}
	case Date:
		return t.String()
	case Time:
		return formatTime(t)
	case DateTime:
		return formatDateTime(t)
	case Coord:
		return map[string]any{"lat": t.Lat, "lng": t.Lng}
	case XStr:
		return map[string]any{"type": t.Type, "val": t.Val}
	case List:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = ToNative(item)
		}
		return out
	case Dict:
		return t.ToNative()
	}
	return nil
}

// RefID returns the id of a Ref value without a leading '@'. Plain strings
// are returned as is.
func RefID(v Value) string {
	switch t := v.(type) {
	case Ref:
		return trimAt(t.ID)
	case Str:
		return trimAt(string(t))
	}
	return ""
}

func trimAt(s string) string {
	if len(s) > 0 && s[0] == '@' {
		return s[1:]
	}
	return s
}

package haystack

import "slices"

// Dict is an ordered mapping of tag names to values.
type Dict struct {
	names []string
	vals  []Value
}

func NewDict() Dict {
	return Dict{}
}

func (Dict) Kind() Kind { return KindDict }
func (Dict) isValue()   {}

func (d Dict) Len() int {
	return len(d.names)
}

func (d Dict) Names() []string {
	return slices.Clone(d.names)
}

func (d Dict) index(name string) int {
	return slices.Index(d.names, name)
}

// Get returns the value of name, or Null when the tag is absent.
func (d Dict) Get(name string) Value {
	if i := d.index(name); i >= 0 {
		return d.vals[i]
	}
	return Null{}
}

// Has reports whether name is present with a non-null value.
func (d Dict) Has(name string) bool {
	return !IsNull(d.Get(name))
}

// Set replaces the value of name or appends it.
func (d *Dict) Set(name string, v Value) {
	if v == nil {
		v = Null{}
	}
	if i := d.index(name); i >= 0 {
		d.vals[i] = v
		return
	}
	d.names = append(d.names, name)
	d.vals = append(d.vals, v)
}

func (d *Dict) Delete(name string) {
	if i := d.index(name); i >= 0 {
		d.names = slices.Delete(d.names, i, i+1)
		d.vals = slices.Delete(d.vals, i, i+1)
	}
}

// Each calls fn for every entry in insertion order.
func (d Dict) Each(fn func(name string, v Value)) {
	for i, name := range d.names {
		fn(name, d.vals[i])
	}
}

func (d Dict) Equal(o Value) bool {
	other, ok := o.(Dict)
	if !ok || other.Len() != d.Len() {
		return false
	}
	for i, name := range d.names {
		if other.names[i] != name || !equalValues(d.vals[i], other.vals[i]) {
			return false
		}
	}
	return true
}

func (d Dict) ToNative() map[string]any {
	out := make(map[string]any, len(d.names))
	for i, name := range d.names {
		out[name] = ToNative(d.vals[i])
	}
	return out
}

// Str returns the string form of a Str tag or "".
func (d Dict) Str(name string) string {
	if s, ok := d.Get(name).(Str); ok {
		return string(s)
	}
	return ""
}

type Col struct {
	Name string
	Meta Dict
}

// Grid is a table of rows sharing one column set plus grid level metadata.
type Grid struct {
	Meta Dict
	Cols []Col
	Rows []Dict
}

// NewGrid returns an empty grid stamped with the Haystack version tag.
func NewGrid() *Grid {
	g := &Grid{}
	g.Meta.Set("ver", Str("3.0"))
	return g
}

func (g *Grid) ColNames() []string {
	names := make([]string, len(g.Cols))
	for i, c := range g.Cols {
		names[i] = c.Name
	}
	return names
}

func (g *Grid) HasCol(name string) bool {
	return slices.ContainsFunc(g.Cols, func(c Col) bool { return c.Name == name })
}

func (g *Grid) AddCol(name string) {
	if g.HasCol(name) {
		return
	}
	g.Cols = append(g.Cols, Col{Name: name})
	for i := range g.Rows {
		g.Rows[i].Set(name, Null{})
	}
}

// AddRow appends row, adding any new columns to the grid and normalizing the
// row to the full column set.
func (g *Grid) AddRow(row Dict) {
	for _, name := range row.names {
		g.AddCol(name)
	}
	g.Rows = append(g.Rows, g.normalize(row))
}

func (g *Grid) normalize(row Dict) Dict {
	out := Dict{
		names: make([]string, len(g.Cols)),
		vals:  make([]Value, len(g.Cols)),
	}
	for i, c := range g.Cols {
		out.names[i] = c.Name
		out.vals[i] = row.Get(c.Name)
	}
	return out
}

// IsError reports whether the grid is a Haystack error grid.
func (g *Grid) IsError() bool {
	return g != nil && g.Meta.Has("err")
}

// ErrDis returns the station's diagnostic message of an error grid.
func (g *Grid) ErrDis() string {
	if g == nil {
		return ""
	}
	if dis := g.Meta.Str("dis"); dis != "" {
		return dis
	}
	return g.Meta.Str("errTrace")
}

func (g *Grid) Equal(o *Grid) bool {
	if g == nil || o == nil {
		return g == o
	}
	if !g.Meta.Equal(o.Meta) || len(g.Cols) != len(o.Cols) || len(g.Rows) != len(o.Rows) {
		return false
	}
	for i := range g.Cols {
		if g.Cols[i].Name != o.Cols[i].Name || !g.Cols[i].Meta.Equal(o.Cols[i].Meta) {
			return false
		}
	}
	for i := range g.Rows {
		if !g.Rows[i].Equal(o.Rows[i]) {
			return false
		}
	}
	return true
}

// ToNative converts every row with ToNative, dropping null cells.
func (g *Grid) ToNative() []map[string]any {
	out := make([]map[string]any, 0, len(g.Rows))
	for _, row := range g.Rows {
		m := make(map[string]any, row.Len())
		row.Each(func(name string, v Value) {
			if !IsNull(v) {
				m[name] = ToNative(v)
			}
		})
		out = append(out, m)
	}
	return out
}

package rows

import (
	"strings"
)

// Row is one table row as an ordered set of column/value pairs.
type Row struct {
	Table string   `codec:"t"`
	Cols  []string `codec:"c"`
	Vals  []Value  `codec:"v"`
}

// NewRow returns an empty row for table.
func NewRow(table string) Row {
	return Row{Table: table}
}

// Len returns the number of columns.
func (r Row) Len() int { return len(r.Cols) }

func (r Row) index(col string) int {
	for i, c := range r.Cols {
		if c == col {
			return i
		}
	}
	return -1
}

// Has reports whether the row carries col.
func (r Row) Has(col string) bool { return r.index(col) >= 0 }

// Get returns the value of col.
func (r Row) Get(col string) (Value, bool) {
	i := r.index(col)
	if i < 0 {
		return Null(), false
	}
	return r.Vals[i], true
}

// MustGet returns the value of col or NULL.
func (r Row) MustGet(col string) Value {
	v, _ := r.Get(col)
	return v
}

// Set assigns col, appending it if absent.
func (r *Row) Set(col string, v Value) {
	if i := r.index(col); i >= 0 {
		r.Vals[i] = v
		return
	}
	r.Cols = append(r.Cols, col)
	r.Vals = append(r.Vals, v)
}

// Clone returns a deep copy.
func (r Row) Clone() Row {
	c := Row{Table: r.Table, Cols: make([]string, len(r.Cols)), Vals: make([]Value, len(r.Vals))}
	copy(c.Cols, r.Cols)
	copy(c.Vals, r.Vals)
	return c
}

// Equal reports whether both rows carry the same columns with equal values.
func (r Row) Equal(o Row) bool {
	if r.Table != o.Table || len(r.Cols) != len(o.Cols) {
		return false
	}
	for i, c := range r.Cols {
		v, ok := o.Get(c)
		if !ok || !v.Equal(r.Vals[i]) {
			return false
		}
	}
	return true
}

// Key renders the given columns into a stable string, used to identify an
// object independently of its other column values.
func (r Row) Key(cols []string) string {
	var b strings.Builder
	b.WriteString(r.Table)
	for _, c := range cols {
		b.WriteByte(0)
		b.WriteString(c)
		b.WriteByte('=')
		v := r.MustGet(c)
		b.WriteString(v.Kind.String())
		b.WriteByte(':')
		b.WriteString(v.String())
	}
	return b.String()
}

// SameIdentity reports whether r and o agree on every identifying column.
func (r Row) SameIdentity(o Row, idCols []string) bool {
	if r.Table != o.Table {
		return false
	}
	if len(idCols) == 0 {
		return r.Equal(o)
	}
	for _, c := range idCols {
		if !r.MustGet(c).Equal(o.MustGet(c)) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	var b strings.Builder
	b.WriteString(r.Table)
	b.WriteByte('{')
	for i, c := range r.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteByte('=')
		b.WriteString(r.Vals[i].String())
	}
	b.WriteByte('}')
	return b.String()
}

// Package disguise describes what a disguise does: the per-table
// Remove/Modify/Decorrelate transformations, the table metadata they rely on
// and the generator used to mint pseudoprincipals.
package disguise

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/rows"
)

// ErrInvalidTransform is returned when a disguise does not fit its schema.
var ErrInvalidTransform = errors.New("invalid transformation")

// TransformKind enumerates the supported transformations.
type TransformKind int

const (
	// Remove deletes matching rows.
	Remove TransformKind = iota
	// Modify rewrites one column of matching rows.
	Modify
	// Decorrelate reassigns ownership of matching rows to pseudoprincipals.
	Decorrelate
)

func (k TransformKind) String() string {
	switch k {
	case Remove:
		return "remove"
	case Modify:
		return "modify"
	case Decorrelate:
		return "decorrelate"
	default:
		return fmt.Sprintf("transform(%d)", int(k))
	}
}

// ParseTransformKind parses the textual name of a transformation.
func ParseTransformKind(s string) (TransformKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "remove":
		return Remove, nil
	case "modify":
		return Modify, nil
	case "decorrelate":
		return Decorrelate, nil
	default:
		return 0, errors.Wrapf(ErrInvalidTransform, "unknown transformation %q", s)
	}
}

// Transform is one step applied to a table. Pred and Join are SQL fragments
// selecting the affected rows.
type Transform struct {
	Kind TransformKind
	Pred string
	Join string

	// Modify only.
	Column    string
	Generator ValueGenerator

	// Decorrelate only. OwnerCols defaults to every owner column of the
	// table; GroupBy defaults to the identifying columns.
	OwnerCols []string
	GroupBy   []string
}

// TableDisguise is the ordered list of transformations for one table.
type TableDisguise struct {
	Table      string
	Transforms []Transform
}

// Disguise is a named set of table transformations applied on behalf of
// Principal, or system-wide when Principal is empty.
type Disguise struct {
	Name      string
	Principal string
	Tables    []TableDisguise
}

// SystemWide reports whether no acting principal is named.
func (d *Disguise) SystemWide() bool {
	return d.Principal == ""
}

// Validate checks every transformation against schema.
func (d *Disguise) Validate(schema *Schema) error {
	for _, td := range d.Tables {
		info, ok := schema.Tables[td.Table]
		if !ok {
			return errors.Wrapf(ErrInvalidTransform, "table %q has no metadata", td.Table)
		}
		if !d.SystemWide() && len(info.Owners) == 0 && len(td.Transforms) > 0 && schema.OwnerPath(td.Table) == nil {
			return errors.Wrapf(ErrInvalidTransform, "%q has no owner and references no owned table", td.Table)
		}
		for _, t := range td.Transforms {
			switch t.Kind {
			case Remove:
			case Modify:
				if t.Column == "" || t.Generator == nil {
					return errors.Wrapf(ErrInvalidTransform, "modify on %q needs a column and a generator", td.Table)
				}
			case Decorrelate:
				cols := t.OwnerCols
				if len(cols) == 0 {
					cols = info.OwnerColumns()
				}
				if len(cols) == 0 {
					return errors.Wrapf(ErrInvalidTransform, "decorrelate on %q has no owner columns", td.Table)
				}
				for _, c := range cols {
					if _, ok := info.Owner(c); !ok {
						return errors.Wrapf(ErrInvalidTransform, "%q is not an owner column of %q", c, td.Table)
					}
				}
			default:
				return errors.Wrapf(ErrInvalidTransform, "unknown kind %d", t.Kind)
			}
		}
	}
	return nil
}

// ForeignKey is a column of a table referencing RefTable.RefCol.
type ForeignKey struct {
	Col      string `mapstructure:"col"`
	RefTable string `mapstructure:"table"`
	RefCol   string `mapstructure:"ref"`
}

// TableInfo is the metadata of one table.
type TableInfo struct {
	Name   string
	IDCols []string
	// Owners are the foreign keys naming the principals that own a row. More
	// than one makes rows of the table shared objects.
	Owners []ForeignKey
	// FKs are the other foreign keys, checked for referential integrity on
	// reveal.
	FKs []ForeignKey
}

// MultiOwner reports whether rows may have more than one owner.
func (t TableInfo) MultiOwner() bool {
	return len(t.Owners) > 1
}

// OwnerColumns returns the owner column names.
func (t TableInfo) OwnerColumns() []string {
	cols := make([]string, len(t.Owners))
	for i, fk := range t.Owners {
		cols[i] = fk.Col
	}
	return cols
}

// Owner returns the owner foreign key on col.
func (t TableInfo) Owner(col string) (ForeignKey, bool) {
	for _, fk := range t.Owners {
		if fk.Col == col {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// AllFKs returns owner and other foreign keys.
func (t TableInfo) AllFKs() []ForeignKey {
	out := make([]ForeignKey, 0, len(t.Owners)+len(t.FKs))
	out = append(out, t.Owners...)
	return append(out, t.FKs...)
}

// Child is a foreign key of Table referencing some parent table.
type Child struct {
	Table   string
	FK      ForeignKey
	IsOwner bool
}

// Schema is the table metadata plus the pseudoprincipal generator.
type Schema struct {
	Tables    map[string]TableInfo
	Generator *PseudoprincipalGenerator
}

// PrincipalTable returns the name of the table holding principals.
func (s *Schema) PrincipalTable() string {
	return s.Generator.Table
}

// Children returns every foreign key referencing table, sorted by table name
// for deterministic statement order.
func (s *Schema) Children(table string) []Child {
	var out []Child
	for _, name := range s.TableNames() {
		info := s.Tables[name]
		for _, fk := range info.Owners {
			// The principal table owns itself through its id column.
			if fk.RefTable == table && !(name == table && fk.Col == fk.RefCol) {
				out = append(out, Child{Table: name, FK: fk, IsOwner: true})
			}
		}
		for _, fk := range info.FKs {
			if fk.RefTable == table {
				out = append(out, Child{Table: name, FK: fk})
			}
		}
	}
	return out
}

// OwnerPath returns the shortest chain of foreign keys leading from table to
// a table with owner columns, or nil if table has owners or reaches none.
func (s *Schema) OwnerPath(table string) []ForeignKey {
	info, ok := s.Tables[table]
	if !ok || len(info.Owners) > 0 {
		return nil
	}
	type step struct {
		table string
		path  []ForeignKey
	}
	seen := map[string]bool{table: true}
	work := []step{{table: table}}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		for _, fk := range s.Tables[cur.table].FKs {
			ref, ok := s.Tables[fk.RefTable]
			if !ok || seen[fk.RefTable] {
				continue
			}
			seen[fk.RefTable] = true
			path := append(append([]ForeignKey(nil), cur.path...), fk)
			if len(ref.Owners) > 0 {
				return path
			}
			work = append(work, step{table: fk.RefTable, path: path})
		}
	}
	return nil
}

// TableNames returns table names in dependency order: referenced tables
// come before the tables referencing them. Cycles fall back to name order.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}
	sort.Strings(names)

	var (
		out     = make([]string, 0, len(names))
		state   = make(map[string]int, len(names))
		visitFn func(string)
	)
	visitFn = func(n string) {
		if state[n] != 0 {
			return
		}
		state[n] = 1
		for _, fk := range s.Tables[n].AllFKs() {
			if _, ok := s.Tables[fk.RefTable]; ok && fk.RefTable != n {
				visitFn(fk.RefTable)
			}
		}
		state[n] = 2
		out = append(out, n)
	}
	for _, n := range names {
		visitFn(n)
	}
	return out
}

// NewPrincipalRow returns a fresh row for the principal table.
func (s *Schema) NewPrincipalRow() (rows.Row, string, error) {
	r, err := s.Generator.New()
	if err != nil {
		return rows.Row{}, "", err
	}
	return r, r.MustGet(s.Generator.IDCol).String(), nil
}

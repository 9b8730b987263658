package disguise

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/rows"
)

// ValueGenerator produces the replacement value of a Modify transformation
// or a column of a fresh pseudoprincipal row.
type ValueGenerator func() rows.Value

// Generator returns the named value generator. Supported tags are null,
// fake_text, rand_int, now, and const:<text>.
func Generator(tag string) (ValueGenerator, error) {
	tag = strings.TrimSpace(tag)
	switch {
	case tag == "null":
		return func() rows.Value { return rows.Null() }, nil
	case tag == "fake_text" || tag == "nuid":
		return func() rows.Value { return rows.Text(nuid.Next()) }, nil
	case tag == "rand_int":
		return func() rows.Value { return rows.Int(randInt()) }, nil
	case tag == "now":
		return func() rows.Value { return rows.Text(time.Now().UTC().Format(time.RFC3339)) }, nil
	case tag == "one":
		return func() rows.Value { return rows.Int(1) }, nil
	case strings.HasPrefix(tag, "const:"):
		v := rows.Text(strings.TrimPrefix(tag, "const:"))
		return func() rows.Value { return v }, nil
	default:
		return nil, errors.Wrapf(ErrInvalidTransform, "unknown value generator %q", tag)
	}
}

// randInt returns a positive random integer that fits JavaScript-safe and
// SQL BIGINT ranges.
func randInt() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return int64(binary.LittleEndian.Uint64(b[:]) >> 12)
}

// PseudoprincipalGenerator mints rows for the principal table.
type PseudoprincipalGenerator struct {
	Table string
	IDCol string
	// Columns generates every column of a fresh row, including IDCol.
	Columns []ColumnGenerator
}

// ColumnGenerator generates one column of a pseudoprincipal row.
type ColumnGenerator struct {
	Col string
	Gen ValueGenerator
}

// New returns a fresh pseudoprincipal row.
func (g *PseudoprincipalGenerator) New() (rows.Row, error) {
	r := rows.NewRow(g.Table)
	for _, c := range g.Columns {
		r.Set(c.Col, c.Gen())
	}
	id, ok := r.Get(g.IDCol)
	if !ok || id.IsNull() {
		return rows.Row{}, errors.Errorf("pseudoprincipal generator for %s produced no %s", g.Table, g.IDCol)
	}
	return r, nil
}

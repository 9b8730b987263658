package rows

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	// KindNull is SQL NULL.
	KindNull Kind = iota
	// KindInt is a 64-bit signed integer.
	KindInt
	// KindFloat is a 64-bit float.
	KindFloat
	// KindText is a UTF-8 string.
	KindText
	// KindBlob is an opaque byte slice.
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single column value. Only the field matching Kind is
// meaningful. Fields are exported so records can be serialized.
type Value struct {
	Kind Kind    `codec:"k"`
	I    int64   `codec:"i,omitempty"`
	F    float64 `codec:"f,omitempty"`
	S    string  `codec:"s,omitempty"`
	B    []byte  `codec:"b,omitempty"`
}

// Null returns the NULL value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, I: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{Kind: KindFloat, F: f} }

// Text returns a text value.
func Text(s string) Value { return Value{Kind: KindText, S: s} }

// Blob returns a blob value.
func Blob(b []byte) Value { return Value{Kind: KindBlob, B: b} }

// ParseUID converts a principal identifier into a Value, preferring an
// integer when the identifier is numeric so it binds cleanly to integer
// key columns.
func ParseUID(uid string) Value {
	if i, err := strconv.ParseInt(uid, 10, 64); err == nil {
		return Int(i)
	}
	return Text(uid)
}

// FromDriver converts a value scanned by database/sql into a Value.
func FromDriver(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case int64:
		return Int(t)
	case int32:
		return Int(int64(t))
	case int:
		return Int(int64(t))
	case float64:
		return Float(t)
	case float32:
		return Float(float64(t))
	case bool:
		if t {
			return Int(1)
		}
		return Int(0)
	case string:
		return Text(t)
	case []byte:
		b := make([]byte, len(t))
		copy(b, t)
		return Blob(b)
	case time.Time:
		return Text(t.UTC().Format(time.RFC3339Nano))
	default:
		return Text(fmt.Sprint(t))
	}
}

// Driver returns the value in a form accepted as a bound query argument.
func (v Value) Driver() interface{} {
	switch v.Kind {
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindText:
		return v.S
	case KindBlob:
		return v.B
	default:
		return nil
	}
}

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders the value. Blobs render as their raw bytes so a TEXT
// column read back as bytes by some drivers still compares equal.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindText:
		return v.S
	case KindBlob:
		return string(v.B)
	default:
		return "NULL"
	}
}

// Equal compares values by their rendered form. NULL only equals NULL.
func (v Value) Equal(o Value) bool {
	if v.IsNull() || o.IsNull() {
		return v.IsNull() && o.IsNull()
	}
	return v.String() == o.String()
}

// GoString is used by %#v and keeps blobs readable in logs.
func (v Value) GoString() string {
	if v.Kind == KindBlob {
		return "blob:" + base64.StdEncoding.EncodeToString(v.B)
	}
	return v.Kind.String() + ":" + v.String()
}

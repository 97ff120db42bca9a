package tables

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/scigolib/tables/internal/core"
)

// Enum is an ordered mapping of names to integer values.
type Enum struct {
	names  []string
	values map[string]int64
}

// NewEnum assigns the values 0 to n-1 to names in order. Repeated names
// keep their first value.
func NewEnum(names ...string) *Enum {
	e := &Enum{values: make(map[string]int64, len(names))}
	for _, n := range names {
		if _, dup := e.values[n]; dup {
			continue
		}
		e.values[n] = int64(len(e.names))
		e.names = append(e.names, n)
	}
	return e
}

// NewEnumValues builds an enum from explicit values, ordered by value.
func NewEnumValues(m map[string]int64) *Enum {
	e := &Enum{values: maps.Clone(m), names: slices.Collect(maps.Keys(m))}
	slices.SortFunc(e.names, func(a, b string) int {
		if c := cmp.Compare(m[a], m[b]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return e
}

// Value returns the value of name.
func (e *Enum) Value(name string) (int64, bool) {
	v, ok := e.values[name]
	return v, ok
}

// Name returns the first name with value v.
func (e *Enum) Name(v int64) (string, bool) {
	for _, n := range e.names {
		if e.values[n] == v {
			return n, true
		}
	}
	return "", false
}

// Names returns the names in order.
func (e *Enum) Names() []string {
	return slices.Clone(e.names)
}

// Len returns the number of names.
func (e *Enum) Len() int {
	return len(e.names)
}

// Equal reports whether both enums map the same names to the same
// values, in any order.
func (e *Enum) Equal(o *Enum) bool {
	if e == nil || o == nil {
		return e == o
	}
	return maps.Equal(e.values, o.values)
}

func (e *Enum) String() string {
	parts := make([]string, len(e.names))
	for i, n := range e.names {
		parts[i] = fmt.Sprintf("'%s': %d", n, e.values[n])
	}
	return "Enum({" + strings.Join(parts, ", ") + "})"
}

// enumOf decodes the members of an HDF5 enumeration.
func enumOf(dt *core.Datatype) (*Enum, error) {
	if dt.Class != core.ClassEnum || dt.Base == nil {
		return nil, fmt.Errorf("%w: %s is not an enumeration", ErrTypeMismatch, dt.Class)
	}
	if len(dt.EnumNames) != len(dt.EnumValues) {
		return nil, fmt.Errorf("enumeration has %d names and %d values", len(dt.EnumNames), len(dt.EnumValues))
	}
	m := make(map[string]int64, len(dt.EnumNames))
	for i, n := range dt.EnumNames {
		m[n] = core.DecodeInt(dt.EnumValues[i], dt.Base.Signed, dt.Base.BigEndian)
	}
	return NewEnumValues(m), nil
}

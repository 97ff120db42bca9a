package tables

import (
	"fmt"
	"slices"

	"github.com/scigolib/tables/internal/core"
)

// ByteOrder is the order multi-byte numbers are stored in.
type ByteOrder string

// Byte orders. Irrelevant applies to strings and 1-byte numbers.
const (
	LittleEndian ByteOrder = "little"
	BigEndian    ByteOrder = "big"
	Irrelevant   ByteOrder = "irrelevant"
)

// Atom is the element type of an array or a table column.
type Atom struct {
	// Type is one of bool, int8, int16, int32, int64, uint8, uint16,
	// uint32, uint64, float16, float32, float64, string, vlstring, enum
	// and opaque.
	Type string
	// Kind groups types: bool, int, uint, float, string, enum, opaque.
	Kind string
	// ItemSize is the size of one element in bytes; 0 for vlstring.
	ItemSize int
	// Shape is the per-element shape of array-valued columns and
	// atoms; nil for scalars.
	Shape []int
	// Base is the integer type behind an enum.
	Base string
}

var atomKinds = map[string]struct {
	kind string
	size int
}{
	"bool":    {"bool", 1},
	"int8":    {"int", 1},
	"int16":   {"int", 2},
	"int32":   {"int", 4},
	"int64":   {"int", 8},
	"uint8":   {"uint", 1},
	"uint16":  {"uint", 2},
	"uint32":  {"uint", 4},
	"uint64":  {"uint", 8},
	"float16": {"float", 2},
	"float32": {"float", 4},
	"float64": {"float", 8},
}

// NewAtom returns the atom of a numeric or bool type with an optional
// per-element shape.
func NewAtom(typ string, shape ...int) (Atom, error) {
	k, ok := atomKinds[typ]
	if !ok {
		return Atom{}, fmt.Errorf("%w: unknown atom type %q", ErrTypeMismatch, typ)
	}
	return Atom{Type: typ, Kind: k.kind, ItemSize: k.size, Shape: slices.Clone(shape)}, nil
}

// StringAtom returns a fixed-length string atom of itemSize bytes.
func StringAtom(itemSize int, shape ...int) Atom {
	return Atom{Type: "string", Kind: "string", ItemSize: max(itemSize, 1), Shape: slices.Clone(shape)}
}

// VLStringAtom returns a variable-length string atom.
func VLStringAtom() Atom {
	return Atom{Type: "vlstring", Kind: "string"}
}

// EnumAtom returns an enumerated atom stored as base, an integer type.
func EnumAtom(base string, shape ...int) (Atom, error) {
	a, err := NewAtom(base)
	if err != nil {
		return Atom{}, err
	}
	if a.Kind != "int" && a.Kind != "uint" {
		return Atom{}, fmt.Errorf("%w: enum base %q is not an integer type", ErrTypeMismatch, base)
	}
	return Atom{Type: "enum", Kind: "enum", ItemSize: a.ItemSize, Shape: slices.Clone(shape), Base: base}, nil
}

// Size returns the bytes one element of the atom takes, shape included.
func (a Atom) Size() int {
	n := a.ItemSize
	for _, v := range a.Shape {
		n *= v
	}
	return n
}

// Elems returns the number of scalar values in one element.
func (a Atom) Elems() int {
	n := 1
	for _, v := range a.Shape {
		n *= v
	}
	return n
}

func (a Atom) String() string {
	s := a.Type
	if a.Type == "string" {
		s = fmt.Sprintf("string%d", a.ItemSize)
	}
	if a.Type == "enum" {
		s = "enum(" + a.Base + ")"
	}
	if len(a.Shape) > 0 {
		s += fmt.Sprint(a.Shape)
	}
	return s
}

// atomOf maps an HDF5 datatype to an atom. Array datatypes become the
// atom's shape.
func atomOf(dt *core.Datatype) (Atom, error) {
	el, shape := dt.Elem()
	a, err := scalarAtom(el)
	if err != nil {
		return Atom{}, err
	}
	a.Shape = shape
	return a, nil
}

func scalarAtom(dt *core.Datatype) (Atom, error) {
	size := int(dt.Size)
	switch dt.Class {
	case core.ClassFixed:
		if !validIntSize(size) {
			return Atom{}, fmt.Errorf("%w: %d byte integer", ErrUnsupported, size)
		}
		if dt.Signed {
			return NewAtom(fmt.Sprintf("int%d", 8*size))
		}
		return NewAtom(fmt.Sprintf("uint%d", 8*size))
	case core.ClassFloat:
		switch size {
		case 2, 4, 8:
			return NewAtom(fmt.Sprintf("float%d", 8*size))
		}
		return Atom{}, fmt.Errorf("%w: %d byte float", ErrUnsupported, size)
	case core.ClassBitfield:
		if size == 1 {
			return NewAtom("bool")
		}
		if !validIntSize(size) {
			return Atom{}, fmt.Errorf("%w: %d byte bitfield", ErrUnsupported, size)
		}
		return NewAtom(fmt.Sprintf("uint%d", 8*size))
	case core.ClassString:
		return StringAtom(size), nil
	case core.ClassVarLen:
		if dt.VLenString {
			return VLStringAtom(), nil
		}
		return Atom{}, fmt.Errorf("%w: variable-length sequences", ErrUnsupported)
	case core.ClassEnum:
		base, err := scalarAtom(dt.Base)
		if err != nil {
			return Atom{}, err
		}
		return EnumAtom(base.Type)
	default:
		return Atom{Type: "opaque", Kind: "opaque", ItemSize: size}, nil
	}
}

func validIntSize(n int) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}

// byteOrderOf reports the byte order of a datatype, looking through
// arrays, enums and compound members.
func byteOrderOf(dt *core.Datatype) ByteOrder {
	switch dt.Class {
	case core.ClassArray, core.ClassEnum:
		return byteOrderOf(dt.Base)
	case core.ClassCompound:
		for _, m := range dt.Members {
			if o := byteOrderOf(m.Type); o != Irrelevant {
				return o
			}
		}
		return Irrelevant
	case core.ClassFixed, core.ClassFloat, core.ClassBitfield:
		if dt.Size <= 1 {
			return Irrelevant
		}
		if dt.BigEndian {
			return BigEndian
		}
		return LittleEndian
	}
	return Irrelevant
}

// datatype builds the HDF5 type that stores the atom.
func (a Atom) datatype(order ByteOrder, enum *Enum) (*core.Datatype, error) {
	big := order == BigEndian
	var dt *core.Datatype
	switch a.Kind {
	case "bool":
		dt = core.NewBool()
	case "int", "uint":
		dt = core.NewInteger(a.ItemSize, a.Kind == "int", big)
	case "float":
		if a.ItemSize != 4 && a.ItemSize != 8 {
			return nil, fmt.Errorf("%w: writing %s", ErrUnsupported, a.Type)
		}
		dt = core.NewFloat(a.ItemSize, big)
	case "string":
		if a.Type == "vlstring" {
			dt = core.NewVLenString(core.DefaultFormat)
		} else {
			dt = core.NewString(a.ItemSize, core.PadNullPad)
		}
	case "enum":
		if enum == nil {
			return nil, fmt.Errorf("%w: enum atom without an enum", ErrTypeMismatch)
		}
		base, err := NewAtom(a.Base)
		if err != nil {
			return nil, err
		}
		bt, err := base.datatype(order, nil)
		if err != nil {
			return nil, err
		}
		names := enum.Names()
		values := make([]int64, len(names))
		for i, n := range names {
			values[i], _ = enum.Value(n)
		}
		dt = core.NewEnum(bt, names, values)
	default:
		return nil, fmt.Errorf("%w: writing %s atoms", ErrUnsupported, a.Type)
	}
	if len(a.Shape) > 0 {
		dims := make([]uint32, len(a.Shape))
		for i, v := range a.Shape {
			if v <= 0 {
				return nil, fmt.Errorf("%w: atom shape %v", ErrTypeMismatch, a.Shape)
			}
			dims[i] = uint32(v) //nolint:gosec // checked positive
		}
		dt = core.NewArray(dt, dims)
	}
	return dt, nil
}

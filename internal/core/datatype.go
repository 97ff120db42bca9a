package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// DatatypeClass is the class field of a datatype message.
type DatatypeClass uint8

// Datatype classes.
const (
	ClassFixed     DatatypeClass = 0
	ClassFloat     DatatypeClass = 1
	ClassTime      DatatypeClass = 2
	ClassString    DatatypeClass = 3
	ClassBitfield  DatatypeClass = 4
	ClassOpaque    DatatypeClass = 5
	ClassCompound  DatatypeClass = 6
	ClassReference DatatypeClass = 7
	ClassEnum      DatatypeClass = 8
	ClassVarLen    DatatypeClass = 9
	ClassArray     DatatypeClass = 10
)

var classNames = [...]string{
	"integer", "float", "time", "string", "bitfield", "opaque",
	"compound", "reference", "enum", "vlen", "array",
}

func (c DatatypeClass) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// StringPadding is how fixed-length strings are terminated.
type StringPadding uint8

// String padding types.
const (
	PadNullTerm StringPadding = 0
	PadNullPad  StringPadding = 1
	PadSpacePad StringPadding = 2
)

const maxTypeDepth = 16

// CharSet is the character set of a string type.
type CharSet uint8

// Character sets.
const (
	CharSetASCII CharSet = 0
	CharSetUTF8  CharSet = 1
)

// Datatype is a decoded datatype message. Fields beyond Class and Size
// are meaningful only for the classes noted.
type Datatype struct {
	Class     DatatypeClass
	Version   uint8
	Size      uint32
	BigEndian bool

	// Fixed, float and bitfield.
	Signed    bool
	BitOffset uint16
	Precision uint16

	// Float.
	SignLocation uint8
	ExpLocation  uint8
	ExpSize      uint8
	MantLocation uint8
	MantSize     uint8
	ExpBias      uint32
	MantNorm     uint8

	// String and variable-length string.
	Padding StringPadding
	CharSet CharSet

	// Compound.
	Members []Member

	// Enum, array and variable-length sequence base type.
	Base *Datatype

	// Enum.
	EnumNames  []string
	EnumValues [][]byte

	// Array.
	ArrayDims []uint32

	// Variable-length.
	VLenString bool

	// Opaque.
	Tag string

	// Reference.
	RefType uint8
}

// Member is one field of a compound type.
type Member struct {
	Name   string
	Offset uint32
	Type   *Datatype
}

// ParseDatatype decodes a datatype message and returns it with the number
// of bytes it occupied.
func ParseDatatype(data []byte) (*Datatype, int, error) {
	d := NewDecoder(data, DefaultFormat)
	dt := parseDatatype(d, 0)
	if d.err != nil {
		return nil, 0, utils.WrapError("datatype message", d.err)
	}
	return dt, d.pos, nil
}

//nolint:gocognit,gocyclo,cyclop,funlen // one branch per class
func parseDatatype(d *Decoder, depth int) *Datatype {
	if depth > maxTypeDepth {
		d.Failf("datatype nesting deeper than %d", maxTypeDepth)
		return nil
	}
	head := d.U8()
	b0, b1 := d.U8(), d.U8()
	d.Skip(1)
	dt := &Datatype{
		Class:   DatatypeClass(head & 0x0f),
		Version: head >> 4,
		Size:    d.U32(),
	}
	if d.err != nil {
		return nil
	}
	if dt.Version < 1 || dt.Version > 4 {
		d.Failf("datatype version %d", dt.Version)
		return nil
	}

	switch dt.Class {
	case ClassFixed, ClassBitfield:
		dt.BigEndian = b0&0x01 != 0
		dt.Signed = dt.Class == ClassFixed && b0&0x08 != 0
		dt.BitOffset = d.U16()
		dt.Precision = d.U16()

	case ClassFloat:
		dt.BigEndian = b0&0x01 != 0
		if b0&0x40 != 0 {
			d.Failf("VAX float byte order")
			return nil
		}
		dt.MantNorm = (b0 >> 4) & 0x03
		dt.SignLocation = b1
		dt.BitOffset = d.U16()
		dt.Precision = d.U16()
		dt.ExpLocation = d.U8()
		dt.ExpSize = d.U8()
		dt.MantLocation = d.U8()
		dt.MantSize = d.U8()
		dt.ExpBias = d.U32()

	case ClassTime:
		dt.BigEndian = b0&0x01 != 0
		dt.Precision = d.U16()

	case ClassString:
		dt.Padding = StringPadding(b0 & 0x0f)
		dt.CharSet = CharSet(b0 >> 4)

	case ClassOpaque:
		n := int(b0)
		if n > 0 {
			tag := d.Bytes(n)
			dt.Tag = trimNul(tag)
		}

	case ClassCompound:
		parseCompound(d, dt, int(b0)|int(b1)<<8, depth)

	case ClassReference:
		dt.RefType = b0 & 0x0f

	case ClassEnum:
		count := int(b0) | int(b1)<<8
		dt.Base = parseDatatype(d, depth+1)
		if d.err != nil {
			return nil
		}
		dt.EnumNames = make([]string, count)
		for i := range dt.EnumNames {
			dt.EnumNames[i] = parseMemberName(d, dt.Version)
		}
		dt.EnumValues = make([][]byte, count)
		for i := range dt.EnumValues {
			dt.EnumValues[i] = d.Bytes(int(dt.Base.Size))
		}

	case ClassVarLen:
		dt.VLenString = b0&0x0f == 1
		dt.Padding = StringPadding((b0 >> 4) & 0x0f)
		dt.CharSet = CharSet(b1 & 0x0f)
		dt.Base = parseDatatype(d, depth+1)

	case ClassArray:
		ndims := int(d.U8())
		if dt.Version < 3 {
			d.Skip(3)
		}
		dt.ArrayDims = make([]uint32, ndims)
		for i := range dt.ArrayDims {
			dt.ArrayDims[i] = d.U32()
		}
		if dt.Version < 3 {
			d.Skip(4 * ndims) // permutation
		}
		dt.Base = parseDatatype(d, depth+1)

	default:
		d.Failf("datatype class %d", dt.Class)
		return nil
	}
	return dt
}

// parseMemberName reads a compound or enum member name. Versions 1 and 2
// pad the name with its terminator to a multiple of eight bytes.
func parseMemberName(d *Decoder, version uint8) string {
	start := d.pos
	name := d.CString()
	if version < 3 {
		used := d.pos - start
		d.Skip(Padded8(used) - used)
	}
	return name
}

func parseCompound(d *Decoder, dt *Datatype, count, depth int) {
	dt.Members = make([]Member, 0, count)
	for i := 0; i < count && d.err == nil; i++ {
		m := Member{Name: parseMemberName(d, dt.Version)}
		switch dt.Version {
		case 1:
			m.Offset = d.U32()
			ndims := int(d.U8())
			d.Skip(3 + 4 + 4) // reserved, permutation, reserved
			dims := make([]uint32, 4)
			for j := range dims {
				dims[j] = d.U32()
			}
			m.Type = parseDatatype(d, depth+1)
			if ndims > 0 && m.Type != nil {
				if ndims > 4 {
					d.Failf("compound member %q has %d dimensions", m.Name, ndims)
					return
				}
				m.Type = NewArray(m.Type, dims[:ndims])
			}
		case 2:
			m.Offset = d.U32()
			m.Type = parseDatatype(d, depth+1)
		default:
			//nolint:gosec // G115: compound sizes are far below 4GB
			m.Offset = uint32(d.Uvar(BytesFor(uint64(dt.Size))))
			m.Type = parseDatatype(d, depth+1)
		}
		if d.err != nil {
			return
		}
		if uint64(m.Offset)+uint64(m.Type.Size) > uint64(dt.Size) {
			d.Failf("compound member %q at %d+%d overflows size %d", m.Name, m.Offset, m.Type.Size, dt.Size)
			return
		}
		dt.Members = append(dt.Members, m)
	}
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Encode serializes the datatype message.
func (dt *Datatype) Encode() []byte {
	e := NewEncoder(DefaultFormat, 64)
	dt.encode(e)
	return e.buf
}

//nolint:gocyclo,cyclop // one branch per class
func (dt *Datatype) encode(e *Encoder) {
	version := dt.Version
	if version == 0 {
		version = 1
		switch dt.Class {
		case ClassCompound, ClassEnum, ClassArray:
			version = 3
		}
	}
	var b0, b1 uint8
	order := uint8(0)
	if dt.BigEndian {
		order = 1
	}

	switch dt.Class {
	case ClassFixed:
		b0 = order
		if dt.Signed {
			b0 |= 0x08
		}
	case ClassBitfield, ClassTime:
		b0 = order
	case ClassFloat:
		b0 = order | dt.MantNorm<<4
		b1 = dt.SignLocation
	case ClassString:
		b0 = uint8(dt.Padding) | uint8(dt.CharSet)<<4
	case ClassOpaque:
		b0 = uint8(Padded8(len(dt.Tag) + 1)) //nolint:gosec // tags are short
	case ClassCompound:
		b0, b1 = uint8(len(dt.Members)), uint8(len(dt.Members)>>8) //nolint:gosec // member count fits 16 bits
	case ClassEnum:
		b0, b1 = uint8(len(dt.EnumNames)), uint8(len(dt.EnumNames)>>8) //nolint:gosec // member count fits 16 bits
	case ClassVarLen:
		if dt.VLenString {
			b0 = 1
		}
		b0 |= uint8(dt.Padding) << 4
		b1 = uint8(dt.CharSet)
	case ClassReference:
		b0 = dt.RefType
	}

	e.U8(uint8(dt.Class) | version<<4)
	e.U8(b0)
	e.U8(b1)
	e.U8(0)
	e.U32(dt.Size)

	switch dt.Class {
	case ClassFixed, ClassBitfield:
		e.U16(dt.BitOffset)
		e.U16(dt.Precision)
	case ClassTime:
		e.U16(dt.Precision)
	case ClassFloat:
		e.U16(dt.BitOffset)
		e.U16(dt.Precision)
		e.U8(dt.ExpLocation)
		e.U8(dt.ExpSize)
		e.U8(dt.MantLocation)
		e.U8(dt.MantSize)
		e.U32(dt.ExpBias)
	case ClassOpaque:
		start := len(e.buf)
		e.CString(dt.Tag)
		for (len(e.buf)-start)%8 != 0 {
			e.U8(0)
		}
	case ClassCompound:
		for _, m := range dt.Members {
			encodeMemberName(e, m.Name, version)
			switch version {
			case 1:
				e.U32(m.Offset)
				e.Zeros(1 + 3 + 4 + 4 + 16)
			case 2:
				e.U32(m.Offset)
			default:
				e.Uvar(uint64(m.Offset), BytesFor(uint64(dt.Size)))
			}
			m.Type.encode(e)
		}
	case ClassEnum:
		dt.Base.encode(e)
		for _, name := range dt.EnumNames {
			encodeMemberName(e, name, version)
		}
		for _, v := range dt.EnumValues {
			e.Raw(v)
		}
	case ClassVarLen:
		dt.Base.encode(e)
	case ClassArray:
		e.U8(uint8(len(dt.ArrayDims))) //nolint:gosec // rank is small
		if version < 3 {
			e.Zeros(3)
		}
		for _, v := range dt.ArrayDims {
			e.U32(v)
		}
		if version < 3 {
			e.Zeros(4 * len(dt.ArrayDims))
		}
		dt.Base.encode(e)
	}
}

func encodeMemberName(e *Encoder, name string, version uint8) {
	start := len(e.buf)
	e.CString(name)
	if version < 3 {
		for (len(e.buf)-start)%8 != 0 {
			e.U8(0)
		}
	}
}

// NewInteger returns a fixed-point type of size bytes.
func NewInteger(size int, signed, bigEndian bool) *Datatype {
	//nolint:gosec // G115: sizes are 1, 2, 4 or 8
	return &Datatype{Class: ClassFixed, Size: uint32(size), Signed: signed, BigEndian: bigEndian, Precision: uint16(8 * size)}
}

// NewFloat returns an IEEE float of 4 or 8 bytes.
func NewFloat(size int, bigEndian bool) *Datatype {
	dt := &Datatype{Class: ClassFloat, BigEndian: bigEndian, MantNorm: 2}
	if size == 4 {
		dt.Size, dt.Precision = 4, 32
		dt.SignLocation, dt.ExpLocation, dt.ExpSize, dt.MantSize, dt.ExpBias = 31, 23, 8, 23, 127
		return dt
	}
	dt.Size, dt.Precision = 8, 64
	dt.SignLocation, dt.ExpLocation, dt.ExpSize, dt.MantSize, dt.ExpBias = 63, 52, 11, 52, 1023
	return dt
}

// NewBool returns the 8-bit bitfield used for booleans.
func NewBool() *Datatype {
	return &Datatype{Class: ClassBitfield, Size: 1, Precision: 8}
}

// NewString returns a fixed-length string of size bytes.
func NewString(size int, pad StringPadding) *Datatype {
	return &Datatype{Class: ClassString, Size: uint32(max(size, 1)), Padding: pad} //nolint:gosec // small sizes
}

// NewVLenString returns a variable-length UTF-8 string type.
func NewVLenString(f Format) *Datatype {
	return &Datatype{
		Class:      ClassVarLen,
		Size:       uint32(4 + f.OffsetSize + 4), //nolint:gosec // small constant
		VLenString: true,
		CharSet:    CharSetUTF8,
		Base:       &Datatype{Class: ClassFixed, Size: 1, Precision: 8},
	}
}

// NewArray wraps base in an array type of the given dimensions.
func NewArray(base *Datatype, dims []uint32) *Datatype {
	size := base.Size
	for _, v := range dims {
		size *= v
	}
	return &Datatype{Class: ClassArray, Version: 3, Size: size, Base: base, ArrayDims: dims}
}

// NewEnum builds an enum over an integer base type. values are encoded in
// the base type's byte order.
func NewEnum(base *Datatype, names []string, values []int64) *Datatype {
	dt := &Datatype{Class: ClassEnum, Size: base.Size, Base: base, EnumNames: names}
	for _, v := range values {
		dt.EnumValues = append(dt.EnumValues, EncodeInt(v, int(base.Size), base.BigEndian))
	}
	return dt
}

// NewCompound builds a compound type whose members are packed in order.
func NewCompound(names []string, types []*Datatype) *Datatype {
	dt := &Datatype{Class: ClassCompound}
	for i, t := range types {
		dt.Members = append(dt.Members, Member{Name: names[i], Offset: dt.Size, Type: t})
		dt.Size += t.Size
	}
	return dt
}

// Member returns the compound member with the given name.
func (dt *Datatype) Member(name string) (Member, bool) {
	for _, m := range dt.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// Elem returns the innermost non-array type and the accumulated shape.
func (dt *Datatype) Elem() (*Datatype, []int) {
	var shape []int
	t := dt
	for t.Class == ClassArray {
		for _, v := range t.ArrayDims {
			shape = append(shape, int(v))
		}
		t = t.Base
	}
	return t, shape
}

// EncodeInt encodes v as a size-byte integer.
func EncodeInt(v int64, size int, bigEndian bool) []byte {
	out := make([]byte, size)
	//nolint:gosec // G115: two's complement bit pattern is intended
	u := uint64(v)
	for i := 0; i < size; i++ {
		b := byte(u >> (8 * uint(i)))
		if bigEndian {
			out[size-1-i] = b
		} else {
			out[i] = b
		}
	}
	return out
}

// DecodeInt decodes a size-byte integer, sign-extending when signed.
func DecodeInt(b []byte, signed, bigEndian bool) int64 {
	var u uint64
	n := len(b)
	for i := 0; i < n; i++ {
		var c byte
		if bigEndian {
			c = b[i]
		} else {
			c = b[n-1-i]
		}
		u = u<<8 | uint64(c)
	}
	if signed && n < 8 && n > 0 && u&(1<<(8*uint(n)-1)) != 0 {
		u |= ^uint64(0) << (8 * uint(n))
	}
	return int64(u) //nolint:gosec // two's complement reinterpretation
}

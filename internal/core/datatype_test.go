package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/tables/internal/utils"
)

// roundTrip encodes dt, parses it back and checks the second encoding is
// identical.
func roundTrip(t *testing.T, dt *Datatype) *Datatype {
	t.Helper()
	raw := dt.Encode()
	got, n, err := ParseDatatype(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.Equal(t, raw, got.Encode())
	return got
}

func TestDatatype_RoundTripScalars(t *testing.T) {
	tests := []struct {
		name string
		dt   *Datatype
	}{
		{"int8", NewInteger(1, true, false)},
		{"uint16_be", NewInteger(2, false, true)},
		{"int64", NewInteger(8, true, false)},
		{"float32", NewFloat(4, false)},
		{"float64_be", NewFloat(8, true)},
		{"bool", NewBool()},
		{"string_nullpad", NewString(16, PadNullPad)},
		{"string_spacepad", NewString(3, PadSpacePad)},
		{"vlen_string", NewVLenString(DefaultFormat)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.dt)
			require.Equal(t, tt.dt.Class, got.Class)
			require.Equal(t, tt.dt.Size, got.Size)
			require.Equal(t, tt.dt.BigEndian, got.BigEndian)
			require.Equal(t, tt.dt.Signed, got.Signed)
			require.Equal(t, tt.dt.Padding, got.Padding)
			require.Equal(t, tt.dt.VLenString, got.VLenString)
		})
	}
}

func TestDatatype_Float(t *testing.T) {
	got := roundTrip(t, NewFloat(8, false))
	require.Equal(t, uint8(63), got.SignLocation)
	require.Equal(t, uint8(52), got.ExpLocation)
	require.Equal(t, uint8(11), got.ExpSize)
	require.Equal(t, uint8(52), got.MantSize)
	require.Equal(t, uint32(1023), got.ExpBias)
	require.Equal(t, uint8(2), got.MantNorm)
}

func TestDatatype_Compound(t *testing.T) {
	pos := NewCompound([]string{"x", "y"}, []*Datatype{NewFloat(4, false), NewFloat(4, false)})
	dt := NewCompound(
		[]string{"id", "name", "pos", "vec"},
		[]*Datatype{NewInteger(4, true, false), NewString(8, PadNullPad), pos, NewArray(NewFloat(8, false), []uint32{2, 3})},
	)
	require.Equal(t, uint32(4+8+8+48), dt.Size)

	got := roundTrip(t, dt)
	require.Equal(t, uint8(3), got.Version)
	require.Len(t, got.Members, 4)
	m, ok := got.Member("pos")
	require.True(t, ok)
	require.Equal(t, uint32(12), m.Offset)
	require.Len(t, m.Type.Members, 2)
	_, ok = got.Member("missing")
	require.False(t, ok)

	m, _ = got.Member("vec")
	el, shape := m.Type.Elem()
	require.Equal(t, ClassFloat, el.Class)
	require.Equal(t, []int{2, 3}, shape)
}

func TestDatatype_CompoundVersion1ArrayMember(t *testing.T) {
	// Version 1 compounds carry member dimensions inline.
	e := NewEncoder(DefaultFormat, 64)
	e.U8(uint8(ClassCompound) | 1<<4)
	e.U8(1)
	e.U8(0)
	e.U8(0)
	e.U32(12)
	e.CString("v")
	e.PadTo(8)
	e.U32(0) // offset
	e.U8(1)  // rank
	e.Zeros(11)
	e.U32(3)
	e.Zeros(12)
	e.Raw(NewFloat(4, false).Encode())

	dt, _, err := ParseDatatype(e.Bytes())
	require.NoError(t, err)
	require.Len(t, dt.Members, 1)
	require.Equal(t, ClassArray, dt.Members[0].Type.Class)
	require.Equal(t, []uint32{3}, dt.Members[0].Type.ArrayDims)
	require.Equal(t, uint32(12), dt.Members[0].Type.Size)
}

func TestDatatype_Enum(t *testing.T) {
	dt := NewEnum(NewInteger(2, false, true), []string{"red", "green"}, []int64{1, 300})
	got := roundTrip(t, dt)
	require.Equal(t, []string{"red", "green"}, got.EnumNames)
	require.Equal(t, []byte{0x01, 0x2c}, got.EnumValues[1])
	require.Equal(t, int64(300), DecodeInt(got.EnumValues[1], false, true))
	require.True(t, got.Base.BigEndian)
}

func TestDatatype_Opaque(t *testing.T) {
	got := roundTrip(t, &Datatype{Class: ClassOpaque, Size: 4, Tag: "blob"})
	require.Equal(t, "blob", got.Tag)
}

func TestParseDatatype_Errors(t *testing.T) {
	deep := NewInteger(4, true, false)
	for i := 0; i < maxTypeDepth+2; i++ {
		deep = NewArray(deep, []uint32{1})
	}
	overflow := NewCompound([]string{"a"}, []*Datatype{NewInteger(8, true, false)})
	overflow.Size = 4

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", NewFloat(8, false).Encode()[:10]},
		{"version_zero", []byte{0x00, 0, 0, 0, 4, 0, 0, 0}},
		{"unknown_class", []byte{0x1f, 0, 0, 0, 4, 0, 0, 0}},
		{"too_deep", deep.Encode()},
		{"member_overflow", overflow.Encode()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseDatatype(tt.data)
			require.ErrorIs(t, err, utils.ErrCorrupt)
		})
	}
}

func TestEncodeDecodeInt(t *testing.T) {
	tests := []struct {
		v      int64
		size   int
		signed bool
		big    bool
		raw    []byte
	}{
		{-1, 1, true, false, []byte{0xff}},
		{-2, 2, true, true, []byte{0xff, 0xfe}},
		{0x01020304, 4, false, false, []byte{4, 3, 2, 1}},
		{0x01020304, 4, false, true, []byte{1, 2, 3, 4}},
		{-5, 8, true, false, []byte{0xfb, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{200, 1, false, false, []byte{200}},
	}
	for _, tt := range tests {
		raw := EncodeInt(tt.v, tt.size, tt.big)
		require.Equal(t, tt.raw, raw)
		require.Equal(t, tt.v, DecodeInt(raw, tt.signed, tt.big))
	}
	// The same byte unsigned.
	require.Equal(t, int64(255), DecodeInt([]byte{0xff}, false, false))
}

func TestDatatypeClass_String(t *testing.T) {
	require.Equal(t, "compound", ClassCompound.String())
	require.Equal(t, "vlen", ClassVarLen.String())
	require.Equal(t, "class(14)", DatatypeClass(14).String())
}

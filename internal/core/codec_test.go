package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/tables/internal/utils"
)

func TestEncoderDecoder_RoundTrip(t *testing.T) {
	for _, f := range []Format{{OffsetSize: 8, LengthSize: 8}, {OffsetSize: 4, LengthSize: 4}, {OffsetSize: 2, LengthSize: 4}} {
		e := NewEncoder(f, 0)
		e.U8(0xab)
		e.U16(0x1234)
		e.U32(0xdeadbeef)
		e.U64(1 << 40)
		e.Addr(0x100)
		e.Addr(UndefinedAddress)
		e.Length(77)
		e.Uvar(0x030201, 3)
		e.CString("name")
		e.PadTo(8)
		e.Raw([]byte("TREE"))

		d := NewDecoder(e.Bytes(), f)
		require.Equal(t, uint8(0xab), d.U8())
		require.Equal(t, uint16(0x1234), d.U16())
		require.Equal(t, uint32(0xdeadbeef), d.U32())
		require.Equal(t, uint64(1<<40), d.U64())
		require.Equal(t, uint64(0x100), d.Addr())
		require.Equal(t, UndefinedAddress, d.Addr())
		require.Equal(t, uint64(77), d.Length())
		require.Equal(t, uint64(0x030201), d.Uvar(3))
		require.Equal(t, "name", d.CString())
		d.Align(8)
		d.Signature("TREE")
		require.NoError(t, d.Err())
		require.Zero(t, d.Remaining())
		require.Equal(t, e.Len(), d.Pos())
	}
}

func TestDecoder_StickyError(t *testing.T) {
	d := NewDecoder([]byte{1, 2, 3}, DefaultFormat)
	require.Equal(t, uint16(0x0201), d.U16())
	require.Zero(t, d.U32())
	require.ErrorIs(t, d.Err(), utils.ErrCorrupt)

	// Later reads return zero values and keep the first error.
	first := d.Err()
	require.Zero(t, d.U8())
	require.Nil(t, d.Bytes(1))
	require.Equal(t, "", d.CString())
	require.Equal(t, first, d.Err())
	require.Zero(t, d.Remaining())
}

func TestDecoder_Failures(t *testing.T) {
	tests := []struct {
		name string
		run  func(d *Decoder)
	}{
		{"bad_signature", func(d *Decoder) { d.Signature("HEAP") }},
		{"unterminated_string", func(d *Decoder) { d.CString() }},
		{"wide_integer", func(d *Decoder) { d.Uvar(9) }},
		{"negative_length", func(d *Decoder) { d.Bytes(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder([]byte("TREExxxxxxxx"), DefaultFormat)
			tt.run(d)
			require.ErrorIs(t, d.Err(), utils.ErrCorrupt)
		})
	}
}

func TestBytesFor(t *testing.T) {
	tests := []struct {
		v    uint64
		want int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{1 << 24, 4},
		{^uint64(0), 8},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, BytesFor(tt.v), "v=%d", tt.v)
	}
}

func TestPadded8(t *testing.T) {
	require.Equal(t, 0, Padded8(0))
	require.Equal(t, 8, Padded8(1))
	require.Equal(t, 8, Padded8(8))
	require.Equal(t, 16, Padded8(9))
}

func TestIsUndefined_NarrowOffsets(t *testing.T) {
	require.True(t, isUndefined(0xffffffff, 4))
	require.False(t, isUndefined(0xfffffffe, 4))
	require.True(t, isUndefined(0xffff, 2))
	require.True(t, isUndefined(UndefinedAddress, 8))
}

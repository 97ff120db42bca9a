package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLink_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		link *Link
	}{
		{"hard", &Link{Name: "table", Type: LinkHard, Address: 0x1234}},
		{"soft", &Link{Name: "alias", Type: LinkSoft, Target: "/group/table"}},
		{"external", &Link{Name: "ext", Type: LinkExternal, ExternalFile: "other.h5", ExternalPath: "/a/b"}},
		{"creation_order", &Link{Name: "ordered", Type: LinkHard, Address: 8, CreationOrder: 41, HasCreationOrder: true}},
		{"utf8", &Link{Name: "données", Type: LinkHard, Address: 96, CharSet: CharSetUTF8}},
		{"long_name", &Link{Name: strings.Repeat("n", 300), Type: LinkHard, Address: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLink(tt.link.Encode(DefaultFormat), DefaultFormat)
			require.NoError(t, err)
			want := *tt.link
			if want.Type != LinkHard {
				want.Address = UndefinedAddress
			}
			require.Equal(t, &want, got)
		})
	}
}

func TestLink_NameWidth(t *testing.T) {
	short := (&Link{Name: "x", Address: 1}).Encode(DefaultFormat)
	require.Zero(t, short[1]&0x03)
	long := (&Link{Name: strings.Repeat("x", 256), Address: 1}).Encode(DefaultFormat)
	require.Equal(t, uint8(0x01), long[1]&0x03)
}

func TestParseLink_Errors(t *testing.T) {
	_, err := ParseLink([]byte{2, 0}, DefaultFormat)
	require.Error(t, err)

	raw := (&Link{Name: "table", Address: 0x1234}).Encode(DefaultFormat)
	_, err = ParseLink(raw[:len(raw)-3], DefaultFormat)
	require.Error(t, err)
}

func TestParseLink_UserDefined(t *testing.T) {
	e := NewEncoder(DefaultFormat, 16)
	e.U8(1)
	e.U8(0x08)
	e.U8(99)
	e.U8(1)
	e.Raw([]byte("u"))
	e.U16(3)
	e.Raw([]byte{1, 2, 3})

	l, err := ParseLink(e.Bytes(), DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, LinkType(99), l.Type)
	require.Equal(t, "u", l.Name)
}

func TestLinkInfo(t *testing.T) {
	li := NewCompactLinkInfo()
	got, err := ParseLinkInfo(li.Encode(DefaultFormat), DefaultFormat)
	require.NoError(t, err)
	require.False(t, got.Dense())
	require.Equal(t, UndefinedAddress, got.CreationOrderIndexAddress)

	dense := &LinkInfo{
		Flags:                     0x03,
		MaxCreationIndex:          12,
		HeapAddress:               0x400,
		NameIndexAddress:          0x500,
		CreationOrderIndexAddress: 0x600,
	}
	got, err = ParseLinkInfo(dense.Encode(DefaultFormat), DefaultFormat)
	require.NoError(t, err)
	require.True(t, got.Dense())
	require.Equal(t, dense, got)

	_, err = ParseLinkInfo([]byte{1, 0}, DefaultFormat)
	require.Error(t, err)
	_, err = ParseLinkInfo([]byte{0, 0, 1}, DefaultFormat)
	require.Error(t, err)
}

func TestSymbolTableMessage(t *testing.T) {
	st := &SymbolTable{BTreeAddress: 0x88, HeapAddress: 0x2a0}
	got, err := ParseSymbolTable(st.Encode(DefaultFormat), DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, st, got)

	_, err = ParseSymbolTable([]byte{1, 2, 3}, DefaultFormat)
	require.Error(t, err)
}

func TestParseAttributeInfo(t *testing.T) {
	e := NewEncoder(DefaultFormat, 32)
	e.U8(0)
	e.U8(0x03)
	e.U16(7) // maximum creation index
	e.Addr(0x100)
	e.Addr(0x200)
	e.Addr(0x300)

	ai, err := ParseAttributeInfo(e.Bytes(), DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, &AttributeInfo{
		Flags:                     0x03,
		HeapAddress:               0x100,
		NameIndexAddress:          0x200,
		CreationOrderIndexAddress: 0x300,
	}, ai)

	e = NewEncoder(DefaultFormat, 32)
	e.U8(0)
	e.U8(0)
	e.Addr(UndefinedAddress)
	e.Addr(UndefinedAddress)
	ai, err = ParseAttributeInfo(e.Bytes(), DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, UndefinedAddress, ai.HeapAddress)
	require.Equal(t, UndefinedAddress, ai.CreationOrderIndexAddress)

	_, err = ParseAttributeInfo([]byte{4}, DefaultFormat)
	require.Error(t, err)
}

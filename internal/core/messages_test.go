package core

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/tables/internal/filters"
	"github.com/scigolib/tables/internal/utils"
)

func TestDataspace_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ds   *Dataspace
		n    uint64
	}{
		{"scalar", NewDataspace(nil, nil), 1},
		{"simple", NewDataspace([]uint64{10, 20}, nil), 200},
		{"unlimited", NewDataspace([]uint64{0, 3}, []uint64{Unlimited, 3}), 0},
		{"null", &Dataspace{Version: 2, Kind: DataspaceNull}, 0},
		{"version1", &Dataspace{Version: 1, Kind: DataspaceSimple, Dims: []uint64{4}, MaxDims: []uint64{8}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDataspace(tt.ds.Encode(DefaultFormat), DefaultFormat)
			require.NoError(t, err)
			require.Equal(t, tt.ds.Kind, got.Kind)
			require.Equal(t, len(tt.ds.Dims), got.Rank())
			require.Equal(t, tt.n, got.NumElements())
			if tt.ds.MaxDims != nil {
				require.Equal(t, tt.ds.MaxDims, got.MaxDims)
			}
		})
	}
}

func TestDataspace_UnlimitedDim(t *testing.T) {
	require.Equal(t, 1, NewDataspace([]uint64{2, 0}, []uint64{2, Unlimited}).UnlimitedDim())
	require.Equal(t, -1, NewDataspace([]uint64{2}, []uint64{2}).UnlimitedDim())
	require.Equal(t, -1, NewDataspace([]uint64{2}, nil).UnlimitedDim())
}

func TestParseDataspace_NarrowLengths(t *testing.T) {
	// Four-byte lengths; all ones in a maximum means unlimited.
	f := Format{OffsetSize: 4, LengthSize: 4}
	data := make([]byte, 16)
	data[0] = 1 // version
	data[1] = 1 // rank
	data[2] = 1 // has maxima
	binary.LittleEndian.PutUint32(data[8:12], 5)
	binary.LittleEndian.PutUint32(data[12:16], 0xffffffff)

	ds, err := ParseDataspace(data, f)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, ds.Dims)
	require.Equal(t, []uint64{Unlimited}, ds.MaxDims)
	require.Equal(t, 0, ds.UnlimitedDim())
}

func TestParseDataspace_Errors(t *testing.T) {
	_, err := ParseDataspace([]byte{3, 0, 0, 0}, DefaultFormat)
	require.Error(t, err)
	_, err = ParseDataspace([]byte{2, 0, 0, 7}, DefaultFormat)
	require.ErrorIs(t, err, utils.ErrCorrupt)
	_, err = ParseDataspace([]byte{2, 2, 0, 1, 1}, DefaultFormat)
	require.ErrorIs(t, err, utils.ErrCorrupt)
}

func TestLayout_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		l    *Layout
	}{
		{"contiguous", NewContiguousLayout(0x800, 4096)},
		{"chunked", NewChunkedLayout([]uint64{16, 4}, 8)},
		{"compact", NewCompactLayout([]byte{1, 2, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.l.Encode(DefaultFormat)
			require.NoError(t, err)
			got, err := ParseLayout(raw, DefaultFormat)
			require.NoError(t, err)
			require.Equal(t, tt.l.Class, got.Class)
			if tt.l.Class != LayoutCompact {
				require.Equal(t, tt.l.Address, got.Address)
			}
			require.Equal(t, tt.l.ChunkDims, got.ChunkDims)
			require.Equal(t, tt.l.ElementSize, got.ElementSize)
			require.Equal(t, tt.l.CompactData, got.CompactData)
		})
	}
}

func TestLayout_PatchAddress(t *testing.T) {
	l := NewChunkedLayout([]uint64{10}, 4)
	raw, err := l.Encode(DefaultFormat)
	require.NoError(t, err)
	parsed, err := ParseLayout(raw, DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, UndefinedAddress, parsed.Address)

	patched, err := parsed.PatchAddress(raw, DefaultFormat, 0x1234)
	require.NoError(t, err)
	require.Len(t, patched, len(raw))
	require.Equal(t, uint64(0x1234), parsed.Address)

	again, err := ParseLayout(patched, DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1234), again.Address)
	require.Equal(t, []uint64{10}, again.ChunkDims)

	compact, err := ParseLayout(mustEncode(t, NewCompactLayout([]byte{9})), DefaultFormat)
	require.NoError(t, err)
	_, err = compact.PatchAddress(raw, DefaultFormat, 1)
	require.Error(t, err)
}

func mustEncode(t *testing.T, l *Layout) []byte {
	t.Helper()
	raw, err := l.Encode(DefaultFormat)
	require.NoError(t, err)
	return raw
}

func TestParseLayout_Version1Chunked(t *testing.T) {
	e := NewEncoder(DefaultFormat, 64)
	e.U8(1)
	e.U8(3) // rank including the element size
	e.U8(uint8(LayoutChunked))
	e.Zeros(5)
	e.Addr(0x400)
	e.U32(8)
	e.U32(2)
	e.U32(4)

	l, err := ParseLayout(e.Bytes(), DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, LayoutChunked, l.Class)
	require.Equal(t, []uint64{8, 2}, l.ChunkDims)
	require.Equal(t, uint32(4), l.ElementSize)
	require.Equal(t, uint64(0x400), l.Address)
	require.Equal(t, IndexBTreeV1, l.IndexType)
}

func TestParseLayout_Version4SingleChunk(t *testing.T) {
	e := NewEncoder(DefaultFormat, 64)
	e.U8(4)
	e.U8(uint8(LayoutChunked))
	e.U8(0x02) // filtered single chunk
	e.U8(2)
	e.U8(2) // dimension width
	e.Uvar(100, 2)
	e.Uvar(8, 2)
	e.U8(uint8(IndexSingleChunk))
	e.Length(321)
	e.U32(0)
	e.Addr(0x900)

	l, err := ParseLayout(e.Bytes(), DefaultFormat)
	require.NoError(t, err)
	require.Equal(t, IndexSingleChunk, l.IndexType)
	require.Equal(t, uint64(321), l.SingleFilteredSize)
	require.Equal(t, []uint64{100}, l.ChunkDims)
	require.Equal(t, uint64(0x900), l.Address)

	// Version 4 chunk indexes cannot be written back.
	_, err = l.Encode(DefaultFormat)
	require.Error(t, err)
}

func TestParseLayout_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"version", []byte{9, 0}},
		{"virtual", []byte{4, 3}},
		{"class", []byte{3, 7}},
		{"rank_too_small", []byte{3, 2, 1, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"truncated", []byte{3, 1, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLayout(tt.data, DefaultFormat)
			require.Error(t, err)
		})
	}
}

func TestFilterPipeline_RoundTrip(t *testing.T) {
	fp := &FilterPipeline{Version: 2, Stages: []filters.Stage{
		{ID: filters.Shuffle, Optional: true, ClientData: []uint32{8}},
		{ID: filters.Deflate, Optional: true, ClientData: []uint32{6}},
		{ID: filters.LZF, Optional: true, ClientData: []uint32{4, 0, 4096}},
		{ID: filters.Fletcher32},
	}}
	got, err := ParseFilterPipeline(fp.Encode())
	require.NoError(t, err)
	require.Len(t, got.Stages, 4)
	require.Equal(t, "lzf", got.Stages[2].Name)
	require.Equal(t, "", got.Stages[0].Name)
	for i, st := range fp.Stages {
		require.Equal(t, st.ID, got.Stages[i].ID)
		require.Equal(t, st.Optional, got.Stages[i].Optional)
		if len(st.ClientData) == 0 {
			require.Empty(t, got.Stages[i].ClientData)
			continue
		}
		require.Equal(t, st.ClientData, got.Stages[i].ClientData)
	}
	require.True(t, got.Has(filters.Deflate))
	require.False(t, got.Has(filters.Szip))
}

func TestParseFilterPipeline_Version1(t *testing.T) {
	// Version 1 pads names to eight bytes and client data to an even count.
	e := NewEncoder(DefaultFormat, 64)
	e.U8(1)
	e.U8(2)
	e.Zeros(6)
	e.U16(filters.Deflate)
	e.U16(8)
	e.U16(0)
	e.U16(1)
	e.Raw([]byte("deflate\x00"))
	e.U32(9)
	e.U32(0)
	e.U16(filters.Szip)
	e.U16(0)
	e.U16(1)
	e.U16(2)
	e.U32(141)
	e.U32(32)

	fp, err := ParseFilterPipeline(e.Bytes())
	require.NoError(t, err)
	require.Len(t, fp.Stages, 2)
	require.Equal(t, "deflate", fp.Stages[0].Name)
	require.Equal(t, []uint32{9}, fp.Stages[0].ClientData)
	require.True(t, fp.Stages[1].Optional)
	require.Equal(t, []uint32{141, 32}, fp.Stages[1].ClientData)
}

func TestParseFilterPipeline_Errors(t *testing.T) {
	_, err := ParseFilterPipeline([]byte{3, 0})
	require.Error(t, err)
	_, err = ParseFilterPipeline([]byte{2, 1, 1, 0})
	require.ErrorIs(t, err, utils.ErrCorrupt)
}

func TestFillValue(t *testing.T) {
	fv := &FillValue{AllocTime: AllocIncremental, WriteTime: FillWriteIfSet, Value: []byte{1, 0, 0, 0}}
	got, err := ParseFillValue(fv.Encode())
	require.NoError(t, err)
	require.Equal(t, uint8(3), got.Version)
	require.True(t, got.Defined)
	require.Equal(t, uint8(AllocIncremental), got.AllocTime)
	require.Equal(t, uint8(FillWriteIfSet), got.WriteTime)
	require.Equal(t, []byte{1, 0, 0, 0}, got.Value)

	got, err = ParseFillValue((&FillValue{AllocTime: AllocLate}).Encode())
	require.NoError(t, err)
	require.False(t, got.Defined)
	require.Nil(t, got.Value)

	// Version 2 with a defined value.
	got, err = ParseFillValue([]byte{2, AllocEarly, FillWriteIfSet, 1, 2, 0, 0, 0, 0xaa, 0xbb})
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, got.Value)

	old, err := ParseFillValueOld([]byte{1, 0, 0, 0, 7})
	require.NoError(t, err)
	require.True(t, old.Defined)
	require.Equal(t, []byte{7}, old.Value)

	_, err = ParseFillValue([]byte{9})
	require.Error(t, err)
	_, err = ParseFillValue([]byte{3, 0x20, 8, 0, 0, 0})
	require.ErrorIs(t, err, utils.ErrCorrupt)
}

package structures

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/tables/internal/core"
	h5testing "github.com/scigolib/tables/internal/testing"
	"github.com/scigolib/tables/internal/utils"
)

// denseGroup writes a heap and name index holding links and returns the
// link info describing them.
func denseGroup(t *testing.T, s *h5testing.MockStorage, links ...*core.Link) *core.LinkInfo {
	t.Helper()
	f := core.DefaultFormat
	blk := newDirectBlock(0)
	var recs [][]byte
	for _, l := range links {
		recs = append(recs, linkNameRecord(blk.add(l.Encode(f))))
	}
	return &core.LinkInfo{
		HeapAddress:               writeHeapHeader(t, s, blk.write(t, s), 0),
		NameIndexAddress:          writeBTree2(t, s, BTree2LinkName, 4+testIDLength, recs),
		CreationOrderIndexAddress: core.UndefinedAddress,
	}
}

func denseNames(t *testing.T, s *h5testing.MockStorage, info *core.LinkInfo) map[string]*core.Link {
	t.Helper()
	links, err := readDenseLinks(core.NewReader(s, core.DefaultFormat), info)
	require.NoError(t, err)
	out := make(map[string]*core.Link, len(links))
	for _, l := range links {
		out[l.Name] = l
	}
	require.Len(t, out, len(links))
	return out
}

func TestInsertDenseLink_InPlace(t *testing.T) {
	s := h5testing.NewMockStorage(64)
	f := core.DefaultFormat
	info := denseGroup(t, s,
		&core.Link{Name: "array", Address: 0x100},
		&core.Link{Name: "soft", Type: core.LinkSoft, Target: "/array"},
	)

	got, err := InsertDenseLink(s, f, info, &core.Link{Name: "table", Address: 0x200})
	require.NoError(t, err)
	require.Equal(t, info.HeapAddress, got.HeapAddress)
	require.Equal(t, info.NameIndexAddress, got.NameIndexAddress)

	links := denseNames(t, s, got)
	require.Len(t, links, 3)
	require.Equal(t, uint64(0x100), links["array"].Address)
	require.Equal(t, "/array", links["soft"].Target)
	require.Equal(t, uint64(0x200), links["table"].Address)

	// Records are keyed by name hash.
	var hashes []uint32
	require.NoError(t, WalkBTree2(core.NewReader(s, f), got.NameIndexAddress, func(_ uint8, rec []byte) error {
		hashes = append(hashes, binary.LittleEndian.Uint32(rec))
		return nil
	}))
	require.IsNonDecreasing(t, hashes)
	require.Contains(t, hashes, utils.Checksum([]byte("table")))

	_, err = InsertDenseLink(s, f, got, &core.Link{Name: "soft", Address: 0x300})
	require.ErrorContains(t, err, "already exists")
}

func TestInsertDenseLink_Rebuild(t *testing.T) {
	s := h5testing.NewMockStorage(64)
	f := core.DefaultFormat
	// The soft link leaves too little room in the 512 byte block.
	info := denseGroup(t, s,
		&core.Link{Name: "a", Address: 0x100},
		&core.Link{Name: "long", Type: core.LinkSoft, Target: "/" + strings.Repeat("x", 460)},
	)

	got, err := InsertDenseLink(s, f, info, &core.Link{Name: "b_with_a_longer_name", Address: 0x200})
	require.NoError(t, err)
	require.NotEqual(t, info.HeapAddress, got.HeapAddress)

	links := denseNames(t, s, got)
	require.Len(t, links, 3)
	require.Equal(t, uint64(0x100), links["a"].Address)
	require.Equal(t, uint64(0x200), links["b_with_a_longer_name"].Address)
	require.Len(t, links["long"].Target, 461)

	heap, err := OpenFractalHeap(core.NewReader(s, f), got.HeapAddress)
	require.NoError(t, err)
	require.Equal(t, testIDLength, heap.IDLength)
	require.NoError(t, heap.loadBlocks())
	require.Len(t, heap.blocks, 1)
	b := heap.blocks[0]
	block, err := heap.r.Read(b.addr, int(b.size)) //nolint:gosec // small
	require.NoError(t, err)
	require.Equal(t, "FHDB", string(block[:4]))
	pos := heap.blockHeaderSize() - 4
	stored := binary.LittleEndian.Uint32(block[pos:])
	clear(block[pos : pos+4])
	require.Equal(t, utils.Checksum(block), stored)

	// The rebuilt heap takes further links in place.
	again, err := InsertDenseLink(s, f, got, &core.Link{Name: "c", Address: 0x300})
	require.NoError(t, err)
	require.Equal(t, got.HeapAddress, again.HeapAddress)
	require.Len(t, denseNames(t, s, again), 4)
}

func TestInsertDenseLink_CreationOrder(t *testing.T) {
	s := h5testing.NewMockStorage(64)
	f := core.DefaultFormat
	first := &core.Link{Name: "zeta", Address: 0x100, CreationOrder: 0, HasCreationOrder: true}
	second := &core.Link{Name: "alpha", Address: 0x200, CreationOrder: 1, HasCreationOrder: true}
	info := denseGroup(t, s, first, second)

	// The creation order index uses the same heap IDs as the name index.
	var ids [][]byte
	require.NoError(t, WalkBTree2(core.NewReader(s, f), info.NameIndexAddress, func(_ uint8, rec []byte) error {
		ids = append(ids, rec[4:])
		return nil
	}))
	var recs [][]byte
	for i, id := range ids {
		rec := binary.LittleEndian.AppendUint64(nil, uint64(i)) //nolint:gosec // small
		recs = append(recs, append(rec, id...))
	}
	info.Flags = 0x03
	info.MaxCreationIndex = 2
	info.CreationOrderIndexAddress = writeBTree2(t, s, BTree2LinkCreationOrder, 8+testIDLength, recs)

	added := &core.Link{Name: "mid", Address: 0x300}
	got, err := InsertDenseLink(s, f, info, added)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.MaxCreationIndex)
	require.Equal(t, uint64(2), info.MaxCreationIndex)
	require.True(t, added.HasCreationOrder)
	require.Equal(t, int64(2), added.CreationOrder)

	var names []string
	heap, err := OpenFractalHeap(core.NewReader(s, f), got.HeapAddress)
	require.NoError(t, err)
	require.NoError(t, WalkBTree2(core.NewReader(s, f), got.CreationOrderIndexAddress, func(typ uint8, rec []byte) error {
		require.Equal(t, uint8(BTree2LinkCreationOrder), typ)
		obj, err := heap.Object(rec[8:])
		if err != nil {
			return err
		}
		l, err := core.ParseLink(obj, f)
		if err != nil {
			return err
		}
		require.Equal(t, int64(len(names)), l.CreationOrder) //nolint:gosec // small
		names = append(names, l.Name)
		return nil
	}))
	require.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

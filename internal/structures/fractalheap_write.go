package structures

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

// heapFlagChecksumBlocks marks heaps whose direct blocks carry a checksum.
const heapFlagChecksumBlocks = 0x02

// Doubling table of heaps this package creates, matching what the
// reference library picks for link storage.
const (
	newHeapWidth      = 4
	newHeapStartBlock = 512
	newHeapMaxDirect  = 1 << 16
	newHeapMaxManaged = 4096
	newHeapBits       = 32
)

func fractalHeapHeaderSize(f core.Format) int {
	return 22 + 12*f.LengthSize + 3*f.OffsetSize + 4
}

// Header field positions patched after an in-place insert.
func heapFreeSpaceField(f core.Format) int { return 14 + f.LengthSize + f.OffsetSize }
func heapObjectCountField(f core.Format) int {
	return 14 + 5*f.LengthSize + 2*f.OffsetSize
}

func (h *FractalHeap) blockHeaderSize() int {
	n := 4 + 1 + h.r.OffsetSize + h.offsetSize
	if h.flags&heapFlagChecksumBlocks != 0 {
		n += 4
	}
	return n
}

// managedSpan decodes the heap offset and length of a managed heap ID.
func (h *FractalHeap) managedSpan(id []byte) (off, n uint64, ok bool) {
	if len(id) == 0 || (id[0]>>4)&0x03 != heapIDManaged {
		return 0, 0, false
	}
	d := core.NewDecoder(id[1:], h.r.Format)
	off = d.Uvar(h.offsetSize)
	n = d.Uvar(h.lengthSize)
	return off, n, d.Err() == nil
}

func (h *FractalHeap) managedID(off, n uint64) []byte {
	e := core.NewEncoder(h.r.Format, h.IDLength)
	e.U8(heapIDManaged << 4)
	e.Uvar(off, h.offsetSize)
	e.Uvar(n, h.lengthSize)
	e.Zeros(h.IDLength - e.Len())
	return e.Bytes()
}

// insertInPlace stores obj after the last object of the first direct
// block with room for it. ids must name every managed object in the heap.
// It reports false when no block has room.
func (h *FractalHeap) insertInPlace(s core.Storage, ids [][]byte, obj []byte) ([]byte, bool, error) {
	if uint64(len(obj)) > uint64(h.maxManaged) || h.IDLength < 1+h.offsetSize+h.lengthSize {
		return nil, false, nil
	}
	if h.blocks == nil {
		if err := h.loadBlocks(); err != nil {
			return nil, false, err
		}
	}
	used := make([]uint64, len(h.blocks))
	for i, b := range h.blocks {
		used[i] = b.offset + uint64(h.blockHeaderSize()) //nolint:gosec // small
	}
	for _, id := range ids {
		off, n, ok := h.managedSpan(id)
		if !ok {
			continue
		}
		i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i].offset+h.blocks[i].size > off })
		if i == len(h.blocks) || h.blocks[i].offset > off {
			return nil, false, utils.Corruptf("heap offset %d not in any direct block", off)
		}
		used[i] = max(used[i], off+n)
	}

	for i, b := range h.blocks {
		off := used[i]
		if off+uint64(len(obj)) > b.offset+b.size {
			continue
		}
		block, err := h.r.Read(b.addr, int(b.size)) //nolint:gosec // bounded by max direct block size
		if err != nil {
			return nil, false, err
		}
		copy(block[off-b.offset:], obj)
		if h.flags&heapFlagChecksumBlocks != 0 {
			sealDirectBlock(block, h.blockHeaderSize()-4)
		}
		if err := storeAt(s, block, b.addr, "write fractal heap block"); err != nil {
			return nil, false, err
		}
		if err := h.countInsert(s, uint64(len(obj))); err != nil {
			return nil, false, err
		}
		return h.managedID(off, uint64(len(obj))), true, nil
	}
	return nil, false, nil
}

// countInsert updates the header statistics for one new object of n
// bytes. The free space manager is dropped because it no longer matches
// the blocks.
func (h *FractalHeap) countInsert(s core.Storage, n uint64) error {
	f := h.r.Format
	buf, err := h.r.Read(h.addr, fractalHeapHeaderSize(f))
	if err != nil {
		return err
	}
	patch := func(pos int, width int, fn func(uint64) uint64) {
		v := fn(core.NewDecoder(buf[pos:], f).Uvar(width))
		e := core.NewEncoder(f, width)
		e.Uvar(v, width)
		copy(buf[pos:], e.Bytes())
	}
	free := heapFreeSpaceField(f)
	patch(free, f.LengthSize, func(v uint64) uint64 {
		if v < n {
			return 0
		}
		return v - n
	})
	patch(free+f.LengthSize, f.OffsetSize, func(uint64) uint64 { return core.UndefinedAddress })
	patch(heapObjectCountField(f), f.LengthSize, func(v uint64) uint64 { return v + 1 })
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], utils.Checksum(buf[:len(buf)-4]))
	return storeAt(s, buf, h.addr, "write fractal heap header")
}

// sealDirectBlock stores the block checksum, computed over the whole
// block with the checksum field zeroed, at pos.
func sealDirectBlock(block []byte, pos int) {
	clear(block[pos : pos+4])
	binary.LittleEndian.PutUint32(block[pos:], utils.Checksum(block))
}

// writeFractalHeap creates a heap whose single root direct block holds
// objs, with room to spare, and returns its address and the object IDs.
func writeFractalHeap(s core.Storage, f core.Format, idLen int, objs [][]byte) (uint64, [][]byte, error) {
	h := &FractalHeap{
		IDLength:   idLen,
		r:          core.NewReader(s, f),
		flags:      heapFlagChecksumBlocks,
		maxManaged: newHeapMaxManaged,
		offsetSize: (newHeapBits + 7) / 8,
		lengthSize: min(offsetLen(newHeapMaxDirect), limitEncSize(newHeapMaxManaged)),
	}
	if idLen < 1+h.offsetSize+h.lengthSize {
		return 0, nil, fmt.Errorf("fractal heap id length %d too short", idLen)
	}
	used := uint64(h.blockHeaderSize()) //nolint:gosec // small
	for _, obj := range objs {
		if len(obj) > newHeapMaxManaged {
			return 0, nil, fmt.Errorf("heap object of %d bytes exceeds %d", len(obj), newHeapMaxManaged)
		}
		used += uint64(len(obj))
	}
	size := uint64(newHeapStartBlock)
	for size < 2*used {
		size *= 2
	}

	hdrAddr, err := s.Allocate(uint64(fractalHeapHeaderSize(f))) //nolint:gosec // small
	if err != nil {
		return 0, nil, err
	}
	blockAddr, err := s.Allocate(size)
	if err != nil {
		return 0, nil, err
	}

	e := core.NewEncoder(f, int(size)) //nolint:gosec // bounded above
	e.Raw([]byte("FHDB"))
	e.U8(0)
	e.Addr(hdrAddr)
	e.Uvar(0, h.offsetSize)
	e.U32(0)
	ids := make([][]byte, len(objs))
	for i, obj := range objs {
		ids[i] = h.managedID(uint64(e.Len()), uint64(len(obj))) //nolint:gosec // small
		e.Raw(obj)
	}
	e.Zeros(int(size) - e.Len()) //nolint:gosec // bounded above
	block := e.Bytes()
	sealDirectBlock(block, h.blockHeaderSize()-4)
	if err := storeAt(s, block, blockAddr, "write fractal heap block"); err != nil {
		return 0, nil, err
	}

	hd := core.NewEncoder(f, fractalHeapHeaderSize(f))
	hd.Raw([]byte("FRHP"))
	hd.U8(0)
	hd.U16(uint16(idLen)) //nolint:gosec // small
	hd.U16(0)             // no filters
	hd.U8(h.flags)
	hd.U32(newHeapMaxManaged)
	hd.Length(0)                   // next huge object id
	hd.Addr(core.UndefinedAddress) // huge object b-tree
	hd.Length(size - used)         // free space in managed blocks
	hd.Addr(core.UndefinedAddress) // free space manager
	hd.Length(size)                // managed space
	hd.Length(size)                // allocated managed space
	hd.Length(size)                // direct block iterator offset
	hd.Length(uint64(len(objs)))   // managed objects
	for range 4 {
		hd.Length(0) // huge and tiny statistics
	}
	hd.U16(newHeapWidth)
	hd.Length(size) // a root direct block spans the starting block size
	hd.Length(max(size, newHeapMaxDirect))
	hd.U16(newHeapBits)
	hd.U16(1) // starting rows of a future root indirect block
	hd.Addr(blockAddr)
	hd.U16(0)
	hd.Checksum()
	if err := storeAt(s, hd.Bytes(), hdrAddr, "write fractal heap header"); err != nil {
		return 0, nil, err
	}
	return hdrAddr, ids, nil
}

package structures

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
)

// Heap ID types, from bits 4-5 of the first ID byte.
const (
	heapIDManaged = 0
	heapIDHuge    = 1
	heapIDTiny    = 2
)

// FractalHeap reads objects of a fractal heap: dense link and attribute
// storage of new-style groups and objects.
type FractalHeap struct {
	IDLength int

	r            *core.Reader
	addr         uint64
	flags        uint8
	filtersLen   int
	maxManaged   uint32
	tableWidth   int
	startBlock   uint64
	maxDirect    uint64
	maxHeapBits  int
	rootAddr     uint64
	rootRows     int
	offsetSize   int
	lengthSize   int
	maxDirectRow int

	blocks []directBlock // sorted by heap offset, loaded lazily
}

type directBlock struct {
	offset uint64
	size   uint64
	addr   uint64
}

// OpenFractalHeap parses the heap header at addr.
func OpenFractalHeap(r *core.Reader, addr uint64) (*FractalHeap, error) {
	size := 22 + 12*r.LengthSize + 3*r.OffsetSize + 4
	buf, err := r.Read(addr, size)
	if err != nil {
		return nil, utils.WrapErrorAt("fractal heap header", addr, err)
	}
	d := core.NewDecoder(buf, r.Format)
	d.Signature("FRHP")
	if v := d.U8(); d.Err() == nil && v != 0 {
		return nil, utils.Corruptf("fractal heap at 0x%x has version %d", addr, v)
	}
	h := &FractalHeap{r: r, addr: addr}
	h.IDLength = int(d.U16())
	h.filtersLen = int(d.U16())
	h.flags = d.U8()
	h.maxManaged = d.U32()
	d.Length() // next huge object id
	d.Addr()   // huge object b-tree
	d.Length() // free space
	d.Addr()   // free space manager
	for range 8 {
		d.Length() // managed and huge and tiny statistics
	}
	h.tableWidth = int(d.U16())
	h.startBlock = d.Length()
	h.maxDirect = d.Length()
	h.maxHeapBits = int(d.U16())
	d.U16() // starting rows of root indirect block
	h.rootAddr = d.Addr()
	h.rootRows = int(d.U16())
	if err := d.Err(); err != nil {
		return nil, utils.WrapErrorAt("fractal heap header", addr, err)
	}
	if h.filtersLen > 0 {
		return nil, fmt.Errorf("fractal heap at 0x%x: filtered heaps not supported", addr)
	}
	if err := core.VerifyChecksum(buf[:d.Pos()+4]); err != nil {
		return nil, utils.WrapErrorAt("fractal heap header", addr, err)
	}
	if h.tableWidth == 0 || h.startBlock == 0 || h.maxDirect < h.startBlock {
		return nil, utils.Corruptf("fractal heap at 0x%x has a bad doubling table", addr)
	}
	h.offsetSize = (h.maxHeapBits + 7) / 8
	h.lengthSize = min(offsetLen(h.maxDirect), limitEncSize(uint64(h.maxManaged)))
	h.maxDirectRow = log2(h.maxDirect) - log2(h.startBlock) + 2
	return h, nil
}

func log2(v uint64) int {
	return bits.Len64(v) - 1
}

// offsetLen is the bytes needed for offsets within a block of size.
func offsetLen(size uint64) int {
	return (log2(size) + 7) / 8
}

func limitEncSize(v uint64) int {
	return log2(v)/8 + 1
}

// rowBlockSize returns the size of the direct blocks in row.
func (h *FractalHeap) rowBlockSize(row int) uint64 {
	if row == 0 {
		return h.startBlock
	}
	return h.startBlock << (row - 1)
}

// Object returns the bytes named by a heap ID.
func (h *FractalHeap) Object(id []byte) ([]byte, error) {
	if len(id) == 0 {
		return nil, utils.Corruptf("empty heap id")
	}
	switch (id[0] >> 4) & 0x03 {
	case heapIDManaged:
		off, n, ok := h.managedSpan(id)
		if !ok {
			return nil, utils.Corruptf("managed heap id of %d bytes", len(id))
		}
		return h.managed(off, n)
	case heapIDTiny:
		if h.IDLength <= 18 {
			n := int(id[0]&0x0f) + 1
			if 1+n > len(id) {
				return nil, utils.Corruptf("tiny object of %d bytes in %d byte id", n, len(id))
			}
			return id[1 : 1+n], nil
		}
		if len(id) < 2 {
			return nil, utils.Corruptf("extended tiny heap id of %d bytes", len(id))
		}
		n := (int(id[0]&0x0f)<<8 | int(id[1])) + 1
		if 2+n > len(id) {
			return nil, utils.Corruptf("tiny object of %d bytes in %d byte id", n, len(id))
		}
		return id[2 : 2+n], nil
	case heapIDHuge:
		return nil, fmt.Errorf("huge fractal heap objects not supported")
	default:
		return nil, utils.Corruptf("heap id type %d", (id[0]>>4)&0x03)
	}
}

func (h *FractalHeap) managed(off, n uint64) ([]byte, error) {
	if h.blocks == nil {
		if err := h.loadBlocks(); err != nil {
			return nil, err
		}
	}
	i := sort.Search(len(h.blocks), func(i int) bool {
		return h.blocks[i].offset+h.blocks[i].size > off
	})
	if i == len(h.blocks) || h.blocks[i].offset > off {
		return nil, utils.Corruptf("heap offset %d not in any direct block", off)
	}
	b := h.blocks[i]
	if off+n > b.offset+b.size {
		return nil, utils.Corruptf("heap object [%d, +%d) crosses its block", off, n)
	}
	return h.r.Read(b.addr+(off-b.offset), int(n)) //nolint:gosec // bounded by block size
}

func (h *FractalHeap) loadBlocks() error {
	h.blocks = []directBlock{}
	if h.rootAddr == core.UndefinedAddress {
		return nil
	}
	if h.rootRows == 0 {
		h.blocks = append(h.blocks, directBlock{offset: 0, size: h.startBlock, addr: h.rootAddr})
		return nil
	}
	if err := h.walkIndirect(h.rootAddr, 0, h.rootRows, 0); err != nil {
		return err
	}
	sort.Slice(h.blocks, func(i, j int) bool { return h.blocks[i].offset < h.blocks[j].offset })
	return nil
}

// walkIndirect records the direct blocks below the indirect block at
// addr, which covers heap offsets from base and has nrows rows.
func (h *FractalHeap) walkIndirect(addr, base uint64, nrows, depth int) error {
	if depth > 16 {
		return utils.Corruptf("fractal heap indirect blocks nested too deep")
	}
	directRows := min(nrows, h.maxDirectRow)
	entries := nrows * h.tableWidth
	size := 4 + 1 + h.r.OffsetSize + h.offsetSize + entries*h.r.OffsetSize + 4
	buf, err := h.r.Read(addr, size)
	if err != nil {
		return utils.WrapErrorAt("fractal heap indirect block", addr, err)
	}
	if err := core.VerifyChecksum(buf); err != nil {
		return utils.WrapErrorAt("fractal heap indirect block", addr, err)
	}
	d := core.NewDecoder(buf, h.r.Format)
	d.Signature("FHIB")
	d.Skip(1 + h.r.OffsetSize + h.offsetSize)

	off := base
	for row := range nrows {
		rowSize := h.rowBlockSize(row)
		for range h.tableWidth {
			child := d.Addr()
			if row < directRows {
				if child != core.UndefinedAddress {
					h.blocks = append(h.blocks, directBlock{offset: off, size: rowSize, addr: child})
				}
			} else if child != core.UndefinedAddress {
				childRows := log2(rowSize) - log2(h.startBlock*uint64(h.tableWidth)) + 1 //nolint:gosec // small
				if err := h.walkIndirect(child, off, childRows, depth+1); err != nil {
					return err
				}
			}
			off += rowSize
		}
	}
	return d.Err()
}
